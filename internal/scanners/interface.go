package scanners

import "forgescan/tool-runner/internal/model"

// Parser turns a tool's raw stdout into findings.
type Parser interface {
	Parse(raw string) ([]model.Finding, error)
}

// ParserFunc adapts a plain function to Parser.
type ParserFunc func(raw string) ([]model.Finding, error)

func (f ParserFunc) Parse(raw string) ([]model.Finding, error) {
	return f(raw)
}
