package scanners

import "forgescan/tool-runner/internal/scanners/bandit"

// parsers maps a manifest's outputParser name to its implementation.
var parsers = map[string]Parser{
	"bandit": ParserFunc(bandit.Parse),
}

// Has reports whether a parser is registered under name.
func Has(name string) bool {
	_, ok := parsers[name]
	return ok
}

// Get returns the parser registered under name.
func Get(name string) (Parser, bool) {
	p, ok := parsers[name]
	return p, ok
}
