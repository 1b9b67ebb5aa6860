// Package manifest validates tool manifests and the caller arguments checked
// against them, and serves manifests from a cached on-disk store.
package manifest

import (
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"forgescan/tool-runner/internal/command"
	"forgescan/tool-runner/internal/model"
	"forgescan/tool-runner/internal/scanners"
	"forgescan/tool-runner/internal/security"
)

// TargetArg is the reserved placeholder filled with the sanitized job target.
const TargetArg = "target"

// ParamError lists every argument that failed validation.
type ParamError struct {
	Problems []string
}

func (e *ParamError) Error() string {
	return strings.Join(e.Problems, "; ")
}

// ValidateParams checks caller params against the manifest's schema and
// returns the argv form of every argument that has a value. Unknown names and
// the reserved target name are rejected. Defaults fill missing arguments.
func ValidateParams(m *model.ToolManifest, params map[string]any) (map[string]any, error) {
	var problems []string

	var unknown []string
	for name := range params {
		if name == TargetArg {
			problems = append(problems, "target: reserved argument")
			continue
		}
		if _, ok := m.Arg(name); !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		problems = append(problems, name+": unknown argument")
	}

	out := make(map[string]any, len(m.ArgsSchema))
	for i := range m.ArgsSchema {
		def := &m.ArgsSchema[i]
		k, err := kindOf(def.Type)
		if err != nil {
			problems = append(problems, def.Name+": "+err.Error())
			continue
		}

		v, supplied := params[def.Name]
		if !supplied || v == nil {
			v = def.Default
		}
		if v == nil {
			if def.Required {
				problems = append(problems, def.Name+": required")
			}
			continue
		}

		s, err := k.coerce(def, v)
		if err != nil {
			problems = append(problems, def.Name+": "+err.Error())
			continue
		}
		out[def.Name] = s
	}

	if len(problems) > 0 {
		return nil, &ParamError{Problems: problems}
	}
	return out, nil
}

var toolNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// Validate checks a manifest's structural invariants: the template starts with
// the literal binary, placeholders only name declared arguments or target,
// argument kinds are known, and the security posture is coherent.
func Validate(m *model.ToolManifest) error {
	if m == nil {
		return errors.New("nil manifest")
	}
	if !toolNameRe.MatchString(m.Name) {
		return errors.Errorf("invalid tool name %q", m.Name)
	}
	if m.Binary == "" {
		return errors.Errorf("%s: binary is required", m.Name)
	}
	if len(m.CommandTemplate) == 0 {
		return errors.Errorf("%s: commandTemplate is required", m.Name)
	}
	if m.CommandTemplate[0] != m.Binary {
		return errors.Errorf("%s: commandTemplate must start with the binary %q", m.Name, m.Binary)
	}

	declared := map[string]bool{TargetArg: true}
	for i := range m.ArgsSchema {
		def := &m.ArgsSchema[i]
		if def.Name == "" || def.Name == TargetArg {
			return errors.Errorf("%s: invalid argument name %q", m.Name, def.Name)
		}
		if declared[def.Name] {
			return errors.Errorf("%s: duplicate argument %q", m.Name, def.Name)
		}
		declared[def.Name] = true

		k, err := kindOf(def.Type)
		if err != nil {
			return errors.Wrapf(err, "%s: argument %q", m.Name, def.Name)
		}
		if err := k.checkDef(def); err != nil {
			return errors.Wrapf(err, "%s: argument %q", m.Name, def.Name)
		}
		if def.Default != nil {
			if _, err := k.coerce(def, def.Default); err != nil {
				return errors.Wrapf(err, "%s: default for %q", m.Name, def.Name)
			}
		}
	}

	for i, tok := range m.CommandTemplate {
		if command.HasStrayBraces(tok) {
			return errors.Errorf("%s: malformed placeholder in %q", m.Name, tok)
		}
		names := command.Placeholders(tok)
		if i == 0 && len(names) > 0 {
			return errors.Errorf("%s: binary token may not contain placeholders", m.Name)
		}
		for _, name := range names {
			if !declared[name] {
				return errors.Errorf("%s: placeholder {{%s}} has no argument definition", m.Name, name)
			}
		}
	}

	switch m.Network() {
	case model.NetworkNone, model.NetworkHost, model.NetworkBridge:
	case model.NetworkRestricted:
		if len(m.Security.AllowedEgress) == 0 {
			return errors.Errorf("%s: restricted network requires allowedEgress", m.Name)
		}
		for _, e := range m.Security.AllowedEgress {
			if err := security.ValidateScopeEntry(e); err != nil {
				return errors.Wrapf(err, "%s: allowedEgress", m.Name)
			}
		}
	default:
		return errors.Errorf("%s: unknown network mode %q", m.Name, m.Security.NetworkMode)
	}

	for _, rule := range m.RedactionRules {
		if _, err := regexp.Compile(rule); err != nil {
			return errors.Wrapf(err, "%s: redaction rule %q", m.Name, rule)
		}
	}

	if m.OutputParser != "" && !scanners.Has(m.OutputParser) {
		return errors.Errorf("%s: unknown output parser %q", m.Name, m.OutputParser)
	}
	return nil
}
