package manifest

import (
	"encoding/json"
	"math"
	"net/netip"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"forgescan/tool-runner/internal/model"
	"forgescan/tool-runner/internal/security"
)

// kind is one argument variant. Each kind validates its own definition at
// manifest load time and coerces caller values to their argv form at run time.
// The set is closed: every model.ArgType has exactly one entry in kinds.
type kind interface {
	checkDef(def *model.ArgDef) error
	coerce(def *model.ArgDef, v any) (string, error)
}

var kinds = map[model.ArgType]kind{
	model.ArgString:      stringKind{},
	model.ArgNumber:      numberKind{},
	model.ArgBoolean:     booleanKind{},
	model.ArgSelect:      selectKind{},
	model.ArgMultiSelect: multiSelectKind{},
	model.ArgHost:        hostKind{},
	model.ArgPort:        portKind{},
	model.ArgCIDR:        cidrKind{},
	model.ArgURL:         urlKind{},
	model.ArgFile:        fileKind{},
}

func kindOf(t model.ArgType) (kind, error) {
	k, ok := kinds[t]
	if !ok {
		return nil, errors.Errorf("unknown argument type %q", t)
	}
	return k, nil
}

func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", errors.Errorf("expected string, got %T", v)
	}
	return s, nil
}

// plainText rejects bytes that have no business in an argv element and any
// placeholder syntax that could survive rendering.
func plainText(s string) error {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] == 0x7f {
			return errors.New("control character not allowed")
		}
	}
	if strings.Contains(s, "{{") || strings.Contains(s, "}}") {
		return errors.New("template syntax not allowed")
	}
	return nil
}

func compilePattern(p string) (*regexp.Regexp, error) {
	return regexp.Compile(`^(?:` + p + `)$`)
}

type stringKind struct{}

func (stringKind) checkDef(def *model.ArgDef) error {
	if def.Pattern != "" {
		if _, err := compilePattern(def.Pattern); err != nil {
			return errors.Wrap(err, "invalid pattern")
		}
	}
	if def.MinLength != nil && def.MaxLength != nil && *def.MinLength > *def.MaxLength {
		return errors.New("minLength greater than maxLength")
	}
	return nil
}

func (stringKind) coerce(def *model.ArgDef, v any) (string, error) {
	s, err := asString(v)
	if err != nil {
		return "", err
	}
	if err := plainText(s); err != nil {
		return "", err
	}
	if def.MinLength != nil && len(s) < *def.MinLength {
		return "", errors.Errorf("shorter than %d characters", *def.MinLength)
	}
	if def.MaxLength != nil && len(s) > *def.MaxLength {
		return "", errors.Errorf("longer than %d characters", *def.MaxLength)
	}
	if def.Pattern != "" {
		re, err := compilePattern(def.Pattern)
		if err != nil {
			return "", errors.Wrap(err, "invalid pattern")
		}
		if !re.MatchString(s) {
			return "", errors.New("does not match pattern")
		}
	} else if strings.HasPrefix(s, "-") {
		// only an explicit pattern may admit option-like values
		return "", errors.New("value may not start with '-'")
	}
	return s, nil
}

type numberKind struct{}

func (numberKind) checkDef(def *model.ArgDef) error {
	if def.Min != nil && def.Max != nil && *def.Min > *def.Max {
		return errors.New("min greater than max")
	}
	return nil
}

// toFloat accepts finite numbers only; NaN and infinities fail every range check.
func toFloat(v any) (float64, error) {
	f, err := anyFloat(v)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("not a finite number")
	}
	return f, nil
}

func anyFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, errors.New("not a number")
		}
		return f, nil
	default:
		return 0, errors.Errorf("expected number, got %T", v)
	}
}

func (numberKind) coerce(def *model.ArgDef, v any) (string, error) {
	f, err := toFloat(v)
	if err != nil {
		return "", err
	}
	if def.Min != nil && f < *def.Min {
		return "", errors.Errorf("below minimum %v", *def.Min)
	}
	if def.Max != nil && f > *def.Max {
		return "", errors.Errorf("above maximum %v", *def.Max)
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

type booleanKind struct{}

func (booleanKind) checkDef(*model.ArgDef) error { return nil }

func (booleanKind) coerce(_ *model.ArgDef, v any) (string, error) {
	switch x := v.(type) {
	case bool:
		return strconv.FormatBool(x), nil
	case string:
		b, err := strconv.ParseBool(x)
		if err != nil {
			return "", errors.New("not a boolean")
		}
		return strconv.FormatBool(b), nil
	default:
		return "", errors.Errorf("expected boolean, got %T", v)
	}
}

func hasOption(opts []string, s string) bool {
	for _, o := range opts {
		if o == s {
			return true
		}
	}
	return false
}

type selectKind struct{}

func (selectKind) checkDef(def *model.ArgDef) error {
	if len(def.Options) == 0 {
		return errors.New("select requires options")
	}
	return nil
}

func (selectKind) coerce(def *model.ArgDef, v any) (string, error) {
	s, err := asString(v)
	if err != nil {
		return "", err
	}
	if !hasOption(def.Options, s) {
		return "", errors.Errorf("%q is not an allowed option", s)
	}
	return s, nil
}

type multiSelectKind struct{}

func (multiSelectKind) checkDef(def *model.ArgDef) error {
	if len(def.Options) == 0 {
		return errors.New("multiselect requires options")
	}
	return nil
}

func (multiSelectKind) coerce(def *model.ArgDef, v any) (string, error) {
	var values []string
	switch x := v.(type) {
	case string:
		if x != "" {
			values = strings.Split(x, ",")
		}
	case []string:
		values = x
	case []any:
		for _, item := range x {
			s, err := asString(item)
			if err != nil {
				return "", err
			}
			values = append(values, s)
		}
	default:
		return "", errors.Errorf("expected list, got %T", v)
	}

	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, s := range values {
		s = strings.TrimSpace(s)
		if !hasOption(def.Options, s) {
			return "", errors.Errorf("%q is not an allowed option", s)
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return strings.Join(out, ","), nil
}

type hostKind struct{}

func (hostKind) checkDef(*model.ArgDef) error { return nil }

func (hostKind) coerce(_ *model.ArgDef, v any) (string, error) {
	s, err := asString(v)
	if err != nil {
		return "", err
	}
	verdict := security.Sanitize(s)
	if !verdict.Valid {
		return "", security.ErrTargetRejected
	}
	h := verdict.Normalized
	if addr, err := netip.ParseAddr(h); err == nil {
		if !addr.Is4() {
			return "", errors.New("only IPv4 addresses are supported")
		}
		return h, nil
	}
	if !security.IsHostname(h) {
		return "", errors.New("not a valid hostname")
	}
	return h, nil
}

type portKind struct{}

func (portKind) checkDef(*model.ArgDef) error { return nil }

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		return 0, errors.Errorf("invalid port %q", s)
	}
	return p, nil
}

// coerce accepts a single port, a range "a-b", or a comma list of either.
func (portKind) coerce(_ *model.ArgDef, v any) (string, error) {
	var s string
	switch x := v.(type) {
	case string:
		s = strings.TrimSpace(x)
	default:
		f, err := toFloat(v)
		if err != nil {
			return "", err
		}
		if f != float64(int(f)) {
			return "", errors.New("port must be an integer")
		}
		s = strconv.Itoa(int(f))
	}
	if s == "" {
		return "", errors.New("empty port")
	}
	for _, part := range strings.Split(s, ",") {
		lo, hi, isRange := strings.Cut(part, "-")
		a, err := parsePort(lo)
		if err != nil {
			return "", err
		}
		if isRange {
			b, err := parsePort(hi)
			if err != nil {
				return "", err
			}
			if a > b {
				return "", errors.Errorf("invalid port range %q", part)
			}
		}
	}
	return s, nil
}

type cidrKind struct{}

func (cidrKind) checkDef(*model.ArgDef) error { return nil }

func (cidrKind) coerce(_ *model.ArgDef, v any) (string, error) {
	s, err := asString(v)
	if err != nil {
		return "", err
	}
	p, err := netip.ParsePrefix(strings.TrimSpace(s))
	if err != nil || !p.Addr().Is4() {
		return "", errors.New("not an IPv4 CIDR")
	}
	return p.String(), nil
}

type urlKind struct{}

func (urlKind) checkDef(*model.ArgDef) error { return nil }

func (urlKind) coerce(_ *model.ArgDef, v any) (string, error) {
	s, err := asString(v)
	if err != nil {
		return "", err
	}
	verdict := security.Sanitize(s)
	if !verdict.Valid {
		return "", security.ErrTargetRejected
	}
	u, err := url.ParseRequestURI(verdict.Normalized)
	if err != nil {
		return "", errors.New("not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.New("only http and https URLs are allowed")
	}
	if u.Hostname() == "" {
		return "", errors.New("URL has no host")
	}
	return verdict.Normalized, nil
}

type fileKind struct{}

func (fileKind) checkDef(def *model.ArgDef) error {
	if def.Pattern != "" {
		if _, err := compilePattern(def.Pattern); err != nil {
			return errors.Wrap(err, "invalid pattern")
		}
	}
	return nil
}

func (fileKind) coerce(def *model.ArgDef, v any) (string, error) {
	s, err := asString(v)
	if err != nil {
		return "", err
	}
	if err := plainText(s); err != nil {
		return "", err
	}
	if s == "" || strings.HasPrefix(s, "/") || strings.HasPrefix(s, "-") {
		return "", errors.New("path must be relative")
	}
	for _, part := range strings.Split(s, "/") {
		if part == ".." {
			return "", errors.New("path traversal not allowed")
		}
	}
	if def.Pattern != "" {
		re, err := compilePattern(def.Pattern)
		if err != nil {
			return "", errors.Wrap(err, "invalid pattern")
		}
		if !re.MatchString(s) {
			return "", errors.New("does not match pattern")
		}
	}
	return path.Clean(s), nil
}
