package sandbox

import (
	"regexp"
	"sync"
)

// RedactedPlaceholder replaces every match of a manifest redaction rule.
const RedactedPlaceholder = "[REDACTED]"

// Redactor applies a manifest's redaction rules. Rules are validated when the
// manifest is loaded, so a rule that fails to compile here is skipped.
type Redactor struct {
	rules []*regexp.Regexp
}

var ruleCache sync.Map // string -> *regexp.Regexp

func NewRedactor(rules []string) *Redactor {
	r := &Redactor{}
	for _, rule := range rules {
		if cached, ok := ruleCache.Load(rule); ok {
			r.rules = append(r.rules, cached.(*regexp.Regexp))
			continue
		}
		re, err := regexp.Compile(rule)
		if err != nil {
			continue
		}
		ruleCache.Store(rule, re)
		r.rules = append(r.rules, re)
	}
	return r
}

func (r *Redactor) Apply(s string) string {
	if s == "" {
		return s
	}
	for _, re := range r.rules {
		s = re.ReplaceAllString(s, RedactedPlaceholder)
	}
	return s
}
