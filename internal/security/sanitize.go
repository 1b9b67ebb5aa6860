package security

import (
	"strings"

	"github.com/pkg/errors"
)

// MaxTargetLength matches the DNS hostname limit.
const MaxTargetLength = 253

// ErrTargetRejected is reported for any sanitizer failure. The detailed reason
// is kept out of job results.
var ErrTargetRejected = errors.New("target rejected")

// shellMeta are characters that change meaning under a shell or glob expansion.
const shellMeta = ";|&`$<>(){}[]\\'\"!*"

// Verdict is the outcome of sanitizing a target.
type Verdict struct {
	Valid      bool
	Normalized string
	Reason     string
}

func reject(reason string) Verdict {
	return Verdict{Reason: reason}
}

// Sanitize validates a target before it is placed into an argv slot. It never
// escapes anything: a target is either accepted as one argv element or rejected.
func Sanitize(target string) Verdict {
	t := strings.TrimSpace(target)
	if t == "" {
		return reject("empty target")
	}
	if len(t) > MaxTargetLength {
		return reject("target exceeds maximum length")
	}
	if strings.HasPrefix(t, "-") {
		return reject("target looks like an option")
	}
	for i := 0; i < len(t); i++ {
		c := t[i]
		switch {
		case c < 0x20 || c == 0x7f:
			return reject("control character in target")
		case c == ' ':
			return reject("whitespace in target")
		case c > 0x7e:
			return reject("non-ASCII byte in target")
		case strings.IndexByte(shellMeta, c) >= 0:
			return reject("shell metacharacter in target")
		}
	}
	return Verdict{Valid: true, Normalized: t}
}
