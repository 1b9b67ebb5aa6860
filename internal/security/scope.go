package security

import (
	"encoding/binary"
	"net/netip"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// ReasonOutOfScope is the only reason ever reported for a scope failure.
const ReasonOutOfScope = "target outside approved scope"

var ErrOutOfScope = errors.New(ReasonOutOfScope)

// ScopeVerdict is the outcome of a scope check.
type ScopeVerdict struct {
	Valid  bool
	Reason string
}

var outOfScope = ScopeVerdict{Reason: ReasonOutOfScope}

// IsInScope decides whether target belongs to the allow-list formed by cidrs
// and hosts. IPv4 literals match a CIDR by address masking or a host entry
// exactly. Hostnames match an exact host entry or a "*.suffix" wildcard.
// IPv4 CIDR targets must lie wholly inside one scope CIDR. URL targets are
// checked by hostname. IPv6 is never in scope.
func IsInScope(target string, cidrs, hosts []string) ScopeVerdict {
	target = strings.TrimSpace(target)
	if target == "" {
		return outOfScope
	}

	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil || u.Hostname() == "" {
			return outOfScope
		}
		return IsInScope(u.Hostname(), cidrs, hosts)
	}

	if strings.Contains(target, "/") {
		p, err := netip.ParsePrefix(target)
		if err != nil || !p.Addr().Is4() {
			return outOfScope
		}
		if prefixInScope(p.Masked(), cidrs) {
			return ScopeVerdict{Valid: true}
		}
		return outOfScope
	}

	if addr, err := netip.ParseAddr(target); err == nil {
		if !addr.Is4() {
			return outOfScope
		}
		ip := addrToUint32(addr)
		for _, c := range cidrs {
			if ipInCIDR(ip, c) {
				return ScopeVerdict{Valid: true}
			}
		}
		for _, h := range hosts {
			if strings.TrimSpace(h) == target {
				return ScopeVerdict{Valid: true}
			}
		}
		return outOfScope
	}

	if strings.Contains(target, ":") {
		// host:port or a bracketed IPv6 form
		return outOfScope
	}

	if hostInScope(normalizeHost(target), hosts) {
		return ScopeVerdict{Valid: true}
	}
	return outOfScope
}

func hostInScope(host string, hosts []string) bool {
	if host == "" {
		return false
	}
	for _, entry := range hosts {
		entry = normalizeHost(entry)
		if entry == "" {
			continue
		}
		if suffix, ok := strings.CutPrefix(entry, "*."); ok {
			if suffix == "" {
				continue
			}
			if host == suffix || strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}

func normalizeHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}

// parseCIDR4 accepts "a.b.c.d/n" with n in 0..32, or a bare IPv4 address as /32.
func parseCIDR4(cidr string) (base uint32, bits int, ok bool) {
	cidr = strings.TrimSpace(cidr)
	if !strings.Contains(cidr, "/") {
		addr, err := netip.ParseAddr(cidr)
		if err != nil || !addr.Is4() {
			return 0, 0, false
		}
		return addrToUint32(addr), 32, true
	}
	p, err := netip.ParsePrefix(cidr)
	if err != nil || !p.Addr().Is4() {
		return 0, 0, false
	}
	return addrToUint32(p.Addr()), p.Bits(), true
}

func mask(bits int) uint32 {
	if bits <= 0 {
		return 0
	}
	return ^uint32(0) << (32 - bits)
}

func ipInCIDR(ip uint32, cidr string) bool {
	base, bits, ok := parseCIDR4(cidr)
	if !ok {
		return false
	}
	m := mask(bits)
	return ip&m == base&m
}

func prefixInScope(p netip.Prefix, cidrs []string) bool {
	ip := addrToUint32(p.Addr())
	for _, c := range cidrs {
		_, bits, ok := parseCIDR4(c)
		if !ok || bits > p.Bits() {
			continue
		}
		if ipInCIDR(ip, c) {
			return true
		}
	}
	return false
}

func addrToUint32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

// ValidateScopeEntry checks that entry is an IPv4 address, an IPv4 CIDR, a
// hostname, or a "*.suffix" wildcard.
func ValidateScopeEntry(entry string) error {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return errors.New("empty scope entry")
	}
	if _, _, ok := parseCIDR4(entry); ok {
		return nil
	}
	if strings.ContainsAny(entry, "/:") {
		return errors.Errorf("invalid scope entry %q", entry)
	}
	host := strings.TrimPrefix(entry, "*.")
	if !IsHostname(host) {
		return errors.Errorf("invalid scope entry %q", entry)
	}
	return nil
}

// IsHostname reports whether s is a syntactically valid DNS hostname.
func IsHostname(s string) bool {
	s = strings.TrimSuffix(s, ".")
	if s == "" || len(s) > MaxTargetLength {
		return false
	}
	for _, label := range strings.Split(s, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			isAlnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
			if !isAlnum && c != '-' && c != '_' {
				return false
			}
		}
	}
	return true
}
