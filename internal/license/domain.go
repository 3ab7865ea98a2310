package license

import (
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/idna"

	licenseErrors "github.com/2sic/resizer/internal/errors"
)

const (
	maxHostLength  = 253
	maxLabelLength = 63
)

// DomainSet is a compiled list of authorized-domain patterns. The zero value
// matches nothing.
type DomainSet struct {
	exact    map[string]struct{}
	suffixes []string // each starts with "."
}

// Len returns the number of valid patterns in the set.
func (d DomainSet) Len() int {
	return len(d.exact) + len(d.suffixes)
}

// ParsePatterns compiles authorized-domain patterns. Accepted forms are an
// exact host name, an IP address, or "*.example.com" which matches any
// subdomain of example.com but not example.com itself. Invalid patterns are
// left out of the set and reported as errors wrapping ErrInvalidDomainPattern.
func ParsePatterns(patterns []string) (DomainSet, []error) {
	set := DomainSet{exact: make(map[string]struct{}, len(patterns))}
	var errs []error

	for _, raw := range patterns {
		pattern := strings.TrimSpace(raw)

		if base, ok := strings.CutPrefix(pattern, "*."); ok {
			if strings.Contains(base, "*") {
				errs = append(errs, invalidPattern(raw, "wildcard allowed only as the leftmost label"))
				continue
			}
			host, ok := NormalizeHost(base)
			if !ok {
				errs = append(errs, invalidPattern(raw, "malformed base domain"))
				continue
			}
			if net.ParseIP(host) != nil {
				errs = append(errs, invalidPattern(raw, "wildcard over an IP address"))
				continue
			}
			if !strings.Contains(host, ".") {
				errs = append(errs, invalidPattern(raw, "wildcard over a single-label domain"))
				continue
			}
			set.suffixes = append(set.suffixes, "."+host)
			continue
		}

		if strings.Contains(pattern, "*") {
			errs = append(errs, invalidPattern(raw, "wildcard allowed only as the leftmost label"))
			continue
		}

		host, ok := NormalizeHost(pattern)
		if !ok {
			errs = append(errs, invalidPattern(raw, "malformed host"))
			continue
		}
		set.exact[host] = struct{}{}
	}

	return set, errs
}

func invalidPattern(pattern, why string) error {
	return fmt.Errorf("%w %q: %s", licenseErrors.ErrInvalidDomainPattern, pattern, why)
}

// NormalizeHost canonicalizes a request host for matching: surrounding space,
// port and trailing dot are removed, IP addresses are printed canonically and
// names are lower-cased and converted to their ASCII (punycode) form.
// It reports false for anything that is not a plausible host.
func NormalizeHost(host string) (string, bool) {
	h := strings.TrimSpace(host)
	if h == "" || strings.ContainsAny(h, "/@?# \t") {
		return "", false
	}

	switch {
	case strings.HasPrefix(h, "["):
		if strings.HasSuffix(h, "]") {
			h = h[1 : len(h)-1]
		} else {
			hostPart, _, err := net.SplitHostPort(h)
			if err != nil {
				return "", false
			}
			h = hostPart
		}
		if ip := net.ParseIP(h); ip != nil {
			return ip.String(), true
		}
		return "", false
	case strings.Count(h, ":") == 1:
		hostPart, _, err := net.SplitHostPort(h)
		if err != nil {
			return "", false
		}
		h = hostPart
	case strings.Count(h, ":") > 1:
		if ip := net.ParseIP(h); ip != nil {
			return ip.String(), true
		}
		return "", false
	}

	h = strings.TrimSuffix(h, ".")
	if h == "" {
		return "", false
	}

	if ip := net.ParseIP(h); ip != nil {
		return ip.String(), true
	}

	ascii, err := idna.Lookup.ToASCII(strings.ToLower(h))
	if err != nil || ascii == "" || len(ascii) > maxHostLength {
		return "", false
	}
	for _, label := range strings.Split(ascii, ".") {
		if label == "" || len(label) > maxLabelLength {
			return "", false
		}
	}

	return ascii, true
}

// DomainMatcher decides whether a request host is covered by a license.
type DomainMatcher struct {
	// LoopbackExempt makes localhost and loopback addresses match any record.
	LoopbackExempt bool
}

// NewDomainMatcher creates a matcher
func NewDomainMatcher(loopbackExempt bool) DomainMatcher {
	return DomainMatcher{LoopbackExempt: loopbackExempt}
}

// Matches reports whether host is authorized by record. A nil record only
// matches exempt hosts. Invalid patterns in the record are ignored.
func (m DomainMatcher) Matches(record *LicenseRecord, host string) bool {
	var set DomainSet
	if record != nil {
		set, _ = ParsePatterns(record.AuthorizedDomains)
	}
	return m.MatchesSet(set, host)
}

// MatchesSet is Matches over an already compiled pattern set.
func (m DomainMatcher) MatchesSet(set DomainSet, host string) bool {
	h, ok := NormalizeHost(host)
	if !ok {
		return false
	}
	if m.LoopbackExempt && isLoopback(h) {
		return true
	}
	if _, ok := set.exact[h]; ok {
		return true
	}
	for _, suffix := range set.suffixes {
		if len(h) > len(suffix) && strings.HasSuffix(h, suffix) {
			return true
		}
	}
	return false
}

// Exempt reports whether host matches every record through the loopback rule.
func (m DomainMatcher) Exempt(host string) bool {
	if !m.LoopbackExempt {
		return false
	}
	h, ok := NormalizeHost(host)
	return ok && isLoopback(h)
}

func isLoopback(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
