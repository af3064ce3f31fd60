// Package policy decides whether a queried name is refused before it reaches
// the cache or an upstream. It combines an exact blocklist with a fuzzy
// look-alike check against a list of trusted domains.
package policy

import (
	"sort"
	"strings"
)

// Reason labels why a name was refused.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonBlocklist Reason = "blocklist"
	ReasonPhishing  Reason = "phishing"
)

// Policy is immutable after New and safe for concurrent use without locking.
type Policy struct {
	blocked   map[string]struct{}
	trusted   map[string]struct{}
	trustedLs []string
	threshold float64
}

// Decision is the result of Evaluate.
type Decision struct {
	Reason Reason
	// Trusted and Score are set for ReasonPhishing.
	Trusted string
	Score   float64
}

// Blocked reports whether the decision refuses the name.
func (d Decision) Blocked() bool {
	return d.Reason != ReasonNone
}

// New builds a policy from already-loaded domain sets. Entries are normalized
// the same way query names are. threshold is the similarity score in [0, 100]
// that a name must strictly exceed to be flagged.
func New(blocked, trusted map[string]struct{}, threshold float64) *Policy {
	p := &Policy{
		blocked:   make(map[string]struct{}, len(blocked)),
		trusted:   make(map[string]struct{}, len(trusted)),
		trustedLs: make([]string, 0, len(trusted)),
		threshold: threshold,
	}

	for d := range blocked {
		if n := Normalize(d); n != "" {
			p.blocked[n] = struct{}{}
		}
	}
	for d := range trusted {
		n := Normalize(d)
		if n == "" {
			continue
		}
		if _, dup := p.trusted[n]; dup {
			continue
		}
		p.trusted[n] = struct{}{}
		p.trustedLs = append(p.trustedLs, n)
	}
	sort.Strings(p.trustedLs)

	return p
}

// Normalize lowercases a domain name and strips surrounding whitespace and
// the trailing root dot.
func Normalize(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// IsBlocked reports exact membership of the normalized domain in the
// blocklist.
func (p *Policy) IsBlocked(domain string) bool {
	if p == nil {
		return false
	}
	_, ok := p.blocked[Normalize(domain)]
	return ok
}

// IsPhishingLike reports whether domain resembles, without equaling, any
// trusted domain by more than the configured threshold.
func (p *Policy) IsPhishingLike(domain string) bool {
	_, _, ok := p.phishingMatch(domain)
	return ok
}

// Evaluate runs the blocklist check and then the look-alike check.
func (p *Policy) Evaluate(domain string) Decision {
	if p.IsBlocked(domain) {
		return Decision{Reason: ReasonBlocklist}
	}
	if trusted, score, ok := p.phishingMatch(domain); ok {
		return Decision{Reason: ReasonPhishing, Trusted: trusted, Score: score}
	}
	return Decision{}
}

// phishingMatch returns the first trusted domain scoring above the
// threshold. A trusted domain never flags itself, whatever the order of the
// trusted list.
func (p *Policy) phishingMatch(domain string) (string, float64, bool) {
	if p == nil || len(p.trustedLs) == 0 {
		return "", 0, false
	}

	name := Normalize(domain)
	if name == "" {
		return "", 0, false
	}
	if _, exact := p.trusted[name]; exact {
		return "", 0, false
	}

	for _, trusted := range p.trustedLs {
		if score := Similarity(name, trusted); score > p.threshold {
			return trusted, score, true
		}
	}
	return "", 0, false
}

// BlockedCount returns the number of blocklisted domains.
func (p *Policy) BlockedCount() int {
	if p == nil {
		return 0
	}
	return len(p.blocked)
}

// TrustedCount returns the number of trusted domains.
func (p *Policy) TrustedCount() int {
	if p == nil {
		return 0
	}
	return len(p.trustedLs)
}

// Threshold returns the look-alike similarity threshold.
func (p *Policy) Threshold() float64 {
	if p == nil {
		return 0
	}
	return p.threshold
}
