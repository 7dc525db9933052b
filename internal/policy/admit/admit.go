// Package admit decides which hosts the crawl may touch.
package admit

import "strings"

// Policy filters work units by host. Deny rules win over allow rules,
// and an empty allow list admits every host not denied. A rule matches
// its own host and any subdomain of it.
type Policy struct {
	allowed []string
	denied  []string
}

// New builds a Policy from allow and deny host lists.
func New(allowedHosts, deniedHosts []string) *Policy {
	return &Policy{
		allowed: normalizeRules(allowedHosts),
		denied:  normalizeRules(deniedHosts),
	}
}

// AllowHost reports whether host may be fetched.
func (p *Policy) AllowHost(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	for _, rule := range p.denied {
		if hostMatches(host, rule) {
			return false
		}
	}
	if len(p.allowed) == 0 {
		return true
	}
	for _, rule := range p.allowed {
		if hostMatches(host, rule) {
			return true
		}
	}
	return false
}

func hostMatches(host, rule string) bool {
	return host == rule || strings.HasSuffix(host, "."+rule)
}

func normalizeRules(rules []string) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		r = strings.ToLower(strings.TrimSpace(r))
		r = strings.TrimPrefix(r, "*.")
		if r != "" {
			out = append(out, r)
		}
	}
	return out
}
