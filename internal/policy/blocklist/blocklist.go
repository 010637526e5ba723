// Package blocklist refuses fetches to operator-listed domains.
package blocklist

import (
	"net/url"
	"slices"
	"strings"
)

// Blocklist stores exact hosts and suffix wildcards derived from configuration.
// Patterns are "shop.example.com" (exact), "*.example.com" or ".example.com"
// (the domain and every subdomain).
type Blocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

// New parses patterns. It returns nil when nothing usable was supplied; a nil
// Blocklist allows everything.
func New(patterns []string) *Blocklist {
	b := &Blocklist{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			b.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			b.addSuffix(strings.TrimPrefix(value, "."))
		default:
			b.exact[value] = struct{}{}
		}
	}
	if len(b.exact) == 0 && len(b.suffixes) == 0 {
		return nil
	}
	return b
}

func (b *Blocklist) addSuffix(suffix string) {
	if suffix == "" || slices.Contains(b.suffixes, suffix) {
		return
	}
	b.suffixes = append(b.suffixes, suffix)
}

// IsBlockedHost reports whether host matches any pattern.
func (b *Blocklist) IsBlockedHost(host string) bool {
	if b == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, exact := b.exact[host]; exact {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// IsBlocked reports whether rawURL points at a blocked host. Unparseable
// URLs are not blocked here; the fetch itself will fail on them.
func (b *Blocklist) IsBlocked(rawURL string) bool {
	if b == nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return b.IsBlockedHost(u.Hostname())
}
