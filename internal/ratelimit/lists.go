// lists.go: Allow/deny list matching for rate limit bypass
package ratelimit

import (
	"fmt"
	"net"
)

// ipMatcher matches client IPs against a configured list of plain addresses
// and CIDR blocks. Built once at limiter construction.
type ipMatcher struct {
	exact map[string]struct{}
	nets  []*net.IPNet
}

func newIPMatcher(entries []string) (*ipMatcher, error) {
	m := &ipMatcher{exact: make(map[string]struct{}, len(entries))}
	for _, entry := range entries {
		if _, cidr, err := net.ParseCIDR(entry); err == nil {
			m.nets = append(m.nets, cidr)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			m.exact[ip.String()] = struct{}{}
			continue
		}
		return nil, fmt.Errorf("ratelimit: invalid allow/deny list entry %q", entry)
	}
	return m, nil
}

func (m *ipMatcher) matches(ipStr string) bool {
	if m == nil {
		return false
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	if _, ok := m.exact[ip.String()]; ok {
		return true
	}
	for _, cidr := range m.nets {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// listVerdict is the outcome of the allow/deny check that runs before any
// counter store is consulted.
type listVerdict int

const (
	listNoMatch listVerdict = iota
	listAllowed
	listDenied
)

// checkLists applies deny-before-allow semantics. A match is a pure bypass:
// no counter is read or written for the request.
func (rl *RateLimiter) checkLists(d Descriptor) listVerdict {
	ip := clientIP(d)
	if rl.denyList.matches(ip) {
		return listDenied
	}
	if rl.allowList.matches(ip) {
		return listAllowed
	}
	return listNoMatch
}
