// keys.go: Rate limit key derivation from request descriptors
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"regexp"
	"strings"
)

var (
	uuidSegmentRegex    = regexp.MustCompile(`/[0-9a-fA-F-]{8,}`)
	numericSegmentRegex = regexp.MustCompile(`/\d+`)
)

// deriveKey turns a request descriptor into a stable, opaque rate limit key.
// A CustomKey or configured KeyFunc fully overrides the default derivation.
// The default combines the first usable client IP with the normalized route
// and hashes the pair with SHA-256 so unrelated clients cannot collide and
// raw identifiers never reach the store.
func (c *Config) deriveKey(d Descriptor) string {
	if d.CustomKey != "" {
		return c.KeyPrefix + d.CustomKey
	}
	if c.KeyFunc != nil {
		return c.KeyPrefix + c.KeyFunc(d)
	}
	raw := clientIP(d) + "|" + normalizeRoute(d.Route)
	sum := sha256.Sum256([]byte(raw))
	return c.KeyPrefix + hex.EncodeToString(sum[:16])
}

// clientIP picks the first parseable address from the candidate chain. The
// chain is already ordered by trust precedence by the HTTP layer.
func clientIP(d Descriptor) string {
	for _, candidate := range d.IPCandidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		// Candidates may carry a port (RemoteAddr form).
		if host, _, err := net.SplitHostPort(candidate); err == nil {
			candidate = host
		}
		if net.ParseIP(candidate) != nil {
			return candidate
		}
	}
	return "unknown"
}

// normalizeRoute collapses volatile path segments so all requests for one
// logical route share a counter.
func normalizeRoute(path string) string {
	if idx := strings.Index(path, "?"); idx != -1 {
		path = path[:idx]
	}
	path = "/" + strings.Trim(path, "/")
	path = uuidSegmentRegex.ReplaceAllString(path, "/{id}")
	path = numericSegmentRegex.ReplaceAllString(path, "/{id}")
	return strings.ToLower(path)
}
