package ratelimit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKeyStable(t *testing.T) {
	cfg := &Config{KeyPrefix: "rl:test:"}
	d := Descriptor{
		IPCandidates: []string{"203.0.113.7"},
		Route:        "/api/v1/registries",
	}

	k1 := cfg.deriveKey(d)
	k2 := cfg.deriveKey(d)
	assert.Equal(t, k1, k2, "same descriptor must produce the same key")
	assert.True(t, strings.HasPrefix(k1, "rl:test:"))
	assert.NotContains(t, k1[len("rl:test:"):], "203.0.113.7", "raw IP must not leak into the key")
}

func TestDeriveKeyDistinguishesClients(t *testing.T) {
	cfg := &Config{}
	a := cfg.deriveKey(Descriptor{IPCandidates: []string{"203.0.113.7"}, Route: "/r"})
	b := cfg.deriveKey(Descriptor{IPCandidates: []string{"203.0.113.8"}, Route: "/r"})
	c := cfg.deriveKey(Descriptor{IPCandidates: []string{"203.0.113.7"}, Route: "/other"})
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestDeriveKeyCustomOverrides(t *testing.T) {
	cfg := &Config{
		KeyPrefix: "rl:",
		KeyFunc:   func(d Descriptor) string { return "user-42" },
	}
	assert.Equal(t, "rl:user-42", cfg.deriveKey(Descriptor{IPCandidates: []string{"1.2.3.4"}}))

	// An explicit CustomKey wins over everything.
	assert.Equal(t, "rl:tenant-9", cfg.deriveKey(Descriptor{CustomKey: "tenant-9"}))
}

func TestClientIPPrecedence(t *testing.T) {
	tests := []struct {
		name       string
		candidates []string
		want       string
	}{
		{"first valid wins", []string{"203.0.113.7", "10.0.0.1"}, "203.0.113.7"},
		{"skips garbage", []string{"not-an-ip", "10.0.0.1"}, "10.0.0.1"},
		{"strips port", []string{"192.0.2.4:51234"}, "192.0.2.4"},
		{"ipv6", []string{"[2001:db8::1]:443"}, "2001:db8::1"},
		{"empty chain", nil, "unknown"},
		{"all garbage", []string{"", "bogus"}, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clientIP(Descriptor{IPCandidates: tt.candidates}))
		})
	}
}

func TestNormalizeRoute(t *testing.T) {
	assert.Equal(t, "/api/v1/registries/{id}", normalizeRoute("/api/v1/registries/12345"))
	assert.Equal(t, "/api/v1/registries/{id}", normalizeRoute("/api/v1/registries/6f1c8a9e-0b2d-4c3e-8f7a-1b2c3d4e5f60"))
	assert.Equal(t, "/api/v1/registries", normalizeRoute("/api/v1/registries?page=2"))
	assert.Equal(t, "/api/v1/registries", normalizeRoute("api/v1/Registries/"))
}

func TestIPMatcher(t *testing.T) {
	m, err := newIPMatcher([]string{"203.0.113.7", "10.0.0.0/8"})
	require.NoError(t, err)

	assert.True(t, m.matches("203.0.113.7"))
	assert.True(t, m.matches("10.20.30.40"))
	assert.False(t, m.matches("203.0.113.8"))
	assert.False(t, m.matches("not-an-ip"))

	_, err = newIPMatcher([]string{"bogus"})
	assert.Error(t, err)
}
