// types.go: Core types, enums, and interfaces for rate limiting
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Algorithm identifies a rate limiting algorithm.
type Algorithm string

const (
	AlgorithmSlidingWindow Algorithm = "sliding_window"
	AlgorithmFixedWindow   Algorithm = "fixed_window"
	AlgorithmTokenBucket   Algorithm = "token_bucket"
)

// Sentinel errors for the rate limiting subsystem.
var (
	// ErrUnknownAlgorithm is returned at construction time for an
	// unrecognized Config.Algorithm value.
	ErrUnknownAlgorithm = errors.New("ratelimit: unknown algorithm")

	// ErrStoreUnavailable indicates the shared store could not serve an
	// operation. It never escapes the facade; checks degrade to the local
	// fallback store instead.
	ErrStoreUnavailable = errors.New("ratelimit: shared store unavailable")
)

// Descriptor describes one inbound request to be checked. It is supplied by
// the HTTP layer; the limiter never parses raw HTTP messages itself.
type Descriptor struct {
	// IPCandidates holds client IP candidates in trust precedence order
	// (e.g. X-Forwarded-For chain first, then X-Real-IP, then RemoteAddr).
	IPCandidates []string

	// Route is the normalized route path the request targets.
	Route string

	// CustomKey, when non-empty, is a pre-computed rate limit key that
	// bypasses derivation entirely.
	CustomKey string
}

// KeyFunc derives a rate limit key from a request descriptor. Supplying one
// in Config fully overrides the default IP+route derivation.
type KeyFunc func(d Descriptor) string

// Config holds the immutable configuration for a single limiter. Created once
// at startup per endpoint category and never mutated afterwards.
type Config struct {
	Name      string        `yaml:"name" json:"name"`
	Algorithm Algorithm     `yaml:"algorithm" json:"algorithm"`
	Window    time.Duration `yaml:"window" json:"window"`
	Limit     int           `yaml:"limit" json:"limit"`
	KeyPrefix string        `yaml:"key_prefix" json:"key_prefix"`

	// AllowList and DenyList accept plain IPs or CIDR blocks. Deny wins
	// over allow; both short-circuit before any counter is touched.
	AllowList []string `yaml:"allow_list" json:"allow_list"`
	DenyList  []string `yaml:"deny_list" json:"deny_list"`

	// EmitHeaders controls whether informational headers are produced for
	// allowed requests. Rejections always carry headers.
	EmitHeaders bool `yaml:"emit_headers" json:"emit_headers"`

	// KeyFunc optionally replaces the default key derivation.
	KeyFunc KeyFunc `yaml:"-" json:"-"`
}

// Decision is the result of a single rate limit check. It is a pure return
// value and is never persisted.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"` // non-zero only on rejection
	Algorithm  Algorithm     `json:"algorithm"`
	Key        string        `json:"key"`

	// Err carries an internal error surfaced for observability when the
	// facade failed open. Callers must treat the decision as authoritative
	// regardless.
	Err error `json:"-"`
}

// CounterStore abstracts the counter backend. RedisStore implements it
// against the shared coordination store; LocalStore implements it in-process
// for degraded mode. Exactly one store is authoritative for a given check.
type CounterStore interface {
	// TakeSliding atomically drops timestamps older than the window, counts
	// the remainder, and records the request if count < limit. It returns
	// the count before admission and the oldest surviving timestamp (zero
	// when the window is empty).
	TakeSliding(ctx context.Context, key string, window time.Duration, limit int) (allowed bool, count int64, oldest time.Time, err error)

	// PeekSliding reports the live count and oldest timestamp without
	// recording anything.
	PeekSliding(ctx context.Context, key string, window time.Duration) (count int64, oldest time.Time, err error)

	// TakeFixed atomically increments the counter for a window-aligned key
	// and returns the post-increment value. The key already encodes the
	// window start; expiry equals the window duration.
	TakeFixed(ctx context.Context, key string, window time.Duration) (count int64, err error)

	// PeekFixed reads the current counter without incrementing.
	PeekFixed(ctx context.Context, key string) (count int64, err error)

	// TakeBucket refills the token bucket by elapsed time, then debits one
	// token if at least one is available. It returns the token balance
	// after the operation.
	TakeBucket(ctx context.Context, key string, capacity int, refillRate float64, window time.Duration) (allowed bool, tokens float64, err error)

	// PeekBucket reports the refilled token balance without debiting.
	PeekBucket(ctx context.Context, key string, capacity int, refillRate float64) (tokens float64, err error)

	// Reset clears all counter state for a key.
	Reset(ctx context.Context, key string) error

	// Name identifies the store backend for logging and metrics.
	Name() string
}

// ConnectionState represents the shared store client's link to the remote
// coordination store. Transitions drive fallback routing decisions.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// validate checks a Config at construction time. Misconfiguration is the only
// hard failure in the subsystem; everything at request time degrades instead.
func (c *Config) validate() error {
	if c.Limit <= 0 {
		return fmt.Errorf("ratelimit: limit must be positive, got %d", c.Limit)
	}
	if c.Window <= 0 {
		return fmt.Errorf("ratelimit: window must be positive, got %v", c.Window)
	}
	switch c.Algorithm {
	case AlgorithmSlidingWindow, AlgorithmFixedWindow, AlgorithmTokenBucket:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAlgorithm, c.Algorithm)
	}
	return nil
}
