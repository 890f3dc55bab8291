package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLimiter(t *testing.T, cfg Config) *RateLimiter {
	t.Helper()
	rl, err := New(cfg, nil, zap.NewNop())
	require.NoError(t, err)
	return rl
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"unknown algorithm", Config{Algorithm: "leaky_bucket", Limit: 5, Window: time.Minute}},
		{"zero limit", Config{Algorithm: AlgorithmFixedWindow, Limit: 0, Window: time.Minute}},
		{"negative window", Config{Algorithm: AlgorithmFixedWindow, Limit: 5, Window: -time.Second}},
		{"bad deny entry", Config{Algorithm: AlgorithmFixedWindow, Limit: 5, Window: time.Minute, DenyList: []string{"nope"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, nil, nil)
			assert.Error(t, err)
		})
	}
}

// Mirrors the canonical scenario: limit=5, window=60s, fixed window. Five
// calls count down remaining 4,3,2,1,0; the sixth is rejected with a retry
// hint inside the window.
func TestFixedWindowScenario(t *testing.T) {
	window := time.Minute
	// Avoid a window boundary landing mid-test.
	if until := time.Now().Truncate(window).Add(window).Sub(time.Now()); until < 2*time.Second {
		time.Sleep(until + 10*time.Millisecond)
	}

	rl := newTestLimiter(t, Config{
		Name:      "t",
		Algorithm: AlgorithmFixedWindow,
		Window:    window,
		Limit:     5,
		KeyPrefix: "rl:t:",
	})
	d := Descriptor{CustomKey: "k1"}
	ctx := context.Background()

	for want := 4; want >= 0; want-- {
		dec := rl.Check(ctx, d)
		require.True(t, dec.Allowed)
		assert.Equal(t, want, dec.Remaining)
		assert.Equal(t, 5, dec.Limit)
	}

	dec := rl.Check(ctx, d)
	assert.False(t, dec.Allowed)
	assert.Equal(t, 0, dec.Remaining)
	assert.Greater(t, dec.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, dec.RetryAfter, window)
}

func TestSlidingWindowRemainingDecreases(t *testing.T) {
	rl := newTestLimiter(t, Config{
		Name:      "t",
		Algorithm: AlgorithmSlidingWindow,
		Window:    time.Minute,
		Limit:     3,
	})
	d := Descriptor{CustomKey: "k"}
	ctx := context.Background()

	var lastReset time.Time
	for want := 2; want >= 0; want-- {
		dec := rl.Check(ctx, d)
		require.True(t, dec.Allowed)
		assert.Equal(t, want, dec.Remaining)
		assert.False(t, dec.ResetAt.Before(lastReset), "resetAt must be non-decreasing")
		lastReset = dec.ResetAt
	}
	dec := rl.Check(ctx, d)
	assert.False(t, dec.Allowed)
	assert.Greater(t, dec.RetryAfter, time.Duration(0))
}

func TestSlidingWindowAdmitsAfterOldestExpires(t *testing.T) {
	rl := newTestLimiter(t, Config{
		Name:      "t",
		Algorithm: AlgorithmSlidingWindow,
		Window:    200 * time.Millisecond,
		Limit:     2,
	})
	d := Descriptor{CustomKey: "k"}
	ctx := context.Background()

	require.True(t, rl.Check(ctx, d).Allowed)
	require.True(t, rl.Check(ctx, d).Allowed)
	require.False(t, rl.Check(ctx, d).Allowed)

	time.Sleep(260 * time.Millisecond)
	assert.True(t, rl.Check(ctx, d).Allowed, "requests outside the window no longer count")
}

func TestFixedWindowBoundaryBurst(t *testing.T) {
	window := 300 * time.Millisecond
	rl := newTestLimiter(t, Config{
		Name:      "t",
		Algorithm: AlgorithmFixedWindow,
		Window:    window,
		Limit:     2,
	})
	d := Descriptor{CustomKey: "k"}
	ctx := context.Background()

	// Land just before a boundary so the fill and the refill straddle it.
	now := time.Now()
	boundary := now.Truncate(window).Add(window)
	time.Sleep(boundary.Sub(now) + 10*time.Millisecond)

	require.True(t, rl.Check(ctx, d).Allowed)
	require.True(t, rl.Check(ctx, d).Allowed)
	require.False(t, rl.Check(ctx, d).Allowed)

	// Next bucket: counts restart even though less than a window elapsed.
	// Up to 2x the limit can land around a boundary; accepted trade-off.
	now = time.Now()
	time.Sleep(now.Truncate(window).Add(window).Sub(now) + 10*time.Millisecond)
	assert.True(t, rl.Check(ctx, d).Allowed)
}

func TestTokenBucketRefillsWhileIdle(t *testing.T) {
	rl := newTestLimiter(t, Config{
		Name:      "t",
		Algorithm: AlgorithmTokenBucket,
		Window:    time.Second,
		Limit:     4,
	})
	d := Descriptor{CustomKey: "k"}
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		dec := rl.Check(ctx, d)
		require.True(t, dec.Allowed)
	}
	dec := rl.Check(ctx, d)
	assert.False(t, dec.Allowed)
	assert.Greater(t, dec.RetryAfter, time.Duration(0))

	// A full idle window refills the bucket to capacity.
	time.Sleep(1100 * time.Millisecond)
	dec = rl.Check(ctx, d)
	assert.True(t, dec.Allowed)
	assert.Equal(t, 4-1, dec.Remaining)
}

func TestDenyListShortCircuits(t *testing.T) {
	rl := newTestLimiter(t, Config{
		Name:      "t",
		Algorithm: AlgorithmSlidingWindow,
		Window:    time.Minute,
		Limit:     100,
		DenyList:  []string{"203.0.113.0/24"},
	})
	d := Descriptor{IPCandidates: []string{"203.0.113.50"}, Route: "/r"}
	ctx := context.Background()

	dec := rl.Check(ctx, d)
	assert.False(t, dec.Allowed)
	assert.Equal(t, 0, dec.Remaining)
	assert.Greater(t, dec.RetryAfter, time.Duration(0))
	assert.Equal(t, 0, rl.local.Len(), "deny match must not touch any counter")
}

func TestAllowListShortCircuits(t *testing.T) {
	rl := newTestLimiter(t, Config{
		Name:      "t",
		Algorithm: AlgorithmFixedWindow,
		Window:    time.Minute,
		Limit:     2,
		AllowList: []string{"198.51.100.9"},
	})
	d := Descriptor{IPCandidates: []string{"198.51.100.9"}, Route: "/r"}
	ctx := context.Background()

	// Far more calls than the limit; every one passes with full quota.
	for i := 0; i < 10; i++ {
		dec := rl.Check(ctx, d)
		require.True(t, dec.Allowed)
		assert.Equal(t, 2, dec.Remaining)
	}
	assert.Equal(t, 0, rl.local.Len(), "allow match must not consume quota")
}

func TestCheckFailsOpenOnPanic(t *testing.T) {
	rl := newTestLimiter(t, Config{
		Name:      "t",
		Algorithm: AlgorithmFixedWindow,
		Window:    time.Minute,
		Limit:     5,
		KeyFunc:   func(Descriptor) string { panic("broken key func") },
	})

	dec := rl.Check(context.Background(), Descriptor{IPCandidates: []string{"1.2.3.4"}})
	assert.True(t, dec.Allowed, "internal failures must fail open")
	assert.Equal(t, 5, dec.Remaining)
	assert.Error(t, dec.Err)
}

// A shared store that is nominally Connected but whose operations fail must
// degrade to the local fallback for that check, with no error escaping.
func TestCheckFallsBackWhenSharedStoreFails(t *testing.T) {
	store := NewRedisStore(&RedisConfig{
		Addr:        "127.0.0.1:1", // nothing listens here
		DialTimeout: 50 * time.Millisecond,
		OpTimeout:   50 * time.Millisecond,
	}, zap.NewNop())
	defer store.Close()
	store.supervisor.setState(StateConnected) // force routing to redis

	rl, err := New(Config{
		Name:      "t",
		Algorithm: AlgorithmFixedWindow,
		Window:    time.Minute,
		Limit:     2,
	}, store, zap.NewNop())
	require.NoError(t, err)

	d := Descriptor{CustomKey: "k"}
	ctx := context.Background()

	dec := rl.Check(ctx, d)
	assert.True(t, dec.Allowed)
	assert.Nil(t, dec.Err)
	dec = rl.Check(ctx, d)
	assert.True(t, dec.Allowed)
	dec = rl.Check(ctx, d)
	assert.False(t, dec.Allowed, "fallback store must keep enforcing the limit")
}

// A shared store that is not Connected is never consulted: checks route
// straight to the local store and still enforce the limit.
func TestCheckRoutesToLocalWhenStoreNotConnected(t *testing.T) {
	store := NewRedisStore(&RedisConfig{Addr: "127.0.0.1:1"}, zap.NewNop())
	defer store.Close()
	require.Equal(t, StateDisconnected, store.State())

	rl, err := New(Config{
		Name:      "t",
		Algorithm: AlgorithmSlidingWindow,
		Window:    time.Minute,
		Limit:     1,
	}, store, zap.NewNop())
	require.NoError(t, err)

	d := Descriptor{CustomKey: "k"}
	ctx := context.Background()
	assert.True(t, rl.Check(ctx, d).Allowed)
	assert.False(t, rl.Check(ctx, d).Allowed)
	assert.Equal(t, 1, rl.local.Len())
}

func TestResetRestoresFullQuota(t *testing.T) {
	rl := newTestLimiter(t, Config{
		Name:      "t",
		Algorithm: AlgorithmSlidingWindow,
		Window:    time.Minute,
		Limit:     3,
	})
	d := Descriptor{CustomKey: "k"}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, rl.Check(ctx, d).Allowed)
	}
	require.False(t, rl.Check(ctx, d).Allowed)

	require.NoError(t, rl.Reset(ctx, d))
	dec := rl.Check(ctx, d)
	assert.True(t, dec.Allowed)
	assert.Equal(t, 3-1, dec.Remaining)
}

func TestStatusDoesNotConsume(t *testing.T) {
	rl := newTestLimiter(t, Config{
		Name:      "t",
		Algorithm: AlgorithmSlidingWindow,
		Window:    time.Minute,
		Limit:     2,
	})
	d := Descriptor{CustomKey: "k"}
	ctx := context.Background()

	require.True(t, rl.Check(ctx, d).Allowed)

	for i := 0; i < 5; i++ {
		st, err := rl.Status(ctx, d)
		require.NoError(t, err)
		assert.True(t, st.Allowed)
		assert.Equal(t, 1, st.Remaining, "status must not mutate counters")
	}
}

func TestHeaders(t *testing.T) {
	rl := newTestLimiter(t, Config{
		Name:        "t",
		Algorithm:   AlgorithmFixedWindow,
		Window:      time.Minute,
		Limit:       1,
		EmitHeaders: true,
	})
	d := Descriptor{CustomKey: "k"}
	ctx := context.Background()

	h := rl.Headers(rl.Check(ctx, d))
	assert.Equal(t, "1", h[HeaderLimit])
	assert.Equal(t, "0", h[HeaderRemaining])
	assert.Equal(t, "fixed_window", h[HeaderAlgorithm])
	assert.NotContains(t, h, HeaderRetryAfter)

	h = rl.Headers(rl.Check(ctx, d))
	assert.Contains(t, h, HeaderRetryAfter)

	// With EmitHeaders off, allowed decisions carry nothing but
	// rejections still do.
	quiet := newTestLimiter(t, Config{
		Name:      "q",
		Algorithm: AlgorithmFixedWindow,
		Window:    time.Minute,
		Limit:     1,
	})
	assert.Nil(t, quiet.Headers(quiet.Check(ctx, d)))
	assert.NotNil(t, quiet.Headers(quiet.Check(ctx, d)))
}
