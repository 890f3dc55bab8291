// engine.go: Algorithm engine contract and selection. Engine selection is a
// pure function of Config.Algorithm; no engine depends on another.
package ratelimit

import (
	"context"
	"time"
)

// engine implements one rate limiting algorithm against an abstract
// CounterStore; the same engine serves both the shared and fallback stores.
type engine interface {
	// check runs one admission decision, consuming quota when admitted.
	check(ctx context.Context, store CounterStore, key string, now time.Time) (Decision, error)

	// status projects the current decision without mutating counters.
	status(ctx context.Context, store CounterStore, key string, now time.Time) (Decision, error)

	// storeKeys lists the store keys holding live state for a derived key,
	// for administrative reset.
	storeKeys(key string, now time.Time) []string
}

func newEngine(cfg *Config) (engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	switch cfg.Algorithm {
	case AlgorithmSlidingWindow:
		return &slidingWindowEngine{limit: cfg.Limit, window: cfg.Window}, nil
	case AlgorithmFixedWindow:
		return &fixedWindowEngine{limit: cfg.Limit, window: cfg.Window}, nil
	case AlgorithmTokenBucket:
		return &tokenBucketEngine{
			capacity:   cfg.Limit,
			window:     cfg.Window,
			refillRate: float64(cfg.Limit) / cfg.Window.Seconds(),
		}, nil
	default:
		return nil, ErrUnknownAlgorithm
	}
}

// clampRetry keeps rejected decisions actionable: retry hints are always at
// least one second and never negative.
func clampRetry(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d
}
