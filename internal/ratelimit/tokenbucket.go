// tokenbucket.go: Token bucket algorithm. Capacity equals the configured
// limit and refills continuously at limit/window tokens per second; each
// admitted request debits one token.
package ratelimit

import (
	"context"
	"math"
	"time"
)

type tokenBucketEngine struct {
	capacity   int
	window     time.Duration
	refillRate float64 // tokens per second
}

func (e *tokenBucketEngine) check(ctx context.Context, store CounterStore, key string, now time.Time) (Decision, error) {
	allowed, tokens, err := store.TakeBucket(ctx, key, e.capacity, e.refillRate, e.window)
	if err != nil {
		return Decision{}, err
	}
	return e.decision(allowed, tokens, now), nil
}

func (e *tokenBucketEngine) status(ctx context.Context, store CounterStore, key string, now time.Time) (Decision, error) {
	tokens, err := store.PeekBucket(ctx, key, e.capacity, e.refillRate)
	if err != nil {
		return Decision{}, err
	}
	return e.decision(tokens >= 1, tokens, now), nil
}

func (e *tokenBucketEngine) decision(allowed bool, tokens float64, now time.Time) Decision {
	d := Decision{
		Allowed:   allowed,
		Limit:     e.capacity,
		Remaining: int(math.Floor(tokens)),
		Algorithm: AlgorithmTokenBucket,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	// ResetAt is the moment the next whole token is available.
	deficit := 1.0 - tokens
	if deficit < 0 {
		deficit = 0
	}
	untilNextToken := time.Duration(deficit / e.refillRate * float64(time.Second))
	d.ResetAt = now.Add(untilNextToken)
	if !allowed {
		d.RetryAfter = clampRetry(untilNextToken)
	}
	return d
}

func (e *tokenBucketEngine) storeKeys(key string, _ time.Time) []string {
	return []string{key}
}
