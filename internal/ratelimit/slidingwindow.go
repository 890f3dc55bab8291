// slidingwindow.go: Sliding window algorithm. Counts individual request
// timestamps inside a rolling interval, which gives smooth rate control with
// no window-boundary bursts.
package ratelimit

import (
	"context"
	"time"
)

type slidingWindowEngine struct {
	limit  int
	window time.Duration
}

func (e *slidingWindowEngine) check(ctx context.Context, store CounterStore, key string, now time.Time) (Decision, error) {
	allowed, count, oldest, err := store.TakeSliding(ctx, key, e.window, e.limit)
	if err != nil {
		return Decision{}, err
	}
	return e.decision(allowed, count, oldest, now, true), nil
}

func (e *slidingWindowEngine) status(ctx context.Context, store CounterStore, key string, now time.Time) (Decision, error) {
	count, oldest, err := store.PeekSliding(ctx, key, e.window)
	if err != nil {
		return Decision{}, err
	}
	return e.decision(count < int64(e.limit), count, oldest, now, false), nil
}

func (e *slidingWindowEngine) decision(allowed bool, count int64, oldest time.Time, now time.Time, consumed bool) Decision {
	d := Decision{
		Allowed:   allowed,
		Limit:     e.limit,
		Algorithm: AlgorithmSlidingWindow,
		ResetAt:   now.Add(e.window),
	}
	used := count
	if allowed && consumed {
		used++
	}
	d.Remaining = e.limit - int(used)
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !allowed {
		// The decision flips once the oldest timestamp leaves the window.
		retry := e.window
		if !oldest.IsZero() {
			retry = oldest.Add(e.window).Sub(now)
		}
		d.RetryAfter = clampRetry(retry)
	}
	return d
}

func (e *slidingWindowEngine) storeKeys(key string, _ time.Time) []string {
	return []string{key}
}
