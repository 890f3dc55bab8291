// fixedwindow.go: Fixed window algorithm. A single counter per window-aligned
// bucket; cheaper than sliding but admits up to 2x the limit across a window
// boundary. That burst is an accepted trade-off of the algorithm, not a bug.
package ratelimit

import (
	"context"
	"strconv"
	"time"
)

type fixedWindowEngine struct {
	limit  int
	window time.Duration
}

// bucketKey appends the window start so counters from adjacent windows never
// mix and expired buckets age out with their keys.
func (e *fixedWindowEngine) bucketKey(key string, now time.Time) (string, time.Time) {
	windowStart := now.Truncate(e.window)
	return key + ":" + strconv.FormatInt(windowStart.UnixMilli(), 10), windowStart
}

func (e *fixedWindowEngine) check(ctx context.Context, store CounterStore, key string, now time.Time) (Decision, error) {
	bucket, windowStart := e.bucketKey(key, now)
	count, err := store.TakeFixed(ctx, bucket, e.window)
	if err != nil {
		return Decision{}, err
	}
	return e.decision(count, windowStart, now), nil
}

func (e *fixedWindowEngine) status(ctx context.Context, store CounterStore, key string, now time.Time) (Decision, error) {
	bucket, windowStart := e.bucketKey(key, now)
	count, err := store.PeekFixed(ctx, bucket)
	if err != nil {
		return Decision{}, err
	}
	// Projection only: report as if the next request arrived.
	d := e.decision(count+1, windowStart, now)
	d.Remaining = e.limit - int(count)
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	return d, nil
}

func (e *fixedWindowEngine) decision(count int64, windowStart, now time.Time) Decision {
	d := Decision{
		Allowed:   count <= int64(e.limit),
		Limit:     e.limit,
		Algorithm: AlgorithmFixedWindow,
		ResetAt:   windowStart.Add(e.window),
	}
	d.Remaining = e.limit - int(count)
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.RetryAfter = clampRetry(d.ResetAt.Sub(now))
	}
	return d
}

func (e *fixedWindowEngine) storeKeys(key string, now time.Time) []string {
	bucket, _ := e.bucketKey(key, now)
	return []string{bucket}
}
