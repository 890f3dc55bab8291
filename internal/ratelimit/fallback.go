// fallback.go: Bounded in-process counter store used when the shared store is
// not Connected or an operation against it fails. Approximates the same
// counting semantics per process; global accuracy is traded for availability.
package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const defaultMaxLocalEntries = 10000

// localEntry holds per-key counter state. Which fields are live depends on
// the algorithm using the key; keys are never shared across algorithms
// because each limiter owns its prefix.
type localEntry struct {
	key       string
	expiresAt time.Time

	timestamps []time.Time // sliding window
	count      int64       // fixed window
	tokens     float64     // token bucket
	lastRefill time.Time   // token bucket
	bucketInit bool
}

// LocalStore is an LRU-bounded, expiry-aware CounterStore. Eviction happens
// inline on write; there is no background sweep to race with checks. All
// operations are non-blocking aside from the mutex.
type LocalStore struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[string]*list.Element
	lru        *list.List // front = most recently used
}

// NewLocalStore creates a fallback store bounded to maxEntries keys.
// maxEntries <= 0 selects the default bound.
func NewLocalStore(maxEntries int) *LocalStore {
	if maxEntries <= 0 {
		maxEntries = defaultMaxLocalEntries
	}
	return &LocalStore{
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
	}
}

// Name implements CounterStore.
func (ls *LocalStore) Name() string { return "local" }

// get returns the live entry for key, dropping it first if expired. Caller
// must hold ls.mu.
func (ls *LocalStore) get(key string, now time.Time) *localEntry {
	elem, ok := ls.entries[key]
	if !ok {
		return nil
	}
	entry := elem.Value.(*localEntry)
	if now.After(entry.expiresAt) {
		ls.lru.Remove(elem)
		delete(ls.entries, key)
		return nil
	}
	ls.lru.MoveToFront(elem)
	return entry
}

// put inserts or refreshes an entry, evicting the least recently used key
// when the bound is exceeded.
func (ls *LocalStore) put(entry *localEntry) {
	if elem, ok := ls.entries[entry.key]; ok {
		elem.Value = entry
		ls.lru.MoveToFront(elem)
		return
	}
	ls.entries[entry.key] = ls.lru.PushFront(entry)
	for len(ls.entries) > ls.maxEntries {
		oldest := ls.lru.Back()
		if oldest == nil {
			break
		}
		ls.lru.Remove(oldest)
		delete(ls.entries, oldest.Value.(*localEntry).key)
	}
	fallbackEntries.Set(float64(len(ls.entries)))
}

// TakeSliding implements CounterStore.
func (ls *LocalStore) TakeSliding(_ context.Context, key string, window time.Duration, limit int) (bool, int64, time.Time, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	now := time.Now()
	entry := ls.get(key, now)
	if entry == nil {
		entry = &localEntry{key: key}
	}

	cutoff := now.Add(-window)
	kept := entry.timestamps[:0]
	for _, ts := range entry.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	entry.timestamps = kept

	count := int64(len(entry.timestamps))
	var oldest time.Time
	if count > 0 {
		oldest = entry.timestamps[0]
	}
	allowed := count < int64(limit)
	if allowed {
		entry.timestamps = append(entry.timestamps, now)
		if oldest.IsZero() {
			oldest = now
		}
	}
	entry.expiresAt = now.Add(window)
	ls.put(entry)
	return allowed, count, oldest, nil
}

// PeekSliding implements CounterStore.
func (ls *LocalStore) PeekSliding(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	now := time.Now()
	entry := ls.get(key, now)
	if entry == nil {
		return 0, time.Time{}, nil
	}
	cutoff := now.Add(-window)
	var count int64
	var oldest time.Time
	for _, ts := range entry.timestamps {
		if ts.After(cutoff) {
			if oldest.IsZero() {
				oldest = ts
			}
			count++
		}
	}
	return count, oldest, nil
}

// TakeFixed implements CounterStore. The key already encodes the window
// start, so a fresh boundary naturally lands on a fresh entry.
func (ls *LocalStore) TakeFixed(_ context.Context, key string, window time.Duration) (int64, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	now := time.Now()
	entry := ls.get(key, now)
	if entry == nil {
		entry = &localEntry{key: key, expiresAt: now.Add(window)}
	}
	entry.count++
	ls.put(entry)
	return entry.count, nil
}

// PeekFixed implements CounterStore.
func (ls *LocalStore) PeekFixed(_ context.Context, key string) (int64, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	entry := ls.get(key, time.Now())
	if entry == nil {
		return 0, nil
	}
	return entry.count, nil
}

// TakeBucket implements CounterStore.
func (ls *LocalStore) TakeBucket(_ context.Context, key string, capacity int, refillRate float64, window time.Duration) (bool, float64, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	now := time.Now()
	entry := ls.get(key, now)
	if entry == nil {
		entry = &localEntry{key: key}
	}
	refillBucket(entry, capacity, refillRate, now)

	allowed := entry.tokens >= 1
	if allowed {
		entry.tokens--
	}
	entry.expiresAt = now.Add(2 * window)
	ls.put(entry)
	return allowed, entry.tokens, nil
}

// PeekBucket implements CounterStore. The refill is computed on a copy so the
// stored state is not mutated.
func (ls *LocalStore) PeekBucket(_ context.Context, key string, capacity int, refillRate float64) (float64, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	now := time.Now()
	entry := ls.get(key, now)
	if entry == nil || !entry.bucketInit {
		return float64(capacity), nil
	}
	scratch := *entry
	refillBucket(&scratch, capacity, refillRate, now)
	return scratch.tokens, nil
}

func refillBucket(entry *localEntry, capacity int, refillRate float64, now time.Time) {
	if !entry.bucketInit {
		entry.tokens = float64(capacity)
		entry.lastRefill = now
		entry.bucketInit = true
		return
	}
	elapsed := now.Sub(entry.lastRefill).Seconds()
	if elapsed > 0 {
		entry.tokens += elapsed * refillRate
		if entry.tokens > float64(capacity) {
			entry.tokens = float64(capacity)
		}
		entry.lastRefill = now
	}
}

// Reset implements CounterStore.
func (ls *LocalStore) Reset(_ context.Context, key string) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if elem, ok := ls.entries[key]; ok {
		ls.lru.Remove(elem)
		delete(ls.entries, key)
	}
	return nil
}

// Len reports the number of live entries, for diagnostics and tests.
func (ls *LocalStore) Len() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.entries)
}

// Clear drops all entries. Called during limiter shutdown.
func (ls *LocalStore) Clear() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.entries = make(map[string]*list.Element)
	ls.lru.Init()
}
