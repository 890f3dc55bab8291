// redis.go: Redis integration for distributed rate limiting. All counter
// mutations run inside Lua scripts so the remove-expired/count/add/expire
// sequence is atomic under concurrent writers on any instance.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig holds connection settings for the shared coordination store.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr" validate:"required"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`

	// Pool settings
	PoolSize     int `yaml:"pool_size" json:"pool_size"`
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns"`

	// Timeout settings. OpTimeout bounds every counter operation so a check
	// can fail fast and fall back instead of blocking the request path.
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	OpTimeout   time.Duration `yaml:"op_timeout" json:"op_timeout"`

	// Reconnect supervisor settings
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay" json:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay" json:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`
	HealthCheckInterval  time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultRedisConfig returns connection settings tuned for the request path:
// short operation timeouts so degraded-mode routing kicks in quickly.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:                 "localhost:6379",
		DB:                   0,
		PoolSize:             50,
		MinIdleConns:         5,
		DialTimeout:          2 * time.Second,
		OpTimeout:            250 * time.Millisecond,
		ReconnectBaseDelay:   500 * time.Millisecond,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 10,
		HealthCheckInterval:  5 * time.Second,
	}
}

func (c *RedisConfig) withDefaults() *RedisConfig {
	out := *c
	def := DefaultRedisConfig()
	if out.DialTimeout <= 0 {
		out.DialTimeout = def.DialTimeout
	}
	if out.OpTimeout <= 0 {
		out.OpTimeout = def.OpTimeout
	}
	if out.ReconnectBaseDelay <= 0 {
		out.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if out.ReconnectMaxDelay <= 0 {
		out.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if out.MaxReconnectAttempts <= 0 {
		out.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if out.HealthCheckInterval <= 0 {
		out.HealthCheckInterval = def.HealthCheckInterval
	}
	if out.PoolSize <= 0 {
		out.PoolSize = def.PoolSize
	}
	return &out
}

// slidingWindowScript drops expired members, counts, and admits in one atomic
// unit. Members carry a random suffix so two instances admitting in the same
// millisecond cannot collapse into one entry (which would undercount).
// Returns {allowed, count_before_admit, oldest_score_ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldest_score = 0
if oldest[2] then
  oldest_score = tonumber(oldest[2])
end
if count >= limit then
  return {0, count, oldest_score}
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
if oldest_score == 0 then
  oldest_score = now
end
return {1, count, oldest_score}
`)

// slidingPeekScript is read-only: live count plus oldest surviving score.
var slidingPeekScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local count = redis.call('ZCOUNT', key, now - window, '+inf')
local oldest = redis.call('ZRANGEBYSCORE', key, now - window, '+inf', 'WITHSCORES', 'LIMIT', 0, 1)
local oldest_score = 0
if oldest[2] then
  oldest_score = tonumber(oldest[2])
end
return {count, oldest_score}
`)

// fixedWindowScript increments the window-aligned counter, arming the expiry
// on first touch so the record is garbage-collected with the window.
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[1]))
end
return count
`)

// tokenBucketScript refills by elapsed time and debits one token when
// available. Token balance is returned as a string: Lua integer replies
// would truncate the fractional balance.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_per_ms = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1])
local last = tonumber(bucket[2])
if tokens == nil then
  tokens = capacity
end
if last == nil then
  last = now
end
local elapsed = math.max(0, now - last)
tokens = math.min(capacity, tokens + elapsed * refill_per_ms)
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill', now)
redis.call('PEXPIRE', key, ttl)
return {allowed, tostring(tokens)}
`)

// RedisStore implements CounterStore against the shared coordination store.
// A supervisor goroutine owns the connection health state; see supervisor.go.
type RedisStore struct {
	client redis.UniversalClient
	cfg    *RedisConfig
	logger *zap.Logger

	supervisor *supervisor
}

// NewRedisStore creates the shared store client. The connection starts
// Disconnected; call Start to launch the supervisor that brings it up.
func NewRedisStore(cfg *RedisConfig, logger *zap.Logger) *RedisStore {
	cfg = cfg.withDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.OpTimeout,
		WriteTimeout: cfg.OpTimeout,
		// The supervisor owns retry policy; the client itself fails fast.
		MaxRetries: -1,
	})
	rs := &RedisStore{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
	rs.supervisor = newSupervisor(rs, logger)
	return rs
}

// Start launches the connection supervisor.
func (rs *RedisStore) Start() {
	rs.supervisor.start()
}

// State returns the current connection state.
func (rs *RedisStore) State() ConnectionState {
	return rs.supervisor.state()
}

// Close stops the supervisor and closes the underlying connection pool. Safe
// to call once during shutdown.
func (rs *RedisStore) Close() error {
	rs.supervisor.stop()
	return rs.client.Close()
}

// Name implements CounterStore.
func (rs *RedisStore) Name() string { return "redis" }

// opCtx bounds a single counter operation. On expiry the check fails fast and
// the caller falls back; there is no mid-request retry.
func (rs *RedisStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, rs.cfg.OpTimeout)
}

// fail records an operation failure, nudges the supervisor to re-check
// health, and wraps the error so callers can route to the fallback store.
func (rs *RedisStore) fail(op string, err error) error {
	rs.supervisor.opFailed()
	storeErrors.WithLabelValues(op).Inc()
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

// TakeSliding implements CounterStore.
func (rs *RedisStore) TakeSliding(ctx context.Context, key string, window time.Duration, limit int) (bool, int64, time.Time, error) {
	ctx, cancel := rs.opCtx(ctx)
	defer cancel()

	nowMs := time.Now().UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()
	res, err := slidingWindowScript.Run(ctx, rs.client, []string{key},
		nowMs, window.Milliseconds(), limit, member).Result()
	if err != nil {
		return false, 0, time.Time{}, rs.fail("take_sliding", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return false, 0, time.Time{}, rs.fail("take_sliding", fmt.Errorf("unexpected script result: %v", res))
	}
	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	oldestMs, _ := vals[2].(int64)
	return allowed == 1, count, msToTime(oldestMs), nil
}

// PeekSliding implements CounterStore.
func (rs *RedisStore) PeekSliding(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	ctx, cancel := rs.opCtx(ctx)
	defer cancel()

	nowMs := time.Now().UnixMilli()
	res, err := slidingPeekScript.Run(ctx, rs.client, []string{key},
		nowMs, window.Milliseconds()).Result()
	if err != nil {
		return 0, time.Time{}, rs.fail("peek_sliding", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return 0, time.Time{}, rs.fail("peek_sliding", fmt.Errorf("unexpected script result: %v", res))
	}
	count, _ := vals[0].(int64)
	oldestMs, _ := vals[1].(int64)
	return count, msToTime(oldestMs), nil
}

// TakeFixed implements CounterStore.
func (rs *RedisStore) TakeFixed(ctx context.Context, key string, window time.Duration) (int64, error) {
	ctx, cancel := rs.opCtx(ctx)
	defer cancel()

	res, err := fixedWindowScript.Run(ctx, rs.client, []string{key}, window.Milliseconds()).Result()
	if err != nil {
		return 0, rs.fail("take_fixed", err)
	}
	count, ok := res.(int64)
	if !ok {
		return 0, rs.fail("take_fixed", fmt.Errorf("unexpected script result: %v", res))
	}
	return count, nil
}

// PeekFixed implements CounterStore.
func (rs *RedisStore) PeekFixed(ctx context.Context, key string) (int64, error) {
	ctx, cancel := rs.opCtx(ctx)
	defer cancel()

	val, err := rs.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, rs.fail("peek_fixed", err)
	}
	count, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, rs.fail("peek_fixed", err)
	}
	return count, nil
}

// TakeBucket implements CounterStore. The record expires after a full idle
// window, by which point the bucket would have refilled to capacity anyway.
func (rs *RedisStore) TakeBucket(ctx context.Context, key string, capacity int, refillRate float64, window time.Duration) (bool, float64, error) {
	ctx, cancel := rs.opCtx(ctx)
	defer cancel()

	nowMs := time.Now().UnixMilli()
	refillPerMs := refillRate / 1000.0
	ttl := 2 * window.Milliseconds()
	res, err := tokenBucketScript.Run(ctx, rs.client, []string{key},
		capacity, refillPerMs, nowMs, ttl).Result()
	if err != nil {
		return false, 0, rs.fail("take_bucket", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return false, 0, rs.fail("take_bucket", fmt.Errorf("unexpected script result: %v", res))
	}
	allowed, _ := vals[0].(int64)
	tokens, err := parseScriptFloat(vals[1])
	if err != nil {
		return false, 0, rs.fail("take_bucket", err)
	}
	return allowed == 1, tokens, nil
}

// PeekBucket implements CounterStore. Read-only, so the refill is computed
// client-side without writing back.
func (rs *RedisStore) PeekBucket(ctx context.Context, key string, capacity int, refillRate float64) (float64, error) {
	ctx, cancel := rs.opCtx(ctx)
	defer cancel()

	vals, err := rs.client.HMGet(ctx, key, "tokens", "last_refill").Result()
	if err != nil {
		return 0, rs.fail("peek_bucket", err)
	}
	if len(vals) < 2 || vals[0] == nil {
		return float64(capacity), nil
	}
	tokens, err := parseScriptFloat(vals[0])
	if err != nil {
		return 0, rs.fail("peek_bucket", err)
	}
	lastMs, err := parseScriptFloat(vals[1])
	if err != nil {
		return 0, rs.fail("peek_bucket", err)
	}
	elapsed := float64(time.Now().UnixMilli()) - lastMs
	if elapsed > 0 {
		tokens += elapsed * refillRate / 1000.0
	}
	if tokens > float64(capacity) {
		tokens = float64(capacity)
	}
	return tokens, nil
}

// Reset implements CounterStore.
func (rs *RedisStore) Reset(ctx context.Context, key string) error {
	ctx, cancel := rs.opCtx(ctx)
	defer cancel()

	if err := rs.client.Del(ctx, key).Err(); err != nil {
		return rs.fail("reset", err)
	}
	return nil
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func parseScriptFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case string:
		return strconv.ParseFloat(t, 64)
	case int64:
		return float64(t), nil
	case float64:
		return t, nil
	default:
		return 0, fmt.Errorf("unexpected numeric reply type %T", v)
	}
}
