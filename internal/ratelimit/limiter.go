// Package ratelimit provides distributed rate limiting for the gift-registry
// platform: per-key quotas enforced consistently across stateless instances
// through a shared Redis store, with a bounded in-process fallback that keeps
// decisions flowing when the store is unreachable.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("ratelimit")

// Conventional response header names the HTTP layer may attach.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderAlgorithm  = "X-RateLimit-Algorithm"
	HeaderRetryAfter = "Retry-After"
)

// RateLimiter is the facade for one endpoint category: it derives keys,
// applies allow/deny lists, dispatches to the configured algorithm engine,
// and routes between the shared and fallback stores. Construct one per
// Config and inject it into the request-handling layer; there is no global
// instance.
type RateLimiter struct {
	cfg    Config
	engine engine

	shared *RedisStore // nil in local-only deployments
	local  *LocalStore

	allowList *ipMatcher
	denyList  *ipMatcher

	logger *zap.Logger
}

// New builds a limiter from an immutable Config. Invalid configuration is the
// only hard failure in the subsystem and is reported here, never per-request.
// shared may be nil, in which case every check uses the local store.
func New(cfg Config, shared *RedisStore, logger *zap.Logger) (*RateLimiter, error) {
	eng, err := newEngine(&cfg)
	if err != nil {
		return nil, err
	}
	allow, err := newIPMatcher(cfg.AllowList)
	if err != nil {
		return nil, fmt.Errorf("allow list: %w", err)
	}
	deny, err := newIPMatcher(cfg.DenyList)
	if err != nil {
		return nil, fmt.Errorf("deny list: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		cfg:       cfg,
		engine:    eng,
		shared:    shared,
		local:     NewLocalStore(0),
		allowList: allow,
		denyList:  deny,
		logger:    logger.With(zap.String("limiter", cfg.Name)),
	}, nil
}

// Config returns a copy of the limiter's configuration.
func (rl *RateLimiter) Config() Config { return rl.cfg }

// store picks the authoritative backend for one call. Exactly one store
// counts a given request; checks never block waiting for a reconnect.
func (rl *RateLimiter) store() CounterStore {
	if rl.shared != nil && rl.shared.State() == StateConnected {
		return rl.shared
	}
	return rl.local
}

// Check runs one admission decision for the request descriptor. It never
// returns an error and never panics outward: internal failures degrade to an
// allow decision with the error recorded on the decision for observability.
func (rl *RateLimiter) Check(ctx context.Context, d Descriptor) (dec Decision) {
	ctx, span := tracer.Start(ctx, "ratelimit.Check")
	defer span.End()

	start := time.Now()
	defer func() {
		checkDuration.WithLabelValues(rl.cfg.Name, string(rl.cfg.Algorithm)).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			dec = rl.failOpen("", fmt.Errorf("panic during check: %v", r))
		}
	}()

	switch rl.checkLists(d) {
	case listDenied:
		checksTotal.WithLabelValues(rl.cfg.Name, string(rl.cfg.Algorithm), "none", statusDenied).Inc()
		return Decision{
			Allowed:    false,
			Limit:      rl.cfg.Limit,
			Remaining:  0,
			ResetAt:    time.Now().Add(rl.cfg.Window),
			RetryAfter: rl.cfg.Window,
			Algorithm:  rl.cfg.Algorithm,
		}
	case listAllowed:
		checksTotal.WithLabelValues(rl.cfg.Name, string(rl.cfg.Algorithm), "none", statusBypassed).Inc()
		return Decision{
			Allowed:   true,
			Limit:     rl.cfg.Limit,
			Remaining: rl.cfg.Limit,
			ResetAt:   time.Now().Add(rl.cfg.Window),
			Algorithm: rl.cfg.Algorithm,
		}
	}

	key := rl.cfg.deriveKey(d)
	span.SetAttributes(
		attribute.String("ratelimit.key", key),
		attribute.String("ratelimit.algorithm", string(rl.cfg.Algorithm)),
	)

	now := time.Now()
	store := rl.store()
	dec, err := rl.engine.check(ctx, store, key, now)
	if err != nil && store != rl.local {
		// Shared store failed mid-check: that single check falls back to
		// the local store. The shared write may or may not have landed;
		// counting again locally errs on the strict side, which the
		// subsystem prefers over unlimited bursts.
		rl.logger.Warn("shared store check failed, using fallback",
			zap.String("key", key), zap.Error(err))
		store = rl.local
		dec, err = rl.engine.check(ctx, store, key, now)
	}
	if err != nil {
		return rl.failOpen(key, err)
	}

	dec.Key = key
	status := statusAllowed
	if !dec.Allowed {
		status = statusDenied
	}
	checksTotal.WithLabelValues(rl.cfg.Name, string(rl.cfg.Algorithm), store.Name(), status).Inc()
	return dec
}

// failOpen builds the availability-first decision used when a check cannot
// be completed: admit with full quota and surface the cause on the decision.
func (rl *RateLimiter) failOpen(key string, err error) Decision {
	rl.logger.Error("rate limit check failed open", zap.String("key", key), zap.Error(err))
	checksTotal.WithLabelValues(rl.cfg.Name, string(rl.cfg.Algorithm), "none", statusFailOpen).Inc()
	return Decision{
		Allowed:   true,
		Limit:     rl.cfg.Limit,
		Remaining: rl.cfg.Limit,
		ResetAt:   time.Now().Add(rl.cfg.Window),
		Algorithm: rl.cfg.Algorithm,
		Key:       key,
		Err:       err,
	}
}

// Status projects the current decision for a descriptor without consuming
// quota. Intended for diagnostics.
func (rl *RateLimiter) Status(ctx context.Context, d Descriptor) (Decision, error) {
	key := rl.cfg.deriveKey(d)
	dec, err := rl.engine.status(ctx, rl.store(), key, time.Now())
	if err != nil {
		return Decision{}, err
	}
	dec.Key = key
	return dec, nil
}

// Reset clears counter state for the descriptor's derived key in whichever
// store is currently authoritative. Failure against an unreachable store is
// reported as an error for the caller to surface, not thrown.
func (rl *RateLimiter) Reset(ctx context.Context, d Descriptor) error {
	key := rl.cfg.deriveKey(d)
	store := rl.store()
	now := time.Now()
	for _, sk := range rl.engine.storeKeys(key, now) {
		if err := store.Reset(ctx, sk); err != nil {
			return err
		}
	}
	// Keep the two stores consistent: local state for the key is dropped
	// even when the shared store was authoritative, so a store failover
	// right after a reset does not resurrect stale counts.
	if store != rl.local {
		for _, sk := range rl.engine.storeKeys(key, now) {
			_ = rl.local.Reset(ctx, sk)
		}
	}
	return nil
}

// Close releases limiter-held resources: the fallback cache is cleared. The
// shared store is owned by the caller (it is typically shared across
// limiters) and must be closed separately.
func (rl *RateLimiter) Close() error {
	rl.local.Clear()
	return nil
}

// Headers renders the conventional response header pairs for a decision.
// Informational headers on success are omitted unless the config opts in;
// rejections always carry the full set plus Retry-After in whole seconds.
func (rl *RateLimiter) Headers(dec Decision) map[string]string {
	if dec.Allowed && !rl.cfg.EmitHeaders {
		return nil
	}
	h := map[string]string{
		HeaderLimit:     strconv.Itoa(dec.Limit),
		HeaderRemaining: strconv.Itoa(dec.Remaining),
		HeaderReset:     strconv.FormatInt(dec.ResetAt.Unix(), 10),
		HeaderAlgorithm: string(dec.Algorithm),
	}
	if !dec.Allowed {
		secs := int64(dec.RetryAfter / time.Second)
		if secs < 1 {
			secs = 1
		}
		h[HeaderRetryAfter] = strconv.FormatInt(secs, 10)
	}
	return h
}
