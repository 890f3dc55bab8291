// supervisor.go: Connection lifecycle supervision for the shared store. A
// single goroutine owns the connect/health-check/reconnect loop and publishes
// ConnectionState through an atomic; concurrent checks that observe a state
// other than Connected route to the fallback store without blocking.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type supervisor struct {
	store  *RedisStore
	logger *zap.Logger

	connState atomic.Int32

	// ping is swappable so the state machine can be driven in tests.
	ping func(ctx context.Context) error

	// opFailures wakes the loop early when a request-path operation fails.
	opFailures chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  atomic.Bool
}

func newSupervisor(store *RedisStore, logger *zap.Logger) *supervisor {
	s := &supervisor{
		store:      store,
		logger:     logger,
		opFailures: make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
	s.ping = func(ctx context.Context) error {
		return store.client.Ping(ctx).Err()
	}
	s.setState(StateDisconnected)
	return s
}

func (s *supervisor) start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go s.run()
}

func (s *supervisor) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *supervisor) state() ConnectionState {
	return ConnectionState(s.connState.Load())
}

func (s *supervisor) setState(next ConnectionState) {
	prev := ConnectionState(s.connState.Swap(int32(next)))
	connectionState.Set(float64(next))
	if prev != next && s.logger != nil {
		s.logger.Info("shared store connection state changed",
			zap.String("from", prev.String()),
			zap.String("to", next.String()))
	}
}

// opFailed is called by the store on any request-path operation error. The
// notification is non-blocking; losing one is fine because the health ticker
// catches up.
func (s *supervisor) opFailed() {
	select {
	case s.opFailures <- struct{}{}:
	default:
	}
}

// run is the supervision loop. Reconnect attempts are serialized here; the
// request path never waits on them.
func (s *supervisor) run() {
	defer s.wg.Done()

	cfg := s.store.cfg
	for {
		if !s.connect() {
			return // stopped during reconnect
		}

		// Connected: watch health until a failure or shutdown.
		ticker := time.NewTicker(cfg.HealthCheckInterval)
		healthy := true
		for healthy {
			select {
			case <-s.stopCh:
				ticker.Stop()
				s.setState(StateDisconnected)
				return
			case <-ticker.C:
				healthy = s.healthCheck()
			case <-s.opFailures:
				healthy = s.healthCheck()
			}
		}
		ticker.Stop()
		s.setState(StateError)
	}
}

// connect drives Disconnected/Error -> Connecting -> Connected with capped
// exponential backoff between attempts. After MaxReconnectAttempts the delay
// stops escalating and the loop keeps retrying at the cap indefinitely.
// Returns false when shutdown was requested.
func (s *supervisor) connect() bool {
	cfg := s.store.cfg

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.ReconnectBaseDelay
	bo.MaxInterval = cfg.ReconnectMaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	attempt := 0
	for {
		s.setState(StateConnecting)
		ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
		err := s.ping(ctx)
		cancel()
		if err == nil {
			s.setState(StateConnected)
			return true
		}

		s.setState(StateError)
		attempt++
		var delay time.Duration
		if attempt >= cfg.MaxReconnectAttempts {
			delay = cfg.ReconnectMaxDelay
		} else {
			delay = bo.NextBackOff()
		}
		s.logger.Warn("shared store connect failed, scheduling retry",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		select {
		case <-s.stopCh:
			s.setState(StateDisconnected)
			return false
		case <-time.After(delay):
		}
	}
}

func (s *supervisor) healthCheck() bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.store.cfg.OpTimeout)
	defer cancel()
	if err := s.ping(ctx); err != nil {
		s.logger.Warn("shared store health check failed", zap.Error(err))
		return false
	}
	return true
}
