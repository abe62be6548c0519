// Package supervisor wraps a backend.Adapter with retry-with-backoff,
// a circuit breaker, and a periodic health loop with auto-reconnect
// (spec §4.3). It depends only on backend.Adapter, never on a concrete
// driver.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sugipamo/graph-postgres-manager/internal/backend"
	"github.com/sugipamo/graph-postgres-manager/internal/errs"
)

var (
	tracer = otel.Tracer("github.com/sugipamo/graph-postgres-manager/supervisor")
	meter  = otel.Meter("github.com/sugipamo/graph-postgres-manager/supervisor")
)

var instruments struct {
	once          sync.Once
	retryCount    metric.Int64Counter
	breakerTrips  metric.Int64Counter
	healthChecks  metric.Int64Counter
}

func initInstruments() {
	instruments.once.Do(func() {
		instruments.retryCount, _ = meter.Int64Counter("gpm.supervisor.retry_count",
			metric.WithDescription("connection attempts retried after a transient failure"))
		instruments.breakerTrips, _ = meter.Int64Counter("gpm.supervisor.breaker_trips",
			metric.WithDescription("times the circuit breaker opened"))
		instruments.healthChecks, _ = meter.Int64Counter("gpm.supervisor.health_checks",
			metric.WithDescription("health probes executed, labeled by outcome"))
	})
}

// exponentialBackoff implements backoff.BackOff with the formula spec
// §4.3 mandates: delay = min(factor^attempt, max_delay).
type exponentialBackoff struct {
	factor  float64
	maxWait time.Duration
	attempt int
}

func (b *exponentialBackoff) NextBackOff() time.Duration {
	seconds := math.Pow(b.factor, float64(b.attempt))
	d := time.Duration(seconds * float64(time.Second))
	if d > b.maxWait {
		d = b.maxWait
	}
	b.attempt++
	return d
}

func (b *exponentialBackoff) Reset() { b.attempt = 0 }

// Config is the subset of config.Config a Supervisor needs, kept
// narrow so this package does not import internal/config directly.
type Config struct {
	MaxRetryAttempts   int
	RetryBackoffFactor float64
	RetryMaxDelay      time.Duration
	HealthCheckInterval time.Duration
	AutoReconnect      bool
}

// Supervisor wraps one backend.Adapter.
type Supervisor struct {
	adapter backend.Adapter
	cfg     Config
	log     *slog.Logger

	mu              sync.Mutex
	breakerOpen     bool
	lastFailureTime time.Time

	healthCancel context.CancelFunc
	healthDone   chan struct{}
}

// New wraps adapter with the given policy.
func New(adapter backend.Adapter, cfg Config, log *slog.Logger) *Supervisor {
	initInstruments()
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		adapter: adapter,
		cfg:     cfg,
		log:     log.With("supervised_backend", adapter.Name()),
	}
}

func (s *Supervisor) breakerSnapshot() (open bool, last time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breakerOpen, s.lastFailureTime
}

func (s *Supervisor) tripBreaker() {
	s.mu.Lock()
	s.breakerOpen = true
	s.lastFailureTime = time.Now()
	s.mu.Unlock()
	instruments.breakerTrips.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("backend", s.adapter.Name())))
}

func (s *Supervisor) closeBreaker() {
	s.mu.Lock()
	s.breakerOpen = false
	s.mu.Unlock()
}

// breakerShortCircuits reports whether the breaker should still short-circuit
// calls: open and less than RetryMaxDelay has elapsed since last failure.
func (s *Supervisor) breakerShortCircuits() bool {
	open, last := s.breakerSnapshot()
	if !open {
		return false
	}
	return time.Since(last) < s.cfg.RetryMaxDelay
}

// Connect retries with backoff up to MaxRetryAttempts+1 tries. On
// exhaustion it opens the breaker and returns RetryExhaustedError.
func (s *Supervisor) Connect(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "supervisor.connect")
	defer span.End()

	if s.breakerShortCircuits() {
		return s.circuitOpenError()
	}

	bo := &exponentialBackoff{factor: s.cfg.RetryBackoffFactor, maxWait: s.cfg.RetryMaxDelay}
	policy := backoff.WithMaxRetries(bo, uint64(s.cfg.MaxRetryAttempts))

	attempts := 0
	var lastErr error
	err := backoff.Retry(func() error {
		attempts++
		err := s.adapter.Connect(ctx)
		if err != nil {
			lastErr = err
			return err
		}
		return nil
	}, backoff.WithContext(policy, ctx))

	if attempts > 1 {
		instruments.retryCount.Add(ctx, int64(attempts-1),
			metric.WithAttributes(attribute.String("backend", s.adapter.Name())))
	}
	if err != nil {
		s.tripBreaker()
		return &errs.RetryExhaustedError{Attempts: attempts, LastError: lastErr}
	}
	s.closeBreaker()
	return nil
}

// circuitOpenError reports the backend-appropriate connectivity error
// while the breaker is open (spec §4.3: "short-circuits with
// GraphConnectionError until retry_max_delay elapses" — the relational
// backend surfaces the symmetric PostgresConnectionError).
func (s *Supervisor) circuitOpenError() error {
	cause := errors.New("circuit breaker open")
	if s.adapter.Name() == "relational" {
		return &errs.PostgresConnectionError{Cause: cause}
	}
	return &errs.GraphConnectionError{Cause: cause}
}

// EnsureConnected lazily connects with retry if the adapter is not
// currently Connected (spec §4.3's "ensure-connected" step).
func (s *Supervisor) EnsureConnected(ctx context.Context) error {
	if s.adapter.State() == backend.StateConnected {
		return nil
	}
	return s.Connect(ctx)
}

// Adapter exposes the wrapped adapter for domain services that need to
// issue queries through it once connectivity is ensured.
func (s *Supervisor) Adapter() backend.Adapter { return s.adapter }

// Disconnect stops the health loop (if running) and disconnects the
// adapter.
func (s *Supervisor) Disconnect(ctx context.Context) error {
	s.StopHealthLoop()
	return s.adapter.Disconnect(ctx)
}

// StartHealthLoop starts the periodic health-check goroutine when
// HealthCheckInterval > 0. It is cancel-safe: canceling ctx or calling
// StopHealthLoop stops it (spec §4.3).
func (s *Supervisor) StartHealthLoop(ctx context.Context) {
	if s.cfg.HealthCheckInterval <= 0 {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.healthCancel = cancel
	s.healthDone = make(chan struct{})
	done := s.healthDone
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.probeAndReconnect(loopCtx)
			}
		}
	}()
}

func (s *Supervisor) probeAndReconnect(ctx context.Context) {
	healthy, _, err := s.adapter.HealthCheck(ctx)
	outcome := "healthy"
	if err != nil || !healthy {
		outcome = "unhealthy"
	}
	instruments.healthChecks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", s.adapter.Name()),
		attribute.String("outcome", outcome),
	))
	if err != nil {
		s.log.Warn("health check failed", "error", err)
	}
	if (err != nil || !healthy) && s.cfg.AutoReconnect {
		if cerr := s.Connect(ctx); cerr != nil {
			s.log.Warn("auto-reconnect failed", "error", cerr)
		}
	}
}

// StopHealthLoop cancels the health loop and waits for it to exit. Safe
// to call even if the loop was never started.
func (s *Supervisor) StopHealthLoop() {
	s.mu.Lock()
	cancel := s.healthCancel
	done := s.healthDone
	s.healthCancel = nil
	s.healthDone = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
