package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sugipamo/graph-postgres-manager/internal/backend"
	"github.com/sugipamo/graph-postgres-manager/internal/errs"
)

// fakeAdapter is a minimal backend.Adapter for supervisor-level tests;
// it is not the full memstore double, just enough surface to drive
// retry/breaker behavior deterministically.
type fakeAdapter struct {
	name        string
	connectErrs []error // consumed in order; nil means success
	connectN    int
	state       backend.State
	healthy     bool
}

func (f *fakeAdapter) Name() string          { return f.name }
func (f *fakeAdapter) State() backend.State  { return f.state }
func (f *fakeAdapter) Connect(ctx context.Context) error {
	var err error
	if f.connectN < len(f.connectErrs) {
		err = f.connectErrs[f.connectN]
	}
	f.connectN++
	if err != nil {
		f.state = backend.StateFailed
		return err
	}
	f.state = backend.StateConnected
	return nil
}
func (f *fakeAdapter) Disconnect(ctx context.Context) error { f.state = backend.StateClosed; return nil }
func (f *fakeAdapter) HealthCheck(ctx context.Context) (bool, time.Duration, error) {
	if !f.healthy {
		return false, 0, errors.New("unhealthy")
	}
	return true, time.Millisecond, nil
}
func (f *fakeAdapter) ExecuteQuery(ctx context.Context, q string, p map[string]any, tx backend.Handle) (backend.Rows, error) {
	return nil, nil
}
func (f *fakeAdapter) BatchInsert(ctx context.Context, q string, rows []map[string]any, n int) (int64, error) {
	return 0, nil
}
func (f *fakeAdapter) BeginTransaction(ctx context.Context) (backend.Handle, error)  { return nil, nil }
func (f *fakeAdapter) CommitTransaction(ctx context.Context, h backend.Handle) error { return nil }
func (f *fakeAdapter) RollbackTransaction(ctx context.Context, h backend.Handle) error { return nil }
func (f *fakeAdapter) PrepareTransaction(ctx context.Context, h backend.Handle) error  { return nil }
func (f *fakeAdapter) CommitPrepared(ctx context.Context, h backend.Handle) error      { return nil }

func testConfig() Config {
	return Config{
		MaxRetryAttempts:   3,
		RetryBackoffFactor: 1.0, // keep test fast: 1^n == 1s would still be slow; override per test
		RetryMaxDelay:      1 * time.Second,
	}
}

func TestConnectSucceedsFirstTry(t *testing.T) {
	adapter := &fakeAdapter{name: "graph"}
	s := New(adapter, testConfig(), nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if adapter.connectN != 1 {
		t.Errorf("connectN = %d, want 1", adapter.connectN)
	}
}

func TestConnectRetriesThenSucceeds(t *testing.T) {
	adapter := &fakeAdapter{
		name: "graph",
		connectErrs: []error{
			errors.New("transient 1"),
			errors.New("transient 2"),
			nil,
		},
	}
	cfg := Config{MaxRetryAttempts: 3, RetryBackoffFactor: 1.0, RetryMaxDelay: 10 * time.Millisecond}
	s := New(adapter, cfg, nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if adapter.connectN != 3 {
		t.Errorf("connectN = %d, want 3", adapter.connectN)
	}
}

// TestRetryAttemptsZeroMeansOneTry covers spec §8's boundary: retry
// attempts = 0 means exactly one try before RetryExhaustedError.
func TestRetryAttemptsZeroMeansOneTry(t *testing.T) {
	adapter := &fakeAdapter{name: "graph", connectErrs: []error{errors.New("fail")}}
	cfg := Config{MaxRetryAttempts: 0, RetryBackoffFactor: 1.0, RetryMaxDelay: 10 * time.Millisecond}
	s := New(adapter, cfg, nil)
	err := s.Connect(context.Background())
	var exhausted *errs.RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected RetryExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", exhausted.Attempts)
	}
}

func TestCircuitBreakerShortCircuitsUntilMaxDelayElapses(t *testing.T) {
	adapter := &fakeAdapter{name: "relational", connectErrs: []error{errors.New("fail")}}
	cfg := Config{MaxRetryAttempts: 0, RetryBackoffFactor: 1.0, RetryMaxDelay: 30 * time.Millisecond}
	s := New(adapter, cfg, nil)

	err := s.Connect(context.Background())
	var exhausted *errs.RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected RetryExhaustedError, got %v", err)
	}

	// Breaker should now short-circuit immediately (no further Connect calls).
	err = s.Connect(context.Background())
	var pgErr *errs.PostgresConnectionError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PostgresConnectionError while breaker open, got %v", err)
	}
	if adapter.connectN != 1 {
		t.Errorf("connectN = %d, want 1 (breaker should short-circuit)", adapter.connectN)
	}

	time.Sleep(40 * time.Millisecond)
	adapter.connectErrs = nil // next attempt succeeds
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() after breaker cooldown error = %v", err)
	}
}

func TestEnsureConnectedSkipsWhenAlreadyConnected(t *testing.T) {
	adapter := &fakeAdapter{name: "graph", state: backend.StateConnected}
	s := New(adapter, testConfig(), nil)
	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}
	if adapter.connectN != 0 {
		t.Errorf("connectN = %d, want 0 (should not reconnect when already connected)", adapter.connectN)
	}
}

func TestHealthLoopReconnectsOnFailure(t *testing.T) {
	adapter := &fakeAdapter{name: "graph", state: backend.StateConnected, healthy: false}
	cfg := Config{
		MaxRetryAttempts:    0,
		RetryBackoffFactor:  1.0,
		RetryMaxDelay:       10 * time.Millisecond,
		HealthCheckInterval: 5 * time.Millisecond,
		AutoReconnect:       true,
	}
	s := New(adapter, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	s.StartHealthLoop(ctx)
	time.Sleep(25 * time.Millisecond)
	cancel()
	s.StopHealthLoop()

	if adapter.connectN == 0 {
		t.Error("expected health loop to trigger at least one reconnect attempt")
	}
}
