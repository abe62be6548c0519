// Package txn implements the cross-store transaction engine (spec §4.4,
// §3.9): 1PC/2PC commit, nesting, timeout, and rollback of both backends
// on any failure.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/sugipamo/graph-postgres-manager/internal/backend"
	"github.com/sugipamo/graph-postgres-manager/internal/errs"
)

var (
	tracer = otel.Tracer("github.com/sugipamo/graph-postgres-manager/txn")
	meter  = otel.Meter("github.com/sugipamo/graph-postgres-manager/txn")
)

var instruments struct {
	once            sync.Once
	commits         metric.Int64Counter
	rollbacks       metric.Int64Counter
	partialCommits  metric.Int64Counter
}

func initInstruments() {
	instruments.once.Do(func() {
		instruments.commits, _ = meter.Int64Counter("gpm.txn.commits")
		instruments.rollbacks, _ = meter.Int64Counter("gpm.txn.rollbacks")
		instruments.partialCommits, _ = meter.Int64Counter("gpm.txn.partial_commits",
			metric.WithDescription("2PC or 1PC commits where one backend committed and the other failed"))
	})
}

// State is a transaction context's lifecycle state (spec §3.9).
type State string

const (
	StatePending     State = "pending"
	StateActive      State = "active"
	StatePreparing   State = "preparing"
	StatePrepared    State = "prepared"
	StateCommitting  State = "committing"
	StateCommitted   State = "committed"
	StateRollingBack State = "rolling_back"
	StateRolledBack  State = "rolled_back"
	StateFailed      State = "failed"
)

// LogEntry records one operation performed within a transaction context.
type LogEntry struct {
	Backend   string
	Operation string
	Detail    string
	Timestamp time.Time
}

// Context is one cross-store transaction (spec §3.9).
type Context struct {
	ID      string
	Nested  bool
	Timeout time.Duration
	UseTwoPC bool

	mu           sync.Mutex
	state        State
	graphHandle  backend.Handle
	sqlHandle    backend.Handle
	startTime    time.Time
	endTime      time.Time
	operationLog []LogEntry
}

func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Context) OperationLog() []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LogEntry, len(c.operationLog))
	copy(out, c.operationLog)
	return out
}

func (c *Context) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Context) appendLog(entry LogEntry) {
	c.mu.Lock()
	c.operationLog = append(c.operationLog, entry)
	c.mu.Unlock()
}

// BeginOptions configures a new transaction context.
type BeginOptions struct {
	Timeout  time.Duration
	UseTwoPC bool
}

// LogPersister is implemented by the intent/relational layer to persist
// operation log entries to a transaction_logs table when enabled (spec
// §4.4). Optional: a nil persister disables persistence.
type LogPersister interface {
	PersistLogEntry(ctx context.Context, transactionID string, entry LogEntry) error
}

// Engine owns both backend adapters and the registry of live contexts.
type Engine struct {
	graph backend.Adapter
	sql   backend.Adapter
	log   *slog.Logger
	logPersister LogPersister

	mu       sync.Mutex
	registry map[string]*Context
	outerID  string // id of the current non-nested (outer) context, "" if none
}

// New constructs a transaction engine over both backend adapters.
func New(graph, sql backend.Adapter, log *slog.Logger) *Engine {
	initInstruments()
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		graph:    graph,
		sql:      sql,
		log:      log,
		registry: make(map[string]*Context),
	}
}

// SetLogPersister wires a relational operation-log sink.
func (e *Engine) SetLogPersister(p LogPersister) { e.logPersister = p }

// Begin assigns a fresh transaction id and, for non-nested contexts,
// opens transactions on both adapters. Nesting is detected by registry
// non-emptiness at begin time (spec §3.9, §4.4): a Begin call issued
// while any other context is live is nested and shares the current
// outer context's handles instead of opening new driver-level
// transactions.
func (e *Engine) Begin(ctx context.Context, opts BeginOptions) (*Context, error) {
	ctx, span := tracer.Start(ctx, "txn.begin")
	defer span.End()

	e.mu.Lock()
	nested := len(e.registry) > 0
	outerID := e.outerID
	var outer *Context
	if nested {
		outer = e.registry[outerID]
	}
	e.mu.Unlock()

	id := uuid.NewString()
	tc := &Context{
		ID:        id,
		Nested:    nested,
		Timeout:   opts.Timeout,
		UseTwoPC:  opts.UseTwoPC,
		state:     StatePending,
		startTime: time.Now(),
	}

	if nested && outer != nil {
		outer.mu.Lock()
		tc.graphHandle = outer.graphHandle
		tc.sqlHandle = outer.sqlHandle
		outer.mu.Unlock()
	} else {
		graphHandle, err := e.graph.BeginTransaction(ctx)
		if err != nil {
			return nil, &errs.TransactionError{TransactionID: id, Reason: "begin graph transaction failed", Cause: err}
		}
		sqlHandle, err := e.sql.BeginTransaction(ctx)
		if err != nil {
			_ = e.graph.RollbackTransaction(ctx, graphHandle)
			return nil, &errs.TransactionError{TransactionID: id, Reason: "begin relational transaction failed", Cause: err}
		}
		tc.graphHandle = graphHandle
		tc.sqlHandle = sqlHandle
	}
	tc.setState(StateActive)

	e.mu.Lock()
	e.registry[id] = tc
	if !nested {
		e.outerID = id
	}
	e.mu.Unlock()

	return tc, nil
}

// end removes a context from the registry, clearing outerID if it was
// the outer context.
func (e *Engine) end(tc *Context) {
	e.mu.Lock()
	delete(e.registry, tc.ID)
	if e.outerID == tc.ID {
		e.outerID = ""
	}
	e.mu.Unlock()
}

// Execute routes an operation through the right adapter using the
// context's handle, and appends an entry to the operation log
// (persisting it too, if a log persister is wired).
func (e *Engine) Execute(ctx context.Context, tc *Context, target string, query string, params map[string]any) (backend.Rows, error) {
	var adapter backend.Adapter
	var handle backend.Handle
	switch target {
	case "graph":
		adapter = e.graph
		handle = tc.graphHandle
	case "relational":
		adapter = e.sql
		handle = tc.sqlHandle
	default:
		return nil, &errs.TransactionError{TransactionID: tc.ID, Reason: fmt.Sprintf("unknown target %q", target)}
	}

	rows, err := adapter.ExecuteQuery(ctx, query, params, handle)
	entry := LogEntry{Backend: target, Operation: "execute_query", Detail: query, Timestamp: time.Now()}
	tc.appendLog(entry)
	if e.logPersister != nil {
		if perr := e.logPersister.PersistLogEntry(ctx, tc.ID, entry); perr != nil {
			e.log.Warn("failed to persist transaction log entry", "transaction_id", tc.ID, "error", perr)
		}
	}
	if err != nil {
		return nil, &errs.DataOperationError{Operation: "txn_execute_" + target, Cause: err}
	}
	return rows, nil
}

// Commit runs 1PC (default) or 2PC (tc.UseTwoPC) across both adapters.
// Nested contexts are a no-op at the driver level but still run the
// engine's bookkeeping (spec §4.4).
func (e *Engine) Commit(ctx context.Context, tc *Context) error {
	ctx, span := tracer.Start(ctx, "txn.commit", trace.WithAttributes(attribute.Bool("nested", tc.Nested)))
	defer span.End()

	if tc.Nested {
		tc.setState(StateCommitted)
		tc.appendLog(LogEntry{Backend: "engine", Operation: "nested_commit_noop", Timestamp: time.Now()})
		e.end(tc)
		return nil
	}

	var err error
	if tc.UseTwoPC {
		err = e.commit2PC(ctx, tc)
	} else {
		err = e.commit1PC(ctx, tc)
	}
	e.end(tc)
	if err == nil {
		instruments.commits.Add(ctx, 1)
	}
	return err
}

func (e *Engine) commit1PC(ctx context.Context, tc *Context) error {
	tc.setState(StateCommitting)
	if err := e.graph.CommitTransaction(ctx, tc.graphHandle); err != nil {
		tc.setState(StateFailed)
		return &errs.TransactionError{TransactionID: tc.ID, Reason: "graph commit failed", Cause: err}
	}
	if err := e.sql.CommitTransaction(ctx, tc.sqlHandle); err != nil {
		// Graph already committed: partial commit window (spec §4.4, §5).
		tc.setState(StateFailed)
		tc.appendLog(LogEntry{Backend: "relational", Operation: "partial_commit", Detail: err.Error(), Timestamp: time.Now()})
		instruments.partialCommits.Add(ctx, 1, metric.WithAttributes(attribute.String("failed_side", "relational")))
		return &errs.TransactionError{TransactionID: tc.ID, Reason: "partial_commit: relational commit failed after graph commit succeeded", Cause: err}
	}
	tc.setState(StateCommitted)
	return nil
}

func (e *Engine) commit2PC(ctx context.Context, tc *Context) error {
	tc.setState(StatePreparing)
	graphErr := e.graph.PrepareTransaction(ctx, tc.graphHandle)
	sqlErr := e.sql.PrepareTransaction(ctx, tc.sqlHandle)
	if graphErr != nil || sqlErr != nil {
		tc.setState(StateRollingBack)
		_ = e.graph.RollbackTransaction(ctx, tc.graphHandle)
		_ = e.sql.RollbackTransaction(ctx, tc.sqlHandle)
		tc.setState(StateRolledBack)
		return &errs.TransactionError{TransactionID: tc.ID, Reason: "prepare failed", Cause: errors.Join(graphErr, sqlErr)}
	}
	tc.setState(StatePrepared)

	tc.setState(StateCommitting)
	if err := e.graph.CommitPrepared(ctx, tc.graphHandle); err != nil {
		tc.setState(StateFailed)
		return &errs.TransactionError{TransactionID: tc.ID, Reason: "graph commit_prepared failed", Cause: err}
	}
	if err := e.sql.CommitPrepared(ctx, tc.sqlHandle); err != nil {
		tc.setState(StateFailed)
		tc.appendLog(LogEntry{Backend: "relational", Operation: "partial_commit", Detail: err.Error(), Timestamp: time.Now()})
		instruments.partialCommits.Add(ctx, 1, metric.WithAttributes(attribute.String("failed_side", "relational")))
		return &errs.TransactionError{TransactionID: tc.ID, Reason: "partial_commit: relational commit_prepared failed after graph commit_prepared succeeded", Cause: err}
	}
	tc.setState(StateCommitted)
	return nil
}

// Rollback runs rollback on both adapters, accumulating errors. Nested
// contexts are a no-op at the driver level: rolling back a nested
// context must not tear down the outer transaction's shared handles.
func (e *Engine) Rollback(ctx context.Context, tc *Context) error {
	ctx, span := tracer.Start(ctx, "txn.rollback", trace.WithAttributes(attribute.Bool("nested", tc.Nested)))
	defer span.End()

	if tc.Nested {
		tc.setState(StateRolledBack)
		tc.appendLog(LogEntry{Backend: "engine", Operation: "nested_rollback_noop", Timestamp: time.Now()})
		e.end(tc)
		return nil
	}

	tc.setState(StateRollingBack)
	graphErr := e.graph.RollbackTransaction(ctx, tc.graphHandle)
	sqlErr := e.sql.RollbackTransaction(ctx, tc.sqlHandle)
	e.end(tc)

	if graphErr != nil || sqlErr != nil {
		tc.setState(StateFailed)
		return &errs.TransactionRollbackError{
			TransactionID: tc.ID,
			RollbackCause: errors.Join(graphErr, sqlErr),
		}
	}
	tc.setState(StateRolledBack)
	instruments.rollbacks.Add(ctx, 1)
	return nil
}

// WithTimeout wraps body in a cancellable timer. On expiry, the engine
// rolls back and surfaces OperationTimeoutError. A body error triggers
// automatic rollback; a rollback failure itself surfaces as
// TransactionRollbackError chained to the original cause (spec §4.4).
func (e *Engine) WithTimeout(ctx context.Context, tc *Context, body func(ctx context.Context) error) error {
	timeout := tc.Timeout
	if timeout <= 0 {
		return e.runBody(ctx, tc, body)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- body(timeoutCtx)
	}()

	select {
	case <-timeoutCtx.Done():
		if rerr := e.Rollback(ctx, tc); rerr != nil {
			var rbErr *errs.TransactionRollbackError
			if errors.As(rerr, &rbErr) {
				return &errs.TransactionRollbackError{
					TransactionID: tc.ID,
					RollbackCause: rbErr.RollbackCause,
					OriginalCause: &errs.OperationTimeoutError{Operation: "transaction", Cause: timeoutCtx.Err()},
				}
			}
		}
		return &errs.OperationTimeoutError{Operation: "transaction", Cause: timeoutCtx.Err()}
	case err := <-errCh:
		if err != nil {
			if rerr := e.Rollback(ctx, tc); rerr != nil {
				var rbErr *errs.TransactionRollbackError
				if errors.As(rerr, &rbErr) {
					return &errs.TransactionRollbackError{
						TransactionID: tc.ID,
						RollbackCause: rbErr.RollbackCause,
						OriginalCause: err,
					}
				}
			}
			return err
		}
		return nil
	}
}

func (e *Engine) runBody(ctx context.Context, tc *Context, body func(ctx context.Context) error) error {
	if err := body(ctx); err != nil {
		if rerr := e.Rollback(ctx, tc); rerr != nil {
			var rbErr *errs.TransactionRollbackError
			if errors.As(rerr, &rbErr) {
				return &errs.TransactionRollbackError{
					TransactionID: tc.ID,
					RollbackCause: rbErr.RollbackCause,
					OriginalCause: err,
				}
			}
		}
		return err
	}
	return nil
}
