// Package graphstore implements the backend.Adapter capability set over
// a Neo4j graph database (spec §4.1), using neo4j-go-driver/v5. The
// driver itself is a single shared object with an internal connection
// pool (spec §5); sessions are opened per call or per transaction.
package graphstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/sugipamo/graph-postgres-manager/internal/backend"
	"github.com/sugipamo/graph-postgres-manager/internal/errs"
)

// DefaultBatchSize matches the relational adapter's convention (spec
// §4.1: "partitions rows into slices of batch_size (default 1000)").
const DefaultBatchSize = 1000

// Adapter implements backend.Adapter over a neo4j.DriverWithContext.
type Adapter struct {
	uri      string
	user     string
	secret   string
	poolSize int
	autoReconnect bool
	log      *slog.Logger

	mu     sync.Mutex
	driver neo4j.DriverWithContext
	state  backend.State
}

// txHandle wraps an explicit transaction and the session that owns it;
// the session must outlive the transaction and is closed on
// commit/rollback.
type txHandle struct {
	session neo4j.SessionWithContext
	tx      neo4j.ExplicitTransaction
}

// New constructs a graph adapter. Connect must be called before use.
func New(uri, user, secret string, poolSize int, autoReconnect bool, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		uri:           uri,
		user:          user,
		secret:        secret,
		poolSize:      poolSize,
		autoReconnect: autoReconnect,
		log:           log.With("backend", "graph"),
		state:         backend.StateDisconnected,
	}
}

func (a *Adapter) Name() string { return "graph" }

func (a *Adapter) State() backend.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Adapter) setState(s backend.State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.state == backend.StateClosed {
		a.mu.Unlock()
		return &errs.GraphConnectionError{Cause: fmt.Errorf("adapter is closed")}
	}
	a.state = backend.StateConnecting
	a.mu.Unlock()

	driver, err := neo4j.NewDriverWithContext(a.uri, neo4j.BasicAuth(a.user, a.secret, ""),
		func(c *neo4j.Config) {
			c.MaxConnectionPoolSize = a.poolSize
		})
	if err != nil {
		a.setState(backend.StateFailed)
		return &errs.GraphConnectionError{Cause: err}
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		a.setState(backend.StateFailed)
		return &errs.GraphConnectionError{Cause: err}
	}

	a.mu.Lock()
	a.driver = driver
	a.state = backend.StateConnected
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.driver != nil {
		_ = a.driver.Close(ctx)
		a.driver = nil
	}
	a.state = backend.StateClosed
	return nil
}

func (a *Adapter) HealthCheck(ctx context.Context) (bool, time.Duration, error) {
	a.mu.Lock()
	driver := a.driver
	a.mu.Unlock()
	if driver == nil {
		return false, 0, &errs.HealthCheckError{Backend: "graph", Cause: fmt.Errorf("not connected")}
	}
	start := time.Now()
	err := driver.VerifyConnectivity(ctx)
	latency := time.Since(start)
	if err != nil {
		return false, latency, &errs.HealthCheckError{Backend: "graph", Cause: err}
	}
	return true, latency, nil
}

// reconnect reopens the driver in place. Called on transport failure
// outside a transaction when auto-reconnect is enabled (spec §4.1).
func (a *Adapter) reconnect(ctx context.Context) error {
	a.setState(backend.StateReconnecting)
	a.mu.Lock()
	if a.driver != nil {
		_ = a.driver.Close(ctx)
		a.driver = nil
	}
	a.mu.Unlock()
	return a.Connect(ctx)
}

func (a *Adapter) session(ctx context.Context) (neo4j.SessionWithContext, error) {
	a.mu.Lock()
	driver := a.driver
	a.mu.Unlock()
	if driver == nil {
		return nil, &errs.GraphConnectionError{Cause: fmt.Errorf("not connected")}
	}
	return driver.NewSession(ctx, neo4j.SessionConfig{}), nil
}

// ExecuteQuery opens a short session and runs the query when tx is nil;
// with a tx, runs inside that transaction's session. On transport
// failure outside a transaction, reconnects and retries once if
// auto-reconnect is enabled; inside a transaction it fails fast (spec
// §4.1).
func (a *Adapter) ExecuteQuery(ctx context.Context, query string, params map[string]any, tx backend.Handle) (backend.Rows, error) {
	if h, ok := tx.(*txHandle); ok && h != nil {
		result, err := h.tx.Run(ctx, query, params)
		if err != nil {
			return nil, &errs.GraphConnectionError{Cause: err}
		}
		return materialize(ctx, result)
	}

	rows, err := a.runOnce(ctx, query, params)
	if err == nil {
		return rows, nil
	}
	if !a.autoReconnect {
		return nil, err
	}
	if rerr := a.reconnect(ctx); rerr != nil {
		return nil, &errs.GraphConnectionError{Cause: fmt.Errorf("retry reconnect failed: %w (original: %v)", rerr, err)}
	}
	return a.runOnce(ctx, query, params)
}

func (a *Adapter) runOnce(ctx context.Context, query string, params map[string]any) (backend.Rows, error) {
	sess, err := a.session(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, query, params)
	if err != nil {
		return nil, &errs.GraphConnectionError{Cause: err}
	}
	return materialize(ctx, result)
}

func materialize(ctx context.Context, result neo4j.ResultWithContext) (backend.Rows, error) {
	var out backend.Rows
	for result.Next(ctx) {
		rec := result.Record()
		row := make(backend.Row, len(rec.Keys))
		for _, k := range rec.Keys {
			v, _ := rec.Get(k)
			row[k] = v
		}
		out = append(out, row)
	}
	if err := result.Err(); err != nil {
		return nil, &errs.DataOperationError{Operation: "iterate_rows", Cause: err}
	}
	return out, nil
}

// statementCounters sums the store's counters (nodes/relationships
// created) across a run, per spec §4.5's "accumulate across batches"
// requirement (§9 flags the non-accumulating variant as a past bug).
func statementCounters(ctx context.Context, result neo4j.ResultWithContext) (nodesCreated, relsCreated int64, err error) {
	summary, err := result.Consume(ctx)
	if err != nil {
		return 0, 0, err
	}
	counters := summary.Counters()
	return int64(counters.NodesCreated()), int64(counters.RelationshipsCreated()), nil
}

// BatchInsert partitions rows into batchSize slices and runs one query
// per slice within a single session, summing created-node/relationship
// counters reported by the driver across all batches.
func (a *Adapter) BatchInsert(ctx context.Context, query string, rows []map[string]any, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	sess, err := a.session(ctx)
	if err != nil {
		return 0, err
	}
	defer sess.Close(ctx)

	var total int64
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		result, err := sess.Run(ctx, query, map[string]any{"rows": rows[start:end]})
		if err != nil {
			return total, &errs.DataOperationError{Operation: "batch_insert", Cause: err}
		}
		nodes, rels, err := statementCounters(ctx, result)
		if err != nil {
			return total, &errs.DataOperationError{Operation: "batch_insert_consume", Cause: err}
		}
		total += nodes + rels
	}
	return total, nil
}

func (a *Adapter) BeginTransaction(ctx context.Context) (backend.Handle, error) {
	sess, err := a.session(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := sess.BeginTransaction(ctx)
	if err != nil {
		sess.Close(ctx)
		return nil, &errs.GraphConnectionError{Cause: err}
	}
	return &txHandle{session: sess, tx: tx}, nil
}

func (a *Adapter) CommitTransaction(ctx context.Context, h backend.Handle) error {
	th, ok := h.(*txHandle)
	if !ok || th == nil {
		return &errs.TransactionError{Reason: "invalid handle"}
	}
	defer th.session.Close(ctx)
	if err := th.tx.Commit(ctx); err != nil {
		return &errs.TransactionError{Reason: "commit failed", Cause: err}
	}
	return nil
}

func (a *Adapter) RollbackTransaction(ctx context.Context, h backend.Handle) error {
	th, ok := h.(*txHandle)
	if !ok || th == nil {
		return &errs.TransactionRollbackError{RollbackCause: fmt.Errorf("invalid handle")}
	}
	defer th.session.Close(ctx)
	if err := th.tx.Rollback(ctx); err != nil {
		return &errs.TransactionRollbackError{RollbackCause: err}
	}
	return nil
}

// PrepareTransaction is a no-op: the graph store has no native 2PC
// (spec §4.1, §9). It logs a warning so operators can see the
// "partial commit" window is possible on this side.
func (a *Adapter) PrepareTransaction(ctx context.Context, h backend.Handle) error {
	a.log.Warn("prepare_transaction is a no-op on the graph backend; it has no native 2PC")
	return nil
}

// CommitPrepared delegates to the regular commit path (spec §4.1).
func (a *Adapter) CommitPrepared(ctx context.Context, h backend.Handle) error {
	return a.CommitTransaction(ctx, h)
}
