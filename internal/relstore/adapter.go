// Package relstore implements the backend.Adapter capability set over a
// pooled PostgreSQL connection (spec §4.2), using jackc/pgx/v5. 2PC is
// native: PREPARE TRANSACTION / COMMIT PREPARED / ROLLBACK PREPARED.
package relstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sugipamo/graph-postgres-manager/internal/backend"
	"github.com/sugipamo/graph-postgres-manager/internal/errs"
)

// DefaultBatchSize mirrors the teacher's batching convention
// (internal/storage/batch.go's BatchIN): chunk large operations instead
// of sending one unbounded statement.
const DefaultBatchSize = 1000

// Adapter implements backend.Adapter over a pgxpool.Pool.
type Adapter struct {
	dsn      string
	poolSize int
	timeout  time.Duration
	log      *slog.Logger

	mu    sync.Mutex
	pool  *pgxpool.Pool
	state backend.State
}

// txHandle is the concrete type behind backend.Handle for this adapter.
type txHandle struct {
	conn     *pgxpool.Conn
	tx       pgx.Tx
	gid      string
	prepared bool
}

// New constructs a relational adapter. Connect must be called before use.
func New(dsn string, poolSize int, timeout time.Duration, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		dsn:      dsn,
		poolSize: poolSize,
		timeout:  timeout,
		log:      log.With("backend", "relational"),
		state:    backend.StateDisconnected,
	}
}

func (a *Adapter) Name() string { return "relational" }

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
		return &errs.PostgresConnectionError{Cause: fmt.Errorf("adapter is closed")}
	}
	a.state = backend.StateConnecting
	a.mu.Unlock()

	cfg, err := pgxpool.ParseConfig(a.dsn)
	if err != nil {
		a.setState(backend.StateFailed)
		return &errs.PostgresConnectionError{Cause: err}
	}
	cfg.MaxConns = int32(a.poolSize)
	cfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		a.setState(backend.StateFailed)
		return &errs.PostgresConnectionError{Cause: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		a.setState(backend.StateFailed)
		return &errs.PostgresConnectionError{Cause: err}
	}

	a.mu.Lock()
	a.pool = pool
	a.state = backend.StateConnected
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	a.state = backend.StateClosed
	return nil
}

func (a *Adapter) HealthCheck(ctx context.Context) (bool, time.Duration, error) {
	a.mu.Lock()
	pool := a.pool
	a.mu.Unlock()
	if pool == nil {
		return false, 0, &errs.HealthCheckError{Backend: "relational", Cause: fmt.Errorf("not connected")}
	}
	start := time.Now()
	err := pool.Ping(ctx)
	latency := time.Since(start)
	if err != nil {
		return false, latency, &errs.HealthCheckError{Backend: "relational", Cause: err}
	}
	return true, latency, nil
}

// acquire gets a pooled connection honoring the per-op timeout;
// exhaustion surfaces as PoolExhaustedError (spec §4.2).
func (a *Adapter) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	a.mu.Lock()
	pool := a.pool
	a.mu.Unlock()
	if pool == nil {
		return nil, &errs.PostgresConnectionError{Cause: fmt.Errorf("not connected")}
	}
	acquireCtx := ctx
	var cancel context.CancelFunc
	if a.timeout > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	conn, err := pool.Acquire(acquireCtx)
	if err != nil {
		stat := pool.Stat()
		return nil, &errs.PoolExhaustedError{
			PoolSize: a.poolSize,
			InUse:    int(stat.AcquiredConns()),
			Cause:    err,
		}
	}
	return conn, nil
}

func (a *Adapter) ExecuteQuery(ctx context.Context, query string, params map[string]any, tx backend.Handle) (backend.Rows, error) {
	positional, args := RewriteNamedParams(query, params)

	if h, ok := tx.(*txHandle); ok && h != nil {
		rows, err := h.tx.Query(ctx, positional, args...)
		if err != nil {
			return nil, &errs.PostgresConnectionError{Cause: err}
		}
		return materialize(rows)
	}

	conn, err := a.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, positional, args...)
	if err != nil {
		return nil, &errs.PostgresConnectionError{Cause: err}
	}
	return materialize(rows)
}

func materialize(rows pgx.Rows) (backend.Rows, error) {
	defer rows.Close()
	fields := rows.FieldDescriptions()
	var out backend.Rows
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, &errs.DataOperationError{Operation: "scan_row", Cause: err}
		}
		row := make(backend.Row, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &errs.DataOperationError{Operation: "iterate_rows", Cause: err}
	}
	return out, nil
}

// BatchInsert partitions rows into batchSize slices and, over a single
// acquired connection, sends each slice as one pgx.Batch holding one
// statement per row, summing affected rows.
func (a *Adapter) BatchInsert(ctx context.Context, query string, rows []map[string]any, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	conn, err := a.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	// One batched round-trip per slice: pgx.Batch pipelines every row's
	// statement into a single exchange.
	var total int64
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		slice := rows[start:end]

		batch := &pgx.Batch{}
		for _, row := range slice {
			positional, args := RewriteNamedParams(query, row)
			batch.Queue(positional, args...)
		}

		br := conn.SendBatch(ctx, batch)
		var batchErr error
		for range slice {
			tag, err := br.Exec()
			if err != nil {
				batchErr = err
				break
			}
			total += tag.RowsAffected()
		}
		if cerr := br.Close(); cerr != nil && batchErr == nil {
			batchErr = cerr
		}
		if batchErr != nil {
			return total, &errs.DataOperationError{Operation: "batch_insert", Cause: batchErr}
		}
	}
	return total, nil
}

func (a *Adapter) BeginTransaction(ctx context.Context) (backend.Handle, error) {
	conn, err := a.acquire(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		conn.Release()
		return nil, &errs.PostgresConnectionError{Cause: err}
	}
	return &txHandle{conn: conn, tx: tx}, nil
}

func (a *Adapter) CommitTransaction(ctx context.Context, h backend.Handle) error {
	th, ok := h.(*txHandle)
	if !ok || th == nil {
		return &errs.TransactionError{Reason: "invalid handle"}
	}
	defer th.conn.Release()
	if err := th.tx.Commit(ctx); err != nil {
		return &errs.TransactionError{Reason: "commit failed", Cause: err}
	}
	return nil
}

// RollbackTransaction rolls back via the in-session path if the handle
// has not been prepared, or via ROLLBACK PREPARED if it has (spec §4.2).
func (a *Adapter) RollbackTransaction(ctx context.Context, h backend.Handle) error {
	th, ok := h.(*txHandle)
	if !ok || th == nil {
		return &errs.TransactionRollbackError{RollbackCause: fmt.Errorf("invalid handle")}
	}
	if th.prepared {
		conn, err := a.acquire(ctx)
		if err != nil {
			return &errs.TransactionRollbackError{RollbackCause: err}
		}
		defer conn.Release()
		_, err = conn.Exec(ctx, fmt.Sprintf("ROLLBACK PREPARED '%s'", th.gid))
		if err != nil {
			return &errs.TransactionRollbackError{RollbackCause: err}
		}
		return nil
	}
	defer th.conn.Release()
	if err := th.tx.Rollback(ctx); err != nil {
		return &errs.TransactionRollbackError{RollbackCause: err}
	}
	return nil
}

// PrepareTransaction issues PREPARE TRANSACTION '<gid>' with a
// process-unique global id stored on the handle (spec §4.2). After
// PREPARE, the session is no longer associated with the transaction, so
// the connection is released back to the pool.
func (a *Adapter) PrepareTransaction(ctx context.Context, h backend.Handle) error {
	th, ok := h.(*txHandle)
	if !ok || th == nil {
		return &errs.TransactionError{Reason: "invalid handle"}
	}
	th.gid = "gpm_" + uuid.NewString()
	defer th.conn.Release()
	if _, err := th.tx.Exec(ctx, fmt.Sprintf("PREPARE TRANSACTION '%s'", th.gid)); err != nil {
		return &errs.TransactionError{Reason: "prepare failed", Cause: err}
	}
	th.prepared = true
	return nil
}

// CommitPrepared opens a fresh connection, as the wire semantics of
// COMMIT PREPARED require (spec §4.2), and issues COMMIT PREPARED.
func (a *Adapter) CommitPrepared(ctx context.Context, h backend.Handle) error {
	th, ok := h.(*txHandle)
	if !ok || th == nil || !th.prepared {
		return &errs.TransactionError{Reason: "handle not prepared"}
	}
	conn, err := a.acquire(ctx)
	if err != nil {
		return &errs.TransactionError{Reason: "commit_prepared acquire failed", Cause: err}
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, fmt.Sprintf("COMMIT PREPARED '%s'", th.gid)); err != nil {
		return &errs.TransactionError{Reason: "commit_prepared failed", Cause: err}
	}
	return nil
}
