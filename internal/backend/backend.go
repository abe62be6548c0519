// Package backend defines the driver-agnostic capability interface that
// the graph adapter, the relational adapter, and the in-memory test
// double all implement. The connection supervisor and transaction engine
// depend on this interface exclusively — neither ever reaches into a
// concrete driver.
package backend

import (
	"context"
	"time"
)

// State is one of the six connection lifecycle states. Closed is
// terminal for a given adapter instance.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

func (s State) String() string { return string(s) }

// Row is a mapping from column name to value, the common shape returned
// by both backends regardless of wire protocol.
type Row map[string]any

// Rows is a materialized result set.
type Rows []Row

// Handle is an opaque per-backend transaction handle. The engine never
// inspects its contents; only the adapter that produced it understands
// the concrete type underneath.
type Handle any

// Adapter is the capability set every backend (graph or relational) must
// expose. All operations are suspension points (spec §5): every call may
// block on I/O and must honor ctx cancellation/deadline.
type Adapter interface {
	// Name identifies the backend for logging and partial_commit entries:
	// "graph" or "relational".
	Name() string

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// HealthCheck probes the backend and reports round-trip latency.
	HealthCheck(ctx context.Context) (healthy bool, latency time.Duration, err error)

	State() State

	// ExecuteQuery runs query with params. If tx is non-nil, the query
	// runs inside that transaction's session/connection; otherwise the
	// adapter opens a short-lived session for just this call.
	ExecuteQuery(ctx context.Context, query string, params map[string]any, tx Handle) (Rows, error)

	// BatchInsert partitions rows into slices of batchSize (adapter
	// picks a default, e.g. 1000, when batchSize <= 0) and issues one
	// query per slice inside a single session. Returns the sum of rows
	// affected/created as reported by the driver's statement counters.
	BatchInsert(ctx context.Context, query string, rows []map[string]any, batchSize int) (int64, error)

	BeginTransaction(ctx context.Context) (Handle, error)
	CommitTransaction(ctx context.Context, h Handle) error
	RollbackTransaction(ctx context.Context, h Handle) error

	// PrepareTransaction is phase one of 2PC. The graph adapter's
	// implementation is a no-op that logs a warning (spec §4.1, §9): the
	// graph store has no native 2PC.
	PrepareTransaction(ctx context.Context, h Handle) error

	// CommitPrepared is phase two of 2PC, commit side. The relational
	// adapter's implementation opens a fresh connection, as the wire
	// semantics of COMMIT PREPARED require (spec §4.2).
	CommitPrepared(ctx context.Context, h Handle) error
}
