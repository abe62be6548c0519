package txn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sugipamo/graph-postgres-manager/internal/errs"
	"github.com/sugipamo/graph-postgres-manager/internal/memstore"
	"github.com/sugipamo/graph-postgres-manager/internal/queryproto"
)

func connectedDoubles(t *testing.T) (*memstore.Graph, *memstore.Relational) {
	t.Helper()
	g := memstore.NewGraph()
	r := memstore.NewRelational()
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("graph Connect() error = %v", err)
	}
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("relational Connect() error = %v", err)
	}
	return g, r
}

const mergeOneNodeQuery = queryproto.OpMergeNodes + `
UNWIND $rows AS row
MERGE (n:ASTNode {id: row.id, source_id: row.source_id})
SET n += row.props
RETURN count(n) AS created`

// TestOnePCCommitAppliesBothStores is spec §8 invariant 5.
func TestOnePCCommitAppliesBothStores(t *testing.T) {
	g, r := connectedDoubles(t)
	e := New(g, r, nil)

	tc, err := e.Begin(context.Background(), BeginOptions{})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	rows := []map[string]any{{"id": "n1", "source_id": "f.py", "props": map[string]any{"node_type": "Module"}}}
	if _, err := e.Execute(context.Background(), tc, "graph", mergeOneNodeQuery, map[string]any{"rows": rows}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if err := e.Commit(context.Background(), tc); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if tc.State() != StateCommitted {
		t.Errorf("state = %v, want Committed", tc.State())
	}
	if g.NodeCount("f.py") != 1 {
		t.Errorf("node count = %d, want 1", g.NodeCount("f.py"))
	}
}

// TestRollbackOnBodyErrorUndoesBothStores is spec §8 scenario S3: a
// transaction that fails mid-body leaves neither store changed.
func TestRollbackOnBodyErrorUndoesBothStores(t *testing.T) {
	g, r := connectedDoubles(t)
	e := New(g, r, nil)

	tc, err := e.Begin(context.Background(), BeginOptions{})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	bodyErr := errors.New("simulated body failure")
	rows := []map[string]any{{"id": "n1", "source_id": "f.py", "props": map[string]any{"node_type": "Module"}}}
	runErr := e.WithTimeout(context.Background(), tc, func(ctx context.Context) error {
		if _, err := e.Execute(ctx, tc, "graph", mergeOneNodeQuery, map[string]any{"rows": rows}); err != nil {
			return err
		}
		return bodyErr
	})

	if !errors.Is(runErr, bodyErr) {
		t.Fatalf("expected runErr to wrap bodyErr, got %v", runErr)
	}
	if tc.State() != StateRolledBack {
		t.Errorf("state = %v, want RolledBack", tc.State())
	}
	if g.NodeCount("f.py") != 0 {
		t.Errorf("graph node count = %d, want 0 after rollback", g.NodeCount("f.py"))
	}
	if r.MappingCount("intent-1") != 0 {
		t.Errorf("relational mapping count = %d, want 0 after rollback", r.MappingCount("intent-1"))
	}
}

// TestTwoPCPartialCommitLabelling is spec §8 scenario S4: a
// commit_prepared failure on the relational side after a successful
// graph-side commit_prepared surfaces TransactionError and logs a
// partial_commit entry naming the failed side.
func TestTwoPCPartialCommitLabelling(t *testing.T) {
	g, r := connectedDoubles(t)
	r.FailCommitPrepared = true
	e := New(g, r, nil)

	tc, err := e.Begin(context.Background(), BeginOptions{UseTwoPC: true})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	err = e.Commit(context.Background(), tc)
	var txErr *errs.TransactionError
	if !errors.As(err, &txErr) {
		t.Fatalf("expected TransactionError, got %v", err)
	}

	var found bool
	for _, entry := range tc.OperationLog() {
		if entry.Operation == "partial_commit" && entry.Backend == "relational" {
			found = true
		}
	}
	if !found {
		t.Error("expected a partial_commit log entry naming the relational side")
	}
}

// TestNestedTransactionSharesOuterHandles covers spec §4.4's nesting
// rule: a Begin issued while another context is live shares handles and
// its commit/rollback are bookkeeping no-ops at the driver level.
func TestNestedTransactionSharesOuterHandles(t *testing.T) {
	g, r := connectedDoubles(t)
	e := New(g, r, nil)

	outer, err := e.Begin(context.Background(), BeginOptions{})
	if err != nil {
		t.Fatalf("Begin(outer) error = %v", err)
	}
	inner, err := e.Begin(context.Background(), BeginOptions{})
	if err != nil {
		t.Fatalf("Begin(inner) error = %v", err)
	}
	if !inner.Nested {
		t.Fatal("expected inner context to be nested")
	}
	if inner.graphHandle != outer.graphHandle {
		t.Error("nested context should share the outer graph handle")
	}
	if err := e.Commit(context.Background(), inner); err != nil {
		t.Fatalf("Commit(inner) error = %v", err)
	}
	if inner.State() != StateCommitted {
		t.Errorf("inner state = %v, want Committed", inner.State())
	}
	if err := e.Commit(context.Background(), outer); err != nil {
		t.Fatalf("Commit(outer) error = %v", err)
	}
}

// TestWithTimeoutExpiryRollsBack covers spec §4.4's timeout behavior.
func TestWithTimeoutExpiryRollsBack(t *testing.T) {
	g, r := connectedDoubles(t)
	e := New(g, r, nil)

	tc, err := e.Begin(context.Background(), BeginOptions{Timeout: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	err = e.WithTimeout(context.Background(), tc, func(ctx context.Context) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	var timeoutErr *errs.OperationTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected OperationTimeoutError, got %v", err)
	}
	if tc.State() != StateRolledBack {
		t.Errorf("state = %v, want RolledBack", tc.State())
	}
}
