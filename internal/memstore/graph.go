// Package memstore implements the in-memory test double (spec §4.9):
// two backend.Adapter implementations, one per backend kind, sufficient
// to exercise C5-C8's property tests without a live Neo4j/Postgres.
// Not normative — it recognizes the fixed set of query shapes the
// domain packages (internal/ingest, internal/intent, internal/search)
// actually issue via the queryproto markers, rather than parsing
// arbitrary Cypher or SQL.
package memstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sugipamo/graph-postgres-manager/internal/backend"
	"github.com/sugipamo/graph-postgres-manager/internal/errs"
	"github.com/sugipamo/graph-postgres-manager/internal/queryproto"
)

type graphNode struct {
	id       string
	sourceID string
	props    map[string]any
}

type graphEdge struct {
	source, target, edgeType, sourceID string
}

// stagedEdgeBatch is one pending MERGE-edge call queued inside a
// transaction.
type stagedEdgeBatch struct {
	edgeType string
	rows     []map[string]any
}

// graphTxHandle stages writes issued inside a transaction; they are
// applied to the shared node/edge maps on CommitTransaction and
// discarded on RollbackTransaction, giving the double real rollback
// semantics for spec §8's transaction invariants.
type graphTxHandle struct {
	mu            sync.Mutex
	id            string
	stagedNodes   []map[string]any
	stagedEdges   []stagedEdgeBatch
}

// Graph is the in-memory graph backend double.
type Graph struct {
	mu    sync.Mutex
	state backend.State

	nodes map[string]*graphNode // key: id + "\x00" + sourceID
	edges []graphEdge

	// FailConnect, if set, makes the next Connect call fail once and
	// then clear itself — used to test supervisor retry behavior.
	FailConnect bool
}

func NewGraph() *Graph {
	return &Graph{state: backend.StateDisconnected, nodes: make(map[string]*graphNode)}
}

func (g *Graph) Name() string { return "graph" }

func (g *Graph) State() backend.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Graph) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailConnect {
		g.FailConnect = false
		g.state = backend.StateFailed
		return &errs.GraphConnectionError{Cause: fmt.Errorf("simulated connect failure")}
	}
	g.state = backend.StateConnected
	return nil
}

func (g *Graph) Disconnect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = backend.StateClosed
	return nil
}

func (g *Graph) HealthCheck(ctx context.Context) (bool, time.Duration, error) {
	if g.State() == backend.StateConnected {
		return true, time.Microsecond, nil
	}
	return false, 0, &errs.HealthCheckError{Backend: "graph", Cause: fmt.Errorf("not connected")}
}

func (g *Graph) key(id, sourceID string) string { return id + "\x00" + sourceID }

func (g *Graph) ExecuteQuery(ctx context.Context, query string, params map[string]any, tx backend.Handle) (backend.Rows, error) {
	th, inTx := tx.(*graphTxHandle)

	switch {
	case strings.HasPrefix(query, queryproto.OpMergeNodes):
		rows, _ := params["rows"].([]map[string]any)
		if inTx && th != nil {
			th.mu.Lock()
			th.stagedNodes = append(th.stagedNodes, rows...)
			th.mu.Unlock()
			return backend.Rows{{"created": int64(len(rows))}}, nil
		}
		n := g.mergeNodes(rows)
		return backend.Rows{{"created": int64(n)}}, nil
	case strings.HasPrefix(query, queryproto.OpMergeEdges):
		rows, _ := params["rows"].([]map[string]any)
		edgeType := edgeTypeFromQuery(query)
		if inTx && th != nil {
			th.mu.Lock()
			th.stagedEdges = append(th.stagedEdges, stagedEdgeBatch{edgeType: edgeType, rows: rows})
			th.mu.Unlock()
			return backend.Rows{{"created": int64(len(rows))}}, nil
		}
		n := g.mergeEdges(edgeType, rows)
		return backend.Rows{{"created": int64(n)}}, nil
	case strings.HasPrefix(query, queryproto.OpGraphSearch):
		return g.search(params), nil
	default:
		return nil, &errs.DataOperationError{Operation: "execute_query", Cause: fmt.Errorf("memstore graph double: unrecognized query")}
	}
}

func edgeTypeFromQuery(query string) string {
	idx := strings.Index(query, "[r:")
	if idx == -1 {
		return ""
	}
	rest := query[idx+3:]
	end := strings.Index(rest, "]")
	if end == -1 {
		return ""
	}
	return rest[:end]
}

func (g *Graph) mergeNodes(rows []map[string]any) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	created := 0
	for _, row := range rows {
		id, _ := row["id"].(string)
		sourceID, _ := row["source_id"].(string)
		props, _ := row["props"].(map[string]any)
		k := g.key(id, sourceID)
		if existing, ok := g.nodes[k]; ok {
			for pk, pv := range props {
				existing.props[pk] = pv
			}
			continue
		}
		merged := map[string]any{}
		for pk, pv := range props {
			merged[pk] = pv
		}
		g.nodes[k] = &graphNode{id: id, sourceID: sourceID, props: merged}
		created++
	}
	return created
}

func (g *Graph) mergeEdges(edgeType string, rows []map[string]any) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	created := 0
	for _, row := range rows {
		source, _ := row["source"].(string)
		target, _ := row["target"].(string)
		sourceID, _ := row["source_id"].(string)
		if _, ok := g.nodes[g.key(source, sourceID)]; !ok {
			continue
		}
		if _, ok := g.nodes[g.key(target, sourceID)]; !ok {
			continue
		}
		exists := false
		for _, e := range g.edges {
			if e.source == source && e.target == target && e.edgeType == edgeType && e.sourceID == sourceID {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		g.edges = append(g.edges, graphEdge{source: source, target: target, edgeType: edgeType, sourceID: sourceID})
		created++
	}
	return created
}

// search implements the graph branch's scoring (spec §4.7) over the
// in-memory node set.
func (g *Graph) search(params map[string]any) backend.Rows {
	g.mu.Lock()
	defer g.mu.Unlock()

	text, _ := params["text"].(string)
	text = strings.ToLower(text)
	var nodeTypes []string
	if nt, ok := params["node_types"].([]string); ok {
		nodeTypes = nt
	}
	var sourceIDs []string
	if sids, ok := params["source_ids"].([]string); ok {
		sourceIDs = sids
	}
	limit := 0
	if l, ok := params["limit"].(int); ok {
		limit = l
	}

	var out backend.Rows
	for _, n := range g.nodes {
		if len(nodeTypes) > 0 && !contains(nodeTypes, fmt.Sprint(n.props["node_type"])) {
			continue
		}
		if len(sourceIDs) > 0 && !contains(sourceIDs, n.sourceID) {
			continue
		}
		value, _ := n.props["value"].(string)
		idLower := strings.ToLower(n.id)
		valueLower := strings.ToLower(value)
		if !strings.Contains(idLower, text) && !strings.Contains(valueLower, text) {
			continue
		}
		row := backend.Row{
			"id":          n.id,
			"source_id":   n.sourceID,
			"node_type":   n.props["node_type"],
			"value":       value,
			"line_number": n.props["line_number"],
		}
		out = append(out, row)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// BatchInsert partitions rows and runs the recognized op once per
// partition, mirroring the real graph adapter's batching contract.
func (g *Graph) BatchInsert(ctx context.Context, query string, rows []map[string]any, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	var total int64
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		result, err := g.ExecuteQuery(ctx, query, map[string]any{"rows": rows[start:end]}, nil)
		if err != nil {
			return total, err
		}
		if len(result) > 0 {
			if created, ok := result[0]["created"].(int64); ok {
				total += created
			}
		}
	}
	return total, nil
}

func (g *Graph) BeginTransaction(ctx context.Context) (backend.Handle, error) {
	return &graphTxHandle{id: uuid.NewString()}, nil
}

// CommitTransaction applies everything staged under h to the shared
// node/edge maps. Order matches mergeNodeBatch/mergeEdgeBatch: all
// staged node batches first, then edges, so edge endpoint checks see
// nodes created earlier in the same transaction.
func (g *Graph) CommitTransaction(ctx context.Context, h backend.Handle) error {
	th, ok := h.(*graphTxHandle)
	if !ok || th == nil {
		return &errs.TransactionError{Reason: "invalid handle"}
	}
	th.mu.Lock()
	defer th.mu.Unlock()
	g.mergeNodes(th.stagedNodes)
	for _, batch := range th.stagedEdges {
		g.mergeEdges(batch.edgeType, batch.rows)
	}
	return nil
}

// RollbackTransaction discards the handle's staged writes; nothing was
// ever applied to shared state, so there is nothing to undo.
func (g *Graph) RollbackTransaction(ctx context.Context, h backend.Handle) error {
	if _, ok := h.(*graphTxHandle); !ok {
		return &errs.TransactionRollbackError{RollbackCause: fmt.Errorf("invalid handle")}
	}
	return nil
}

func (g *Graph) PrepareTransaction(ctx context.Context, h backend.Handle) error { return nil }

// CommitPrepared delegates to CommitTransaction, like the real graph
// adapter.
func (g *Graph) CommitPrepared(ctx context.Context, h backend.Handle) error {
	return g.CommitTransaction(ctx, h)
}

// NodeCount is a test helper: count of distinct (id, source_id) nodes
// for a given source_id (used to assert spec §8 invariant 3).
func (g *Graph) NodeCount(sourceID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, node := range g.nodes {
		if node.sourceID == sourceID {
			n++
		}
	}
	return n
}

// EdgeCount is a test helper mirroring NodeCount for edges.
func (g *Graph) EdgeCount(sourceID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, e := range g.edges {
		if e.sourceID == sourceID {
			n++
		}
	}
	return n
}
