// Package ingest implements AST graph ingestion (spec §4.5): validation,
// batched idempotent upsert of nodes and edges into the graph store.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/sugipamo/graph-postgres-manager/internal/backend"
	"github.com/sugipamo/graph-postgres-manager/internal/errs"
	"github.com/sugipamo/graph-postgres-manager/internal/queryproto"
)

// DefaultBatchSize matches spec §4.5's "partition into batches of 1000".
const DefaultBatchSize = 1000

// EdgeType is the closed set of edge types spec §3.4 allows.
type EdgeType string

const (
	EdgeChild     EdgeType = "CHILD"
	EdgeNext      EdgeType = "NEXT"
	EdgeDependsOn EdgeType = "DEPENDS_ON"
)

func validEdgeType(t EdgeType) bool {
	switch t {
	case EdgeChild, EdgeNext, EdgeDependsOn:
		return true
	}
	return false
}

// Node is one AST node in an ingestion payload (spec §3.4).
type Node struct {
	ID         string
	NodeType   string
	Value      *string
	LineNumber *int
	SourceID   *string
	// Properties carries any additional caller-supplied fields, passed
	// through verbatim into the stored node (spec §3.4/§3.5).
	Properties map[string]any
}

// Edge is one AST edge in an ingestion payload (spec §3.4).
type Edge struct {
	Source string
	Target string
	Type   EdgeType
}

// Graph is the ingestion payload (spec §3.4).
type Graph struct {
	Nodes []Node
	Edges []Edge
}

// Result reports what an ingestion call did (spec §4.5).
type Result struct {
	CreatedNodes   int64
	CreatedEdges   int64
	ElapsedMS      int64
	NodesPerSecond float64
}

// Ingestor stores AST graphs into the graph backend.
type Ingestor struct {
	graph     backend.Adapter
	log       *slog.Logger
	batchSize int
}

var meter = otel.Meter("github.com/sugipamo/graph-postgres-manager/ingest")

var instruments struct {
	nodesCreated metric.Int64Counter
	edgesCreated metric.Int64Counter
}

func init() {
	instruments.nodesCreated, _ = meter.Int64Counter("gpm.ingest.nodes_created")
	instruments.edgesCreated, _ = meter.Int64Counter("gpm.ingest.edges_created")
}

// New constructs an Ingestor over the given graph adapter.
func New(graph backend.Adapter, log *slog.Logger) *Ingestor {
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{graph: graph, log: log, batchSize: DefaultBatchSize}
}

// StoreASTGraph validates, then upserts nodes and edges, batching both
// at DefaultBatchSize (spec §4.5). metadata, if given, is merged into
// every node's properties.
func (ing *Ingestor) StoreASTGraph(ctx context.Context, g Graph, sourceID string, metadata map[string]any) (Result, error) {
	start := time.Now()

	if err := validate(g); err != nil {
		return Result{}, err
	}

	var createdNodes int64
	for i := 0; i < len(g.Nodes); i += ing.batchSize {
		end := i + ing.batchSize
		if end > len(g.Nodes) {
			end = len(g.Nodes)
		}
		n, err := ing.mergeNodeBatch(ctx, g.Nodes[i:end], sourceID, metadata)
		if err != nil {
			return Result{}, &errs.DataOperationError{Operation: "merge_nodes", Cause: err}
		}
		createdNodes += n
	}

	var createdEdges int64
	for edgeType, edges := range groupByType(g.Edges) {
		for i := 0; i < len(edges); i += ing.batchSize {
			end := i + ing.batchSize
			if end > len(edges) {
				end = len(edges)
			}
			n, err := ing.mergeEdgeBatch(ctx, edgeType, edges[i:end], sourceID)
			if err != nil {
				return Result{}, &errs.DataOperationError{Operation: "merge_edges", Cause: err}
			}
			createdEdges += n
		}
	}

	instruments.nodesCreated.Add(ctx, createdNodes)
	instruments.edgesCreated.Add(ctx, createdEdges)

	elapsed := time.Since(start)
	elapsedMS := elapsed.Milliseconds()
	var perSec float64
	if elapsed > 0 {
		perSec = float64(len(g.Nodes)) / elapsed.Seconds()
	}
	return Result{
		CreatedNodes:   createdNodes,
		CreatedEdges:   createdEdges,
		ElapsedMS:      elapsedMS,
		NodesPerSecond: perSec,
	}, nil
}

// validate enforces spec §4.5's invariants before any store mutation.
func validate(g Graph) error {
	ids := make(map[string]bool, len(g.Nodes))
	var issues []string

	for i, n := range g.Nodes {
		if n.ID == "" {
			issues = append(issues, fmt.Sprintf("node[%d]: missing id", i))
			continue
		}
		if n.NodeType == "" {
			issues = append(issues, fmt.Sprintf("node %q: missing node_type", n.ID))
		}
		if ids[n.ID] {
			// Re-presenting the same id within one payload is allowed
			// (idempotent upsert, spec §8 invariant 3); just track it once.
			continue
		}
		ids[n.ID] = true
	}

	for i, e := range g.Edges {
		if !validEdgeType(e.Type) {
			issues = append(issues, fmt.Sprintf("edge[%d]: invalid type %q", i, e.Type))
		}
		if !ids[e.Source] {
			issues = append(issues, fmt.Sprintf("edge[%d]: source %q not present in payload", i, e.Source))
		}
		if !ids[e.Target] {
			issues = append(issues, fmt.Sprintf("edge[%d]: target %q not present in payload", i, e.Target))
		}
	}

	if len(issues) > 0 {
		return &errs.ValidationError{Reason: strings.Join(issues, "; ")}
	}
	return nil
}

func groupByType(edges []Edge) map[EdgeType][]Edge {
	out := make(map[EdgeType][]Edge)
	for _, e := range edges {
		out[e.Type] = append(out[e.Type], e)
	}
	return out
}

// mergeNodeBatch issues one MERGE query for a batch of nodes, keyed on
// (id, source_id) (spec §3.5, §4.5). Re-ingesting the same logical node
// is idempotent; properties are overwritten by the latest call.
func (ing *Ingestor) mergeNodeBatch(ctx context.Context, nodes []Node, sourceID string, metadata map[string]any) (int64, error) {
	rows := make([]map[string]any, len(nodes))
	for i, n := range nodes {
		props := map[string]any{}
		for k, v := range n.Properties {
			props[k] = v
		}
		for k, v := range metadata {
			props[k] = v
		}
		props["node_type"] = n.NodeType
		if n.Value != nil {
			props["value"] = *n.Value
		}
		if n.LineNumber != nil {
			props["line_number"] = *n.LineNumber
		}
		rows[i] = map[string]any{"id": n.ID, "source_id": sourceID, "props": props}
	}

	query := queryproto.OpMergeNodes + `
UNWIND $rows AS row
MERGE (n:ASTNode {id: row.id, source_id: row.source_id})
SET n += row.props
RETURN count(n) AS created`

	return ing.graph.BatchInsert(ctx, query, rows, ing.batchSize)
}

// mergeEdgeBatch issues one MERGE query per distinct edge type per
// batch: the deterministic fallback spec §4.5 mandates (a dynamic
// apoc-style relationship type is not required).
func (ing *Ingestor) mergeEdgeBatch(ctx context.Context, edgeType EdgeType, edges []Edge, sourceID string) (int64, error) {
	rows := make([]map[string]any, len(edges))
	for i, e := range edges {
		rows[i] = map[string]any{"source": e.Source, "target": e.Target, "source_id": sourceID}
	}

	query := queryproto.OpMergeEdges + fmt.Sprintf(`
UNWIND $rows AS row
MATCH (a:ASTNode {id: row.source, source_id: row.source_id})
MATCH (b:ASTNode {id: row.target, source_id: row.source_id})
MERGE (a)-[r:%s]->(b)
RETURN count(r) AS created`, string(edgeType))

	return ing.graph.BatchInsert(ctx, query, rows, ing.batchSize)
}
