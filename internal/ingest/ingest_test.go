package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/sugipamo/graph-postgres-manager/internal/errs"
	"github.com/sugipamo/graph-postgres-manager/internal/memstore"
)

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

// TestASTIdempotency is spec §8 scenario S1: ingesting the same graph
// twice under the same source_id leaves one node per id and one edge.
func TestASTIdempotency(t *testing.T) {
	g := memstore.NewGraph()
	_ = g.Connect(context.Background())
	ing := New(g, nil)

	graph := Graph{
		Nodes: []Node{
			{ID: "n1", NodeType: "Module"},
			{ID: "n2", NodeType: "FunctionDef", Value: strPtr("f"), LineNumber: intPtr(1)},
		},
		Edges: []Edge{{Source: "n1", Target: "n2", Type: EdgeChild}},
	}

	first, err := ing.StoreASTGraph(context.Background(), graph, "f.py", nil)
	if err != nil {
		t.Fatalf("first StoreASTGraph() error = %v", err)
	}
	second, err := ing.StoreASTGraph(context.Background(), graph, "f.py", nil)
	if err != nil {
		t.Fatalf("second StoreASTGraph() error = %v", err)
	}

	if got := g.NodeCount("f.py"); got != 2 {
		t.Errorf("node count = %d, want 2", got)
	}
	if got := g.EdgeCount("f.py"); got != 1 {
		t.Errorf("edge count = %d, want 1", got)
	}
	if second.CreatedNodes > first.CreatedNodes {
		t.Errorf("second.CreatedNodes = %d, want <= first.CreatedNodes = %d", second.CreatedNodes, first.CreatedNodes)
	}
}

// TestValidationRefusesDanglingEdge is spec §8 scenario S2.
func TestValidationRefusesDanglingEdge(t *testing.T) {
	g := memstore.NewGraph()
	_ = g.Connect(context.Background())
	ing := New(g, nil)

	graph := Graph{
		Nodes: []Node{{ID: "n1", NodeType: "Module"}},
		Edges: []Edge{{Source: "n1", Target: "ghost", Type: EdgeChild}},
	}

	_, err := ing.StoreASTGraph(context.Background(), graph, "f.py", nil)
	var verr *errs.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if got := g.NodeCount("f.py"); got != 0 {
		t.Errorf("store should be unchanged, node count = %d, want 0", got)
	}
}

func TestValidateRejectsMissingNodeType(t *testing.T) {
	g := Graph{Nodes: []Node{{ID: "n1"}}}
	if err := validate(g); err == nil {
		t.Fatal("expected error for node missing node_type")
	}
}

func TestValidateRejectsInvalidEdgeType(t *testing.T) {
	g := Graph{
		Nodes: []Node{{ID: "n1", NodeType: "Module"}, {ID: "n2", NodeType: "Module"}},
		Edges: []Edge{{Source: "n1", Target: "n2", Type: "BOGUS"}},
	}
	if err := validate(g); err == nil {
		t.Fatal("expected error for invalid edge type")
	}
}

func TestValidateToleratesDuplicateNodeIDsWithinPayload(t *testing.T) {
	g := Graph{Nodes: []Node{
		{ID: "n1", NodeType: "Module"},
		{ID: "n1", NodeType: "Module"},
	}}
	if err := validate(g); err != nil {
		t.Fatalf("duplicate ids within one payload should be tolerated, got %v", err)
	}
}
