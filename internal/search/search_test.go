package search

import (
	"context"
	"testing"

	"github.com/sugipamo/graph-postgres-manager/internal/ingest"
	"github.com/sugipamo/graph-postgres-manager/internal/memstore"
)

func seeded(t *testing.T) (*memstore.Graph, *memstore.Relational) {
	t.Helper()
	g := memstore.NewGraph()
	r := memstore.NewRelational()
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("graph Connect() error = %v", err)
	}
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("relational Connect() error = %v", err)
	}

	value := "calculate_sum"
	_, err := ingest.New(g, nil).StoreASTGraph(context.Background(), ingest.Graph{
		Nodes: []ingest.Node{{ID: "n1", NodeType: "FunctionDef", Value: &value}},
	}, "f.py", nil)
	if err != nil {
		t.Fatalf("StoreASTGraph() error = %v", err)
	}

	r.SeedText("n1", "f.py", "calculate_sum")
	return g, r
}

// TestUnifiedSearchMerge is spec §8 scenario S5.
func TestUnifiedSearchMerge(t *testing.T) {
	g, r := seeded(t)
	sr := New(g, r, nil, nil)

	results, err := sr.Search(context.Background(), Query{
		Text:        "calculate_sum",
		SearchTypes: []Type{TypeGraph, TypeText},
		Filters:     Filters{MaxResults: 10},
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}

	first := results[0]
	if first.Content != "calculate_sum" {
		t.Errorf("first.Content = %q, want %q", first.Content, "calculate_sum")
	}
	if first.Score < 0.8 {
		t.Errorf("first.Score = %v, want >= 0.8", first.Score)
	}
	if first.Origin != TypeGraph && first.Origin != TypeUnified {
		t.Errorf("first.Origin = %v, want graph or unified", first.Origin)
	}

	seen := make(map[string]bool)
	for _, r := range results {
		if seen[r.ID] {
			t.Errorf("duplicate result id %q", r.ID)
		}
		seen[r.ID] = true
	}
}

// TestSearchScoresSortedAndBounded is spec §8 invariant 7.
func TestSearchScoresSortedAndBounded(t *testing.T) {
	g, r := seeded(t)
	sr := New(g, r, nil, nil)

	results, err := sr.Search(context.Background(), Query{
		Text:        "calc",
		SearchTypes: []Type{TypeGraph, TypeText},
		Filters:     Filters{MaxResults: 1},
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) > 1 {
		t.Fatalf("len(results) = %d, want <= 1 (max_results)", len(results))
	}
	for i, r := range results {
		if r.Score < 0 || r.Score > 1 {
			t.Errorf("result[%d].Score = %v, want in [0, 1]", i, r.Score)
		}
		if i > 0 && results[i-1].Score < r.Score {
			t.Errorf("results not sorted descending at index %d", i)
		}
	}
}

func TestSearchRejectsZeroMaxResults(t *testing.T) {
	g, r := seeded(t)
	sr := New(g, r, nil, nil)
	_, err := sr.Search(context.Background(), Query{Text: "x", SearchTypes: []Type{TypeGraph}, Filters: Filters{MaxResults: 0}})
	if err == nil {
		t.Fatal("expected ValidationError for max_results = 0")
	}
}

func TestNormalizeWeightsRenormalizes(t *testing.T) {
	w := normalizeWeights(map[Type]float64{TypeGraph: 2, TypeText: 2})
	sum := w[TypeGraph] + w[TypeText]
	if sum < 0.999 || sum > 1.001 {
		t.Errorf("sum of normalized weights = %v, want ~1.0", sum)
	}
}
