package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/sugipamo/graph-postgres-manager/internal/errs"
	"github.com/sugipamo/graph-postgres-manager/internal/memstore"
)

func newStore(t *testing.T) (*Store, *memstore.Relational) {
	t.Helper()
	r := memstore.NewRelational()
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	s := New(r, nil)
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	return s, r
}

func vectorOf(v float64) []float64 {
	out := make([]float64, VectorDim)
	for i := range out {
		out[i] = v
	}
	return out
}

// TestLinkThenGetReturnsLinkedRows is spec §8 invariant 4.
func TestLinkThenGetReturnsLinkedRows(t *testing.T) {
	s, _ := newStore(t)
	req := LinkRequest{IntentID: "intent-1", ASTNodeIDs: []string{"n1", "n2"}, SourceID: "f.py", Confidence: 0.8}
	if _, err := s.Link(context.Background(), req); err != nil {
		t.Fatalf("Link() error = %v", err)
	}

	rows, err := s.GetASTNodesByIntent(context.Background(), "intent-1", 0)
	if err != nil {
		t.Fatalf("GetASTNodesByIntent() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	for _, row := range rows {
		if row.Confidence != 0.8 {
			t.Errorf("confidence = %v, want 0.8", row.Confidence)
		}
	}

	// Re-linking the same pair is idempotent: row count unchanged.
	req.Confidence = 0.95
	if _, err := s.Link(context.Background(), req); err != nil {
		t.Fatalf("second Link() error = %v", err)
	}
	rows, err = s.GetASTNodesByIntent(context.Background(), "intent-1", 0)
	if err != nil {
		t.Fatalf("GetASTNodesByIntent() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) after re-link = %d, want 2", len(rows))
	}
	for _, row := range rows {
		if row.Confidence != 0.95 {
			t.Errorf("confidence after re-link = %v, want 0.95 (mutable field should update)", row.Confidence)
		}
	}
}

// TestRemoveRoundTrip: link(intent, nodes); remove(intent); get == [].
func TestRemoveRoundTrip(t *testing.T) {
	s, _ := newStore(t)
	req := LinkRequest{IntentID: "intent-2", ASTNodeIDs: []string{"n1"}, SourceID: "f.py", Confidence: 1.0}
	if _, err := s.Link(context.Background(), req); err != nil {
		t.Fatalf("Link() error = %v", err)
	}
	if err := s.Remove(context.Background(), "intent-2", ""); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	rows, err := s.GetASTNodesByIntent(context.Background(), "intent-2", 0)
	if err != nil {
		t.Fatalf("GetASTNodesByIntent() error = %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("len(rows) = %d, want 0 after remove", len(rows))
	}
}

func TestLinkValidatesConfidenceBounds(t *testing.T) {
	s, _ := newStore(t)
	for _, c := range []float64{-0.01, 1.01} {
		req := LinkRequest{IntentID: "i", ASTNodeIDs: []string{"n1"}, SourceID: "f.py", Confidence: c}
		_, err := s.Link(context.Background(), req)
		var verr *errs.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("confidence %v: expected ValidationError, got %v", c, err)
		}
	}
}

func TestLinkValidatesVectorLength(t *testing.T) {
	s, _ := newStore(t)
	req := LinkRequest{
		IntentID: "i", ASTNodeIDs: []string{"n1"}, SourceID: "f.py", Confidence: 1.0,
		Vector: make([]float64, 767),
	}
	_, err := s.Link(context.Background(), req)
	var verr *errs.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for 767-length vector, got %v", err)
	}
}

// TestVectorSearchThreshold is spec §8 scenario S6.
func TestVectorSearchThreshold(t *testing.T) {
	s, _ := newStore(t)
	req := LinkRequest{
		IntentID: "intent-v", ASTNodeIDs: []string{"n1"}, SourceID: "f.py", Confidence: 1.0,
		Vector: vectorOf(0.1),
	}
	if _, err := s.Link(context.Background(), req); err != nil {
		t.Fatalf("Link() error = %v", err)
	}

	near := vectorOf(0.11)
	matches, err := s.SearchByVector(context.Background(), near, 10, 0.9)
	if err != nil {
		t.Fatalf("SearchByVector(near) error = %v", err)
	}
	found := false
	for _, m := range matches {
		if m.IntentID == "intent-v" && m.Similarity > 0.9 {
			found = true
		}
	}
	if !found {
		t.Error("expected intent-v present with similarity > 0.9 for a near vector")
	}

	far := vectorOf(-0.1)
	matches, err = s.SearchByVector(context.Background(), far, 10, 0.5)
	if err != nil {
		t.Fatalf("SearchByVector(far) error = %v", err)
	}
	for _, m := range matches {
		if m.IntentID == "intent-v" {
			t.Errorf("expected intent-v absent for an opposite-direction vector at threshold 0.5, similarity = %v", m.Similarity)
		}
	}
}

func TestSearchByVectorUnavailableWhenExtensionAbsent(t *testing.T) {
	r := memstore.NewRelational()
	r.VectorExtensionAbsent = true
	_ = r.Connect(context.Background())
	s := New(r, nil)
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}

	matches, err := s.SearchByVector(context.Background(), vectorOf(0.1), 10, 0.5)
	if err != nil {
		t.Fatalf("SearchByVector() error = %v", err)
	}
	if matches != nil {
		t.Errorf("expected nil matches when pgvector is absent, got %v", matches)
	}
}
