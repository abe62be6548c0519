// Package intent implements the intent↔AST-node mapping store (spec
// §4.6): schema bootstrap, upsert-based linking, confidence updates, and
// optional vector similarity search over a pgvector-backed column.
package intent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sugipamo/graph-postgres-manager/internal/backend"
	"github.com/sugipamo/graph-postgres-manager/internal/errs"
	"github.com/sugipamo/graph-postgres-manager/internal/queryproto"
)

// VectorDim is the fixed dimensionality intent vectors must carry
// (spec §3.7).
const VectorDim = 768

// Mapping is one intent↔AST-node row (spec §3.6).
type Mapping struct {
	IntentID   string
	ASTNodeID  string
	SourceID   string
	Confidence float64
	Metadata   map[string]any
}

// LinkRequest is link's input (spec §4.6).
type LinkRequest struct {
	IntentID    string
	ASTNodeIDs  []string
	SourceID    string
	Confidence  float64 // defaults to 1.0 when zero-valued by the caller
	Metadata    map[string]any
	Vector      []float64
}

// LinkResult reports what link did (spec §4.6).
type LinkResult struct {
	MappedASTNodes int64
	MappingIDs     []string
	VectorStored   bool
}

// VectorMatch is one row from search_by_vector.
type VectorMatch struct {
	IntentID   string
	Similarity float64
}

// Store is the intent mapping and vector store.
type Store struct {
	rel             backend.Adapter
	log             *slog.Logger
	vectorAvailable bool
}

// New constructs a Store over the given relational adapter. EnsureSchema
// must be called once before use.
func New(rel backend.Adapter, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{rel: rel, log: log}
}

// EnsureSchema idempotently creates the mapping table and its indexes,
// then probes for the pgvector extension; if absent, vector operations
// become no-ops that log a warning (spec §4.6).
func (s *Store) EnsureSchema(ctx context.Context) error {
	// pgx's extended protocol rejects multi-statement queries, so each
	// DDL statement is its own ExecuteQuery call rather than one
	// semicolon-separated string.
	statements := []string{
		`CREATE TABLE IF NOT EXISTS intent_mappings (
	intent_id TEXT NOT NULL,
	ast_node_id TEXT NOT NULL,
	source_id TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (intent_id, ast_node_id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_intent_mappings_intent_id ON intent_mappings (intent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_intent_mappings_ast_node_id ON intent_mappings (ast_node_id)`,
		`CREATE INDEX IF NOT EXISTS idx_intent_mappings_source_id ON intent_mappings (source_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.rel.ExecuteQuery(ctx, queryproto.OpSchemaEnsure+stmt, nil, nil); err != nil {
			return &errs.SchemaError{Reason: "create intent_mappings", Cause: err}
		}
	}

	probe := queryproto.OpVectorProbe + `SELECT extname FROM pg_extension WHERE extname = 'vector'`
	rows, err := s.rel.ExecuteQuery(ctx, probe, nil, nil)
	if err != nil {
		return &errs.SchemaError{Reason: "probe pg_extension", Cause: err}
	}
	s.vectorAvailable = len(rows) > 0
	if !s.vectorAvailable {
		s.log.Warn("pgvector extension not present, vector operations are no-ops")
		return nil
	}

	vectorDDL := queryproto.OpSchemaEnsure + `
CREATE TABLE IF NOT EXISTS intent_vectors (
	intent_id TEXT PRIMARY KEY,
	vector VECTOR(768) NOT NULL
);`
	if _, err := s.rel.ExecuteQuery(ctx, vectorDDL, nil, nil); err != nil {
		return &errs.SchemaError{Reason: "create intent_vectors", Cause: err}
	}
	return nil
}

// Link upserts one mapping row per ast node id (spec §4.6). Runs in a
// transaction and rolls back on any row failure.
func (s *Store) Link(ctx context.Context, req LinkRequest) (LinkResult, error) {
	if req.Confidence == 0 {
		req.Confidence = 1.0
	}
	if err := validateLink(req); err != nil {
		return LinkResult{}, err
	}

	tx, err := s.rel.BeginTransaction(ctx)
	if err != nil {
		return LinkResult{}, &errs.TransactionError{Reason: "begin link transaction", Cause: err}
	}

	query := queryproto.OpIntentLink + `
INSERT INTO intent_mappings (intent_id, ast_node_id, source_id, confidence, metadata, created_at, updated_at)
SELECT :intent_id, unnest(:ast_node_ids::text[]), :source_id, :confidence, :metadata, now(), now()
ON CONFLICT (intent_id, ast_node_id) DO UPDATE SET
	source_id = excluded.source_id, confidence = excluded.confidence,
	metadata = excluded.metadata, updated_at = now()`

	rows, err := s.rel.ExecuteQuery(ctx, query, map[string]any{
		"intent_id":    req.IntentID,
		"ast_node_ids": req.ASTNodeIDs,
		"source_id":    req.SourceID,
		"confidence":   req.Confidence,
		"metadata":     req.Metadata,
	}, tx)
	if err != nil {
		_ = s.rel.RollbackTransaction(ctx, tx)
		return LinkResult{}, &errs.DataOperationError{Operation: "link", Cause: err}
	}

	var mapped int64
	if len(rows) > 0 {
		if v, ok := rows[0]["mapped"].(int64); ok {
			mapped = v
		}
	}

	vectorStored := false
	if len(req.Vector) > 0 {
		if !s.vectorAvailable {
			s.log.Warn("vector supplied but pgvector unavailable, ignoring", "intent_id", req.IntentID)
		} else {
			vq := queryproto.OpIntentVectorUpsert + `
INSERT INTO intent_vectors (intent_id, vector) VALUES (:intent_id, :vector)
ON CONFLICT (intent_id) DO UPDATE SET vector = excluded.vector`
			if _, err := s.rel.ExecuteQuery(ctx, vq, map[string]any{"intent_id": req.IntentID, "vector": req.Vector}, tx); err != nil {
				_ = s.rel.RollbackTransaction(ctx, tx)
				return LinkResult{}, &errs.DataOperationError{Operation: "link_vector", Cause: err}
			}
			vectorStored = true
		}
	}

	if err := s.rel.CommitTransaction(ctx, tx); err != nil {
		return LinkResult{}, &errs.TransactionError{Reason: "commit link transaction", Cause: err}
	}

	mappingIDs := make([]string, len(req.ASTNodeIDs))
	for i, nodeID := range req.ASTNodeIDs {
		mappingIDs[i] = req.IntentID + ":" + nodeID
	}
	return LinkResult{MappedASTNodes: mapped, MappingIDs: mappingIDs, VectorStored: vectorStored}, nil
}

func validateLink(req LinkRequest) error {
	if req.IntentID == "" {
		return &errs.ValidationError{Reason: "intent_id is required"}
	}
	if len(req.ASTNodeIDs) == 0 {
		return &errs.ValidationError{Reason: "ast_node_ids must be non-empty"}
	}
	if req.SourceID == "" {
		return &errs.ValidationError{Reason: "source_id is required"}
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		return &errs.ValidationError{Reason: "confidence must be in [0, 1]"}
	}
	if req.Vector != nil && len(req.Vector) != VectorDim {
		return &errs.ValidationError{Reason: fmt.Sprintf("vector must have length %d, got %d", VectorDim, len(req.Vector))}
	}
	return nil
}

// GetASTNodesByIntent returns mappings for an intent ordered by
// confidence desc, created_at desc (spec §4.6).
func (s *Store) GetASTNodesByIntent(ctx context.Context, intentID string, minConfidence float64) ([]Mapping, error) {
	query := queryproto.OpIntentGetByIntent + `
SELECT intent_id, ast_node_id, source_id, confidence, metadata, created_at FROM intent_mappings
WHERE intent_id = :intent_id AND confidence >= :min_confidence ORDER BY confidence DESC, created_at DESC`
	rows, err := s.rel.ExecuteQuery(ctx, query, map[string]any{"intent_id": intentID, "min_confidence": minConfidence}, nil)
	if err != nil {
		return nil, &errs.DataOperationError{Operation: "get_ast_nodes_by_intent", Cause: err}
	}
	return rowsToMappings(rows), nil
}

// GetIntentsForAST is GetASTNodesByIntent's symmetric counterpart
// (spec §4.6).
func (s *Store) GetIntentsForAST(ctx context.Context, astNodeID string, minConfidence float64) ([]Mapping, error) {
	query := queryproto.OpIntentGetByASTNode + `
SELECT intent_id, ast_node_id, source_id, confidence, metadata, created_at FROM intent_mappings
WHERE ast_node_id = :ast_node_id AND confidence >= :min_confidence ORDER BY confidence DESC, created_at DESC`
	rows, err := s.rel.ExecuteQuery(ctx, query, map[string]any{"ast_node_id": astNodeID, "min_confidence": minConfidence}, nil)
	if err != nil {
		return nil, &errs.DataOperationError{Operation: "get_intents_for_ast", Cause: err}
	}
	return rowsToMappings(rows), nil
}

func rowsToMappings(rows backend.Rows) []Mapping {
	out := make([]Mapping, 0, len(rows))
	for _, row := range rows {
		m := Mapping{
			IntentID:  fmt.Sprint(row["intent_id"]),
			ASTNodeID: fmt.Sprint(row["ast_node_id"]),
			SourceID:  fmt.Sprint(row["source_id"]),
		}
		if c, ok := row["confidence"].(float64); ok {
			m.Confidence = c
		}
		if md, ok := row["metadata"].(map[string]any); ok {
			m.Metadata = md
		}
		out = append(out, m)
	}
	return out
}

// UpdateConfidence validates bounds and updates one row, returning
// whether the row existed (spec §4.6).
func (s *Store) UpdateConfidence(ctx context.Context, intentID, astNodeID string, newConfidence float64) (bool, error) {
	if newConfidence < 0 || newConfidence > 1 {
		return false, &errs.ValidationError{Reason: "confidence must be in [0, 1]"}
	}
	query := queryproto.OpIntentUpdateConfidence + `
UPDATE intent_mappings SET confidence = :new_confidence, updated_at = now()
WHERE intent_id = :intent_id AND ast_node_id = :ast_node_id
RETURNING true AS updated`
	rows, err := s.rel.ExecuteQuery(ctx, query, map[string]any{
		"intent_id": intentID, "ast_node_id": astNodeID, "new_confidence": newConfidence,
	}, nil)
	if err != nil {
		return false, &errs.DataOperationError{Operation: "update_confidence", Cause: err}
	}
	if len(rows) > 0 {
		if updated, ok := rows[0]["updated"].(bool); ok {
			return updated, nil
		}
	}
	return false, nil
}

// Remove deletes the row for (intentID, astNodeID), or every row (and
// the vector row) for intentID when astNodeID is empty (spec §4.6).
func (s *Store) Remove(ctx context.Context, intentID, astNodeID string) error {
	if astNodeID == "" {
		// Two statements, not one semicolon-joined string: pgx's extended
		// protocol rejects multi-statement queries.
		mappingsQuery := queryproto.OpIntentRemoveAll + `DELETE FROM intent_mappings WHERE intent_id = :intent_id`
		if _, err := s.rel.ExecuteQuery(ctx, mappingsQuery, map[string]any{"intent_id": intentID}, nil); err != nil {
			return &errs.DataOperationError{Operation: "remove_all", Cause: err}
		}
		vectorsQuery := queryproto.OpIntentRemoveAll + `DELETE FROM intent_vectors WHERE intent_id = :intent_id`
		if _, err := s.rel.ExecuteQuery(ctx, vectorsQuery, map[string]any{"intent_id": intentID}, nil); err != nil {
			return &errs.DataOperationError{Operation: "remove_all", Cause: err}
		}
		return nil
	}
	query := queryproto.OpIntentRemove + `DELETE FROM intent_mappings WHERE intent_id = :intent_id AND ast_node_id = :ast_node_id`
	_, err := s.rel.ExecuteQuery(ctx, query, map[string]any{"intent_id": intentID, "ast_node_id": astNodeID}, nil)
	if err != nil {
		return &errs.DataOperationError{Operation: "remove", Cause: err}
	}
	return nil
}

// SearchByVector returns mappings whose stored vector has cosine
// similarity >= threshold against vector, capped at limit and ordered
// descending (spec §4.6). Returns nil, nil when the pgvector extension
// was not detected during EnsureSchema.
func (s *Store) SearchByVector(ctx context.Context, vector []float64, limit int, threshold float64) ([]VectorMatch, error) {
	if len(vector) != VectorDim {
		return nil, &errs.ValidationError{Reason: fmt.Sprintf("vector must have length %d, got %d", VectorDim, len(vector))}
	}
	if !s.vectorAvailable {
		return nil, nil
	}
	query := queryproto.OpIntentVectorSearch + `
SELECT intent_id, 1 - (vector <=> :vector) AS similarity FROM intent_vectors
WHERE 1 - (vector <=> :vector) >= :threshold ORDER BY similarity DESC LIMIT :limit`
	rows, err := s.rel.ExecuteQuery(ctx, query, map[string]any{"vector": vector, "threshold": threshold, "limit": limit}, nil)
	if err != nil {
		return nil, &errs.DataOperationError{Operation: "search_by_vector", Cause: err}
	}
	out := make([]VectorMatch, 0, len(rows))
	for _, row := range rows {
		match := VectorMatch{IntentID: fmt.Sprint(row["intent_id"])}
		if sim, ok := row["similarity"].(float64); ok {
			match.Similarity = sim
		}
		out = append(out, match)
	}
	return out, nil
}
