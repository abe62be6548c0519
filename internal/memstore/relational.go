package memstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sugipamo/graph-postgres-manager/internal/backend"
	"github.com/sugipamo/graph-postgres-manager/internal/errs"
	"github.com/sugipamo/graph-postgres-manager/internal/queryproto"
)

// intentRow is one mapping row (spec §3.6).
type intentRow struct {
	intentID   string
	astNodeID  string
	sourceID   string
	confidence float64
	metadata   map[string]any
	createdAt  time.Time
	updatedAt  time.Time
}

// vectorRow is one intent vector (spec §3.7).
type vectorRow struct {
	intentID string
	vector   []float64
}

// textRow is one full-text search document (seeded by tests, not by any
// producer package — the double stands in for the relational store's
// search table).
type textRow struct {
	id       string
	sourceID string
	content  string
}

// txLogRow is one row of the optional transaction_logs table (spec §6),
// mirroring the columns txnLogPersister writes (transaction_id, backend,
// operation, detail, created_at).
type txLogRow struct {
	transactionID string
	backend       string
	operation     string
	detail        string
	createdAt     time.Time
}

// relTxHandle stages writes issued inside a transaction; applied on
// commit, discarded on rollback — mirrors graphTxHandle.
type relTxHandle struct {
	mu              sync.Mutex
	id              string
	stagedIntents   []intentRow
	stagedVectors   []vectorRow
	stagedRemovals  []func(*Relational)
	stagedTxLogs    []txLogRow
}

// Relational is the in-memory relational backend double: a mapping
// table, a vector table, a text search table, and a transaction log,
// sufficient to exercise internal/intent and the text branch of
// internal/search without a live Postgres.
type Relational struct {
	mu    sync.Mutex
	state backend.State

	intents map[string]*intentRow // key: intent_id + "\x00" + ast_node_id
	vectors map[string]*vectorRow // key: intent_id
	texts   []textRow
	txLogs  []txLogRow

	FailConnect bool

	// VectorExtensionAbsent simulates a Postgres without pgvector
	// installed, exercising internal/intent's no-op fallback path.
	VectorExtensionAbsent bool

	// FailCommitPrepared simulates a commit_prepared failure after a
	// successful prepare, for exercising the engine's partial_commit
	// labelling (spec §8 scenario S4).
	FailCommitPrepared bool
}

func NewRelational() *Relational {
	return &Relational{
		state:   backend.StateDisconnected,
		intents: make(map[string]*intentRow),
		vectors: make(map[string]*vectorRow),
	}
}

func (r *Relational) Name() string { return "relational" }

func (r *Relational) State() backend.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Relational) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailConnect {
		r.FailConnect = false
		r.state = backend.StateFailed
		return &errs.PostgresConnectionError{Cause: fmt.Errorf("simulated connect failure")}
	}
	r.state = backend.StateConnected
	return nil
}

func (r *Relational) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = backend.StateClosed
	return nil
}

func (r *Relational) HealthCheck(ctx context.Context) (bool, time.Duration, error) {
	if r.State() == backend.StateConnected {
		return true, time.Microsecond, nil
	}
	return false, 0, &errs.HealthCheckError{Backend: "relational", Cause: fmt.Errorf("not connected")}
}

func key(intentID, astNodeID string) string { return intentID + "\x00" + astNodeID }

func (r *Relational) ExecuteQuery(ctx context.Context, query string, params map[string]any, tx backend.Handle) (backend.Rows, error) {
	th, inTx := tx.(*relTxHandle)

	switch {
	case strings.HasPrefix(query, queryproto.OpIntentLink):
		return r.execLink(params, th, inTx)
	case strings.HasPrefix(query, queryproto.OpIntentGetByIntent):
		return r.getByIntent(params), nil
	case strings.HasPrefix(query, queryproto.OpIntentGetByASTNode):
		return r.getByASTNode(params), nil
	case strings.HasPrefix(query, queryproto.OpIntentUpdateConfidence):
		return r.updateConfidence(params)
	case strings.HasPrefix(query, queryproto.OpIntentRemove):
		return r.remove(params, th, inTx)
	case strings.HasPrefix(query, queryproto.OpIntentRemoveAll):
		return r.removeAll(params, th, inTx)
	case strings.HasPrefix(query, queryproto.OpIntentVectorUpsert):
		return r.vectorUpsert(params, th, inTx)
	case strings.HasPrefix(query, queryproto.OpIntentVectorSearch):
		return r.vectorSearch(params), nil
	case strings.HasPrefix(query, queryproto.OpTextSearch):
		return r.textSearch(params), nil
	case strings.HasPrefix(query, queryproto.OpTransactionLogInsert):
		return nil, r.insertTxLog(params, th, inTx)
	case strings.HasPrefix(query, queryproto.OpSchemaEnsure):
		return nil, nil
	case strings.HasPrefix(query, queryproto.OpVectorProbe):
		if r.VectorExtensionAbsent {
			return backend.Rows{}, nil
		}
		return backend.Rows{{"extname": "vector"}}, nil
	default:
		return nil, &errs.DataOperationError{Operation: "execute_query", Cause: fmt.Errorf("memstore relational double: unrecognized query")}
	}
}

// execLink stages (in a transaction) or immediately applies one upsert
// per ast node id, per spec §4.6's link operation.
func (r *Relational) execLink(params map[string]any, th *relTxHandle, inTx bool) (backend.Rows, error) {
	intentID, _ := params["intent_id"].(string)
	sourceID, _ := params["source_id"].(string)
	confidence, _ := params["confidence"].(float64)
	astNodeIDs, _ := params["ast_node_ids"].([]string)
	metadata, _ := params["metadata"].(map[string]any)

	now := time.Now()
	rows := make([]intentRow, 0, len(astNodeIDs))
	for _, nodeID := range astNodeIDs {
		rows = append(rows, intentRow{
			intentID: intentID, astNodeID: nodeID, sourceID: sourceID,
			confidence: confidence, metadata: metadata, createdAt: now, updatedAt: now,
		})
	}

	if inTx && th != nil {
		th.mu.Lock()
		th.stagedIntents = append(th.stagedIntents, rows...)
		th.mu.Unlock()
		return backend.Rows{{"mapped": int64(len(rows))}}, nil
	}

	r.applyIntentRows(rows)
	return backend.Rows{{"mapped": int64(len(rows))}}, nil
}

func (r *Relational) applyIntentRows(rows []intentRow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		k := key(row.intentID, row.astNodeID)
		if existing, ok := r.intents[k]; ok {
			existing.sourceID = row.sourceID
			existing.confidence = row.confidence
			existing.metadata = row.metadata
			existing.updatedAt = row.updatedAt
			continue
		}
		copied := row
		r.intents[k] = &copied
	}
}

func (r *Relational) getByIntent(params map[string]any) backend.Rows {
	intentID, _ := params["intent_id"].(string)
	minConfidence, _ := params["min_confidence"].(float64)

	r.mu.Lock()
	var matched []*intentRow
	for _, row := range r.intents {
		if row.intentID == intentID && row.confidence >= minConfidence {
			matched = append(matched, row)
		}
	}
	r.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].confidence != matched[j].confidence {
			return matched[i].confidence > matched[j].confidence
		}
		return matched[i].createdAt.After(matched[j].createdAt)
	})
	return rowsToBackend(matched)
}

func (r *Relational) getByASTNode(params map[string]any) backend.Rows {
	astNodeID, _ := params["ast_node_id"].(string)
	minConfidence, _ := params["min_confidence"].(float64)

	r.mu.Lock()
	var matched []*intentRow
	for _, row := range r.intents {
		if row.astNodeID == astNodeID && row.confidence >= minConfidence {
			matched = append(matched, row)
		}
	}
	r.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].confidence != matched[j].confidence {
			return matched[i].confidence > matched[j].confidence
		}
		return matched[i].createdAt.After(matched[j].createdAt)
	})
	return rowsToBackend(matched)
}

func rowsToBackend(rows []*intentRow) backend.Rows {
	out := make(backend.Rows, 0, len(rows))
	for _, row := range rows {
		out = append(out, backend.Row{
			"intent_id":   row.intentID,
			"ast_node_id": row.astNodeID,
			"source_id":   row.sourceID,
			"confidence":  row.confidence,
			"metadata":    row.metadata,
			"created_at":  row.createdAt,
			"updated_at":  row.updatedAt,
		})
	}
	return out
}

func (r *Relational) updateConfidence(params map[string]any) (backend.Rows, error) {
	intentID, _ := params["intent_id"].(string)
	astNodeID, _ := params["ast_node_id"].(string)
	newConfidence, _ := params["new_confidence"].(float64)

	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.intents[key(intentID, astNodeID)]
	if !ok {
		return backend.Rows{{"updated": false}}, nil
	}
	row.confidence = newConfidence
	row.updatedAt = time.Now()
	return backend.Rows{{"updated": true}}, nil
}

// remove deletes a single (intent_id, ast_node_id) mapping.
func (r *Relational) remove(params map[string]any, th *relTxHandle, inTx bool) (backend.Rows, error) {
	intentID, _ := params["intent_id"].(string)
	astNodeID, _ := params["ast_node_id"].(string)

	del := func(rel *Relational) {
		rel.mu.Lock()
		delete(rel.intents, key(intentID, astNodeID))
		rel.mu.Unlock()
	}

	if inTx && th != nil {
		th.mu.Lock()
		th.stagedRemovals = append(th.stagedRemovals, del)
		th.mu.Unlock()
		return backend.Rows{{"removed": true}}, nil
	}
	del(r)
	return backend.Rows{{"removed": true}}, nil
}

// removeAll deletes every mapping for an intent and its vector row
// (spec §4.6: "when removing all, also drops the vector row").
func (r *Relational) removeAll(params map[string]any, th *relTxHandle, inTx bool) (backend.Rows, error) {
	intentID, _ := params["intent_id"].(string)

	del := func(rel *Relational) {
		rel.mu.Lock()
		for k, row := range rel.intents {
			if row.intentID == intentID {
				delete(rel.intents, k)
			}
		}
		delete(rel.vectors, intentID)
		rel.mu.Unlock()
	}

	if inTx && th != nil {
		th.mu.Lock()
		th.stagedRemovals = append(th.stagedRemovals, del)
		th.mu.Unlock()
		return backend.Rows{{"removed": true}}, nil
	}
	del(r)
	return backend.Rows{{"removed": true}}, nil
}

func (r *Relational) vectorUpsert(params map[string]any, th *relTxHandle, inTx bool) (backend.Rows, error) {
	intentID, _ := params["intent_id"].(string)
	vector, _ := params["vector"].([]float64)

	row := vectorRow{intentID: intentID, vector: vector}
	if inTx && th != nil {
		th.mu.Lock()
		th.stagedVectors = append(th.stagedVectors, row)
		th.mu.Unlock()
		return backend.Rows{{"vector_stored": true}}, nil
	}

	r.mu.Lock()
	r.vectors[intentID] = &row
	r.mu.Unlock()
	return backend.Rows{{"vector_stored": true}}, nil
}

// vectorSearch computes cosine similarity against every stored vector
// (spec §4.6/§8 S6), keeps those at or above threshold, sorts them by
// similarity descending and caps them at limit (when limit > 0). The
// no-pgvector no-op path is internal/intent's job; this function always
// behaves as if the extension is present.
func (r *Relational) vectorSearch(params map[string]any) backend.Rows {
	query, _ := params["vector"].([]float64)
	threshold, _ := params["threshold"].(float64)
	limit, _ := params["limit"].(int)

	r.mu.Lock()
	type scored struct {
		intentID   string
		similarity float64
	}
	var candidates []scored
	for _, v := range r.vectors {
		sim := cosineSimilarity(query, v.vector)
		if sim >= threshold {
			candidates = append(candidates, scored{intentID: v.intentID, similarity: sim})
		}
	}
	r.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].similarity > candidates[j].similarity })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make(backend.Rows, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, backend.Row{"intent_id": c.intentID, "similarity": c.similarity})
	}
	return out
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// SeedText loads a text row directly, bypassing ExecuteQuery — a test helper
// for pre-populating the full-text search table (spec §8 S5).
func (r *Relational) SeedText(id, sourceID, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, textRow{id: id, sourceID: sourceID, content: content})
}

// textSearch implements the text branch's rank behavior (spec §4.7): a
// plain substring match stands in for a real full-text index, with rank
// scored by term coverage. Highlight extraction is the caller's job
// (internal/search), shared across this double and the real adapter.
func (r *Relational) textSearch(params map[string]any) backend.Rows {
	text, _ := params["text"].(string)
	limit, _ := params["limit"].(int)
	terms := strings.Fields(strings.ToLower(text))

	r.mu.Lock()
	defer r.mu.Unlock()

	var out backend.Rows
	for _, row := range r.texts {
		content := strings.ToLower(row.content)
		matched := 0
		for _, t := range terms {
			if strings.Contains(content, t) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		rank := float64(matched) / float64(len(terms))
		if rank > 1 {
			rank = 1
		}
		out = append(out, backend.Row{
			"id":        row.id,
			"source_id": row.sourceID,
			"content":   row.content,
			"rank":      rank,
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (r *Relational) insertTxLog(params map[string]any, th *relTxHandle, inTx bool) error {
	row := txLogRow{
		transactionID: fmt.Sprint(params["transaction_id"]),
		backend:       fmt.Sprint(params["backend"]),
		operation:     fmt.Sprint(params["operation"]),
		detail:        fmt.Sprint(params["detail"]),
	}
	if ts, ok := params["created_at"].(time.Time); ok {
		row.createdAt = ts
	}

	if inTx && th != nil {
		th.mu.Lock()
		th.stagedTxLogs = append(th.stagedTxLogs, row)
		th.mu.Unlock()
		return nil
	}
	r.mu.Lock()
	r.txLogs = append(r.txLogs, row)
	r.mu.Unlock()
	return nil
}

// BatchInsert is unused by internal/intent (it issues per-call upserts,
// not batches), but is required by backend.Adapter; it walks rows in
// batchSize slices and issues one ExecuteQuery per row, with that row as
// the params, returning the number of rows executed.
func (r *Relational) BatchInsert(ctx context.Context, query string, rows []map[string]any, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	var total int64
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		for _, row := range rows[start:end] {
			if _, err := r.ExecuteQuery(ctx, query, row, nil); err != nil {
				return total, err
			}
			total++
		}
	}
	return total, nil
}

func (r *Relational) BeginTransaction(ctx context.Context) (backend.Handle, error) {
	return &relTxHandle{id: uuid.NewString()}, nil
}

// CommitTransaction applies everything staged under h: intent upserts,
// vector upserts, removals (in the order issued), then transaction log
// rows.
func (r *Relational) CommitTransaction(ctx context.Context, h backend.Handle) error {
	th, ok := h.(*relTxHandle)
	if !ok || th == nil {
		return &errs.TransactionError{Reason: "invalid handle"}
	}
	th.mu.Lock()
	defer th.mu.Unlock()

	r.applyIntentRows(th.stagedIntents)
	for _, v := range th.stagedVectors {
		r.mu.Lock()
		copied := v
		r.vectors[v.intentID] = &copied
		r.mu.Unlock()
	}
	for _, removeFn := range th.stagedRemovals {
		removeFn(r)
	}
	if len(th.stagedTxLogs) > 0 {
		r.mu.Lock()
		r.txLogs = append(r.txLogs, th.stagedTxLogs...)
		r.mu.Unlock()
	}
	return nil
}

// RollbackTransaction discards the handle's staged writes.
func (r *Relational) RollbackTransaction(ctx context.Context, h backend.Handle) error {
	if _, ok := h.(*relTxHandle); !ok {
		return &errs.TransactionRollbackError{RollbackCause: fmt.Errorf("invalid handle")}
	}
	return nil
}

func (r *Relational) PrepareTransaction(ctx context.Context, h backend.Handle) error { return nil }

func (r *Relational) CommitPrepared(ctx context.Context, h backend.Handle) error {
	if r.FailCommitPrepared {
		return &errs.TransactionError{Reason: "simulated commit_prepared failure"}
	}
	return r.CommitTransaction(ctx, h)
}

// MappingCount is a test helper (spec §8 invariant 4 / S1).
func (r *Relational) MappingCount(intentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, row := range r.intents {
		if row.intentID == intentID {
			n++
		}
	}
	return n
}
