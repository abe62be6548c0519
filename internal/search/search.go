// Package search implements the unified graph+text+vector search
// fan-out (spec §4.7): parallel dispatch across backends, per-branch
// scoring, merge, and ranking.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/sugipamo/graph-postgres-manager/internal/backend"
	"github.com/sugipamo/graph-postgres-manager/internal/errs"
	"github.com/sugipamo/graph-postgres-manager/internal/intent"
	"github.com/sugipamo/graph-postgres-manager/internal/queryproto"
)

// Type is one of the searchable origins (spec §3.8/§4.7).
type Type string

const (
	TypeGraph   Type = "graph"
	TypeText    Type = "text"
	TypeVector  Type = "vector"
	TypeUnified Type = "unified"
)

// DefaultWeights are the branch weights applied when a query supplies
// none (spec §4.7).
var DefaultWeights = map[Type]float64{TypeGraph: 0.4, TypeVector: 0.4, TypeText: 0.2}

// Filters narrows a search (spec §4.7).
type Filters struct {
	NodeTypes       []string
	SourceIDs       []string
	FilePatterns    []string
	DateFrom        string
	DateTo          string
	MinConfidence   float64
	MaxResults      int
	MetadataFilters map[string]any
}

// Query is search's input (spec §4.7).
type Query struct {
	Text        string
	SearchTypes []Type
	Filters     Filters
	Vector      []float64
	Weights     map[Type]float64
}

// Result is one search hit (spec §3.8).
type Result struct {
	ID         string
	SourceID   string
	NodeType   string
	Content    string
	Score      float64
	Origin     Type
	Metadata   map[string]any
	Highlights []string
	FilePath   string
	LineNumber int
}

// Searcher fans a query out across the graph and relational backends.
type Searcher struct {
	graph  backend.Adapter
	rel    backend.Adapter
	intent *intent.Store
	log    *slog.Logger
}

// New constructs a Searcher. intentStore may be nil if vector search is
// never used.
func New(graph, rel backend.Adapter, intentStore *intent.Store, log *slog.Logger) *Searcher {
	if log == nil {
		log = slog.Default()
	}
	return &Searcher{graph: graph, rel: rel, intent: intentStore, log: log}
}

// Search dispatches the requested branches in parallel, merges
// candidates sharing an id, and returns results sorted by score
// descending, capped at filters.MaxResults (spec §4.7, §8 invariant 7).
func (sr *Searcher) Search(ctx context.Context, q Query) ([]Result, error) {
	if q.Filters.MaxResults < 1 {
		return nil, &errs.ValidationError{Reason: "max_results must be >= 1"}
	}

	weights := normalizeWeights(q.Weights)
	branches := resolveBranches(q.SearchTypes, len(q.Vector) > 0)

	var wg sync.WaitGroup
	resultsCh := make(chan []Result, len(branches))

	for _, branch := range branches {
		branch := branch
		wg.Add(1)
		go func() {
			defer wg.Done()
			rows, err := sr.runBranch(ctx, branch, q)
			if err != nil {
				sr.log.Warn("search branch failed", "branch", branch, "error", err)
				return
			}
			resultsCh <- rows
		}()
	}

	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	byID := make(map[string][]Result)
	var order []string
	for batch := range resultsCh {
		for _, r := range batch {
			if _, seen := byID[r.ID]; !seen {
				order = append(order, r.ID)
			}
			byID[r.ID] = append(byID[r.ID], r)
		}
	}

	merged := make([]Result, 0, len(order))
	for _, id := range order {
		merged = append(merged, mergeCandidates(byID[id], weights))
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > q.Filters.MaxResults {
		merged = merged[:q.Filters.MaxResults]
	}
	return merged, nil
}

// normalizeWeights renormalizes a supplied weight map to sum to 1;
// falls back to DefaultWeights when none is given (spec §4.7).
func normalizeWeights(w map[Type]float64) map[Type]float64 {
	if len(w) == 0 {
		w = DefaultWeights
	}
	var sum float64
	for _, v := range w {
		sum += v
	}
	if sum == 0 {
		return DefaultWeights
	}
	out := make(map[Type]float64, len(w))
	for k, v := range w {
		out[k] = v / sum
	}
	return out
}

// resolveBranches expands "unified" to graph+text(+vector, when the
// query supplies one) per spec §4.7; otherwise returns exactly the
// requested subset.
func resolveBranches(types []Type, hasVector bool) []Type {
	wantsUnified := false
	set := make(map[Type]bool, len(types))
	for _, t := range types {
		if t == TypeUnified {
			wantsUnified = true
			continue
		}
		set[t] = true
	}
	if wantsUnified {
		set[TypeGraph] = true
		set[TypeText] = true
		if hasVector {
			set[TypeVector] = true
		}
	}
	out := make([]Type, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out
}

func (sr *Searcher) runBranch(ctx context.Context, branch Type, q Query) ([]Result, error) {
	switch branch {
	case TypeGraph:
		return sr.graphBranch(ctx, q)
	case TypeText:
		return sr.textBranch(ctx, q)
	case TypeVector:
		if len(q.Vector) == 0 {
			return nil, nil
		}
		return sr.vectorBranch(ctx, q)
	default:
		return nil, fmt.Errorf("unknown search branch %q", branch)
	}
}

// graphBranch scores each candidate row per spec §4.7's exact-match /
// substring rules, boosted when a node_types filter matched. The Cypher
// itself does the id/value substring match and the node_types/source_ids
// conjunctive filtering (spec §4.7); Go only scores and shapes the
// returned rows.
func (sr *Searcher) graphBranch(ctx context.Context, q Query) ([]Result, error) {
	query := queryproto.OpGraphSearch + `
MATCH (n:ASTNode)
WHERE (size($node_types) = 0 OR n.node_type IN $node_types)
  AND (size($source_ids) = 0 OR n.source_id IN $source_ids)
  AND (toLower(n.id) CONTAINS $text OR toLower(coalesce(n.value, '')) CONTAINS $text)
RETURN n.id AS id, n.source_id AS source_id, n.node_type AS node_type, n.value AS value, n.line_number AS line_number
LIMIT $limit`
	rows, err := sr.graph.ExecuteQuery(ctx, query, map[string]any{
		"text":       strings.ToLower(q.Text),
		"node_types": q.Filters.NodeTypes,
		"source_ids": q.Filters.SourceIDs,
		"limit":      q.Filters.MaxResults,
	}, nil)
	if err != nil {
		return nil, err
	}

	lowerText := strings.ToLower(q.Text)
	out := make([]Result, 0, len(rows))
	for _, row := range rows {
		id := fmt.Sprint(row["id"])
		value, _ := row["value"].(string)
		score := graphScore(id, value, lowerText)
		if len(q.Filters.NodeTypes) > 0 {
			score = score * 1.2
			if score > 1.0 {
				score = 1.0
			}
		}
		lineNumber := 0
		if ln, ok := row["line_number"].(int); ok {
			lineNumber = ln
		}
		out = append(out, Result{
			ID:         id,
			SourceID:   fmt.Sprint(row["source_id"]),
			NodeType:   fmt.Sprint(row["node_type"]),
			Content:    value,
			Score:      score,
			Origin:     TypeGraph,
			LineNumber: lineNumber,
		})
	}
	return out, nil
}

func graphScore(id, value, lowerText string) float64 {
	idLower := strings.ToLower(id)
	valueLower := strings.ToLower(value)
	switch {
	case idLower == lowerText:
		return 1.0
	case valueLower == lowerText:
		return 0.9
	case strings.Contains(valueLower, lowerText):
		return 0.7
	case strings.Contains(idLower, lowerText):
		return 0.6
	default:
		return 0.4
	}
}

// EnsureSchema idempotently creates the relational full-text search
// table the text branch queries against (spec §4.7: "a full-text query
// against a relational full-text index over a search table").
func EnsureSchema(ctx context.Context, rel backend.Adapter) error {
	table := queryproto.OpSchemaEnsure + `
CREATE TABLE IF NOT EXISTS search_documents (
	id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL,
	content TEXT NOT NULL,
	search_vector tsvector GENERATED ALWAYS AS (to_tsvector('english', content)) STORED,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
	if _, err := rel.ExecuteQuery(ctx, table, nil, nil); err != nil {
		return &errs.SchemaError{Reason: "create search_documents", Cause: err}
	}
	index := queryproto.OpSchemaEnsure + `CREATE INDEX IF NOT EXISTS idx_search_documents_vector ON search_documents USING GIN (search_vector)`
	if _, err := rel.ExecuteQuery(ctx, index, nil, nil); err != nil {
		return &errs.SchemaError{Reason: "create search_documents index", Cause: err}
	}
	return nil
}

// textBranch issues a Postgres full-text query against search_documents,
// clamping the store-provided rank into [0, 1] and extracting highlight
// snippets from the returned content (spec §4.7).
func (sr *Searcher) textBranch(ctx context.Context, q Query) ([]Result, error) {
	query := queryproto.OpTextSearch + `
SELECT id, source_id, content, ts_rank_cd(search_vector, plainto_tsquery('english', :text)) AS rank
FROM search_documents
WHERE search_vector @@ plainto_tsquery('english', :text)
ORDER BY rank DESC
LIMIT :limit`
	rows, err := sr.rel.ExecuteQuery(ctx, query, map[string]any{
		"text":  q.Text,
		"limit": q.Filters.MaxResults,
	}, nil)
	if err != nil {
		return nil, err
	}

	terms := strings.Fields(strings.ToLower(q.Text))
	out := make([]Result, 0, len(rows))
	for _, row := range rows {
		rank, _ := row["rank"].(float64)
		if rank < 0 {
			rank = 0
		}
		if rank > 1 {
			rank = 1
		}
		content := fmt.Sprint(row["content"])
		out = append(out, Result{
			ID:         fmt.Sprint(row["id"]),
			SourceID:   fmt.Sprint(row["source_id"]),
			Content:    content,
			Score:      rank,
			Origin:     TypeText,
			Highlights: highlightSnippets(content, terms),
		})
	}
	return out, nil
}

// highlightSnippets extracts up to three ±50-char snippets around each
// term's first occurrence, with ellipsis markers at truncated edges
// (spec §4.7). Shared by both the real adapter's raw content and the
// in-memory double's, since neither backend emits snippets itself.
func highlightSnippets(content string, terms []string) []string {
	lower := strings.ToLower(content)
	var out []string
	for _, t := range terms {
		idx := strings.Index(lower, t)
		if idx == -1 {
			continue
		}
		start := idx - 50
		if start < 0 {
			start = 0
		}
		end := idx + len(t) + 50
		if end > len(content) {
			end = len(content)
		}
		snippet := content[start:end]
		if start > 0 {
			snippet = "…" + snippet
		}
		if end < len(content) {
			snippet = snippet + "…"
		}
		out = append(out, snippet)
		if len(out) >= 3 {
			break
		}
	}
	return out
}

// vectorBranch delegates to the intent store's vector search
// (spec §4.7).
func (sr *Searcher) vectorBranch(ctx context.Context, q Query) ([]Result, error) {
	if sr.intent == nil {
		return nil, nil
	}
	matches, err := sr.intent.SearchByVector(ctx, q.Vector, q.Filters.MaxResults, 0.7)
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(matches))
	for _, m := range matches {
		out = append(out, Result{ID: m.IntentID, Score: m.Similarity, Origin: TypeVector})
	}
	return out, nil
}

// mergeCandidates collapses same-id hits from multiple branches into one
// unified result with a weighted-mean score (spec §4.7).
func mergeCandidates(candidates []Result, weights map[Type]float64) Result {
	if len(candidates) == 1 {
		return candidates[0]
	}

	base := candidates[0]
	var weightedSum, weightSum float64
	for _, c := range candidates {
		w := weights[c.Origin]
		weightedSum += c.Score * w
		weightSum += w
		if c.Content != "" && base.Content == "" {
			base.Content = c.Content
		}
		if len(c.Highlights) > 0 && len(base.Highlights) == 0 {
			base.Highlights = c.Highlights
		}
	}
	score := base.Score
	if weightSum > 0 {
		score = weightedSum / weightSum
	}
	base.Score = score
	base.Origin = TypeUnified
	return base
}
