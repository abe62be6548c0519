// Package queryproto defines the op-marker convention that lets
// internal/memstore (the in-memory test double, spec §4.9) recognize
// the handful of query shapes the domain packages actually issue,
// without implementing a real Cypher or SQL parser. Every query built
// by internal/ingest, internal/intent, internal/search, and the facade's
// transaction-log persister (manager.go) starts with
// one of these markers as its first line. Real adapters must still be
// able to execute the rest of the query text, so the marker uses each
// backend's own comment syntax: Cypher's "//" for graph-side ops,
// PostgreSQL's "--" for relational-side ops (Postgres has no "//"
// comment form).
package queryproto

const (
	// Graph-side ops (internal/ingest, internal/search). Cypher comments.
	OpMergeNodes  = "// op=merge_nodes\n"
	OpMergeEdges  = "// op=merge_edges\n"
	OpGraphSearch = "// op=graph_search\n"

	// Relational-side ops (internal/intent, internal/search, manager.go).
	// SQL comments: "--" to the end of line.
	OpIntentLink             = "-- op=intent_link\n"
	OpIntentGetByIntent      = "-- op=intent_get_by_intent\n"
	OpIntentGetByASTNode     = "-- op=intent_get_by_ast_node\n"
	OpIntentUpdateConfidence = "-- op=intent_update_confidence\n"
	OpIntentRemove           = "-- op=intent_remove\n"
	OpIntentRemoveAll        = "-- op=intent_remove_all\n"
	OpIntentVectorUpsert     = "-- op=intent_vector_upsert\n"
	OpIntentVectorSearch     = "-- op=intent_vector_search\n"
	OpTextSearch             = "-- op=text_search\n"
	OpTransactionLogInsert   = "-- op=transaction_log_insert\n"

	// Schema bootstrap ops (internal/intent, internal/search, manager.go).
	// SQL comments.
	OpSchemaEnsure = "-- op=schema_ensure\n"
	OpVectorProbe  = "-- op=vector_probe\n"
)
