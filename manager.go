// Package graphpg is the facade (spec §4.8): it owns one Config, two
// supervised backend adapters, one transaction engine, and the three
// domain services (ingestion, intent, search), exposing a single
// programmatic surface that callers use instead of reaching into any
// driver directly.
package graphpg

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sugipamo/graph-postgres-manager/internal/backend"
	"github.com/sugipamo/graph-postgres-manager/internal/config"
	"github.com/sugipamo/graph-postgres-manager/internal/errs"
	"github.com/sugipamo/graph-postgres-manager/internal/graphstore"
	"github.com/sugipamo/graph-postgres-manager/internal/ingest"
	"github.com/sugipamo/graph-postgres-manager/internal/intent"
	"github.com/sugipamo/graph-postgres-manager/internal/queryproto"
	"github.com/sugipamo/graph-postgres-manager/internal/relstore"
	"github.com/sugipamo/graph-postgres-manager/internal/search"
	"github.com/sugipamo/graph-postgres-manager/internal/supervisor"
	"github.com/sugipamo/graph-postgres-manager/internal/txn"
)

// Manager is the facade (spec §4.8). Its query and service methods check
// initialized and fail with *errs.ConfigurationError (field "manager")
// before Initialize is called.
type Manager struct {
	cfg config.Config
	log *slog.Logger

	graphSupervisor *supervisor.Supervisor
	relSupervisor   *supervisor.Supervisor

	engine   *txn.Engine
	ingestor *ingest.Ingestor
	intents  *intent.Store
	searcher *search.Searcher

	initialized atomic.Bool
}

// New builds a Manager around cfg. Call Initialize before using it.
// graphAdapter/relAdapter let tests substitute internal/memstore doubles;
// pass nil for either to build the real graphstore/relstore adapter from
// cfg.
func New(cfg config.Config, log *slog.Logger, graphAdapter, relAdapter backend.Adapter) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if graphAdapter == nil {
		graphAdapter = graphstore.New(cfg.GraphURI(), cfg.GraphUser(), cfg.GraphSecret(), cfg.PoolSize(), cfg.AutoReconnect(), log)
	}
	if relAdapter == nil {
		relAdapter = relstore.New(cfg.RelationalDSN(), cfg.PoolSize(), time.Duration(cfg.TimeoutSeconds())*time.Second, log)
	}

	supCfg := supervisor.Config{
		MaxRetryAttempts:    cfg.MaxRetryAttempts(),
		RetryBackoffFactor:  cfg.RetryBackoffFactor(),
		RetryMaxDelay:       time.Duration(cfg.RetryMaxDelaySeconds()) * time.Second,
		HealthCheckInterval: time.Duration(cfg.HealthCheckIntervalSeconds()) * time.Second,
		AutoReconnect:       cfg.AutoReconnect(),
	}

	m := &Manager{
		cfg:             cfg,
		log:             log,
		graphSupervisor: supervisor.New(graphAdapter, supCfg, log),
		relSupervisor:   supervisor.New(relAdapter, supCfg, log),
	}
	return m
}

// Initialize connects both adapters with retry, starts the health loops,
// and wires the transaction engine and domain services. Safe to call
// more than once (spec §4.8, §7's idempotency note).
func (m *Manager) Initialize(ctx context.Context) error {
	if m.initialized.Load() {
		return nil
	}

	if err := m.graphSupervisor.Connect(ctx); err != nil {
		return err
	}
	if err := m.relSupervisor.Connect(ctx); err != nil {
		_ = m.graphSupervisor.Disconnect(ctx)
		return err
	}
	m.graphSupervisor.StartHealthLoop(ctx)
	m.relSupervisor.StartHealthLoop(ctx)

	persister := &txnLogPersister{rel: m.relSupervisor.Adapter()}
	if err := persister.EnsureSchema(ctx); err != nil {
		return err
	}
	m.engine = txn.New(m.graphSupervisor.Adapter(), m.relSupervisor.Adapter(), m.log)
	m.engine.SetLogPersister(persister)
	m.ingestor = ingest.New(m.graphSupervisor.Adapter(), m.log)
	m.intents = intent.New(m.relSupervisor.Adapter(), m.log)
	if err := m.intents.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := search.EnsureSchema(ctx, m.relSupervisor.Adapter()); err != nil {
		return err
	}
	m.searcher = search.New(m.graphSupervisor.Adapter(), m.relSupervisor.Adapter(), m.intents, m.log)

	m.initialized.Store(true)
	return nil
}

// Close cancels the health loops and disconnects both adapters. Safe to
// call more than once.
func (m *Manager) Close(ctx context.Context) error {
	if !m.initialized.CompareAndSwap(true, false) {
		return nil
	}
	graphErr := m.graphSupervisor.Disconnect(ctx)
	relErr := m.relSupervisor.Disconnect(ctx)
	if graphErr != nil {
		return graphErr
	}
	return relErr
}

func (m *Manager) requireInitialized() error {
	if !m.initialized.Load() {
		return &errs.ConfigurationError{Field: "manager", Reason: "not initialized: call Initialize first"}
	}
	return nil
}

// ExecuteGraphQuery runs query against the graph backend outside any
// transaction (spec §4.8).
func (m *Manager) ExecuteGraphQuery(ctx context.Context, query string, params map[string]any) (backend.Rows, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	return m.graphSupervisor.Adapter().ExecuteQuery(ctx, query, params, nil)
}

// ExecuteRelationalQuery runs query against the relational backend
// outside any transaction (spec §4.8).
func (m *Manager) ExecuteRelationalQuery(ctx context.Context, query string, params map[string]any) (backend.Rows, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	return m.relSupervisor.Adapter().ExecuteQuery(ctx, query, params, nil)
}

// BatchInsertGraph runs a batched insert against the graph backend
// (spec §4.8).
func (m *Manager) BatchInsertGraph(ctx context.Context, query string, rows []map[string]any, batchSize int) (int64, error) {
	if err := m.requireInitialized(); err != nil {
		return 0, err
	}
	return m.graphSupervisor.Adapter().BatchInsert(ctx, query, rows, batchSize)
}

// BatchInsertRelational runs a batched insert against the relational
// backend (spec §4.8).
func (m *Manager) BatchInsertRelational(ctx context.Context, query string, rows []map[string]any, batchSize int) (int64, error) {
	if err := m.requireInitialized(); err != nil {
		return 0, err
	}
	return m.relSupervisor.Adapter().BatchInsert(ctx, query, rows, batchSize)
}

// Transaction runs body inside a cross-store transaction, committing on
// success and rolling back on error or timeout (spec §4.4, §4.8).
func (m *Manager) Transaction(ctx context.Context, opts txn.BeginOptions, body func(ctx context.Context, tc *txn.Context) error) error {
	if err := m.requireInitialized(); err != nil {
		return err
	}
	tc, err := m.engine.Begin(ctx, opts)
	if err != nil {
		return err
	}
	runErr := m.engine.WithTimeout(ctx, tc, func(ctx context.Context) error {
		return body(ctx, tc)
	})
	if runErr != nil {
		return runErr
	}
	return m.engine.Commit(ctx, tc)
}

// StoreASTGraph ingests an AST graph into the graph backend (spec §4.5,
// §4.8).
func (m *Manager) StoreASTGraph(ctx context.Context, g ingest.Graph, sourceID string, metadata map[string]any) (ingest.Result, error) {
	if err := m.requireInitialized(); err != nil {
		return ingest.Result{}, err
	}
	return m.ingestor.StoreASTGraph(ctx, g, sourceID, metadata)
}

// SearchUnified fans a query out across backends and returns merged,
// ranked results (spec §4.7, §4.8).
func (m *Manager) SearchUnified(ctx context.Context, q search.Query) ([]search.Result, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	return m.searcher.Search(ctx, q)
}

// LinkIntent upserts intent↔AST-node mappings (spec §4.6, §4.8).
func (m *Manager) LinkIntent(ctx context.Context, req intent.LinkRequest) (intent.LinkResult, error) {
	if err := m.requireInitialized(); err != nil {
		return intent.LinkResult{}, err
	}
	return m.intents.Link(ctx, req)
}

// GetASTNodesByIntent returns mappings for an intent (spec §4.6, §4.8).
func (m *Manager) GetASTNodesByIntent(ctx context.Context, intentID string, minConfidence float64) ([]intent.Mapping, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	return m.intents.GetASTNodesByIntent(ctx, intentID, minConfidence)
}

// GetIntentsForAST returns intents mapped to an AST node (spec §4.6,
// §4.8).
func (m *Manager) GetIntentsForAST(ctx context.Context, astNodeID string, minConfidence float64) ([]intent.Mapping, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	return m.intents.GetIntentsForAST(ctx, astNodeID, minConfidence)
}

// UpdateIntentConfidence updates one mapping's confidence (spec §4.6,
// §4.8).
func (m *Manager) UpdateIntentConfidence(ctx context.Context, intentID, astNodeID string, newConfidence float64) (bool, error) {
	if err := m.requireInitialized(); err != nil {
		return false, err
	}
	return m.intents.UpdateConfidence(ctx, intentID, astNodeID, newConfidence)
}

// RemoveIntent deletes one or all mappings for an intent (spec §4.6,
// §4.8).
func (m *Manager) RemoveIntent(ctx context.Context, intentID, astNodeID string) error {
	if err := m.requireInitialized(); err != nil {
		return err
	}
	return m.intents.Remove(ctx, intentID, astNodeID)
}

// SearchIntentByVector delegates to the intent store's vector search
// (spec §4.6, §4.8).
func (m *Manager) SearchIntentByVector(ctx context.Context, vector []float64, limit int, threshold float64) ([]intent.VectorMatch, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	return m.intents.SearchByVector(ctx, vector, limit, threshold)
}

// txnLogPersister writes operation log entries to the optional
// transaction_logs table (spec §6's "persisted state") via an
// append-only insert, wired into the engine as its LogPersister.
type txnLogPersister struct {
	rel backend.Adapter
}

// EnsureSchema idempotently creates the transaction_logs table. Called
// once during Initialize, before the persister is wired into the engine.
func (p *txnLogPersister) EnsureSchema(ctx context.Context) error {
	ddl := queryproto.OpSchemaEnsure + `
CREATE TABLE IF NOT EXISTS transaction_logs (
	id BIGSERIAL PRIMARY KEY,
	transaction_id TEXT NOT NULL,
	backend TEXT NOT NULL,
	operation TEXT NOT NULL,
	detail TEXT,
	created_at TIMESTAMPTZ NOT NULL
)`
	if _, err := p.rel.ExecuteQuery(ctx, ddl, nil, nil); err != nil {
		return &errs.SchemaError{Reason: "create transaction_logs", Cause: err}
	}
	return nil
}

func (p *txnLogPersister) PersistLogEntry(ctx context.Context, transactionID string, entry txn.LogEntry) error {
	query := queryproto.OpTransactionLogInsert + `
INSERT INTO transaction_logs (transaction_id, backend, operation, detail, created_at)
VALUES (:transaction_id, :backend, :operation, :detail, :created_at)`
	_, err := p.rel.ExecuteQuery(ctx, query, map[string]any{
		"transaction_id": transactionID,
		"backend":        entry.Backend,
		"operation":      entry.Operation,
		"detail":         entry.Detail,
		"created_at":     entry.Timestamp,
	}, nil)
	return err
}
