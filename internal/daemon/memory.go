package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/irislabs/iris/pkg/embeddings"
	"github.com/irislabs/iris/pkg/store"
)

// memory answers buscar_memoria and /v1/recall. It uses hybrid search once
// the semantic index is connected and FTS5 keyword search until then.
type memory struct {
	store *store.Store
	cfg   EmbeddingsConfig

	mu       sync.RWMutex
	index    *embeddings.Store
	searcher *embeddings.Searcher
	worker   *embeddings.SyncWorker
}

func newMemory(st *store.Store, cfg EmbeddingsConfig) *memory {
	return &memory{store: st, cfg: cfg}
}

// SearchMemory implements capability.MemorySearcher.
func (m *memory) SearchMemory(ctx context.Context, query string, limit int) ([]store.Document, error) {
	m.mu.RLock()
	s := m.searcher
	m.mu.RUnlock()
	if s != nil {
		return s.SearchMemory(ctx, query, limit)
	}
	return m.store.SearchDocuments(ctx, query, limit)
}

// method names the active search strategy.
func (m *memory) method() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.searcher != nil {
		return "hybrid"
	}
	return "keyword"
}

func (m *memory) enabled() bool {
	return m.cfg.Enabled && m.cfg.PostgresURL != "" && m.cfg.TEIURL != ""
}

// connect opens the pgvector index and builds the searcher and sync worker.
func (m *memory) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	index, err := embeddings.NewStore(ctx, m.cfg.PostgresURL, m.cfg.Model, m.cfg.Dimensions)
	if err != nil {
		return err
	}
	if err := index.Init(ctx); err != nil {
		index.Close()
		return err
	}
	tei := embeddings.NewTEIClient(m.cfg.TEIURL)

	m.mu.Lock()
	m.index = index
	m.searcher = embeddings.NewSearcher(m.store, index, tei)
	m.worker = embeddings.NewSyncWorker(m.store, index, tei,
		parseDuration(m.cfg.SyncInterval, 30*time.Second), m.cfg.BatchSize)
	m.mu.Unlock()

	slog.Info("semantic memory initialized", "tei", m.cfg.TEIURL)
	return nil
}

// Run connects the semantic index, retrying every 30s for up to 10
// minutes, then keeps it in sync until ctx is cancelled. A permanently
// unavailable index leaves keyword search in place.
func (m *memory) Run(ctx context.Context) error {
	if !m.enabled() {
		if m.cfg.Enabled {
			slog.Warn("semantic memory enabled but missing config",
				"has_pg_url", m.cfg.PostgresURL != "",
				"has_tei_url", m.cfg.TEIURL != "",
			)
		}
		return nil
	}

	attempt := 0
	backoff := retry.WithMaxRetries(20, retry.NewConstant(30*time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := m.connect(ctx); err != nil {
			slog.Warn("semantic memory unavailable", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("semantic memory permanently unavailable, using keyword search", "attempts", attempt)
		}
		return nil
	}

	m.mu.RLock()
	worker := m.worker
	m.mu.RUnlock()
	return worker.Run(ctx)
}

// Close releases the index connection.
func (m *memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index != nil {
		m.index.Close()
		m.index = nil
	}
	m.searcher = nil
}
