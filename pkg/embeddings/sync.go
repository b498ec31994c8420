package embeddings

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/irislabs/iris/pkg/store"
)

// Documents is the SQLite side of the index.
type Documents interface {
	DocumentRefs(ctx context.Context) ([]store.DocumentRef, error)
	DocumentsByIDs(ctx context.Context, ids []int64) ([]store.Document, error)
	SearchDocuments(ctx context.Context, query string, limit int) ([]store.Document, error)
}

// Index is the vector side of the index.
type Index interface {
	Embedded(ctx context.Context) (map[int64]string, error)
	InsertBatch(ctx context.Context, ids []int64, vectors [][]float32, hashes []string) error
	Delete(ctx context.Context, ids []int64) error
	Search(ctx context.Context, query []float32, limit int) ([]SearchResult, error)
}

// Embedder turns text into vectors.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// SyncWorker mirrors documents into the vector index.
type SyncWorker struct {
	docs      Documents
	index     Index
	embedder  Embedder
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// NewSyncWorker creates a worker polling every interval (default 30s) and
// embedding batchSize (default 32) documents per request.
func NewSyncWorker(docs Documents, index Index, embedder Embedder, interval time.Duration, batchSize int) *SyncWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	return &SyncWorker{
		docs:      docs,
		index:     index,
		embedder:  embedder,
		interval:  interval,
		batchSize: batchSize,
		logger:    slog.Default().With("component", "embeddings"),
	}
}

// Run syncs on start and then every interval until ctx is cancelled.
func (w *SyncWorker) Run(ctx context.Context) error {
	w.logger.Info("embedding sync worker started", "interval", w.interval, "batch_size", w.batchSize)

	w.cycle(ctx)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("embedding sync worker stopping")
			return nil
		case <-ticker.C:
			w.cycle(ctx)
		}
	}
}

func (w *SyncWorker) cycle(ctx context.Context) {
	n, err := w.SyncOnce(ctx)
	switch {
	case err != nil && ctx.Err() == nil:
		w.logger.Warn("embedding sync failed", "error", err)
	case n > 0:
		w.logger.Info("embedding sync cycle", "embedded", n)
	}
}

// SyncOnce embeds new and changed documents, drops embeddings of deleted
// documents and returns how many documents were embedded. A failed batch
// is logged and skipped; the next cycle retries it.
func (w *SyncWorker) SyncOnce(ctx context.Context) (int, error) {
	refs, err := w.docs.DocumentRefs(ctx)
	if err != nil {
		return 0, fmt.Errorf("get document refs: %w", err)
	}
	embedded, err := w.index.Embedded(ctx)
	if err != nil {
		return 0, fmt.Errorf("get embedded: %w", err)
	}

	live := make(map[int64]bool, len(refs))
	var pending []int64
	for _, ref := range refs {
		live[ref.ID] = true
		if hash, ok := embedded[ref.ID]; !ok || hash != ref.ContentHash {
			pending = append(pending, ref.ID)
		}
	}

	var orphans []int64
	for id := range embedded {
		if !live[id] {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		if err := w.index.Delete(ctx, orphans); err != nil {
			w.logger.Warn("delete orphan embeddings failed", "error", err, "count", len(orphans))
		}
	}

	if len(pending) == 0 {
		return 0, nil
	}
	w.logger.Debug("documents need embedding", "total", len(refs), "pending", len(pending))

	total := 0
	for start := 0; start < len(pending); start += w.batchSize {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		end := min(start+w.batchSize, len(pending))

		docs, err := w.docs.DocumentsByIDs(ctx, pending[start:end])
		if err != nil {
			w.logger.Warn("fetch document batch failed", "error", err, "batch_start", start)
			continue
		}
		if len(docs) == 0 {
			continue
		}

		texts := make([]string, len(docs))
		ids := make([]int64, len(docs))
		hashes := make([]string, len(docs))
		for i, d := range docs {
			texts[i] = d.Content
			ids[i] = d.ID
			hashes[i] = store.ContentHash(d.Content)
		}

		vectors, err := w.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			w.logger.Warn("embed batch failed", "error", err, "batch_start", start, "batch_size", len(texts))
			continue
		}
		if err := w.index.InsertBatch(ctx, ids, vectors, hashes); err != nil {
			w.logger.Warn("store batch failed", "error", err, "batch_start", start)
			continue
		}
		total += len(ids)
	}
	return total, nil
}
