package embeddings

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// DefaultDimensions matches nomic-embed-text-v1.5.
const DefaultDimensions = 768

// Store keeps document embeddings in PostgreSQL with pgvector.
type Store struct {
	pool       *pgxpool.Pool
	dimensions int
	model      string
}

// SearchResult is one nearest-neighbour hit.
type SearchResult struct {
	DocumentID int64
	Distance   float64 // cosine distance, lower is closer
}

// NewStore connects to pgURL and registers the vector type on every
// pooled connection.
func NewStore(ctx context.Context, pgURL, model string, dimensions int) (*Store, error) {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool, dimensions: dimensions, model: model}, nil
}

// Init creates the extension, table and HNSW index.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS document_embeddings (
			document_id  BIGINT PRIMARY KEY,
			embedding    vector(%d) NOT NULL,
			content_hash TEXT NOT NULL,
			model_name   TEXT NOT NULL,
			embedded_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.dimensions))
	if err != nil {
		return fmt.Errorf("create embeddings table: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_document_embeddings_hnsw
		ON document_embeddings
		USING hnsw (embedding vector_cosine_ops)
		WITH (m = 16, ef_construction = 64)`)
	if err != nil {
		return fmt.Errorf("create HNSW index: %w", err)
	}

	slog.Info("embedding store initialized", "dimensions", s.dimensions, "model", s.model)
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

const upsertEmbedding = `
	INSERT INTO document_embeddings (document_id, embedding, content_hash, model_name, embedded_at)
	VALUES ($1, $2, $3, $4, now())
	ON CONFLICT (document_id) DO UPDATE
	SET embedding    = EXCLUDED.embedding,
		content_hash = EXCLUDED.content_hash,
		model_name   = EXCLUDED.model_name,
		embedded_at  = now()`

// InsertBatch upserts embeddings for several documents in one transaction.
func (s *Store) InsertBatch(ctx context.Context, ids []int64, vectors [][]float32, hashes []string) error {
	if len(ids) != len(vectors) || len(ids) != len(hashes) {
		return fmt.Errorf("mismatched batch sizes: ids=%d vectors=%d hashes=%d",
			len(ids), len(vectors), len(hashes))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for i := range ids {
		batch.Queue(upsertEmbedding, ids[i], pgvector.NewVector(vectors[i]), hashes[i], s.model)
	}
	results := tx.SendBatch(ctx, batch)
	for i := range ids {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("insert embedding %d: %w", ids[i], err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}
	return tx.Commit(ctx)
}

// Search returns the limit nearest documents by cosine distance.
func (s *Store) Search(ctx context.Context, query []float32, limit int) ([]SearchResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT document_id, embedding <=> $1 AS distance
		FROM document_embeddings
		ORDER BY embedding <=> $1
		LIMIT $2`, pgvector.NewVector(query), limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.DocumentID, &r.Distance); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Embedded returns every embedded document ID with its content hash.
func (s *Store) Embedded(ctx context.Context) (map[int64]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT document_id, content_hash FROM document_embeddings")
	if err != nil {
		return nil, fmt.Errorf("query embedded: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]string)
	for rows.Next() {
		var id int64
		var hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("scan embedded: %w", err)
		}
		out[id] = hash
	}
	return out, rows.Err()
}

// Delete removes the embeddings of documents that no longer exist.
func (s *Store) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, "DELETE FROM document_embeddings WHERE document_id = ANY($1)", ids); err != nil {
		return fmt.Errorf("delete embeddings: %w", err)
	}
	return nil
}

// Count returns the number of stored embeddings.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM document_embeddings").Scan(&n)
	return n, err
}
