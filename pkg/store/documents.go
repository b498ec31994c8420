package store

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Document is a searchable piece of text derived from another domain
// (journal entries, reflections, tasks).
type Document struct {
	ID        int64
	Kind      string
	RefID     int64
	Content   string
	CreatedAt time.Time
	Rank      float64
}

// DocumentRef is a lightweight reference for embedding sync.
type DocumentRef struct {
	ID          int64
	ContentHash string
}

func indexDocument(ctx context.Context, tx *sql.Tx, kind string, refID int64, content string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO documents (kind, ref_id, content, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(kind, ref_id) DO UPDATE SET content = excluded.content`,
		kind, refID, content, at.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("index %s document: %w", kind, err)
	}
	return nil
}

func unindexDocument(ctx context.Context, tx *sql.Tx, kind string, refID int64) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM documents WHERE kind = ? AND ref_id = ?", kind, refID,
	); err != nil {
		return fmt.Errorf("unindex %s document: %w", kind, err)
	}
	return nil
}

// DocumentRefs returns every document ID with its content hash.
func (s *Store) DocumentRefs(ctx context.Context) ([]DocumentRef, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, content FROM documents ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query document refs: %w", err)
	}
	defer rows.Close()

	var refs []DocumentRef
	for rows.Next() {
		var id int64
		var content string
		if err := rows.Scan(&id, &content); err != nil {
			return nil, err
		}
		refs = append(refs, DocumentRef{ID: id, ContentHash: ContentHash(content)})
	}
	return refs, rows.Err()
}

// DocumentsByIDs loads documents by ID, in no particular order.
func (s *Store) DocumentsByIDs(ctx context.Context, ids []int64) ([]Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(
		"SELECT id, kind, ref_id, content, created_at FROM documents WHERE id IN (%s)",
		strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows, false)
}

// SearchDocuments runs a keyword search over the document index. Words in
// query are OR'ed; results are ordered by FTS5 rank (best first).
func (s *Store) SearchDocuments(ctx context.Context, query string, limit int) ([]Document, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.kind, d.ref_id, d.content, d.created_at, documents_fts.rank
		 FROM documents_fts JOIN documents d ON d.id = documents_fts.rowid
		 WHERE documents_fts MATCH ? ORDER BY documents_fts.rank LIMIT ?`,
		match, limit)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows, true)
}

func scanDocuments(rows *sql.Rows, ranked bool) ([]Document, error) {
	var docs []Document
	for rows.Next() {
		var d Document
		var created string
		dest := []any{&d.ID, &d.Kind, &d.RefID, &d.Content, &created}
		if ranked {
			dest = append(dest, &d.Rank)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		d.CreatedAt = parseTime(created)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// ftsQuery turns free text into an FTS5 expression of quoted terms joined
// by OR, so punctuation in user input cannot break the MATCH syntax.
func ftsQuery(q string) string {
	fields := strings.FieldsFunc(q, func(r rune) bool {
		return !(r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r > 127)
	})
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

// ContentHash returns the MD5 hex digest used to detect changed documents.
func ContentHash(content string) string {
	h := md5.Sum([]byte(content))
	return hex.EncodeToString(h[:])
}
