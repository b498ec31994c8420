package embeddings

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/irislabs/iris/pkg/store"
)

const (
	// rrfK is the Reciprocal Rank Fusion smoothing constant (Cormack et al.).
	rrfK = 60
	// overFetch widens each source's result list before fusion.
	overFetch = 3
	// halfLifeDays controls how fast older documents lose weight.
	halfLifeDays = 30.0
	// recencyWeight caps how much age can reduce a fused score.
	recencyWeight = 0.3
)

// fused is one document's combined RRF score.
type fused struct {
	id    int64
	score float64
}

// Searcher answers memory queries with hybrid vector + keyword search.
// It satisfies capability.MemorySearcher.
type Searcher struct {
	docs     Documents
	index    Index
	embedder Embedder
	now      func() time.Time
}

// NewSearcher builds a hybrid searcher.
func NewSearcher(docs Documents, index Index, embedder Embedder) *Searcher {
	return &Searcher{docs: docs, index: index, embedder: embedder, now: time.Now}
}

// SearchMemory embeds query, runs vector and FTS5 search in parallel and
// fuses both rankings. It degrades to whichever source still works and
// to keyword-only search when the query cannot be embedded.
func (s *Searcher) SearchMemory(ctx context.Context, query string, limit int) ([]store.Document, error) {
	if limit <= 0 {
		limit = 5
	}

	queryVec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		slog.Warn("query embed failed, keyword-only search", "error", err)
		return s.docs.SearchDocuments(ctx, query, limit)
	}

	fetch := limit * overFetch
	var (
		vectorHits  []SearchResult
		keywordHits []store.Document
		vectorErr   error
		keywordErr  error
		wg          sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		vectorHits, vectorErr = s.index.Search(ctx, queryVec, fetch)
	}()
	go func() {
		defer wg.Done()
		keywordHits, keywordErr = s.docs.SearchDocuments(ctx, query, fetch)
	}()
	wg.Wait()

	if vectorErr != nil && keywordErr != nil {
		return nil, vectorErr
	}
	if vectorErr != nil {
		slog.Warn("vector search failed, keyword-only results", "error", vectorErr)
		return head(keywordHits, limit), nil
	}

	vectorIDs := make([]int64, len(vectorHits))
	for i, h := range vectorHits {
		vectorIDs[i] = h.DocumentID
	}
	keywordIDs := make([]int64, len(keywordHits))
	for i, d := range keywordHits {
		keywordIDs[i] = d.ID
	}
	if keywordErr != nil {
		slog.Warn("keyword search failed, vector-only results", "error", keywordErr)
		keywordIDs = nil
	}

	ranked := reciprocalRankFusion([][]int64{vectorIDs, keywordIDs}, rrfK)
	ids := make([]int64, len(ranked))
	for i, r := range ranked {
		ids[i] = r.id
	}
	docs, err := s.docs.DocumentsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]store.Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}

	now := s.now()
	score := make(map[int64]float64, len(ranked))
	out := make([]store.Document, 0, len(ranked))
	for _, r := range ranked {
		d, ok := byID[r.id]
		if !ok {
			// Embedded but deleted since; the next sync drops it.
			continue
		}
		score[d.ID] = r.score * (1 - recencyWeight*staleness(d.CreatedAt, now))
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return score[out[i].ID] > score[out[j].ID]
	})
	return head(out, limit), nil
}

// staleness grows from 0 towards 1 as a document ages.
func staleness(created, now time.Time) float64 {
	if created.IsZero() {
		return 0
	}
	ageDays := now.Sub(created).Hours() / 24
	if ageDays <= 0 {
		return 0
	}
	return 1 - math.Exp(-math.Ln2*ageDays/halfLifeDays)
}

// reciprocalRankFusion merges ranked ID lists: score(d) = sum 1/(k + rank).
// Ties keep first-seen order.
func reciprocalRankFusion(lists [][]int64, k int) []fused {
	scores := make(map[int64]float64)
	var order []int64
	for _, list := range lists {
		for rank, id := range list {
			if _, seen := scores[id]; !seen {
				order = append(order, id)
			}
			scores[id] += 1.0 / float64(k+rank+1)
		}
	}

	out := make([]fused, len(order))
	for i, id := range order {
		out[i] = fused{id: id, score: scores[id]}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

func head(docs []store.Document, n int) []store.Document {
	if len(docs) > n {
		return docs[:n]
	}
	return docs
}
