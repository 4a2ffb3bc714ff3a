package search

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"rag-chat-be/internal/pkg/logger"
	"rag-chat-be/internal/repository/unitofwork"
	"rag-chat-be/pkg/embedding"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

// RankedResult is one retrieved chunk with its relevance to the query.
type RankedResult struct {
	Content    string
	Filename   string
	ChunkIndex int
	Similarity float64
}

// Ranker scores a user's document chunks against a query by cosine
// similarity, with an adaptive threshold that loosens when the best match
// is mediocre.
type Ranker struct {
	provider   embedding.Provider
	uowFactory unitofwork.RepositoryFactory
	queryCache *gocache.Cache
	logger     logger.ILogger
}

func NewRanker(provider embedding.Provider, uowFactory unitofwork.RepositoryFactory, log logger.ILogger) *Ranker {
	return &Ranker{
		provider:   provider,
		uowFactory: uowFactory,
		queryCache: gocache.New(1*time.Hour, 10*time.Minute),
		logger:     log,
	}
}

// Rank returns the topK chunks of the user's processed documents whose
// similarity clears the effective threshold, best first. Failures degrade to
// an empty result; retrieval is never fatal to the chat flow.
func (r *Ranker) Rank(ctx context.Context, query string, userId uuid.UUID, topK int, threshold float64) ([]RankedResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	queryVec, err := r.embedQuery(ctx, query)
	if err != nil {
		r.logger.Error("Ranker", "Query embedding failed", map[string]interface{}{"error": err.Error()})
		return nil, nil
	}

	uow := r.uowFactory.NewUnitOfWork(ctx)
	chunks, err := uow.DocumentChunkRepository().FindProcessedByUserId(ctx, userId)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}

	r.logger.Debug("Ranker", "Loaded candidate chunks", map[string]interface{}{
		"user_id": userId,
		"count":   len(chunks),
	})

	var all []RankedResult
	for _, c := range chunks {
		if len(c.Chunk.Embedding) != len(queryVec) {
			r.logger.Warn("Ranker", "Chunk dimension mismatch, skipping", map[string]interface{}{
				"chunk_id": c.Chunk.Id,
				"have":     len(c.Chunk.Embedding),
				"want":     len(queryVec),
			})
			continue
		}
		all = append(all, RankedResult{
			Content:    c.Chunk.Content,
			Filename:   c.Filename,
			ChunkIndex: c.Chunk.ChunkIndex,
			Similarity: cosineSimilarity(queryVec, c.Chunk.Embedding),
		})
	}

	effective := effectiveThreshold(all, threshold)

	var results []RankedResult
	for _, res := range all {
		if res.Similarity >= effective {
			results = append(results, res)
		}
	}

	// Nothing cleared the bar but candidates exist: keep the best three so
	// the model still sees something.
	if len(results) == 0 && len(all) > 0 {
		r.logger.Warn("Ranker", "No result above threshold, falling back to top 3", map[string]interface{}{
			"threshold": effective,
		})
		sort.SliceStable(all, func(i, j int) bool { return all[i].Similarity > all[j].Similarity })
		results = all
		if len(results) > 3 {
			results = results[:3]
		}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}

	r.logger.Info("Ranker", "Retrieval complete", map[string]interface{}{
		"results":   len(results),
		"threshold": effective,
	})
	return results, nil
}

func (r *Ranker) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if cached, ok := r.queryCache.Get(query); ok {
		return cached.([]float32), nil
	}

	res, err := r.provider.Generate(ctx, query, embedding.TaskRetrievalQuery)
	if err != nil {
		return nil, err
	}

	r.queryCache.Set(query, res.Values, gocache.DefaultExpiration)
	return res.Values, nil
}

// effectiveThreshold loosens the configured threshold in tiers based on the
// strongest candidate, so a mediocre corpus still yields context.
func effectiveThreshold(all []RankedResult, threshold float64) float64 {
	if len(all) == 0 {
		return threshold
	}

	maxSim := all[0].Similarity
	for _, res := range all[1:] {
		if res.Similarity > maxSim {
			maxSim = res.Similarity
		}
	}

	switch {
	case maxSim >= threshold:
		return threshold - 0.05
	case maxSim >= 0.60:
		return 0.55
	case maxSim >= 0.45:
		return 0.40
	default:
		return threshold
	}
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
