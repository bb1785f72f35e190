// Package retrieval implements the hybrid search façade over the graph
// store: keyword, embedding, hybrid, and temporal modes, all tenant-scoped.
package retrieval

import (
	"context"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"engram-memory/internal/config"
	"engram-memory/internal/logging"
	"engram-memory/internal/memerrors"
	"engram-memory/internal/ports"
	"engram-memory/pkg/types"
)

// luceneReserved are the characters escaped before a full-text query.
const luceneReserved = `:&|!(){}[]~^"\/+-`

// DefaultLabels is the label order used when the caller requests everything.
var DefaultLabels = []types.NodeLabel{
	types.LabelMemorySummary,
	types.LabelStatement,
	types.LabelChunk,
	types.LabelEntity,
}

// Request parameterises one retrieval.
type Request struct {
	EndUserID string
	Query     string
	Mode      types.SearchMode
	Labels    []types.NodeLabel // nil means DefaultLabels
	K         int
	Start     *time.Time // temporal mode only
	End       *time.Time
}

// Retriever answers retrieval requests.
type Retriever struct {
	store    ports.GraphStore
	embedder ports.Embedder
	reranker ports.Reranker // nil disables reranking
	cfg      *config.RetrievalConfig
	clock    ports.Clock
	logger   logging.Logger
}

// New creates a retriever. reranker may be nil.
func New(store ports.GraphStore, embedder ports.Embedder, reranker ports.Reranker, cfg *config.RetrievalConfig, clock ports.Clock) *Retriever {
	return &Retriever{
		store:    store,
		embedder: embedder,
		reranker: reranker,
		cfg:      cfg,
		clock:    clock,
		logger:   logging.WithComponent("retrieval"),
	}
}

// Search dispatches on the request mode. Results always carry provenance
// (label, score, source mode) and only ever belong to the requesting tenant.
func (r *Retriever) Search(ctx context.Context, req Request) ([]types.SearchHit, error) {
	if req.EndUserID == "" {
		return nil, memerrors.Validationf("end_user_id cannot be empty")
	}
	if !req.Mode.Valid() {
		return nil, memerrors.Validationf("unknown search mode %q", req.Mode)
	}
	labels := req.Labels
	if len(labels) == 0 {
		labels = DefaultLabels
	}
	k := req.K
	if k <= 0 {
		k = r.cfg.DefaultK
	}

	switch req.Mode {
	case types.SearchKeyword:
		return r.keyword(ctx, req, labels, k)
	case types.SearchEmbedding:
		return r.embedding(ctx, req, labels, k)
	case types.SearchHybrid:
		return r.hybrid(ctx, req, labels, k)
	case types.SearchTemporal:
		return r.temporal(ctx, req, labels, k)
	}
	return nil, memerrors.Validationf("unknown search mode %q", req.Mode)
}

func (r *Retriever) keyword(ctx context.Context, req Request, labels []types.NodeLabel, k int) ([]types.SearchHit, error) {
	hits, err := r.store.SearchKeyword(ctx, ports.KeywordQuery{
		EndUserID: req.EndUserID,
		Query:     EscapeLucene(req.Query),
		Labels:    labels,
		K:         k,
	})
	if err != nil {
		return nil, err
	}
	hits = filterByScore(hits, r.cfg.ScoreThreshold)
	sortHits(hits)
	return capHits(orderByLabel(hits, labels), k), nil
}

func (r *Retriever) embedding(ctx context.Context, req Request, labels []types.NodeLabel, k int) ([]types.SearchHit, error) {
	vectors, err := r.embedder.EmbedMany(ctx, []string{req.Query})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, memerrors.Invariantf("query embedding returned %d vectors", len(vectors))
	}
	hits, err := r.store.SearchVector(ctx, ports.VectorQuery{
		EndUserID: req.EndUserID,
		Embedding: vectors[0],
		Labels:    labels,
		K:         k,
		Threshold: r.cfg.ScoreThreshold,
	})
	if err != nil {
		return nil, err
	}
	sortHits(hits)
	return capHits(orderByLabel(hits, labels), k), nil
}

// hybrid runs keyword and embedding in parallel and fuses the union.
func (r *Retriever) hybrid(ctx context.Context, req Request, labels []types.NodeLabel, k int) ([]types.SearchHit, error) {
	var keywordHits, vectorHits []types.SearchHit
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		keywordHits, err = r.keyword(gctx, req, labels, k)
		return err
	})
	g.Go(func() error {
		var err error
		vectorHits, err = r.embedding(gctx, req, labels, k)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := fuse(keywordHits, vectorHits, r.cfg.RerankAlpha)
	if r.reranker != nil && len(fused) > 1 {
		reranked, err := r.rerank(ctx, req.Query, fused, k)
		if err == nil {
			return reranked, nil
		}
		r.logger.WarnContext(ctx, "rerank failed, falling back to fused ordering", "error", err.Error())
	}
	sortHits(fused)
	return capHits(fused, k), nil
}

func (r *Retriever) temporal(ctx context.Context, req Request, labels []types.NodeLabel, k int) ([]types.SearchHit, error) {
	now := r.clock.Now()
	start := now.AddDate(0, 0, -r.temporalDefaultDays())
	if req.Start != nil {
		start = *req.Start
	}
	end := now
	if req.End != nil {
		end = *req.End
	}
	if end.Before(start) {
		return nil, memerrors.Validationf("temporal range end %s precedes start %s", end, start)
	}
	hits, err := r.store.SearchTemporal(ctx, ports.TemporalQuery{
		EndUserID: req.EndUserID,
		Labels:    labels,
		Start:     start,
		End:       end,
		K:         k,
	})
	if err != nil {
		return nil, err
	}
	return capHits(orderByLabel(hits, labels), k), nil
}

func (r *Retriever) temporalDefaultDays() int {
	if r.cfg.TemporalDefault > 0 {
		return r.cfg.TemporalDefault
	}
	return 7
}

// rerank asks the reranker to reorder the fused hits by document text.
func (r *Retriever) rerank(ctx context.Context, query string, hits []types.SearchHit, k int) ([]types.SearchHit, error) {
	docs := make([]string, len(hits))
	for i := range hits {
		docs[i] = hits[i].Content
	}
	ranked, err := r.reranker.Rerank(ctx, query, docs, k)
	if err != nil {
		return nil, err
	}
	out := make([]types.SearchHit, 0, len(ranked))
	for _, rd := range ranked {
		hit := hits[rd.Index]
		hit.Score = rd.Score
		out = append(out, hit)
	}
	return out, nil
}

// fuse unions two hit lists deduplicated by id. Scores are normalised per
// source and blended: alpha for the vector side, (1-alpha) for keyword; a hit
// found by both modes gets the weighted sum, otherwise the max-of-normalised
// score of its single source.
func fuse(keywordHits, vectorHits []types.SearchHit, alpha float64) []types.SearchHit {
	if alpha <= 0 || alpha >= 1 {
		alpha = 0.5
	}
	keywordNorm := normalizeScores(keywordHits)
	vectorNorm := normalizeScores(vectorHits)

	merged := make(map[string]types.SearchHit)
	order := make([]string, 0, len(keywordHits)+len(vectorHits))
	for i, hit := range keywordHits {
		hit.Score = (1 - alpha) * keywordNorm[i]
		merged[hit.ID] = hit
		order = append(order, hit.ID)
	}
	for i, hit := range vectorHits {
		if existing, ok := merged[hit.ID]; ok {
			existing.Score += alpha * vectorNorm[i]
			existing.SourceMode = types.SearchHybrid
			merged[hit.ID] = existing
			continue
		}
		hit.Score = alpha * vectorNorm[i]
		merged[hit.ID] = hit
		order = append(order, hit.ID)
	}

	out := make([]types.SearchHit, 0, len(merged))
	for _, id := range order {
		out = append(out, merged[id])
	}
	return out
}

func normalizeScores(hits []types.SearchHit) []float64 {
	out := make([]float64, len(hits))
	var max float64
	for _, h := range hits {
		if h.Score > max {
			max = h.Score
		}
	}
	if max <= 0 {
		return out
	}
	for i, h := range hits {
		out[i] = h.Score / max
	}
	return out
}

// sortHits orders by score descending, ties broken by id lex ascending so a
// fixed snapshot always returns the same order.
func sortHits(hits []types.SearchHit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}

// orderByLabel groups hits by the requested label order, preserving the
// existing ordering inside each group. Only applied when the caller asked for
// a label subset.
func orderByLabel(hits []types.SearchHit, labels []types.NodeLabel) []types.SearchHit {
	if len(labels) >= len(DefaultLabels) {
		return hits
	}
	out := make([]types.SearchHit, 0, len(hits))
	for _, label := range labels {
		for _, h := range hits {
			if h.Label == label {
				out = append(out, h)
			}
		}
	}
	return out
}

func capHits(hits []types.SearchHit, k int) []types.SearchHit {
	if k > 0 && len(hits) > k {
		return hits[:k]
	}
	return hits
}

func filterByScore(hits []types.SearchHit, threshold float64) []types.SearchHit {
	if threshold <= 0 {
		return hits
	}
	out := hits[:0]
	for _, h := range hits {
		if h.Score >= threshold {
			out = append(out, h)
		}
	}
	return out
}

// EscapeLucene backslash-escapes the reserved query characters so user text
// never breaks full-text parsing.
func EscapeLucene(query string) string {
	var sb strings.Builder
	sb.Grow(len(query))
	for _, r := range query {
		if strings.ContainsRune(luceneReserved, r) {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
