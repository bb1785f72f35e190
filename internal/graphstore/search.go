package graphstore

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"engram-memory/internal/ports"
	"engram-memory/pkg/types"
)

var fulltextIndexByLabel = map[types.NodeLabel]string{
	types.LabelChunk:         fulltextChunk,
	types.LabelStatement:     fulltextStatement,
	types.LabelEntity:        fulltextEntity,
	types.LabelMemorySummary: fulltextSummary,
}

var vectorIndexByLabel = map[types.NodeLabel]string{
	types.LabelDialogue:      vectorDialogue,
	types.LabelChunk:         vectorChunk,
	types.LabelStatement:     vectorStatement,
	types.LabelEntity:        vectorEntity,
	types.LabelMemorySummary: vectorSummary,
}

const fulltextSearchCypher = `
CALL db.index.fulltext.queryNodes($index, $query) YIELD node, score
WHERE node.end_user_id = $endUserID
RETURN node.id AS id,
       labels(node)[0] AS label,
       coalesce(node.statement, node.content, node.name) AS content,
       score,
       node.created_at AS created_at,
       node.valid_at AS valid_at
LIMIT $k`

const vectorSearchCypher = `
CALL db.index.vector.queryNodes($index, $probe, $embedding) YIELD node, score
WHERE node.end_user_id = $endUserID AND score >= $threshold
RETURN node.id AS id,
       labels(node)[0] AS label,
       coalesce(node.statement, node.content, node.name) AS content,
       score,
       node.created_at AS created_at,
       node.valid_at AS valid_at
LIMIT $k`

// temporalSearchCypher is completed per label; label names come from the
// fixed NodeLabel set, never from user input.
const temporalSearchCypher = `
MATCH (node:%s)
WHERE node.end_user_id = $endUserID
  AND coalesce(node.valid_at, node.created_at) >= $start
  AND coalesce(node.valid_at, node.created_at) <= $end
RETURN node.id AS id,
       labels(node)[0] AS label,
       coalesce(node.statement, node.content, node.name) AS content,
       1.0 AS score,
       node.created_at AS created_at,
       node.valid_at AS valid_at
ORDER BY coalesce(node.valid_at, node.created_at) DESC
LIMIT $k`

const fetchByIDsCypher = `
MATCH (node)
WHERE node.id IN $ids
RETURN node.id AS id,
       labels(node)[0] AS label,
       coalesce(node.statement, node.content, node.name) AS content,
       1.0 AS score,
       node.created_at AS created_at,
       node.valid_at AS valid_at`

const entitiesByTypeCypher = `
MATCH (e:ExtractedEntity {end_user_id: $endUserID, entity_type: $entityType})
RETURN e.id AS id, e.name AS name, e.description AS description,
       e.name_embedding AS name_embedding`

// SearchKeyword runs the per-label full-text indexes for the query. The
// query text must already have store-reserved characters escaped.
func (s *Store) SearchKeyword(ctx context.Context, q ports.KeywordQuery) ([]types.SearchHit, error) {
	start := time.Now()
	var err error
	defer func() { s.metrics.record("search_keyword", start, err) }()

	session := s.readSession(ctx)
	defer session.Close(ctx)

	var hits []types.SearchHit
	_, err = session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, label := range q.Labels {
			index, ok := fulltextIndexByLabel[label]
			if !ok {
				continue
			}
			result, runErr := tx.Run(ctx, fulltextSearchCypher, map[string]any{
				"index":     index,
				"query":     q.Query,
				"endUserID": q.EndUserID,
				"k":         q.K,
			})
			if runErr != nil {
				return nil, fmt.Errorf("fulltext %s: %w", index, runErr)
			}
			labelHits, collectErr := collectHits(ctx, result, types.SearchKeyword)
			if collectErr != nil {
				return nil, collectErr
			}
			hits = append(hits, labelHits...)
		}
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("search keyword: %w", err)
	}
	return hits, nil
}

// SearchVector runs cosine-similarity search over the per-label vector indexes.
func (s *Store) SearchVector(ctx context.Context, q ports.VectorQuery) ([]types.SearchHit, error) {
	start := time.Now()
	var err error
	defer func() { s.metrics.record("search_vector", start, err) }()

	session := s.readSession(ctx)
	defer session.Close(ctx)

	var hits []types.SearchHit
	_, err = session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, label := range q.Labels {
			index, ok := vectorIndexByLabel[label]
			if !ok {
				continue
			}
			// The index probe over-fetches because tenant filtering happens
			// after the index lookup.
			result, runErr := tx.Run(ctx, vectorSearchCypher, map[string]any{
				"index":     index,
				"probe":     q.K * 4,
				"embedding": vectorParam(q.Embedding),
				"endUserID": q.EndUserID,
				"threshold": q.Threshold,
				"k":         q.K,
			})
			if runErr != nil {
				return nil, fmt.Errorf("vector %s: %w", index, runErr)
			}
			labelHits, collectErr := collectHits(ctx, result, types.SearchEmbedding)
			if collectErr != nil {
				return nil, collectErr
			}
			hits = append(hits, labelHits...)
		}
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("search vector: %w", err)
	}
	return hits, nil
}

// SearchTemporal range-scans valid_at falling back to created_at.
func (s *Store) SearchTemporal(ctx context.Context, q ports.TemporalQuery) ([]types.SearchHit, error) {
	start := time.Now()
	var err error
	defer func() { s.metrics.record("search_temporal", start, err) }()

	session := s.readSession(ctx)
	defer session.Close(ctx)

	var hits []types.SearchHit
	_, err = session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, label := range q.Labels {
			if !label.Valid() {
				continue
			}
			result, runErr := tx.Run(ctx, fmt.Sprintf(temporalSearchCypher, label), map[string]any{
				"endUserID": q.EndUserID,
				"start":     q.Start.UTC(),
				"end":       q.End.UTC(),
				"k":         q.K,
			})
			if runErr != nil {
				return nil, fmt.Errorf("temporal %s: %w", label, runErr)
			}
			labelHits, collectErr := collectHits(ctx, result, types.SearchTemporal)
			if collectErr != nil {
				return nil, collectErr
			}
			hits = append(hits, labelHits...)
		}
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("search temporal: %w", err)
	}
	return hits, nil
}

// FetchByIDs bulk-loads nodes by id.
func (s *Store) FetchByIDs(ctx context.Context, ids []string) ([]types.SearchHit, error) {
	start := time.Now()
	var err error
	defer func() { s.metrics.record("fetch_by_ids", start, err) }()

	if len(ids) == 0 {
		return nil, nil
	}
	session := s.readSession(ctx)
	defer session.Close(ctx)

	var hits []types.SearchHit
	_, err = session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, runErr := tx.Run(ctx, fetchByIDsCypher, map[string]any{"ids": ids})
		if runErr != nil {
			return nil, runErr
		}
		var collectErr error
		hits, collectErr = collectHits(ctx, result, "")
		return nil, collectErr
	})
	if err != nil {
		return nil, fmt.Errorf("fetch by ids: %w", err)
	}
	return hits, nil
}

// FindEntitiesByType returns persisted entity probes for dedup layer B.
func (s *Store) FindEntitiesByType(ctx context.Context, endUserID string, entityType types.EntityType) ([]ports.EntityProbe, error) {
	start := time.Now()
	var err error
	defer func() { s.metrics.record("find_entities_by_type", start, err) }()

	session := s.readSession(ctx)
	defer session.Close(ctx)

	var probes []ports.EntityProbe
	_, err = session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, runErr := tx.Run(ctx, entitiesByTypeCypher, map[string]any{
			"endUserID":  endUserID,
			"entityType": string(entityType),
		})
		if runErr != nil {
			return nil, runErr
		}
		records, collectErr := result.Collect(ctx)
		if collectErr != nil {
			return nil, collectErr
		}
		for _, record := range records {
			probe := ports.EntityProbe{
				ID:          stringValue(record, "id"),
				Name:        stringValue(record, "name"),
				Description: stringValue(record, "description"),
			}
			if raw, ok := record.Get("name_embedding"); ok {
				probe.NameEmbedding = toFloat32Slice(raw)
			}
			probes = append(probes, probe)
		}
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("find entities by type: %w", err)
	}
	return probes, nil
}

func collectHits(ctx context.Context, result neo4j.ResultWithContext, mode types.SearchMode) ([]types.SearchHit, error) {
	records, err := result.Collect(ctx)
	if err != nil {
		return nil, err
	}
	hits := make([]types.SearchHit, 0, len(records))
	for _, record := range records {
		hit := types.SearchHit{
			ID:         stringValue(record, "id"),
			Label:      types.NodeLabel(stringValue(record, "label")),
			Content:    stringValue(record, "content"),
			SourceMode: mode,
		}
		if raw, ok := record.Get("score"); ok {
			if f, okF := raw.(float64); okF {
				hit.Score = f
			}
		}
		if t, ok := timeValue(record, "created_at"); ok {
			hit.CreatedAt = t
		}
		if t, ok := timeValue(record, "valid_at"); ok {
			hit.ValidAt = &t
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func stringValue(record *neo4j.Record, key string) string {
	if raw, ok := record.Get(key); ok {
		if s, okS := raw.(string); okS {
			return s
		}
	}
	return ""
}

func timeValue(record *neo4j.Record, key string) (time.Time, bool) {
	raw, ok := record.Get(key)
	if !ok || raw == nil {
		return time.Time{}, false
	}
	if t, okT := raw.(time.Time); okT {
		return t, true
	}
	return time.Time{}, false
}

func toFloat32Slice(raw interface{}) []float32 {
	values, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]float32, 0, len(values))
	for _, v := range values {
		if f, okF := v.(float64); okF {
			out = append(out, float32(f))
		}
	}
	return out
}
