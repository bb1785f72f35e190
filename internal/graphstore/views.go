package graphstore

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"engram-memory/internal/memerrors"
	"engram-memory/internal/ports"
)

// Summaries written before the perceptual schema carry no perceptual_type;
// they are text memories.
const countPerceptualCypher = `
MATCH (m:MemorySummary {end_user_id: $endUserID})
RETURN coalesce(m.perceptual_type, 'text') AS ptype, count(m) AS total`

const latestPerceptualCypher = `
MATCH (m:MemorySummary {end_user_id: $endUserID})
WHERE coalesce(m.perceptual_type, 'text') = $perceptualType
RETURN m.id AS id, m.name AS title, m.content AS content,
       coalesce(m.perceptual_type, 'text') AS ptype,
       m.created_at AS created_at
ORDER BY m.created_at DESC
LIMIT 1`

const episodicOverviewCypher = `
MATCH (m:MemorySummary {end_user_id: $endUserID})
WHERE ($since IS NULL OR m.created_at >= $since)
  AND ($memoryType = '' OR m.memory_type = $memoryType)
  AND ($titleKeyword = '' OR toLower(m.name) CONTAINS toLower($titleKeyword))
RETURN m.id AS id, m.name AS title, m.memory_type AS memory_type,
       m.created_at AS created_at
ORDER BY m.created_at DESC
LIMIT $limit`

// episodicDetailCypher gathers the statements behind a summary through both
// provenance paths: chunk-derived (write path) and statement-derived
// (forgetting merges).
const episodicDetailCypher = `
MATCH (m:MemorySummary {id: $id, end_user_id: $endUserID})
OPTIONAL MATCH (m)-[:DERIVED_FROM_CHUNK]->(:Chunk)<-[:DERIVED_FROM]-(s1:Statement)
OPTIONAL MATCH (m)-[:DERIVED_FROM_STATEMENT]->(s2:Statement)
WITH m, collect(DISTINCT s1) + collect(DISTINCT s2) AS stmts
OPTIONAL MATCH (st:Statement)-[:REFERENCES_ENTITY]->(e:ExtractedEntity)
WHERE st IN stmts
WITH m, stmts, collect(DISTINCT e.name) AS objects
RETURN m.id AS id, m.name AS title, m.memory_type AS memory_type,
       m.content AS content, m.created_at AS created_at,
       objects,
       [st IN stmts | {text: st.statement,
                       emotion_type: st.emotion_type,
                       emotion_intensity: st.emotion_intensity}] AS statements`

// CountPerceptual returns summary counts keyed by perceptual type.
func (s *Store) CountPerceptual(ctx context.Context, endUserID string) (map[string]int, error) {
	start := time.Now()
	var err error
	defer func() { s.metrics.record("count_perceptual", start, err) }()

	session := s.readSession(ctx)
	defer session.Close(ctx)

	counts := make(map[string]int)
	_, err = session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, runErr := tx.Run(ctx, countPerceptualCypher, map[string]any{
			"endUserID": endUserID,
		})
		if runErr != nil {
			return nil, runErr
		}
		for result.Next(ctx) {
			record := result.Record()
			counts[stringValue(record, "ptype")] = intValue(record, "total")
		}
		return nil, result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("count perceptual: %w", err)
	}
	return counts, nil
}

// LatestPerceptual returns the newest summary of the given perceptual type,
// or nil when the user has none.
func (s *Store) LatestPerceptual(ctx context.Context, endUserID, perceptualType string) (*ports.PerceptualRecord, error) {
	start := time.Now()
	var err error
	defer func() { s.metrics.record("latest_perceptual", start, err) }()

	session := s.readSession(ctx)
	defer session.Close(ctx)

	var record *ports.PerceptualRecord
	_, err = session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, runErr := tx.Run(ctx, latestPerceptualCypher, map[string]any{
			"endUserID":      endUserID,
			"perceptualType": perceptualType,
		})
		if runErr != nil {
			return nil, runErr
		}
		if result.Next(ctx) {
			row := result.Record()
			created, _ := timeValue(row, "created_at")
			record = &ports.PerceptualRecord{
				ID:             stringValue(row, "id"),
				Title:          stringValue(row, "title"),
				Content:        stringValue(row, "content"),
				PerceptualType: stringValue(row, "ptype"),
				CreatedAt:      created,
			}
		}
		return nil, result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("latest perceptual: %w", err)
	}
	return record, nil
}

// EpisodicOverview lists summaries matching the filter, newest first.
func (s *Store) EpisodicOverview(ctx context.Context, q ports.EpisodicQuery) ([]ports.EpisodicEntry, error) {
	start := time.Now()
	var err error
	defer func() { s.metrics.record("episodic_overview", start, err) }()

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	var since any
	if q.Since != nil {
		since = q.Since.UTC()
	}

	session := s.readSession(ctx)
	defer session.Close(ctx)

	var entries []ports.EpisodicEntry
	_, err = session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, runErr := tx.Run(ctx, episodicOverviewCypher, map[string]any{
			"endUserID":    q.EndUserID,
			"since":        since,
			"memoryType":   q.MemoryType,
			"titleKeyword": q.TitleKeyword,
			"limit":        limit,
		})
		if runErr != nil {
			return nil, runErr
		}
		for result.Next(ctx) {
			row := result.Record()
			created, _ := timeValue(row, "created_at")
			entries = append(entries, ports.EpisodicEntry{
				ID:         stringValue(row, "id"),
				Title:      stringValue(row, "title"),
				MemoryType: stringValue(row, "memory_type"),
				CreatedAt:  created,
			})
		}
		return nil, result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("episodic overview: %w", err)
	}
	return entries, nil
}

// EpisodicDetail resolves one summary with its referenced entities and the
// statements behind it. A missing summary is a validation error.
func (s *Store) EpisodicDetail(ctx context.Context, endUserID, summaryID string) (*ports.EpisodicDetailRecord, error) {
	start := time.Now()
	var err error
	defer func() { s.metrics.record("episodic_detail", start, err) }()

	session := s.readSession(ctx)
	defer session.Close(ctx)

	var detail *ports.EpisodicDetailRecord
	_, err = session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, runErr := tx.Run(ctx, episodicDetailCypher, map[string]any{
			"id":        summaryID,
			"endUserID": endUserID,
		})
		if runErr != nil {
			return nil, runErr
		}
		if !result.Next(ctx) {
			if resErr := result.Err(); resErr != nil {
				return nil, resErr
			}
			return nil, memerrors.Validationf("summary %s not found", summaryID)
		}
		row := result.Record()
		created, _ := timeValue(row, "created_at")
		detail = &ports.EpisodicDetailRecord{
			ID:              stringValue(row, "id"),
			Title:           stringValue(row, "title"),
			MemoryType:      stringValue(row, "memory_type"),
			Content:         stringValue(row, "content"),
			CreatedAt:       created,
			InvolvedObjects: stringSlice(row, "objects"),
			Statements:      emotionRecords(row, "statements"),
		}
		return nil, nil
	})
	if err != nil {
		if memerrors.KindOf(err) == memerrors.KindValidation {
			return nil, err
		}
		return nil, fmt.Errorf("episodic detail: %w", err)
	}
	return detail, nil
}

func intValue(record *neo4j.Record, key string) int {
	if raw, ok := record.Get(key); ok {
		if n, okN := raw.(int64); okN {
			return int(n)
		}
	}
	return 0
}

func stringSlice(record *neo4j.Record, key string) []string {
	raw, ok := record.Get(key)
	if !ok {
		return nil
	}
	values, okV := raw.([]interface{})
	if !okV {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, okS := v.(string); okS && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func emotionRecords(record *neo4j.Record, key string) []ports.EmotionRecord {
	raw, ok := record.Get(key)
	if !ok {
		return nil
	}
	values, okV := raw.([]interface{})
	if !okV {
		return nil
	}
	out := make([]ports.EmotionRecord, 0, len(values))
	for _, v := range values {
		m, okM := v.(map[string]interface{})
		if !okM {
			continue
		}
		rec := ports.EmotionRecord{}
		if text, okT := m["text"].(string); okT {
			rec.StatementText = text
		}
		if et, okT := m["emotion_type"].(string); okT {
			rec.EmotionType = et
		}
		if ei, okF := m["emotion_intensity"].(float64); okF {
			rec.EmotionIntensity = ei
		}
		if rec.StatementText != "" {
			out = append(out, rec)
		}
	}
	return out
}
