package graphstore

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"engram-memory/internal/memerrors"
	"engram-memory/internal/ports"
	"engram-memory/pkg/types"
)

// updateActivationCypher is completed per label from the fixed NodeLabel set.
const updateActivationCypher = `
MATCH (n:%s {id: $id})
SET n.activation_value = $value,
    n.last_accessed_at = $lastAccessedAt,
    n.access_history = $accessHistory
RETURN n.id AS id`

const fetchActivationCypher = `
MATCH (n {id: $id})
WHERE n:Statement OR n:ExtractedEntity
RETURN labels(n)[0] AS label,
       coalesce(n.config_id, '') AS config_id,
       coalesce(n.activation_value, 0.0) AS activation_value,
       coalesce(n.importance_score, 0.0) AS importance_score,
       n.access_history AS access_history,
       n.last_accessed_at AS last_accessed_at`

const forgettablePairsCypher = `
MATCH (s:Statement {end_user_id: $endUserID})-[:REFERENCES_ENTITY]->(e:ExtractedEntity {end_user_id: $endUserID})
WHERE (s.activation_value + e.activation_value) / 2.0 < $threshold
  AND coalesce(s.last_accessed_at, s.created_at) < $cutoff
  AND coalesce(e.last_accessed_at, e.created_at) < $cutoff
RETURN s.id AS statement_id,
       e.id AS entity_id,
       s.statement AS statement_text,
       e.name AS entity_name,
       coalesce(e.fact_summary, '') AS entity_fact_summary,
       s.activation_value AS statement_activation,
       e.activation_value AS entity_activation
ORDER BY (s.activation_value + e.activation_value) / 2.0 ASC
LIMIT $limit`

const matchPairCypher = `
MATCH (s:Statement {id: $statementID})-[:REFERENCES_ENTITY]->(e:ExtractedEntity {id: $entityID})
RETURN s.id AS sid, e.id AS eid`

// createMergeSummaryCypher attaches the replacement summary to the deleted
/// statement's former retrieval neighbours: its Chunks, summaries derived from
// the same Chunks, and summaries derived from the statement itself.
const createMergeSummaryCypher = `
CREATE (m:MemorySummary {
  id: $id, end_user_id: $endUserID, config_id: $configID, run_id: $runID,
  created_at: $createdAt, expired_at: $expiredAt,
  name: $name, memory_type: $memoryType, content: $content,
  summary_embedding: $embedding
})
WITH m
MATCH (s:Statement {id: $statementID})
OPTIONAL MATCH (s)-[:DERIVED_FROM]->(c:Chunk)
FOREACH (chunk IN CASE WHEN c IS NULL THEN [] ELSE [c] END |
  MERGE (m)-[:DERIVED_FROM_CHUNK]->(chunk))
WITH DISTINCT m, s
OPTIONAL MATCH (s)-[:DERIVED_FROM]->(:Chunk)<-[:DERIVED_FROM_CHUNK]-(peer:MemorySummary)
WHERE peer.id <> m.id
FOREACH (p IN CASE WHEN peer IS NULL THEN [] ELSE [peer] END |
  MERGE (m)-[:RELATED_SUMMARY]->(p))
WITH DISTINCT m, s
OPTIONAL MATCH (prior:MemorySummary)-[:DERIVED_FROM_STATEMENT]->(s)
WHERE prior.id <> m.id
FOREACH (p IN CASE WHEN prior IS NULL THEN [] ELSE [prior] END |
  MERGE (m)-[:RELATED_SUMMARY]->(p))
RETURN DISTINCT m.id AS id`

const deletePairCypher = `
MATCH (s:Statement {id: $statementID})
MATCH (e:ExtractedEntity {id: $entityID})
DETACH DELETE s, e`

const countKnowledgeCypher = `
MATCH (n {end_user_id: $endUserID})
WHERE n:Statement OR n:ExtractedEntity OR n:MemorySummary
RETURN labels(n)[0] AS label, count(n) AS c`

// UpdateActivation persists one activation write; the same update applied
// twice leaves the node unchanged.
func (s *Store) UpdateActivation(ctx context.Context, update types.ActivationUpdate) error {
	start := time.Now()
	var err error
	defer func() { s.metrics.record("update_activation", start, err) }()

	if !update.Label.Valid() {
		err = memerrors.Validationf("invalid node label %q", update.Label)
		return err
	}
	if len(update.AccessHistory) > types.MaxAccessHistory {
		err = memerrors.Invariantf("access_history length %d exceeds %d",
			len(update.AccessHistory), types.MaxAccessHistory)
		return err
	}

	session := s.writeSession(ctx)
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, runErr := tx.Run(ctx, fmt.Sprintf(updateActivationCypher, update.Label), map[string]any{
			"id":             update.ID,
			"value":          update.NewValue,
			"lastAccessedAt": update.LastAccessedAt.UTC(),
			"accessHistory":  timesParam(update.AccessHistory),
		})
		if runErr != nil {
			return nil, runErr
		}
		if _, singleErr := result.Single(ctx); singleErr != nil {
			return nil, memerrors.Wrap(memerrors.KindValidation,
				fmt.Sprintf("node %s not found for activation update", update.ID), singleErr)
		}
		return nil, nil
	})
	if err != nil && memerrors.KindOf(err) == memerrors.KindExternalTransient {
		err = fmt.Errorf("update activation: %w", err)
	}
	return err
}

// FetchActivationState loads the activation bookkeeping of a statement or entity.
func (s *Store) FetchActivationState(ctx context.Context, id string) (*ports.ActivationSnapshot, error) {
	start := time.Now()
	var err error
	defer func() { s.metrics.record("fetch_activation", start, err) }()

	session := s.readSession(ctx)
	defer session.Close(ctx)

	var snap *ports.ActivationSnapshot
	_, err = session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, runErr := tx.Run(ctx, fetchActivationCypher, map[string]any{"id": id})
		if runErr != nil {
			return nil, runErr
		}
		record, singleErr := result.Single(ctx)
		if singleErr != nil {
			return nil, memerrors.Wrap(memerrors.KindValidation,
				fmt.Sprintf("activation node %s not found", id), singleErr)
		}
		state := &types.ActivationState{}
		if raw, ok := record.Get("activation_value"); ok {
			if f, okF := raw.(float64); okF {
				state.ActivationValue = f
			}
		}
		if raw, ok := record.Get("importance_score"); ok {
			if f, okF := raw.(float64); okF {
				state.ImportanceScore = f
			}
		}
		if raw, ok := record.Get("access_history"); ok {
			state.AccessHistory = toTimeSlice(raw)
		}
		if t, ok := timeValue(record, "last_accessed_at"); ok {
			state.LastAccessedAt = t
		}
		snap = &ports.ActivationSnapshot{
			State:    state,
			Label:    types.NodeLabel(stringValue(record, "label")),
			ConfigID: stringValue(record, "config_id"),
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ListForgettablePairs selects low-activation Statement+Entity pairs for one
// end user, ordered by ascending mean activation. Pairs accessed at or after
// cutoff are excluded; the scheduler derives cutoff from its clock.
func (s *Store) ListForgettablePairs(ctx context.Context, endUserID string, cutoff time.Time, limit int) ([]types.ForgettablePair, error) {
	start := time.Now()
	var err error
	defer func() { s.metrics.record("list_forgettable", start, err) }()

	session := s.readSession(ctx)
	defer session.Close(ctx)

	var pairs []types.ForgettablePair
	_, err = session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, runErr := tx.Run(ctx, forgettablePairsCypher, map[string]any{
			"endUserID": endUserID,
			"threshold": s.forgettableThreshold,
			"cutoff":    cutoff.UTC(),
			"limit":     limit,
		})
		if runErr != nil {
			return nil, runErr
		}
		records, collectErr := result.Collect(ctx)
		if collectErr != nil {
			return nil, collectErr
		}
		for _, record := range records {
			pair := types.ForgettablePair{
				StatementID:       stringValue(record, "statement_id"),
				EntityID:          stringValue(record, "entity_id"),
				StatementText:     stringValue(record, "statement_text"),
				EntityName:        stringValue(record, "entity_name"),
				EntityFactSummary: stringValue(record, "entity_fact_summary"),
			}
			if raw, ok := record.Get("statement_activation"); ok {
				if f, okF := raw.(float64); okF {
					pair.StatementActivation = f
				}
			}
			if raw, ok := record.Get("entity_activation"); ok {
				if f, okF := raw.(float64); okF {
					pair.EntityActivation = f
				}
			}
			pairs = append(pairs, pair)
		}
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list forgettable pairs: %w", err)
	}
	return pairs, nil
}

// MergePairIntoSummary replaces a Statement+Entity pair with the given summary
// in one transaction. If either node was already consumed by a concurrent
// merge, the whole transaction rolls back with a conflict error and the caller
// skips the pair.
func (s *Store) MergePairIntoSummary(ctx context.Context, statementID, entityID string, summary *types.MemorySummary) error {
	start := time.Now()
	var err error
	defer func() { s.metrics.record("merge_pair", start, err) }()

	if validateErr := summary.Validate(); validateErr != nil {
		err = memerrors.Wrap(memerrors.KindValidation, "merge summary invalid", validateErr)
		return err
	}

	session := s.writeSession(ctx)
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		probe, runErr := tx.Run(ctx, matchPairCypher, map[string]any{
			"statementID": statementID,
			"entityID":    entityID,
		})
		if runErr != nil {
			return nil, runErr
		}
		if _, singleErr := probe.Single(ctx); singleErr != nil {
			return nil, memerrors.Conflict(
				fmt.Sprintf("pair %s+%s no longer exists", statementID, entityID))
		}

		if _, runErr = tx.Run(ctx, createMergeSummaryCypher, map[string]any{
			"id":          summary.ID,
			"endUserID":   summary.EndUserID,
			"configID":    summary.ConfigID,
			"runID":       summary.RunID,
			"createdAt":   summary.CreatedAt.UTC(),
			"expiredAt":   summary.ExpiredAt.UTC(),
			"name":        summary.Name,
			"memoryType":  string(summary.MemoryType),
			"content":     summary.Content,
			"embedding":   vectorParam(summary.Embedding),
			"statementID": statementID,
		}); runErr != nil {
			return nil, runErr
		}

		_, runErr = tx.Run(ctx, deletePairCypher, map[string]any{
			"statementID": statementID,
			"entityID":    entityID,
		})
		return nil, runErr
	})
	if err != nil && !memerrors.IsConflict(err) {
		err = fmt.Errorf("merge pair into summary: %w", err)
	}
	return err
}

// CountKnowledgeNodes counts statements, entities, and summaries for one end user.
func (s *Store) CountKnowledgeNodes(ctx context.Context, endUserID string) (ports.KnowledgeCounts, error) {
	start := time.Now()
	var err error
	defer func() { s.metrics.record("count_knowledge", start, err) }()

	session := s.readSession(ctx)
	defer session.Close(ctx)

	var counts ports.KnowledgeCounts
	_, err = session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, runErr := tx.Run(ctx, countKnowledgeCypher, map[string]any{"endUserID": endUserID})
		if runErr != nil {
			return nil, runErr
		}
		records, collectErr := result.Collect(ctx)
		if collectErr != nil {
			return nil, collectErr
		}
		for _, record := range records {
			var n int
			if raw, ok := record.Get("c"); ok {
				if i, okI := raw.(int64); okI {
					n = int(i)
				}
			}
			switch types.NodeLabel(stringValue(record, "label")) {
			case types.LabelStatement:
				counts.Statements = n
			case types.LabelEntity:
				counts.Entities = n
			case types.LabelMemorySummary:
				counts.Summaries = n
			}
		}
		return nil, nil
	})
	if err != nil {
		return ports.KnowledgeCounts{}, fmt.Errorf("count knowledge nodes: %w", err)
	}
	return counts, nil
}

func toTimeSlice(raw interface{}) []time.Time {
	values, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]time.Time, 0, len(values))
	for _, v := range values {
		if t, okT := v.(time.Time); okT {
			out = append(out, t)
		}
	}
	return out
}
