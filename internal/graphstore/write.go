package graphstore

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"engram-memory/internal/memerrors"
	"engram-memory/pkg/types"
)

const mergeDialogueCypher = `
MERGE (d:Dialogue {id: $id})
SET d.end_user_id = $endUserID,
    d.config_id = $configID,
    d.run_id = $runID,
    d.ref_id = $refID,
    d.content = $content,
    d.dialog_embedding = $embedding,
    d.created_at = $createdAt,
    d.expired_at = $expiredAt`

const mergeChunksCypher = `
MATCH (d:Dialogue {id: $dialogueID})
UNWIND $chunks AS c
MERGE (ch:Chunk {id: c.id})
SET ch.end_user_id = c.end_user_id,
    ch.config_id = c.config_id,
    ch.run_id = c.run_id,
    ch.dialogue_id = c.dialogue_id,
    ch.content = c.content,
    ch.speaker = c.speaker,
    ch.sequence_index = c.sequence_index,
    ch.chunk_embedding = c.chunk_embedding,
    ch.created_at = c.created_at,
    ch.expired_at = c.expired_at
MERGE (d)-[:HAS_CHUNK]->(ch)`

const mergeEntitiesCypher = `
UNWIND $entities AS e
MERGE (n:ExtractedEntity {id: e.id})
SET n.end_user_id = e.end_user_id,
    n.config_id = e.config_id,
    n.run_id = e.run_id,
    n.name = e.name,
    n.entity_type = e.entity_type,
    n.description = e.description,
    n.fact_summary = e.fact_summary,
    n.is_explicit_memory = e.is_explicit_memory,
    n.name_embedding = e.name_embedding,
    n.activation_value = e.activation_value,
    n.importance_score = e.importance_score,
    n.access_history = e.access_history,
    n.last_accessed_at = e.last_accessed_at,
    n.created_at = e.created_at,
    n.expired_at = e.expired_at`

const mergeStatementsCypher = `
UNWIND $statements AS st
MERGE (n:Statement {id: st.id})
SET n.end_user_id = st.end_user_id,
    n.config_id = st.config_id,
    n.run_id = st.run_id,
    n.statement = st.statement,
    n.stmt_type = st.stmt_type,
    n.temporal_info = st.temporal_info,
    n.valid_at = st.valid_at,
    n.invalid_at = st.invalid_at,
    n.emotion_type = st.emotion_type,
    n.emotion_intensity = st.emotion_intensity,
    n.statement_embedding = st.statement_embedding,
    n.activation_value = st.activation_value,
    n.importance_score = st.importance_score,
    n.access_history = st.access_history,
    n.last_accessed_at = st.last_accessed_at,
    n.created_at = st.created_at,
    n.expired_at = st.expired_at
WITH n, st
UNWIND st.chunk_ids AS cid
MATCH (c:Chunk {id: cid})
MERGE (n)-[:DERIVED_FROM]->(c)`

const statementEntityEdgesCypher = `
UNWIND $edges AS edge
MATCH (s:Statement {id: edge.statement_id})
MATCH (e:ExtractedEntity {id: edge.entity_id})
MERGE (s)-[:REFERENCES_ENTITY]->(e)`

// entityRelationCypher is completed with the predicate name. Predicates are
// validated against the curated enum before interpolation; user input never
// reaches the query text.
const entityRelationCypher = `
UNWIND $relations AS r
MATCH (a:ExtractedEntity {id: r.subject_id})
MATCH (b:ExtractedEntity {id: r.object_id})
MERGE (a)-[rel:%s]->(b)
SET rel.value = r.value,
    rel.valid_at = r.valid_at,
    rel.invalid_at = r.invalid_at,
    rel.statement = r.statement`

const mergeSummariesCypher = `
UNWIND $summaries AS sm
MERGE (n:MemorySummary {id: sm.id})
SET n.end_user_id = sm.end_user_id,
    n.config_id = sm.config_id,
    n.run_id = sm.run_id,
    n.name = sm.name,
    n.memory_type = sm.memory_type,
    n.content = sm.content,
    n.summary_embedding = sm.summary_embedding,
    n.chunk_ids = sm.chunk_ids,
    n.created_at = sm.created_at,
    n.expired_at = sm.expired_at
WITH n, sm
UNWIND sm.chunk_ids AS cid
MATCH (c:Chunk {id: cid})
MERGE (n)-[:DERIVED_FROM_CHUNK]->(c)`

const entityDescriptionUpdateCypher = `
UNWIND $updates AS u
MATCH (e:ExtractedEntity {id: u.id})
SET e.description = u.description`

const summaryStatementEdgesCypher = `
UNWIND $edges AS edge
MATCH (n:MemorySummary {id: edge.summary_id})
MATCH (s:Statement {id: edge.statement_id})
MERGE (n)-[:DERIVED_FROM_STATEMENT]->(s)`

// WriteDialogueBatch persists the whole bundle inside a single explicit
// write transaction; either everything commits or nothing does.
func (s *Store) WriteDialogueBatch(ctx context.Context, bundle *types.DialogueBundle) error {
	start := time.Now()
	var err error
	defer func() { s.metrics.record("write_dialogue_batch", start, err) }()

	if err = bundle.Validate(); err != nil {
		return memerrors.Wrap(memerrors.KindInvariantViolated, "bundle failed validation", err)
	}

	session := s.writeSession(ctx)
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, mergeDialogueCypher, dialogueParams(&bundle.Dialogue)); err != nil {
			return nil, fmt.Errorf("merge dialogue: %w", err)
		}
		if _, err := tx.Run(ctx, mergeChunksCypher, map[string]any{
			"dialogueID": bundle.Dialogue.ID,
			"chunks":     chunkParams(bundle.Chunks),
		}); err != nil {
			return nil, fmt.Errorf("merge chunks: %w", err)
		}
		if len(bundle.Entities) > 0 {
			if _, err := tx.Run(ctx, mergeEntitiesCypher, map[string]any{
				"entities": entityParams(bundle.Entities),
			}); err != nil {
				return nil, fmt.Errorf("merge entities: %w", err)
			}
		}
		if len(bundle.Statements) > 0 {
			if _, err := tx.Run(ctx, mergeStatementsCypher, map[string]any{
				"statements": statementParams(bundle.Statements),
			}); err != nil {
				return nil, fmt.Errorf("merge statements: %w", err)
			}
			if edges := statementEntityEdges(bundle.Statements); len(edges) > 0 {
				if _, err := tx.Run(ctx, statementEntityEdgesCypher, map[string]any{"edges": edges}); err != nil {
					return nil, fmt.Errorf("merge statement-entity edges: %w", err)
				}
			}
		}
		if len(bundle.EntityDescriptionUpdates) > 0 {
			updates := make([]map[string]any, 0, len(bundle.EntityDescriptionUpdates))
			for id, description := range bundle.EntityDescriptionUpdates {
				updates = append(updates, map[string]any{"id": id, "description": description})
			}
			if _, err := tx.Run(ctx, entityDescriptionUpdateCypher, map[string]any{"updates": updates}); err != nil {
				return nil, fmt.Errorf("merge entity descriptions: %w", err)
			}
		}
		for predicate, relations := range relationsByPredicate(bundle.Relations) {
			query := fmt.Sprintf(entityRelationCypher, predicate)
			if _, err := tx.Run(ctx, query, map[string]any{"relations": relations}); err != nil {
				return nil, fmt.Errorf("merge %s relations: %w", predicate, err)
			}
		}
		if len(bundle.Summaries) > 0 {
			if _, err := tx.Run(ctx, mergeSummariesCypher, map[string]any{
				"summaries": summaryParams(bundle.Summaries),
			}); err != nil {
				return nil, fmt.Errorf("merge summaries: %w", err)
			}
			if edges := summaryStatementEdges(bundle.Summaries); len(edges) > 0 {
				if _, err := tx.Run(ctx, summaryStatementEdgesCypher, map[string]any{"edges": edges}); err != nil {
					return nil, fmt.Errorf("merge summary-statement edges: %w", err)
				}
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("write dialogue batch %s: %w", bundle.Dialogue.ID, err)
	}

	s.logger.InfoContext(ctx, "dialogue batch written",
		"dialogue_id", bundle.Dialogue.ID,
		"chunks", len(bundle.Chunks),
		"statements", len(bundle.Statements),
		"entities", len(bundle.Entities),
		"summaries", len(bundle.Summaries),
	)
	return nil
}

func dialogueParams(d *types.Dialogue) map[string]any {
	return map[string]any{
		"id":        d.ID,
		"endUserID": d.EndUserID,
		"configID":  d.ConfigID,
		"runID":     d.RunID,
		"refID":     d.RefID,
		"content":   d.Content,
		"embedding": vectorParam(d.Embedding),
		"createdAt": d.CreatedAt.UTC(),
		"expiredAt": d.ExpiredAt.UTC(),
	}
}

func chunkParams(chunks []types.Chunk) []map[string]any {
	out := make([]map[string]any, len(chunks))
	for i := range chunks {
		c := &chunks[i]
		out[i] = map[string]any{
			"id":              c.ID,
			"end_user_id":     c.EndUserID,
			"config_id":       c.ConfigID,
			"run_id":          c.RunID,
			"dialogue_id":     c.DialogueID,
			"content":         c.Content,
			"speaker":         c.Speaker,
			"sequence_index":  c.SequenceIndex,
			"chunk_embedding": vectorParam(c.Embedding),
			"created_at":      c.CreatedAt.UTC(),
			"expired_at":      c.ExpiredAt.UTC(),
		}
	}
	return out
}

func entityParams(entities []types.Entity) []map[string]any {
	out := make([]map[string]any, len(entities))
	for i := range entities {
		e := &entities[i]
		out[i] = map[string]any{
			"id":                 e.ID,
			"end_user_id":        e.EndUserID,
			"config_id":          e.ConfigID,
			"run_id":             e.RunID,
			"name":               e.Name,
			"entity_type":        string(e.Type),
			"description":        e.Description,
			"fact_summary":       e.FactSummary,
			"is_explicit_memory": e.IsExplicitMemory,
			"name_embedding":     vectorParam(e.NameEmbedding),
			"activation_value":   e.ActivationValue,
			"importance_score":   e.ImportanceScore,
			"access_history":     timesParam(e.AccessHistory),
			"last_accessed_at":   e.LastAccessedAt.UTC(),
			"created_at":         e.CreatedAt.UTC(),
			"expired_at":         e.ExpiredAt.UTC(),
		}
	}
	return out
}

func statementParams(statements []types.Statement) []map[string]any {
	out := make([]map[string]any, len(statements))
	for i := range statements {
		st := &statements[i]
		out[i] = map[string]any{
			"id":                  st.ID,
			"end_user_id":         st.EndUserID,
			"config_id":           st.ConfigID,
			"run_id":              st.RunID,
			"statement":           st.Statement,
			"stmt_type":           string(st.Type),
			"temporal_info":       string(st.Temporal),
			"valid_at":            optionalTime(st.ValidAt),
			"invalid_at":          optionalTime(st.InvalidAt),
			"emotion_type":        st.EmotionType,
			"emotion_intensity":   st.EmotionIntensity,
			"statement_embedding": vectorParam(st.Embedding),
			"activation_value":    st.ActivationValue,
			"importance_score":    st.ImportanceScore,
			"access_history":      timesParam(st.AccessHistory),
			"last_accessed_at":    st.LastAccessedAt.UTC(),
			"created_at":          st.CreatedAt.UTC(),
			"expired_at":          st.ExpiredAt.UTC(),
			"chunk_ids":           st.ChunkIDs,
		}
	}
	return out
}

func statementEntityEdges(statements []types.Statement) []map[string]any {
	var edges []map[string]any
	for i := range statements {
		for _, eid := range statements[i].EntityIDs {
			edges = append(edges, map[string]any{
				"statement_id": statements[i].ID,
				"entity_id":    eid,
			})
		}
	}
	return edges
}

func relationsByPredicate(relations []types.EntityRelation) map[types.Predicate][]map[string]any {
	grouped := make(map[types.Predicate][]map[string]any)
	for i := range relations {
		r := &relations[i]
		if !r.Predicate.Valid() {
			continue
		}
		grouped[r.Predicate] = append(grouped[r.Predicate], map[string]any{
			"subject_id": r.SubjectID,
			"object_id":  r.ObjectID,
			"value":      r.Value,
			"valid_at":   optionalTime(r.ValidAt),
			"invalid_at": optionalTime(r.InvalidAt),
			"statement":  r.Statement,
		})
	}
	return grouped
}

func summaryParams(summaries []types.MemorySummary) []map[string]any {
	out := make([]map[string]any, len(summaries))
	for i := range summaries {
		sm := &summaries[i]
		out[i] = map[string]any{
			"id":                sm.ID,
			"end_user_id":       sm.EndUserID,
			"config_id":         sm.ConfigID,
			"run_id":            sm.RunID,
			"name":              sm.Name,
			"memory_type":       string(sm.MemoryType),
			"content":           sm.Content,
			"summary_embedding": vectorParam(sm.Embedding),
			"chunk_ids":         sm.ChunkIDs,
			"created_at":        sm.CreatedAt.UTC(),
			"expired_at":        sm.ExpiredAt.UTC(),
		}
	}
	return out
}

func summaryStatementEdges(summaries []types.MemorySummary) []map[string]any {
	var edges []map[string]any
	for i := range summaries {
		for _, sid := range summaries[i].StatementIDs {
			edges = append(edges, map[string]any{
				"summary_id":   summaries[i].ID,
				"statement_id": sid,
			})
		}
	}
	return edges
}
