// Package writer coordinates the write path: preprocessing, parallel
// extraction and summarisation, two-layer dedup, batched embedding, and the
// single atomic graph write. Node ids are derived deterministically from
// content so re-ingesting the same dialogue converges on the same graph.
package writer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"engram-memory/internal/config"
	"engram-memory/internal/dedup"
	"engram-memory/internal/extraction"
	"engram-memory/internal/logging"
	"engram-memory/internal/memerrors"
	"engram-memory/internal/ports"
	"engram-memory/internal/preprocess"
	"engram-memory/internal/summarize"
	"engram-memory/pkg/types"
)

// idNamespace seeds deterministic SHA1 ids. Changing it invalidates the
// idempotency of every existing graph.
var idNamespace = uuid.MustParse("7a1c9e4e-2b6f-4d5a-9c3e-1f8b2a6d4e0c")

// ContextSource supplies recent dialogue context for extraction. The session
// store implements it; nil disables context injection.
type ContextSource interface {
	RecentContext(ctx context.Context, endUserID string, maxChars int) (string, error)
}

// Coordinator is the single write entry point.
type Coordinator struct {
	pre        *preprocess.Preprocessor
	extractor  *extraction.Extractor
	summarizer *summarize.Summarizer
	deduper    *dedup.Deduper
	embedder   ports.Embedder
	store      ports.GraphStore
	configs    config.ConfigProvider
	sessions   ContextSource
	clock      ports.Clock
	logger     logging.Logger
}

// NewCoordinator wires the write pipeline.
func NewCoordinator(
	pre *preprocess.Preprocessor,
	extractor *extraction.Extractor,
	summarizer *summarize.Summarizer,
	deduper *dedup.Deduper,
	embedder ports.Embedder,
	store ports.GraphStore,
	configs config.ConfigProvider,
	sessions ContextSource,
	clock ports.Clock,
) *Coordinator {
	return &Coordinator{
		pre:        pre,
		extractor:  extractor,
		summarizer: summarizer,
		deduper:    deduper,
		embedder:   embedder,
		store:      store,
		configs:    configs,
		sessions:   sessions,
		clock:      clock,
		logger:     logging.WithComponent("writer"),
	}
}

// Ingest runs the full write pipeline for one dialogue. Any hard error aborts
// the ingest; nothing partial becomes visible.
func (c *Coordinator) Ingest(ctx context.Context, payload *types.DialoguePayload) (*types.IngestResult, error) {
	mc, err := c.configs.Get(ctx, payload.ConfigID)
	if err != nil {
		return nil, memerrors.Wrap(memerrors.KindExternalTransient, "resolve memory config", err)
	}

	drafts, err := c.pre.Process(ctx, payload, mc)
	if err != nil {
		return nil, err
	}

	now := c.clock.Now()
	dialogue := c.buildDialogue(payload, now)
	chunks := c.buildChunks(payload, dialogue.ID, drafts, now)

	sessionContext := ""
	if c.sessions != nil && mc.IncludeDialogueContext {
		if sc, scErr := c.sessions.RecentContext(ctx, payload.EndUserID, mc.MaxDialogueContextChars); scErr == nil {
			sessionContext = sc
		}
	}

	// extraction and summarisation run side by side over the same chunks
	var extractions []extraction.ChunkExtraction
	var summaryDrafts []summarize.SummaryDraft
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		inputs := make([]extraction.ChunkInput, len(chunks))
		for i := range chunks {
			inputs[i] = extraction.ChunkInput{
				ChunkID: chunks[i].ID,
				Content: chunks[i].Content,
				Speaker: chunks[i].Speaker,
			}
		}
		var exErr error
		extractions, exErr = c.extractor.ExtractAll(gctx, inputs, mc, sessionContext)
		return exErr
	})
	g.Go(func() error {
		var smErr error
		summaryDrafts, smErr = c.summarizer.SummarizeChunks(gctx, chunks, mc)
		return smErr
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// dedup layer A over the aggregated candidates
	candidates, candidateByTempID := collectCandidates(extractions)
	report, err := c.deduper.DedupeBatch(ctx, candidates, mc)
	if err != nil {
		return nil, err
	}

	// one embedding pass covers every text the bundle needs
	statementVectors, summaryVectors, err := c.embedAll(ctx, &dialogue, chunks, extractions, report, summaryDrafts)
	if err != nil {
		return nil, err
	}

	// layer B against the persisted graph, now that embeddings exist
	if err := c.deduper.DedupeAgainstStore(ctx, payload.EndUserID, report, mc); err != nil {
		return nil, err
	}

	bundle, result, err := c.buildBundle(payload, mc, dialogue, chunks, extractions, summaryDrafts, report, candidateByTempID, statementVectors, summaryVectors)
	if err != nil {
		return nil, err
	}

	if err := c.store.WriteDialogueBatch(ctx, bundle); err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "dialogue ingested",
		"end_user_id", payload.EndUserID,
		"ref_id", payload.RefID,
		"chunks", len(result.ChunkIDs),
		"statements", len(result.StatementIDs),
		"entities", len(result.EntityIDs),
		"summaries", len(result.SummaryIDs),
	)
	return result, nil
}

// DialogueID derives the stable dialogue id for an (end user, ref) pair.
func DialogueID(endUserID, refID string) string {
	return deterministicID("dialogue", endUserID, refID)
}

// EntityID derives the stable entity id for a tenant-scoped (type, name).
func EntityID(endUserID string, entityType types.EntityType, name string) string {
	return deterministicID("entity", endUserID, string(entityType), name)
}

func deterministicID(parts ...string) string {
	return uuid.NewSHA1(idNamespace, []byte(strings.Join(parts, "\x00"))).String()
}

func (c *Coordinator) buildDialogue(payload *types.DialoguePayload, now time.Time) types.Dialogue {
	var sb strings.Builder
	for i, m := range payload.Messages {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(preprocess.NormalizeRole(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Msg)
	}
	return types.Dialogue{
		NodeMeta: types.NodeMeta{
			ID:        DialogueID(payload.EndUserID, payload.RefID),
			EndUserID: payload.EndUserID,
			ConfigID:  payload.ConfigID,
			RunID:     payload.RunID,
			CreatedAt: now,
			ExpiredAt: types.ExpiredAtSentinel,
		},
		RefID:   payload.RefID,
		Content: sb.String(),
	}
}

func (c *Coordinator) buildChunks(payload *types.DialoguePayload, dialogueID string, drafts []preprocess.ChunkDraft, now time.Time) []types.Chunk {
	chunks := make([]types.Chunk, len(drafts))
	for i, d := range drafts {
		chunks[i] = types.Chunk{
			NodeMeta: types.NodeMeta{
				ID:        deterministicID("chunk", dialogueID, fmt.Sprintf("%d", d.SequenceIndex), d.Content),
				EndUserID: payload.EndUserID,
				ConfigID:  payload.ConfigID,
				RunID:     payload.RunID,
				CreatedAt: now,
				ExpiredAt: types.ExpiredAtSentinel,
			},
			DialogueID:    dialogueID,
			Content:       d.Content,
			Speaker:       d.Speaker,
			SequenceIndex: d.SequenceIndex,
		}
	}
	return chunks
}

// collectCandidates flattens per-chunk entity candidates into the dedup input
// and indexes them by temp id for later assembly.
func collectCandidates(extractions []extraction.ChunkExtraction) ([]dedup.Candidate, map[string]*extraction.EntityCandidate) {
	var candidates []dedup.Candidate
	byTempID := make(map[string]*extraction.EntityCandidate)
	for i := range extractions {
		for j := range extractions[i].Entities {
			ec := &extractions[i].Entities[j]
			byTempID[ec.TempID] = ec
			candidates = append(candidates, dedup.Candidate{
				TempID:      ec.TempID,
				Name:        ec.Name,
				Type:        ec.Type,
				Description: ec.Description,
			})
		}
	}
	return candidates, byTempID
}

// embedAll computes every embedding the bundle needs in one batched pass:
// dialogue content, chunk contents, statement texts, surviving entity names,
// and summary contents, in that order.
func (c *Coordinator) embedAll(
	ctx context.Context,
	dialogue *types.Dialogue,
	chunks []types.Chunk,
	extractions []extraction.ChunkExtraction,
	report *dedup.Report,
	summaryDrafts []summarize.SummaryDraft,
) (statementVectors, summaryVectors [][]float32, err error) {
	texts := []string{dialogue.Content}
	for i := range chunks {
		texts = append(texts, chunks[i].Content)
	}
	statementStart := len(texts)
	statementCount := 0
	for i := range extractions {
		for j := range extractions[i].Statements {
			texts = append(texts, extractions[i].Statements[j].Statement)
			statementCount++
		}
	}
	entityStart := statementStart + statementCount
	for i := range report.Survivors {
		texts = append(texts, report.Survivors[i].Name)
	}
	summaryStart := entityStart + len(report.Survivors)
	for i := range summaryDrafts {
		texts = append(texts, summaryDrafts[i].Content)
	}

	vectors, err := c.embedder.EmbedMany(ctx, texts)
	if err != nil {
		return nil, nil, err
	}
	if len(vectors) != len(texts) {
		return nil, nil, memerrors.Invariantf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}

	dialogue.Embedding = vectors[0]
	for i := range chunks {
		chunks[i].Embedding = vectors[1+i]
	}
	for i := range report.Survivors {
		report.Survivors[i].NameEmbedding = vectors[entityStart+i]
	}
	return vectors[statementStart:entityStart], vectors[summaryStart:], nil
}

// buildBundle assembles the final value bundle, rewriting every entity
// reference through the dedup redirect map and applying temporal defaults.
func (c *Coordinator) buildBundle(
	payload *types.DialoguePayload,
	mc *config.MemoryConfig,
	dialogue types.Dialogue,
	chunks []types.Chunk,
	extractions []extraction.ChunkExtraction,
	summaryDrafts []summarize.SummaryDraft,
	report *dedup.Report,
	candidateByTempID map[string]*extraction.EntityCandidate,
	statementVectors, summaryVectors [][]float32,
) (*types.DialogueBundle, *types.IngestResult, error) {
	now := dialogue.CreatedAt

	// surviving entities get deterministic graph ids; the redirect map then
	// carries temp id -> graph id for every mention
	entityIDByTempID := make(map[string]string, len(candidateByTempID))
	entities := make([]types.Entity, 0, len(report.Survivors))
	for i := range report.Survivors {
		survivor := &report.Survivors[i]
		id := EntityID(payload.EndUserID, survivor.Type, survivor.Name)
		entityIDByTempID[survivor.TempID] = id
		entity := types.Entity{
			NodeMeta: types.NodeMeta{
				ID:        id,
				EndUserID: payload.EndUserID,
				ConfigID:  payload.ConfigID,
				RunID:     payload.RunID,
				CreatedAt: now,
				ExpiredAt: types.ExpiredAtSentinel,
			},
			Name:          survivor.Name,
			Type:          survivor.Type,
			Description:   survivor.Description,
			NameEmbedding: survivor.NameEmbedding,
		}
		entity.ImportanceScore = defaultEntityImportance
		entity.ActivationValue = 1.0
		entity.AccessHistory = []time.Time{now}
		entity.LastAccessedAt = now
		entities = append(entities, entity)
	}

	resolveEntity := func(tempID string) string {
		resolved := report.Resolve(tempID)
		if graphID, ok := entityIDByTempID[resolved]; ok {
			return graphID
		}
		// resolved to a persisted graph id in layer B
		return resolved
	}

	invalidDefault := types.ExpiredAtSentinel
	var statements []types.Statement
	var statementIDs []string
	var statementVectorIdx int
	for i := range extractions {
		for j := range extractions[i].Statements {
			sc := &extractions[i].Statements[j]
			validAt := sc.ValidAt
			if validAt == nil {
				v := now
				validAt = &v
			}
			invalidAt := sc.InvalidAt
			if invalidAt == nil {
				invalidAt = &invalidDefault
			}
			stmt := types.Statement{
				NodeMeta: types.NodeMeta{
					ID:        deterministicID("statement", dialogue.ID, sc.Statement),
					EndUserID: payload.EndUserID,
					ConfigID:  payload.ConfigID,
					RunID:     payload.RunID,
					CreatedAt: now,
					ExpiredAt: types.ExpiredAtSentinel,
				},
				Statement:        sc.Statement,
				Type:             sc.Type,
				Temporal:         sc.Temporal,
				ValidAt:          validAt,
				InvalidAt:        invalidAt,
				EmotionType:      sc.EmotionType,
				EmotionIntensity: sc.EmotionIntensity,
				ChunkIDs:         []string{sc.ChunkID},
			}
			stmt.ImportanceScore = sc.ImportanceScore
			stmt.ActivationValue = 1.0
			stmt.AccessHistory = []time.Time{now}
			stmt.LastAccessedAt = now
			if statementVectorIdx < len(statementVectors) {
				stmt.Embedding = statementVectors[statementVectorIdx]
			}
			statementVectorIdx++

			seen := make(map[string]struct{}, len(sc.EntityTempIDs))
			for _, tempID := range sc.EntityTempIDs {
				id := resolveEntity(tempID)
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				stmt.EntityIDs = append(stmt.EntityIDs, id)
			}
			statements = append(statements, stmt)
			statementIDs = append(statementIDs, stmt.ID)
		}
	}

	var relations []types.EntityRelation
	for i := range extractions {
		for j := range extractions[i].Relations {
			rc := &extractions[i].Relations[j]
			subject := resolveEntity(rc.SubjectTempID)
			object := resolveEntity(rc.ObjectTempID)
			if subject == object {
				continue
			}
			relations = append(relations, types.EntityRelation{
				SubjectID: subject,
				ObjectID:  object,
				Predicate: rc.Predicate,
				Value:     rc.Value,
				ValidAt:   rc.ValidAt,
				InvalidAt: rc.InvalidAt,
				Statement: rc.Statement,
			})
		}
	}

	summaries := make([]types.MemorySummary, 0, len(summaryDrafts))
	var summaryIDs []string
	for i := range summaryDrafts {
		sd := &summaryDrafts[i]
		title := sd.Title
		if title == "" {
			title = summarize.EmptyTitle(mc.Language)
		}
		summary := types.MemorySummary{
			NodeMeta: types.NodeMeta{
				ID:        deterministicID("summary", sd.ChunkID),
				EndUserID: payload.EndUserID,
				ConfigID:  payload.ConfigID,
				RunID:     payload.RunID,
				CreatedAt: now,
				ExpiredAt: types.ExpiredAtSentinel,
			},
			Name:       title,
			MemoryType: sd.MemoryType,
			Content:    sd.Content,
			ChunkIDs:   []string{sd.ChunkID},
		}
		if i < len(summaryVectors) {
			summary.Embedding = summaryVectors[i]
		}
		summaries = append(summaries, summary)
		summaryIDs = append(summaryIDs, summary.ID)
	}

	bundle := &types.DialogueBundle{
		Dialogue:                 dialogue,
		Chunks:                   chunks,
		Statements:               statements,
		Entities:                 entities,
		Relations:                relations,
		Summaries:                summaries,
		EntityDescriptionUpdates: report.DescriptionFor,
	}

	chunkIDs := make([]string, len(chunks))
	for i := range chunks {
		chunkIDs[i] = chunks[i].ID
	}
	entityIDs := make([]string, len(entities))
	for i := range entities {
		entityIDs[i] = entities[i].ID
	}
	result := &types.IngestResult{
		DialogueID:   dialogue.ID,
		ChunkIDs:     chunkIDs,
		StatementIDs: statementIDs,
		EntityIDs:    entityIDs,
		SummaryIDs:   summaryIDs,
	}
	return bundle, result, nil
}

// defaultEntityImportance seeds entities that carry no extracted importance.
const defaultEntityImportance = 0.5
