// Package extraction turns dialogue chunks into typed statement, entity, and
// relation candidates through schema-constrained LLM calls. Chunks are
// processed concurrently; results keep chunk order via their chunk id.
package extraction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"engram-memory/internal/config"
	"engram-memory/internal/logging"
	"engram-memory/internal/ports"
	"engram-memory/pkg/types"
)

// EntityCandidate is an extracted entity mention, identified by a chunk-local
// temp id until dedup assigns graph identity.
type EntityCandidate struct {
	TempID      string
	Name        string
	Type        types.EntityType
	Description string
}

// StatementCandidate is an extracted proposition bound to its source chunk.
type StatementCandidate struct {
	ChunkID          string
	Statement        string
	Type             types.StatementType
	Temporal         types.TemporalInfo
	ValidAt          *time.Time
	InvalidAt        *time.Time
	EmotionType      string
	EmotionIntensity float64
	EntityTempIDs    []string
	ImportanceScore  float64
}

// RelationCandidate is a typed edge between two entity candidates.
type RelationCandidate struct {
	SubjectTempID string
	ObjectTempID  string
	Predicate     types.Predicate
	Value         string
	ValidAt       *time.Time
	InvalidAt     *time.Time
	Statement     string
}

// ChunkExtraction is the extractor output for one chunk.
type ChunkExtraction struct {
	ChunkID    string
	Statements []StatementCandidate
	Entities   []EntityCandidate
	Relations  []RelationCandidate
}

// ChunkInput carries one chunk into the extractor.
type ChunkInput struct {
	ChunkID string
	Content string
	Speaker string
}

type rawMention struct {
	Name        string `json:"name"`
	EntityType  string `json:"entity_type"`
	Description string `json:"description,omitempty"`
}

type rawStatement struct {
	Statement        string       `json:"statement"`
	StmtType         string       `json:"stmt_type"`
	TemporalInfo     string       `json:"temporal_info"`
	ValidAt          string       `json:"valid_at,omitempty"`
	InvalidAt        string       `json:"invalid_at,omitempty"`
	EmotionType      string       `json:"emotion_type,omitempty"`
	EmotionIntensity float64      `json:"emotion_intensity"`
	Importance       float64      `json:"importance"`
	Entities         []rawMention `json:"entities"`
}

type rawRelation struct {
	SubjectIdx int    `json:"subject_idx"`
	ObjectIdx  int    `json:"object_idx"`
	Predicate  string `json:"predicate"`
	Value      string `json:"value,omitempty"`
	ValidAt    string `json:"valid_at,omitempty"`
	InvalidAt  string `json:"invalid_at,omitempty"`
	Statement  string `json:"statement"`
}

type rawExtraction struct {
	Statements []rawStatement `json:"statements"`
	Relations  []rawRelation  `json:"relations"`
}

const extractionSystemPrompt = `You extract structured knowledge from one chunk of a dialogue.
Return JSON:
{"statements":[{"statement":str,"stmt_type":"FACT|OPINION|PREDICTION|EVENT",
"temporal_info":"STATIC|DYNAMIC|ATEMPORAL","valid_at":str?,"invalid_at":str?,
"emotion_type":str?,"emotion_intensity":float,"importance":float,
"entities":[{"name":str,"entity_type":str,"description":str?}]}],
"relations":[{"subject_idx":int,"object_idx":int,"predicate":str,"value":str?,
"valid_at":str?,"invalid_at":str?,"statement":str}]}
Rules: statements are atomic, self-contained propositions about the end user's
world. entity_type uses the ontology labels (PERSON, ORG, LOCATION, EVENT,
PRODUCT, PROJECT, CONCEPT, TIME, QUANTITY, EMOTION, ACTIVITY, ANIMAL, FOOD,
MEDIA). subject_idx/object_idx index the flattened entity list in order of
appearance. predicate is one of IS_A, HAS_A, LOCATED_IN, WORKS_AT, PART_OF,
MEMBER_OF, OWNS, LIKES, DISLIKES, KNOWS, RELATED_TO, CREATED_BY,
PARTICIPATED_IN, OCCURRED_AT, CAUSES, USES. emotion_intensity and importance
are in [0,1]. Dates are ISO-8601.`

const fineGranularityRule = `Emit fine-grained statements: one atomic proposition
per fact, even when several facts share a sentence.`

const coarseGranularityRule = `Emit coarse-grained statements: consolidate related
facts about the same subject into a single statement.`

func granularityRule(granularity string) string {
	if granularity == config.GranularityCoarse {
		return coarseGranularityRule
	}
	return fineGranularityRule
}

// Extractor implements the statement and entity extraction stage.
type Extractor struct {
	llm         ports.LLM
	concurrency int
	logger      logging.Logger
}

// New creates an extractor with the given parallelism (minimum 1).
func New(llm ports.LLM, concurrency int) *Extractor {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Extractor{
		llm:         llm,
		concurrency: concurrency,
		logger:      logging.WithComponent("extraction"),
	}
}

// ExtractAll runs extraction over all chunks concurrently. The result slice
// is positionally aligned with the input, so chunk ordering is preserved
// regardless of completion order. Any chunk failure fails the batch.
func (e *Extractor) ExtractAll(ctx context.Context, chunks []ChunkInput, mc *config.MemoryConfig, sessionContext string) ([]ChunkExtraction, error) {
	results := make([]ChunkExtraction, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for i := range chunks {
		i := i
		g.Go(func() error {
			out, err := e.extractChunk(gctx, chunks[i], mc, sessionContext)
			if err != nil {
				return fmt.Errorf("extract chunk %s: %w", chunks[i].ChunkID, err)
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Extractor) extractChunk(ctx context.Context, chunk ChunkInput, mc *config.MemoryConfig, sessionContext string) (ChunkExtraction, error) {
	var raw rawExtraction
	messages := []ports.ChatMessage{
		{Role: "system", Content: extractionSystemPrompt + "\n" + granularityRule(mc.StatementGranularity)},
	}
	if mc.IncludeDialogueContext && sessionContext != "" {
		trimmed := sessionContext
		if mc.MaxDialogueContextChars > 0 && len([]rune(trimmed)) > mc.MaxDialogueContextChars {
			trimmed = string([]rune(trimmed)[:mc.MaxDialogueContextChars])
		}
		messages = append(messages, ports.ChatMessage{
			Role: "system", Content: "Recent dialogue context:\n" + trimmed,
		})
	}
	messages = append(messages, ports.ChatMessage{
		Role:    "user",
		Content: fmt.Sprintf("Speaker: %s\nChunk:\n%s", chunk.Speaker, chunk.Content),
	})
	if err := e.llm.ChatStructured(ctx, messages, &raw); err != nil {
		return ChunkExtraction{}, err
	}
	return e.assemble(ctx, chunk.ChunkID, &raw), nil
}

// assemble converts the raw response into candidates, dropping malformed
// pieces instead of failing the chunk.
func (e *Extractor) assemble(ctx context.Context, chunkID string, raw *rawExtraction) ChunkExtraction {
	out := ChunkExtraction{ChunkID: chunkID}
	mentionTempIDs := make([]string, 0, 8)

	for _, rs := range raw.Statements {
		text := strings.TrimSpace(rs.Statement)
		if text == "" {
			continue
		}
		validAt, invalidAt, inverted := validityWindow(rs.ValidAt, rs.InvalidAt)
		if inverted {
			// the statement itself is retained, only the dates are dropped
			e.logger.WarnContext(ctx, "dropping inverted validity window",
				"valid_at", rs.ValidAt, "invalid_at", rs.InvalidAt, "chunk_id", chunkID)
		}
		stmt := StatementCandidate{
			ChunkID:          chunkID,
			Statement:        text,
			Type:             parseStatementType(rs.StmtType),
			Temporal:         parseTemporalInfo(rs.TemporalInfo),
			ValidAt:          validAt,
			InvalidAt:        invalidAt,
			EmotionType:      strings.TrimSpace(rs.EmotionType),
			EmotionIntensity: clamp01(rs.EmotionIntensity),
			ImportanceScore:  clamp01(rs.Importance),
		}
		for _, mention := range rs.Entities {
			name := strings.TrimSpace(mention.Name)
			if name == "" {
				continue
			}
			tempID := fmt.Sprintf("%s#%d", chunkID, len(mentionTempIDs))
			mentionTempIDs = append(mentionTempIDs, tempID)
			out.Entities = append(out.Entities, EntityCandidate{
				TempID:      tempID,
				Name:        name,
				Type:        types.NormalizeEntityType(mention.EntityType),
				Description: strings.TrimSpace(mention.Description),
			})
			stmt.EntityTempIDs = append(stmt.EntityTempIDs, tempID)
		}
		out.Statements = append(out.Statements, stmt)
	}

	for _, rr := range raw.Relations {
		predicate, ok := types.ParsePredicate(rr.Predicate)
		if !ok {
			// the statement itself is retained, only the relation is dropped
			e.logger.WarnContext(ctx, "dropping relation with unknown predicate",
				"predicate", rr.Predicate, "chunk_id", chunkID)
			continue
		}
		if rr.SubjectIdx < 0 || rr.SubjectIdx >= len(mentionTempIDs) ||
			rr.ObjectIdx < 0 || rr.ObjectIdx >= len(mentionTempIDs) {
			e.logger.WarnContext(ctx, "dropping relation with out-of-range index",
				"subject_idx", rr.SubjectIdx, "object_idx", rr.ObjectIdx, "chunk_id", chunkID)
			continue
		}
		validAt, invalidAt, inverted := validityWindow(rr.ValidAt, rr.InvalidAt)
		if inverted {
			e.logger.WarnContext(ctx, "dropping inverted validity window on relation",
				"valid_at", rr.ValidAt, "invalid_at", rr.InvalidAt, "chunk_id", chunkID)
		}
		out.Relations = append(out.Relations, RelationCandidate{
			SubjectTempID: mentionTempIDs[rr.SubjectIdx],
			ObjectTempID:  mentionTempIDs[rr.ObjectIdx],
			Predicate:     predicate,
			Value:         strings.TrimSpace(rr.Value),
			ValidAt:       validAt,
			InvalidAt:     invalidAt,
			Statement:     strings.TrimSpace(rr.Statement),
		})
	}
	return out
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
	"20060102",
}

// validityWindow parses the pair of validity dates and drops both when they
// are inverted, letting the temporal defaults apply instead. The returned
// flag reports a dropped inversion.
func validityWindow(rawValid, rawInvalid string) (validAt, invalidAt *time.Time, inverted bool) {
	validAt, invalidAt = parseDate(rawValid), parseDate(rawInvalid)
	if validAt != nil && invalidAt != nil && invalidAt.Before(*validAt) {
		return nil, nil, true
	}
	return validAt, invalidAt, false
}

// parseDate normalises the date formats models actually emit. Unparseable or
// empty input yields nil, letting temporal defaults apply downstream.
func parseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func parseStatementType(raw string) types.StatementType {
	st := types.StatementType(strings.ToUpper(strings.TrimSpace(raw)))
	if st.Valid() {
		return st
	}
	return types.StatementFact
}

func parseTemporalInfo(raw string) types.TemporalInfo {
	ti := types.TemporalInfo(strings.ToUpper(strings.TrimSpace(raw)))
	if ti.Valid() {
		return ti
	}
	return types.TemporalAtemporal
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
