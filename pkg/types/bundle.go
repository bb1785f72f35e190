package types

import (
	"errors"
	"fmt"
	"time"
)

// Role names after normalisation.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of an incoming dialogue payload.
type Message struct {
	Role string `json:"role"`
	Msg  string `json:"msg"`
}

// DialoguePayload is the write-API input for a single dialogue.
type DialoguePayload struct {
	RefID     string    `json:"ref_id"`
	EndUserID string    `json:"end_user_id"`
	ConfigID  string    `json:"config_id"`
	RunID     string    `json:"run_id,omitempty"`
	Messages  []Message `json:"messages"`
}

// Validate checks the payload before preprocessing.
func (p *DialoguePayload) Validate() error {
	if p.EndUserID == "" {
		return errors.New("end_user_id cannot be empty")
	}
	if p.RefID == "" {
		return errors.New("ref_id cannot be empty")
	}
	if len(p.Messages) == 0 {
		return errors.New("dialogue has no messages")
	}
	return nil
}

// DialogueBundle is the flat, value-typed output of the write pipeline that
// the graph store persists in a single transaction.
type DialogueBundle struct {
	Dialogue   Dialogue         `json:"dialogue"`
	Chunks     []Chunk          `json:"chunks"`
	Statements []Statement      `json:"statements"`
	Entities   []Entity         `json:"entities"`
	Relations  []EntityRelation `json:"relations"`
	Summaries  []MemorySummary  `json:"summaries"`

	// Description merges for entities that already exist in the graph
	// (dedup layer B); applied in the same transaction as the rest.
	EntityDescriptionUpdates map[string]string `json:"entity_description_updates,omitempty"`
}

// Validate enforces referential integrity across the bundle before the write.
func (b *DialogueBundle) Validate() error {
	if err := b.Dialogue.Validate(); err != nil {
		return fmt.Errorf("dialogue: %w", err)
	}
	if len(b.Chunks) == 0 {
		return errors.New("bundle has no chunks")
	}
	chunkIDs := make(map[string]struct{}, len(b.Chunks))
	for i := range b.Chunks {
		if err := b.Chunks[i].Validate(); err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}
		if b.Chunks[i].DialogueID != b.Dialogue.ID {
			return fmt.Errorf("chunk %s belongs to foreign dialogue %s", b.Chunks[i].ID, b.Chunks[i].DialogueID)
		}
		chunkIDs[b.Chunks[i].ID] = struct{}{}
	}
	entityIDs := make(map[string]struct{}, len(b.Entities))
	for i := range b.Entities {
		if err := b.Entities[i].Validate(); err != nil {
			return fmt.Errorf("entity %d: %w", i, err)
		}
		entityIDs[b.Entities[i].ID] = struct{}{}
	}
	for i := range b.Statements {
		s := &b.Statements[i]
		if err := s.Validate(); err != nil {
			return fmt.Errorf("statement %d: %w", i, err)
		}
		for _, cid := range s.ChunkIDs {
			if _, ok := chunkIDs[cid]; !ok {
				return fmt.Errorf("statement %s references missing chunk %s", s.ID, cid)
			}
		}
	}
	for i := range b.Relations {
		if err := b.Relations[i].Validate(); err != nil {
			return fmt.Errorf("relation %d: %w", i, err)
		}
	}
	for i := range b.Summaries {
		if err := b.Summaries[i].Validate(); err != nil {
			return fmt.Errorf("summary %d: %w", i, err)
		}
	}
	return nil
}

// IngestResult reports the ids persisted by a successful write.
type IngestResult struct {
	DialogueID   string   `json:"dialogue_id"`
	ChunkIDs     []string `json:"chunk_ids"`
	StatementIDs []string `json:"statement_ids"`
	EntityIDs    []string `json:"entity_ids"`
	SummaryIDs   []string `json:"summary_ids"`
}

// SearchMode selects a retrieval strategy.
type SearchMode string

const (
	SearchKeyword   SearchMode = "keyword"
	SearchEmbedding SearchMode = "embedding"
	SearchHybrid    SearchMode = "hybrid"
	SearchTemporal  SearchMode = "temporal"
)

// Valid returns true if the search mode is valid.
func (m SearchMode) Valid() bool {
	switch m {
	case SearchKeyword, SearchEmbedding, SearchHybrid, SearchTemporal:
		return true
	}
	return false
}

// SearchHit is one retrieval result with its provenance tag.
type SearchHit struct {
	ID         string     `json:"id"`
	Label      NodeLabel  `json:"label"`
	Content    string     `json:"content"`
	Score      float64    `json:"score"`
	SourceMode SearchMode `json:"source_mode"`
	CreatedAt  time.Time  `json:"created_at"`
	ValidAt    *time.Time `json:"valid_at,omitempty"`
}

// ActivationUpdate is the idempotent per-node activation write.
type ActivationUpdate struct {
	ID             string      `json:"id"`
	Label          NodeLabel   `json:"label"`
	NewValue       float64     `json:"new_value"`
	LastAccessedAt time.Time   `json:"last_accessed_at"`
	AccessHistory  []time.Time `json:"access_history"`
}

// ForgettablePair is a low-activation Statement+Entity pair selected for merge.
type ForgettablePair struct {
	StatementID         string  `json:"statement_id"`
	EntityID            string  `json:"entity_id"`
	StatementText       string  `json:"statement_text"`
	EntityName          string  `json:"entity_name"`
	EntityFactSummary   string  `json:"entity_fact_summary"`
	StatementActivation float64 `json:"statement_activation"`
	EntityActivation    float64 `json:"entity_activation"`
}

// MeanActivation is the pair-selection ordering key.
func (p ForgettablePair) MeanActivation() float64 {
	return (p.StatementActivation + p.EntityActivation) / 2
}

// ForgettingReport summarises one forgetting cycle.
type ForgettingReport struct {
	MergedCount   int       `json:"merged_count"`
	SkippedCount  int       `json:"skipped_count"`
	FailedCount   int       `json:"failed_count"`
	SuccessRate   float64   `json:"success_rate"`
	NodesBefore   int       `json:"nodes_before"`
	NodesAfter    int       `json:"nodes_after"`
	ReductionRate float64   `json:"reduction_rate"`
	Duration      float64   `json:"duration_seconds"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
}

// IntermediateOutput is one streamed event from the read graph runtime.
type IntermediateOutput struct {
	Type  string `json:"type"`
	Title string `json:"title"`
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// Intermediate output types emitted by the read graph runtime.
const (
	OutputProblemSplit     = "problem_split"
	OutputProblemExtension = "problem_extension"
	OutputInputSummary     = "input_summary"
	OutputRetrievalSummary = "retrieval_summary"
	OutputFinalAnswer      = "final_answer"
)

// ReadAnswer is the terminal result of a read query.
type ReadAnswer struct {
	Answer              string               `json:"answer"`
	EndUserID           string               `json:"end_user_id"`
	IntermediateOutputs []IntermediateOutput `json:"intermediate_outputs"`
	Truncated           bool                 `json:"truncated,omitempty"`
	Done                bool                 `json:"done"`
}
