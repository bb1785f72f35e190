// Package types provides the core data structures of the memory engine:
// dialogue nodes, extracted statements and entities, episodic summaries,
// and the value types exchanged between the write and read pipelines.
package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxAccessHistory bounds the access_history list on every activation-carrying node.
const MaxAccessHistory = 100

// ExpiredAtSentinel is the far-future expiry used when a node has no explicit expiry.
var ExpiredAtSentinel = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// NodeLabel identifies the graph label of a persisted node.
type NodeLabel string

const (
	LabelDialogue      NodeLabel = "Dialogue"
	LabelChunk         NodeLabel = "Chunk"
	LabelStatement     NodeLabel = "Statement"
	LabelEntity        NodeLabel = "ExtractedEntity"
	LabelMemorySummary NodeLabel = "MemorySummary"
)

// Valid returns true if the node label is one of the persisted labels.
func (l NodeLabel) Valid() bool {
	switch l {
	case LabelDialogue, LabelChunk, LabelStatement, LabelEntity, LabelMemorySummary:
		return true
	}
	return false
}

// StatementType classifies an extracted statement.
type StatementType string

const (
	StatementFact       StatementType = "FACT"
	StatementOpinion    StatementType = "OPINION"
	StatementPrediction StatementType = "PREDICTION"
	StatementEvent      StatementType = "EVENT"
)

// Valid returns true if the statement type is valid.
func (st StatementType) Valid() bool {
	switch st {
	case StatementFact, StatementOpinion, StatementPrediction, StatementEvent:
		return true
	}
	return false
}

// TemporalInfo classifies how a statement relates to time.
type TemporalInfo string

const (
	TemporalStatic   TemporalInfo = "STATIC"
	TemporalDynamic  TemporalInfo = "DYNAMIC"
	TemporalAtemporal TemporalInfo = "ATEMPORAL"
)

// Valid returns true if the temporal classification is valid.
func (ti TemporalInfo) Valid() bool {
	switch ti {
	case TemporalStatic, TemporalDynamic, TemporalAtemporal:
		return true
	}
	return false
}

// MemoryType classifies an episodic summary.
type MemoryType string

const (
	MemoryTypeConversation   MemoryType = "conversation"
	MemoryTypeProjectWork    MemoryType = "project_work"
	MemoryTypeLearning       MemoryType = "learning"
	MemoryTypeDecision       MemoryType = "decision"
	MemoryTypeImportantEvent MemoryType = "important_event"
)

// Valid returns true if the memory type is valid.
func (mt MemoryType) Valid() bool {
	switch mt {
	case MemoryTypeConversation, MemoryTypeProjectWork, MemoryTypeLearning,
		MemoryTypeDecision, MemoryTypeImportantEvent:
		return true
	}
	return false
}

// NodeMeta carries the attributes shared by every persisted node.
type NodeMeta struct {
	ID        string    `json:"id"`
	EndUserID string    `json:"end_user_id"`
	ConfigID  string    `json:"config_id"`
	RunID     string    `json:"run_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiredAt time.Time `json:"expired_at"`
}

// Validate checks the shared node attributes.
func (m *NodeMeta) Validate() error {
	if m.ID == "" {
		return errors.New("id cannot be empty")
	}
	if m.EndUserID == "" {
		return errors.New("end_user_id cannot be empty")
	}
	if m.CreatedAt.IsZero() {
		return errors.New("created_at cannot be zero")
	}
	if !m.ExpiredAt.IsZero() && m.ExpiredAt.Before(m.CreatedAt) {
		return fmt.Errorf("expired_at %s precedes created_at %s", m.ExpiredAt, m.CreatedAt)
	}
	return nil
}

// NewNodeMeta creates node metadata with a fresh id and the far-future expiry.
func NewNodeMeta(endUserID, configID, runID string, now time.Time) NodeMeta {
	return NodeMeta{
		ID:        uuid.New().String(),
		EndUserID: endUserID,
		ConfigID:  configID,
		RunID:     runID,
		CreatedAt: now.UTC(),
		ExpiredAt: ExpiredAtSentinel,
	}
}

// Dialogue is an ingested conversation, never mutated after the write.
type Dialogue struct {
	NodeMeta
	RefID     string    `json:"ref_id"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"dialog_embedding,omitempty"`
}

// Chunk is a single speaker turn (or sub-turn) of a dialogue.
type Chunk struct {
	NodeMeta
	DialogueID    string    `json:"dialogue_id"`
	Content       string    `json:"content"`
	Speaker       string    `json:"speaker"`
	SequenceIndex int       `json:"sequence_index"`
	Embedding     []float32 `json:"chunk_embedding,omitempty"`
}

// Validate checks the chunk invariants.
func (c *Chunk) Validate() error {
	if err := c.NodeMeta.Validate(); err != nil {
		return err
	}
	if c.DialogueID == "" {
		return errors.New("chunk must belong to a dialogue")
	}
	if c.Content == "" {
		return errors.New("chunk content cannot be empty")
	}
	if c.SequenceIndex < 0 {
		return errors.New("sequence_index cannot be negative")
	}
	return nil
}

// ActivationState carries the ACT-R bookkeeping shared by statements and entities.
type ActivationState struct {
	ActivationValue float64     `json:"activation_value"`
	ImportanceScore float64     `json:"importance_score"`
	AccessHistory   []time.Time `json:"access_history"`
	LastAccessedAt  time.Time   `json:"last_accessed_at"`
}

// Validate checks the activation bookkeeping bounds.
func (a *ActivationState) Validate() error {
	if a.ImportanceScore < 0 || a.ImportanceScore > 1 {
		return fmt.Errorf("importance_score %f out of [0,1]", a.ImportanceScore)
	}
	if len(a.AccessHistory) > MaxAccessHistory {
		return fmt.Errorf("access_history length %d exceeds %d", len(a.AccessHistory), MaxAccessHistory)
	}
	return nil
}

// Statement is an LLM-extracted atomic proposition, typed and timed.
type Statement struct {
	NodeMeta
	ActivationState
	Statement        string        `json:"statement"`
	Type             StatementType `json:"stmt_type"`
	Temporal         TemporalInfo  `json:"temporal_info"`
	ValidAt          *time.Time    `json:"valid_at,omitempty"`
	InvalidAt        *time.Time    `json:"invalid_at,omitempty"`
	EmotionType      string        `json:"emotion_type,omitempty"`
	EmotionIntensity float64       `json:"emotion_intensity"`
	Embedding        []float32     `json:"statement_embedding,omitempty"`

	// Graph edges, kept as ids per the value-ownership rule.
	ChunkIDs  []string `json:"chunk_ids"`
	EntityIDs []string `json:"entity_ids"`
}

// Validate checks the statement invariants, including temporal monotonicity.
func (s *Statement) Validate() error {
	if err := s.NodeMeta.Validate(); err != nil {
		return err
	}
	if err := s.ActivationState.Validate(); err != nil {
		return err
	}
	if s.Statement == "" {
		return errors.New("statement text cannot be empty")
	}
	if !s.Type.Valid() {
		return fmt.Errorf("invalid stmt_type: %s", s.Type)
	}
	if !s.Temporal.Valid() {
		return fmt.Errorf("invalid temporal_info: %s", s.Temporal)
	}
	if s.EmotionIntensity < 0 || s.EmotionIntensity > 1 {
		return fmt.Errorf("emotion_intensity %f out of [0,1]", s.EmotionIntensity)
	}
	if len(s.ChunkIDs) == 0 {
		return errors.New("statement must reference at least one chunk")
	}
	// Extracted dates may legitimately precede created_at (a statement about
	// the past), so only the forward chain is enforced.
	if s.ValidAt != nil && s.InvalidAt != nil && s.InvalidAt.Before(*s.ValidAt) {
		return fmt.Errorf("invalid_at %s precedes valid_at %s", s.InvalidAt, s.ValidAt)
	}
	if s.InvalidAt != nil && !s.ExpiredAt.IsZero() && s.ExpiredAt.Before(*s.InvalidAt) {
		return fmt.Errorf("expired_at %s precedes invalid_at %s", s.ExpiredAt, s.InvalidAt)
	}
	return nil
}

// Entity is a named, typed reference recognised in one or more statements.
type Entity struct {
	NodeMeta
	ActivationState
	Name             string     `json:"name"`
	Type             EntityType `json:"entity_type"`
	Description      string     `json:"description,omitempty"`
	FactSummary      string     `json:"fact_summary,omitempty"`
	IsExplicitMemory bool       `json:"is_explicit_memory"`
	NameEmbedding    []float32  `json:"name_embedding,omitempty"`
}

// Validate checks the entity invariants.
func (e *Entity) Validate() error {
	if err := e.NodeMeta.Validate(); err != nil {
		return err
	}
	if err := e.ActivationState.Validate(); err != nil {
		return err
	}
	if e.Name == "" {
		return errors.New("entity name cannot be empty")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("invalid entity_type: %s", e.Type)
	}
	return nil
}

// EntityRelation is a typed edge between two entities, attributed to a statement.
type EntityRelation struct {
	SubjectID string     `json:"subject_id"`
	ObjectID  string     `json:"object_id"`
	Predicate Predicate  `json:"predicate"`
	Value     string     `json:"value,omitempty"`
	ValidAt   *time.Time `json:"valid_at,omitempty"`
	InvalidAt *time.Time `json:"invalid_at,omitempty"`
	Statement string     `json:"statement,omitempty"`
}

// Validate checks the relation endpoints and predicate.
func (r *EntityRelation) Validate() error {
	if r.SubjectID == "" || r.ObjectID == "" {
		return errors.New("relation endpoints cannot be empty")
	}
	if !r.Predicate.Valid() {
		return fmt.Errorf("predicate %q outside the curated set", r.Predicate)
	}
	return nil
}

// MemorySummary is an episodic consolidation of chunks and/or merged
// low-activation statement+entity pairs.
type MemorySummary struct {
	NodeMeta
	Name         string     `json:"name"`
	MemoryType   MemoryType `json:"memory_type"`
	Content      string     `json:"content"`
	Embedding    []float32  `json:"summary_embedding,omitempty"`
	ChunkIDs     []string   `json:"chunk_ids"`
	StatementIDs []string   `json:"statement_ids,omitempty"`
}

// Validate checks the summary invariants.
func (ms *MemorySummary) Validate() error {
	if err := ms.NodeMeta.Validate(); err != nil {
		return err
	}
	if ms.Name == "" {
		return errors.New("summary name cannot be empty")
	}
	if !ms.MemoryType.Valid() {
		return fmt.Errorf("invalid memory_type: %s", ms.MemoryType)
	}
	return nil
}
