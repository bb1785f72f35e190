// Package ports declares the narrow capability interfaces the memory core
// consumes: language model, embedder, reranker, chunker, graph store, KV
// cache, and clock. Implementations live under internal/providers,
// internal/graphstore, and internal/kvcache.
package ports

import (
	"context"
	"time"

	"engram-memory/pkg/types"
)

// ChatMessage is one message of an LLM conversation.
type ChatMessage struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// LLM is the language-model port.
type LLM interface {
	// Chat returns the model's free-text reply to the message sequence.
	Chat(ctx context.Context, messages []ChatMessage) (string, error)
	// ChatStructured asks for a schema-conformant JSON object and decodes it
	// into out. A response that cannot be decoded is a permanent error.
	ChatStructured(ctx context.Context, messages []ChatMessage, out interface{}) error
}

// Embedder is the embedding port. Dimension is deterministic per model.
type Embedder interface {
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// RerankedDoc is one reranker result.
type RerankedDoc struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Reranker reorders candidate documents by relevance to a query.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string, k int) ([]RerankedDoc, error)
}

// Chunker splits long message text into sub-chunks.
type Chunker interface {
	Chunk(text string) []string
	ChunkSize() int
	MinCharactersPerChunk() int
}

// KeywordQuery parameterises a full-text search.
type KeywordQuery struct {
	EndUserID string
	Query     string
	Labels    []types.NodeLabel
	K         int
}

// VectorQuery parameterises a vector-index search.
type VectorQuery struct {
	EndUserID string
	Embedding []float32
	Labels    []types.NodeLabel
	K         int
	Threshold float64
}

// TemporalQuery parameterises a valid_at/created_at range scan.
type TemporalQuery struct {
	EndUserID string
	Labels    []types.NodeLabel
	Start     time.Time
	End       time.Time
	K         int
}

// KnowledgeCounts reports node counts for the forgetting cycle bookkeeping.
type KnowledgeCounts struct {
	Statements int `json:"statements"`
	Entities   int `json:"entities"`
	Summaries  int `json:"summaries"`
}

// Total is the combined knowledge-node count.
func (kc KnowledgeCounts) Total() int { return kc.Statements + kc.Entities + kc.Summaries }

// PerceptualRecord is one row of the perceptual views.
type PerceptualRecord struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	PerceptualType string    `json:"perceptual_type"`
	CreatedAt      time.Time `json:"created_at"`
}

// EpisodicQuery filters the episodic overview.
type EpisodicQuery struct {
	EndUserID    string
	Since        *time.Time // nil means all time
	MemoryType   string     // empty means any
	TitleKeyword string
	Limit        int
}

// EpisodicEntry is one episodic_overview row.
type EpisodicEntry struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	MemoryType string    `json:"type"`
	CreatedAt  time.Time `json:"created_at"`
}

// EmotionRecord is the strongest emotional statement attached to a summary.
type EmotionRecord struct {
	StatementText    string  `json:"statement"`
	EmotionType      string  `json:"emotion_type"`
	EmotionIntensity float64 `json:"emotion_intensity"`
}

// EpisodicDetailRecord backs the episodic_detail view.
type EpisodicDetailRecord struct {
	ID              string
	Title           string
	MemoryType      string
	Content         string
	CreatedAt       time.Time
	InvolvedObjects []string
	Statements      []EmotionRecord
}

// ActivationSnapshot is the stored node state the activation engine
// recomputes from. ConfigID selects the tenant's formula parameters.
type ActivationSnapshot struct {
	State    *types.ActivationState
	Label    types.NodeLabel
	ConfigID string
}

// EntityProbe is a persisted-entity projection used by dedup layer B.
type EntityProbe struct {
	ID            string
	Name          string
	Description   string
	NameEmbedding []float32
}

// GraphStore is the labelled-property-graph port (spec operations 1-8).
type GraphStore interface {
	// WriteDialogueBatch persists a dialogue bundle in a single transaction.
	WriteDialogueBatch(ctx context.Context, bundle *types.DialogueBundle) error
	SearchKeyword(ctx context.Context, q KeywordQuery) ([]types.SearchHit, error)
	SearchVector(ctx context.Context, q VectorQuery) ([]types.SearchHit, error)
	SearchTemporal(ctx context.Context, q TemporalQuery) ([]types.SearchHit, error)
	FetchByIDs(ctx context.Context, ids []string) ([]types.SearchHit, error)
	UpdateActivation(ctx context.Context, update types.ActivationUpdate) error
	// ListForgettablePairs returns low-activation pairs whose last access
	// precedes cutoff; the caller resolves the access window from its clock.
	ListForgettablePairs(ctx context.Context, endUserID string, cutoff time.Time, limit int) ([]types.ForgettablePair, error)
	// MergePairIntoSummary deletes the pair and attaches the summary to the
	// pair's former neighbours in the same transaction.
	MergePairIntoSummary(ctx context.Context, statementID, entityID string, summary *types.MemorySummary) error

	// Supporting queries used by dedup layer B, the activation engine, and
	// the projection views.
	FindEntitiesByType(ctx context.Context, endUserID string, entityType types.EntityType) ([]EntityProbe, error)
	CountKnowledgeNodes(ctx context.Context, endUserID string) (KnowledgeCounts, error)
	FetchActivationState(ctx context.Context, id string) (*ActivationSnapshot, error)

	// Read-only projections behind the perceptual and episodic views.
	CountPerceptual(ctx context.Context, endUserID string) (map[string]int, error)
	LatestPerceptual(ctx context.Context, endUserID, perceptualType string) (*PerceptualRecord, error)
	EpisodicOverview(ctx context.Context, q EpisodicQuery) ([]EpisodicEntry, error)
	EpisodicDetail(ctx context.Context, endUserID, summaryID string) (*EpisodicDetailRecord, error)
}

// KVCache is the string key-value port with TTL semantics.
type KVCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	// SetNX sets the key only when absent; used for the forgetting lock.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock implementation.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock returns a constant time; test helper.
type FixedClock struct {
	T time.Time
}

// Now returns the fixed time.
func (f FixedClock) Now() time.Time { return f.T }
