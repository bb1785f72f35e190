package config

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-viper/mapstructure/v2"
)

// PruningScene names a semantic-pruning deployment scene.
type PruningScene string

const (
	SceneEducation     PruningScene = "education"
	SceneOnlineService PruningScene = "online_service"
	SceneOutbound      PruningScene = "outbound"
)

// Valid returns true if the scene is one of the supported scenes.
func (s PruningScene) Valid() bool {
	switch s {
	case SceneEducation, SceneOnlineService, SceneOutbound:
		return true
	}
	return false
}

// ChunkerStrategyRecursive is the only registered chunker strategy.
const ChunkerStrategyRecursive = "RecursiveChunker"

// Statement granularity levels for extraction.
const (
	GranularityFine   = "fine"
	GranularityCoarse = "coarse"
)

// MemoryConfig is the per-config_id memory-generation configuration resolved
// from the external configuration collaborator. Field effects follow the
// option table of the external interface contract.
type MemoryConfig struct {
	ConfigID string `mapstructure:"config_id" json:"config_id"`

	// Chunking
	ChunkerStrategy       string `mapstructure:"chunker_strategy" json:"chunker_strategy"`
	ChunkSize             int    `mapstructure:"chunk_size" json:"chunk_size"`
	MinCharactersPerChunk int    `mapstructure:"min_characters_per_chunk" json:"min_characters_per_chunk"`

	// Dedup
	EnableLLMDedupBlockwise  bool    `mapstructure:"enable_llm_dedup_blockwise" json:"enable_llm_dedup_blockwise"`
	EnableLLMDisambiguation  bool    `mapstructure:"enable_llm_disambiguation" json:"enable_llm_disambiguation"`
	FuzzyNameThresholdStrict float64 `mapstructure:"fuzzy_name_threshold_strict" json:"fuzzy_name_threshold_strict"`
	FuzzyTypeThresholdStrict float64 `mapstructure:"fuzzy_type_threshold_strict" json:"fuzzy_type_threshold_strict"`
	FuzzyOverallThreshold    float64 `mapstructure:"fuzzy_overall_threshold" json:"fuzzy_overall_threshold"`

	// Extraction
	StatementGranularity    string `mapstructure:"statement_granularity" json:"statement_granularity"`
	IncludeDialogueContext  bool   `mapstructure:"include_dialogue_context" json:"include_dialogue_context"`
	MaxDialogueContextChars int    `mapstructure:"max_dialogue_context_chars" json:"max_dialogue_context_chars"`

	// Activation
	Offset     float64 `mapstructure:"offset" json:"offset"`
	LambdaTime float64 `mapstructure:"lambda_time" json:"lambda_time"`
	LambdaMem  float64 `mapstructure:"lambda_mem" json:"lambda_mem"`

	// Semantic pruning
	PruningSwitch    bool         `mapstructure:"pruning_switch" json:"pruning_switch"`
	PruningScene     PruningScene `mapstructure:"pruning_scene" json:"pruning_scene"`
	PruningThreshold float64      `mapstructure:"pruning_threshold" json:"pruning_threshold"`

	// Language for summaries and sentinels: "zh" (default) or "en".
	Language string `mapstructure:"language" json:"language"`
}

// DefaultMemoryConfig returns the default per-tenant memory configuration.
func DefaultMemoryConfig(configID string) *MemoryConfig {
	return &MemoryConfig{
		ConfigID:                 configID,
		ChunkerStrategy:          ChunkerStrategyRecursive,
		ChunkSize:                1024,
		MinCharactersPerChunk:    24,
		EnableLLMDedupBlockwise:  false,
		EnableLLMDisambiguation:  false,
		FuzzyNameThresholdStrict: 0.9,
		FuzzyTypeThresholdStrict: 0.9,
		FuzzyOverallThreshold:    0.85,
		StatementGranularity:     GranularityFine,
		IncludeDialogueContext:   true,
		MaxDialogueContextChars:  2000,
		Offset:                   0.1,
		LambdaTime:               0.3,
		LambdaMem:                0.5,
		PruningSwitch:            false,
		PruningScene:             SceneOnlineService,
		PruningThreshold:         0.3,
		Language:                 "zh",
	}
}

// Validate checks the tenant configuration bounds.
func (mc *MemoryConfig) Validate() error {
	if mc.ChunkerStrategy != "" && mc.ChunkerStrategy != ChunkerStrategyRecursive {
		return fmt.Errorf("unsupported chunker_strategy: %s", mc.ChunkerStrategy)
	}
	if mc.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", mc.ChunkSize)
	}
	if mc.MinCharactersPerChunk < 0 {
		return fmt.Errorf("min_characters_per_chunk cannot be negative, got %d", mc.MinCharactersPerChunk)
	}
	if mc.StatementGranularity != GranularityFine && mc.StatementGranularity != GranularityCoarse {
		return fmt.Errorf("unsupported statement_granularity: %s", mc.StatementGranularity)
	}
	if mc.Offset < 0 || mc.Offset >= 1 {
		return fmt.Errorf("offset %f out of [0,1)", mc.Offset)
	}
	if mc.LambdaTime <= 0 || mc.LambdaMem <= 0 {
		return fmt.Errorf("lambda_time and lambda_mem must be positive")
	}
	if mc.PruningThreshold < 0 || mc.PruningThreshold > 0.9 {
		return fmt.Errorf("pruning_threshold %f out of [0.0,0.9]", mc.PruningThreshold)
	}
	if mc.PruningSwitch && !mc.PruningScene.Valid() {
		return fmt.Errorf("unknown pruning_scene: %s", mc.PruningScene)
	}
	if mc.FuzzyOverallThreshold <= 0 || mc.FuzzyOverallThreshold > 1 {
		return fmt.Errorf("fuzzy_overall_threshold %f out of (0,1]", mc.FuzzyOverallThreshold)
	}
	if mc.Language != "zh" && mc.Language != "en" {
		return fmt.Errorf("unsupported language: %s", mc.Language)
	}
	return nil
}

// ConfigProvider resolves a MemoryConfig by config_id. The backing store is
// owned by an external collaborator.
type ConfigProvider interface {
	Get(ctx context.Context, configID string) (*MemoryConfig, error)
}

// DecodeMemoryConfig decodes a raw map payload (as handed over by the
// external collaborator) onto the defaults for the given config id.
func DecodeMemoryConfig(configID string, raw map[string]interface{}) (*MemoryConfig, error) {
	mc := DefaultMemoryConfig(configID)
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           mc,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("build memory config decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("decode memory config %s: %w", configID, err)
	}
	if err := mc.Validate(); err != nil {
		return nil, err
	}
	return mc, nil
}

// StaticConfigProvider serves configs from memory; used in tests and
// single-binary deployments.
type StaticConfigProvider struct {
	mu      sync.RWMutex
	configs map[string]*MemoryConfig
}

// NewStaticConfigProvider creates an empty static provider.
func NewStaticConfigProvider() *StaticConfigProvider {
	return &StaticConfigProvider{configs: make(map[string]*MemoryConfig)}
}

// Put registers a config.
func (p *StaticConfigProvider) Put(mc *MemoryConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs[mc.ConfigID] = mc
}

// Get resolves a config, falling back to defaults for unknown ids.
func (p *StaticConfigProvider) Get(_ context.Context, configID string) (*MemoryConfig, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if mc, ok := p.configs[configID]; ok {
		return mc, nil
	}
	return DefaultMemoryConfig(configID), nil
}
