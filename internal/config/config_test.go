package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidateRejectsDimensionMismatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OpenAI.EmbeddingDimension = 768
	assert.Error(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ENGRAM_GRAPH_URI", "bolt://graph:7687")
	t.Setenv("ENGRAM_FORGETTING_OFFSET", "0.2")
	t.Setenv("ENGRAM_CHUNK_SIZE", "2048")

	cfg := DefaultConfig()
	loadFromEnv(cfg)

	assert.Equal(t, "bolt://graph:7687", cfg.Graph.URI)
	assert.InDelta(t, 0.2, cfg.Forgetting.Offset, 1e-9)
	assert.Equal(t, 2048, cfg.Chunking.ChunkSize)
}

func TestDecodeMemoryConfig(t *testing.T) {
	mc, err := DecodeMemoryConfig("cfg-7", map[string]interface{}{
		"pruning_switch":             true,
		"pruning_scene":              "education",
		"pruning_threshold":          "0.5", // weakly typed input
		"enable_llm_dedup_blockwise": true,
		"language":                   "en",
	})
	require.NoError(t, err)
	assert.Equal(t, "cfg-7", mc.ConfigID)
	assert.True(t, mc.PruningSwitch)
	assert.Equal(t, SceneEducation, mc.PruningScene)
	assert.InDelta(t, 0.5, mc.PruningThreshold, 1e-9)
	assert.True(t, mc.EnableLLMDedupBlockwise)
	// defaults survive for unset fields
	assert.Equal(t, 1024, mc.ChunkSize)
}

func TestDecodeMemoryConfigRejectsBadScene(t *testing.T) {
	_, err := DecodeMemoryConfig("cfg-8", map[string]interface{}{
		"pruning_switch": true,
		"pruning_scene":  "warehouse",
	})
	assert.Error(t, err)
}

func TestMemoryConfigValidateBounds(t *testing.T) {
	cases := map[string]map[string]interface{}{
		"unknown chunker":     {"chunker_strategy": "SemanticChunker"},
		"zero chunk size":     {"chunk_size": 0},
		"unknown granularity": {"statement_granularity": "medium"},
		"offset out of range": {"offset": 1.0},
		"zero lambda":         {"lambda_time": 0},
	}
	for name, raw := range cases {
		_, err := DecodeMemoryConfig("cfg-9", raw)
		assert.Error(t, err, name)
	}

	mc, err := DecodeMemoryConfig("cfg-9", map[string]interface{}{
		"chunker_strategy":      "RecursiveChunker",
		"statement_granularity": "coarse",
		"lambda_time":           0.7,
	})
	require.NoError(t, err)
	assert.Equal(t, GranularityCoarse, mc.StatementGranularity)
	assert.InDelta(t, 0.7, mc.LambdaTime, 1e-9)
}

func TestStaticConfigProviderFallsBackToDefaults(t *testing.T) {
	p := NewStaticConfigProvider()
	mc, err := p.Get(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Equal(t, "unknown", mc.ConfigID)
	assert.Equal(t, "zh", mc.Language)
}
