// Package config provides the engine configuration: process-level settings
// loaded from defaults, an optional YAML file, an optional .env file, and
// ENGRAM_* environment overrides, plus the per-config_id MemoryConfig
// resolved through the external ConfigProvider collaborator.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the process configuration.
type Config struct {
	Graph      GraphConfig      `yaml:"graph" json:"graph"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	OpenAI     OpenAIConfig     `yaml:"openai" json:"openai"`
	Chunking   ChunkingConfig   `yaml:"chunking" json:"chunking"`
	Retrieval  RetrievalConfig  `yaml:"retrieval" json:"retrieval"`
	ReadGraph  ReadGraphConfig  `yaml:"read_graph" json:"read_graph"`
	Forgetting ForgettingConfig `yaml:"forgetting" json:"forgetting"`
	Session    SessionConfig    `yaml:"session" json:"session"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
}

// GraphConfig configures the Neo4j graph store.
type GraphConfig struct {
	URI            string `yaml:"uri" json:"uri"`
	Username       string `yaml:"username" json:"username"`
	Password       string `yaml:"-" json:"-"` // never serialize credentials
	Database       string `yaml:"database" json:"database"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	MaxPoolSize    int    `yaml:"max_pool_size" json:"max_pool_size"`
	VectorSize     int    `yaml:"vector_size" json:"vector_size"`
}

// RedisConfig configures the KV cache.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"-" json:"-"`
	DB       int    `yaml:"db" json:"db"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
}

// OpenAIConfig configures the LLM and embedder providers.
type OpenAIConfig struct {
	APIKey                string  `yaml:"-" json:"-"`
	BaseURL               string  `yaml:"base_url" json:"base_url,omitempty"`
	ChatModel             string  `yaml:"chat_model" json:"chat_model"`
	EmbeddingModel        string  `yaml:"embedding_model" json:"embedding_model"`
	EmbeddingDimension    int     `yaml:"embedding_dimension" json:"embedding_dimension"`
	Temperature           float64 `yaml:"temperature" json:"temperature"`
	ChatTimeoutSeconds    int     `yaml:"chat_timeout_seconds" json:"chat_timeout_seconds"`
	EmbedTimeoutSeconds   int     `yaml:"embed_timeout_seconds" json:"embed_timeout_seconds"`
	MaxRetries            int     `yaml:"max_retries" json:"max_retries"`
	RateLimitRPM          int     `yaml:"rate_limit_rpm" json:"rate_limit_rpm"`
	EmbedBatchSize        int     `yaml:"embed_batch_size" json:"embed_batch_size"`
	ExtractionConcurrency int     `yaml:"extraction_concurrency" json:"extraction_concurrency"`
}

// ChunkingConfig sizes the chunker.
type ChunkingConfig struct {
	Strategy              string `yaml:"strategy" json:"strategy"`
	ChunkSize             int    `yaml:"chunk_size" json:"chunk_size"`
	MinCharactersPerChunk int    `yaml:"min_characters_per_chunk" json:"min_characters_per_chunk"`
}

// RetrievalConfig configures the hybrid retriever.
type RetrievalConfig struct {
	DefaultK        int     `yaml:"default_k" json:"default_k"`
	ScoreThreshold  float64 `yaml:"score_threshold" json:"score_threshold"`
	RerankAlpha     float64 `yaml:"rerank_alpha" json:"rerank_alpha"`
	TemporalDefault int     `yaml:"temporal_default_days" json:"temporal_default_days"`
}

// ReadGraphConfig configures the read dataflow.
type ReadGraphConfig struct {
	MaxSubQuestions      int `yaml:"max_sub_questions" json:"max_sub_questions"`
	RetrievalConcurrency int `yaml:"retrieval_concurrency" json:"retrieval_concurrency"`
	DeadlineSeconds      int `yaml:"deadline_seconds" json:"deadline_seconds"`
}

// ForgettingConfig configures activation maths and the forgetting cycle.
type ForgettingConfig struct {
	Offset        float64 `yaml:"offset" json:"offset"`
	Lambda        float64 `yaml:"lambda" json:"lambda"`
	DecayConstant float64 `yaml:"decay_constant" json:"decay_constant"`
	MaxBatch      int     `yaml:"max_batch" json:"max_batch"`
	MinDays       int     `yaml:"min_days" json:"min_days"`
	LockTTLSeconds int    `yaml:"lock_ttl_seconds" json:"lock_ttl_seconds"`
}

// SessionConfig configures the short-term session store.
type SessionConfig struct {
	TTLHours int `yaml:"ttl_hours" json:"ttl_hours"`
	MaxTurns int `yaml:"max_turns" json:"max_turns"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Graph: GraphConfig{
			URI:            "bolt://localhost:7687",
			Username:       "neo4j",
			Database:       "neo4j",
			TimeoutSeconds: 30,
			MaxPoolSize:    50,
			VectorSize:     1536,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
		},
		OpenAI: OpenAIConfig{
			ChatModel:             "gpt-4o-mini",
			EmbeddingModel:        "text-embedding-3-small",
			EmbeddingDimension:    1536,
			Temperature:           0.0,
			ChatTimeoutSeconds:    120,
			EmbedTimeoutSeconds:   120,
			MaxRetries:            2,
			RateLimitRPM:          120,
			EmbedBatchSize:        64,
			ExtractionConcurrency: 4,
		},
		Chunking: ChunkingConfig{
			Strategy:              "recursive",
			ChunkSize:             1024,
			MinCharactersPerChunk: 24,
		},
		Retrieval: RetrievalConfig{
			DefaultK:        10,
			ScoreThreshold:  0.5,
			RerankAlpha:     0.7,
			TemporalDefault: 7,
		},
		ReadGraph: ReadGraphConfig{
			MaxSubQuestions:      4,
			RetrievalConcurrency: 5,
			DeadlineSeconds:      120,
		},
		Forgetting: ForgettingConfig{
			Offset:         0.1,
			Lambda:         0.3,
			DecayConstant:  0.5,
			MaxBatch:       100,
			MinDays:        7,
			LockTTLSeconds: 3600,
		},
		Session: SessionConfig{
			TTLHours: 24,
			MaxTurns: 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig loads configuration from defaults, an optional YAML file named
// by ENGRAM_CONFIG_FILE, an optional .env file, and environment overrides.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	cfg := DefaultConfig()

	if path := os.Getenv("ENGRAM_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFromEnv(cfg *Config) {
	setString(&cfg.Graph.URI, "ENGRAM_GRAPH_URI")
	setString(&cfg.Graph.Username, "ENGRAM_GRAPH_USERNAME")
	setString(&cfg.Graph.Password, "ENGRAM_GRAPH_PASSWORD")
	setString(&cfg.Graph.Database, "ENGRAM_GRAPH_DATABASE")
	setInt(&cfg.Graph.TimeoutSeconds, "ENGRAM_GRAPH_TIMEOUT_SECONDS")
	setInt(&cfg.Graph.MaxPoolSize, "ENGRAM_GRAPH_MAX_POOL_SIZE")
	setInt(&cfg.Graph.VectorSize, "ENGRAM_GRAPH_VECTOR_SIZE")

	setString(&cfg.Redis.Addr, "ENGRAM_REDIS_ADDR")
	setString(&cfg.Redis.Password, "ENGRAM_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ENGRAM_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ENGRAM_REDIS_POOL_SIZE")

	setString(&cfg.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&cfg.OpenAI.BaseURL, "OPENAI_BASE_URL")
	setString(&cfg.OpenAI.ChatModel, "ENGRAM_CHAT_MODEL")
	setString(&cfg.OpenAI.EmbeddingModel, "ENGRAM_EMBEDDING_MODEL")
	setInt(&cfg.OpenAI.EmbeddingDimension, "ENGRAM_EMBEDDING_DIMENSION")
	setInt(&cfg.OpenAI.ChatTimeoutSeconds, "ENGRAM_CHAT_TIMEOUT_SECONDS")
	setInt(&cfg.OpenAI.EmbedTimeoutSeconds, "ENGRAM_EMBED_TIMEOUT_SECONDS")
	setInt(&cfg.OpenAI.MaxRetries, "ENGRAM_MAX_RETRIES")
	setInt(&cfg.OpenAI.RateLimitRPM, "ENGRAM_RATE_LIMIT_RPM")
	setInt(&cfg.OpenAI.ExtractionConcurrency, "ENGRAM_EXTRACTION_CONCURRENCY")

	setInt(&cfg.Chunking.ChunkSize, "ENGRAM_CHUNK_SIZE")
	setInt(&cfg.Chunking.MinCharactersPerChunk, "ENGRAM_MIN_CHARACTERS_PER_CHUNK")

	setFloat(&cfg.Forgetting.Offset, "ENGRAM_FORGETTING_OFFSET")
	setFloat(&cfg.Forgetting.Lambda, "ENGRAM_FORGETTING_LAMBDA")
	setFloat(&cfg.Forgetting.DecayConstant, "ENGRAM_FORGETTING_DECAY_CONSTANT")
	setInt(&cfg.Forgetting.MaxBatch, "ENGRAM_FORGETTING_MAX_BATCH")
	setInt(&cfg.Forgetting.MinDays, "ENGRAM_FORGETTING_MIN_DAYS")

	setInt(&cfg.ReadGraph.RetrievalConcurrency, "ENGRAM_RETRIEVAL_CONCURRENCY")
	setInt(&cfg.ReadGraph.DeadlineSeconds, "ENGRAM_READ_DEADLINE_SECONDS")

	setInt(&cfg.Session.TTLHours, "ENGRAM_SESSION_TTL_HOURS")

	setString(&cfg.Logging.Level, "ENGRAM_LOG_LEVEL")
	setString(&cfg.Logging.Format, "ENGRAM_LOG_FORMAT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	if c.Graph.URI == "" {
		return fmt.Errorf("graph uri cannot be empty")
	}
	if c.Graph.VectorSize <= 0 {
		return fmt.Errorf("graph vector_size must be positive, got %d", c.Graph.VectorSize)
	}
	if c.OpenAI.EmbeddingDimension != c.Graph.VectorSize {
		return fmt.Errorf("embedding dimension %d does not match graph vector size %d",
			c.OpenAI.EmbeddingDimension, c.Graph.VectorSize)
	}
	if c.Forgetting.Offset < 0 || c.Forgetting.Offset >= 1 {
		return fmt.Errorf("forgetting offset %f out of [0,1)", c.Forgetting.Offset)
	}
	if c.Chunking.ChunkSize <= c.Chunking.MinCharactersPerChunk {
		return fmt.Errorf("chunk_size %d must exceed min_characters_per_chunk %d",
			c.Chunking.ChunkSize, c.Chunking.MinCharactersPerChunk)
	}
	if c.ReadGraph.RetrievalConcurrency <= 0 {
		return fmt.Errorf("retrieval concurrency must be positive")
	}
	return nil
}
