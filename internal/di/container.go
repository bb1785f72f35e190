// Package di wires the memory engine: providers, stores, pipelines, and the
// public engine facade.
package di

import (
	"context"
	"fmt"

	"engram-memory/internal/activation"
	"engram-memory/internal/chunking"
	"engram-memory/internal/config"
	"engram-memory/internal/dedup"
	"engram-memory/internal/extraction"
	"engram-memory/internal/forgetting"
	"engram-memory/internal/graphstore"
	"engram-memory/internal/kvcache"
	"engram-memory/internal/logging"
	"engram-memory/internal/ports"
	"engram-memory/internal/preprocess"
	"engram-memory/internal/providers/openai"
	"engram-memory/internal/readgraph"
	"engram-memory/internal/retrieval"
	"engram-memory/internal/session"
	"engram-memory/internal/summarize"
	"engram-memory/internal/views"
	"engram-memory/internal/writer"
	"engram-memory/pkg/types"
)

// Container holds all engine dependencies.
type Container struct {
	Config *config.Config

	GraphStore *graphstore.Store
	KVCache    ports.KVCache
	Provider   *openai.Client
	Configs    config.ConfigProvider

	Chunker      ports.Chunker
	Preprocessor *preprocess.Preprocessor
	Extractor    *extraction.Extractor
	Summarizer   *summarize.Summarizer
	Deduper      *dedup.Deduper
	Writer       *writer.Coordinator
	Activation   *activation.Engine
	Retriever    *retrieval.Retriever
	Sessions     *session.Store
	ReadGraph    *readgraph.Runtime
	Forgetting   *forgetting.Scheduler
	Views        *views.Service

	clock  ports.Clock
	logger logging.Logger
}

// NewContainer creates the engine container. Initialize must be called
// before use.
func NewContainer(cfg *config.Config) *Container {
	c := &Container{
		Config: cfg,
		clock:  ports.SystemClock{},
		logger: logging.WithComponent("di"),
	}
	c.initializeStorage()
	c.initializeProviders()
	c.initializePipelines()
	return c
}

// Initialize connects the graph store and prepares its schema.
func (c *Container) Initialize(ctx context.Context) error {
	if err := c.GraphStore.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize graph store: %w", err)
	}
	return nil
}

// initializeStorage sets up the graph store and the KV cache.
func (c *Container) initializeStorage() {
	c.GraphStore = graphstore.NewStore(&c.Config.Graph)
	if c.Config.Redis.Addr != "" {
		c.KVCache = kvcache.NewRedisCache(&c.Config.Redis)
	} else {
		// single-binary deployments run without Redis
		c.KVCache = kvcache.NewMemoryCache()
	}
}

// initializeProviders sets up the LLM, embedder, and reranker client plus
// the per-config_id config source.
func (c *Container) initializeProviders() {
	c.Provider = openai.NewClient(&c.Config.OpenAI)
	c.Configs = config.NewStaticConfigProvider()
}

// initializePipelines wires the write path, the read path, and the
// background maintenance components.
func (c *Container) initializePipelines() {
	c.Chunker = chunking.NewRecursiveChunker(&c.Config.Chunking)
	c.Preprocessor = preprocess.New(c.Chunker, c.Provider)
	c.Extractor = extraction.New(c.Provider, c.Config.OpenAI.ExtractionConcurrency)
	c.Summarizer = summarize.New(c.Provider, c.Config.OpenAI.ExtractionConcurrency)
	c.Deduper = dedup.New(c.Provider, c.GraphStore)
	c.Sessions = session.NewStore(c.KVCache, &c.Config.Session, c.clock)

	c.Writer = writer.NewCoordinator(
		c.Preprocessor,
		c.Extractor,
		c.Summarizer,
		c.Deduper,
		c.Provider,
		c.GraphStore,
		c.Configs,
		c.Sessions,
		c.clock,
	)

	c.Activation = activation.NewEngine(c.GraphStore, c.Configs, c.clock, activation.DefaultParams(&c.Config.Forgetting))
	c.Retriever = retrieval.New(c.GraphStore, c.Provider, c.Provider, &c.Config.Retrieval, c.clock)
	c.ReadGraph = readgraph.New(c.Provider, c.Retriever, c.Sessions, c.Activation, c.Configs, &c.Config.ReadGraph)
	c.Forgetting = forgetting.NewScheduler(c.GraphStore, c.Provider, c.Provider, c.KVCache, c.Configs, &c.Config.Forgetting, c.clock)
	c.Views = views.New(c.GraphStore, c.clock)
}

// IngestDialogue runs the write pipeline for one dialogue.
func (c *Container) IngestDialogue(ctx context.Context, payload *types.DialoguePayload) (*types.IngestResult, error) {
	return c.Writer.Ingest(ctx, payload)
}

// ReadMemory answers a query over the user's memories.
func (c *Container) ReadMemory(ctx context.Context, endUserID, query string, searchSwitch int, configID string) (*types.ReadAnswer, error) {
	return c.ReadGraph.Read(ctx, readgraph.Request{
		EndUserID: endUserID,
		ConfigID:  configID,
		Query:     query,
		Switch:    readgraph.SearchSwitch(searchSwitch),
	})
}

// ReadMemoryStream answers a query as a stream of intermediate outputs
// terminated by the final answer.
func (c *Container) ReadMemoryStream(ctx context.Context, endUserID, query string, searchSwitch int, configID string) <-chan types.IntermediateOutput {
	return c.ReadGraph.ReadStream(ctx, readgraph.Request{
		EndUserID: endUserID,
		ConfigID:  configID,
		Query:     query,
		Switch:    readgraph.SearchSwitch(searchSwitch),
	})
}

// SearchMemory runs a single retrieval without the read dataflow.
func (c *Container) SearchMemory(ctx context.Context, req retrieval.Request) ([]types.SearchHit, error) {
	hits, err := c.Retriever.Search(ctx, req)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	c.Activation.RecordAccessBatch(ctx, ids)
	return hits, nil
}

// TriggerForgettingCycle runs one forgetting cycle for the user.
func (c *Container) TriggerForgettingCycle(ctx context.Context, endUserID string, maxBatch, minDays int, configID string) (*types.ForgettingReport, error) {
	return c.Forgetting.RunCycle(ctx, forgetting.Options{
		EndUserID: endUserID,
		ConfigID:  configID,
		MaxBatch:  maxBatch,
		MinDays:   minDays,
	})
}

// ForgettingCurve projects activation decay for an importance level.
func (c *Container) ForgettingCurve(ctx context.Context, configID string, importance float64, days int) ([]activation.CurvePoint, error) {
	return c.Forgetting.Curve(ctx, configID, importance, days)
}

// ReadForgettingConfig returns the forgetting parameters for a config id.
func (c *Container) ReadForgettingConfig(ctx context.Context, configID string) (*forgetting.Params, error) {
	return c.Forgetting.ReadConfig(ctx, configID)
}

// UpdateForgettingConfig overwrites the forgetting parameters for a config id.
func (c *Container) UpdateForgettingConfig(ctx context.Context, configID string, params forgetting.Params) error {
	return c.Forgetting.UpdateConfig(ctx, configID, params)
}

// MemoryCount returns summary counts by perceptual type.
func (c *Container) MemoryCount(ctx context.Context, endUserID string) (*views.MemoryCount, error) {
	return c.Views.MemoryCount(ctx, endUserID)
}

// LatestMemory returns the newest memory of a perceptual type.
func (c *Container) LatestMemory(ctx context.Context, endUserID, perceptualType string) (*ports.PerceptualRecord, error) {
	return c.Views.LatestMemory(ctx, endUserID, perceptualType)
}

// EpisodicOverview lists episodic summaries matching a filter.
func (c *Container) EpisodicOverview(ctx context.Context, endUserID string, filter views.OverviewFilter) ([]views.OverviewEntry, error) {
	return c.Views.EpisodicOverview(ctx, endUserID, filter)
}

// EpisodicDetail resolves a single episodic summary.
func (c *Container) EpisodicDetail(ctx context.Context, endUserID, summaryID string) (*views.Detail, error) {
	return c.Views.EpisodicDetail(ctx, endUserID, summaryID)
}

// HealthCheck verifies the engine's backing services.
func (c *Container) HealthCheck(ctx context.Context) error {
	if err := c.GraphStore.HealthCheck(ctx); err != nil {
		return fmt.Errorf("graph store health check failed: %w", err)
	}
	if hc, ok := c.KVCache.(interface{ HealthCheck(context.Context) error }); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("kv cache health check failed: %w", err)
		}
	}
	return nil
}

// Shutdown closes the backing connections.
func (c *Container) Shutdown(ctx context.Context) error {
	if closer, ok := c.KVCache.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			c.logger.Warn("kv cache close failed", "error", err.Error())
		}
	}
	if err := c.GraphStore.Close(ctx); err != nil {
		return fmt.Errorf("close graph store: %w", err)
	}
	return nil
}
