// Package openai implements the LLM, Embedder, and Reranker ports over the
// OpenAI API with request timeouts, bounded retry, and rate limiting.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"engram-memory/internal/config"
	"engram-memory/internal/memerrors"
	"engram-memory/internal/ports"
	"engram-memory/internal/retry"
)

// RateLimiter is a token-bucket limiter for API calls.
type RateLimiter struct {
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a limiter that refills one token per refillRate.
func NewRateLimiter(maxTokens int, refillRate time.Duration) *RateLimiter {
	return &RateLimiter{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow consumes a token if one is available.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if add := int(now.Sub(rl.lastRefill) / rl.refillRate); add > 0 {
		rl.tokens = min(rl.maxTokens, rl.tokens+add)
		rl.lastRefill = now
	}
	if rl.tokens > 0 {
		rl.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or the context is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		if rl.Allow() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Client implements ports.LLM, ports.Embedder, and ports.Reranker.
type Client struct {
	api     *openai.Client
	cfg     *config.OpenAIConfig
	limiter *RateLimiter
	retrier *retry.Retrier
}

// NewClient creates a provider client from configuration.
func NewClient(cfg *config.OpenAIConfig) *Client {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}

	rpm := cfg.RateLimitRPM
	if rpm <= 0 {
		rpm = 60
	}

	retryCfg := retry.DefaultConfig()
	if cfg.MaxRetries > 0 {
		retryCfg.MaxAttempts = cfg.MaxRetries + 1
	}

	return &Client{
		api:     openai.NewClientWithConfig(apiCfg),
		cfg:     cfg,
		limiter: NewRateLimiter(rpm, time.Minute/time.Duration(rpm)),
		retrier: retry.New(retryCfg),
	}
}

func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500:
			return memerrors.Wrap(memerrors.KindExternalTransient, "openai overloaded", err)
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403 || apiErr.HTTPStatusCode == 404:
			return memerrors.Wrap(memerrors.KindExternalPermanent, "openai rejected request", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return memerrors.Wrap(memerrors.KindExternalTransient, "openai timeout", err)
	}
	if errors.Is(err, context.Canceled) {
		return memerrors.Wrap(memerrors.KindCancelled, "openai call cancelled", err)
	}
	return memerrors.Wrap(memerrors.KindExternalTransient, "openai call failed", err)
}

func toAPIMessages(messages []ports.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// Chat returns the model's free-text reply.
func (c *Client) Chat(ctx context.Context, messages []ports.ChatMessage) (string, error) {
	var reply string
	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return classify(err)
		}
		callCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.ChatTimeoutSeconds)*time.Second)
		defer cancel()

		resp, err := c.api.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
			Model:       c.cfg.ChatModel,
			Messages:    toAPIMessages(messages),
			Temperature: float32(c.cfg.Temperature),
		})
		if err != nil {
			return classify(err)
		}
		if len(resp.Choices) == 0 {
			return memerrors.New(memerrors.KindExternalPermanent, "openai returned no choices")
		}
		reply = resp.Choices[0].Message.Content
		return nil
	}).Err
	return reply, err
}

// ChatStructured asks for a JSON object and decodes it into out. A reply that
// cannot be decoded after retries is a permanent error.
func (c *Client) ChatStructured(ctx context.Context, messages []ports.ChatMessage, out interface{}) error {
	return c.retrier.Do(ctx, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return classify(err)
		}
		callCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.ChatTimeoutSeconds)*time.Second)
		defer cancel()

		resp, err := c.api.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
			Model:       c.cfg.ChatModel,
			Messages:    toAPIMessages(messages),
			Temperature: float32(c.cfg.Temperature),
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
		})
		if err != nil {
			return classify(err)
		}
		if len(resp.Choices) == 0 {
			return memerrors.New(memerrors.KindExternalPermanent, "openai returned no choices")
		}
		content := stripCodeFence(resp.Choices[0].Message.Content)
		if err := json.Unmarshal([]byte(content), out); err != nil {
			return memerrors.Wrap(memerrors.KindExternalPermanent, "schema-violating response", err)
		}
		return nil
	}).Err
}

// stripCodeFence removes a ```json fence some models wrap around JSON output.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}

// EmbedMany embeds texts in batches; any failure is fatal to the caller.
func (c *Client) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	batchSize := c.cfg.EmbedBatchSize
	if batchSize <= 0 {
		batchSize = 64
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := min(start+batchSize, len(texts))
		batch := texts[start:end]

		var vectors [][]float32
		err := c.retrier.Do(ctx, func(ctx context.Context) error {
			if err := c.limiter.Wait(ctx); err != nil {
				return classify(err)
			}
			callCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.EmbedTimeoutSeconds)*time.Second)
			defer cancel()

			resp, err := c.api.CreateEmbeddings(callCtx, openai.EmbeddingRequest{
				Input: batch,
				Model: openai.EmbeddingModel(c.cfg.EmbeddingModel),
			})
			if err != nil {
				return classify(err)
			}
			if len(resp.Data) != len(batch) {
				return memerrors.New(memerrors.KindExternalPermanent,
					fmt.Sprintf("embedder returned %d vectors for %d texts", len(resp.Data), len(batch)))
			}
			vectors = make([][]float32, len(resp.Data))
			for i := range resp.Data {
				vectors[i] = resp.Data[i].Embedding
			}
			return nil
		}).Err
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// Dimension returns the configured embedding dimension.
func (c *Client) Dimension() int { return c.cfg.EmbeddingDimension }

type rerankResponse struct {
	Scores []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	} `json:"scores"`
}

// Rerank scores docs against the query with a structured LLM call and returns
// the top k by score.
func (c *Client) Rerank(ctx context.Context, query string, docs []string, k int) ([]ports.RerankedDoc, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	var sb strings.Builder
	for i, d := range docs {
		fmt.Fprintf(&sb, "[%d] %s\n", i, d)
	}

	var resp rerankResponse
	err := c.ChatStructured(ctx, []ports.ChatMessage{
		{Role: "system", Content: "You are a relevance scorer. Given a query and indexed documents, " +
			`return JSON {"scores":[{"index":int,"score":float}]} with one entry per document, ` +
			"score in [0,1] reflecting relevance to the query."},
		{Role: "user", Content: fmt.Sprintf("Query: %s\n\nDocuments:\n%s", query, sb.String())},
	}, &resp)
	if err != nil {
		return nil, err
	}

	ranked := make([]ports.RerankedDoc, 0, len(resp.Scores))
	for _, s := range resp.Scores {
		if s.Index < 0 || s.Index >= len(docs) {
			continue
		}
		ranked = append(ranked, ports.RerankedDoc{Index: s.Index, Score: s.Score})
	}
	sortRerankedDesc(ranked)
	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked, nil
}

func sortRerankedDesc(docs []ports.RerankedDoc) {
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Score > docs[j].Score })
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
