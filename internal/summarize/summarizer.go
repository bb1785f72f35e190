// Package summarize produces per-chunk episodic summaries with a classified
// title and memory type. A chunk whose summarisation fails simply contributes
// no summary; the write proceeds without it.
package summarize

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"engram-memory/internal/config"
	"engram-memory/internal/logging"
	"engram-memory/internal/ports"
	"engram-memory/pkg/types"
)

// Empty-summary title fallbacks per language.
const (
	EmptyTitleZH = "空内容"
	EmptyTitleEN = "Empty Content"
)

// SummaryDraft is a chunk summary before identity and embedding are assigned.
type SummaryDraft struct {
	ChunkID    string
	Title      string
	MemoryType types.MemoryType
	Content    string
}

type rawSummary struct {
	Summary    string `json:"summary"`
	Title      string `json:"title"`
	MemoryType string `json:"memory_type"`
}

const summarySystemPromptZH = `你负责为一段对话片段生成情景记忆。
返回 JSON {"summary":str,"title":str,"memory_type":str}。
summary 为 1 到 200 个词的自然语言摘要；title 为简短标题；
memory_type 取值 conversation、project_work、learning、decision、important_event 之一。
使用中文。`

const summarySystemPromptEN = `You write episodic memories for one dialogue chunk.
Return JSON {"summary":str,"title":str,"memory_type":str}.
summary is a 1-200 word natural-language summary; title is a short headline;
memory_type is one of conversation, project_work, learning, decision,
important_event. Answer in English.`

// Summarizer implements the per-chunk summarisation stage.
type Summarizer struct {
	llm         ports.LLM
	concurrency int
	logger      logging.Logger
}

// New creates a summarizer with the given parallelism (minimum 1).
func New(llm ports.LLM, concurrency int) *Summarizer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Summarizer{
		llm:         llm,
		concurrency: concurrency,
		logger:      logging.WithComponent("summarize"),
	}
}

// SummarizeChunks summarises every chunk concurrently. Failed chunks are
// logged and skipped; cancellation is the only error that aborts the batch.
func (s *Summarizer) SummarizeChunks(ctx context.Context, chunks []types.Chunk, mc *config.MemoryConfig) ([]SummaryDraft, error) {
	drafts := make([]*SummaryDraft, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for i := range chunks {
		i := i
		g.Go(func() error {
			draft, err := s.summarizeChunk(gctx, &chunks[i], mc)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.logger.WarnContext(gctx, "chunk summarisation failed, skipping",
					"chunk_id", chunks[i].ID, "error", err.Error())
				return nil
			}
			drafts[i] = draft
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]SummaryDraft, 0, len(drafts))
	for _, d := range drafts {
		if d != nil {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *Summarizer) summarizeChunk(ctx context.Context, chunk *types.Chunk, mc *config.MemoryConfig) (*SummaryDraft, error) {
	prompt := summarySystemPromptZH
	if mc.Language == "en" {
		prompt = summarySystemPromptEN
	}

	var raw rawSummary
	err := s.llm.ChatStructured(ctx, []ports.ChatMessage{
		{Role: "system", Content: prompt},
		{Role: "user", Content: chunk.Speaker + ": " + chunk.Content},
	}, &raw)
	if err != nil {
		return nil, err
	}

	draft := &SummaryDraft{
		ChunkID:    chunk.ID,
		Title:      strings.TrimSpace(raw.Title),
		MemoryType: parseMemoryType(raw.MemoryType),
		Content:    clampWords(strings.TrimSpace(raw.Summary), 200),
	}
	if draft.Title == "" || draft.Content == "" {
		draft.Title = EmptyTitle(mc.Language)
	}
	return draft, nil
}

// EmptyTitle returns the language-appropriate fallback title.
func EmptyTitle(language string) string {
	if language == "en" {
		return EmptyTitleEN
	}
	return EmptyTitleZH
}

func parseMemoryType(raw string) types.MemoryType {
	mt := types.MemoryType(strings.ToLower(strings.TrimSpace(raw)))
	if mt.Valid() {
		return mt
	}
	return types.MemoryTypeConversation
}

// clampWords truncates to maxWords whitespace-separated words; CJK text
// without spaces passes through untouched.
func clampWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.Join(words[:maxWords], " ")
}
