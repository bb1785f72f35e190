package summarize

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram-memory/internal/config"
	"engram-memory/internal/ports"
	"engram-memory/pkg/types"
)

type fakeLLM struct {
	response string
	failOn   string
}

func (f *fakeLLM) Chat(_ context.Context, _ []ports.ChatMessage) (string, error) { return "", nil }

func (f *fakeLLM) ChatStructured(_ context.Context, messages []ports.ChatMessage, out interface{}) error {
	user := messages[len(messages)-1].Content
	if f.failOn != "" && strings.Contains(user, f.failOn) {
		return errors.New("model unavailable")
	}
	return json.Unmarshal([]byte(f.response), out)
}

func chunk(id, content string) types.Chunk {
	return types.Chunk{
		NodeMeta: types.NodeMeta{
			ID: id, EndUserID: "u1", ConfigID: "c1",
			CreatedAt: time.Now().UTC(), ExpiredAt: types.ExpiredAtSentinel,
		},
		DialogueID: "d1",
		Content:    content,
		Speaker:    "user",
	}
}

func TestSummarizeChunks(t *testing.T) {
	llm := &fakeLLM{response: `{"summary":"聊了公园散步的事","title":"公园散步","memory_type":"conversation"}`}
	s := New(llm, 2)

	drafts, err := s.SummarizeChunks(context.Background(),
		[]types.Chunk{chunk("ch-1", "我们去公园散步了")},
		config.DefaultMemoryConfig("c1"))
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "ch-1", drafts[0].ChunkID)
	assert.Equal(t, "公园散步", drafts[0].Title)
	assert.Equal(t, types.MemoryTypeConversation, drafts[0].MemoryType)
}

func TestSummarizeFailureIsNotFatal(t *testing.T) {
	llm := &fakeLLM{
		response: `{"summary":"ok summary","title":"ok","memory_type":"conversation"}`,
		failOn:   "broken",
	}
	s := New(llm, 1)

	drafts, err := s.SummarizeChunks(context.Background(), []types.Chunk{
		chunk("ch-1", "broken chunk"),
		chunk("ch-2", "healthy chunk"),
	}, config.DefaultMemoryConfig("c1"))
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "ch-2", drafts[0].ChunkID)
}

func TestEmptySummaryGetsFallbackTitle(t *testing.T) {
	llm := &fakeLLM{response: `{"summary":"","title":"","memory_type":"conversation"}`}
	s := New(llm, 1)

	drafts, err := s.SummarizeChunks(context.Background(),
		[]types.Chunk{chunk("ch-1", "x")}, config.DefaultMemoryConfig("c1"))
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, EmptyTitleZH, drafts[0].Title)

	en := config.DefaultMemoryConfig("c1")
	en.Language = "en"
	drafts, err = s.SummarizeChunks(context.Background(), []types.Chunk{chunk("ch-1", "x")}, en)
	require.NoError(t, err)
	assert.Equal(t, EmptyTitleEN, drafts[0].Title)
}

func TestUnknownMemoryTypeDefaults(t *testing.T) {
	assert.Equal(t, types.MemoryTypeConversation, parseMemoryType("musing"))
	assert.Equal(t, types.MemoryTypeDecision, parseMemoryType(" Decision "))
}

func TestClampWords(t *testing.T) {
	long := strings.Repeat("word ", 250)
	clamped := clampWords(strings.TrimSpace(long), 200)
	assert.Len(t, strings.Fields(clamped), 200)
	assert.Equal(t, "短句无空格", clampWords("短句无空格", 200))
}
