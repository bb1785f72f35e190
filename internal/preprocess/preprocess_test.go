package preprocess

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram-memory/internal/chunking"
	"engram-memory/internal/config"
	"engram-memory/internal/memerrors"
	"engram-memory/pkg/types"
)

func testPreprocessor(chunkSize int) *Preprocessor {
	chunker := chunking.NewRecursiveChunker(&config.ChunkingConfig{
		ChunkSize:             chunkSize,
		MinCharactersPerChunk: 4,
	})
	return New(chunker, nil)
}

func payload(messages ...types.Message) *types.DialoguePayload {
	return &types.DialoguePayload{
		RefID:     "r1",
		EndUserID: "u1",
		ConfigID:  "c1",
		Messages:  messages,
	}
}

func TestNormalizeRole(t *testing.T) {
	cases := map[string]string{
		"user": "user", "Human": "user", "用户": "user",
		"assistant": "assistant", "AI": "assistant", "bot": "assistant",
		"narrator": "user", "": "user",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeRole(in), "role %q", in)
	}
}

func TestCleanText(t *testing.T) {
	assert.Equal(t, "hello world", CleanText("user: hello world"))
	assert.Equal(t, "check", CleanText("check https://example.com/a?b=c"))
	assert.Equal(t, "wow.", CleanText("wow!!!"))
	assert.Equal(t, "太棒了。", CleanText("太棒了！！！"))
	assert.Equal(t, "我喜欢猫，也喜欢狗", CleanText("我喜欢猫,也喜欢狗"))
	assert.Equal(t, "a, b", CleanText("a, b")) // latin commas untouched
}

func TestProcessDropsEmptyAndAdjacentDuplicates(t *testing.T) {
	p := testPreprocessor(100)
	drafts, err := p.Process(context.Background(), payload(
		types.Message{Role: "user", Msg: "Alice works at Acme"},
		types.Message{Role: "user", Msg: "Alice works at Acme"},
		types.Message{Role: "assistant", Msg: "   "},
		types.Message{Role: "assistant", Msg: "Since when?"},
	), config.DefaultMemoryConfig("c1"))
	require.NoError(t, err)
	require.Len(t, drafts, 2)
	assert.Equal(t, "user", drafts[0].Speaker)
	assert.Equal(t, 0, drafts[0].SequenceIndex)
	assert.Equal(t, "Since when?", drafts[1].Content)
	assert.Equal(t, 1, drafts[1].SequenceIndex)
}

func TestProcessSplitsLongMessages(t *testing.T) {
	p := testPreprocessor(20)
	mc := config.DefaultMemoryConfig("c1")
	mc.ChunkSize = 0 // no tenant sizing, the process-level chunker applies
	drafts, err := p.Process(context.Background(), payload(
		types.Message{Role: "user", Msg: "first sentence here. second sentence here. third sentence here."},
	), mc)
	require.NoError(t, err)
	require.Greater(t, len(drafts), 1)
	for i, d := range drafts {
		assert.Equal(t, "user", d.Speaker)
		assert.Equal(t, i, d.SequenceIndex)
	}
}

func TestProcessUsesTenantChunkSizing(t *testing.T) {
	// the process-level chunker would keep this message whole; the tenant
	// config asks for smaller chunks and wins
	p := testPreprocessor(200)
	mc := config.DefaultMemoryConfig("c1")
	mc.ChunkSize = 20
	mc.MinCharactersPerChunk = 4

	drafts, err := p.Process(context.Background(), payload(
		types.Message{Role: "user", Msg: "first sentence here. second sentence here. third sentence here."},
	), mc)
	require.NoError(t, err)
	assert.Greater(t, len(drafts), 1)
}

func TestProcessFailsWhenNothingSurvives(t *testing.T) {
	p := testPreprocessor(100)
	_, err := p.Process(context.Background(), payload(
		types.Message{Role: "user", Msg: "https://only-a-url.example.com"},
	), config.DefaultMemoryConfig("c1"))
	require.Error(t, err)
	assert.Equal(t, memerrors.KindValidation, memerrors.KindOf(err))
}

func TestPruningDropsFillerKeepsImportant(t *testing.T) {
	p := testPreprocessor(100)
	mc := config.DefaultMemoryConfig("c1")
	mc.PruningSwitch = true
	mc.PruningScene = config.SceneOnlineService

	drafts, err := p.Process(context.Background(), payload(
		types.Message{Role: "user", Msg: "你好"},
		types.Message{Role: "user", Msg: "订单号 1234567 有问题"},
		types.Message{Role: "assistant", Msg: "ok"},
		types.Message{Role: "user", Msg: "2021/03/01 之后一直没发货"},
	), mc)
	require.NoError(t, err)
	require.Len(t, drafts, 2)
	assert.Contains(t, drafts[0].Content, "1234567")
	assert.Contains(t, drafts[1].Content, "2021/03/01")
}

func TestImportantPatterns(t *testing.T) {
	assert.True(t, isImportant("meeting at 14:30"))
	assert.True(t, isImportant("paid ¥300 yesterday"))
	assert.True(t, isImportant("my id is 88231"))
	assert.False(t, isImportant("nice weather"))
}

func TestFillerNormalisation(t *testing.T) {
	assert.True(t, isFiller("Thanks!"))
	assert.True(t, isFiller("好的。"))
	assert.False(t, isFiller("thanks for fixing the billing bug"))
}
