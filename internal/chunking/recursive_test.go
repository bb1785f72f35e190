package chunking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram-memory/internal/config"
)

func newTestChunker(size, minChars int) *RecursiveChunker {
	return NewRecursiveChunker(&config.ChunkingConfig{
		ChunkSize:             size,
		MinCharactersPerChunk: minChars,
	})
}

func TestChunkShortTextPassthrough(t *testing.T) {
	c := newTestChunker(100, 10)
	chunks := c.Chunk("a short message")
	require.Len(t, chunks, 1)
	assert.Equal(t, "a short message", chunks[0])
}

func TestChunkEmptyInput(t *testing.T) {
	c := newTestChunker(100, 10)
	assert.Nil(t, c.Chunk(""))
	assert.Nil(t, c.Chunk("   \n  "))
}

func TestChunkSplitsOnParagraphs(t *testing.T) {
	c := newTestChunker(40, 5)
	text := strings.Repeat("first paragraph. ", 2) + "\n\n" + strings.Repeat("second paragraph. ", 2)
	chunks := c.Chunk(text)
	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len([]rune(chunk)), 40)
	}
}

func TestChunkCJKSentences(t *testing.T) {
	c := newTestChunker(12, 2)
	chunks := c.Chunk("今天天气很好。我们去公园散步。她很开心。")
	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len([]rune(chunk)), 12)
	}
	assert.Contains(t, chunks[0], "今天天气很好")
}

func TestChunkHardSplitWithoutSeparators(t *testing.T) {
	c := newTestChunker(10, 2)
	chunks := c.Chunk(strings.Repeat("x", 25))
	require.Len(t, chunks, 3)
	assert.Equal(t, 10, len(chunks[0]))
	assert.Equal(t, 5, len(chunks[2]))
}

func TestChunkMergesFragmentsBelowFloor(t *testing.T) {
	c := newTestChunker(50, 20)
	chunks := c.Chunk("A full sentence that stands on its own here. Ok. Yes. Another complete sentence follows right after it.")
	for _, chunk := range chunks {
		assert.GreaterOrEqual(t, len([]rune(chunk)), 4, "fragment %q not merged", chunk)
	}
}

func TestZeroConfigDefaults(t *testing.T) {
	c := NewRecursiveChunker(&config.ChunkingConfig{})
	assert.Equal(t, 512, c.ChunkSize())
	assert.Equal(t, 24, c.MinCharactersPerChunk())
}
