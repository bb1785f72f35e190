// Package chunking splits long message text into retrieval-sized pieces.
// The recursive strategy tries progressively finer separators until every
// piece fits the configured chunk size, then merges fragments that fall
// below the minimum character floor.
package chunking

import (
	"strings"

	"engram-memory/internal/config"
)

// Separator ladder, coarse to fine. CJK and latin sentence breaks both appear
// because incoming dialogues mix languages.
var separators = []string{
	"\n\n", "\n",
	"。", "！", "？",
	". ", "! ", "? ",
	"；", "; ",
	"，", ", ",
	" ",
}

// RecursiveChunker implements the ports.Chunker interface.
type RecursiveChunker struct {
	chunkSize int
	minChars  int
}

// NewRecursiveChunker builds a chunker from configuration, applying floors so
// a zero config still chunks sanely.
func NewRecursiveChunker(cfg *config.ChunkingConfig) *RecursiveChunker {
	size := cfg.ChunkSize
	if size <= 0 {
		size = 512
	}
	minChars := cfg.MinCharactersPerChunk
	if minChars <= 0 {
		minChars = 24
	}
	if minChars > size {
		minChars = size
	}
	return &RecursiveChunker{chunkSize: size, minChars: minChars}
}

// ForMemoryConfig builds the chunker a tenant config asks for. The strategy
// name is validated at config decode time; sizing falls back to the same
// floors NewRecursiveChunker applies.
func ForMemoryConfig(mc *config.MemoryConfig) *RecursiveChunker {
	return NewRecursiveChunker(&config.ChunkingConfig{
		Strategy:              mc.ChunkerStrategy,
		ChunkSize:             mc.ChunkSize,
		MinCharactersPerChunk: mc.MinCharactersPerChunk,
	})
}

// ChunkSize returns the target maximum characters per chunk.
func (c *RecursiveChunker) ChunkSize() int { return c.chunkSize }

// MinCharactersPerChunk returns the merge floor.
func (c *RecursiveChunker) MinCharactersPerChunk() int { return c.minChars }

// Chunk splits text into pieces of at most ChunkSize runes. Pieces shorter
// than the floor are merged into their neighbour. Empty input yields nil.
func (c *RecursiveChunker) Chunk(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if runeLen(text) <= c.chunkSize {
		return []string{text}
	}
	pieces := c.split(text, 0)
	return c.mergeSmall(pieces)
}

func (c *RecursiveChunker) split(text string, sepIdx int) []string {
	if runeLen(text) <= c.chunkSize {
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			return []string{trimmed}
		}
		return nil
	}
	if sepIdx >= len(separators) {
		return c.hardSplit(text)
	}

	sep := separators[sepIdx]
	parts := strings.SplitAfter(text, sep)
	if len(parts) == 1 {
		return c.split(text, sepIdx+1)
	}

	var out []string
	var current strings.Builder
	for _, part := range parts {
		if runeLen(current.String())+runeLen(part) > c.chunkSize && current.Len() > 0 {
			out = append(out, c.split(current.String(), sepIdx+1)...)
			current.Reset()
		}
		current.WriteString(part)
	}
	if current.Len() > 0 {
		out = append(out, c.split(current.String(), sepIdx+1)...)
	}
	return out
}

// hardSplit cuts at rune boundaries when no separator fits.
func (c *RecursiveChunker) hardSplit(text string) []string {
	runes := []rune(strings.TrimSpace(text))
	var out []string
	for start := 0; start < len(runes); start += c.chunkSize {
		end := start + c.chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		piece := strings.TrimSpace(string(runes[start:end]))
		if piece != "" {
			out = append(out, piece)
		}
	}
	return out
}

// mergeSmall folds pieces under the floor into the previous piece when the
// result still fits, otherwise into the next one.
func (c *RecursiveChunker) mergeSmall(pieces []string) []string {
	if len(pieces) <= 1 {
		return pieces
	}
	out := make([]string, 0, len(pieces))
	for _, piece := range pieces {
		if len(out) > 0 && runeLen(piece) < c.minChars &&
			runeLen(out[len(out)-1])+runeLen(piece) <= c.chunkSize {
			out[len(out)-1] = out[len(out)-1] + piece
			continue
		}
		out = append(out, piece)
	}
	// a leading fragment can only merge forward
	if len(out) > 1 && runeLen(out[0]) < c.minChars &&
		runeLen(out[0])+runeLen(out[1]) <= c.chunkSize {
		out[1] = out[0] + out[1]
		out = out[1:]
	}
	return out
}

func runeLen(s string) int { return len([]rune(s)) }
