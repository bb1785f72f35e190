// Package preprocess normalises incoming dialogue payloads: role mapping,
// text cleaning, filler pruning, and per-message chunking. Its output is the
// ordered list of chunk drafts the write coordinator turns into graph nodes.
package preprocess

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/width"

	"engram-memory/internal/chunking"
	"engram-memory/internal/config"
	"engram-memory/internal/logging"
	"engram-memory/internal/memerrors"
	"engram-memory/internal/ports"
	"engram-memory/pkg/types"
)

var roleAliases = map[string]string{
	"user":      types.RoleUser,
	"human":     types.RoleUser,
	"用户":        types.RoleUser,
	"assistant": types.RoleAssistant,
	"ai":        types.RoleAssistant,
	"bot":       types.RoleAssistant,
}

var (
	urlPattern      = regexp.MustCompile(`https?://[^\s]+`)
	rolePrefixRe    = regexp.MustCompile(`^(user|assistant|human|bot|ai|用户)\s*[:：]\s*`)
	datePattern     = regexp.MustCompile(`\d{4}[-/.年]\d{1,2}[-/.月]\d{1,2}|\d{8}`)
	clockPattern    = regexp.MustCompile(`\b\d{1,2}:\d{2}(:\d{2})?\b|\d{1,2}[点时]\d{0,2}`)
	numericIDRe     = regexp.MustCompile(`\b\d{5,}\b`)
	currencyPattern = regexp.MustCompile(`[¥$€£]\s?\d+|\d+(\.\d+)?\s?(元|块钱|美元|欧元|dollars?|yuan)`)
)

// fillerPhrases are always dropped under semantic pruning, any scene.
var fillerPhrases = map[string]struct{}{
	"你好": {}, "您好": {}, "嗯": {}, "嗯嗯": {}, "哦": {}, "好的": {}, "好": {},
	"谢谢": {}, "不客气": {}, "再见": {}, "拜拜": {}, "在吗": {}, "收到": {},
	"hello": {}, "hi": {}, "hey": {}, "ok": {}, "okay": {}, "thanks": {},
	"thank you": {}, "bye": {}, "goodbye": {}, "yes": {}, "no": {}, "sure": {},
	"got it": {}, "i see": {}, "uh huh": {},
}

// CleanMessage is one normalised dialogue turn before chunking.
type CleanMessage struct {
	Role string
	Text string
}

// ChunkDraft is a chunk candidate; the write coordinator assigns identity.
type ChunkDraft struct {
	Speaker       string
	Content       string
	SequenceIndex int
}

// importanceScore is the structured pruning-scorer response.
type importanceScore struct {
	Score float64 `json:"score"`
}

// Preprocessor implements the ingestion preprocessing pipeline.
type Preprocessor struct {
	chunker ports.Chunker
	llm     ports.LLM // nil disables LLM importance scoring
	logger  logging.Logger
}

// New creates a preprocessor. llm may be nil when semantic pruning should rely
// on patterns alone.
func New(chunker ports.Chunker, llm ports.LLM) *Preprocessor {
	return &Preprocessor{
		chunker: chunker,
		llm:     llm,
		logger:  logging.WithComponent("preprocess"),
	}
}

// Process cleans and chunks a dialogue payload. It fails with a validation
// error when no non-trivial chunk survives.
func (p *Preprocessor) Process(ctx context.Context, payload *types.DialoguePayload, mc *config.MemoryConfig) ([]ChunkDraft, error) {
	if err := payload.Validate(); err != nil {
		return nil, memerrors.Wrap(memerrors.KindValidation, "invalid dialogue payload", err)
	}

	messages := make([]CleanMessage, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		text := CleanText(m.Msg)
		if text == "" {
			continue
		}
		msg := CleanMessage{Role: NormalizeRole(m.Role), Text: text}
		if n := len(messages); n > 0 && messages[n-1] == msg {
			continue
		}
		messages = append(messages, msg)
	}

	if mc.PruningSwitch {
		messages = p.prune(ctx, messages, mc)
	}

	// tenant configs size their own chunker; the process-level chunker is the
	// fallback for configs without sizing
	chunker := p.chunker
	if mc.ChunkSize > 0 {
		chunker = chunking.ForMemoryConfig(mc)
	}

	var drafts []ChunkDraft
	seq := 0
	for _, m := range messages {
		if len([]rune(m.Text)) <= chunker.ChunkSize() {
			drafts = append(drafts, ChunkDraft{Speaker: m.Role, Content: m.Text, SequenceIndex: seq})
			seq++
			continue
		}
		for _, sub := range chunker.Chunk(m.Text) {
			drafts = append(drafts, ChunkDraft{Speaker: m.Role, Content: sub, SequenceIndex: seq})
			seq++
		}
	}

	if len(drafts) == 0 {
		return nil, memerrors.Validationf("dialogue %s produced no chunks after cleaning", payload.RefID)
	}
	return drafts, nil
}

// NormalizeRole maps role aliases onto the two canonical speakers. Unknown
// roles default to user.
func NormalizeRole(role string) string {
	if canonical, ok := roleAliases[strings.ToLower(strings.TrimSpace(role))]; ok {
		return canonical
	}
	return types.RoleUser
}

// CleanText strips role prefixes and URLs, tames exclamation runs, and
// normalises half-width commas inside CJK text.
func CleanText(text string) string {
	text = strings.TrimSpace(text)
	text = rolePrefixRe.ReplaceAllString(text, "")
	text = urlPattern.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "！！！", "。")
	text = strings.ReplaceAll(text, "!!!", ".")
	if containsCJK(text) {
		text = strings.ReplaceAll(text, ",", width.Widen.String(","))
	}
	return strings.TrimSpace(text)
}

// prune applies scene-based semantic pruning: filler is always dropped, a
// message survives if a pattern marks it important or the scorer clears the
// scene threshold.
func (p *Preprocessor) prune(ctx context.Context, messages []CleanMessage, mc *config.MemoryConfig) []CleanMessage {
	kept := make([]CleanMessage, 0, len(messages))
	for _, m := range messages {
		if isFiller(m.Text) {
			continue
		}
		if isImportant(m.Text) {
			kept = append(kept, m)
			continue
		}
		if p.llm != nil {
			score, err := p.scoreImportance(ctx, m.Text, mc.PruningScene)
			if err != nil {
				// scoring failure keeps the message rather than losing content
				p.logger.WarnContext(ctx, "importance scoring failed, keeping message", "error", err.Error())
				kept = append(kept, m)
				continue
			}
			if score >= mc.PruningThreshold {
				kept = append(kept, m)
			}
			continue
		}
		kept = append(kept, m)
	}
	return kept
}

func (p *Preprocessor) scoreImportance(ctx context.Context, text string, scene config.PruningScene) (float64, error) {
	var resp importanceScore
	err := p.llm.ChatStructured(ctx, []ports.ChatMessage{
		{Role: "system", Content: fmt.Sprintf(
			"You score the long-term memory value of a single %s-scene message. "+
				`Return JSON {"score": float} with score in [0,1].`, scene)},
		{Role: "user", Content: text},
	}, &resp)
	if err != nil {
		return 0, err
	}
	if resp.Score < 0 {
		resp.Score = 0
	}
	if resp.Score > 1 {
		resp.Score = 1
	}
	return resp.Score, nil
}

func isFiller(text string) bool {
	normalized := strings.ToLower(strings.TrimRight(strings.TrimSpace(text), ".。!！?？~"))
	_, ok := fillerPhrases[normalized]
	return ok
}

func isImportant(text string) bool {
	return datePattern.MatchString(text) ||
		clockPattern.MatchString(text) ||
		numericIDRe.MatchString(text) ||
		currencyPattern.MatchString(text)
}

func containsCJK(text string) bool {
	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}
