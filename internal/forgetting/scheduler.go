// Package forgetting runs consolidation cycles: low-activation
// Statement+Entity pairs are merged into MemorySummary nodes, shrinking the
// knowledge graph while preserving its gist.
package forgetting

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"engram-memory/internal/activation"
	"engram-memory/internal/config"
	"engram-memory/internal/kvcache"
	"engram-memory/internal/logging"
	"engram-memory/internal/memerrors"
	"engram-memory/internal/ports"
	"engram-memory/internal/summarize"
	"engram-memory/pkg/types"
)

// lockValue marks this process as the forgetting lock holder.
const lockValue = "running"

// Options parameterise one cycle; zero values fall back to the stored
// per-config parameters, then to the engine defaults.
type Options struct {
	EndUserID string
	ConfigID  string
	MaxBatch  int
	MinDays   int
}

// Scheduler owns the forgetting cycle. Only one cycle runs per process; when
// a KV cache is configured a named lock also excludes sibling processes.
type Scheduler struct {
	store   ports.GraphStore
	llm     ports.LLM
	embed   ports.Embedder
	cache   ports.KVCache // nil disables the distributed lock
	configs config.ConfigProvider
	cfg     *config.ForgettingConfig
	clock   ports.Clock
	logger  logging.Logger

	running atomic.Bool
}

// NewScheduler wires a forgetting scheduler.
func NewScheduler(
	store ports.GraphStore,
	llm ports.LLM,
	embed ports.Embedder,
	cache ports.KVCache,
	configs config.ConfigProvider,
	cfg *config.ForgettingConfig,
	clock ports.Clock,
) *Scheduler {
	return &Scheduler{
		store:   store,
		llm:     llm,
		embed:   embed,
		cache:   cache,
		configs: configs,
		cfg:     cfg,
		clock:   clock,
		logger:  logging.WithComponent("forgetting"),
	}
}

// IsRunning reports whether a cycle is active in this process.
func (s *Scheduler) IsRunning() bool { return s.running.Load() }

// RunCycle executes one forgetting cycle and returns its report. A cycle
// already in progress (here or on a sibling process) is a conflict.
func (s *Scheduler) RunCycle(ctx context.Context, opts Options) (*types.ForgettingReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, memerrors.Conflict("forgetting cycle already running")
	}
	defer s.running.Store(false)

	if s.cache != nil {
		ttl := time.Duration(s.cfg.LockTTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = time.Hour
		}
		acquired, err := s.cache.SetNX(ctx, kvcache.KeyForgettingLock, lockValue, ttl)
		if err != nil {
			return nil, memerrors.Wrap(memerrors.KindExternalTransient, "acquire forgetting lock", err)
		}
		if !acquired {
			return nil, memerrors.Conflict("forgetting cycle held by another process")
		}
		defer func() { _ = s.cache.Del(ctx, kvcache.KeyForgettingLock) }()
	}

	// explicit options win, then the stored per-config overrides, then the
	// engine defaults
	stored, err := s.ReadConfig(ctx, opts.ConfigID)
	if err != nil {
		s.logger.WarnContext(ctx, "stored forgetting config unreadable, using defaults",
			"config_id", opts.ConfigID, "error", err.Error())
		stored = s.defaultParams()
	}
	maxBatch := opts.MaxBatch
	if maxBatch <= 0 {
		maxBatch = stored.MaxBatch
	}
	if maxBatch <= 0 {
		maxBatch = s.cfg.MaxBatch
	}
	minDays := opts.MinDays
	if minDays <= 0 {
		minDays = stored.MinDays
	}
	if minDays <= 0 {
		minDays = s.cfg.MinDays
	}

	startTime := s.clock.Now()
	before, err := s.store.CountKnowledgeNodes(ctx, opts.EndUserID)
	if err != nil {
		return nil, err
	}

	cutoff := startTime.UTC().AddDate(0, 0, -minDays)
	pairs, err := s.store.ListForgettablePairs(ctx, opts.EndUserID, cutoff, maxBatch*2)
	if err != nil {
		return nil, err
	}
	pairs = dedupePairs(pairs, maxBatch)

	s.logger.InfoContext(ctx, "forgetting cycle started",
		"end_user_id", opts.EndUserID, "candidates", len(pairs), "max_batch", maxBatch)

	mc, err := s.configs.Get(ctx, opts.ConfigID)
	if err != nil {
		mc = config.DefaultMemoryConfig(opts.ConfigID)
	}

	var merged, skipped, failed int
	milestone := 0
	for i, pair := range pairs {
		if ctx.Err() != nil {
			return nil, memerrors.Wrap(memerrors.KindCancelled, "forgetting cycle cancelled", ctx.Err())
		}

		if err := s.mergePair(ctx, opts, mc, pair); err != nil {
			if memerrors.IsConflict(err) {
				// the pair was consumed by concurrent work
				skipped++
				s.logger.WarnContext(ctx, "pair already merged, skipping",
					"statement_id", pair.StatementID, "entity_id", pair.EntityID)
			} else {
				failed++
				s.logger.ErrorContext(ctx, "pair merge failed",
					"statement_id", pair.StatementID, "error", err.Error())
			}
		} else {
			merged++
		}

		if len(pairs) > 0 {
			if pct := (i + 1) * 100 / len(pairs); pct >= milestone+10 {
				milestone = pct / 10 * 10
				s.logger.InfoContext(ctx, "forgetting cycle progress",
					"percent", milestone, "merged", merged, "skipped", skipped, "failed", failed)
			}
		}
	}

	after, err := s.store.CountKnowledgeNodes(ctx, opts.EndUserID)
	if err != nil {
		return nil, err
	}
	endTime := s.clock.Now()

	report := &types.ForgettingReport{
		MergedCount:  merged,
		SkippedCount: skipped,
		FailedCount:  failed,
		NodesBefore:  before.Total(),
		NodesAfter:   after.Total(),
		Duration:     endTime.Sub(startTime).Seconds(),
		StartTime:    startTime,
		EndTime:      endTime,
	}
	if attempted := merged + failed; attempted > 0 {
		report.SuccessRate = float64(merged) / float64(attempted)
	} else {
		report.SuccessRate = 1.0
	}
	if before.Total() > 0 {
		report.ReductionRate = float64(before.Total()-after.Total()) / float64(before.Total())
	}

	s.logger.InfoContext(ctx, "forgetting cycle finished",
		"merged", merged, "skipped", skipped, "failed", failed,
		"nodes_before", report.NodesBefore, "nodes_after", report.NodesAfter)
	return report, nil
}

// mergePair synthesises the consolidation summary for one pair and swaps it
// into the graph.
func (s *Scheduler) mergePair(ctx context.Context, opts Options, mc *config.MemoryConfig, pair types.ForgettablePair) error {
	draft, err := s.synthesize(ctx, mc, pair)
	if err != nil {
		return err
	}

	vectors, err := s.embed.EmbedMany(ctx, []string{draft.Content})
	if err != nil {
		return err
	}

	now := s.clock.Now()
	summary := &types.MemorySummary{
		NodeMeta: types.NodeMeta{
			ID:        mergeSummaryID(pair.StatementID, pair.EntityID),
			EndUserID: opts.EndUserID,
			ConfigID:  opts.ConfigID,
			CreatedAt: now,
			ExpiredAt: types.ExpiredAtSentinel,
		},
		Name:         draft.Title,
		MemoryType:   draft.MemoryType,
		Content:      draft.Content,
		StatementIDs: []string{pair.StatementID},
	}
	if len(vectors) == 1 {
		summary.Embedding = vectors[0]
	}

	return s.store.MergePairIntoSummary(ctx, pair.StatementID, pair.EntityID, summary)
}

type mergeDraft struct {
	Title      string
	MemoryType types.MemoryType
	Content    string
}

type rawMergeSummary struct {
	Summary    string `json:"summary"`
	Title      string `json:"title"`
	MemoryType string `json:"memory_type"`
}

const mergePromptZH = `将一条记忆陈述与相关实体的事实摘要压缩为一条长期记忆。
返回 JSON {"summary":str,"title":str,"memory_type":str}。
memory_type 取值 conversation、project_work、learning、decision、important_event 之一。使用中文。`

const mergePromptEN = `Condense a memory statement and the related entity's fact summary
into one long-term memory. Return JSON {"summary":str,"title":str,"memory_type":str}.
memory_type is one of conversation, project_work, learning, decision,
important_event. Answer in English.`

func (s *Scheduler) synthesize(ctx context.Context, mc *config.MemoryConfig, pair types.ForgettablePair) (*mergeDraft, error) {
	prompt := mergePromptZH
	if mc.Language == "en" {
		prompt = mergePromptEN
	}

	var raw rawMergeSummary
	err := s.llm.ChatStructured(ctx, []ports.ChatMessage{
		{Role: "system", Content: prompt},
		{Role: "user", Content: fmt.Sprintf(
			"Statement: %s\nEntity: %s\nEntity facts: %s",
			pair.StatementText, pair.EntityName, pair.EntityFactSummary)},
	}, &raw)
	if err != nil {
		return nil, err
	}

	draft := &mergeDraft{
		Title:      strings.TrimSpace(raw.Title),
		MemoryType: types.MemoryType(strings.ToLower(strings.TrimSpace(raw.MemoryType))),
		Content:    strings.TrimSpace(raw.Summary),
	}
	if !draft.MemoryType.Valid() {
		draft.MemoryType = types.MemoryTypeConversation
	}
	if draft.Content == "" {
		draft.Content = pair.StatementText
	}
	if draft.Title == "" {
		draft.Title = summarize.EmptyTitle(mc.Language)
	}
	return draft, nil
}

// dedupePairs keeps at most max pairs, never reusing a statement or entity id
// within the cycle. Input ordering (ascending mean activation) is preserved.
func dedupePairs(pairs []types.ForgettablePair, max int) []types.ForgettablePair {
	seen := make(map[string]struct{}, len(pairs)*2)
	out := make([]types.ForgettablePair, 0, max)
	for _, p := range pairs {
		if len(out) >= max {
			break
		}
		if _, ok := seen[p.StatementID]; ok {
			continue
		}
		if _, ok := seen[p.EntityID]; ok {
			continue
		}
		seen[p.StatementID] = struct{}{}
		seen[p.EntityID] = struct{}{}
		out = append(out, p)
	}
	return out
}

func mergeSummaryID(statementID, entityID string) string {
	return fmt.Sprintf("merge-%s-%s", statementID, entityID)
}

// Curve returns the projected activation per day for the given importance,
// using the per-config forgetting parameters.
func (s *Scheduler) Curve(ctx context.Context, configID string, importance float64, days int) ([]activation.CurvePoint, error) {
	if importance < 0 || importance > 1 {
		return nil, memerrors.Validationf("importance %f out of [0,1]", importance)
	}
	if days <= 0 {
		days = 30
	}
	params, err := s.resolveParams(ctx, configID)
	if err != nil {
		return nil, err
	}
	return activation.ForgettingCurve(params, importance, days), nil
}

// Params is the KV representation of per-config forgetting overrides.
type Params struct {
	Offset   float64 `json:"offset"`
	Lambda   float64 `json:"lambda"`
	D        float64 `json:"d"`
	MaxBatch int     `json:"max_batch"`
	MinDays  int     `json:"min_days"`
}

func (s *Scheduler) defaultParams() *Params {
	return &Params{
		Offset:   s.cfg.Offset,
		Lambda:   s.cfg.Lambda,
		D:        s.cfg.DecayConstant,
		MaxBatch: s.cfg.MaxBatch,
		MinDays:  s.cfg.MinDays,
	}
}

// ReadConfig returns the forgetting parameters for a config id, falling back
// to engine defaults when no override is stored.
func (s *Scheduler) ReadConfig(ctx context.Context, configID string) (*Params, error) {
	defaults := s.defaultParams()
	if s.cache == nil {
		return defaults, nil
	}
	raw, ok, err := s.cache.Get(ctx, kvcache.ForgettingConfigKey(configID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return defaults, nil
	}
	if err := json.Unmarshal([]byte(raw), defaults); err != nil {
		return nil, memerrors.Wrap(memerrors.KindValidation, "corrupt forgetting config", err)
	}
	return defaults, nil
}

// UpdateConfig overwrites the stored forgetting parameters for a config id.
func (s *Scheduler) UpdateConfig(ctx context.Context, configID string, params Params) error {
	if s.cache == nil {
		return memerrors.New(memerrors.KindValidation, "no config store available")
	}
	if params.Offset < 0 || params.Offset >= 1 {
		return memerrors.Validationf("offset %f out of [0,1)", params.Offset)
	}
	if params.Lambda <= 0 || params.D <= 0 {
		return memerrors.Validationf("lambda and d must be positive")
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, kvcache.ForgettingConfigKey(configID), string(payload), 0)
}

func (s *Scheduler) resolveParams(ctx context.Context, configID string) (activation.Params, error) {
	stored, err := s.ReadConfig(ctx, configID)
	if err != nil {
		return activation.Params{}, err
	}
	return activation.Params{
		Offset:        stored.Offset,
		Lambda:        stored.Lambda,
		DecayConstant: stored.D,
	}, nil
}
