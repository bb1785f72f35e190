package forgetting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram-memory/internal/config"
	"engram-memory/internal/kvcache"
	"engram-memory/internal/memerrors"
	"engram-memory/internal/ports"
	"engram-memory/pkg/types"
)

type cycleStore struct {
	ports.GraphStore
	pairs      []types.ForgettablePair
	conflictOn map[string]bool
	merged     []*types.MemorySummary
	counts     []ports.KnowledgeCounts
	countCall  int

	lastCutoff time.Time
	lastLimit  int
}

func (s *cycleStore) CountKnowledgeNodes(_ context.Context, _ string) (ports.KnowledgeCounts, error) {
	c := s.counts[s.countCall]
	if s.countCall < len(s.counts)-1 {
		s.countCall++
	}
	return c, nil
}

func (s *cycleStore) ListForgettablePairs(_ context.Context, _ string, cutoff time.Time, limit int) ([]types.ForgettablePair, error) {
	s.lastCutoff = cutoff
	s.lastLimit = limit
	return s.pairs, nil
}

func (s *cycleStore) MergePairIntoSummary(_ context.Context, statementID, _ string, summary *types.MemorySummary) error {
	if s.conflictOn[statementID] {
		return memerrors.Conflict("pair gone")
	}
	s.merged = append(s.merged, summary)
	return nil
}

type cannedLLM struct{}

func (cannedLLM) Chat(_ context.Context, _ []ports.ChatMessage) (string, error) {
	return "", nil
}

func (cannedLLM) ChatStructured(_ context.Context, _ []ports.ChatMessage, out interface{}) error {
	raw := out.(*rawMergeSummary)
	raw.Summary = "合并后的记忆"
	raw.Title = "早期工作"
	raw.MemoryType = "conversation"
	return nil
}

type flatEmbedder struct{}

func (flatEmbedder) EmbedMany(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (flatEmbedder) Dimension() int { return 3 }

type stubConfigs struct{}

func (stubConfigs) Get(_ context.Context, configID string) (*config.MemoryConfig, error) {
	return config.DefaultMemoryConfig(configID), nil
}

func pair(stID, entID string, mean float64) types.ForgettablePair {
	return types.ForgettablePair{
		StatementID:         stID,
		EntityID:            entID,
		StatementText:       "statement " + stID,
		EntityName:          "entity " + entID,
		EntityFactSummary:   "facts about " + entID,
		StatementActivation: mean,
		EntityActivation:    mean,
	}
}

func newTestScheduler(store *cycleStore, cache ports.KVCache) *Scheduler {
	return NewScheduler(store, cannedLLM{}, flatEmbedder{}, cache, stubConfigs{},
		&config.ForgettingConfig{
			Offset: 0.1, Lambda: 0.3, DecayConstant: 0.5,
			MaxBatch: 10, MinDays: 30, LockTTLSeconds: 60,
		},
		ports.FixedClock{T: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)})
}

func TestRunCycleMergesAndCounts(t *testing.T) {
	ctx := context.Background()
	store := &cycleStore{
		pairs: []types.ForgettablePair{
			pair("st1", "e1", 0.1),
			pair("st2", "e2", 0.2),
			pair("st3", "e3", 0.3),
		},
		conflictOn: map[string]bool{"st2": true},
		counts: []ports.KnowledgeCounts{
			{Statements: 6, Entities: 3, Summaries: 1},
			{Statements: 4, Entities: 1, Summaries: 3},
		},
	}
	cache := kvcache.NewMemoryCache()
	s := newTestScheduler(store, cache)

	report, err := s.RunCycle(ctx, Options{EndUserID: "u1", ConfigID: "c1"})
	require.NoError(t, err)

	assert.Equal(t, 2, report.MergedCount)
	assert.Equal(t, 1, report.SkippedCount)
	assert.Equal(t, 0, report.FailedCount)
	assert.Equal(t, 1.0, report.SuccessRate)
	assert.Equal(t, 10, report.NodesBefore)
	assert.Equal(t, 8, report.NodesAfter)
	assert.InDelta(t, 0.2, report.ReductionRate, 1e-9)

	require.Len(t, store.merged, 2)
	sum := store.merged[0]
	assert.Equal(t, "u1", sum.EndUserID)
	assert.Equal(t, "早期工作", sum.Name)
	assert.Equal(t, types.MemoryTypeConversation, sum.MemoryType)
	assert.Equal(t, []string{"st1"}, sum.StatementIDs)
	assert.NotEmpty(t, sum.Embedding)

	// defaults flow through to the pair query: the clock minus min_days
	assert.Equal(t, time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC), store.lastCutoff)
	assert.Equal(t, 20, store.lastLimit)

	// lock released after the cycle
	_, held, err := cache.Get(ctx, kvcache.KeyForgettingLock)
	require.NoError(t, err)
	assert.False(t, held)
	assert.False(t, s.IsRunning())
}

func TestRunCycleHonoursStoredConfig(t *testing.T) {
	ctx := context.Background()
	store := &cycleStore{
		pairs: []types.ForgettablePair{
			pair("st1", "e1", 0.1),
			pair("st2", "e2", 0.2),
			pair("st3", "e3", 0.3),
		},
		counts: []ports.KnowledgeCounts{
			{Statements: 6, Entities: 3, Summaries: 1},
			{Statements: 4, Entities: 1, Summaries: 3},
		},
	}
	cache := kvcache.NewMemoryCache()
	s := newTestScheduler(store, cache)
	require.NoError(t, s.UpdateConfig(ctx, "c1", Params{
		Offset: 0.2, Lambda: 0.4, D: 0.6, MaxBatch: 2, MinDays: 14,
	}))

	report, err := s.RunCycle(ctx, Options{EndUserID: "u1", ConfigID: "c1"})
	require.NoError(t, err)

	// stored per-config parameters override the engine defaults
	assert.Equal(t, time.Date(2025, 5, 18, 0, 0, 0, 0, time.UTC), store.lastCutoff)
	assert.Equal(t, 4, store.lastLimit)
	assert.Equal(t, 2, report.MergedCount)

	// explicit options still win over the stored parameters
	report, err = s.RunCycle(ctx, Options{EndUserID: "u1", ConfigID: "c1", MinDays: 7, MaxBatch: 1})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 5, 25, 0, 0, 0, 0, time.UTC), store.lastCutoff)
	assert.Equal(t, 2, store.lastLimit)
	assert.Equal(t, 1, report.MergedCount)
}

func TestRunCycleRefusesWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	cache := kvcache.NewMemoryCache()
	require.NoError(t, cache.Set(ctx, kvcache.KeyForgettingLock, "other", time.Hour))

	s := newTestScheduler(&cycleStore{counts: []ports.KnowledgeCounts{{}}}, cache)
	_, err := s.RunCycle(ctx, Options{EndUserID: "u1"})
	require.Error(t, err)
	assert.True(t, memerrors.IsConflict(err))
}

func TestDedupePairsNeverReusesANode(t *testing.T) {
	pairs := []types.ForgettablePair{
		pair("st1", "e1", 0.1),
		pair("st1", "e2", 0.2), // statement already taken
		pair("st2", "e1", 0.3), // entity already taken
		pair("st3", "e3", 0.4),
	}
	out := dedupePairs(pairs, 10)
	require.Len(t, out, 2)
	assert.Equal(t, "st1", out[0].StatementID)
	assert.Equal(t, "st3", out[1].StatementID)

	capped := dedupePairs(pairs, 1)
	assert.Len(t, capped, 1)
}

func TestCurveIsMonotoneNonIncreasing(t *testing.T) {
	s := newTestScheduler(&cycleStore{counts: []ports.KnowledgeCounts{{}}}, nil)

	points, err := s.Curve(context.Background(), "c1", 0.5, 30)
	require.NoError(t, err)
	require.Len(t, points, 31)
	for i := 1; i < len(points); i++ {
		assert.LessOrEqual(t, points[i].Activation, points[i-1].Activation)
	}

	_, err = s.Curve(context.Background(), "c1", 1.5, 30)
	require.Error(t, err)
}

func TestConfigRoundTripAndDefaults(t *testing.T) {
	ctx := context.Background()
	cache := kvcache.NewMemoryCache()
	s := newTestScheduler(&cycleStore{counts: []ports.KnowledgeCounts{{}}}, cache)

	// no override stored yet: engine defaults
	got, err := s.ReadConfig(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 0.1, got.Offset)
	assert.Equal(t, 30, got.MinDays)

	require.NoError(t, s.UpdateConfig(ctx, "c1", Params{
		Offset: 0.2, Lambda: 0.4, D: 0.6, MaxBatch: 5, MinDays: 14,
	}))
	got, err = s.ReadConfig(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 0.2, got.Offset)
	assert.Equal(t, 14, got.MinDays)

	// other config ids are untouched
	other, err := s.ReadConfig(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, 0.1, other.Offset)

	require.Error(t, s.UpdateConfig(ctx, "c1", Params{Offset: 1.2, Lambda: 0.3, D: 0.5}))
}
