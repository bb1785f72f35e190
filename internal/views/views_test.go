package views

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram-memory/internal/memerrors"
	"engram-memory/internal/ports"
)

type viewStore struct {
	ports.GraphStore
	counts  map[string]int
	latest  *ports.PerceptualRecord
	entries []ports.EpisodicEntry
	detail  *ports.EpisodicDetailRecord

	lastQuery ports.EpisodicQuery
}

func (v *viewStore) CountPerceptual(_ context.Context, _ string) (map[string]int, error) {
	return v.counts, nil
}

func (v *viewStore) LatestPerceptual(_ context.Context, _, _ string) (*ports.PerceptualRecord, error) {
	return v.latest, nil
}

func (v *viewStore) EpisodicOverview(_ context.Context, q ports.EpisodicQuery) ([]ports.EpisodicEntry, error) {
	v.lastQuery = q
	return v.entries, nil
}

func (v *viewStore) EpisodicDetail(_ context.Context, _, summaryID string) (*ports.EpisodicDetailRecord, error) {
	if v.detail == nil {
		return nil, memerrors.Validationf("summary %s not found", summaryID)
	}
	return v.detail, nil
}

// Wednesday 2025-06-04 15:30 UTC.
var testNow = time.Date(2025, 6, 4, 15, 30, 0, 0, time.UTC)

func newTestService(store *viewStore) *Service {
	return New(store, ports.FixedClock{T: testNow})
}

func TestMemoryCountTotals(t *testing.T) {
	s := newTestService(&viewStore{counts: map[string]int{"text": 7, "vision": 2}})

	got, err := s.MemoryCount(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 9, got.Total)
	assert.Equal(t, 7, got.Counts["text"])

	_, err = s.MemoryCount(context.Background(), "")
	assert.Equal(t, memerrors.KindValidation, memerrors.KindOf(err))
}

func TestLatestMemoryValidatesType(t *testing.T) {
	record := &ports.PerceptualRecord{ID: "m1", PerceptualType: "text"}
	s := newTestService(&viewStore{latest: record})

	got, err := s.LatestMemory(context.Background(), "u1", "text")
	require.NoError(t, err)
	assert.Equal(t, "m1", got.ID)

	_, err = s.LatestMemory(context.Background(), "u1", "smell")
	assert.Equal(t, memerrors.KindValidation, memerrors.KindOf(err))
}

func TestLatestMemoryNilWhenAbsent(t *testing.T) {
	s := newTestService(&viewStore{})
	got, err := s.LatestMemory(context.Background(), "u1", "audio")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestOverviewTimeRanges(t *testing.T) {
	store := &viewStore{}
	s := newTestService(store)
	ctx := context.Background()

	_, err := s.EpisodicOverview(ctx, "u1", OverviewFilter{TimeRange: RangeAll})
	require.NoError(t, err)
	assert.Nil(t, store.lastQuery.Since)

	_, err = s.EpisodicOverview(ctx, "u1", OverviewFilter{TimeRange: RangeToday})
	require.NoError(t, err)
	require.NotNil(t, store.lastQuery.Since)
	assert.Equal(t, time.Date(2025, 6, 4, 0, 0, 0, 0, time.UTC), *store.lastQuery.Since)

	// week starts Monday 2025-06-02
	_, err = s.EpisodicOverview(ctx, "u1", OverviewFilter{TimeRange: RangeThisWeek})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), *store.lastQuery.Since)

	_, err = s.EpisodicOverview(ctx, "u1", OverviewFilter{TimeRange: RangeThisMonth})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), *store.lastQuery.Since)

	_, err = s.EpisodicOverview(ctx, "u1", OverviewFilter{TimeRange: "fortnight"})
	assert.Equal(t, memerrors.KindValidation, memerrors.KindOf(err))
}

func TestOverviewMapsEntries(t *testing.T) {
	created := time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC)
	store := &viewStore{entries: []ports.EpisodicEntry{
		{ID: "m1", Title: "午餐计划", MemoryType: "conversation", CreatedAt: created},
	}}
	s := newTestService(store)

	entries, err := s.EpisodicOverview(context.Background(), "u1", OverviewFilter{
		TimeRange: RangeAll, EpisodicType: "conversation", TitleKeyword: "午餐",
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "m1", entries[0].ID)
	assert.Equal(t, created.UnixMilli(), entries[0].CreatedAtMs)
	assert.Equal(t, "conversation", store.lastQuery.MemoryType)
	assert.Equal(t, "午餐", store.lastQuery.TitleKeyword)
}

func TestDetailCapsObjectsAndPicksEmotion(t *testing.T) {
	store := &viewStore{detail: &ports.EpisodicDetailRecord{
		ID:              "m1",
		Title:           "团队晚餐",
		MemoryType:      "important_event",
		Content:         "celebrated the release over dinner",
		CreatedAt:       testNow,
		InvolvedObjects: []string{"Alice", "Bob", "Carol", "Dave"},
		Statements: []ports.EmotionRecord{
			{StatementText: "the food was fine", EmotionType: "neutral", EmotionIntensity: 0.1},
			{StatementText: "everyone was thrilled", EmotionType: "joy", EmotionIntensity: 0.9},
			{StatementText: "no feelings recorded", EmotionIntensity: 0},
		},
	}}
	s := newTestService(store)

	detail, err := s.EpisodicDetail(context.Background(), "u1", "m1")
	require.NoError(t, err)
	assert.Len(t, detail.InvolvedObjects, 3)
	assert.Equal(t, "important_event", detail.EpisodicType)
	assert.Equal(t, []string{"celebrated the release over dinner"}, detail.ContentRecords)
	require.NotNil(t, detail.Emotion)
	assert.Equal(t, "joy", detail.Emotion.EmotionType)
	assert.InDelta(t, 0.9, detail.Emotion.EmotionIntensity, 1e-9)
}

func TestDetailMissingSummary(t *testing.T) {
	s := newTestService(&viewStore{})
	_, err := s.EpisodicDetail(context.Background(), "u1", "missing")
	assert.Equal(t, memerrors.KindValidation, memerrors.KindOf(err))
}
