// Package views exposes the perceptual and episodic read-only projections
// over the knowledge graph.
package views

import (
	"context"
	"time"

	"engram-memory/internal/logging"
	"engram-memory/internal/memerrors"
	"engram-memory/internal/ports"
)

// Perceptual types a memory record can carry.
const (
	PerceptualVision = "vision"
	PerceptualAudio  = "audio"
	PerceptualText   = "text"
)

// Time ranges accepted by the episodic overview.
const (
	RangeAll       = "all"
	RangeToday     = "today"
	RangeThisWeek  = "this_week"
	RangeThisMonth = "this_month"
)

// MemoryCount is the memory_count view result.
type MemoryCount struct {
	Counts map[string]int `json:"counts"`
	Total  int            `json:"total"`
}

// OverviewEntry is one episodic_overview row.
type OverviewEntry struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Type        string `json:"type"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

// Detail is the episodic_detail view result.
type Detail struct {
	ID              string               `json:"id"`
	CreatedAtMs     int64                `json:"created_at_ms"`
	InvolvedObjects []string             `json:"involved_objects"`
	EpisodicType    string               `json:"episodic_type"`
	ContentRecords  []string             `json:"content_records"`
	Emotion         *ports.EmotionRecord `json:"emotion,omitempty"`
}

// OverviewFilter parameterises the episodic overview.
type OverviewFilter struct {
	TimeRange    string // all, today, this_week, this_month
	EpisodicType string // memory type filter, empty means any
	TitleKeyword string
	Limit        int
}

const maxInvolvedObjects = 3

// Service answers view queries.
type Service struct {
	store  ports.GraphStore
	clock  ports.Clock
	logger logging.Logger
}

// New wires the view service.
func New(store ports.GraphStore, clock ports.Clock) *Service {
	return &Service{store: store, clock: clock, logger: logging.WithComponent("views")}
}

// MemoryCount returns summary counts by perceptual type plus the total.
func (s *Service) MemoryCount(ctx context.Context, endUserID string) (*MemoryCount, error) {
	if endUserID == "" {
		return nil, memerrors.Validationf("end_user_id cannot be empty")
	}
	counts, err := s.store.CountPerceptual(ctx, endUserID)
	if err != nil {
		return nil, err
	}
	out := &MemoryCount{Counts: counts}
	for _, n := range counts {
		out.Total += n
	}
	return out, nil
}

// LatestMemory returns the newest record of the given perceptual type, or
// nil when the user has none of that type.
func (s *Service) LatestMemory(ctx context.Context, endUserID, perceptualType string) (*ports.PerceptualRecord, error) {
	if endUserID == "" {
		return nil, memerrors.Validationf("end_user_id cannot be empty")
	}
	switch perceptualType {
	case PerceptualVision, PerceptualAudio, PerceptualText:
	default:
		return nil, memerrors.Validationf("unknown perceptual type %q", perceptualType)
	}
	return s.store.LatestPerceptual(ctx, endUserID, perceptualType)
}

// EpisodicOverview lists episodic summaries matching the filter, newest
// first.
func (s *Service) EpisodicOverview(ctx context.Context, endUserID string, filter OverviewFilter) ([]OverviewEntry, error) {
	if endUserID == "" {
		return nil, memerrors.Validationf("end_user_id cannot be empty")
	}
	since, err := s.rangeStart(filter.TimeRange)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.EpisodicOverview(ctx, ports.EpisodicQuery{
		EndUserID:    endUserID,
		Since:        since,
		MemoryType:   filter.EpisodicType,
		TitleKeyword: filter.TitleKeyword,
		Limit:        filter.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]OverviewEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, OverviewEntry{
			ID:          e.ID,
			Title:       e.Title,
			Type:        e.MemoryType,
			CreatedAtMs: e.CreatedAt.UnixMilli(),
		})
	}
	return out, nil
}

// EpisodicDetail resolves one summary: involved objects capped at three and
// the emotion picked as the attached statement with the highest intensity.
func (s *Service) EpisodicDetail(ctx context.Context, endUserID, summaryID string) (*Detail, error) {
	if endUserID == "" || summaryID == "" {
		return nil, memerrors.Validationf("end_user_id and summary_id are required")
	}
	record, err := s.store.EpisodicDetail(ctx, endUserID, summaryID)
	if err != nil {
		return nil, err
	}

	objects := record.InvolvedObjects
	if len(objects) > maxInvolvedObjects {
		objects = objects[:maxInvolvedObjects]
	}

	detail := &Detail{
		ID:              record.ID,
		CreatedAtMs:     record.CreatedAt.UnixMilli(),
		InvolvedObjects: objects,
		EpisodicType:    record.MemoryType,
		ContentRecords:  []string{record.Content},
	}
	for i, st := range record.Statements {
		if st.EmotionIntensity <= 0 {
			continue
		}
		if detail.Emotion == nil || st.EmotionIntensity > detail.Emotion.EmotionIntensity {
			detail.Emotion = &record.Statements[i]
		}
	}
	return detail, nil
}

// rangeStart maps a time-range name onto its inclusive start. Weeks start
// on Monday; all boundaries are UTC.
func (s *Service) rangeStart(timeRange string) (*time.Time, error) {
	if timeRange == "" || timeRange == RangeAll {
		return nil, nil
	}
	now := s.clock.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	switch timeRange {
	case RangeToday:
		return &midnight, nil
	case RangeThisWeek:
		offset := (int(midnight.Weekday()) + 6) % 7
		start := midnight.AddDate(0, 0, -offset)
		return &start, nil
	case RangeThisMonth:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return &start, nil
	}
	return nil, memerrors.Validationf("unknown time range %q", timeRange)
}
