// Package activation implements the ACT-R derived memory activation model:
// retention as a function of access recency, frequency, and importance.
package activation

import (
	"context"
	"math"
	"sort"
	"time"

	"engram-memory/internal/config"
	"engram-memory/internal/logging"
	"engram-memory/internal/ports"
	"engram-memory/pkg/types"
)

// minHistoryAgeDays floors the age of a historical access so t^(-d) stays finite.
const minHistoryAgeDays = 0.0001

// exponent clamp bounds before exp().
const (
	maxExponent = 100.0
	minExponent = -100.0
)

// Params are the activation formula inputs, per tenant config.
type Params struct {
	Offset        float64 // minimum retention
	Lambda        float64 // forgetting rate
	DecayConstant float64 // d in t^(-d)
}

// DefaultParams mirrors the engine-wide forgetting defaults.
func DefaultParams(cfg *config.ForgettingConfig) Params {
	return Params{
		Offset:        cfg.Offset,
		Lambda:        cfg.Lambda,
		DecayConstant: cfg.DecayConstant,
	}
}

// ParamsForConfig maps a tenant config onto the formula inputs: offset,
// lambda_time as the forgetting rate, lambda_mem as the decay constant.
func ParamsForConfig(mc *config.MemoryConfig) Params {
	return Params{
		Offset:        mc.Offset,
		Lambda:        mc.LambdaTime,
		DecayConstant: mc.LambdaMem,
	}
}

// Retention computes R = offset + (1-offset) * exp(-lambda * dt / sum(I * t_k^-d)).
// dt is days since the last access; history ages are days since each recorded
// access. The exponent is clamped to avoid overflow; the result is clamped to
// [offset, 1.0].
func Retention(p Params, daysSinceLastAccess float64, historyAgesDays []float64, importance float64) float64 {
	if daysSinceLastAccess < 0 {
		daysSinceLastAccess = 0
	}
	var strength float64
	for _, age := range historyAgesDays {
		if age < minHistoryAgeDays {
			age = minHistoryAgeDays
		}
		strength += importance * math.Pow(age, -p.DecayConstant)
	}
	if strength <= 0 {
		return p.Offset
	}

	exponent := -p.Lambda * daysSinceLastAccess / strength
	if exponent > maxExponent {
		exponent = maxExponent
	}
	if exponent < minExponent {
		exponent = minExponent
	}

	r := p.Offset + (1-p.Offset)*math.Exp(exponent)
	if r < p.Offset {
		r = p.Offset
	}
	if r > 1.0 {
		r = 1.0
	}
	return r
}

// CurvePoint is one day of the forgetting-curve projection.
type CurvePoint struct {
	Day        int     `json:"day"`
	Activation float64 `json:"activation"`
}

// ForgettingCurve projects expected activation per day for a node seeded with
// a single access at day zero. Pure function of the retention formula.
func ForgettingCurve(p Params, importance float64, days int) []CurvePoint {
	points := make([]CurvePoint, 0, days+1)
	for day := 0; day <= days; day++ {
		age := float64(day)
		points = append(points, CurvePoint{
			Day:        day,
			Activation: Retention(p, age, []float64{age}, importance),
		})
	}
	return points
}

// Engine recomputes and persists activation on access. Formula parameters
// follow the accessed node's config id; the engine defaults cover nodes
// without a resolvable config.
type Engine struct {
	store   ports.GraphStore
	configs config.ConfigProvider // nil pins the engine defaults
	clock   ports.Clock
	params  Params
	logger  logging.Logger
}

// NewEngine creates an activation engine over the graph store.
func NewEngine(store ports.GraphStore, configs config.ConfigProvider, clock ports.Clock, params Params) *Engine {
	return &Engine{
		store:   store,
		configs: configs,
		clock:   clock,
		params:  params,
		logger:  logging.WithComponent("activation"),
	}
}

func (e *Engine) paramsFor(ctx context.Context, configID string) Params {
	if e.configs == nil || configID == "" {
		return e.params
	}
	mc, err := e.configs.Get(ctx, configID)
	if err != nil {
		e.logger.WarnContext(ctx, "config lookup failed, using engine defaults",
			"config_id", configID, "error", err.Error())
		return e.params
	}
	return ParamsForConfig(mc)
}

// RecordAccess appends a fresh access for the node, trims history, recomputes
// the activation value with the node's tenant parameters, and persists the
// update. Unknown nodes (summaries, chunks) are ignored without error so
// retrieval callers can fire blindly.
func (e *Engine) RecordAccess(ctx context.Context, id string) error {
	snap, err := e.store.FetchActivationState(ctx, id)
	if err != nil {
		return err
	}
	now := e.clock.Now()

	history := append([]time.Time{now}, snap.State.AccessHistory...)
	history = TrimHistory(history, types.MaxAccessHistory)

	ages := make([]float64, len(history))
	for i, t := range history {
		ages[i] = now.Sub(t).Hours() / 24
	}
	value := Retention(e.paramsFor(ctx, snap.ConfigID), 0, ages, snap.State.ImportanceScore)

	return e.store.UpdateActivation(ctx, types.ActivationUpdate{
		ID:             id,
		Label:          snap.Label,
		NewValue:       value,
		LastAccessedAt: now,
		AccessHistory:  history,
	})
}

// RecordAccessBatch fires RecordAccess for each id; individual failures are
// logged and do not abort the rest.
func (e *Engine) RecordAccessBatch(ctx context.Context, ids []string) {
	for _, id := range ids {
		if err := e.RecordAccess(ctx, id); err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.WarnContext(ctx, "activation access update failed", "id", id, "error", err.Error())
		}
	}
}

// Decayed computes the current retention of a node given its stored state,
// without persisting anything.
func (e *Engine) Decayed(state *types.ActivationState, now time.Time) float64 {
	last := state.LastAccessedAt
	if last.IsZero() && len(state.AccessHistory) > 0 {
		last = state.AccessHistory[0]
	}
	dt := now.Sub(last).Hours() / 24
	ages := make([]float64, len(state.AccessHistory))
	for i, t := range state.AccessHistory {
		ages[i] = now.Sub(t).Hours() / 24
	}
	return Retention(e.params, dt, ages, state.ImportanceScore)
}

// TrimHistory bounds history to max entries: the most recent half is kept
// whole and the remainder is evenly sampled from the older half. The result
// is sorted most-recent first.
func TrimHistory(history []time.Time, max int) []time.Time {
	sort.Slice(history, func(i, j int) bool { return history[i].After(history[j]) })
	if len(history) <= max {
		return history
	}

	keepRecent := max / 2
	recent := history[:keepRecent]
	older := history[keepRecent:]

	slots := max - keepRecent
	sampled := make([]time.Time, 0, slots)
	if slots > 0 {
		step := float64(len(older)) / float64(slots)
		for i := 0; i < slots; i++ {
			idx := int(float64(i) * step)
			if idx >= len(older) {
				idx = len(older) - 1
			}
			sampled = append(sampled, older[idx])
		}
	}

	out := make([]time.Time, 0, max)
	out = append(out, recent...)
	out = append(out, sampled...)
	return out
}
