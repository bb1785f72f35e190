// Package dedup collapses duplicate entity candidates. Layer A works within
// one write batch (exact, fuzzy, optional LLM arbitration); layer B matches
// the survivors against entities already persisted for the tenant, with
// optional LLM disambiguation of borderline matches.
package dedup

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/antzucaro/matchr"

	"engram-memory/internal/config"
	"engram-memory/internal/logging"
	"engram-memory/internal/ports"
	"engram-memory/pkg/types"
)

// Similarity blend weights: cosine of name embeddings vs normalised edit
// distance. When no embedding is available the edit distance carries alone.
const (
	cosineWeight = 0.6
	editWeight   = 0.4
)

// Borderline band below the overall threshold that LLM arbitration inspects.
const borderlineDelta = 0.05

// arbitrationBlockSize bounds pairs per LLM arbitration call.
const arbitrationBlockSize = 8

// minArbitrationConfidence gates applying an LLM merge verdict.
const minArbitrationConfidence = 0.8

// MaxDescriptionBytes caps a merged entity description.
const MaxDescriptionBytes = 2048

// Candidate is an entity awaiting identity resolution.
type Candidate struct {
	TempID        string
	Name          string
	Type          types.EntityType
	Description   string
	NameEmbedding []float32
}

// Report is the outcome of a dedup pass. Redirect maps every consumed temp id
// to its surviving id (temp or persisted); Resolve follows chains.
type Report struct {
	Survivors           []Candidate
	Redirect            map[string]string
	DescriptionFor      map[string]string // persisted id -> merged description
	MergedExact         int
	MergedFuzzy         int
	MergedLLM           int
	MergedPersisted     int
	MergedDisambiguated int
}

// Resolve follows the redirect chain for an id; unknown ids map to themselves.
func (r *Report) Resolve(id string) string {
	seen := 0
	for {
		next, ok := r.Redirect[id]
		if !ok {
			return id
		}
		id = next
		if seen++; seen > len(r.Redirect) {
			return id
		}
	}
}

type arbitrationVerdict struct {
	PairIdx      int     `json:"pair_idx"`
	SameEntity   bool    `json:"same_entity"`
	CanonicalIdx int     `json:"canonical_idx"` // 0 = first of the pair, 1 = second
	Confidence   float64 `json:"confidence"`
	Reason       string  `json:"reason"`
}

type arbitrationResponse struct {
	Verdicts []arbitrationVerdict `json:"verdicts"`
}

// Deduper implements both dedup layers.
type Deduper struct {
	llm    ports.LLM // nil disables blockwise arbitration
	store  ports.GraphStore
	logger logging.Logger
}

// New creates a deduper. store may be nil when only layer A is needed.
func New(llm ports.LLM, store ports.GraphStore) *Deduper {
	return &Deduper{llm: llm, store: store, logger: logging.WithComponent("dedup")}
}

// DedupeBatch runs layer A over in-batch candidates. Input order is the
// production order, so the earliest candidate wins exact collisions.
func (d *Deduper) DedupeBatch(ctx context.Context, candidates []Candidate, mc *config.MemoryConfig) (*Report, error) {
	report := &Report{
		Redirect:       make(map[string]string),
		DescriptionFor: make(map[string]string),
	}

	// exact: identical (name, type) collapses onto the earliest id
	exactKey := func(c *Candidate) string { return c.Name + "\x00" + string(c.Type) }
	firstByKey := make(map[string]int)
	var survivors []Candidate
	for i := range candidates {
		key := exactKey(&candidates[i])
		if winnerIdx, ok := firstByKey[key]; ok {
			winner := &survivors[winnerIdx]
			report.Redirect[candidates[i].TempID] = winner.TempID
			winner.Description = MergeDescriptions(winner.Description, candidates[i].Description)
			report.MergedExact++
			continue
		}
		firstByKey[key] = len(survivors)
		survivors = append(survivors, candidates[i])
	}

	// fuzzy within the same type
	survivors = d.fuzzyPass(survivors, mc, report)

	if mc.EnableLLMDedupBlockwise && d.llm != nil {
		var err error
		survivors, err = d.arbitrate(ctx, survivors, mc, report)
		if err != nil {
			return nil, err
		}
	}

	report.Survivors = survivors
	return report, nil
}

func (d *Deduper) fuzzyPass(candidates []Candidate, mc *config.MemoryConfig, report *Report) []Candidate {
	merged := make([]bool, len(candidates))
	for i := 0; i < len(candidates); i++ {
		if merged[i] {
			continue
		}
		for j := i + 1; j < len(candidates); j++ {
			if merged[j] || candidates[i].Type != candidates[j].Type {
				continue
			}
			sim := Similarity(&candidates[i], &candidates[j])
			if sim < mc.FuzzyOverallThreshold {
				continue
			}
			if !mergeGate(&candidates[i], &candidates[j], mc) {
				continue
			}
			winner, loser := pickWinner(i, j, candidates)
			merged[loser] = true
			report.Redirect[candidates[loser].TempID] = candidates[winner].TempID
			candidates[winner].Description = MergeDescriptions(
				candidates[winner].Description, candidates[loser].Description)
			report.MergedFuzzy++
			if winner == j {
				// the earlier slot was consumed, stop extending it
				break
			}
		}
	}
	out := candidates[:0]
	for i := range candidates {
		if !merged[i] {
			out = append(out, candidates[i])
		}
	}
	return out
}

// mergeGate requires containment or both strict per-field thresholds.
func mergeGate(a, b *Candidate, mc *config.MemoryConfig) bool {
	nameA, nameB := strings.ToLower(a.Name), strings.ToLower(b.Name)
	if strings.Contains(nameA, nameB) || strings.Contains(nameB, nameA) {
		return true
	}
	nameSim := matchr.JaroWinkler(a.Name, b.Name, false)
	typeSim := 0.0
	if a.Type == b.Type {
		typeSim = 1.0
	}
	return nameSim >= mc.FuzzyNameThresholdStrict && typeSim >= mc.FuzzyTypeThresholdStrict
}

// pickWinner prefers the shorter canonical name, then the earlier candidate.
func pickWinner(i, j int, candidates []Candidate) (winner, loser int) {
	li, lj := len([]rune(candidates[i].Name)), len([]rune(candidates[j].Name))
	if lj < li {
		return j, i
	}
	return i, j
}

// Similarity blends embedding cosine with normalised edit distance.
func Similarity(a, b *Candidate) float64 {
	edit := matchr.JaroWinkler(a.Name, b.Name, false)
	cos, ok := cosine(a.NameEmbedding, b.NameEmbedding)
	if !ok {
		return edit
	}
	return cosineWeight*cos + editWeight*edit
}

func cosine(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), true
}

// arbitrate sends borderline pairs to the LLM in blocks and applies verdicts
// above the confidence floor.
func (d *Deduper) arbitrate(ctx context.Context, candidates []Candidate, mc *config.MemoryConfig, report *Report) ([]Candidate, error) {
	type pair struct{ i, j int }
	var borderline []pair
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if candidates[i].Type != candidates[j].Type {
				continue
			}
			sim := Similarity(&candidates[i], &candidates[j])
			if sim >= mc.FuzzyOverallThreshold-borderlineDelta && sim < mc.FuzzyOverallThreshold {
				borderline = append(borderline, pair{i, j})
			}
		}
	}
	if len(borderline) == 0 {
		return candidates, nil
	}

	merged := make([]bool, len(candidates))
	for start := 0; start < len(borderline); start += arbitrationBlockSize {
		end := start + arbitrationBlockSize
		if end > len(borderline) {
			end = len(borderline)
		}
		block := borderline[start:end]

		var sb strings.Builder
		for idx, p := range block {
			fmt.Fprintf(&sb, "[%d] A=%q (%s, %s) B=%q (%s, %s)\n", idx,
				candidates[p.i].Name, candidates[p.i].Type, candidates[p.i].Description,
				candidates[p.j].Name, candidates[p.j].Type, candidates[p.j].Description)
		}
		var resp arbitrationResponse
		err := d.llm.ChatStructured(ctx, []ports.ChatMessage{
			{Role: "system", Content: "You judge whether entity pairs refer to the same real-world entity. " +
				`Return JSON {"verdicts":[{"pair_idx":int,"same_entity":bool,"canonical_idx":0|1,"confidence":float,"reason":str}]}.`},
			{Role: "user", Content: sb.String()},
		}, &resp)
		if err != nil {
			return nil, fmt.Errorf("dedup arbitration: %w", err)
		}
		for _, v := range resp.Verdicts {
			if !v.SameEntity || v.Confidence < minArbitrationConfidence {
				continue
			}
			if v.PairIdx < 0 || v.PairIdx >= len(block) {
				continue
			}
			p := block[v.PairIdx]
			if merged[p.i] || merged[p.j] {
				continue
			}
			winner, loser := p.i, p.j
			if v.CanonicalIdx == 1 {
				winner, loser = p.j, p.i
			}
			merged[loser] = true
			report.Redirect[candidates[loser].TempID] = candidates[winner].TempID
			candidates[winner].Description = MergeDescriptions(
				candidates[winner].Description, candidates[loser].Description)
			report.MergedLLM++
		}
	}

	out := candidates[:0]
	for i := range candidates {
		if !merged[i] {
			out = append(out, candidates[i])
		}
	}
	return out, nil
}

// persistedBorderline is a candidate whose best persisted match falls into
// the arbitration band; the LLM decides whether they are the same entity.
type persistedBorderline struct {
	idx   int
	probe ports.EntityProbe
}

// DedupeAgainstStore runs layer B: survivors matching a persisted entity are
// redirected to the persisted id and removed; their description updates are
// collected on the report for the writer to apply. When disambiguation is
// enabled, borderline matches go to the LLM instead of being dropped.
func (d *Deduper) DedupeAgainstStore(ctx context.Context, endUserID string, report *Report, mc *config.MemoryConfig) error {
	if d.store == nil {
		return nil
	}
	probesByType := make(map[types.EntityType][]ports.EntityProbe)
	consumed := make([]bool, len(report.Survivors))
	var pending []persistedBorderline

	for i := range report.Survivors {
		candidate := &report.Survivors[i]
		probes, ok := probesByType[candidate.Type]
		if !ok {
			var err error
			probes, err = d.store.FindEntitiesByType(ctx, endUserID, candidate.Type)
			if err != nil {
				return fmt.Errorf("layer B lookup %s: %w", candidate.Type, err)
			}
			probesByType[candidate.Type] = probes
		}

		var nearest *ports.EntityProbe
		nearestSim := 0.0
		for pi := range probes {
			probe := &probes[pi]
			existing := Candidate{
				Name:          probe.Name,
				Type:          candidate.Type,
				NameEmbedding: probe.NameEmbedding,
			}
			sim := Similarity(candidate, &existing)
			if sim >= mc.FuzzyOverallThreshold && mergeGate(candidate, &existing, mc) {
				redirectToPersisted(report, candidate, probe)
				report.MergedPersisted++
				consumed[i] = true
				nearest = nil
				break
			}
			if sim >= mc.FuzzyOverallThreshold-borderlineDelta && sim > nearestSim {
				nearest, nearestSim = probe, sim
			}
		}
		if nearest != nil && mc.EnableLLMDisambiguation && d.llm != nil {
			pending = append(pending, persistedBorderline{idx: i, probe: *nearest})
		}
	}

	if len(pending) > 0 {
		if err := d.disambiguate(ctx, report, consumed, pending); err != nil {
			return err
		}
	}

	kept := report.Survivors[:0]
	for i := range report.Survivors {
		if !consumed[i] {
			kept = append(kept, report.Survivors[i])
		}
	}
	report.Survivors = kept
	return nil
}

// disambiguate asks the LLM whether borderline candidate/persisted pairs name
// the same entity. The persisted id is always canonical; verdicts below the
// confidence floor leave the candidate untouched.
func (d *Deduper) disambiguate(ctx context.Context, report *Report, consumed []bool, pending []persistedBorderline) error {
	for start := 0; start < len(pending); start += arbitrationBlockSize {
		end := start + arbitrationBlockSize
		if end > len(pending) {
			end = len(pending)
		}
		block := pending[start:end]

		var sb strings.Builder
		for idx, p := range block {
			candidate := &report.Survivors[p.idx]
			fmt.Fprintf(&sb, "[%d] A=%q (%s, %s) B=%q (%s)\n", idx,
				candidate.Name, candidate.Type, candidate.Description,
				p.probe.Name, p.probe.Description)
		}
		var resp arbitrationResponse
		err := d.llm.ChatStructured(ctx, []ports.ChatMessage{
			{Role: "system", Content: "You judge whether a newly extracted entity (A) and an already " +
				"known entity (B) refer to the same real-world entity. " +
				`Return JSON {"verdicts":[{"pair_idx":int,"same_entity":bool,"canonical_idx":0|1,"confidence":float,"reason":str}]}.`},
			{Role: "user", Content: sb.String()},
		}, &resp)
		if err != nil {
			return fmt.Errorf("dedup disambiguation: %w", err)
		}
		for _, v := range resp.Verdicts {
			if !v.SameEntity || v.Confidence < minArbitrationConfidence {
				continue
			}
			if v.PairIdx < 0 || v.PairIdx >= len(block) {
				continue
			}
			p := block[v.PairIdx]
			if consumed[p.idx] {
				continue
			}
			redirectToPersisted(report, &report.Survivors[p.idx], &p.probe)
			report.MergedDisambiguated++
			consumed[p.idx] = true
		}
	}
	return nil
}

func redirectToPersisted(report *Report, candidate *Candidate, probe *ports.EntityProbe) {
	report.Redirect[candidate.TempID] = probe.ID
	if merged := MergeDescriptions(probe.Description, candidate.Description); merged != probe.Description {
		report.DescriptionFor[probe.ID] = merged
	}
}

// MergeDescriptions joins distinct descriptions with a semicolon, capped at
// MaxDescriptionBytes.
func MergeDescriptions(existing, incoming string) string {
	existing, incoming = strings.TrimSpace(existing), strings.TrimSpace(incoming)
	switch {
	case incoming == "" || incoming == existing:
		return existing
	case existing == "":
		return truncateBytes(incoming, MaxDescriptionBytes)
	case strings.Contains(existing, incoming):
		return existing
	}
	return truncateBytes(existing+";"+incoming, MaxDescriptionBytes)
}

func truncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// cut on a rune boundary
	runes := []rune(s)
	for len(runes) > 0 && len(string(runes)) > max {
		runes = runes[:len(runes)-1]
	}
	return string(runes)
}
