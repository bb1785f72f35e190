package dedup

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram-memory/internal/config"
	"engram-memory/internal/ports"
	"engram-memory/pkg/types"
)

func testConfig() *config.MemoryConfig {
	return config.DefaultMemoryConfig("c1")
}

func TestExactMergeEarliestWins(t *testing.T) {
	d := New(nil, nil)
	report, err := d.DedupeBatch(context.Background(), []Candidate{
		{TempID: "t1", Name: "Alice", Type: types.EntityPerson, Description: "engineer"},
		{TempID: "t2", Name: "Alice", Type: types.EntityPerson, Description: "lives in Paris"},
		{TempID: "t3", Name: "Alice", Type: types.EntityOrganization}, // different type, kept
	}, testConfig())
	require.NoError(t, err)

	require.Len(t, report.Survivors, 2)
	assert.Equal(t, 1, report.MergedExact)
	assert.Equal(t, "t1", report.Resolve("t2"))
	assert.Equal(t, "t3", report.Resolve("t3"))
	assert.Equal(t, "engineer;lives in Paris", report.Survivors[0].Description)
}

func TestFuzzyMergeByContainment(t *testing.T) {
	d := New(nil, nil)
	report, err := d.DedupeBatch(context.Background(), []Candidate{
		{TempID: "t1", Name: "Acme Inc.", Type: types.EntityOrganization, Description: "Acme Inc. mention"},
		{TempID: "t2", Name: "Acme", Type: types.EntityOrganization, Description: "Acme mention"},
	}, testConfig())
	require.NoError(t, err)

	require.Len(t, report.Survivors, 1)
	assert.Equal(t, 1, report.MergedFuzzy)
	// shorter canonical name wins
	assert.Equal(t, "Acme", report.Survivors[0].Name)
	assert.Equal(t, "t2", report.Resolve("t1"))
	assert.Contains(t, report.Survivors[0].Description, "Acme Inc. mention")
}

func TestFuzzyNoMergeAcrossTypes(t *testing.T) {
	d := New(nil, nil)
	report, err := d.DedupeBatch(context.Background(), []Candidate{
		{TempID: "t1", Name: "Mercury", Type: types.EntityPerson},
		{TempID: "t2", Name: "Mercury", Type: types.EntityProduct},
	}, testConfig())
	require.NoError(t, err)
	assert.Len(t, report.Survivors, 2)
}

func TestSimilarityFallsBackToEditDistance(t *testing.T) {
	a := Candidate{Name: "Acme"}
	b := Candidate{Name: "Acme Inc."}
	sim := Similarity(&a, &b)
	assert.Greater(t, sim, 0.8)

	identical := Similarity(&Candidate{Name: "Acme"}, &Candidate{Name: "Acme"})
	assert.InDelta(t, 1.0, identical, 1e-9)
}

func TestSimilarityBlendsCosine(t *testing.T) {
	a := Candidate{Name: "Acme", NameEmbedding: []float32{1, 0}}
	b := Candidate{Name: "Acme", NameEmbedding: []float32{1, 0}}
	assert.InDelta(t, 1.0, Similarity(&a, &b), 1e-6)

	orthogonal := Candidate{Name: "Acme", NameEmbedding: []float32{0, 1}}
	blended := Similarity(&a, &orthogonal)
	// cosine 0 weighted 0.6, edit 1.0 weighted 0.4
	assert.InDelta(t, 0.4, blended, 1e-6)
}

func TestMergeDescriptions(t *testing.T) {
	assert.Equal(t, "a;b", MergeDescriptions("a", "b"))
	assert.Equal(t, "a", MergeDescriptions("a", "a"))
	assert.Equal(t, "a", MergeDescriptions("a", ""))
	assert.Equal(t, "b", MergeDescriptions("", "b"))
	assert.Equal(t, "a;b", MergeDescriptions("a;b", "b"))

	long := strings.Repeat("x", MaxDescriptionBytes)
	capped := MergeDescriptions(long, "more")
	assert.LessOrEqual(t, len(capped), MaxDescriptionBytes)
}

// stubStore serves canned probes for layer B.
type stubStore struct {
	ports.GraphStore
	probes map[types.EntityType][]ports.EntityProbe
	calls  int
}

func (s *stubStore) FindEntitiesByType(_ context.Context, _ string, et types.EntityType) ([]ports.EntityProbe, error) {
	s.calls++
	return s.probes[et], nil
}

func TestLayerBRedirectsToPersisted(t *testing.T) {
	store := &stubStore{probes: map[types.EntityType][]ports.EntityProbe{
		types.EntityOrganization: {
			{ID: "persisted-1", Name: "Acme", Description: "existing employer"},
		},
	}}
	d := New(nil, store)

	report := &Report{
		Survivors: []Candidate{
			{TempID: "t1", Name: "Acme Inc.", Type: types.EntityOrganization, Description: "new mention"},
			{TempID: "t2", Name: "Globex", Type: types.EntityOrganization},
		},
		Redirect:       make(map[string]string),
		DescriptionFor: make(map[string]string),
	}
	require.NoError(t, d.DedupeAgainstStore(context.Background(), "u1", report, testConfig()))

	require.Len(t, report.Survivors, 1)
	assert.Equal(t, "Globex", report.Survivors[0].Name)
	assert.Equal(t, "persisted-1", report.Resolve("t1"))
	assert.Equal(t, "existing employer;new mention", report.DescriptionFor["persisted-1"])
	assert.Equal(t, 1, report.MergedPersisted)
	assert.Equal(t, 1, store.calls, "probes cached per type")
}

// verdictLLM answers every arbitration call with one canned verdict list.
type verdictLLM struct {
	verdicts string
	calls    int
}

func (v *verdictLLM) Chat(_ context.Context, _ []ports.ChatMessage) (string, error) {
	return "", nil
}

func (v *verdictLLM) ChatStructured(_ context.Context, _ []ports.ChatMessage, out interface{}) error {
	v.calls++
	return json.Unmarshal([]byte(v.verdicts), out)
}

// borderlineReport pairs a candidate with a persisted probe whose blended
// similarity lands just under the merge threshold: identical names score 1.0
// on edit distance, the embeddings cosine to 0.7, so the blend is 0.82
// against the 0.85 default.
func borderlineReport() (*Report, *stubStore) {
	store := &stubStore{probes: map[types.EntityType][]ports.EntityProbe{
		types.EntityOrganization: {
			{ID: "persisted-9", Name: "Acme", Description: "existing employer",
				NameEmbedding: []float32{0.7, 0.7141428, 0}},
		},
	}}
	report := &Report{
		Survivors: []Candidate{
			{TempID: "t1", Name: "Acme", Type: types.EntityOrganization,
				Description: "new mention", NameEmbedding: []float32{1, 0, 0}},
		},
		Redirect:       make(map[string]string),
		DescriptionFor: make(map[string]string),
	}
	return report, store
}

func TestLayerBDisambiguatesBorderline(t *testing.T) {
	report, store := borderlineReport()
	llm := &verdictLLM{verdicts: `{"verdicts":[{"pair_idx":0,"same_entity":true,"canonical_idx":1,"confidence":0.9}]}`}
	d := New(llm, store)

	mc := testConfig()
	mc.EnableLLMDisambiguation = true
	require.NoError(t, d.DedupeAgainstStore(context.Background(), "u1", report, mc))

	assert.Empty(t, report.Survivors)
	assert.Equal(t, "persisted-9", report.Resolve("t1"))
	assert.Equal(t, "existing employer;new mention", report.DescriptionFor["persisted-9"])
	assert.Equal(t, 1, report.MergedDisambiguated)
	assert.Equal(t, 0, report.MergedPersisted)
	assert.Equal(t, 1, llm.calls)
}

func TestLayerBLowConfidenceKeepsCandidate(t *testing.T) {
	report, store := borderlineReport()
	llm := &verdictLLM{verdicts: `{"verdicts":[{"pair_idx":0,"same_entity":true,"canonical_idx":1,"confidence":0.5}]}`}
	d := New(llm, store)

	mc := testConfig()
	mc.EnableLLMDisambiguation = true
	require.NoError(t, d.DedupeAgainstStore(context.Background(), "u1", report, mc))

	require.Len(t, report.Survivors, 1)
	assert.Equal(t, "t1", report.Resolve("t1"))
	assert.Equal(t, 0, report.MergedDisambiguated)
}

func TestLayerBDisambiguationDisabledSkipsLLM(t *testing.T) {
	report, store := borderlineReport()
	llm := &verdictLLM{verdicts: `{"verdicts":[{"pair_idx":0,"same_entity":true,"canonical_idx":1,"confidence":0.9}]}`}
	d := New(llm, store)

	mc := testConfig()
	mc.EnableLLMDisambiguation = false
	require.NoError(t, d.DedupeAgainstStore(context.Background(), "u1", report, mc))

	require.Len(t, report.Survivors, 1)
	assert.Equal(t, "t1", report.Resolve("t1"))
	assert.Equal(t, 0, llm.calls)
}

func TestResolveFollowsChains(t *testing.T) {
	r := &Report{Redirect: map[string]string{"a": "b", "b": "c"}}
	assert.Equal(t, "c", r.Resolve("a"))
	assert.Equal(t, "c", r.Resolve("c"))
}
