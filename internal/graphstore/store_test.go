package graphstore

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram-memory/pkg/types"
)

func testStatement(id string, now time.Time) types.Statement {
	return types.Statement{
		NodeMeta: types.NodeMeta{
			ID: id, EndUserID: "u1", ConfigID: "c1",
			CreatedAt: now, ExpiredAt: types.ExpiredAtSentinel,
		},
		Statement: "Alice works at Acme",
		Type:      types.StatementFact,
		Temporal:  types.TemporalStatic,
		ChunkIDs:  []string{"chunk-1"},
		EntityIDs: []string{"ent-1", "ent-2"},
	}
}

func TestDialogueParams(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	d := &types.Dialogue{
		NodeMeta: types.NodeMeta{
			ID: "d1", EndUserID: "u1", ConfigID: "c1",
			CreatedAt: now, ExpiredAt: types.ExpiredAtSentinel,
		},
		RefID:     "ref-1",
		Content:   "user: hi",
		Embedding: []float32{0.1, 0.2},
	}

	params := dialogueParams(d)
	assert.Equal(t, "d1", params["id"])
	assert.Equal(t, "u1", params["endUserID"])
	assert.Equal(t, "ref-1", params["refID"])
	assert.Equal(t, []float64{0.10000000149011612, 0.20000000298023224}, params["embedding"])
	assert.Equal(t, now, params["createdAt"])
}

func TestStatementParamsCarryEdgeIDs(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	validAt := now.Add(time.Hour)
	st := testStatement("s1", now)
	st.ValidAt = &validAt

	params := statementParams([]types.Statement{st})
	require.Len(t, params, 1)
	assert.Equal(t, "FACT", params[0]["stmt_type"])
	assert.Equal(t, "STATIC", params[0]["temporal_info"])
	assert.Equal(t, []string{"chunk-1"}, params[0]["chunk_ids"])
	assert.Equal(t, validAt, params[0]["valid_at"])
	assert.Nil(t, params[0]["invalid_at"])
}

func TestStatementEntityEdges(t *testing.T) {
	now := time.Now().UTC()
	edges := statementEntityEdges([]types.Statement{testStatement("s1", now)})
	require.Len(t, edges, 2)
	assert.Equal(t, "s1", edges[0]["statement_id"])
	assert.Equal(t, "ent-1", edges[0]["entity_id"])
	assert.Equal(t, "ent-2", edges[1]["entity_id"])
}

func TestRelationsByPredicateSkipsInvalid(t *testing.T) {
	relations := []types.EntityRelation{
		{SubjectID: "a", ObjectID: "b", Predicate: types.PredicateWorksAt},
		{SubjectID: "a", ObjectID: "c", Predicate: types.PredicateLikes},
		{SubjectID: "a", ObjectID: "d", Predicate: types.PredicateWorksAt},
		{SubjectID: "x", ObjectID: "y", Predicate: types.Predicate("DROP TABLE")},
	}

	grouped := relationsByPredicate(relations)
	require.Len(t, grouped, 2)
	assert.Len(t, grouped[types.PredicateWorksAt], 2)
	assert.Len(t, grouped[types.PredicateLikes], 1)
	_, ok := grouped[types.Predicate("DROP TABLE")]
	assert.False(t, ok)
}

func TestVectorParam(t *testing.T) {
	assert.Nil(t, vectorParam(nil))
	out := vectorParam([]float32{1, 2})
	require.Len(t, out, 2)
	assert.Equal(t, 1.0, out[0])
}

func TestTimesParamUTC(t *testing.T) {
	loc := time.FixedZone("X", 3600)
	local := time.Date(2025, 3, 1, 12, 0, 0, 0, loc)
	out := timesParam([]time.Time{local})
	require.Len(t, out, 1)
	assert.Equal(t, local.UTC(), out[0])
}

func TestIndexLookupCoversSearchableLabels(t *testing.T) {
	for _, label := range []types.NodeLabel{
		types.LabelChunk, types.LabelStatement, types.LabelEntity, types.LabelMemorySummary,
	} {
		_, ok := fulltextIndexByLabel[label]
		assert.True(t, ok, "fulltext index missing for %s", label)
		_, ok = vectorIndexByLabel[label]
		assert.True(t, ok, "vector index missing for %s", label)
	}
	// dialogues are vector-searchable but have no full-text index
	_, ok := fulltextIndexByLabel[types.LabelDialogue]
	assert.False(t, ok)
	_, ok = vectorIndexByLabel[types.LabelDialogue]
	assert.True(t, ok)
}

func TestSearchQueriesFilterByEndUser(t *testing.T) {
	for _, q := range []string{fulltextSearchCypher, vectorSearchCypher, temporalSearchCypher, forgettablePairsCypher} {
		assert.Contains(t, q, "$endUserID")
	}
}

func TestMergeSummaryInheritsChunkEdges(t *testing.T) {
	assert.Contains(t, createMergeSummaryCypher, "DERIVED_FROM_CHUNK")
	assert.True(t, strings.Contains(deletePairCypher, "DETACH DELETE"))
}

func TestMergeSummaryInheritsSummaryNeighbours(t *testing.T) {
	// the replacement summary links to summaries sharing the statement's
	// chunks and to summaries derived from the statement itself
	assert.Contains(t, createMergeSummaryCypher, "RELATED_SUMMARY")
	assert.Contains(t, createMergeSummaryCypher, "(s)-[:DERIVED_FROM]->(:Chunk)<-[:DERIVED_FROM_CHUNK]-(peer:MemorySummary)")
	assert.Contains(t, createMergeSummaryCypher, "(prior:MemorySummary)-[:DERIVED_FROM_STATEMENT]->(s)")
	// inheritance happens before the pair is deleted, in the same statement
	assert.Less(t, strings.Index(createMergeSummaryCypher, "DERIVED_FROM_CHUNK"),
		strings.Index(createMergeSummaryCypher, "RELATED_SUMMARY"))
}

func TestForgettablePairsOrderedAscending(t *testing.T) {
	assert.Contains(t, forgettablePairsCypher, "ORDER BY (s.activation_value + e.activation_value) / 2.0 ASC")
}

func TestSummaryParamsAndStatementEdges(t *testing.T) {
	now := time.Now().UTC()
	sm := types.MemorySummary{
		NodeMeta: types.NodeMeta{
			ID: "m1", EndUserID: "u1", ConfigID: "c1",
			CreatedAt: now, ExpiredAt: types.ExpiredAtSentinel,
		},
		Name:         "a walk in the park",
		MemoryType:   types.MemoryTypeConversation,
		Content:      "talked about the park",
		ChunkIDs:     []string{"chunk-1"},
		StatementIDs: []string{"s1", "s2"},
	}

	params := summaryParams([]types.MemorySummary{sm})
	require.Len(t, params, 1)
	assert.Equal(t, "conversation", params[0]["memory_type"])

	edges := summaryStatementEdges([]types.MemorySummary{sm})
	require.Len(t, edges, 2)
	assert.Equal(t, "m1", edges[0]["summary_id"])
}

func TestMetricsRecord(t *testing.T) {
	m := newMetrics()
	m.record("write", time.Now(), nil)
	m.record("write", time.Now(), assert.AnError)
	assert.Equal(t, int64(2), m.OperationCounts["write"])
	assert.Equal(t, int64(1), m.ErrorCounts["write"])
}
