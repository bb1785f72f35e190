package readgraph

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram-memory/internal/config"
	"engram-memory/internal/memerrors"
	"engram-memory/internal/ports"
	"engram-memory/internal/retrieval"
	"engram-memory/pkg/types"
)

type scriptLLM struct {
	failSplit bool
	supported []int
	answer    string
	chatErr   error
}

func (s *scriptLLM) Chat(_ context.Context, _ []ports.ChatMessage) (string, error) {
	if s.chatErr != nil {
		return "", s.chatErr
	}
	return s.answer, nil
}

func (s *scriptLLM) ChatStructured(_ context.Context, _ []ports.ChatMessage, out interface{}) error {
	switch v := out.(type) {
	case *rawSplit:
		if s.failSplit {
			return errors.New("split model unavailable")
		}
		v.SubQuestions = []SubQuestion{
			{Question: "when did it start", Type: "temporal"},
			{Question: "what is it", Type: "definitional"},
		}
	case *rawExpand:
		v.Expansions = []string{"rephrased question"}
	case *rawVerify:
		v.Supported = s.supported
	}
	return nil
}

type fanoutSearcher struct {
	mu      sync.Mutex
	hits    []types.SearchHit
	queries []string
	labels  []types.NodeLabel
	block   bool
}

func (f *fanoutSearcher) Search(ctx context.Context, req retrieval.Request) ([]types.SearchHit, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, req.Query)
	f.labels = req.Labels
	return f.hits, nil
}

type memSessions struct {
	context   string
	appended  [][2]string
	appendErr error
}

func (m *memSessions) RecentContext(_ context.Context, _ string, _ int) (string, error) {
	return m.context, nil
}

func (m *memSessions) Append(_ context.Context, _ string, user, assistant string) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.appended = append(m.appended, [2]string{user, assistant})
	return nil
}

type recordedAccess struct {
	ids []string
}

func (r *recordedAccess) RecordAccessBatch(_ context.Context, ids []string) {
	r.ids = append(r.ids, ids...)
}

type zhConfigs struct{}

func (zhConfigs) Get(_ context.Context, configID string) (*config.MemoryConfig, error) {
	return config.DefaultMemoryConfig(configID), nil
}

func evidence(id string, label types.NodeLabel, score float64) types.SearchHit {
	return types.SearchHit{ID: id, Label: label, Content: "content " + id, Score: score, SourceMode: types.SearchHybrid}
}

func newTestRuntime(llm *scriptLLM, search *fanoutSearcher, sessions *memSessions, access *recordedAccess) *Runtime {
	return New(llm, search, sessions, access, zhConfigs{}, &config.ReadGraphConfig{
		MaxSubQuestions:      3,
		RetrievalConcurrency: 2,
		DeadlineSeconds:      30,
	})
}

func TestQuickReadAnswersAndPersists(t *testing.T) {
	llm := &scriptLLM{answer: "Alice 于 2021 年加入 Acme。"}
	search := &fanoutSearcher{hits: []types.SearchHit{
		evidence("s1", types.LabelStatement, 0.9),
		evidence("m1", types.LabelMemorySummary, 0.8),
	}}
	sessions := &memSessions{}
	access := &recordedAccess{}
	r := newTestRuntime(llm, search, sessions, access)

	answer, err := r.Read(context.Background(), Request{
		EndUserID: "u1", ConfigID: "c1", Query: "Alice 什么时候加入 Acme？", Switch: SwitchQuick,
	})
	require.NoError(t, err)
	assert.Equal(t, "Alice 于 2021 年加入 Acme。", answer.Answer)
	assert.True(t, answer.Done)
	assert.False(t, answer.Truncated)

	// quick mode searches only the original query
	assert.Len(t, search.queries, 1)

	// turn persisted and evidence strengthened
	require.Len(t, sessions.appended, 1)
	assert.Equal(t, answer.Answer, sessions.appended[0][1])
	assert.ElementsMatch(t, []string{"s1", "m1"}, access.ids)
}

func TestDeepReadFansOutSubQuestions(t *testing.T) {
	llm := &scriptLLM{answer: "deep answer"}
	search := &fanoutSearcher{hits: []types.SearchHit{evidence("s1", types.LabelStatement, 0.9)}}
	r := newTestRuntime(llm, search, &memSessions{}, &recordedAccess{})

	answer, err := r.Read(context.Background(), Request{
		EndUserID: "u1", Query: "complex question", Switch: SwitchDeep,
	})
	require.NoError(t, err)

	kinds := map[string]bool{}
	for _, out := range answer.IntermediateOutputs {
		kinds[out.Type] = true
	}
	assert.True(t, kinds[types.OutputProblemSplit])
	assert.True(t, kinds[types.OutputProblemExtension])
	assert.True(t, kinds[types.OutputInputSummary])
	assert.True(t, kinds[types.OutputRetrievalSummary])

	// original + 2 sub-questions + 1 expansion
	assert.Len(t, search.queries, 4)
}

func TestFastReadSearchesSummariesOnlyAndVerifies(t *testing.T) {
	llm := &scriptLLM{answer: "fast answer", supported: []int{0}}
	search := &fanoutSearcher{hits: []types.SearchHit{
		evidence("m1", types.LabelMemorySummary, 0.9),
		evidence("m2", types.LabelMemorySummary, 0.8),
	}}
	access := &recordedAccess{}
	r := newTestRuntime(llm, search, &memSessions{}, access)

	answer, err := r.Read(context.Background(), Request{
		EndUserID: "u1", Query: "what do you remember", Switch: SwitchFast,
	})
	require.NoError(t, err)
	assert.Equal(t, "fast answer", answer.Answer)

	assert.Equal(t, []types.NodeLabel{types.LabelMemorySummary}, search.labels)
	// only the verified hit gets an access update
	assert.Equal(t, []string{"m1"}, access.ids)
}

func TestNoEvidenceReturnsSentinel(t *testing.T) {
	llm := &scriptLLM{answer: "should not be used"}
	search := &fanoutSearcher{}
	access := &recordedAccess{}
	sessions := &memSessions{}
	r := newTestRuntime(llm, search, sessions, access)

	answer, err := r.Read(context.Background(), Request{
		EndUserID: "u1", Query: "unknown topic", Switch: SwitchQuick,
	})
	require.NoError(t, err)
	assert.Equal(t, NoAnswerZH, answer.Answer)
	assert.Empty(t, access.ids)
	// the turn is still recorded
	assert.Len(t, sessions.appended, 1)
}

func TestSplitFailureDegradesGracefully(t *testing.T) {
	llm := &scriptLLM{answer: "still answered", failSplit: true}
	search := &fanoutSearcher{hits: []types.SearchHit{evidence("s1", types.LabelStatement, 0.9)}}
	r := newTestRuntime(llm, search, &memSessions{}, &recordedAccess{})

	answer, err := r.Read(context.Background(), Request{
		EndUserID: "u1", Query: "complex question", Switch: SwitchDeep,
	})
	require.NoError(t, err)
	assert.Equal(t, "still answered", answer.Answer)

	var split *types.IntermediateOutput
	for i := range answer.IntermediateOutputs {
		if answer.IntermediateOutputs[i].Type == types.OutputProblemSplit {
			split = &answer.IntermediateOutputs[i]
		}
	}
	require.NotNil(t, split)
	assert.NotEmpty(t, split.Error)

	// no sub-questions, but the expansion node still ran on the original
	assert.GreaterOrEqual(t, len(search.queries), 1)
}

func TestRejectsInvalidRequests(t *testing.T) {
	r := newTestRuntime(&scriptLLM{}, &fanoutSearcher{}, &memSessions{}, &recordedAccess{})

	_, err := r.Read(context.Background(), Request{Query: "x", Switch: SwitchQuick})
	assert.Equal(t, memerrors.KindValidation, memerrors.KindOf(err))

	_, err = r.Read(context.Background(), Request{EndUserID: "u1", Switch: SwitchQuick})
	assert.Equal(t, memerrors.KindValidation, memerrors.KindOf(err))

	_, err = r.Read(context.Background(), Request{EndUserID: "u1", Query: "x", Switch: SearchSwitch(9)})
	assert.Equal(t, memerrors.KindValidation, memerrors.KindOf(err))
}

func TestDeadlineExpiryTruncates(t *testing.T) {
	llm := &scriptLLM{answer: "never reached"}
	search := &fanoutSearcher{block: true}
	sessions := &memSessions{}
	access := &recordedAccess{}
	r := New(llm, search, sessions, access, zhConfigs{}, &config.ReadGraphConfig{
		RetrievalConcurrency: 2,
		DeadlineSeconds:      1,
	})

	answer, err := r.Read(context.Background(), Request{
		EndUserID: "u1", Query: "slow question", Switch: SwitchQuick,
	})
	require.NoError(t, err)
	assert.True(t, answer.Truncated)
	assert.Equal(t, NoAnswerZH, answer.Answer)

	// truncated reads never persist
	assert.Empty(t, sessions.appended)
	assert.Empty(t, access.ids)
}

func TestReadStreamEndsWithFinalAnswer(t *testing.T) {
	llm := &scriptLLM{answer: "streamed answer"}
	search := &fanoutSearcher{hits: []types.SearchHit{evidence("s1", types.LabelStatement, 0.9)}}
	r := newTestRuntime(llm, search, &memSessions{}, &recordedAccess{})

	var events []types.IntermediateOutput
	for out := range r.ReadStream(context.Background(), Request{
		EndUserID: "u1", Query: "stream me", Switch: SwitchQuick,
	}) {
		events = append(events, out)
	}

	require.NotEmpty(t, events)
	final := events[len(events)-1]
	assert.Equal(t, types.OutputFinalAnswer, final.Type)
	answer, ok := final.Data.(*types.ReadAnswer)
	require.True(t, ok)
	assert.True(t, answer.Done)
	assert.Equal(t, "streamed answer", answer.Answer)
}
