// Package readgraph executes read queries as a dataflow over an immutable
// state: route, split, expand, retrieve, verify, summarise, persist. Each
// node is a function from ReadState to a new ReadState; consumers can watch
// the pipeline through a stream of intermediate outputs.
package readgraph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"engram-memory/internal/config"
	"engram-memory/internal/logging"
	"engram-memory/internal/memerrors"
	"engram-memory/internal/ports"
	"engram-memory/internal/retrieval"
	"engram-memory/pkg/types"
)

// SearchSwitch selects the read strategy.
type SearchSwitch int

const (
	SwitchFast  SearchSwitch = 0 // summaries only, verified
	SwitchDeep  SearchSwitch = 1 // split + expand + full fan-out
	SwitchQuick SearchSwitch = 2 // single hybrid pass
)

// Answer sentinels returned when no evidence survives.
const (
	NoAnswerZH = "信息不足，无法回答"
	NoAnswerEN = "Insufficient information to answer."
)

const (
	defaultConcurrency     = 5
	defaultDeadlineSeconds = 60
	maxSessionContextChars = 2000
)

// Request is one read query.
type Request struct {
	EndUserID string
	ConfigID  string
	Query     string
	Switch    SearchSwitch
}

// SubQuestion is one typed decomposition of the query.
type SubQuestion struct {
	Question string `json:"question"`
	Type     string `json:"type"` // factual, temporal, definitional, ...
}

// ReadState is the pipeline state. Nodes never mutate it in place; each
// returns a copy with its own fields filled in.
type ReadState struct {
	Request
	Language       string
	SessionContext string
	SubQuestions   []SubQuestion
	Expansions     []string
	Evidence       []types.SearchHit
	Answer         string
	Truncated      bool
}

// questions lists every retrieval query the state carries, the original
// first.
func (s ReadState) questions() []string {
	out := make([]string, 0, 1+len(s.SubQuestions)+len(s.Expansions))
	out = append(out, s.Query)
	for _, sq := range s.SubQuestions {
		out = append(out, sq.Question)
	}
	out = append(out, s.Expansions...)
	return out
}

// Searcher is the retrieval dependency.
type Searcher interface {
	Search(ctx context.Context, req retrieval.Request) ([]types.SearchHit, error)
}

// SessionMemory is the short-term memory dependency.
type SessionMemory interface {
	RecentContext(ctx context.Context, endUserID string, maxChars int) (string, error)
	Append(ctx context.Context, endUserID, userText, assistantText string) error
}

// AccessRecorder strengthens evidence nodes after a read.
type AccessRecorder interface {
	RecordAccessBatch(ctx context.Context, ids []string)
}

// Runtime executes read queries.
type Runtime struct {
	llm      ports.LLM
	search   Searcher
	sessions SessionMemory
	access   AccessRecorder
	configs  config.ConfigProvider
	cfg      *config.ReadGraphConfig
	logger   logging.Logger
}

// New wires a read graph runtime.
func New(llm ports.LLM, search Searcher, sessions SessionMemory, access AccessRecorder, configs config.ConfigProvider, cfg *config.ReadGraphConfig) *Runtime {
	return &Runtime{
		llm:      llm,
		search:   search,
		sessions: sessions,
		access:   access,
		configs:  configs,
		cfg:      cfg,
		logger:   logging.WithComponent("readgraph"),
	}
}

// Read runs the pipeline to completion and returns the collected answer.
func (r *Runtime) Read(ctx context.Context, req Request) (*types.ReadAnswer, error) {
	var outputs []types.IntermediateOutput
	answer, err := r.run(ctx, req, func(out types.IntermediateOutput) {
		outputs = append(outputs, out)
	})
	if err != nil {
		return nil, err
	}
	answer.IntermediateOutputs = outputs
	return answer, nil
}

// ReadStream runs the pipeline in the background, emitting one event per
// node plus a terminal final-answer event. The channel is closed when the
// pipeline finishes; a pipeline error surfaces as a final event with its
// Error field set.
func (r *Runtime) ReadStream(ctx context.Context, req Request) <-chan types.IntermediateOutput {
	events := make(chan types.IntermediateOutput, 8)
	go func() {
		defer close(events)
		emit := func(out types.IntermediateOutput) {
			select {
			case events <- out:
			case <-ctx.Done():
			}
		}
		answer, err := r.run(ctx, req, emit)
		final := types.IntermediateOutput{Type: types.OutputFinalAnswer}
		if err != nil {
			final.Error = err.Error()
		} else {
			answer.Done = true
			final.Title = answer.Answer
			final.Data = answer
		}
		emit(final)
	}()
	return events
}

// run executes the node sequence. Deadline expiry mid-pipeline degrades to a
// truncated sentinel answer rather than an error; cancellation propagates.
func (r *Runtime) run(parent context.Context, req Request, emit func(types.IntermediateOutput)) (*types.ReadAnswer, error) {
	if req.EndUserID == "" {
		return nil, memerrors.Validationf("end_user_id cannot be empty")
	}
	if req.Query == "" {
		return nil, memerrors.Validationf("query cannot be empty")
	}
	switch req.Switch {
	case SwitchFast, SwitchDeep, SwitchQuick:
	default:
		return nil, memerrors.Validationf("unknown search_switch %d", req.Switch)
	}

	deadline := time.Duration(r.cfg.DeadlineSeconds) * time.Second
	if deadline <= 0 {
		deadline = defaultDeadlineSeconds * time.Second
	}
	ctx, cancel := context.WithTimeout(parent, deadline)
	defer cancel()

	mc, err := r.configs.Get(ctx, req.ConfigID)
	if err != nil {
		mc = config.DefaultMemoryConfig(req.ConfigID)
	}

	state := ReadState{Request: req, Language: mc.Language}

	// Route: load short-term context and announce the plan.
	if sessionText, err := r.sessions.RecentContext(ctx, req.EndUserID, maxSessionContextChars); err == nil {
		state.SessionContext = sessionText
	} else {
		r.logger.WarnContext(ctx, "session context unavailable", "error", err.Error())
	}
	emit(types.IntermediateOutput{
		Type:  types.OutputInputSummary,
		Title: state.Query,
		Data: map[string]any{
			"query":         state.Query,
			"search_switch": int(state.Switch),
			"has_context":   state.SessionContext != "",
		},
	})

	if state.Switch == SwitchDeep {
		state = r.splitProblem(ctx, state, emit)
		if truncated(ctx) {
			return r.truncate(parent, state, emit), nil
		}
		state = r.expandProblem(ctx, state, emit)
		if truncated(ctx) {
			return r.truncate(parent, state, emit), nil
		}
	}

	state, err = r.hybridSearch(ctx, state)
	if err != nil {
		if truncated(ctx) {
			return r.truncate(parent, state, emit), nil
		}
		return nil, err
	}

	var verifyErr string
	if state.Switch == SwitchFast {
		state, verifyErr = r.verify(ctx, state)
		if truncated(ctx) {
			return r.truncate(parent, state, emit), nil
		}
	}
	emit(types.IntermediateOutput{
		Type:  types.OutputRetrievalSummary,
		Title: fmt.Sprintf("%d pieces of evidence", len(state.Evidence)),
		Data:  evidenceOverview(state.Evidence),
		Error: verifyErr,
	})

	state = r.summarise(ctx, state, emit)
	if truncated(ctx) {
		return r.truncate(parent, state, emit), nil
	}

	r.persist(parent, state)

	return &types.ReadAnswer{
		Answer:    state.Answer,
		EndUserID: state.EndUserID,
		Done:      true,
	}, nil
}

// truncated reports deadline expiry (as opposed to caller cancellation).
func truncated(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}

// truncate produces the best-effort partial answer. Nothing is persisted.
func (r *Runtime) truncate(ctx context.Context, state ReadState, emit func(types.IntermediateOutput)) *types.ReadAnswer {
	r.logger.WarnContext(ctx, "read deadline expired",
		"end_user_id", state.EndUserID, "evidence", len(state.Evidence))
	answer := state.Answer
	if answer == "" {
		answer = NoAnswer(state.Language)
	}
	return &types.ReadAnswer{
		Answer:    answer,
		EndUserID: state.EndUserID,
		Truncated: true,
		Done:      true,
	}
}

// NoAnswer is the sentinel for the given language.
func NoAnswer(language string) string {
	if language == "en" {
		return NoAnswerEN
	}
	return NoAnswerZH
}

const splitPromptZH = `将问题分解为不超过 %d 个子问题，每个子问题标注类型
（factual、temporal、definitional、causal 之一）。
返回 JSON {"sub_questions":[{"question":str,"type":str}]}。`

const splitPromptEN = `Decompose the question into at most %d sub-questions, each typed
(one of factual, temporal, definitional, causal).
Return JSON {"sub_questions":[{"question":str,"type":str}]}.`

type rawSplit struct {
	SubQuestions []SubQuestion `json:"sub_questions"`
}

// splitProblem decomposes the query. Failure degrades to no sub-questions
// with an error marker on the event.
func (r *Runtime) splitProblem(ctx context.Context, state ReadState, emit func(types.IntermediateOutput)) ReadState {
	maxSub := r.cfg.MaxSubQuestions
	if maxSub <= 0 {
		maxSub = 3
	}
	prompt := fmt.Sprintf(splitPromptZH, maxSub)
	if state.Language == "en" {
		prompt = fmt.Sprintf(splitPromptEN, maxSub)
	}

	var raw rawSplit
	err := r.llm.ChatStructured(ctx, []ports.ChatMessage{
		{Role: "system", Content: prompt},
		{Role: "user", Content: state.Query},
	}, &raw)

	out := types.IntermediateOutput{Type: types.OutputProblemSplit, Title: state.Query}
	if err != nil {
		out.Error = err.Error()
		out.Data = []SubQuestion{}
		emit(out)
		return state
	}
	subs := raw.SubQuestions
	if len(subs) > maxSub {
		subs = subs[:maxSub]
	}
	out.Data = subs
	emit(out)

	next := state
	next.SubQuestions = subs
	return next
}

const expandPromptZH = `为每个子问题生成一到两个改写或相关问法。
返回 JSON {"expansions":[str]}。`

const expandPromptEN = `For each sub-question produce one or two rephrasings or related
formulations. Return JSON {"expansions":[str]}.`

type rawExpand struct {
	Expansions []string `json:"expansions"`
}

// expandProblem rephrases the sub-questions. Failure degrades to no
// expansions.
func (r *Runtime) expandProblem(ctx context.Context, state ReadState, emit func(types.IntermediateOutput)) ReadState {
	prompt := expandPromptZH
	if state.Language == "en" {
		prompt = expandPromptEN
	}
	var sb strings.Builder
	sb.WriteString(state.Query)
	for _, sq := range state.SubQuestions {
		sb.WriteString("\n- ")
		sb.WriteString(sq.Question)
	}

	var raw rawExpand
	err := r.llm.ChatStructured(ctx, []ports.ChatMessage{
		{Role: "system", Content: prompt},
		{Role: "user", Content: sb.String()},
	}, &raw)

	out := types.IntermediateOutput{Type: types.OutputProblemExtension, Title: state.Query}
	if err != nil {
		out.Error = err.Error()
		out.Data = []string{}
		emit(out)
		return state
	}
	out.Data = raw.Expansions
	emit(out)

	next := state
	next.Expansions = raw.Expansions
	return next
}

// hybridSearch fans every question out through the retriever with bounded
// concurrency and unions the hits by id, keeping the best score.
func (r *Runtime) hybridSearch(ctx context.Context, state ReadState) (ReadState, error) {
	labels := retrieval.DefaultLabels
	if state.Switch == SwitchFast {
		labels = []types.NodeLabel{types.LabelMemorySummary}
	}

	questions := state.questions()
	results := make([][]types.SearchHit, len(questions))

	concurrency := r.cfg.RetrievalConcurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, q := range questions {
		g.Go(func() error {
			hits, err := r.search.Search(gctx, retrieval.Request{
				EndUserID: state.EndUserID,
				Query:     q,
				Mode:      types.SearchHybrid,
				Labels:    labels,
			})
			if err != nil {
				return err
			}
			results[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return state, err
	}

	best := make(map[string]types.SearchHit)
	for _, hits := range results {
		for _, h := range hits {
			if existing, ok := best[h.ID]; !ok || h.Score > existing.Score {
				best[h.ID] = h
			}
		}
	}
	evidence := make([]types.SearchHit, 0, len(best))
	for _, h := range best {
		evidence = append(evidence, h)
	}
	sort.Slice(evidence, func(i, j int) bool {
		if evidence[i].Score != evidence[j].Score {
			return evidence[i].Score > evidence[j].Score
		}
		return evidence[i].ID < evidence[j].ID
	})

	next := state
	next.Evidence = evidence
	return next, nil
}

const verifyPromptZH = `逐条判断下列记忆摘要是否足以支持回答用户问题。
返回 JSON {"supported":[int]}，列出可支持的条目序号（从 0 开始）。`

const verifyPromptEN = `For each memory below decide whether it supports answering the
user question. Return JSON {"supported":[int]} listing the zero-based
indices of the supported items.`

type rawVerify struct {
	Supported []int `json:"supported"`
}

// verify filters the evidence through an LLM support check. Failure keeps
// the evidence untouched and returns the error text for the event marker.
func (r *Runtime) verify(ctx context.Context, state ReadState) (ReadState, string) {
	if len(state.Evidence) == 0 {
		return state, ""
	}
	prompt := verifyPromptZH
	if state.Language == "en" {
		prompt = verifyPromptEN
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n", state.Query)
	for i, h := range state.Evidence {
		fmt.Fprintf(&sb, "[%d] %s\n", i, h.Content)
	}

	var raw rawVerify
	err := r.llm.ChatStructured(ctx, []ports.ChatMessage{
		{Role: "system", Content: prompt},
		{Role: "user", Content: sb.String()},
	}, &raw)
	if err != nil {
		r.logger.WarnContext(ctx, "verification failed, keeping all evidence", "error", err.Error())
		return state, err.Error()
	}

	kept := make([]types.SearchHit, 0, len(raw.Supported))
	for _, idx := range raw.Supported {
		if idx >= 0 && idx < len(state.Evidence) {
			kept = append(kept, state.Evidence[idx])
		}
	}
	next := state
	next.Evidence = kept
	return next, ""
}

const answerPromptZH = `基于给出的记忆证据回答用户问题。只使用证据中的信息，
不要编造。用中文简洁作答。`

const answerPromptEN = `Answer the user question from the given memory evidence only.
Do not invent facts. Answer concisely in English.`

// summarise composes the final answer. No evidence or a failed LLM call
// degrades to the sentinel.
func (r *Runtime) summarise(ctx context.Context, state ReadState, emit func(types.IntermediateOutput)) ReadState {
	next := state
	if len(state.Evidence) == 0 {
		next.Answer = NoAnswer(state.Language)
		return next
	}

	prompt := answerPromptZH
	if state.Language == "en" {
		prompt = answerPromptEN
	}
	var sb strings.Builder
	if state.SessionContext != "" {
		fmt.Fprintf(&sb, "Recent conversation:\n%s\n\n", state.SessionContext)
	}
	sb.WriteString("Evidence:\n")
	for _, h := range state.Evidence {
		fmt.Fprintf(&sb, "- %s\n", h.Content)
	}
	fmt.Fprintf(&sb, "\nQuestion: %s", state.Query)

	answer, err := r.llm.Chat(ctx, []ports.ChatMessage{
		{Role: "system", Content: prompt},
		{Role: "user", Content: sb.String()},
	})
	if err != nil {
		r.logger.WarnContext(ctx, "answer synthesis failed", "error", err.Error())
		emit(types.IntermediateOutput{Type: types.OutputRetrievalSummary, Title: "answer synthesis", Error: err.Error()})
		next.Answer = NoAnswer(state.Language)
		return next
	}
	next.Answer = strings.TrimSpace(answer)
	if next.Answer == "" {
		next.Answer = NoAnswer(state.Language)
	}
	return next
}

// persist stores the turn in the session buffer and strengthens the
// evidence. Runs on the parent context so a spent pipeline deadline does not
// cut it short; truncated reads never reach here.
func (r *Runtime) persist(ctx context.Context, state ReadState) {
	if err := r.sessions.Append(ctx, state.EndUserID, state.Query, state.Answer); err != nil {
		r.logger.WarnContext(ctx, "session append failed", "error", err.Error())
	}
	if len(state.Evidence) == 0 {
		return
	}
	ids := make([]string, 0, len(state.Evidence))
	for _, h := range state.Evidence {
		ids = append(ids, h.ID)
	}
	r.access.RecordAccessBatch(ctx, ids)
}

// evidenceOverview is the retrieval_summary event payload.
func evidenceOverview(hits []types.SearchHit) []map[string]any {
	out := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		out = append(out, map[string]any{
			"id":          h.ID,
			"label":       string(h.Label),
			"score":       h.Score,
			"source_mode": string(h.SourceMode),
		})
	}
	return out
}
