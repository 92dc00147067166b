package agentloop

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trilogy-group/scintilla-sub000/internal/contextmgr"
	"github.com/trilogy-group/scintilla-sub000/internal/conversation"
	"github.com/trilogy-group/scintilla-sub000/internal/executor"
	"github.com/trilogy-group/scintilla-sub000/internal/llm"
	"github.com/trilogy-group/scintilla-sub000/internal/model"
)

type fakeSources struct {
	sources   []model.Source
	tools     []model.SourceTool
	botAssoc  map[string][]string
	instrByID map[string]string
}

func (f *fakeSources) ListSpecificSources(ctx context.Context, userID string, sourceIDs []string) ([]model.Source, error) {
	want := map[string]bool{}
	for _, id := range sourceIDs {
		want[id] = true
	}
	var out []model.Source
	for _, s := range f.sources {
		if want[s.SourceID] {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSources) BotSourceIDs(ctx context.Context, botID string) ([]string, error) {
	return f.botAssoc[botID], nil
}

func (f *fakeSources) ResolveInstructions(ctx context.Context, sourceID, botID string) (string, error) {
	return f.instrByID[botID+"/"+sourceID], nil
}

func (f *fakeSources) ListTools(ctx context.Context, sourceIDs []string) ([]model.SourceTool, error) {
	want := map[string]bool{}
	for _, id := range sourceIDs {
		want[id] = true
	}
	var out []model.SourceTool
	for _, t := range f.tools {
		if want[t.SourceID] {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakeExecutor struct {
	result executor.Result
	err    error
	calls  []string
}

func (f *fakeExecutor) Execute(ctx context.Context, sourceID, toolName string, args map[string]any) (executor.Result, error) {
	f.calls = append(f.calls, toolName)
	return f.result, f.err
}

// scriptedProvider returns one predetermined response per call to
// Complete, in order, so a test can script a multi-turn conversation.
type scriptedProvider struct {
	responses [][]*llm.CompletionChunk
	calls     int
}

func (p *scriptedProvider) Name() string { return "fake" }

func (p *scriptedProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (<-chan *llm.CompletionChunk, error) {
	idx := p.calls
	p.calls++
	out := make(chan *llm.CompletionChunk, len(p.responses[idx]))
	for _, c := range p.responses[idx] {
		out <- c
	}
	close(out)
	return out, nil
}

func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	for e := range events {
		out = append(out, e)
	}
	return out
}

func TestRunReturnsHelpfulAnswerWhenNoSourcesSelected(t *testing.T) {
	l := New(&fakeSources{}, &fakeExecutor{}, &scriptedProvider{}, conversation.NewInMemoryStore(), contextmgr.New(1000))
	events, err := l.Run(context.Background(), Request{UserID: "u1", Model: "claude-sonnet-4-5"})
	require.NoError(t, err)

	all := drain(t, events)
	require.Len(t, all, 1)
	require.Equal(t, EventFinalResponse, all[0].Type)
	require.Contains(t, all[0].Final.Answer, "no tools")
}

func TestRunExecutesOneToolCallThenSynthesizesCitedAnswer(t *testing.T) {
	sources := &fakeSources{
		sources: []model.Source{{SourceID: "src1", Name: "Jira Prod", Instructions: "", IsActive: true}},
		tools: []model.SourceTool{
			{SourceID: "src1", ToolName: "search_issues", Description: "search for issues", Schema: map[string]any{"type": "object"}, IsActive: true},
		},
	}
	toolInput, _ := json.Marshal(map[string]any{"q": "open bugs"})
	exec := &fakeExecutor{result: executor.Result{ToolName: "search_issues", Success: true, Output: "Title: Bug 1\nhttps://jira.example.com/browse/ABC-123"}}

	provider := &scriptedProvider{responses: [][]*llm.CompletionChunk{
		{ // turn 1: model calls the tool
			{ToolCall: &llm.ToolCall{ID: "tc1", Name: "jira_prod_search_issues", Input: json.RawMessage(toolInput)}},
			{Done: true},
		},
		{ // turn 2: no more tool calls, loop breaks
			{Done: true},
		},
		{ // final synthesis
			{Text: "There is an open bug [1]."},
			{Done: true},
		},
		{ // validation pass
			{Text: "There is an open bug [1]."},
			{Done: true},
		},
	}}

	l := New(sources, exec, provider, conversation.NewInMemoryStore(), contextmgr.New(1000))
	events, err := l.Run(context.Background(), Request{UserID: "u1", Model: "claude-sonnet-4-5", SourceIDs: []string{"src1"}, Message: "any open bugs?"})
	require.NoError(t, err)

	all := drain(t, events)
	require.Equal(t, []string{"search_issues"}, exec.calls)

	var final *FinalResponse
	sawToolCall, sawToolResult := false, false
	for _, e := range all {
		switch e.Type {
		case EventToolCall:
			sawToolCall = true
		case EventToolResult:
			sawToolResult = true
			require.True(t, e.ToolOK)
		case EventFinalResponse:
			final = e.Final
		}
	}
	require.True(t, sawToolCall)
	require.True(t, sawToolResult)
	require.NotNil(t, final)
	require.Equal(t, 1, final.ToolCallCount)
	require.Contains(t, final.Answer, "[1]")
	require.Len(t, final.Sources, 1)
	require.Equal(t, "https://jira.example.com/browse/ABC-123", final.Sources[0].URL)
}

func TestRunFiltersOutNonSearchLikeTools(t *testing.T) {
	sources := &fakeSources{
		sources: []model.Source{{SourceID: "src1", Name: "Jira", IsActive: true}},
		tools: []model.SourceTool{
			{SourceID: "src1", ToolName: "delete_issue", Description: "delete an issue", IsActive: true},
		},
	}
	provider := &scriptedProvider{responses: [][]*llm.CompletionChunk{
		{{Done: true}},
		{{Text: "no tools were available"}, {Done: true}},
	}}
	l := New(sources, &fakeExecutor{}, provider, conversation.NewInMemoryStore(), contextmgr.New(1000))
	events, err := l.Run(context.Background(), Request{UserID: "u1", Model: "claude-sonnet-4-5", SourceIDs: []string{"src1"}, Message: "hi"})
	require.NoError(t, err)

	all := drain(t, events)
	require.Equal(t, EventFinalResponse, all[len(all)-1].Type)
	require.Equal(t, 0, all[len(all)-1].Final.ToolCallCount)
}

func TestSanitizeSourceNameCollapsesNonAlphanumerics(t *testing.T) {
	require.Equal(t, "khoros_atlassian", sanitizeSourceName("Khoros - Atlassian!!"))
}

func TestIsSearchLikeRejectsWriteVerbsEvenWithSearchWord(t *testing.T) {
	require.True(t, isSearchLike("search_issues", "search for issues"))
	require.False(t, isSearchLike("update_and_search", "update then search for an issue"))
}
