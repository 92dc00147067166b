package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trilogy-group/scintilla-sub000/internal/localagent"
	"github.com/trilogy-group/scintilla-sub000/internal/mcpclient"
	"github.com/trilogy-group/scintilla-sub000/internal/model"
	"github.com/trilogy-group/scintilla-sub000/internal/store"
)

type fakeResolver map[string]store.SourceAuth

func (f fakeResolver) GetSourceAuth(ctx context.Context, sourceID string) (store.SourceAuth, bool, error) {
	a, ok := f[sourceID]
	return a, ok, nil
}

func TestExecuteRunsRemoteToolAndReturnsOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": 1,
			"result": map[string]any{"content": []map[string]any{{"type": "text", "text": "done"}}},
		})
	}))
	defer srv.Close()

	resolver := fakeResolver{"src-1": store.SourceAuth{ServerURL: srv.URL}}
	ex := New(resolver, mcpclient.New(nil), localagent.New())

	result, err := ex.Execute(context.Background(), "src-1", "search", map[string]any{"q": "x"})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "done", result.Output)
}

func TestExecuteRunsLocalToolViaBroker(t *testing.T) {
	broker := localagent.New()
	broker.Register("agent-1", "Agent", []string{"jira_operations"})
	go func() {
		for {
			task, ok := broker.Poll("agent-1")
			if ok {
				broker.SubmitResult(model.AgentTaskResult{TaskID: task.TaskID, Success: true, Result: "42 issues"})
				return
			}
		}
	}()

	resolver := fakeResolver{"src-local": store.SourceAuth{ServerURL: "local://agent"}}
	ex := New(resolver, mcpclient.New(nil), broker)

	result, err := ex.Execute(context.Background(), "src-local", "jira_search_issues", nil)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "42 issues", result.Output)
}

func TestExecuteReturnsUnknownSourceAsError(t *testing.T) {
	ex := New(fakeResolver{}, mcpclient.New(nil), localagent.New())
	_, err := ex.Execute(context.Background(), "missing", "search", nil)
	require.Error(t, err)
}

func TestExecuteConvertsTransportFailureIntoFailedResult(t *testing.T) {
	resolver := fakeResolver{"src-1": store.SourceAuth{ServerURL: "http://127.0.0.1:1"}}
	ex := New(resolver, mcpclient.New(nil), localagent.New())

	result, err := ex.Execute(context.Background(), "src-1", "search", nil)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.NotEmpty(t, result.Error)
}
