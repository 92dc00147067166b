package catalog

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

type fakeStore struct {
	auth       map[string]store.SourceAuth
	tools      map[string][]model.SourceTool
	lastStatus map[string]model.CacheStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		auth:       map[string]store.SourceAuth{},
		tools:      map[string][]model.SourceTool{},
		lastStatus: map[string]model.CacheStatus{},
	}
}

func (f *fakeStore) GetSourceAuth(ctx context.Context, sourceID string) (store.SourceAuth, bool, error) {
	a, ok := f.auth[sourceID]
	return a, ok, nil
}

func (f *fakeStore) RefreshTools(ctx context.Context, sourceID string, tools []model.SourceTool) error {
	f.tools[sourceID] = tools
	f.lastStatus[sourceID] = model.CacheStatusCached
	return nil
}

func (f *fakeStore) SetCacheStatus(ctx context.Context, sourceID string, status model.CacheStatus, cacheErr string) error {
	f.lastStatus[sourceID] = status
	return nil
}

func rpcServer(t *testing.T, result any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int    `json:"id"`
			Method string `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		resultJSON, _ := json.Marshal(result)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": json.RawMessage(resultJSON)})
	}))
}

func TestRefreshDiscoversRemoteSourceAndPersistsTools(t *testing.T) {
	srv := rpcServer(t, map[string]any{
		"tools": []map[string]any{{"name": "search", "description": "search things"}},
	})
	defer srv.Close()

	fs := newFakeStore()
	fs.auth["src-1"] = store.SourceAuth{ServerURL: srv.URL}

	svc := New(fs, mcpclient.New(nil), localagent.New())
	require.NoError(t, svc.Refresh(context.Background(), "src-1"))

	require.Equal(t, model.CacheStatusCached, fs.lastStatus["src-1"])
	require.Len(t, fs.tools["src-1"], 1)
	require.Equal(t, "search", fs.tools["src-1"][0].ToolName)
}

func TestRefreshDiscoversLocalSourceViaBroker(t *testing.T) {
	fs := newFakeStore()
	fs.auth["src-local"] = store.SourceAuth{ServerURL: "local://my-agent"}

	broker := localagent.New()
	broker.Register("agent-1", "My Agent", nil)
	go func() {
		for {
			task, ok := broker.Poll("agent-1")
			if ok {
				broker.SubmitResult(model.AgentTaskResult{
					TaskID: task.TaskID, Success: true,
					Result: `[{"name":"local_tool","description":"a local tool"}]`,
				})
				return
			}
		}
	}()

	svc := New(fs, mcpclient.New(nil), broker)
	require.NoError(t, svc.Refresh(context.Background(), "src-local"))
	require.Len(t, fs.tools["src-local"], 1)
	require.Equal(t, "local_tool", fs.tools["src-local"][0].ToolName)
}

func TestRefreshMarksErrorStatusOnDiscoveryFailure(t *testing.T) {
	fs := newFakeStore()
	fs.auth["src-2"] = store.SourceAuth{ServerURL: "http://127.0.0.1:1"} // nothing listening

	svc := New(fs, mcpclient.New(nil), localagent.New())
	err := svc.Refresh(context.Background(), "src-2")
	require.Error(t, err)
	require.Equal(t, model.CacheStatusError, fs.lastStatus["src-2"])
}

func TestRefreshAllRunsConcurrentlyAndCollectsPerSourceErrors(t *testing.T) {
	srv := rpcServer(t, map[string]any{"tools": []map[string]any{}})
	defer srv.Close()

	fs := newFakeStore()
	fs.auth["good"] = store.SourceAuth{ServerURL: srv.URL}
	fs.auth["bad"] = store.SourceAuth{ServerURL: "http://127.0.0.1:1"}

	svc := New(fs, mcpclient.New(nil), localagent.New())
	results := svc.RefreshAll(context.Background(), []string{"good", "bad"})

	require.NoError(t, results["good"])
	require.Error(t, results["bad"])
}
