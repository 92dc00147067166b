package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorderRecordsAcrossAllConcerns(t *testing.T) {
	ctx := context.Background()
	r := NewPrometheusRecorder("scintilla_test")

	r.RecordHTTPRequest(ctx, "POST", "/query", 200, 50*time.Millisecond, 1024)
	r.RecordLLMCall(ctx, "anthropic", "claude-sonnet-4-5", 300*time.Millisecond, 100, 50, nil)
	r.RecordToolExecution(ctx, "src1", "search_issues", 20*time.Millisecond, nil)
	r.RecordAgentPoll(ctx, "agent-1", true)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "scintilla_test_http_requests_total")
}

func TestNoopRecorderNeverPanics(t *testing.T) {
	var rec Recorder = NoopRecorder{}
	ctx := context.Background()
	rec.RecordHTTPRequest(ctx, "GET", "/health", 200, time.Millisecond, 0)
	rec.RecordLLMCall(ctx, "openai", "gpt-4", time.Millisecond, 1, 1, nil)
	rec.RecordToolExecution(ctx, "src1", "tool", time.Millisecond, nil)
	rec.RecordAgentPoll(ctx, "agent-1", false)
}

func TestGetGlobalRecorderDefaultsToNoop(t *testing.T) {
	SetGlobalRecorder(nil)
	require.IsType(t, NoopRecorder{}, GetGlobalRecorder())
}

func TestHTTPMiddlewareRecordsRoutePatternNotRawPath(t *testing.T) {
	recorder := NewPrometheusRecorder("scintilla_mw_test")
	SetGlobalRecorder(recorder)
	t.Cleanup(func() { SetGlobalRecorder(nil) })

	router := chi.NewRouter()
	router.Use(HTTPMiddleware)
	router.Get("/agents/poll/{agent_id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/agents/poll/agent-42", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	metricsReq := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	metricsRec := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(metricsRec, metricsReq)
	require.Contains(t, metricsRec.Body.String(), `route="/agents/poll/{agent_id}"`)
}
