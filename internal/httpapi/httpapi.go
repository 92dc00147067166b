// Package httpapi exposes Scintilla's external interfaces (spec.md §6)
// over HTTP: the streaming POST /query endpoint backed by the Agent Loop
// (C8), and the five POST/GET /agents/* endpoints backed by the
// Local-Agent Broker (C3) and Tool Catalog Service (C4).
//
// Routing follows the teacher's pattern of a chi.Router with a metrics
// middleware that reads chi's matched route pattern rather than the raw
// path (internal/observability.HTTPMiddleware, adapted from
// pkg/transport/http_metrics_middleware.go) — the teacher itself has no
// complete chi-based HTTP server to copy wholesale (its own external
// surface is a gRPC/A2A server in pkg/transport/server.go), so the
// handlers themselves are written directly against net/http and chi's
// routing/URL-param facilities rather than adapted from a teacher file.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/trilogy-group/scintilla-sub000/internal/agentloop"
	"github.com/trilogy-group/scintilla-sub000/internal/authtoken"
	"github.com/trilogy-group/scintilla-sub000/internal/catalog"
	"github.com/trilogy-group/scintilla-sub000/internal/localagent"
	"github.com/trilogy-group/scintilla-sub000/internal/model"
	"github.com/trilogy-group/scintilla-sub000/internal/observability"
)

// Store is the subset of *store.Store the HTTP surface depends on
// directly (beyond what it hands to agentloop/catalog already).
type Store interface {
	authtoken.Store
	ListSourcesByLocalCapability(ctx context.Context, capability string) ([]model.Source, error)
	ListTools(ctx context.Context, sourceIDs []string) ([]model.SourceTool, error)
}

// Server wires the Agent Loop, Local-Agent Broker, Tool Catalog Service,
// and Credential & Source Registry into the HTTP surface.
type Server struct {
	loop    *agentloop.Loop
	broker  *localagent.Broker
	catalog *catalog.Service
	store   Store
	metrics *observability.Manager
}

// New builds a Server. metrics may be nil, in which case HTTP requests
// are not instrumented (Router installs no metrics middleware).
func New(loop *agentloop.Loop, broker *localagent.Broker, cat *catalog.Service, st Store, metrics *observability.Manager) *Server {
	return &Server{loop: loop, broker: broker, catalog: cat, store: st, metrics: metrics}
}

// Router builds the chi.Router serving every endpoint in spec.md §6,
// plus an ambient /health liveness check and a /metrics endpoint when
// metrics are enabled.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	if s.metrics != nil {
		r.Use(observability.HTTPMiddleware)
	}

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Get(s.metrics.MetricsEndpoint(), s.metrics.MetricsHandler().ServeHTTP)
	}

	r.Post("/query", s.handleQuery)

	r.Post("/agents/register", s.handleAgentRegister)
	r.Post("/agents/poll/{agent_id}", s.handleAgentPoll)
	r.Post("/agents/results/{task_id}", s.handleAgentResults)
	r.Post("/agents/refresh-tools", s.handleRefreshTools)
	r.Get("/agents/status", s.handleAgentStatus)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) recorder() observability.Recorder {
	if s.metrics == nil {
		return observability.NoopRecorder{}
	}
	return s.metrics.Recorder()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, dst any) error {
	defer io.Copy(io.Discard, r.Body)
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// contextTimeout bounds handlers that don't already inherit a request
// deadline from the client (the teacher's own handlers lean on
// r.Context() directly; this just adds a ceiling for operations with no
// natural caller-supplied timeout, e.g. /agents/refresh-tools).
func contextTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}
