package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/trilogy-group/scintilla-sub000/internal/authtoken"
	"github.com/trilogy-group/scintilla-sub000/internal/model"
)

// refreshToolsTimeout bounds a POST /agents/refresh-tools call: it fans
// out to every source whose capability matches, each itself bounded by
// catalog.discoveryTimeout, so this just keeps a misbehaving agent from
// holding the HTTP request open indefinitely.
const refreshToolsTimeout = 45 * time.Second

// agentRegisterRequest is the POST /agents/register body (spec.md §6).
type agentRegisterRequest struct {
	AgentID      string   `json:"agent_id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	if _, err := authtoken.Validate(r.Context(), s.store, token); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid agent token")
		return
	}

	var req agentRegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	s.broker.Register(req.AgentID, req.Name, req.Capabilities)
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":     req.AgentID,
		"capabilities": req.Capabilities,
	})
}

// agentPollResponse is the POST /agents/poll/{agent_id} response shape.
type agentPollResponse struct {
	HasWork bool        `json:"has_work"`
	Task    *taskWire   `json:"task,omitempty"`
}

type taskWire struct {
	TaskID    string         `json:"task_id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

func (s *Server) handleAgentPoll(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	task, ok := s.broker.Poll(agentID)
	s.recorder().RecordAgentPoll(r.Context(), agentID, ok)

	if !ok {
		writeJSON(w, http.StatusOK, agentPollResponse{HasWork: false})
		return
	}
	writeJSON(w, http.StatusOK, agentPollResponse{
		HasWork: true,
		Task: &taskWire{
			TaskID:    task.TaskID,
			ToolName:  task.ToolName,
			Arguments: task.Arguments,
		},
	})
}

// agentResultRequest is the POST /agents/results/{task_id} body.
type agentResultRequest struct {
	AgentID         string `json:"agent_id"`
	Success         bool   `json:"success"`
	Result          string `json:"result"`
	Error           string `json:"error"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
}

func (s *Server) handleAgentResults(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}

	var req agentResultRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	s.broker.SubmitResult(model.AgentTaskResult{
		TaskID:          taskID,
		AgentID:         req.AgentID,
		Success:         req.Success,
		Result:          req.Result,
		Error:           req.Error,
		ExecutionTimeMS: req.ExecutionTimeMS,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// refreshToolsRequest is the POST /agents/refresh-tools body (spec.md
// §4.4): capability is the local:// / agent:// URL's authority/path
// tail, resolved back to the source rows whose catalog it feeds.
type refreshToolsRequest struct {
	AgentID    string `json:"agent_id"`
	Capability string `json:"capability"`
}

func (s *Server) handleRefreshTools(w http.ResponseWriter, r *http.Request) {
	var req refreshToolsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Capability == "" {
		writeError(w, http.StatusBadRequest, "capability is required")
		return
	}

	ctx, cancel := contextTimeout(r.Context(), refreshToolsTimeout)
	defer cancel()

	sources, err := s.store.ListSourcesByLocalCapability(ctx, req.Capability)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list sources: "+err.Error())
		return
	}
	if len(sources) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":          false,
			"tools_discovered": 0,
			"capability":       req.Capability,
			"agent_id":         req.AgentID,
			"message":          "no source is registered for this capability",
		})
		return
	}

	sourceIDs := make([]string, len(sources))
	for i, src := range sources {
		sourceIDs[i] = src.SourceID
	}

	refreshErrs := s.catalog.RefreshAll(ctx, sourceIDs)

	var failed []string
	for id, err := range refreshErrs {
		if err != nil {
			failed = append(failed, id)
		}
	}

	tools, err := s.store.ListTools(ctx, sourceIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "count refreshed tools: "+err.Error())
		return
	}

	message := "tools refreshed"
	if len(failed) > 0 {
		message = "refresh failed for " + strings.Join(failed, ", ")
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":          len(failed) == 0,
		"tools_discovered": len(tools),
		"capability":       req.Capability,
		"agent_id":         req.AgentID,
		"message":          message,
	})
}

// agentStatusResponse is the GET /agents/status response shape.
type agentStatusResponse struct {
	RegisteredAgents int               `json:"registered_agents"`
	PendingTasks     int               `json:"pending_tasks"`
	ActiveTasks      int               `json:"active_tasks"`
	Agents           []agentStatusRow  `json:"agents"`
}

type agentStatusRow struct {
	AgentID      string   `json:"agent_id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	LastPing     string   `json:"last_ping"`
	ActiveTasks  int      `json:"active_tasks"`
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	agents := s.broker.Agents()
	pending, active := s.broker.Stats()
	activeByAgent := s.broker.AgentActiveTaskCounts()

	rows := make([]agentStatusRow, 0, len(agents))
	for _, a := range agents {
		rows = append(rows, agentStatusRow{
			AgentID:      a.AgentID,
			Name:         a.Name,
			Capabilities: a.Capabilities,
			LastPing:     a.LastPing.UTC().Format(time.RFC3339),
			ActiveTasks:  activeByAgent[a.AgentID],
		})
	}

	writeJSON(w, http.StatusOK, agentStatusResponse{
		RegisteredAgents: len(agents),
		PendingTasks:     pending,
		ActiveTasks:      active,
		Agents:           rows,
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}
