package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/trilogy-group/scintilla-sub000/internal/agentloop"
)

// queryRequest is the POST /query body (spec.md §6).
type queryRequest struct {
	UserID         string   `json:"user_id"`
	ConversationID string   `json:"conversation_id"`
	Message        string   `json:"message"`
	Model          string   `json:"model"`
	SourceIDs      []string `json:"source_ids"`
	BotIDs         []string `json:"bot_ids"`
	MaxTokens      int      `json:"max_tokens"`
}

// sseEvent is the wire shape of every event written to the /query
// stream: a discriminated union keyed by "type" that carries only the
// fields set for that event rather than agentloop.Event's Go-side shape
// (which carries fields irrelevant to a given event type). The field
// names are this struct's own (text, tool_args, success, preview,
// original_query/rewritten_query, answer), and final_response's
// statistics are flat top-level fields, not a nested object.
type sseEvent struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	ToolName string         `json:"tool_name,omitempty"`
	ToolArgs map[string]any `json:"tool_args,omitempty"`
	Success  *bool          `json:"success,omitempty"`
	Preview  string         `json:"preview,omitempty"`

	OriginalQuery  string `json:"original_query,omitempty"`
	RewrittenQuery string `json:"rewritten_query,omitempty"`

	Answer                string   `json:"answer,omitempty"`
	Sources               any      `json:"sources,omitempty"`
	ToolCallCount         int      `json:"tool_call_count,omitempty"`
	EstimatedTokens       int      `json:"estimated_tokens,omitempty"`
	OptimizationFired     bool     `json:"optimization_fired,omitempty"`
	IterationLimitReached bool     `json:"iteration_limit_reached,omitempty"`
	ToolsUsed             []string `json:"tools_used,omitempty"`
}

// handleQuery streams the Agent Loop's run over one query as
// server-sent events, one JSON object per event per spec.md §6. The
// user id is taken from an upstream-validated bearer token's subject
// claim when present (userSubjectFromRequest), falling back to the
// request body's user_id for callers an upstream gateway hasn't already
// authenticated.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if sub, ok := userSubjectFromRequest(r); ok {
		req.UserID = sub
	}
	if req.UserID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "user_id and message are required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, err := s.loop.Run(r.Context(), agentloop.Request{
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Message:        req.Message,
		Model:          req.Model,
		SourceIDs:      req.SourceIDs,
		BotIDs:         req.BotIDs,
		MaxTokens:      req.MaxTokens,
	})
	if err != nil {
		writeSSE(w, sseEvent{Type: "error", Text: err.Error()})
		flusher.Flush()
		return
	}

	var toolsUsed []string
	for ev := range events {
		wire := toSSEEvent(ev)
		if ev.Type == agentloop.EventToolCall {
			toolsUsed = append(toolsUsed, ev.ToolName)
		}
		if ev.Type == agentloop.EventFinalResponse {
			wire.ToolsUsed = toolsUsed
		}
		writeSSE(w, wire)
		flusher.Flush()
	}
}

func toSSEEvent(ev agentloop.Event) sseEvent {
	switch ev.Type {
	case agentloop.EventThinking:
		return sseEvent{Type: "thinking", Text: ev.Text}
	case agentloop.EventQueryPreprocessed:
		return sseEvent{Type: "query_preprocessed", OriginalQuery: ev.OriginalQuery, RewrittenQuery: ev.RewrittenQuery}
	case agentloop.EventToolCall:
		return sseEvent{Type: "tool_call", ToolName: ev.ToolName, ToolArgs: ev.ToolArgs}
	case agentloop.EventToolResult:
		ok := ev.ToolOK
		return sseEvent{Type: "tool_result", ToolName: ev.ToolName, Success: &ok, Preview: ev.ToolPrev}
	case agentloop.EventFinalResponse:
		f := ev.Final
		return sseEvent{
			Type:                  "final_response",
			Answer:                f.Answer,
			Sources:               f.Sources,
			ToolCallCount:         f.ToolCallCount,
			EstimatedTokens:       f.EstimatedTokens,
			OptimizationFired:     f.OptimizationFired,
			IterationLimitReached: f.IterationLimitReached,
		}
	case agentloop.EventError:
		return sseEvent{Type: "error", Text: ev.Text}
	default:
		return sseEvent{Type: string(ev.Type), Text: ev.Text}
	}
}

// writeSSE writes one "data: <json>\n\n" frame, the minimal SSE framing
// the teacher's own streaming responses use (no event: line, since every
// frame already self-describes its kind via the JSON "type" field).
func writeSSE(w http.ResponseWriter, ev sseEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		fmt.Fprintf(w, "data: {\"type\":\"error\",\"text\":%q}\n\n", err.Error())
		return
	}
	w.Write([]byte("data: "))
	w.Write(b)
	w.Write([]byte("\n\n"))
}
