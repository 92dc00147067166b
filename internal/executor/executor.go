// Package executor implements the Tool Executor (C5): dispatching one
// resolved tool call to its owning source, remote over MCP-SSE or local
// via the Local-Agent Broker, and normalizing both paths to the same
// result shape for the Context Manager and Tool-Result Processor.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/trilogy-group/scintilla-sub000/internal/localagent"
	"github.com/trilogy-group/scintilla-sub000/internal/mcpclient"
	"github.com/trilogy-group/scintilla-sub000/internal/model"
	"github.com/trilogy-group/scintilla-sub000/internal/store"
)

// callTimeout bounds a single tool execution, remote or local, matching
// the MCP client's own tools/call ceiling so neither path can hang an
// agent loop turn longer than the other.
const callTimeout = 60 * time.Second

// Result is the outcome of one tool call, uniform across remote and
// local sources.
type Result struct {
	ToolName        string
	Success         bool
	Output          string
	Error           string
	ExecutionTimeMS int64
}

// SourceAuthResolver looks up a source's connection info; satisfied by
// *store.Store.
type SourceAuthResolver interface {
	GetSourceAuth(ctx context.Context, sourceID string) (store.SourceAuth, bool, error)
}

// Executor runs tool calls against whichever transport a source uses.
type Executor struct {
	sources SourceAuthResolver
	mcp     *mcpclient.Client
	local   *localagent.Broker
}

// New creates an Executor.
func New(sources SourceAuthResolver, mcp *mcpclient.Client, local *localagent.Broker) *Executor {
	return &Executor{sources: sources, mcp: mcp, local: local}
}

// Execute resolves sourceID's transport and runs toolName against it
// with args, returning a Result even on tool-level failure; only
// resolution errors (unknown or inactive source, or a storage failure
// while looking it up) surface as an error return. Transport failures,
// timeouts and context cancellation all become a failed Result, matching spec.md §4.5's "errors become results"
// rule so a single failed tool never aborts an in-flight agent turn.
func (e *Executor) Execute(ctx context.Context, sourceID, toolName string, args map[string]any) (Result, error) {
	auth, ok, err := e.sources.GetSourceAuth(ctx, sourceID)
	if err != nil {
		return Result{}, fmt.Errorf("execute %s on %s: %w", toolName, sourceID, err)
	}
	if !ok {
		return Result{}, fmt.Errorf("execute %s on %s: source not found or inactive", toolName, sourceID)
	}

	start := time.Now()
	if model.IsLocalSchemeURL(auth.ServerURL) {
		agentResult, err := e.local.Execute(ctx, toolName, args, callTimeout)
		elapsed := time.Since(start).Milliseconds()
		if err != nil {
			return Result{ToolName: toolName, Success: false, Error: err.Error(), ExecutionTimeMS: elapsed}, nil
		}
		return Result{
			ToolName:        toolName,
			Success:         agentResult.Success,
			Output:          agentResult.Result,
			Error:           agentResult.Error,
			ExecutionTimeMS: elapsed,
		}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	callResult, err := e.mcp.CallTool(callCtx, auth.ServerURL, auth.AuthHeaders, toolName, args)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return Result{ToolName: toolName, Success: false, Error: err.Error(), ExecutionTimeMS: elapsed}, nil
	}
	return Result{
		ToolName:        toolName,
		Success:         callResult.OK,
		Output:          callResult.Result,
		Error:           callResult.Error,
		ExecutionTimeMS: elapsed,
	}, nil
}
