// Package localagent implements the Local-Agent Broker (C3): an
// in-memory task queue that lets locally-running agent processes poll
// for work and report results, standing in for a remote MCP server when
// a Source's server_url uses a local:// / stdio:// / agent:// scheme.
//
// All state here is in-memory and process-local by design (spec.md
// §4.3) — a restart drops registered agents and in-flight tasks, and
// callers holding a Source pointed at a local agent must re-register
// after a broker restart.
package localagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trilogy-group/scintilla-sub000/internal/model"
)

// ErrAgentNotFound is returned when an operation names an agent id that
// isn't currently registered.
var ErrAgentNotFound = errors.New("localagent: agent not found")

// ErrNoCapableAgent is returned when a task names a capability no
// registered agent declares.
var ErrNoCapableAgent = errors.New("localagent: no registered agent declares this capability")

// staleAfter is the reaper threshold: an agent that hasn't polled in
// this long is considered gone. Fixed at 15 minutes, matching the
// original local-agent manager's cleanup_stale_agents default.
const staleAfter = 15 * time.Minute

// capabilityBundles maps a tool-name prefix to the capability names that
// satisfy it, so an agent registering a broad capability like
// "atlassian_integration" can serve a family of tool names without the
// caller needing to know the bundle's internal name in advance.
var capabilityBundles = map[string][]string{
	"jira_":   {"jira_operations", "khoros-atlassian", "atlassian_integration"},
	"confluence_": {"confluence_operations", "khoros-atlassian", "atlassian_integration"},
}

type pendingTask struct {
	task   model.Task
	result chan model.AgentTaskResult
}

// Broker tracks registered agents and the tasks queued for them.
type Broker struct {
	mu      sync.Mutex
	agents  map[string]*model.Agent
	pending map[string]*pendingTask // keyed by TaskID
	results map[string]model.AgentTaskResult // keyed by TaskID, for late delivery
	taskSeq int
}

// New creates an empty Broker.
func New() *Broker {
	return &Broker{
		agents:  make(map[string]*model.Agent),
		pending: make(map[string]*pendingTask),
		results: make(map[string]model.AgentTaskResult),
	}
}

// Register adds or refreshes an agent's entry.
func (b *Broker) Register(agentID, name string, capabilities []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.agents[agentID] = &model.Agent{
		AgentID:      agentID,
		Name:         name,
		Capabilities: capabilities,
		LastPing:     time.Now(),
	}
}

// Deregister removes an agent immediately, without waiting for the
// staleness reaper; any task still assigned to it is returned to the
// pending pool so another capable agent can pick it up.
func (b *Broker) Deregister(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.agents, agentID)
	for _, pt := range b.pending {
		if pt.task.Status == model.TaskAssigned && pt.task.AssignedAgent == agentID {
			pt.task.Status = model.TaskPending
			pt.task.AssignedAgent = ""
		}
	}
}

// Poll is called by an agent process to fetch its next task, if one is
// waiting that matches its declared capabilities. It always refreshes
// the agent's LastPing, registering it with no capabilities if this is
// the agent's first poll (mirrors the original manager's
// register-on-first-contact behavior).
func (b *Broker) Poll(agentID string) (model.Task, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	agent, ok := b.agents[agentID]
	if !ok {
		agent = &model.Agent{AgentID: agentID}
		b.agents[agentID] = agent
	}
	agent.LastPing = time.Now()

	for _, pt := range b.pending {
		if pt.task.Status != model.TaskPending {
			continue
		}
		if !matches(agent, pt.task.ToolName) {
			continue
		}
		pt.task.Status = model.TaskAssigned
		pt.task.AssignedAgent = agentID
		b.pending[pt.task.TaskID] = pt
		return pt.task, true
	}
	return model.Task{}, false
}

// matches reports whether an agent may serve a task naming toolName:
// the discovery sentinel matches any agent; otherwise a direct
// capability match, or a prefix-bundle match via capabilityBundles.
func matches(agent *model.Agent, toolName string) bool {
	if toolName == model.DiscoveryToolName {
		return true
	}
	if agent.HasCapability(toolName) {
		return true
	}
	for prefix, bundle := range capabilityBundles {
		if !strings.HasPrefix(toolName, prefix) {
			continue
		}
		for _, cap := range bundle {
			if agent.HasCapability(cap) {
				return true
			}
		}
	}
	return false
}

// SubmitResult delivers an agent's reported outcome for a task, waking
// whichever caller is still blocked in Execute and, regardless of whether
// anyone is still waiting, recording the outcome so a caller whose
// Execute already timed out can still retrieve it via Result. Only a
// result for a task id this broker never issued, or already has a
// recorded result for, is dropped — the agent has no way to know if its
// caller already timed out, and that's fine: the task stays resolvable.
func (b *Broker) SubmitResult(result model.AgentTaskResult) {
	b.mu.Lock()
	pt, ok := b.pending[result.TaskID]
	if !ok {
		b.mu.Unlock()
		slog.Debug("dropping result for unknown or already-delivered task", "task_id", result.TaskID)
		return
	}
	delete(b.pending, result.TaskID)
	b.results[result.TaskID] = result
	b.mu.Unlock()

	select {
	case pt.result <- result:
	default:
	}
}

// Result looks up a task's outcome directly, independent of whether its
// originating Execute call is still waiting. This is the only way to
// observe the result of a task whose caller's timeout already fired
// before the assigned agent reported back.
func (b *Broker) Result(taskID string) (model.AgentTaskResult, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	result, ok := b.results[taskID]
	return result, ok
}

// Execute enqueues a task for any agent declaring the matching
// capability and blocks until a result arrives or ctx is done. Returns
// ErrNoCapableAgent immediately if no currently registered agent could
// ever serve it, so callers don't wait out a full timeout for a source
// with no backing agent.
func (b *Broker) Execute(ctx context.Context, toolName string, args map[string]any, timeout time.Duration) (model.AgentTaskResult, error) {
	b.mu.Lock()
	if toolName != model.DiscoveryToolName && !b.anyAgentMatches(toolName) {
		b.mu.Unlock()
		return model.AgentTaskResult{}, fmt.Errorf("execute %s: %w", toolName, ErrNoCapableAgent)
	}

	b.taskSeq++
	taskID := uuid.NewString()
	pt := &pendingTask{
		task: model.Task{
			TaskID:         taskID,
			ToolName:       toolName,
			Arguments:      args,
			TimeoutSeconds: int(timeout.Seconds()),
			CreatedAt:      time.Now(),
			Status:         model.TaskPending,
		},
		result: make(chan model.AgentTaskResult, 1),
	}
	b.pending[taskID] = pt
	b.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case result := <-pt.result:
		return result, nil
	case <-callCtx.Done():
		// The task is left exactly as it was (pending or already
		// assigned): an agent may still be about to poll it, or may
		// already be working on it and about to call SubmitResult. Only
		// the caller's wait gives up here; the task's own lifecycle
		// continues until SubmitResult retires it into b.results.
		return model.AgentTaskResult{}, fmt.Errorf("execute %s: %w", toolName, callCtx.Err())
	}
}

func (b *Broker) anyAgentMatches(toolName string) bool {
	for _, agent := range b.agents {
		if matches(agent, toolName) {
			return true
		}
	}
	return false
}

// Agents returns a snapshot of currently registered agents.
func (b *Broker) Agents() []model.Agent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Agent, 0, len(b.agents))
	for _, a := range b.agents {
		out = append(out, *a)
	}
	return out
}

// Stats summarizes queue depth for GET /agents/status: pendingTasks are
// queued but unassigned, activeTasks are assigned to some agent awaiting
// its result.
func (b *Broker) Stats() (pendingTasks, activeTasks int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, pt := range b.pending {
		switch pt.task.Status {
		case model.TaskPending:
			pendingTasks++
		case model.TaskAssigned:
			activeTasks++
		}
	}
	return pendingTasks, activeTasks
}

// AgentActiveTaskCounts reports, per agent id, how many tasks are
// currently assigned to it and awaiting a result.
func (b *Broker) AgentActiveTaskCounts() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := make(map[string]int, len(b.agents))
	for _, pt := range b.pending {
		if pt.task.Status == model.TaskAssigned {
			counts[pt.task.AssignedAgent]++
		}
	}
	return counts
}

// ReapStale removes agents that haven't polled within staleAfter and
// returns any tasks that were still assigned to them to the pending
// pool, so a replacement agent can serve them. Intended to be called
// periodically from a background goroutine (RunReaper).
func (b *Broker) ReapStale() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Now().Add(-staleAfter)
	var removed []string
	for id, agent := range b.agents {
		if agent.LastPing.Before(cutoff) {
			removed = append(removed, id)
			delete(b.agents, id)
			for _, pt := range b.pending {
				if pt.task.Status == model.TaskAssigned && pt.task.AssignedAgent == id {
					pt.task.Status = model.TaskPending
					pt.task.AssignedAgent = ""
				}
			}
		}
	}
	return removed
}

// RunReaper runs ReapStale every interval until ctx is done.
func (b *Broker) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := b.ReapStale(); len(removed) > 0 {
				slog.Info("reaped stale local agents", "count", len(removed), "agent_ids", removed)
			}
		}
	}
}
