package localagent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trilogy-group/scintilla-sub000/internal/model"
)

func TestExecuteDeliversResultPolledByMatchingAgent(t *testing.T) {
	b := New()
	b.Register("agent-1", "Jira Agent", []string{"jira_operations"})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			task, ok := b.Poll("agent-1")
			if ok {
				b.SubmitResult(model.AgentTaskResult{TaskID: task.TaskID, AgentID: "agent-1", Success: true, Result: "42 issues found"})
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	result, err := b.Execute(context.Background(), "jira_search_issues", map[string]any{"q": "open"}, time.Second)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "42 issues found", result.Result)
	wg.Wait()
}

func TestExecuteMatchesViaCapabilityBundlePrefix(t *testing.T) {
	b := New()
	b.Register("agent-1", "Atlassian Agent", []string{"atlassian_integration"})

	go func() {
		for {
			task, ok := b.Poll("agent-1")
			if ok {
				b.SubmitResult(model.AgentTaskResult{TaskID: task.TaskID, Success: true, Result: "ok"})
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	result, err := b.Execute(context.Background(), "jira_create_issue", nil, time.Second)
	require.NoError(t, err)
	require.True(t, result.Success)
}

func TestExecuteFailsFastWithNoCapableAgent(t *testing.T) {
	b := New()
	b.Register("agent-1", "Unrelated Agent", []string{"some_other_capability"})

	_, err := b.Execute(context.Background(), "jira_search_issues", nil, time.Second)
	require.ErrorIs(t, err, ErrNoCapableAgent)
}

func TestExecuteTimesOutWhenNoAgentPolls(t *testing.T) {
	b := New()
	b.Register("agent-1", "Jira Agent", []string{"jira_operations"})

	_, err := b.Execute(context.Background(), "jira_search_issues", nil, 20*time.Millisecond)
	require.Error(t, err)
}

func TestExecuteTimeoutLeavesTaskForLateSubmitResult(t *testing.T) {
	b := New()
	b.Register("agent-1", "Jira Agent", []string{"jira_operations"})

	_, err := b.Execute(context.Background(), "jira_search_issues", nil, 20*time.Millisecond)
	require.Error(t, err)

	// The task must still be sitting in the queue, not dropped, once the
	// caller gives up waiting.
	require.Len(t, b.pending, 1)
	var taskID string
	for id := range b.pending {
		taskID = id
	}

	task, ok := b.Poll("agent-1")
	require.True(t, ok)
	require.Equal(t, taskID, task.TaskID)

	b.SubmitResult(model.AgentTaskResult{TaskID: taskID, AgentID: "agent-1", Success: true, Result: "late result"})

	require.Empty(t, b.pending)
	result, ok := b.Result(taskID)
	require.True(t, ok)
	require.True(t, result.Success)
	require.Equal(t, "late result", result.Result)
}

func TestDiscoverySentinelMatchesAnyAgent(t *testing.T) {
	b := New()
	b.Register("agent-1", "Any Agent", nil)

	go func() {
		for {
			task, ok := b.Poll("agent-1")
			if ok {
				b.SubmitResult(model.AgentTaskResult{TaskID: task.TaskID, Success: true, Result: "[]"})
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	result, err := b.Execute(context.Background(), model.DiscoveryToolName, nil, time.Second)
	require.NoError(t, err)
	require.True(t, result.Success)
}

func TestReapStaleRemovesAgentsPastThresholdAndRequeuesTheirTask(t *testing.T) {
	b := New()
	b.Register("agent-1", "Jira Agent", []string{"jira_operations"})
	b.agents["agent-1"].LastPing = time.Now().Add(-20 * time.Minute)

	taskID := "t1"
	b.pending[taskID] = &pendingTask{
		task:   model.Task{TaskID: taskID, ToolName: "jira_search_issues", Status: model.TaskAssigned, AssignedAgent: "agent-1"},
		result: make(chan model.AgentTaskResult, 1),
	}

	removed := b.ReapStale()
	require.Equal(t, []string{"agent-1"}, removed)
	require.Equal(t, model.TaskPending, b.pending[taskID].task.Status)
	require.Empty(t, b.pending[taskID].task.AssignedAgent)
}

func TestStatsCountsPendingAndActiveTasksSeparately(t *testing.T) {
	b := New()
	b.pending["t-pending"] = &pendingTask{task: model.Task{TaskID: "t-pending", Status: model.TaskPending}, result: make(chan model.AgentTaskResult, 1)}
	b.pending["t-active"] = &pendingTask{task: model.Task{TaskID: "t-active", Status: model.TaskAssigned, AssignedAgent: "agent-1"}, result: make(chan model.AgentTaskResult, 1)}

	pending, active := b.Stats()
	require.Equal(t, 1, pending)
	require.Equal(t, 1, active)
	require.Equal(t, map[string]int{"agent-1": 1}, b.AgentActiveTaskCounts())
}

func TestDeregisterRequeuesAssignedTask(t *testing.T) {
	b := New()
	b.Register("agent-1", "Jira Agent", []string{"jira_operations"})
	taskID := "t1"
	b.pending[taskID] = &pendingTask{
		task:   model.Task{TaskID: taskID, Status: model.TaskAssigned, AssignedAgent: "agent-1"},
		result: make(chan model.AgentTaskResult, 1),
	}

	b.Deregister("agent-1")
	require.Equal(t, model.TaskPending, b.pending[taskID].task.Status)
	require.Len(t, b.Agents(), 0)
}
