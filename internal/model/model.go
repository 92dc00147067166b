// Package model defines the data types shared across the broker's
// subsystems: sources, cached tools, local agents, queued tasks, and the
// provenance metadata extracted from tool output.
package model

import "time"

// CacheStatus is the lifecycle state of a Source's tool cache.
type CacheStatus string

const (
	CacheStatusPending CacheStatus = "pending"
	CacheStatusCaching CacheStatus = "caching"
	CacheStatusCached  CacheStatus = "cached"
	CacheStatusError   CacheStatus = "error"
)

// Source is a configured MCP server, owned by exactly one user or bot.
type Source struct {
	SourceID            string
	Name                string
	ServerURL           string
	AuthHeaders         map[string]string
	Instructions        string
	OwnerUserID         string // empty if bot-owned
	OwnerBotID          string // empty if user-owned
	IsActive            bool
	IsPublic            bool
	CacheStatus         CacheStatus
	CacheError          string
	CacheLastRefreshed  time.Time
	HasCacheLastRefresh bool
}

// IsLocal reports whether the source's server URL uses one of the
// local-agent schemes rather than remote SSE.
func (s *Source) IsLocal() bool {
	return IsLocalSchemeURL(s.ServerURL)
}

// IsLocalSchemeURL reports whether a server URL uses a local-agent scheme
// (local://, stdio://, agent://) as opposed to a remote https:// SSE URL.
func IsLocalSchemeURL(serverURL string) bool {
	for _, scheme := range []string{"local://", "stdio://", "agent://"} {
		if len(serverURL) >= len(scheme) && serverURL[:len(scheme)] == scheme {
			return true
		}
	}
	return false
}

// SourceTool is a cached tool definition belonging to one Source.
type SourceTool struct {
	SourceID    string
	ToolName    string
	Description string
	Schema      map[string]any
	RefreshedAt time.Time
	IsActive    bool
}

// Bot is a named bundle of sources with per-association instruction
// overrides, selectable in a query alongside or instead of explicit
// sources.
type Bot struct {
	BotID            string
	Name             string
	Description      string
	IsPublic         bool
	CreatedByAdminID string
	SourceIDs        []string
}

// BotSourceAssociation links a bot to one of its sources, optionally
// overriding that source's free-text instructions for this bot only.
type BotSourceAssociation struct {
	BotID              string
	SourceID           string
	CustomInstructions string
}

// Agent is a registered local proxy process. Agent state lives only in
// the broker's in-memory Local-Agent Broker (C3); it is never persisted.
type Agent struct {
	AgentID      string
	Name         string
	Capabilities []string
	LastPing     time.Time
}

// HasCapability reports whether the agent declares the given capability.
func (a *Agent) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// TaskStatus is the assignment state of a queued Task.
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskAssigned TaskStatus = "assigned"
	TaskDone     TaskStatus = "done"
)

// DiscoveryToolName is the sentinel tool name used to elicit an agent's
// current tool catalog.
const DiscoveryToolName = "__discovery__"

// Task is one unit of work enqueued for a local agent.
type Task struct {
	TaskID         string
	ToolName       string
	Arguments      map[string]any
	TimeoutSeconds int
	CreatedAt      time.Time
	Status         TaskStatus
	AssignedAgent  string // set once Status == TaskAssigned
}

// AgentTaskResult is the outcome a local agent reports back for a Task.
type AgentTaskResult struct {
	TaskID          string
	AgentID         string
	Success         bool
	Result          string
	Error           string
	ExecutionTimeMS int64
}

// ToolResultMetadata is the provenance the Tool-Result Processor (C7)
// extracts from one tool invocation.
type ToolResultMetadata struct {
	URLs        []string
	Titles      []string
	Identifiers map[string]string
	SourceType  string
	Snippet     string
	RawResult   string
}

// Empty reports whether no usable provenance was extracted.
func (m *ToolResultMetadata) Empty() bool {
	return len(m.URLs) == 0 && len(m.Titles) == 0 && len(m.Identifiers) == 0
}

// CitationEntry is one numbered entry in the citation plan handed to the
// LLM during final-response synthesis, and echoed back as a structured
// source when cited. Index is the "[n]" number the model writes back and
// is purely an internal lookup key for ResolveUsed — it isn't part of the
// wire shape a cited source is reported in (spec.md §6's
// final_response.sources: {title,url,source_type,snippet,metadata}), so
// it's excluded from JSON entirely rather than renumbered client-side.
type CitationEntry struct {
	Index       int               `json:"-"`
	Title       string            `json:"title"`
	URL         string            `json:"url"`
	Identifiers map[string]string `json:"metadata,omitempty"`
	SourceType  string            `json:"source_type"`
	Snippet     string            `json:"snippet"`
}
