// Package llm defines the provider-agnostic completion interface the
// Agent Loop (C8) drives, and the shared message/tool/chunk types its
// Anthropic and OpenAI adapters translate to and from.
package llm

import (
	"context"
	"encoding/json"
)

// Message is one turn of conversation sent to a provider.
type Message struct {
	Role        string // "user", "assistant", or "tool"
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ToolCall is a model-requested invocation of a named tool.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult is the outcome of executing a ToolCall, fed back to the
// model in a subsequent turn.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// ToolDef is a tool definition offered to the model for this turn.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// CompletionRequest is one turn of the agent loop sent to a provider.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int
}

// CompletionChunk is one piece of a streamed completion.
type CompletionChunk struct {
	Text         string
	ToolCall     *ToolCall
	Done         bool
	Error        error
	InputTokens  int
	OutputTokens int
}

// Provider is a streaming LLM backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}
