// Package agentloop implements the Agent Loop (C8): a bounded
// tool-calling conversation with an LLM that assembles a cited final
// response, tying together the Tool Catalog (C4), Tool Executor (C5),
// Context Manager (C6), and Tool-Result Processor (C7).
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/trilogy-group/scintilla-sub000/internal/citation"
	"github.com/trilogy-group/scintilla-sub000/internal/contextmgr"
	"github.com/trilogy-group/scintilla-sub000/internal/conversation"
	"github.com/trilogy-group/scintilla-sub000/internal/executor"
	"github.com/trilogy-group/scintilla-sub000/internal/llm"
	"github.com/trilogy-group/scintilla-sub000/internal/model"
	"github.com/trilogy-group/scintilla-sub000/internal/provenance"
)

// MaxIterations bounds the tool-calling loop; reaching it is not a
// failure, final synthesis runs anyway with a note.
const MaxIterations = 10

// historyWindow is how many prior conversation messages are loaded for
// the current turn.
const historyWindow = 10

// toolResultCharBudget is the per-tool-result character budget passed to
// contextmgr.TruncateToolResult.
const toolResultCharBudget = 4000

var sourcesBlockPattern = regexp.MustCompile(`(?is)<SOURCES>.*?</SOURCES>`)

// SourceResolver is the subset of *store.Store the loop needs to resolve
// selected sources/bots into tool catalogs and effective instructions.
type SourceResolver interface {
	ListSpecificSources(ctx context.Context, userID string, sourceIDs []string) ([]model.Source, error)
	BotSourceIDs(ctx context.Context, botID string) ([]string, error)
	ResolveInstructions(ctx context.Context, sourceID, botID string) (string, error)
	ListTools(ctx context.Context, sourceIDs []string) ([]model.SourceTool, error)
}

// Executor is the subset of *executor.Executor the loop needs.
type Executor interface {
	Execute(ctx context.Context, sourceID, toolName string, args map[string]any) (executor.Result, error)
}

// Loop runs the Agent Loop for one query.
type Loop struct {
	sources SourceResolver
	exec    Executor
	llm     llm.Provider
	convo   conversation.Store
	ctxmgr  *contextmgr.Manager
}

// New creates a Loop.
func New(sources SourceResolver, exec Executor, provider llm.Provider, convo conversation.Store, ctxmgr *contextmgr.Manager) *Loop {
	return &Loop{sources: sources, exec: exec, llm: provider, convo: convo, ctxmgr: ctxmgr}
}

// Request is one user query.
type Request struct {
	UserID         string
	ConversationID string
	Message        string
	Model          string
	SourceIDs      []string
	BotIDs         []string
	MaxTokens      int
}

// EventType names a streamed event kind, matching spec.md §4.8's
// emission contract.
type EventType string

const (
	EventThinking           EventType = "thinking"
	EventToolCall           EventType = "tool_call"
	EventToolResult         EventType = "tool_result"
	EventQueryPreprocessed  EventType = "query_preprocessed"
	EventFinalResponse      EventType = "final_response"
	EventError              EventType = "error"
	toolResultPreviewLength           = 500
)

// Event is one item streamed over the §6 channel during a Run.
type Event struct {
	Type EventType

	Text string // EventThinking text fragment, or EventError message

	ToolName  string         // EventToolCall / EventToolResult
	ToolArgs  map[string]any // EventToolCall
	ToolOK    bool           // EventToolResult
	ToolPrev  string         // EventToolResult: first toolResultPreviewLength chars

	OriginalQuery  string // EventQueryPreprocessed
	RewrittenQuery string // EventQueryPreprocessed

	Final *FinalResponse // EventFinalResponse
}

// FinalResponse is the terminal payload of a successful Run.
type FinalResponse struct {
	Answer                string
	Sources               []model.CitationEntry
	ToolCallCount         int
	EstimatedTokens       int
	OptimizationFired     bool
	IterationLimitReached bool
}

// boundTool is one namespaced tool bound into this turn's toolset.
type boundTool struct {
	sourceID string
	toolName string
	def      llm.ToolDef
}

// Run executes the agent loop for req, streaming events over the
// returned channel. The channel is closed once a terminal event
// (EventFinalResponse or EventError) has been sent.
func (l *Loop) Run(ctx context.Context, req Request) (<-chan Event, error) {
	events := make(chan Event, 8)
	go l.run(ctx, req, events)
	return events, nil
}

func (l *Loop) run(ctx context.Context, req Request, events chan<- Event) {
	defer close(events)

	sourceIDs, err := l.resolveSourceIDs(ctx, req)
	if err != nil {
		events <- Event{Type: EventError, Text: err.Error()}
		return
	}
	if len(sourceIDs) == 0 {
		events <- Event{Type: EventFinalResponse, Final: &FinalResponse{
			Answer: "No sources are configured for this query, so I have no tools to work with. " +
				"Select a source or bot and try again.",
		}}
		return
	}

	tools, instructions, err := l.loadTools(ctx, req, sourceIDs)
	if err != nil {
		events <- Event{Type: EventError, Text: err.Error()}
		return
	}

	history, err := l.loadHistory(ctx, req.ConversationID)
	if err != nil {
		events <- Event{Type: EventError, Text: err.Error()}
		return
	}

	systemPrompt := buildSystemPrompt(tools, instructions)

	userMessage := req.Message
	if rewritten, ok := l.preprocessQuery(ctx, req.Model, instructions, userMessage); ok {
		events <- Event{Type: EventQueryPreprocessed, OriginalQuery: userMessage, RewrittenQuery: rewritten}
		userMessage = rewritten
	}

	messages := append(append([]contextmgr.Message{}, history...), contextmgr.Message{Role: "user", Content: userMessage})

	toolDefs := make([]llm.ToolDef, 0, len(tools))
	for _, t := range tools {
		toolDefs = append(toolDefs, t.def)
	}

	var metadata []model.ToolResultMetadata
	toolCallCount := 0
	optimizationFired := false
	iterationLimitReached := true

	for iter := 0; iter < MaxIterations; iter++ {
		trimmed := l.ctxmgr.Trim(messages, req.Model)
		if len(trimmed) != len(messages) {
			optimizationFired = true
		}
		llmMessages := toLLMMessages(trimmed)

		_, toolCalls, err := l.invokeTurn(ctx, llm.CompletionRequest{
			Model:     req.Model,
			System:    systemPrompt,
			Messages:  llmMessages,
			Tools:     toolDefs,
			MaxTokens: req.MaxTokens,
		}, events)
		if err != nil {
			events <- Event{Type: EventError, Text: err.Error()}
			return
		}

		if len(toolCalls) == 0 {
			iterationLimitReached = false
			break
		}

		for _, call := range toolCalls {
			events <- Event{Type: EventToolCall, ToolName: call.Name, ToolArgs: rawToArgs(call.Input)}

			bound, ok := findBound(tools, call.Name)
			var result executor.Result
			var execErr error
			if !ok {
				result = executor.Result{ToolName: call.Name, Success: false, Error: "unknown tool: " + call.Name}
			} else {
				result, execErr = l.exec.Execute(ctx, bound.sourceID, bound.toolName, rawToArgs(call.Input))
				if execErr != nil {
					events <- Event{Type: EventError, Text: execErr.Error()}
					return
				}
			}
			toolCallCount++

			output := result.Output
			if !result.Success {
				output = result.Error
			}

			sourceType := "tool_result"
			if ok {
				sourceType = classifySourceType(bound.toolName)
			}
			meta := provenance.Extract(sourceType, call.Name, output, rawToArgs(call.Input))
			metadata = append(metadata, meta)

			truncated := contextmgr.TruncateToolResult(output, toolResultCharBudget)

			preview := truncated
			if len(preview) > toolResultPreviewLength {
				preview = preview[:toolResultPreviewLength]
			}
			events <- Event{Type: EventToolResult, ToolName: call.Name, ToolOK: result.Success, ToolPrev: preview}

			messages = append(messages,
				contextmgr.Message{Role: "assistant", Content: fmt.Sprintf("[tool_use %s: %s]", call.ID, call.Name)},
				contextmgr.Message{Role: "tool", Content: truncated},
			)
		}
	}

	final := l.synthesize(ctx, req, systemPrompt, messages, metadata, iterationLimitReached)
	final.ToolCallCount = toolCallCount
	final.OptimizationFired = optimizationFired
	final.EstimatedTokens = contextmgr.EstimateTotal(messages)
	events <- Event{Type: EventFinalResponse, Final: final}
}

func (l *Loop) resolveSourceIDs(ctx context.Context, req Request) ([]string, error) {
	ids := map[string]bool{}
	for _, id := range req.SourceIDs {
		ids[id] = true
	}
	for _, botID := range req.BotIDs {
		botSources, err := l.sources.BotSourceIDs(ctx, botID)
		if err != nil {
			return nil, fmt.Errorf("resolve bot sources for %s: %w", botID, err)
		}
		for _, id := range botSources {
			ids[id] = true
		}
	}
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return out, nil
}

// sourceInstructions pairs a source with the effective instructions
// chosen for it (bot override wins over the source's own instructions).
type sourceInstructions struct {
	source       model.Source
	instructions string
}

func (l *Loop) loadTools(ctx context.Context, req Request, sourceIDs []string) ([]boundTool, []sourceInstructions, error) {
	sources, err := l.sources.ListSpecificSources(ctx, req.UserID, sourceIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("list sources: %w", err)
	}

	instructions := make([]sourceInstructions, 0, len(sources))
	for _, src := range sources {
		resolved := src.Instructions
		for _, botID := range req.BotIDs {
			override, err := l.sources.ResolveInstructions(ctx, src.SourceID, botID)
			if err != nil {
				return nil, nil, fmt.Errorf("resolve instructions for %s: %w", src.SourceID, err)
			}
			if override != "" {
				resolved = override
				break
			}
		}
		instructions = append(instructions, sourceInstructions{source: src, instructions: resolved})
	}

	nameByID := make(map[string]string, len(sources))
	for _, src := range sources {
		nameByID[src.SourceID] = src.Name
	}

	rawTools, err := l.sources.ListTools(ctx, sourceIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("list tools: %w", err)
	}

	var bound []boundTool
	for _, t := range rawTools {
		if !isSearchLike(t.ToolName, t.Description) {
			continue
		}
		schema, err := json.Marshal(t.Schema)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal schema for %s/%s: %w", t.SourceID, t.ToolName, err)
		}
		namespaced := sanitizeSourceName(nameByID[t.SourceID]) + "_" + t.ToolName
		bound = append(bound, boundTool{
			sourceID: t.SourceID,
			toolName: t.ToolName,
			def: llm.ToolDef{
				Name:        namespaced,
				Description: t.Description,
				Schema:      schema,
			},
		})
	}

	return bound, instructions, nil
}

func (l *Loop) loadHistory(ctx context.Context, conversationID string) ([]contextmgr.Message, error) {
	if conversationID == "" {
		return nil, nil
	}
	full, err := l.convo.History(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation history: %w", err)
	}
	if len(full) > historyWindow {
		full = full[len(full)-historyWindow:]
	}
	return full, nil
}

// searchWords and excludeWords implement spec.md §4.8 step 3's
// search-like tool filter.
var searchWords = []string{"search", "get", "list", "find", "read", "fetch", "query", "lookup", "retrieve", "browse", "view", "show", "describe", "info"}
var excludeWords = []string{"delete", "remove", "create", "update", "modify", "write", "post", "put", "patch", "edit", "change", "set", "insert", "add"}

func isSearchLike(name, description string) bool {
	haystack := strings.ToLower(name + " " + description)
	for _, w := range excludeWords {
		if strings.Contains(haystack, w) {
			return false
		}
	}
	for _, w := range searchWords {
		if strings.Contains(haystack, w) {
			return true
		}
	}
	return false
}

// sanitizeSourceName lower-cases name and collapses any run of
// non-alphanumeric characters into a single underscore, matching the
// teacher's id-sanitization convention used elsewhere for derived names.
func sanitizeSourceName(name string) string {
	var sb strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && sb.Len() > 0 {
			sb.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(sb.String(), "_")
}

func findBound(tools []boundTool, namespaced string) (boundTool, bool) {
	for _, t := range tools {
		if t.def.Name == namespaced {
			return t, true
		}
	}
	return boundTool{}, false
}

func buildSystemPrompt(tools []boundTool, instructions []sourceInstructions) string {
	var sb strings.Builder
	sb.WriteString("You are Scintilla, a tool-using research assistant. Use the tools available " +
		"to you to answer the user's question, and cite any claim that relies on a tool result " +
		"with a bracketed reference like [1] once the sources section is provided to you.\n\n")

	if len(tools) > 0 {
		sb.WriteString("Available tools:\n")
		for _, t := range tools {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", t.def.Name, t.def.Description))
		}
		sb.WriteString("\n")
	}

	for _, si := range instructions {
		if si.instructions == "" {
			continue
		}
		sb.WriteString(fmt.Sprintf("Instructions for %s: %s\n", si.source.Name, si.instructions))
	}

	return sb.String()
}

// preprocessQuery implements spec.md §4.8 step 6: if any active source's
// instructions mention "project" or "space", ask the model to silently
// make an implicit filter explicit. The rewrite is abandoned if it
// changes the query's length too drastically, leaving the original
// query untouched.
func (l *Loop) preprocessQuery(ctx context.Context, modelName string, instructions []sourceInstructions, query string) (string, bool) {
	needsRewrite := false
	for _, si := range instructions {
		lower := strings.ToLower(si.instructions)
		if strings.Contains(lower, "project") || strings.Contains(lower, "space") {
			needsRewrite = true
			break
		}
	}
	if !needsRewrite {
		return "", false
	}

	prompt := "Rewrite the user's query to make any mandatory project or space filter implied by " +
		"the source instructions explicit (for example, \"open tickets\" becomes \"open XINETBSE tickets\" " +
		"when the instructions name project XINETBSE). Return only the rewritten query, nothing else.\n\n" +
		"Query: " + query

	rewritten, err := l.invokeNonStreaming(ctx, llm.CompletionRequest{
		Model:    modelName,
		System:   "You rewrite search queries to make implicit filters explicit. Reply with the rewritten query only.",
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", false
	}
	rewritten = strings.TrimSpace(rewritten)

	if len(rewritten) > len(query)*3 || len(rewritten) < 3 {
		return "", false
	}
	return rewritten, true
}

// invokeTurn runs one LLM turn, forwarding text chunks as EventThinking
// and accumulating any tool calls the model requests.
func (l *Loop) invokeTurn(ctx context.Context, req llm.CompletionRequest, events chan<- Event) (string, []llm.ToolCall, error) {
	chunks, err := l.llm.Complete(ctx, &req)
	if err != nil {
		return "", nil, err
	}

	var text strings.Builder
	var toolCalls []llm.ToolCall
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", nil, chunk.Error
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			events <- Event{Type: EventThinking, Text: chunk.Text}
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			break
		}
	}
	return text.String(), toolCalls, nil
}

// invokeNonStreaming drives a provider to completion and returns the
// assembled text, for the single-shot calls (query rewrite, final
// synthesis, validation pass) that don't stream to the caller.
func (l *Loop) invokeNonStreaming(ctx context.Context, req llm.CompletionRequest) (string, error) {
	chunks, err := l.llm.Complete(ctx, &req)
	if err != nil {
		return "", err
	}
	var text strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
		}
		if chunk.Done {
			break
		}
	}
	return text.String(), nil
}

// synthesize implements spec.md §4.8's final-response synthesis: build
// the citation guide, compose the closing prompt, run an optional
// validation pass, and resolve which citations were actually used.
func (l *Loop) synthesize(ctx context.Context, req Request, systemPrompt string, messages []contextmgr.Message, metadata []model.ToolResultMetadata, iterationLimitReached bool) *FinalResponse {
	plan := citation.Plan(metadata)
	guide := citation.FormatForPrompt(plan)

	note := ""
	if iterationLimitReached {
		note = "Note: the tool-calling iteration limit was reached; answer with the information gathered so far.\n\n"
	}

	closing := note + "Using the tool results above, answer the question. " +
		"Cite only specific claims, using [n] matching the numbered list below; " +
		"keep ticket IDs as plain text, not links; the sources section will be appended automatically.\n\n" + guide

	final := append(append([]contextmgr.Message{}, messages...), contextmgr.Message{Role: "user", Content: closing})
	trimmed := l.ctxmgr.Trim(final, req.Model)

	answer, err := l.invokeNonStreaming(ctx, llm.CompletionRequest{
		Model:    req.Model,
		System:   systemPrompt,
		Messages: toLLMMessages(trimmed),
	})
	if err != nil {
		return &FinalResponse{Answer: "I ran into an error producing a final answer: " + err.Error()}
	}
	answer = sourcesBlockPattern.ReplaceAllString(answer, "")

	if len(plan) > 0 {
		if fixed, ok := l.validationPass(ctx, req.Model, systemPrompt, answer); ok {
			answer = fixed
		}
	}

	used := citation.ResolveUsed(answer, plan)
	return &FinalResponse{
		Answer:                strings.TrimSpace(answer),
		Sources:               used,
		IterationLimitReached: iterationLimitReached,
	}
}

// validationPass asks the model to fix broken URLs, missing citations,
// and incorrect citation numbers, accepting the rewrite only if its
// length stays within [0.5x, 2x] of the original (spec.md §4.8 step 5).
func (l *Loop) validationPass(ctx context.Context, modelName, systemPrompt, answer string) (string, bool) {
	prompt := "Review the following answer. Fix any broken URLs, add citations for claims that " +
		"reference a specific tool result but lack one, and correct any citation number that doesn't " +
		"match the numbered source list. Return only the corrected answer text.\n\n" + answer

	fixed, err := l.invokeNonStreaming(ctx, llm.CompletionRequest{
		Model:    modelName,
		System:   systemPrompt,
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", false
	}
	fixed = strings.TrimSpace(fixed)

	ratio := float64(len(fixed)) / float64(maxInt(len(answer), 1))
	if ratio < 0.5 || ratio > 2.0 {
		return "", false
	}
	return fixed, true
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func toLLMMessages(messages []contextmgr.Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func rawToArgs(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil
	}
	return args
}

// classifySourceType derives a lightweight source_type tag from a tool
// name, the same keyword-map idea spec.md §4.7 step 5 describes for C7,
// adapted here as the caller-supplied classification C7's Extract takes
// as a parameter rather than deriving internally.
func classifySourceType(toolName string) string {
	lower := strings.ToLower(toolName)
	switch {
	case strings.Contains(lower, "jira"):
		return "jira"
	case strings.Contains(lower, "github"):
		return "github"
	case strings.Contains(lower, "drive") || strings.Contains(lower, "gdrive"):
		return "gdrive"
	case strings.Contains(lower, "slack"):
		return "slack"
	case strings.Contains(lower, "confluence"):
		return "confluence"
	case strings.Contains(lower, "notion"):
		return "notion"
	case strings.Contains(lower, "sharepoint"):
		return "sharepoint"
	case strings.Contains(lower, "file"):
		return "file"
	case strings.Contains(lower, "web") || strings.Contains(lower, "search"):
		return "web"
	default:
		return "tool_result"
	}
}
