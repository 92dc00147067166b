// Package mcpclient speaks MCP JSON-RPC 2.0 (initialize, tools/list,
// tools/call) over a Server-Sent-Events transport, normalizing the two
// authentication styles MCP servers expose: an x-api-key query
// parameter, or explicit auth_headers. Grounded in the teacher's
// pkg/tools/mcp.go request/response handling, adapted to the SSE-specific
// framing and retry policy spec.md §4.2 requires.
package mcpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrToolError marks a structured MCP error response from the server
// (not a transport failure); per spec.md §4.2 these are never retried.
var ErrToolError = errors.New("mcp: server returned an error response")

// ToolDef is a tool definition as returned by tools/list.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// CallResult is the normalized outcome of tools/call.
type CallResult struct {
	OK     bool
	Result string
	Error  string
}

type jsonrpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

// Client talks MCP-over-SSE to one server URL for the duration of a call;
// it holds no cross-request state beyond the *http.Client it's given.
type Client struct {
	httpClient *http.Client
}

// New creates a Client. httpClient may be nil to use a new zero-value
// http.Client (default transport, no client-level timeout).
func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{httpClient: httpClient}
}

// NormalizeAuth applies the auth normalization spec.md §4.2 requires:
// if serverURL carries an x-api-key query parameter, it is promoted to a
// header and stripped from the URL; otherwise the caller's headers are
// used verbatim. Either way the resulting URL's path is made to end in
// "/sse". Exactly one of the two header sources is ever present on the
// outbound request (spec.md §8.6).
func NormalizeAuth(serverURL string, headers map[string]string) (string, map[string]string, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return "", nil, fmt.Errorf("parse server url: %w", err)
	}

	out := map[string]string{}
	q := parsed.Query()
	if apiKey := q.Get("x-api-key"); apiKey != "" {
		q.Del("x-api-key")
		parsed.RawQuery = q.Encode()
		out["x-api-key"] = apiKey
	} else {
		for k, v := range headers {
			out[k] = v
		}
	}

	if !strings.HasSuffix(parsed.Path, "/sse") {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/sse"
	}

	return parsed.String(), out, nil
}

// TestConnectionResult is returned by TestConnection.
type TestConnectionResult struct {
	OK        bool
	ToolCount int
	ElapsedMS int64
	Tools     []ToolDef // capped at 10
	Error     string
}

// TestConnection opens an SSE session, initializes, lists tools, and
// returns a capped preview. Default timeout 15s, no retries (spec.md §4.2,
// §5 timeout table).
func (c *Client) TestConnection(ctx context.Context, serverURL string, headers map[string]string) TestConnectionResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	tools, err := c.listToolsOnce(ctx, serverURL, headers)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return TestConnectionResult{OK: false, ElapsedMS: elapsed, Error: err.Error()}
	}
	preview := tools
	if len(preview) > 10 {
		preview = preview[:10]
	}
	return TestConnectionResult{OK: true, ToolCount: len(tools), ElapsedMS: elapsed, Tools: preview}
}

// ListTools performs tools/list with a 30s timeout and no retries.
func (c *Client) ListTools(ctx context.Context, serverURL string, headers map[string]string) ([]ToolDef, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return c.listToolsOnce(ctx, serverURL, headers)
}

func (c *Client) listToolsOnce(ctx context.Context, serverURL string, headers map[string]string) ([]ToolDef, error) {
	// initialize is best-effort: some servers require it, others ignore
	// tools/list without it failing either way, matching the teacher's
	// discoverToolsFromServer behavior of treating init errors as non-fatal.
	if _, err := c.request(ctx, serverURL, headers, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "scintilla", "version": "1.0.0"},
	}); err != nil {
		slog.Debug("mcp initialize failed (non-fatal)", "url", serverURL, "error", err)
	}

	resp, err := c.request(ctx, serverURL, headers, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrToolError, resp.Error.Message)
	}

	var parsed struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &parsed); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}

	tools := make([]ToolDef, 0, len(parsed.Tools))
	for _, t := range parsed.Tools {
		tools = append(tools, ToolDef{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return tools, nil
}

// CallTool performs tools/call with a 60s timeout, retrying transport
// failures and timeouts up to 3 attempts with backoff min(attempt*0.5s,
// 2s); MCP protocol error responses are surfaced immediately, never
// retried (spec.md §4.2, §7).
func (c *Client) CallTool(ctx context.Context, serverURL string, headers map[string]string, toolName string, args map[string]any) (CallResult, error) {
	const maxRetries = 3
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		resp, err := c.request(callCtx, serverURL, headers, "tools/call", map[string]any{
			"name":      toolName,
			"arguments": args,
		})
		cancel()

		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return CallResult{}, fmt.Errorf("call tool %s: %w", toolName, ctx.Err())
			}
			if attempt < maxRetries {
				backoff := time.Duration(attempt) * 500 * time.Millisecond
				if backoff > 2*time.Second {
					backoff = 2 * time.Second
				}
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return CallResult{}, fmt.Errorf("call tool %s: %w", toolName, ctx.Err())
				}
				continue
			}
			return CallResult{}, fmt.Errorf("call tool %s after %d attempts: %w", toolName, attempt, lastErr)
		}

		if resp.Error != nil {
			// Structured MCP error: not retried.
			return CallResult{OK: false, Error: resp.Error.Message}, nil
		}

		text := extractText(resp.Result)
		return CallResult{OK: true, Result: text}, nil
	}

	return CallResult{}, fmt.Errorf("call tool %s: %w", toolName, lastErr)
}

// extractText concatenates all text-typed content parts from an MCP
// tools/call response into one string; non-text parts are stringified
// (spec.md §6).
func extractText(raw json.RawMessage) string {
	var result struct {
		Content []json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || len(result.Content) == 0 {
		return string(raw)
	}

	var sb strings.Builder
	for i, part := range result.Content {
		var typed struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(part, &typed); err == nil && typed.Type == "text" {
			sb.WriteString(typed.Text)
		} else {
			sb.WriteString(string(part))
		}
		if i < len(result.Content)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func (c *Client) request(ctx context.Context, serverURL string, headers map[string]string, method string, params any) (*jsonrpcResponse, error) {
	normalizedURL, normalizedHeaders, err := NormalizeAuth(serverURL, headers)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(jsonrpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, normalizedURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range normalizedHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request to %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("http %d from %s: %s", resp.StatusCode, method, string(b))
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/event-stream") {
		return readSSEResponse(resp.Body)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	var out jsonrpcResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode json response: %w", err)
	}
	return &out, nil
}

// readSSEResponse reads an SSE body until the first complete "data:"
// event and decodes it as a JSON-RPC response, using bufio.Reader.ReadBytes
// rather than bufio.Scanner so a large tool result isn't truncated by
// Scanner's default 64KB line limit.
func readSSEResponse(body io.Reader) (*jsonrpcResponse, error) {
	reader := bufio.NewReader(body)
	var data strings.Builder

	for {
		line, err := reader.ReadBytes('\n')
		trimmed := strings.TrimSpace(string(line))

		if trimmed == "" && data.Len() > 0 {
			var out jsonrpcResponse
			if decodeErr := json.Unmarshal([]byte(data.String()), &out); decodeErr == nil {
				return &out, nil
			}
			data.Reset()
		} else if strings.HasPrefix(trimmed, "data:") {
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(trimmed, "data:")))
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read sse stream: %w", err)
		}
	}

	if data.Len() > 0 {
		var out jsonrpcResponse
		if err := json.Unmarshal([]byte(data.String()), &out); err == nil {
			return &out, nil
		}
	}

	return nil, errors.New("sse stream ended without a complete message")
}
