package mcpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeAuthPromotesAPIKeyQueryParam(t *testing.T) {
	url, headers, err := NormalizeAuth("https://example.com/mcp?x-api-key=secret", nil)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/mcp/sse", url)
	require.Equal(t, "secret", headers["x-api-key"])
}

func TestNormalizeAuthUsesProvidedHeadersWhenNoAPIKeyParam(t *testing.T) {
	url, headers, err := NormalizeAuth("https://example.com/mcp/sse", map[string]string{"Authorization": "Bearer tok"})
	require.NoError(t, err)
	require.Equal(t, "https://example.com/mcp/sse", url)
	require.Equal(t, "Bearer tok", headers["Authorization"])
	require.Empty(t, headers["x-api-key"])
}

func jsonRPCServer(t *testing.T, handle func(method string) any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result := handle(req.Method)
		resultJSON, err := json.Marshal(result)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Result: resultJSON})
	}))
}

func TestListToolsParsesToolDefinitions(t *testing.T) {
	srv := jsonRPCServer(t, func(method string) any {
		switch method {
		case "tools/list":
			return map[string]any{
				"tools": []map[string]any{
					{"name": "search", "description": "search things", "inputSchema": map[string]any{"type": "object"}},
				},
			}
		default:
			return map[string]any{}
		}
	})
	defer srv.Close()

	c := New(nil)
	tools, err := c.ListTools(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, "search", tools[0].Name)
}

func TestCallToolConcatenatesTextContent(t *testing.T) {
	srv := jsonRPCServer(t, func(method string) any {
		return map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "line one"},
				{"type": "text", "text": "line two"},
			},
		}
	})
	defer srv.Close()

	c := New(nil)
	result, err := c.CallTool(context.Background(), srv.URL, nil, "search", map[string]any{"q": "x"})
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Equal(t, "line one\nline two", result.Result)
}

func TestCallToolSurfacesStructuredErrorWithoutRetry(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		var req jsonrpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jsonrpcResponse{
			JSONRPC: "2.0", ID: req.ID,
			Error: &jsonrpcError{Code: -32000, Message: "tool failed validating arguments"},
		})
	}))
	defer srv.Close()

	c := New(nil)
	result, err := c.CallTool(context.Background(), srv.URL, nil, "search", nil)
	require.NoError(t, err)
	require.False(t, result.OK)
	require.Contains(t, result.Error, "validating arguments")
	require.Equal(t, 1, attempts, "structured MCP errors must not be retried")
}
