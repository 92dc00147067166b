package contextmgr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEstimateTokensMatchesFixedFormula(t *testing.T) {
	require.Equal(t, 0, EstimateTokens(""))
	require.Equal(t, 1, EstimateTokens("ab"))    // ceil(2/3.5) = 1
	require.Equal(t, 2, EstimateTokens("abcd"))  // ceil(4/3.5) = 2
	require.Equal(t, 29, EstimateTokens(strings.Repeat("x", 100))) // ceil(100/3.5) = 29
}

func TestEstimateMessageTokensIncludesOverhead(t *testing.T) {
	require.Equal(t, 5, EstimateMessageTokens(Message{Content: ""}))
	require.Equal(t, 6, EstimateMessageTokens(Message{Content: "ab"}))
}

func TestContextWindowFallsBackToDefaultForUnknownModel(t *testing.T) {
	require.Equal(t, 200_000, ContextWindow("claude-sonnet-4-5"))
	require.Equal(t, defaultWindow, ContextWindow("some-unreleased-model"))
}

func TestTrimKeepsSystemMessagesAndMostRecentTurns(t *testing.T) {
	mgr := &Manager{ReserveForResponse: 0}
	messages := []Message{
		{Role: "system", Content: "operating instructions"},
	}
	// Build enough history to exceed a tiny synthetic window.
	for i := 0; i < 50; i++ {
		messages = append(messages, Message{Role: "user", Content: strings.Repeat("x", 1000)})
	}
	contextWindows["test-tiny-model"] = 100
	defer delete(contextWindows, "test-tiny-model")

	trimmed := mgr.Trim(messages, "test-tiny-model")
	require.Equal(t, "system", trimmed[0].Role)
	require.Less(t, len(trimmed), len(messages))
	// The kept non-system message(s) must be the most recent ones.
	require.Equal(t, messages[len(messages)-1].Content, trimmed[len(trimmed)-1].Content)
}

func TestTrimIsNoopWhenUnderBudget(t *testing.T) {
	mgr := &Manager{ReserveForResponse: 0}
	messages := []Message{{Role: "user", Content: "hi"}}
	trimmed := mgr.Trim(messages, "claude-sonnet-4-5")
	require.Equal(t, messages, trimmed)
}

func TestTruncateToolResultIsNoopUnderBudget(t *testing.T) {
	require.Equal(t, "short", TruncateToolResult("short", 100))
}

func TestTruncateToolResultKeepsHeadAndTailWithMarker(t *testing.T) {
	result := strings.Repeat("a", 60) + strings.Repeat("b", 60)
	out := TruncateToolResult(result, 40)
	require.Less(t, len(out), len(result))
	require.True(t, strings.HasPrefix(out, strings.Repeat("a", 28)))
	require.True(t, strings.HasSuffix(out, strings.Repeat("b", 12)))
	require.Contains(t, out, "TRUNCATED")
}
