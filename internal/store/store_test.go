package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trilogy-group/scintilla-sub000/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pool := NewPool()
	t.Cleanup(func() { _ = pool.Close() })
	s, err := Open(pool, DSN{Driver: "sqlite3", Source: "file::memory:?cache=shared"})
	require.NoError(t, err)
	return s
}

func TestCreateAndGetSourceAuth(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	src := model.Source{
		SourceID:    "src-1",
		Name:        "Hive-Jira",
		ServerURL:   "https://example.com/abc/sse",
		AuthHeaders: map[string]string{"Authorization": "Bearer tok"},
		OwnerUserID: "user-1",
	}
	require.NoError(t, s.CreateSource(ctx, src))

	auth, ok, err := s.GetSourceAuth(ctx, "src-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "https://example.com/abc/sse", auth.ServerURL)
	require.Equal(t, "Bearer tok", auth.AuthHeaders["Authorization"])

	_, ok, err = s.GetSourceAuth(ctx, "does-not-exist")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCreateSourceRequiresExactlyOneOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.CreateSource(ctx, model.Source{SourceID: "s", Name: "n", ServerURL: "https://x/sse"})
	require.Error(t, err)

	err = s.CreateSource(ctx, model.Source{
		SourceID: "s", Name: "n", ServerURL: "https://x/sse",
		OwnerUserID: "u", OwnerBotID: "b",
	})
	require.Error(t, err)
}

func TestRefreshToolsIsAtomicAndReplacesPriorSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSource(ctx, model.Source{
		SourceID: "src-2", Name: "Src", ServerURL: "https://x/sse", OwnerUserID: "u",
	}))

	require.NoError(t, s.RefreshTools(ctx, "src-2", []model.SourceTool{
		{ToolName: "search", Description: "search things"},
		{ToolName: "get", Description: "get a thing"},
	}))

	tools, err := s.ListTools(ctx, []string{"src-2"})
	require.NoError(t, err)
	require.Len(t, tools, 2)

	// Second refresh with a different set must fully replace the first.
	require.NoError(t, s.RefreshTools(ctx, "src-2", []model.SourceTool{
		{ToolName: "only_tool", Description: "the only one now"},
	}))
	tools, err = s.ListTools(ctx, []string{"src-2"})
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, "only_tool", tools[0].ToolName)
}

func TestListToolsHidesUncachedSources(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSource(ctx, model.Source{
		SourceID: "src-3", Name: "Src", ServerURL: "https://x/sse", OwnerUserID: "u",
	}))
	// Never refreshed: cache_status stays "pending".
	tools, err := s.ListTools(ctx, []string{"src-3"})
	require.NoError(t, err)
	require.Empty(t, tools)
}

func TestResolveInstructionsBotOverrideWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSource(ctx, model.Source{
		SourceID: "src-4", Name: "Src", ServerURL: "https://x/sse", OwnerUserID: "u",
		Instructions: "default instructions",
	}))

	instr, err := s.ResolveInstructions(ctx, "src-4", "")
	require.NoError(t, err)
	require.Equal(t, "default instructions", instr)

	_, err = s.db.ExecContext(ctx, `INSERT INTO bots (bot_id, name) VALUES (?, ?)`, "bot-1", "Bot")
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO bot_source_associations (bot_id, source_id, custom_instructions) VALUES (?, ?, ?)`,
		"bot-1", "src-4", "overridden for this bot")
	require.NoError(t, err)

	instr, err = s.ResolveInstructions(ctx, "src-4", "bot-1")
	require.NoError(t, err)
	require.Equal(t, "overridden for this bot", instr)
}

func TestDeleteSourceRequiresOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSource(ctx, model.Source{
		SourceID: "src-5", Name: "Src", ServerURL: "https://x/sse", OwnerUserID: "owner",
	}))

	err := s.DeleteSource(ctx, "src-5", "not-the-owner")
	require.Error(t, err)

	require.NoError(t, s.DeleteSource(ctx, "src-5", "owner"))

	_, ok, err := s.GetSourceAuth(ctx, "src-5")
	require.NoError(t, err)
	require.False(t, ok)
}
