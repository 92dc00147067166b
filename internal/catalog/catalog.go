// Package catalog implements the Tool Catalog Service (C4): discovering
// a Source's available tools — over MCP-SSE for remote sources, or via
// the Local-Agent Broker's discovery sentinel for local ones — and
// writing the result back through the Credential & Source Registry so
// the catalog stays consistent with spec.md §5's atomicity invariant.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trilogy-group/scintilla-sub000/internal/localagent"
	"github.com/trilogy-group/scintilla-sub000/internal/mcpclient"
	"github.com/trilogy-group/scintilla-sub000/internal/model"
	"github.com/trilogy-group/scintilla-sub000/internal/store"
)

// discoveryTimeout bounds a single source's refresh; local-agent
// discovery uses the same ceiling as a remote tools/list call so neither
// path can stall a RefreshAll fan-out indefinitely.
const discoveryTimeout = 30 * time.Second

// Store is the subset of store.Store the catalog service depends on.
type Store interface {
	GetSourceAuth(ctx context.Context, sourceID string) (store.SourceAuth, bool, error)
	RefreshTools(ctx context.Context, sourceID string, tools []model.SourceTool) error
	SetCacheStatus(ctx context.Context, sourceID string, status model.CacheStatus, cacheErr string) error
}

// Service refreshes tool catalogs for sources.
type Service struct {
	store Store
	mcp   *mcpclient.Client
	local *localagent.Broker
}

// New creates a catalog Service.
func New(st Store, mcp *mcpclient.Client, local *localagent.Broker) *Service {
	return &Service{store: st, mcp: mcp, local: local}
}

// Refresh discovers sourceID's current tool set and atomically replaces
// its cached catalog. On discovery failure the source is marked
// cache_status=error with the failure message and the error is returned.
// The previously cached tool rows (if any) are left in place, but the
// execution read path (store.ListTools) only returns tools of sources
// whose cache_status is cached, so they stay hidden from the moment the
// refresh starts until a later refresh succeeds.
func (s *Service) Refresh(ctx context.Context, sourceID string) error {
	if err := s.store.SetCacheStatus(ctx, sourceID, model.CacheStatusCaching, ""); err != nil {
		return fmt.Errorf("refresh %s: mark caching: %w", sourceID, err)
	}

	auth, ok, err := s.store.GetSourceAuth(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", sourceID, err)
	}
	if !ok {
		return fmt.Errorf("refresh %s: source not found or inactive", sourceID)
	}

	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	tools, discoverErr := s.discover(ctx, sourceID, auth)
	if discoverErr != nil {
		if err := s.store.SetCacheStatus(ctx, sourceID, model.CacheStatusError, discoverErr.Error()); err != nil {
			slog.Error("failed to record catalog error status", "source_id", sourceID, "error", err)
		}
		return fmt.Errorf("refresh %s: %w", sourceID, discoverErr)
	}

	if err := s.store.RefreshTools(ctx, sourceID, tools); err != nil {
		return fmt.Errorf("refresh %s: persist tools: %w", sourceID, err)
	}
	return nil
}

func (s *Service) discover(ctx context.Context, sourceID string, auth store.SourceAuth) ([]model.SourceTool, error) {
	if model.IsLocalSchemeURL(auth.ServerURL) {
		result, err := s.local.Execute(ctx, model.DiscoveryToolName, nil, discoveryTimeout)
		if err != nil {
			return nil, fmt.Errorf("discover local tools: %w", err)
		}
		if !result.Success {
			return nil, fmt.Errorf("discover local tools: %s", result.Error)
		}
		var raw []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		}
		if err := json.Unmarshal([]byte(result.Result), &raw); err != nil {
			return nil, fmt.Errorf("decode local discovery result: %w", err)
		}
		tools := make([]model.SourceTool, 0, len(raw))
		for _, t := range raw {
			tools = append(tools, model.SourceTool{SourceID: sourceID, ToolName: t.Name, Description: t.Description, Schema: t.InputSchema})
		}
		return tools, nil
	}

	defs, err := s.mcp.ListTools(ctx, auth.ServerURL, auth.AuthHeaders)
	if err != nil {
		return nil, fmt.Errorf("discover remote tools: %w", err)
	}
	tools := make([]model.SourceTool, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, model.SourceTool{SourceID: sourceID, ToolName: d.Name, Description: d.Description, Schema: d.InputSchema})
	}
	return tools, nil
}

// RefreshAll refreshes every given source concurrently, one goroutine per
// source with no limit on how many run at once, and returns each
// source's Refresh error (nil on success) keyed by source id. Every
// refresh runs to completion — one source's discovery failure must not
// prevent the rest of the catalog from updating.
func (s *Service) RefreshAll(ctx context.Context, sourceIDs []string) map[string]error {
	results := make(map[string]error, len(sourceIDs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range sourceIDs {
		g.Go(func() error {
			err := s.Refresh(gctx, id)
			mu.Lock()
			results[id] = err
			mu.Unlock()
			return nil // collect per-source errors in the map; never abort the group
		})
	}
	_ = g.Wait()
	return results
}
