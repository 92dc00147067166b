// Package store implements the Credential & Source Registry (C1): opaque
// lookup of a source's connection details, persistence of Source rows and
// their tool cache status, and persistence of cached SourceTool rows.
//
// Lookups return absent sentinels (ErrNotFound / zero values) rather than
// failing; only storage-level errors propagate, per spec.md §4.1.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/trilogy-group/scintilla-sub000/internal/model"
)

// ErrNotFound is returned by operations that look up a single row that
// does not exist, where the caller needs to distinguish "not found" from
// a storage failure.
var ErrNotFound = errors.New("store: not found")

// Store is the Credential & Source Registry, backed by database/sql.
type Store struct {
	db     *sql.DB
	driver string
}

// Open creates a Store using a pooled connection for dsn, migrating the
// schema if needed.
func Open(pool *Pool, dsn DSN) (*Store, error) {
	db, err := pool.Get(dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, driver: dsn.Driver}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

// q rebinds a query written with "?" placeholders to the target driver's
// native placeholder syntax. database/sql has no placeholder abstraction
// of its own, and lib/pq requires "$1, $2, ..." rather than "?" — every
// query in this file is written against sqlite3/mysql's "?" convention and
// passed through q before execution so the same statement text works
// against all three drivers.
func (s *Store) q(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// SourceAuth is the opaque connection info returned by GetSourceAuth.
type SourceAuth struct {
	ServerURL   string
	AuthHeaders map[string]string
}

// GetSourceAuth resolves a source id to its server URL and auth headers.
// It returns ok=false, not an error, when the source does not exist or is
// inactive — spec.md §4.1.
func (s *Store) GetSourceAuth(ctx context.Context, sourceID string) (SourceAuth, bool, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT server_url, auth_headers FROM sources WHERE source_id = ? AND is_active = 1`), sourceID)

	var serverURL, headersJSON string
	if err := row.Scan(&serverURL, &headersJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SourceAuth{}, false, nil
		}
		return SourceAuth{}, false, fmt.Errorf("get source auth: %w", err)
	}

	headers := map[string]string{}
	if headersJSON != "" {
		if err := json.Unmarshal([]byte(headersJSON), &headers); err != nil {
			return SourceAuth{}, false, fmt.Errorf("decode auth headers for %s: %w", sourceID, err)
		}
	}
	return SourceAuth{ServerURL: serverURL, AuthHeaders: headers}, true, nil
}

// CreateSource inserts a new Source row. Exactly one of OwnerUserID /
// OwnerBotID must be set.
func (s *Store) CreateSource(ctx context.Context, src model.Source) error {
	if (src.OwnerUserID == "") == (src.OwnerBotID == "") {
		return fmt.Errorf("create source %s: exactly one of owner_user_id/owner_bot_id must be set", src.SourceID)
	}
	headersJSON, err := json.Marshal(src.AuthHeaders)
	if err != nil {
		return fmt.Errorf("encode auth headers: %w", err)
	}
	if src.CacheStatus == "" {
		src.CacheStatus = model.CacheStatusPending
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO sources (source_id, name, server_url, auth_headers, instructions,
			owner_user_id, owner_bot_id, is_active, is_public, cache_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`),
		src.SourceID, src.Name, src.ServerURL, string(headersJSON), src.Instructions,
		nullable(src.OwnerUserID), nullable(src.OwnerBotID), boolToInt(src.IsPublic), string(src.CacheStatus))
	if err != nil {
		return fmt.Errorf("create source %s: %w", src.SourceID, err)
	}
	return nil
}

// DeleteSource soft-deletes a source (is_active=false), enforcing that
// only the owner may delete it.
func (s *Store) DeleteSource(ctx context.Context, sourceID, requestingUserID string) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE sources SET is_active = 0 WHERE source_id = ? AND owner_user_id = ?`),
		sourceID, requestingUserID)
	if err != nil {
		return fmt.Errorf("delete source %s: %w", sourceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete source %s: %w", sourceID, err)
	}
	if n == 0 {
		return fmt.Errorf("delete source %s: %w (or not owned by %s)", sourceID, ErrNotFound, requestingUserID)
	}
	return nil
}

// ListSourcesForUser returns sources the user may execute tools against:
// sources they own, sources owned by bots the user has access to
// (botSourceIDs, supplied by the caller since bot access resolution lives
// outside the store), and public sources — filtered to cache_status=cached
// since this is the execution-path read (spec.md §4.1).
func (s *Store) ListSourcesForUser(ctx context.Context, userID string, botSourceIDs []string) ([]model.Source, error) {
	return s.listSources(ctx, userID, botSourceIDs, true)
}

// ListSourcesForManagement is like ListSourcesForUser but also returns
// non-cached sources, for management/UI use rather than execution.
func (s *Store) ListSourcesForManagement(ctx context.Context, userID string, botSourceIDs []string) ([]model.Source, error) {
	return s.listSources(ctx, userID, botSourceIDs, false)
}

func (s *Store) listSources(ctx context.Context, userID string, botSourceIDs []string, cachedOnly bool) ([]model.Source, error) {
	query := `SELECT source_id, name, server_url, auth_headers, instructions, owner_user_id, owner_bot_id,
			is_active, is_public, cache_status, cache_error, cache_last_refreshed_at
		FROM sources WHERE is_active = 1 AND (owner_user_id = ? OR is_public = 1`
	args := []any{userID}
	if len(botSourceIDs) > 0 {
		placeholders, botArgs := inPlaceholders(botSourceIDs)
		query += " OR source_id IN (" + placeholders + ")"
		args = append(args, botArgs...)
	}
	query += ")"
	if cachedOnly {
		query += " AND cache_status = ?"
		args = append(args, string(model.CacheStatusCached))
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list sources for user %s: %w", userID, err)
	}
	defer rows.Close()
	return scanSources(rows)
}

// ListSpecificSources returns the requested source ids the user is
// allowed to access (owned by the user, owned by a bot the user has
// access to through user_bot_access or because the bot is public, or
// public); ids that don't exist or aren't accessible are silently omitted.
func (s *Store) ListSpecificSources(ctx context.Context, userID string, sourceIDs []string) ([]model.Source, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}
	placeholders, idArgs := inPlaceholders(sourceIDs)
	query := `SELECT source_id, name, server_url, auth_headers, instructions, owner_user_id, owner_bot_id,
			is_active, is_public, cache_status, cache_error, cache_last_refreshed_at
		FROM sources WHERE is_active = 1 AND source_id IN (` + placeholders + `) AND (owner_user_id = ? OR is_public = 1
			OR owner_bot_id IN (SELECT bot_id FROM user_bot_access WHERE user_id = ?)
			OR owner_bot_id IN (SELECT bot_id FROM bots WHERE is_public = 1))`
	args := append(idArgs, userID, userID)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list specific sources: %w", err)
	}
	defer rows.Close()
	return scanSources(rows)
}

func scanSources(rows *sql.Rows) ([]model.Source, error) {
	var out []model.Source
	for rows.Next() {
		var src model.Source
		var headersJSON string
		var ownerUser, ownerBot, cacheError, cacheRefreshed sql.NullString
		var isActive, isPublic int
		var cacheStatus string
		if err := rows.Scan(&src.SourceID, &src.Name, &src.ServerURL, &headersJSON, &src.Instructions,
			&ownerUser, &ownerBot, &isActive, &isPublic, &cacheStatus, &cacheError, &cacheRefreshed); err != nil {
			return nil, fmt.Errorf("scan source row: %w", err)
		}
		src.OwnerUserID = ownerUser.String
		src.OwnerBotID = ownerBot.String
		src.IsActive = isActive != 0
		src.IsPublic = isPublic != 0
		src.CacheStatus = model.CacheStatus(cacheStatus)
		src.CacheError = cacheError.String
		src.AuthHeaders = map[string]string{}
		if headersJSON != "" {
			_ = json.Unmarshal([]byte(headersJSON), &src.AuthHeaders)
		}
		if cacheRefreshed.Valid {
			if t, err := time.Parse(time.RFC3339, cacheRefreshed.String); err == nil {
				src.CacheLastRefreshed = t
				src.HasCacheLastRefresh = true
			}
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// SetCacheStatus transitions a source's cache_status, optionally
// recording an error message, and stamps cache_last_refreshed_at when
// transitioning to cached.
func (s *Store) SetCacheStatus(ctx context.Context, sourceID string, status model.CacheStatus, cacheErr string) error {
	if status == model.CacheStatusCached {
		_, err := s.db.ExecContext(ctx,
			s.q(`UPDATE sources SET cache_status = ?, cache_error = NULL, cache_last_refreshed_at = ? WHERE source_id = ?`),
			string(status), time.Now().UTC().Format(time.RFC3339), sourceID)
		if err != nil {
			return fmt.Errorf("set cache status for %s: %w", sourceID, err)
		}
		return nil
	}
	var errVal any
	if cacheErr != "" {
		errVal = cacheErr
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE sources SET cache_status = ?, cache_error = ? WHERE source_id = ?`),
		string(status), errVal, sourceID)
	if err != nil {
		return fmt.Errorf("set cache status for %s: %w", sourceID, err)
	}
	return nil
}

// ClearTools deletes all SourceTool rows for a source, ahead of a fresh
// discovery write. It runs outside any transaction; RefreshTools is the
// method that clears, inserts and marks the source cached in one
// transaction (catalog-atomicity, spec.md §5).
func (s *Store) ClearTools(ctx context.Context, sourceID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM source_tools WHERE source_id = ?`), sourceID)
	if err != nil {
		return fmt.Errorf("clear tools for %s: %w", sourceID, err)
	}
	return nil
}

// UpsertTools inserts the freshly discovered tool set for a source.
func (s *Store) UpsertTools(ctx context.Context, sourceID string, tools []model.SourceTool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	for _, t := range tools {
		schema := t.Schema
		if schema == nil {
			schema = map[string]any{}
		}
		schemaJSON, err := json.Marshal(schema)
		if err != nil {
			return fmt.Errorf("encode schema for tool %s/%s: %w", sourceID, t.ToolName, err)
		}
		_, err = s.db.ExecContext(ctx, s.q(`
			INSERT INTO source_tools (source_id, tool_name, description, schema, refreshed_at, is_active)
			VALUES (?, ?, ?, ?, ?, 1)
			ON CONFLICT (source_id, tool_name) DO UPDATE SET
				description = excluded.description, schema = excluded.schema,
				refreshed_at = excluded.refreshed_at, is_active = 1`),
			sourceID, t.ToolName, t.Description, string(schemaJSON), now)
		if err != nil {
			return fmt.Errorf("upsert tool %s/%s: %w", sourceID, t.ToolName, err)
		}
	}
	return nil
}

// RefreshTools atomically replaces a source's tool catalog: clears the
// existing active rows, inserts the new ones, and marks the source
// cached — all in one transaction, satisfying the catalog-atomicity
// invariant (spec.md §5, §8.1): readers never observe a SourceTool row
// whose refreshed_at predates the source's cache_last_refreshed_at.
func (s *Store) RefreshTools(ctx context.Context, sourceID string, tools []model.SourceTool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tool refresh tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM source_tools WHERE source_id = ?`), sourceID); err != nil {
		return fmt.Errorf("clear tools for %s: %w", sourceID, err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, t := range tools {
		schema := t.Schema
		if schema == nil {
			schema = map[string]any{}
		}
		schemaJSON, err := json.Marshal(schema)
		if err != nil {
			return fmt.Errorf("encode schema for tool %s/%s: %w", sourceID, t.ToolName, err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO source_tools (source_id, tool_name, description, schema, refreshed_at, is_active)
			VALUES (?, ?, ?, ?, ?, 1)`),
			sourceID, t.ToolName, t.Description, string(schemaJSON), now); err != nil {
			return fmt.Errorf("insert tool %s/%s: %w", sourceID, t.ToolName, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		s.q(`UPDATE sources SET cache_status = ?, cache_error = NULL, cache_last_refreshed_at = ? WHERE source_id = ?`),
		string(model.CacheStatusCached), now, sourceID); err != nil {
		return fmt.Errorf("mark source %s cached: %w", sourceID, err)
	}

	return tx.Commit()
}

// ListTools returns active tools for the given source ids, restricted to
// sources that are themselves active and cached — the read path used by
// the Agent Loop (spec.md §4.4).
func (s *Store) ListTools(ctx context.Context, sourceIDs []string) ([]model.SourceTool, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}
	placeholders, args := inPlaceholders(sourceIDs)
	query := `SELECT st.source_id, st.tool_name, st.description, st.schema, st.refreshed_at, st.is_active
		FROM source_tools st JOIN sources s ON s.source_id = st.source_id
		WHERE st.is_active = 1 AND s.is_active = 1 AND s.cache_status = ?
		AND st.source_id IN (` + placeholders + `)`
	args = append([]any{string(model.CacheStatusCached)}, args...)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer rows.Close()

	var out []model.SourceTool
	for rows.Next() {
		var t model.SourceTool
		var schemaJSON, refreshedAt string
		var isActive int
		if err := rows.Scan(&t.SourceID, &t.ToolName, &t.Description, &schemaJSON, &refreshedAt, &isActive); err != nil {
			return nil, fmt.Errorf("scan tool row: %w", err)
		}
		t.IsActive = isActive != 0
		if ts, err := time.Parse(time.RFC3339, refreshedAt); err == nil {
			t.RefreshedAt = ts
		}
		t.Schema = map[string]any{}
		if schemaJSON != "" {
			_ = json.Unmarshal([]byte(schemaJSON), &t.Schema)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ResolveInstructions returns the effective free-text instructions for a
// source when used via a given bot: the bot's custom override if an
// association row exists, else the source's own instructions.
func (s *Store) ResolveInstructions(ctx context.Context, sourceID, botID string) (string, error) {
	if botID != "" {
		var custom string
		err := s.db.QueryRowContext(ctx,
			s.q(`SELECT custom_instructions FROM bot_source_associations WHERE bot_id = ? AND source_id = ?`),
			botID, sourceID).Scan(&custom)
		if err == nil {
			return custom, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("resolve instructions for %s/%s: %w", botID, sourceID, err)
		}
	}
	var instructions string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT instructions FROM sources WHERE source_id = ?`), sourceID).Scan(&instructions)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve instructions for %s: %w", sourceID, err)
	}
	return instructions, nil
}

// BotSourceIDs returns the source ids associated with a bot.
func (s *Store) BotSourceIDs(ctx context.Context, botID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT source_id FROM bot_source_associations WHERE bot_id = ?`), botID)
	if err != nil {
		return nil, fmt.Errorf("bot source ids for %s: %w", botID, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListSourcesByLocalCapability returns active sources whose server_url
// names capability under the local:// or agent:// scheme (spec.md §6:
// "the capability name is the URL's authority/path tail"), for
// POST /agents/refresh-tools to resolve a capability back to the
// source rows whose catalog that capability's discovery result feeds.
func (s *Store) ListSourcesByLocalCapability(ctx context.Context, capability string) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT source_id, name, server_url, auth_headers, instructions, owner_user_id, owner_bot_id,
			is_active, is_public, cache_status, cache_error, cache_last_refreshed_at
		FROM sources WHERE is_active = 1 AND (server_url = ? OR server_url = ?)`),
		"local://"+capability, "agent://"+capability)
	if err != nil {
		return nil, fmt.Errorf("list sources by capability %s: %w", capability, err)
	}
	defer rows.Close()
	return scanSources(rows)
}

// AgentTokenRecord is a persisted user_agent_tokens row, keyed by the
// SHA-256 hash of the opaque bearer secret (never the secret itself).
type AgentTokenRecord struct {
	TokenID   string
	UserID    string
	Name      string
	IsActive  bool
	ExpiresAt time.Time
	HasExpiry bool
}

// CreateAgentToken persists a newly minted agent token's hash and
// metadata. The plaintext secret is never stored; authtoken.Mint
// generates it and hashes it before calling this.
func (s *Store) CreateAgentToken(ctx context.Context, tokenID, userID, tokenHash, tokenPrefix, name string, expiresAt *time.Time) error {
	var expiresVal any
	if expiresAt != nil {
		expiresVal = expiresAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO user_agent_tokens (token_id, user_id, token_hash, token_prefix, name, expires_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?, 1)`),
		tokenID, userID, tokenHash, tokenPrefix, nullable(name), expiresVal)
	if err != nil {
		return fmt.Errorf("create agent token %s: %w", tokenID, err)
	}
	return nil
}

// FindAgentTokenByHash looks up the active, unexpired token matching
// tokenHash. It returns ok=false, not an error, for a hash that doesn't
// match any row, is revoked, or has expired — the same absent-sentinel
// convention as GetSourceAuth.
func (s *Store) FindAgentTokenByHash(ctx context.Context, tokenHash string) (AgentTokenRecord, bool, error) {
	var rec AgentTokenRecord
	var name sql.NullString
	var expiresAt sql.NullString
	var isActive int
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT token_id, user_id, name, is_active, expires_at FROM user_agent_tokens WHERE token_hash = ?`),
		tokenHash).Scan(&rec.TokenID, &rec.UserID, &name, &isActive, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentTokenRecord{}, false, nil
	}
	if err != nil {
		return AgentTokenRecord{}, false, fmt.Errorf("find agent token: %w", err)
	}
	rec.Name = name.String
	rec.IsActive = isActive != 0
	if !rec.IsActive {
		return AgentTokenRecord{}, false, nil
	}
	if expiresAt.Valid {
		t, err := time.Parse(time.RFC3339, expiresAt.String)
		if err == nil {
			rec.ExpiresAt = t
			rec.HasExpiry = true
			if time.Now().UTC().After(t) {
				return AgentTokenRecord{}, false, nil
			}
		}
	}
	return rec, true, nil
}

// TouchAgentToken stamps a token's last_used_at, called after a
// successful validation.
func (s *Store) TouchAgentToken(ctx context.Context, tokenID string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE user_agent_tokens SET last_used_at = ? WHERE token_id = ?`),
		time.Now().UTC().Format(time.RFC3339), tokenID)
	if err != nil {
		return fmt.Errorf("touch agent token %s: %w", tokenID, err)
	}
	return nil
}

func inPlaceholders(vals []string) (string, []any) {
	placeholders := ""
	args := make([]any, len(vals))
	for i, v := range vals {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = v
	}
	return placeholders, args
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
