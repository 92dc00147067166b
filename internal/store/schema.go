package store

// schemaStatements creates the tables backing the Credential & Source
// Registry (C1), per spec.md §6's persisted-state layout. Primary keys
// are TEXT ids supplied by the caller (the store never generates them),
// so the same DDL works unchanged across SQLite, Postgres, and MySQL.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sources (
		source_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		server_url TEXT NOT NULL,
		auth_headers TEXT NOT NULL DEFAULT '{}',
		instructions TEXT NOT NULL DEFAULT '',
		owner_user_id TEXT,
		owner_bot_id TEXT,
		is_active INTEGER NOT NULL DEFAULT 1,
		is_public INTEGER NOT NULL DEFAULT 0,
		cache_status TEXT NOT NULL DEFAULT 'pending',
		cache_error TEXT,
		cache_last_refreshed_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS source_tools (
		source_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		description TEXT,
		schema TEXT NOT NULL DEFAULT '{}',
		refreshed_at TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (source_id, tool_name)
	)`,
	`CREATE TABLE IF NOT EXISTS bots (
		bot_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		is_public INTEGER NOT NULL DEFAULT 0,
		created_by_admin_id TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS user_bot_access (
		user_id TEXT NOT NULL,
		bot_id TEXT NOT NULL,
		PRIMARY KEY (user_id, bot_id)
	)`,
	`CREATE TABLE IF NOT EXISTS bot_source_associations (
		bot_id TEXT NOT NULL,
		source_id TEXT NOT NULL,
		custom_instructions TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (bot_id, source_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_agent_tokens (
		token_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		token_hash TEXT NOT NULL,
		token_prefix TEXT NOT NULL,
		name TEXT,
		expires_at TEXT,
		is_active INTEGER NOT NULL DEFAULT 1,
		last_used_at TEXT
	)`,
}

// migrate applies the schema, creating tables that do not yet exist. It
// is idempotent and safe to call on every process start.
func (s *Store) migrate() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
