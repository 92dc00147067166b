package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadExpandsEnvVarsAndAppliesDefaults(t *testing.T) {
	t.Setenv("SCINTILLA_TEST_API_KEY", "sk-test-123")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
llm:
  provider: anthropic
  model: claude-sonnet-4-5
  api_key: ${SCINTILLA_TEST_API_KEY}
database:
  driver: sqlite3
  source: ${SCINTILLA_TEST_DB:-scintilla.db}
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "sk-test-123", cfg.LLM.APIKey)
	require.Equal(t, "scintilla.db", cfg.Database.Source)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestValidateRejectsMissingAPIKey(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := &Config{LLM: LLMConfig{APIKey: "k"}, Database: DatabaseConfig{Driver: "oracle"}}
	require.Error(t, cfg.Validate())
}
