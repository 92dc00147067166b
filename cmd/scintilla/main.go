// Command scintilla runs the federated tool-execution broker: the HTTP
// surface (internal/httpapi) fronting the Agent Loop, the Local-Agent
// Broker, and the Tool Catalog Service.
//
// Usage:
//
//	scintilla serve --config config.yaml
//	scintilla serve --provider anthropic --model claude-sonnet-4-5 --api-key sk-...
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/trilogy-group/scintilla-sub000/internal/agentloop"
	"github.com/trilogy-group/scintilla-sub000/internal/catalog"
	"github.com/trilogy-group/scintilla-sub000/internal/config"
	"github.com/trilogy-group/scintilla-sub000/internal/contextmgr"
	"github.com/trilogy-group/scintilla-sub000/internal/conversation"
	"github.com/trilogy-group/scintilla-sub000/internal/executor"
	"github.com/trilogy-group/scintilla-sub000/internal/httpapi"
	"github.com/trilogy-group/scintilla-sub000/internal/llm"
	"github.com/trilogy-group/scintilla-sub000/internal/localagent"
	"github.com/trilogy-group/scintilla-sub000/internal/logging"
	"github.com/trilogy-group/scintilla-sub000/internal/mcpclient"
	"github.com/trilogy-group/scintilla-sub000/internal/observability"
	"github.com/trilogy-group/scintilla-sub000/internal/store"
)

// reaperInterval is how often the Local-Agent Broker sweeps for stale
// agents, a fraction of its own 15-minute staleness threshold.
const reaperInterval = time.Minute

// responseTokenReserve is the share of a model's context window the
// Context Manager holds back for the final answer, independent of the
// request's own history.
const responseTokenReserve = 2000

// CLI is the root command set.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the HTTP server."`

	Config string `short:"c" help:"Path to config file." type:"path"`
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		version = info.Main.Version
	}
	fmt.Printf("scintilla %s\n", version)
	return nil
}

// ServeCmd starts the HTTP server. Zero-config flags let a caller run
// scintilla against a single provider/key without a config file at all;
// an explicit --config always wins when both are given.
type ServeCmd struct {
	Provider string `help:"LLM provider (anthropic, openai)."`
	Model    string `help:"Default model name."`
	APIKey   string `name:"api-key" help:"LLM API key."`
	Port     int    `help:"HTTP listen port." default:"8080"`

	LogLevel  string `name:"log-level" help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `name:"log-format" help:"Log format (text, json)." default:"text"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}

	cfg, err := c.loadConfig(cli.Config)
	if err != nil {
		return err
	}

	logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	metrics, err := observability.NewManager(cfg.Observability)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer metrics.Shutdown(context.Background())

	pool := store.NewPool()
	st, err := store.Open(pool, store.DSN{Driver: cfg.Database.Driver, Source: cfg.Database.Source})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	mcp := mcpclient.New(&http.Client{Timeout: 30 * time.Second})
	broker := localagent.New()
	go broker.RunReaper(ctx, reaperInterval)

	cat := catalog.New(st, mcp, broker)
	exec := executor.New(st, mcp, broker)

	provider, err := newProvider(cfg.LLM)
	if err != nil {
		return fmt.Errorf("init llm provider: %w", err)
	}

	convo := conversation.NewInMemoryStore()
	ctxmgr := contextmgr.New(responseTokenReserve)
	loop := agentloop.New(st, exec, provider, convo, ctxmgr)

	srv := httpapi.New(loop, broker, cat, st, metrics)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: srv.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}
	}()

	slog.Info("scintilla listening", "port", cfg.Server.Port, "llm_provider", cfg.LLM.Provider)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// loadConfig reads configPath if given, else builds a Config purely
// from ServeCmd's zero-config flags and environment defaults. A
// --config file is expected to already be complete and valid; only its
// port is overridable from the command line, matching the one override
// the teacher's own ServeCmd applies post-load. Zero-config mode has no
// file to be complete, so every flag is folded in before validating.
func (c *ServeCmd) loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if c.Port != 0 && c.Port != 8080 {
			cfg.Server.Port = c.Port
		}
		return cfg, nil
	}

	cfg := &config.Config{}
	c.applyOverrides(cfg)
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("zero-config: %w (pass --api-key or --config)", err)
	}
	return cfg, nil
}

func (c *ServeCmd) applyOverrides(cfg *config.Config) {
	if c.Provider != "" {
		cfg.LLM.Provider = c.Provider
	}
	if c.Model != "" {
		cfg.LLM.Model = c.Model
	}
	if c.APIKey != "" {
		cfg.LLM.APIKey = c.APIKey
	}
	if c.Port != 0 && c.Port != 8080 {
		cfg.Server.Port = c.Port
	}
	if c.LogLevel != "" {
		cfg.Logging.Level = c.LogLevel
	}
	if c.LogFormat != "" {
		cfg.Logging.Format = c.LogFormat
	}
}

func newProvider(cfg config.LLMConfig) (llm.Provider, error) {
	switch cfg.Provider {
	case "openai":
		return llm.NewOpenAIProvider(cfg.APIKey)
	default:
		return llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
		})
	}
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("scintilla"),
		kong.Description("Federated tool-execution broker for LLM agents."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli); err != nil {
		slog.Error("scintilla: fatal error", "error", err)
		os.Exit(1)
	}
}
