package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loomworks/loom/internal/api"
	"github.com/loomworks/loom/internal/artifact"
	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/buildinfo"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/history"
	"github.com/loomworks/loom/internal/language"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/runner"
	"github.com/loomworks/loom/internal/session"
	"github.com/loomworks/loom/internal/subagent"
	"github.com/loomworks/loom/internal/telemetry"
	"github.com/loomworks/loom/internal/tools"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// maxConversationContext bounds how many prior messages are loaded into
// the model context per session.
const maxConversationContext = 200

// runServe handles the "loom serve" subcommand. It is the primary
// operating mode: loads config, opens the database, builds the
// execution engine and session orchestrator, starts the API server,
// and blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The MQTT publisher announces offline and disconnects
//  3. The HTTP server drains in-flight requests
//  4. The database connection is closed via defer
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Loom", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that we know the desired level. The initial
	// Info-level logger is used only for the startup banner and config
	// load message.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model_provider", cfg.Model.Provider,
		"languages", cfg.Execution.EnabledLanguages,
	)

	// --- Data directory ---
	// All persistent state (conversations, artifacts, execution history,
	// subagent runs) lives in one SQLite database under this directory.
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	dbPath := cfg.DataDir + "/loom.db"
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbPath, err)
	}
	defer db.Close()

	artifacts, err := artifact.NewSQLiteStore(db)
	if err != nil {
		return fmt.Errorf("create artifact store: %w", err)
	}
	hist, err := history.NewStore(db, maxConversationContext)
	if err != nil {
		return fmt.Errorf("create history store: %w", err)
	}
	runs, err := subagent.NewRunStore(db)
	if err != nil {
		return fmt.Errorf("create subagent run store: %w", err)
	}
	logger.Info("database opened", "path", dbPath)

	// --- Operational event bus ---
	// Process-wide, lossy broadcast of session and execution lifecycle
	// events. Feeds the WebSocket ops endpoint and the MQTT publisher.
	ops := events.New()

	// --- Execution engine ---
	defaultTimeout := time.Duration(cfg.Execution.DefaultTimeoutSec) * time.Second
	maxTimeout := time.Duration(cfg.Execution.MaxTimeoutSec) * time.Second

	langs := language.NewTable(cfg.Execution.EnabledLanguages)
	proc := runner.New(runner.Config{
		GracePeriod:    time.Duration(cfg.Execution.GracePeriodSec) * time.Second,
		MaxOutputBytes: cfg.Execution.MaxOutputBytes,
	}, logger)
	eng := engine.New(engine.Config{
		DefaultTimeout: defaultTimeout,
		MaxTimeout:     maxTimeout,
		MaxConcurrent:  int64(cfg.Execution.MaxConcurrent),
	}, langs, proc, ops, logger)
	logger.Info("execution engine initialized",
		"languages", langs.Names(),
		"default_timeout", defaultTimeout,
		"max_concurrent", cfg.Execution.MaxConcurrent,
	)

	// --- Tool dispatcher and model client ---
	dispatcher := tools.NewDispatcher(artifacts, eng, defaultTimeout, logger)

	var client model.Client
	if cfg.Model.Provider == "ollama" {
		oc := model.NewOllama(cfg.Model.BaseURL, cfg.Model.Name, logger)
		oc.SetTools(dispatcher.Registry().List())
		client = oc
		logger.Info("model provider: ollama", "base_url", cfg.Model.BaseURL, "model", cfg.Model.Name)
	} else {
		client = model.NewScripted("scripted", demoScript)
		logger.Info("model provider: scripted")
	}

	// --- Session orchestrator ---
	opts := []session.Option{
		session.WithTools(dispatcher),
		session.WithRecorder(hist),
		session.WithArtifacts(artifacts),
		session.WithOps(ops),
		session.WithLogger(logger),
	}
	if cfg.Subagents.Enabled {
		coord := subagent.New(client, runs, ops, logger)
		opts = append(opts, session.WithSubagents(coord))
		logger.Info("subagents enabled", "profiles", coord.ProfileNames())
	} else {
		logger.Info("subagents disabled")
	}
	orch := session.New(client, opts...)

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, orch, logger)
	server.SetArtifactStore(artifacts)
	server.SetHistoryStore(hist)
	server.SetEngine(eng)
	server.SetOpsBus(ops)
	server.SetTimeouts(defaultTimeout, maxTimeout)

	mw := auth.NewMiddleware(cfg.Auth.TokenBcrypt)
	server.SetAuth(mw.Wrap)
	if mw.Enabled() {
		logger.Info("bearer token auth enabled")
	} else {
		logger.Warn("auth disabled (no token configured)")
	}

	// --- MQTT telemetry ---
	// Optional: publishes availability and periodic state updates so the
	// process shows up on an MQTT broker as a monitorable device.
	var pub *telemetry.Publisher
	if cfg.MQTT.Enabled {
		stats := &telemetryStats{model: modelName(cfg)}
		pub = telemetry.New(cfg.MQTT, stats, ops, logger)
		go func() {
			if err := pub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled")
	}

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Publish MQTT offline status before disconnecting.
		if pub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := pub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		_ = server.Shutdown(context.Background())
	}()

	// Start the API server. This blocks until the server is shut down
	// (via context cancellation or fatal error).
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Loom stopped")
	return nil
}

// demoScript is the response replayed by the scripted provider. It
// includes a fenced code block so artifact extraction has something to
// pick up on every turn.
var demoScript = []model.Step{
	{
		Thinking: "The user wants a runnable example.",
		Text:     "Here is a small Python program:\n\n```python\nprint(\"hello from loom\")\n```\n\nExecute it from the artifacts panel to see its output.",
	},
}

// modelName returns the identifier published to telemetry.
func modelName(cfg *config.Config) string {
	if cfg.Model.Provider == "ollama" && cfg.Model.Name != "" {
		return cfg.Model.Name
	}
	return "scripted"
}

// telemetryStats bridges build info to [telemetry.StatsSource].
type telemetryStats struct {
	model string
}

func (t *telemetryStats) Uptime() time.Duration { return buildinfo.Uptime() }
func (t *telemetryStats) Version() string       { return buildinfo.Version }
func (t *telemetryStats) ModelName() string     { return t.model }
