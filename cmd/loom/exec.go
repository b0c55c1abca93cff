package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loomworks/loom/internal/artifact"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/language"
	"github.com/loomworks/loom/internal/runner"
)

// runExec handles the "loom exec <file> [language]" subcommand. It runs
// a single source file through the execution engine and prints the
// result, without starting the server or touching the database. Useful
// for verifying interpreter availability and sandbox behavior.
//
// The language defaults to the file extension; pass it explicitly when
// the extension is ambiguous or missing.
func runExec(ctx context.Context, stdout io.Writer, configPath, outputFmt, filePath, lang string) error {
	// A config file is optional here: exec only needs the execution
	// limits, and the defaults are sensible.
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		if configPath != "" {
			return err
		}
		cfg = config.Default()
	}

	source, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read source file: %w", err)
	}

	if lang == "" {
		lang = strings.TrimPrefix(filepath.Ext(filePath), ".")
		if lang == "" {
			return fmt.Errorf("cannot infer language from %s: pass it explicitly", filePath)
		}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	langs := language.NewTable(cfg.Execution.EnabledLanguages)
	proc := runner.New(runner.Config{
		GracePeriod:    time.Duration(cfg.Execution.GracePeriodSec) * time.Second,
		MaxOutputBytes: cfg.Execution.MaxOutputBytes,
	}, logger)
	eng := engine.New(engine.Config{
		DefaultTimeout: time.Duration(cfg.Execution.DefaultTimeoutSec) * time.Second,
		MaxTimeout:     time.Duration(cfg.Execution.MaxTimeoutSec) * time.Second,
		MaxConcurrent:  int64(cfg.Execution.MaxConcurrent),
	}, langs, proc, nil, logger)

	art := &artifact.Artifact{
		Title:    filepath.Base(filePath),
		Language: lang,
		Content:  string(source),
	}

	result, err := eng.Execute(ctx, art, 0)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Fprint(stdout, result.Output)
	if result.Error != "" {
		fmt.Fprintf(stdout, "error: %s\n", result.Error)
	}
	fmt.Fprintf(stdout, "exit %d (%.2fs)\n", result.ReturnCode, result.ExecutionTime)
	if !result.Success {
		return fmt.Errorf("execution failed")
	}
	return nil
}
