// Package main is the entry point for the ORION engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/anthropics/orion/internal/config"
	"github.com/anthropics/orion/internal/ipc"
	"github.com/anthropics/orion/internal/llm"
	"github.com/anthropics/orion/internal/logger"
	"github.com/anthropics/orion/internal/store"
	"github.com/anthropics/orion/internal/tracker"
	"github.com/anthropics/orion/internal/workflow"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to configuration JSON file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *showVersion {
		fmt.Printf("orion %s (commit=%s, built=%s)\n", version, commit, date)
		os.Exit(0)
	}

	// Resolve config path: --config flag > ORION_CONFIG env > auto-discover.
	path := *configPath
	if path == "" {
		path = os.Getenv("ORION_CONFIG")
	}
	if path == "" {
		path = discoverConfig()
	}
	if path == "" {
		fatal("no config found. Place config.json next to the exe, use --config <path>, or set ORION_CONFIG.")
	}

	cfg, err := config.Load(path)
	if err != nil {
		fatal(fmt.Sprintf("load config: %v", err))
	}

	log := logger.New(cfg.LogPath, *debug)
	defer log.Sync()

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		fatal(fmt.Sprintf("open database: %v", err))
	}
	defer db.Close()

	llmClient := llm.NewOpenAIClient(
		cfg.LLM.BaseURL,
		cfg.LLM.APIKey,
		cfg.LLM.Model,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
		cfg.LLM.TimeoutSec,
	)

	var trackerClient tracker.Client
	if cfg.Tracker.Configured() {
		trackerClient = tracker.NewJiraClient(
			cfg.Tracker.ServerURL,
			cfg.Tracker.Email,
			cfg.Tracker.APIToken,
			cfg.Tracker.AllowedProjects,
			cfg.Tracker.MaxIssues,
		)
		log.Info("issue tracker configured", zap.String("server", cfg.Tracker.ServerURL))
	} else {
		log.Info("no issue tracker configured; existing-project workflow disabled")
	}

	engine, err := workflow.NewEngine(db, llmClient, trackerClient, log, cfg.MaxQuestions)
	if err != nil {
		fatal(fmt.Sprintf("wire engine: %v", err))
	}

	handler := &ipc.Handler{
		Engine:    engine,
		ExportDir: cfg.ExportDir,
		Version:   version,
	}

	srv := ipc.NewServer(handler, cfg.ListenAddr)

	// Graceful shutdown on interrupt.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("server shutdown", zap.Error(err))
		}
	}()

	log.Info("orion engine listening", zap.String("addr", cfg.ListenAddr))

	if err := srv.Start(); err != nil && err != http.ErrServerClosed {
		fatal(fmt.Sprintf("server error: %v", err))
	}
}

// discoverConfig looks for config.json next to the executable, then in the cwd.
func discoverConfig() string {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "config.json")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	if _, err := os.Stat("config.json"); err == nil {
		return "config.json"
	}
	return ""
}

func fatal(msg string) {
	fmt.Fprintf(os.Stderr, "ERROR: %s\n", msg)
	os.Exit(1)
}
