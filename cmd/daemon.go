package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tamias-dev/tamias/internal/agents"
	"github.com/tamias-dev/tamias/internal/bootstrap"
	"github.com/tamias-dev/tamias/internal/bridges"
	"github.com/tamias-dev/tamias/internal/config"
	"github.com/tamias-dev/tamias/internal/cron"
	"github.com/tamias-dev/tamias/internal/daemon"
	"github.com/tamias-dev/tamias/internal/events"
	"github.com/tamias-dev/tamias/internal/heartbeat"
	"github.com/tamias-dev/tamias/internal/logging"
	"github.com/tamias-dev/tamias/internal/mcp"
	"github.com/tamias-dev/tamias/internal/prompt"
	"github.com/tamias-dev/tamias/internal/providers"
	"github.com/tamias-dev/tamias/internal/runner"
	"github.com/tamias-dev/tamias/internal/sessions"
	"github.com/tamias-dev/tamias/internal/skills"
	"github.com/tamias-dev/tamias/internal/store"
	"github.com/tamias-dev/tamias/internal/telemetry"
	"github.com/tamias-dev/tamias/internal/tools"
)

// daemonizedEnv marks a process spawned by "tamias start --daemon". The child
// skips the terminal bridge and logs to file only.
const daemonizedEnv = "TAMIAS_DAEMONIZED"

// runDaemon wires every subsystem and blocks until shutdown. Exit codes:
// 0 normal, 1 unrecoverable startup error, 2 port bind failure, 3 invalid
// configuration.
func runDaemon() int {
	paths := config.DefaultPaths()
	if err := paths.EnsureLayout(); err != nil {
		fmt.Fprintf(os.Stderr, "tamias: prepare %s: %v\n", paths.Root, err)
		return 1
	}

	cfg, err := config.Load(paths)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tamias: %v\n", err)
		if errors.Is(err, config.ErrInvalid) {
			return 3
		}
		return 1
	}

	daemonized := os.Getenv(daemonizedEnv) != ""
	debug := verbose || cfg.Debug

	var logOut io.Writer = io.MultiWriter(os.Stdout, logging.NewDailyWriter(paths.DaemonLog()))
	if daemonized {
		// Detached: stdout leads nowhere useful.
		logOut = logging.NewDailyWriter(paths.DaemonLog())
	}
	logging.Setup(logOut, debug)

	// First run: seed editable persona templates. Never overwrites.
	if created, err := bootstrap.EnsureMemoryFiles(paths.MemoryDir()); err != nil {
		slog.Warn("memory template seeding failed", "error", err)
	} else if len(created) > 0 {
		slog.Info("seeded memory templates", "files", created)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	// Tracing is a no-op unless an OTLP endpoint is configured.
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
	} else {
		defer func() {
			flushCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := shutdownTelemetry(flushCtx); err != nil {
				slog.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	// The AI call log and session mirror live in SQLite (or Postgres when a
	// DSN is set). The daemon runs degraded without them.
	aiLog, err := store.Open(cfg, paths)
	if err != nil {
		slog.Warn("ai-log store unavailable", "error", err)
		aiLog = nil
	} else {
		defer aiLog.Close()
	}

	// Core state: the session store and the event dispatcher everything else
	// publishes through.
	dispatcher := events.NewDispatcher()
	sessStore := sessions.NewStore(cfg, paths, dispatcher)
	sessStore.LoadAll()

	registry := agents.NewRegistry(paths.AgentsFile())
	if err := registry.Load(); err != nil {
		slog.Warn("agents.json not loaded", "error", err)
	}
	go func() {
		if err := registry.Watch(ctx); err != nil {
			slog.Warn("agents.json watcher stopped", "error", err)
		}
	}()

	providerReg := providers.FromConfig(cfg)

	skillsLoader := skills.NewLoader(paths.SkillsDir())
	if err := skillsLoader.Load(); err != nil {
		slog.Warn("skills not loaded", "error", err)
	}
	go func() {
		if err := skillsLoader.Watch(ctx); err != nil {
			slog.Warn("skills watcher stopped", "error", err)
		}
	}()

	composer := prompt.NewComposer(paths, skillsLoader, Version)

	// Tools: internal categories are always registered; per-session activation
	// is decided from config and agent policy at turn time.
	toolsReg := tools.NewRegistry()
	orchestrator := agents.NewOrchestrator(cfg, paths, sessStore, registry)
	cronSched := cron.NewScheduler(paths, sessStore)
	if err := cronSched.Load(); err != nil {
		slog.Warn("cron jobs not loaded", "error", err)
	}
	registerInternalTools(toolsReg, cfg, paths, sessStore, dispatcher, providerReg, orchestrator, cronSched)

	mcpMgr := mcp.NewManager(toolsReg, cfg.McpServers)
	if len(cfg.McpServers) > 0 {
		if err := mcpMgr.Start(ctx); err != nil {
			slog.Warn("mcp startup errors", "error", err)
		}
		defer mcpMgr.Stop()
	}

	r := runner.New(runner.Options{
		Config:       cfg,
		Paths:        paths,
		Store:        sessStore,
		Providers:    providerReg,
		Tools:        toolsReg,
		Orchestrator: orchestrator,
		Composer:     composer,
		AILog:        aiLog,
	})
	sessStore.SetWake(r.Process)

	// Bridges. Terminal only in the foreground; closing it stops the daemon.
	gw := bridges.NewGateway(sessStore, registry, paths)
	mgr := bridges.NewManager()
	if cfg.Bridges.Terminal.Enabled && !daemonized {
		mgr.Add(bridges.NewTerminal(gw, debug, cancel))
	}
	for key, bc := range cfg.Bridges.Discords {
		if !bc.Enabled {
			continue
		}
		b, err := bridges.NewDiscord(key, bc, gw)
		if err != nil {
			slog.Error("discord bridge init failed", "bridge", key, "error", err)
			continue
		}
		mgr.Add(b)
	}
	for key, bc := range cfg.Bridges.Telegrams {
		if !bc.Enabled {
			continue
		}
		b, err := bridges.NewTelegram(key, bc, gw, Version)
		if err != nil {
			slog.Error("telegram bridge init failed", "bridge", key, "error", err)
			continue
		}
		mgr.Add(b)
	}
	for key, bc := range cfg.Bridges.Whatsapps {
		if !bc.Enabled {
			continue
		}
		b, err := bridges.NewWhatsApp(key, bc, gw)
		if err != nil {
			slog.Error("whatsapp bridge init failed", "bridge", key, "error", err)
			continue
		}
		mgr.Add(b)
	}

	daemonSrv := daemon.New(daemon.Options{
		Config:            cfg,
		Paths:             paths,
		Store:             sessStore,
		Version:           Version,
		Verbose:           debug,
		Webhooks:          mgr.Webhooks(),
		OnShutdownRequest: cancel,
	})
	port, err := daemonSrv.Listen()
	if err != nil {
		slog.Error("daemon listen failed", "error", err)
		if errors.Is(err, daemon.ErrBind) {
			return 2
		}
		return 1
	}

	if err := mgr.StartAll(ctx); err != nil {
		slog.Error("bridge startup failed", "error", err)
	}
	go cronSched.Run(ctx)
	go heartbeat.New(cfg, paths, sessStore, registry).Run(ctx)

	// Tailscale serves the same mux when built with -tags tsnet.
	mux := daemonSrv.BuildMux()
	tsCleanup := initTailscale(ctx, cfg, mux)
	if tsCleanup != nil {
		defer tsCleanup()
	}

	var bridgeNames []string
	for _, b := range mgr.Bridges() {
		bridgeNames = append(bridgeNames, b.Name())
	}
	slog.Info("tamias daemon starting",
		"version", Version,
		"port", port,
		"bridges", bridgeNames,
		"tools", len(toolsReg.Names()),
		"connections", providerReg.Nicknames(),
	)

	serveErr := daemonSrv.Serve(ctx)

	// Drain in dependency order: stop accepting input, finish running turns,
	// then persist.
	stopCtx, stopDone := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopDone()
	if err := mgr.StopAll(stopCtx); err != nil {
		slog.Warn("bridge shutdown incomplete", "error", err)
	}
	r.Shutdown(stopCtx)
	sessStore.SaveAll()

	if serveErr != nil {
		slog.Error("daemon error", "error", serveErr)
		return 1
	}
	slog.Info("tamias daemon stopped")
	return 0
}
