// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Bureau-router is the network-facing front door for a single agent
// identity (spec.md §4.6). It connects whichever channel adapters have
// credentials configured, runs every inbound message through
// lib/router's per-turn pipeline, and spawns cmd/bureau-runner in a
// fresh workspace for each turn.
//
// Channel credentials are read from the environment rather than the
// YAML config, matching bureau-runner's own env-var surface:
//   - SLACK_BOT_TOKEN, SLACK_APP_TOKEN
//   - DISCORD_BOT_TOKEN
//   - TELEGRAM_BOT_TOKEN
//
// At least one must be set; the router refuses to start with zero
// adapters configured.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ax-platform/ax/lib/audit"
	"github.com/ax-platform/ax/lib/channel"
	"github.com/ax-platform/ax/lib/config"
	"github.com/ax-platform/ax/lib/metrics"
	"github.com/ax-platform/ax/lib/router"
	"github.com/ax-platform/ax/lib/taint"
	"github.com/ax-platform/ax/lib/version"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   string
		agentName    string
		agentsRoot   string
		stateRoot    string
		runnerBinary string
		adminsPath   string
		showVersion  bool
	)

	flag.StringVar(&configPath, "config", "", "path to bureau.yaml (overrides BUREAU_CONFIG)")
	flag.StringVar(&agentName, "agent-name", "", "agent identity this router serves, e.g. the name under agents/<name>/ (required)")
	flag.StringVar(&agentsRoot, "agents-root", "", "directory containing agents/<name>/ identity files (default: <paths.root>/agents)")
	flag.StringVar(&stateRoot, "state-root", "", "directory for conversations/ and workspaces/ (default: <paths.state>/router)")
	flag.StringVar(&runnerBinary, "runner-binary", "bureau-runner", "path to the bureau-runner executable")
	flag.StringVar(&adminsPath, "admins-file", "", "path to the bootstrap-mode admins list (default: <agents-root>/<agent-name>/admins.txt)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("bureau-router %s\n", version.Info())
		return nil
	}
	if agentName == "" {
		return fmt.Errorf("--agent-name is required")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if agentsRoot == "" {
		agentsRoot = filepath.Join(cfg.Paths.Root, "agents")
	}
	if stateRoot == "" {
		stateRoot = filepath.Join(cfg.Paths.State, "router")
	}
	if adminsPath == "" {
		adminsPath = filepath.Join(agentsRoot, agentName, "admins.txt")
	}
	identityDir := filepath.Join(agentsRoot, agentName)

	adapters := configuredAdapters(logger)
	if len(adapters) == 0 {
		return fmt.Errorf("no channel adapters configured: set at least one of SLACK_BOT_TOKEN+SLACK_APP_TOKEN, DISCORD_BOT_TOKEN, TELEGRAM_BOT_TOKEN")
	}
	registry := channel.NewRegistry(adapters...)

	conversationStore, err := router.NewFileConversationStore(filepath.Join(stateRoot, "conversations"))
	if err != nil {
		return fmt.Errorf("opening conversation store: %w", err)
	}

	auditLog, err := audit.Open(filepath.Join(stateRoot, "audit.jsonl"))
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}

	metricsRegistry := metrics.New(prometheus.DefaultRegisterer)

	r := router.New(router.Config{
		Store:     conversationStore,
		Workspace: router.DirWorkspacePreparer{Root: filepath.Join(stateRoot, "workspaces")},
		Launcher: router.ProcessLauncher{
			BinaryPath: runnerBinary,
			Env: []string{
				"BUREAU_RUNNER_AGENT_ID=" + agentName,
				"BUREAU_RUNNER_PROFILE=" + cfg.Platform.Profile,
			},
			Timeout: 120 * time.Second,
		},
		Adapters:        registry,
		Audit:           auditLog,
		Metrics:         metricsRegistry,
		Taint:           taint.NewTracker(),
		Budget:          taint.NewBudget(),
		TaintThreshold:  cfg.TaintThreshold(),
		Bootstrap:       router.BootstrapGate{AdminsPath: adminsPath},
		Dedup:           router.NewDedup(10 * time.Minute),
		MaxHistoryTurns: cfg.Platform.History.MaxTurns,
		SkillsSourceDir: filepath.Join(identityDir, "skills"),
		Logger:          logger,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sessions := newSessionRegistry()

	for _, adapter := range adapters {
		adapter := adapter
		go func() {
			handle := func(msg channel.InboundMessage) {
				if !adapter.ShouldRespond(msg) {
					return
				}
				bootstrapped := isBootstrapping(identityDir)
				sessionID := sessions.sessionFor(msg.Address.Key())

				outcome, err := r.Handle(ctx, sessionID, bootstrapped, msg)
				if err != nil {
					logger.Error("router: turn failed", "error", err, "session_id", sessionID)
					return
				}
				if outcome.Duplicate {
					return
				}
				if err := r.Reply(ctx, msg.Address, outcome); err != nil {
					logger.Error("router: reply failed", "error", err, "session_id", sessionID)
				}
			}
			if err := adapter.Start(ctx, handle); err != nil && ctx.Err() == nil {
				logger.Error("channel adapter stopped", "provider", adapter.Provider(), "error", err)
			}
		}()
	}

	logger.Info("bureau-router started", "agent", agentName, "adapters", len(adapters))
	<-ctx.Done()
	logger.Info("bureau-router shutting down")
	return nil
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

// configuredAdapters builds one Adapter per channel whose credentials
// are present in the environment.
func configuredAdapters(logger *slog.Logger) []channel.Adapter {
	var adapters []channel.Adapter

	if botToken, appToken := os.Getenv("SLACK_BOT_TOKEN"), os.Getenv("SLACK_APP_TOKEN"); botToken != "" && appToken != "" {
		adapters = append(adapters, channel.NewSlackAdapter(channel.SlackConfig{
			BotToken: botToken,
			AppToken: appToken,
		}, logger))
	}
	if token := os.Getenv("DISCORD_BOT_TOKEN"); token != "" {
		adapters = append(adapters, channel.NewDiscordAdapter(token))
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		adapters = append(adapters, channel.NewTelegramAdapter(token))
	}
	return adapters
}

// isBootstrapping implements spec.md §4.6's bootstrap-gate condition:
// an operator-provided BOOTSTRAP.md exists but the mutable SOUL.md
// does not yet (spec.md §6 "agents/<name>/"). Re-read on every inbound
// message so an operator completing setup takes effect immediately.
func isBootstrapping(identityDir string) bool {
	_, bootstrapErr := os.Stat(filepath.Join(identityDir, "BOOTSTRAP.md"))
	_, soulErr := os.Stat(filepath.Join(identityDir, "SOUL.md"))
	return bootstrapErr == nil && os.IsNotExist(soulErr)
}

// sessionRegistry mints one session UUID per conversation address and
// reuses it for the conversation's lifetime, so the sandbox workspace
// (keyed by session id) persists across turns in the same thread.
type sessionRegistry struct {
	mutex    sync.Mutex
	sessions map[string]string
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]string)}
}

func (s *sessionRegistry) sessionFor(addressKey string) string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if id, ok := s.sessions[addressKey]; ok {
		return id
	}
	id := uuid.NewString()
	s.sessions[addressKey] = id
	return id
}
