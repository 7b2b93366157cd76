// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ax-platform/ax/lib/agentrunner"
	"github.com/ax-platform/ax/lib/audit"
	"github.com/ax-platform/ax/lib/channel"
	"github.com/ax-platform/ax/lib/metrics"
	"github.com/ax-platform/ax/lib/session"
	"github.com/ax-platform/ax/lib/taint"
)

// Config holds the Router's dependencies, all injectable so the
// pipeline can run against fakes in tests.
type Config struct {
	Store           ConversationStore
	Workspace       WorkspacePreparer
	Launcher        SandboxLauncher
	Adapters        *channel.Registry
	Audit           *audit.Log
	Metrics         *metrics.Registry
	Taint           *taint.Tracker
	Budget          *taint.Budget
	TaintThreshold  float64
	Bootstrap       BootstrapGate
	Dedup           *Dedup
	MaxHistoryTurns int
	SkillsSourceDir string

	Logger *slog.Logger
}

// Router implements spec.md §4.6's per-turn pipeline.
type Router struct {
	config Config
}

// New constructs a Router from config, defaulting MaxHistoryTurns and
// the dedup window if unset.
func New(config Config) *Router {
	if config.MaxHistoryTurns <= 0 {
		config.MaxHistoryTurns = 50
	}
	if config.Dedup == nil {
		config.Dedup = NewDedup(10 * time.Minute)
	}
	return &Router{config: config}
}

func (r *Router) logger() *slog.Logger {
	if r.config.Logger != nil {
		return r.config.Logger
	}
	return slog.Default()
}

// Outcome is the result of routing one inbound message.
type Outcome struct {
	Reply     string
	Verdict   Verdict
	Blocked   bool
	Tainted   bool
	Leaked    bool
	Duplicate bool
}

// Handle runs the full pipeline for msg: dedup, bootstrap gate,
// inbound scan, canary mint, context prep, workspace prep, agent
// spawn, outbound scan, persistence (spec.md §4.6).
//
// sessionID identifies the ephemeral or persistent sandbox for this
// turn; bootstrapped reports whether the target agent is currently in
// bootstrap mode (spec.md §4.6 "Bootstrap gate").
func (r *Router) Handle(ctx context.Context, sessionID string, bootstrapped bool, msg channel.InboundMessage) (Outcome, error) {
	now := time.Now()

	if r.config.Dedup.SeenRecently(now, msg.Address.Provider, msg.MessageID) {
		return Outcome{Duplicate: true}, nil
	}

	if !r.config.Bootstrap.Allow(bootstrapped, msg.SenderID) {
		return Outcome{Reply: r.config.Bootstrap.DeclineReply(), Blocked: true}, nil
	}

	// Step 1: inbound scan.
	verdict := InboundScan(msg.Text)
	if verdict == VerdictBlock {
		r.recordAudit(sessionID, "inbound_scan", audit.ResultBlocked, "blocked by inbound scan", 0)
		return Outcome{Verdict: verdict, Blocked: true}, nil
	}

	// Step 2: canary.
	canary, err := MintCanary()
	if err != nil {
		return Outcome{}, fmt.Errorf("router: minting canary: %w", err)
	}

	// Step 3: context prep.
	addressKey := msg.Address.Key()
	history, err := r.config.Store.LoadHistory(addressKey, r.config.MaxHistoryTurns)
	if err != nil {
		return Outcome{}, fmt.Errorf("router: loading history: %w", err)
	}

	// Step 4: workspace prep.
	workspacePath, err := r.config.Workspace.Prepare(sessionID, r.config.SkillsSourceDir)
	if err != nil {
		return Outcome{}, fmt.Errorf("router: preparing workspace: %w", err)
	}

	// Step 5: agent spawn.
	tainted := r.config.Taint != nil && r.config.Taint.IsTainted(sessionID)
	if r.config.Budget != nil {
		r.config.Budget.RecordContent(sessionID, msg.Text, tainted)
	}
	payload := agentrunner.Payload{Message: msg.Text, History: history}
	if r.config.Budget != nil {
		ratio := r.config.Budget.Ratio(sessionID)
		payload.TaintState = &agentrunner.TaintState{Ratio: ratio, Threshold: r.config.TaintThreshold}
		if r.config.Metrics != nil {
			r.config.Metrics.SetSessionTaintRatio(sessionID, ratio)
		}
	}
	reply, err := r.config.Launcher.Launch(ctx, workspacePath, payload)
	if err != nil {
		if r.config.Metrics != nil {
			r.config.Metrics.RecordIPCAction("agent_spawn", "error")
		}
		return Outcome{}, fmt.Errorf("router: agent spawn: %w", err)
	}
	if r.config.Metrics != nil {
		r.config.Metrics.RecordIPCAction("agent_spawn", "ok")
	}

	// Step 6: outbound scan.
	redacted, leaked := OutboundScan(reply, canary)
	if leaked {
		r.recordAudit(sessionID, "outbound_scan", audit.ResultBlocked, "canary leak detected", 0)
		r.logger().Warn("canary leak detected, session marked compromised", "session_id", sessionID)
	}

	// Step 7: persistence.
	if err := r.config.Store.AppendTurns(addressKey,
		agentrunner.HistoryTurn{Role: "user", Content: msg.Text},
		agentrunner.HistoryTurn{Role: "assistant", Content: redacted},
	); err != nil {
		r.logger().Error("router: persisting turns failed", "error", err)
	}

	r.recordAudit(sessionID, "agent_turn", audit.ResultSuccess, "", time.Since(now))

	return Outcome{Reply: redacted, Verdict: verdict, Tainted: tainted, Leaked: leaked}, nil
}

// Reply sends outcome.Reply back through the originating channel
// adapter, for callers that route via lib/channel rather than a
// direct HTTP response.
func (r *Router) Reply(ctx context.Context, addr session.Address, outcome Outcome) error {
	if outcome.Reply == "" {
		return nil
	}
	return r.config.Adapters.Send(ctx, addr, outcome.Reply)
}

func (r *Router) recordAudit(sessionID, action string, result audit.Result, reason string, duration time.Duration) {
	if r.config.Audit == nil {
		return
	}
	if err := r.config.Audit.Record(audit.Entry{
		SessionID: sessionID,
		Action:    action,
		Result:    result,
		Reason:    reason,
		Duration:  duration.String(),
	}); err != nil {
		r.logger().Error("router: audit record failed", "error", err)
	}
}
