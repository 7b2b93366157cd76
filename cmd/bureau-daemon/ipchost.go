// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/ax-platform/ax/lib/audit"
	"github.com/ax-platform/ax/lib/browser"
	"github.com/ax-platform/ax/lib/config"
	"github.com/ax-platform/ax/lib/hosthandler"
	"github.com/ax-platform/ax/lib/ipc"
	"github.com/ax-platform/ax/lib/memory"
	"github.com/ax-platform/ax/lib/metrics"
	"github.com/ax-platform/ax/lib/scheduler"
	"github.com/ax-platform/ax/lib/ssrf"
	"github.com/ax-platform/ax/lib/taint"
	"github.com/ax-platform/ax/lib/websearch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// startIPCHost opens the Unix socket bureau-runner dials for every
// in-turn tool call (spec.md §4.1) and serves it with lib/hosthandler's
// dispatcher. Memory and scheduler state are in-process for now — a
// single long-lived daemon process is exactly the deployment
// lib/memory.MemoryStore and lib/scheduler.MemoryStore are built for.
func (d *Daemon) startIPCHost(ctx context.Context, stateDir string) error {
	if err := os.MkdirAll(filepath.Dir(d.ipcSocketPath), 0755); err != nil {
		return fmt.Errorf("creating ipc socket directory: %w", err)
	}
	if err := os.Remove(d.ipcSocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing existing ipc socket: %w", err)
	}

	listener, err := net.Listen("unix", d.ipcSocketPath)
	if err != nil {
		return fmt.Errorf("creating ipc socket at %s: %w", d.ipcSocketPath, err)
	}
	if err := os.Chmod(d.ipcSocketPath, 0660); err != nil {
		listener.Close()
		return fmt.Errorf("setting ipc socket permissions: %w", err)
	}

	auditLog, err := audit.Open(filepath.Join(stateDir, "audit.jsonl"))
	if err != nil {
		listener.Close()
		return fmt.Errorf("opening audit log: %w", err)
	}

	if d.metricsRegistry == nil {
		d.metricsRegistry = metrics.New(prometheus.DefaultRegisterer)
	}

	threshold, ok := config.TaintThresholdForProfile(d.securityProfile)
	if !ok {
		threshold, _ = config.TaintThresholdForProfile("standard")
	}
	taintTracker := taint.NewTracker()
	taintBudget := taint.NewBudget()

	// Browser automation needs a real Chromium install; a daemon host
	// without one still serves every other action family, just with
	// browser_* returning "not configured" (hosthandler.Config's
	// nil-disables convention).
	browserPool, err := browser.NewPool(browser.Config{Headless: true})
	if err != nil {
		d.logger.Warn("browser automation unavailable, browser_* actions disabled", "error", err)
		browserPool = nil
	} else {
		d.browserPool = browserPool
	}

	handler := hosthandler.New(hosthandler.Config{
		Memory:     &memory.Host{Store: memory.NewMemoryStore(), Budget: taintBudget, Tracker: taintTracker},
		Scheduler:  scheduler.NewMemoryStore(),
		SkillsDir:  filepath.Join(stateDir, "skills"),
		PendingDir: filepath.Join(stateDir, "skills-pending"),
		SSRF:       ssrf.New(),
		Audit:      auditLog,
		Metrics:    d.metricsRegistry,
		WebSearch:  websearch.New(),
		Browser:    browserPool,
	})

	d.ipcServer = &ipc.Server{
		Handle:         handler,
		Audit:          auditLog,
		Logger:         d.logger,
		Taint:          taintTracker,
		Budget:         taintBudget,
		TaintThreshold: threshold,
	}

	go func() {
		if err := d.ipcServer.Serve(ctx, listener); err != nil {
			d.logger.Error("ipc host server stopped", "error", err)
		}
	}()

	d.logger.Info("ipc host started", "socket", d.ipcSocketPath)
	return nil
}

// stopIPCHost stops accepting IPC connections, tears down any open
// browser sessions, and removes the socket.
func (d *Daemon) stopIPCHost() {
	if d.ipcServer != nil {
		d.ipcServer.Stop()
		os.Remove(d.ipcSocketPath)
	}
	if d.browserPool != nil {
		if err := d.browserPool.Close(); err != nil {
			d.logger.Warn("closing browser pool", "error", err)
		}
	}
}

// startMetricsServer exposes /health and /metrics (spec.md §11.16) on a
// plain TCP listener, separate from the Unix-socket admin/relay/observe
// surfaces since Prometheus scrapers expect a reachable HTTP address.
func (d *Daemon) startMetricsServer(ctx context.Context, addr string) error {
	if d.metricsRegistry == nil {
		d.metricsRegistry = metrics.New(prometheus.DefaultRegisterer)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on metrics address %s: %w", addr, err)
	}

	server := &http.Server{Handler: mux}
	d.metricsListener = listener
	d.metricsServer = server

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			d.logger.Error("metrics server stopped", "error", err)
		}
	}()

	d.logger.Info("metrics server started", "addr", addr)
	return nil
}

// stopMetricsServer shuts down the /health and /metrics listener.
func (d *Daemon) stopMetricsServer() {
	if d.metricsServer != nil {
		d.metricsServer.Close()
	}
}
