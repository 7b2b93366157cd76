// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry collects every metric the host process emits. A single
// instance is constructed at startup and shared across the IPC
// server, the request router, and the credential proxy.
type Registry struct {
	// IPCActions counts handled IPC actions by action name and result
	// (ok|error), the backing data for the audit log's own summary.
	IPCActions *prometheus.CounterVec

	// SessionTaintRatio reports each active session's current
	// tainted/total token ratio (spec.md §4.2), one gauge value per
	// session id, cleared when the session ends.
	SessionTaintRatio *prometheus.GaugeVec

	// PromptBuildDuration measures how long lib/promptbuilder.Build
	// takes to assemble a system prompt, in seconds.
	PromptBuildDuration prometheus.Histogram

	// ProxyRequests counts outbound credential-proxy requests by
	// vendor and HTTP status code.
	ProxyRequests *prometheus.CounterVec
}

// New constructs and registers every metric against reg. Passing a
// fresh *prometheus.Registry (rather than the global default) keeps
// repeated construction in tests from panicking on duplicate
// registration.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		IPCActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bureau_ipc_actions_total",
				Help: "Total number of IPC actions handled, by action and result",
			},
			[]string{"action", "result"},
		),
		SessionTaintRatio: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bureau_session_taint_ratio",
				Help: "Current tainted/total token ratio per active session",
			},
			[]string{"session_id"},
		),
		PromptBuildDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bureau_prompt_build_duration_seconds",
				Help:    "Duration of system prompt assembly",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		),
		ProxyRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bureau_proxy_requests_total",
				Help: "Total number of outbound proxy requests, by vendor and status code",
			},
			[]string{"vendor", "status_code"},
		),
	}
}

// RecordIPCAction increments the per-action counter.
func (r *Registry) RecordIPCAction(action, result string) {
	r.IPCActions.WithLabelValues(action, result).Inc()
}

// SetSessionTaintRatio sets sessionID's current taint ratio gauge.
func (r *Registry) SetSessionTaintRatio(sessionID string, ratio float64) {
	r.SessionTaintRatio.WithLabelValues(sessionID).Set(ratio)
}

// ClearSession removes sessionID's taint gauge when the session ends.
func (r *Registry) ClearSession(sessionID string) {
	r.SessionTaintRatio.DeleteLabelValues(sessionID)
}

// RecordProxyRequest increments the proxy-request counter.
func (r *Registry) RecordProxyRequest(vendor, statusCode string) {
	r.ProxyRequests.WithLabelValues(vendor, statusCode).Inc()
}
