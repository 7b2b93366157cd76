// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the Prometheus instrumentation named in
// spec.md §6/§11.16: counters for IPC actions by (action, result), a
// gauge of each active session's taint ratio, a histogram of prompt
// build durations, and proxy request counts by vendor and status.
package metrics
