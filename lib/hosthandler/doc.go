// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hosthandler implements lib/ipc.Handler: the host-side
// business logic behind every IPC action (spec.md §4.1), wiring
// lib/memory, lib/scheduler, lib/skillgate, lib/ssrf, lib/audit, and
// lib/taint together the way lib/ipc/schema.go's per-action schemas
// and lib/ipc/types.go's taint/sensitive action sets already describe.
package hosthandler
