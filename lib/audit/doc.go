// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit implements the host's append-only audit log. Every
// non-query IPC action, every policy denial, and every proxy error is
// recorded here with enough detail to reconstruct what happened
// without ever storing credential material or full tainted content.
//
// The sandbox has no handle to this log — only the host process
// writes to it. Entries are JSON Lines, one object per line, fsynced
// after every write so a crash loses at most the in-flight entry.
package audit
