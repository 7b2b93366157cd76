// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package router implements the host-side Request Router (spec.md
// §4.6): inbound scan, canary minting, context prep, workspace prep,
// agent spawn, outbound scan, and persistence, run in that order for
// every inbound turn regardless of its origin (chat client or channel
// adapter).
package router
