// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc implements the host↔sandbox session protocol: a
// length-prefixed JSON message channel terminated by the host's IPC
// server and spoken by the agent runner inside the sandbox.
//
// Wire format: each message is a 4-byte big-endian length prefix
// followed by that many bytes of JSON. One request produces exactly
// one response. Requests on a single connection are independent and
// are processed in arrival order; the server may process requests
// from distinct connections concurrently.
//
// This is distinct from lib/launchipc, which carries the CBOR
// spawn-time handoff from the host to the launcher and from the
// launcher to the proxy subprocess, before this session channel
// exists.
package ipc
