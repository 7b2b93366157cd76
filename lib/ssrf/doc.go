// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ssrf guards outbound fetches the sandbox requests through
// the host (spec.md §4.1 web_fetch, browser_navigate): before dialing,
// it resolves the target host and rejects loopback, link-local, and
// private ranges, plus a small blocklist of hostnames that alias
// internal services (spec.md §11.15). An agent-controlled fetch URL
// that reached the credential proxy's own socket or a cloud metadata
// endpoint would defeat the host/sandbox trust boundary spec.md §1
// exists to enforce.
package ssrf
