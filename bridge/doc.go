// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge provides a TCP-to-Unix socket forwarder for the
// network-isolated agent sandbox.
//
// Inside a bubblewrap sandbox with --unshare-net, the only network interface
// is the loopback adapter. The agent process cannot reach Unix sockets on
// the host filesystem (they are outside the mount namespace), and it cannot
// make TCP connections to the outside world. The bridge solves this by
// listening on a TCP port bound to 127.0.0.1 inside the sandbox and
// forwarding every accepted connection to the credential proxy's Unix
// socket on the host side.
//
// This allows the agent's model SDK to use a plain localhost base URL:
//
//	ANTHROPIC_BASE_URL=http://127.0.0.1:8642
//
// The bridge is a pure forwarder and carries no policy of its own — every
// allowlist, credential-injection, and auditing decision lives in the
// proxy on the other end of the socket.
//
// [Bridge] is the single type. Start validates that the target Unix socket
// is reachable, binds the TCP listener, and begins accepting connections in
// a background goroutine. Each connection is forwarded with bidirectional
// copy and half-close support (TCP FIN propagates as Unix socket shutdown
// and vice versa). If the host socket is unreachable when a connection
// arrives, the bridge synthesizes a 502 Bad Gateway response rather than
// silently dropping the TCP connection, so the SDK's HTTP client sees an
// ordinary (if unwelcome) HTTP response instead of a bare connection
// reset. Stop gracefully shuts down the listener; Wait blocks until all
// forwarded connections have drained. Addr returns the bound address,
// which may use an ephemeral port if port 0 was requested.
package bridge
