// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ssrf

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// BlockedError reports that a URL or resolved address was rejected by
// the guard.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	return "ssrf: " + e.Reason
}

// blockedHostnames are rejected outright regardless of what they
// resolve to.
var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
}

// blockedSuffixes catch hostnames that alias internal resources by
// convention even when not individually listed.
var blockedSuffixes = []string{".localhost", ".local", ".internal"}

// Resolver abstracts DNS lookup so tests can substitute canned
// resolutions rather than making real network calls.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Guard validates outbound fetch targets before they are dialed.
type Guard struct {
	// Resolver defaults to net.DefaultResolver.
	Resolver Resolver
}

// New returns a Guard using the system resolver.
func New() *Guard {
	return &Guard{Resolver: net.DefaultResolver}
}

// ValidateURL parses rawURL, rejects non-HTTP(S) schemes, and ensures
// the host is neither a blocked name nor resolves to a private,
// loopback, or link-local address. It returns the parsed URL so the
// caller never has to re-parse a string it already validated.
func (g *Guard) ValidateURL(ctx context.Context, rawURL string) (*url.URL, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("ssrf: parsing url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, &BlockedError{Reason: fmt.Sprintf("scheme %q is not allowed", parsed.Scheme)}
	}

	host := parsed.Hostname()
	if host == "" {
		return nil, &BlockedError{Reason: "url has no host"}
	}
	if err := g.ValidateHost(ctx, host); err != nil {
		return nil, err
	}
	return parsed, nil
}

// ValidateHost resolves host and rejects it if it is blocked by name
// or resolves to any private/loopback/link-local address.
func (g *Guard) ValidateHost(ctx context.Context, host string) error {
	normalized := normalizeHostname(host)
	if normalized == "" {
		return &BlockedError{Reason: "empty hostname"}
	}
	if blockedHostnames[normalized] {
		return &BlockedError{Reason: fmt.Sprintf("blocked hostname %q", host)}
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(normalized, suffix) {
			return &BlockedError{Reason: fmt.Sprintf("blocked hostname suffix %q", host)}
		}
	}

	if ip := net.ParseIP(normalized); ip != nil {
		if isDisallowedIP(ip) {
			return &BlockedError{Reason: fmt.Sprintf("host %q is a private/internal address", host)}
		}
		return nil
	}

	resolver := g.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupIPAddr(ctx, normalized)
	if err != nil {
		return fmt.Errorf("ssrf: resolving host %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("ssrf: host %q did not resolve to any address", host)
	}
	for _, addr := range addrs {
		if isDisallowedIP(addr.IP) {
			return &BlockedError{Reason: fmt.Sprintf("host %q resolves to a private/internal address", host)}
		}
	}
	return nil
}

func normalizeHostname(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	host = strings.TrimSuffix(host, ".")
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return host
}

// isDisallowedIP rejects loopback, link-local, private (RFC 1918 and
// its IPv6 equivalent ULA), and unspecified addresses — every range a
// cloud metadata service or the host's own sockets could live on.
func isDisallowedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() ||
		ip.IsUnspecified()
}
