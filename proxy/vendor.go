// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"fmt"
	"log/slog"
)

// VendorConfig names one upstream model or tool API the sandbox is
// allowed to reach through the credential proxy (spec.md §4.3). The
// sandbox never sees Credential's value; it only ever dials
// UpstreamUnix and sends requests matching AllowedPaths.
type VendorConfig struct {
	// Name identifies the vendor for logging and routing, e.g.
	// "anthropic", "openai".
	Name string

	// Upstream is the vendor's base URL, e.g. "https://api.anthropic.com".
	Upstream string

	// AllowedPaths lists the exact "METHOD /path" pairs this vendor's
	// service will forward; anything else gets 403 (spec.md §4.3
	// "Validate the request path against an allowlist of vendor
	// paths").
	AllowedPaths []string

	// InjectHeader is the header credential injection targets, e.g.
	// "Authorization" or "X-Api-Key".
	InjectHeader string

	// CredentialName is the name Credential.Get is called with to
	// fetch the value injected into InjectHeader.
	CredentialName string

	// StripHeaders lists incoming headers the agent's SDK might set
	// that must never reach the vendor unmodified (e.g. an
	// agent-supplied Authorization header must be discarded, not
	// forwarded alongside the injected one).
	StripHeaders []string
}

// anthropicConfig and openAIConfig are the two vendor shapes named in
// spec.md §4.3 ("Anthropic /v1/messages, OpenAI-compatible
// /v1/chat/completions").
func anthropicConfig() VendorConfig {
	return VendorConfig{
		Name:           "anthropic",
		Upstream:       "https://api.anthropic.com",
		AllowedPaths:   []string{"POST /v1/messages"},
		InjectHeader:   "X-Api-Key",
		CredentialName: "anthropic-api-key",
		StripHeaders:   []string{"Authorization", "X-Api-Key"},
	}
}

func openAICompatibleConfig(name, upstream string) VendorConfig {
	return VendorConfig{
		Name:           name,
		Upstream:       upstream,
		AllowedPaths:   []string{"POST /v1/chat/completions"},
		InjectHeader:   "Authorization",
		CredentialName: name + "-api-key",
		StripHeaders:   []string{"Authorization"},
	}
}

// NewVendorService builds the HTTPService that enforces one
// VendorConfig's allowlist and credential injection. credential is
// shared across all vendors the proxy serves — typically a
// ChainCredentialSource wrapping PipeCredentialSource (production) and
// an OAuthRefreshCredentialSource per OAuth-backed vendor.
func NewVendorService(config VendorConfig, credential CredentialSource, logger *slog.Logger) (*HTTPService, error) {
	if len(config.AllowedPaths) == 0 {
		return nil, fmt.Errorf("vendor %s: at least one allowed path is required", config.Name)
	}
	return NewHTTPService(HTTPServiceConfig{
		Name:     config.Name,
		Upstream: config.Upstream,
		InjectHeaders: map[string]string{
			config.InjectHeader: config.CredentialName,
		},
		StripHeaders: config.StripHeaders,
		Filter:       &GlobFilter{Allowed: config.AllowedPaths},
		Credential:   credential,
		Logger:       logger,
	})
}

// VendorRouter dispatches by hostname-free path prefix to one of
// several vendor HTTPServices sharing a single listening socket — the
// sandbox reaches every allowed vendor through the same UDS, and the
// router only needs to pick which upstream a given request targets
// (spec.md §4.3 describes one proxy socket per sandbox, fronting
// however many vendors that sandbox's profile grants).
type VendorRouter struct {
	services map[string]*HTTPService
}

// NewVendorRouter builds a router keyed by VendorConfig.Name. Callers
// route a request to a vendor out-of-band (e.g. a path prefix
// "/anthropic/..." stripped before forwarding, or one socket per
// vendor — spec.md §4.3 leaves the exact dispatch mechanism
// unspecified) and then call ServiceFor.
func NewVendorRouter(services ...*HTTPService) *VendorRouter {
	r := &VendorRouter{services: make(map[string]*HTTPService, len(services))}
	for _, svc := range services {
		r.services[svc.Name()] = svc
	}
	return r
}

// ServiceFor returns the named vendor's service, or nil if unknown.
func (r *VendorRouter) ServiceFor(name string) *HTTPService {
	return r.services[name]
}
