// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel defines the ChannelAdapter interface spec.md §1 and
// §4.6 name as an external collaborator ("the channel adapters (Slack
// etc.)") and wires it through to lib/session's SessionAddress
// resolution and Delivery logic (SPEC_FULL.md §11.13).
package channel

import (
	"context"

	"github.com/ax-platform/ax/lib/session"
)

// InboundMessage is one message an adapter delivered from its
// platform, already resolved to a SessionAddress.
type InboundMessage struct {
	Address   session.Address
	MessageID string // platform-native event id, for deduplication (spec.md §4.6)
	SenderID  string
	Text      string
	// Mentioned reports whether the platform's own markup indicates
	// the bot was directly addressed (e.g. a Slack @-mention), before
	// that markup was stripped from Text. Adapters that have no such
	// concept (DMs are always addressed) set it true unconditionally.
	Mentioned bool
}

// Adapter is the interface every channel (Slack, Discord, Telegram,
// ...) implements. The request router depends only on this interface,
// never on a concrete platform SDK, so channel providers are pluggable
// endpoints exactly as spec.md §1 requires for model providers.
type Adapter interface {
	// Provider is this adapter's id, matching Address.Provider.
	Provider() string

	// Start begins delivering inbound messages to handle until ctx is
	// cancelled.
	Start(ctx context.Context, handle func(InboundMessage)) error

	// Send delivers text to addr. Used both for direct replies and
	// for Delivery-resolved unattended messages (cron, heartbeat).
	Send(ctx context.Context, addr session.Address, text string) error

	// ShouldRespond reports whether the platform's own rules (e.g.
	// "only respond to @-mentions in public channels, always respond
	// in DMs") mean this inbound message warrants an agent turn at
	// all. A refusal here is a spec.md §7 "channel shouldRespond
	// refusal" policy error, not a provider error.
	ShouldRespond(msg InboundMessage) bool
}

// Registry holds the currently configured adapters, keyed by
// Provider(). It implements session.ProviderRegistry so Delivery
// resolution (lib/session) can check a target provider is still
// configured before handing back a "channel" delivery.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Provider()] = a
	}
	return r
}

func (r *Registry) Registered(provider string) bool {
	_, ok := r.adapters[provider]
	return ok
}

func (r *Registry) Get(provider string) (Adapter, bool) {
	a, ok := r.adapters[provider]
	return a, ok
}

// Send resolves addr.Provider to its adapter and sends text through
// it. Returns an error if the provider is not registered — callers
// delivering a session.Delivery should have already confirmed
// registration via ResolveDelivery, but Send re-checks defensively
// since a provider could be deregistered between resolution and
// delivery in a long-running scheduler.
func (r *Registry) Send(ctx context.Context, addr session.Address, text string) error {
	a, ok := r.Get(addr.Provider)
	if !ok {
		return errUnregisteredProvider(addr.Provider)
	}
	return a.Send(ctx, addr, text)
}

type errUnregisteredProvider string

func (e errUnregisteredProvider) Error() string {
	return "channel: provider not registered: " + string(e)
}
