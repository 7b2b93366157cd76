// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session defines the typed, hierarchical address spec.md §3
// calls SessionAddress, plus the Delivery type and resolution logic
// used by the scheduler (spec.md §4.1 "delivery", TESTABLE PROPERTY
// 10) to find where an unattended agent-produced message should go.
package session

import "strings"

// Scope is the kind of conversation a SessionAddress identifies.
type Scope string

const (
	ScopeDM      Scope = "dm"
	ScopeChannel Scope = "channel"
	ScopeThread  Scope = "thread"
	ScopeGroup   Scope = "group"
)

// Address is a typed, hierarchical key identifying where a
// conversation takes place (spec.md §3 "SessionAddress"). A thread
// address carries the enclosing channel as Parent, forming a tree
// represented with owned parent pointers rather than back-references
// (SPEC_FULL.md / spec.md §9 "Cyclic references").
type Address struct {
	Provider string // channel adapter id, e.g. "slack", "discord", "telegram"
	Scope    Scope
	Workspace string
	Channel   string
	Thread    string
	Peer      string
	Parent    *Address
}

// Key produces the canonical, stable string form used for lookups and
// hashing. It is deterministic and colon-joined; identical Address
// values always produce the same Key regardless of which optional
// identifier fields are set, because only the fields relevant to
// Scope participate.
func (a Address) Key() string {
	parts := []string{a.Provider, string(a.Scope)}
	switch a.Scope {
	case ScopeDM:
		parts = append(parts, a.Peer)
	case ScopeChannel:
		parts = append(parts, a.Workspace, a.Channel)
	case ScopeThread:
		parts = append(parts, a.Workspace, a.Channel, a.Thread)
	case ScopeGroup:
		parts = append(parts, a.Workspace, a.Channel)
	default:
		parts = append(parts, a.Workspace, a.Channel, a.Thread, a.Peer)
	}
	return strings.Join(parts, ":")
}

// ParentKey returns Parent's Key, or "" if there is no parent. A
// thread's parent is always its enclosing channel.
func (a Address) ParentKey() string {
	if a.Parent == nil {
		return ""
	}
	return a.Parent.Key()
}

// ChannelOf returns the channel-scoped Address enclosing a, unwrapping
// thread parents. If a is already channel-scoped (or has no parent
// chain), a itself is returned.
func (a Address) ChannelOf() Address {
	if a.Scope == ScopeThread && a.Parent != nil {
		return *a.Parent
	}
	return a
}

// DeliveryMode selects how a scheduler-fired or heartbeat-produced
// message is delivered (spec.md §3 "Delivery").
type DeliveryMode string

const (
	DeliveryChannel DeliveryMode = "channel"
	DeliveryNone    DeliveryMode = "none"
)

// TargetLast is the literal sentinel meaning "the agent's last channel
// interaction", resolved at fire time — never derived from agent
// output (spec.md §3 "Delivery").
const TargetLast = "last"

// Delivery is the resolved (or to-be-resolved) destination for an
// agent-produced message that was not requested by a human in real
// time (spec.md §3, §4.1 scheduler_add_cron's delivery field).
type Delivery struct {
	Mode DeliveryMode
	// Target is either TargetLast or a concrete Address encoded by the
	// caller; CronJob stores the pre-resolution form (a literal string
	// or serialized Address) and ResolveDelivery produces the final
	// Address.
	Target string
}

// LastInteraction answers "what was this agent's last channel
// interaction" for Delivery resolution. Implementations are typically
// backed by the conversation store keyed by agentId.
type LastInteraction interface {
	// LastAddress returns the most recent Address the named agent
	// interacted with on any channel, or ok=false if there is no
	// history.
	LastAddress(agentID string) (Address, bool)
}

// ProviderRegistry reports whether a provider id names a currently
// registered channel adapter. Used to reject delivery targets that
// point at a provider which is no longer configured.
type ProviderRegistry interface {
	Registered(provider string) bool
}

// ResolveDelivery implements TESTABLE PROPERTY 10: given a delivery
// spec and an agent id, resolve the final Delivery. mode:"none" always
// resolves to itself unchanged. mode:"channel" with target:"last"
// looks up the agent's last channel interaction; with no history, or
// with the resolved provider not currently registered, the result is
// {mode:"none"}.
func ResolveDelivery(d Delivery, agentID string, last LastInteraction, providers ProviderRegistry) Delivery {
	if d.Mode != DeliveryChannel {
		return Delivery{Mode: DeliveryNone}
	}
	if d.Target != TargetLast {
		// A concrete target was supplied (not "last"); validate its
		// provider is registered before accepting it.
		if providers != nil && !providers.Registered(providerFromKey(d.Target)) {
			return Delivery{Mode: DeliveryNone}
		}
		return d
	}

	addr, ok := last.LastAddress(agentID)
	if !ok {
		return Delivery{Mode: DeliveryNone}
	}
	if providers != nil && !providers.Registered(addr.Provider) {
		return Delivery{Mode: DeliveryNone}
	}
	return Delivery{Mode: DeliveryChannel, Target: addr.Key()}
}

// providerFromKey extracts the provider segment of a canonical Key.
func providerFromKey(key string) string {
	idx := strings.IndexByte(key, ':')
	if idx < 0 {
		return key
	}
	return key[:idx]
}
