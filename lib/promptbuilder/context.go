// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package promptbuilder

import "time"

// IdentityFiles holds the raw contents of an agent's identity
// documents (spec.md §6: "agents/<name>/ — immutable AGENTS.md,
// BOOTSTRAP.md, plus mutable SOUL.md, IDENTITY.md, and per-user
// users/<userId>/USER.md"). Missing files are empty strings, not
// errors — bootstrap mode is detected by Bootstrap below, not by a
// missing-file error here.
type IdentityFiles struct {
	Agents      string
	BootstrapMD string
	Soul        string
	Identity    string
	User        string
}

// Bootstrap reports whether the agent is in first-run bootstrap mode:
// an operator-provided BOOTSTRAP.md exists but the mutable SOUL.md
// does not (spec.md §4.6 "Bootstrap gate").
func (f IdentityFiles) Bootstrap() bool {
	return f.BootstrapMD != "" && f.Soul == ""
}

// PromptContext is the complete, immutable input to one Build call
// (spec.md §4.4 "PromptContext"). It is constructed once per agent
// turn and never mutated mid-build.
type PromptContext struct {
	AgentType   string
	WorkspacePath string
	Skills      []SkillDoc
	Profile     string // paranoid | standard | power-user
	SandboxKind string

	TaintRatio     float64
	TaintThreshold float64

	Identity IdentityFiles

	ContextWindowTokens int
	HistoryTokens       int

	Heartbeat        string
	AttentionSummary string
	ReplyGateReason  string

	Now time.Time
}

// SkillDoc is one loaded skill's markdown content, named per spec.md
// §4.4's "skills (markdown strings)".
type SkillDoc struct {
	Name        string
	Description string
	Content     string
}

// outputReserve is subtracted from the context window to leave room
// for the model's own output (spec.md §4.4 "reserve ~4096 tokens for
// model output").
const outputReserve = 4096

// Budget computes the token budget available to the prompt builder for
// this turn: contextWindow − historyTokens − outputReserve.
func (ctx PromptContext) Budget() int {
	budget := ctx.ContextWindowTokens - ctx.HistoryTokens - outputReserve
	if budget < 0 {
		return 0
	}
	return budget
}
