// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package promptbuilder

// Module is one section of the system prompt (spec.md §4.4 "Module
// contract"). Modules are registered once at builder construction and
// live for process lifetime; they hold no per-session state — all
// per-turn input arrives through the PromptContext passed to each
// method.
type Module interface {
	// Name identifies the module in build metadata and logs.
	Name() string

	// Priority orders modules ascending; lower renders earlier.
	Priority() int

	// Required modules are always included (subject to bootstrap
	// gating) and are never dropped for budget.
	Required() bool

	// ShouldInclude is a declarative gate evaluated before Render.
	// Bootstrap mode causes most non-required modules to return
	// false here.
	ShouldInclude(ctx PromptContext) bool

	// Render produces this module's lines for ctx.
	Render(ctx PromptContext) []string

	// EstimateTokens estimates Render's output size without
	// rendering it, used for budget fitting.
	EstimateTokens(ctx PromptContext) int
}

// MinimalRenderer is implemented by modules with a reduced fallback
// rendering used under tight budget (spec.md §4.4 "renderMinimal").
// Modules without a meaningful minimal form need not implement it —
// the builder treats a missing MinimalRenderer as no-fallback and
// drops the module outright if it does not fit.
type MinimalRenderer interface {
	RenderMinimal(ctx PromptContext) []string
}

// estimateTokens approximates token count the same way lib/taint does
// for budget accounting (⌈len/4⌉), so the two subsystems agree on what
// "a token" costs when a provider doesn't report an exact count.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
