// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package promptbuilder

import (
	"sort"
	"strings"
	"time"
)

// Builder assembles a system prompt from registered modules. A
// Builder is safe for concurrent use by multiple goroutines building
// different PromptContexts — modules are stateless, and Build takes
// no lock.
type Builder struct {
	modules []Module
}

// NewBuilder returns a Builder with modules sorted by ascending
// priority once, at construction (spec.md §4.4 "ordered by ascending
// priority").
func NewBuilder(modules ...Module) *Builder {
	sorted := make([]Module, len(modules))
	copy(sorted, modules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})
	return &Builder{modules: sorted}
}

// ModuleMetrics records one module's fate in a single Build call.
type ModuleMetrics struct {
	Name            string
	EstimatedTokens int
	Minimal         bool
	Dropped         bool
}

// Result is a build's rendered prompt plus metadata (spec.md §4.4
// "Determinism... metadata: included module names in order, per-module
// estimated tokens, total estimated tokens, build-time milliseconds").
type Result struct {
	Prompt       string
	Modules      []ModuleMetrics
	TotalTokens  int
	BuildTimeMS  float64
}

// Build composes ctx's system prompt. Given identical ctx, Build
// returns identical Prompt and Modules every time — no part of the
// builder consults wall-clock time or randomness except to record
// BuildTimeMS, which callers should not treat as part of the prompt's
// identity.
func (b *Builder) Build(ctx PromptContext) Result {
	start := time.Now()

	var sections []string
	var metrics []ModuleMetrics
	total := 0
	budget := ctx.Budget()

	bootstrap := ctx.Identity.Bootstrap()

	for _, mod := range b.modules {
		if bootstrap && !mod.Required() {
			continue
		}
		if !mod.ShouldInclude(ctx) {
			continue
		}

		if mod.Required() {
			lines := mod.Render(ctx)
			tokens := mod.EstimateTokens(ctx)
			sections = append(sections, strings.Join(lines, "\n"))
			metrics = append(metrics, ModuleMetrics{Name: mod.Name(), EstimatedTokens: tokens})
			total += tokens
			continue
		}

		estimate := mod.EstimateTokens(ctx)
		if total+estimate <= budget {
			lines := mod.Render(ctx)
			sections = append(sections, strings.Join(lines, "\n"))
			metrics = append(metrics, ModuleMetrics{Name: mod.Name(), EstimatedTokens: estimate})
			total += estimate
			continue
		}

		if minimal, ok := mod.(MinimalRenderer); ok {
			lines := minimal.RenderMinimal(ctx)
			minimalText := strings.Join(lines, "\n")
			minimalTokens := estimateTokens(minimalText)
			if total+minimalTokens <= budget {
				sections = append(sections, minimalText)
				metrics = append(metrics, ModuleMetrics{Name: mod.Name(), EstimatedTokens: minimalTokens, Minimal: true})
				total += minimalTokens
				continue
			}
		}

		metrics = append(metrics, ModuleMetrics{Name: mod.Name(), Dropped: true})
	}

	return Result{
		Prompt:      strings.TrimSpace(strings.Join(sections, "\n\n")),
		Modules:     metrics,
		TotalTokens: total,
		BuildTimeMS: float64(time.Since(start).Microseconds()) / 1000.0,
	}
}
