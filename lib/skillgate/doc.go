// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package skillgate decides the disposition of a proposed skill
// (spec.md §4.5 "Skill self-authoring"): AUTO_APPROVE, NEEDS_REVIEW,
// or REJECT, by pattern matching against a hard-reject list and a
// capability list. It runs host-side — the sandbox only ever sees the
// verdict, never the matching rules, since a rule an agent could read
// is a rule it could learn to evade.
package skillgate
