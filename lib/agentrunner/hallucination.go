// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentrunner

import (
	"regexp"

	"github.com/ax-platform/ax/lib/ipc"
	"github.com/ax-platform/ax/lib/llm"
)

// schedulingClaimPattern matches conservative phrasing a model uses
// when it asserts a scheduling action happened, whether or not it
// actually called a scheduler tool (spec.md §4.5 "Hallucination
// guard"). It is deliberately loose — false positives just cost one
// extra corrective turn, false negatives let the claim stand unchecked.
var schedulingClaimPattern = regexp.MustCompile(
	`(?i)(scheduled (a|the|your)|set up a reminder|i'?ve scheduled|scheduler_add_cron|scheduler_run_at)`,
)

// correctiveInstruction is appended as a system-role message when the
// guard fires, per spec.md §4.5's "forcing an actual tool call on the
// next step".
const correctiveInstruction = "Your previous message claimed a scheduling action occurred, but no scheduler tool was called in that turn. If you intend to schedule something, call scheduler_add_cron or scheduler_run_at now. Otherwise, correct your prior claim."

// schedulerActionCalled reports whether toolUses includes a scheduler
// action.
func schedulerActionCalled(toolUses []*llm.ToolUse) bool {
	for _, use := range toolUses {
		switch ipc.Action(use.Name) {
		case ipc.ActionSchedulerAddCron, ipc.ActionSchedulerRunAt:
			return true
		}
	}
	return false
}

// CheckHallucinatedScheduling returns a corrective user message to
// append to the conversation if text claims a scheduling action that
// toolUses does not substantiate. Returns an empty message (zero
// value) when no correction is needed.
func CheckHallucinatedScheduling(text string, toolUses []*llm.ToolUse) (llm.Message, bool) {
	if !schedulingClaimPattern.MatchString(text) {
		return llm.Message{}, false
	}
	if schedulerActionCalled(toolUses) {
		return llm.Message{}, false
	}
	return llm.Message{Role: llm.RoleUser, Content: []llm.ContentBlock{llm.TextBlock(correctiveInstruction)}}, true
}
