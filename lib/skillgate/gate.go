// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package skillgate

import "regexp"

// Verdict is the disposition of a proposed skill.
type Verdict string

const (
	AutoApprove Verdict = "AUTO_APPROVE"
	NeedsReview Verdict = "NEEDS_REVIEW"
	Reject      Verdict = "REJECT"
)

// hardRejectPatterns match content that must never become a skill,
// regardless of review (spec.md §4.5: "shell exec, eval, base64
// decode, dangerous process controls, direct network calls").
var hardRejectPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bos\.exec\b|\bexec\.Command\b|\bsubprocess\b|\bshell_exec\b`),
	regexp.MustCompile(`(?i)\beval\s*\(`),
	regexp.MustCompile(`(?i)\bbase64\s*(decode|-d)\b`),
	regexp.MustCompile(`(?i)\bos\.Kill\b|\bsyscall\.Kill\b|\bSIGKILL\b`),
	regexp.MustCompile(`(?i)\bnet\.Dial\b|\bhttp\.(Get|Post|Client)\b|\bsocket\s*\(`),
}

// capabilityPatterns match content that is not inherently dangerous
// but touches a capability a human should see before it is trusted
// (spec.md §4.5: "filesystem writes, env access, crypto").
var capabilityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bos\.(WriteFile|Create|Remove|Mkdir)\b|\bfile_write\b`),
	regexp.MustCompile(`(?i)\bos\.(Getenv|Environ)\b|\benvironment variable\b`),
	regexp.MustCompile(`(?i)\bcrypto/|\bencrypt|\bdecrypt|\bsign(ing)?\s+key\b`),
}

// Evaluate returns content's verdict: REJECT if any hard-reject
// pattern matches, NEEDS_REVIEW if any capability pattern matches,
// AUTO_APPROVE otherwise.
func Evaluate(content string) Verdict {
	for _, pattern := range hardRejectPatterns {
		if pattern.MatchString(content) {
			return Reject
		}
	}
	for _, pattern := range capabilityPatterns {
		if pattern.MatchString(content) {
			return NeedsReview
		}
	}
	return AutoApprove
}
