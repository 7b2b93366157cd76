// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"regexp"
	"strings"
)

// Verdict is the outcome of inbound scanning (spec.md §4.6 "Verdict ∈
// {PASS,FLAG,BLOCK}").
type Verdict string

const (
	VerdictPass  Verdict = "PASS"
	VerdictFlag  Verdict = "FLAG"
	VerdictBlock Verdict = "BLOCK"
)

// blockPatterns match content that must never reach the model — known
// prompt-injection framing that attempts to override the system
// prompt or impersonate a privileged role.
var blockPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (all|your|the) (previous|prior|above) (instructions|prompt|rules)`),
	regexp.MustCompile(`(?i)you are now (in )?(developer|debug|admin|god) mode`),
	regexp.MustCompile(`(?i)disregard (your|all) (system prompt|safety|guidelines)`),
	regexp.MustCompile(`(?i)\[?(system|assistant)\]?\s*:\s*you must`),
}

// flagPatterns match content that is suspicious but not unambiguous
// enough to block outright — it proceeds to the model, but is recorded
// for audit and the turn stays under extra taint-budget scrutiny.
var flagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)reveal your (system prompt|instructions)`),
	regexp.MustCompile(`(?i)print (your|the) (system prompt|hidden instructions)`),
	regexp.MustCompile(`(?i)pretend (you are|to be) (an? )?(unrestricted|jailbroken)`),
}

// InboundScan classifies text plus any attached external content
// (spec.md §4.6 step 1). attachments are scanned with the same
// patterns as text — injection payloads arrive equally often via
// fetched page content as via the message body itself.
func InboundScan(text string, attachments ...string) Verdict {
	all := append([]string{text}, attachments...)
	verdict := VerdictPass
	for _, content := range all {
		for _, pattern := range blockPatterns {
			if pattern.MatchString(content) {
				return VerdictBlock
			}
		}
		for _, pattern := range flagPatterns {
			if pattern.MatchString(content) {
				verdict = VerdictFlag
			}
		}
	}
	return verdict
}

// redactedPlaceholder replaces a leaked canary in outbound text.
const redactedPlaceholder = "[redacted]"

// OutboundScan checks assistant output for a canary leak (spec.md
// §4.6 step 6). If canary is found verbatim in text, it returns the
// text with every occurrence redacted and leaked=true — the caller
// must mark the session compromised in that case. An empty canary
// never matches, so callers that minted no canary for this turn are
// safe to call with "".
func OutboundScan(text, canary string) (redacted string, leaked bool) {
	if canary == "" || !strings.Contains(text, canary) {
		return text, false
	}
	return strings.ReplaceAll(text, canary, redactedPlaceholder), true
}
