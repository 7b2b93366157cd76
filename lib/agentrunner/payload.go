// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentrunner

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ax-platform/ax/lib/llm"
)

// HistoryTurn is one prior turn as delivered over stdin, before it is
// converted to an llm.Message.
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TaintState is the taint summary the host includes in the stdin
// payload, used to populate PromptContext.TaintRatio/TaintThreshold
// without the sandbox ever touching the host's lib/taint.Tracker
// directly.
type TaintState struct {
	Ratio     float64 `json:"ratio"`
	Threshold float64 `json:"threshold"`
}

// Payload is the stdin contract (spec.md §4.5 "a JSON payload
// {message, history:[{role,content}…], taintState?}").
type Payload struct {
	Message    string        `json:"message"`
	History    []HistoryTurn `json:"history"`
	TaintState *TaintState   `json:"taintState"`
}

// ReadPayload reads and parses a Payload from r. If the input does not
// parse as the JSON object shape, it is treated as plain text (spec.md
// §4.5 "plain-text stdin is accepted for backward compatibility") and
// becomes the sole message with no history.
func ReadPayload(r io.Reader) (Payload, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Payload{}, fmt.Errorf("agentrunner: reading stdin: %w", err)
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return Payload{}, fmt.Errorf("agentrunner: empty stdin")
	}

	if trimmed[0] == '{' {
		var payload Payload
		if err := json.Unmarshal([]byte(trimmed), &payload); err == nil && payload.Message != "" {
			return payload, nil
		}
		// Falls through to the plain-text branch: a stray '{' in a
		// plain-text message that happens not to decode as our shape
		// is still a valid plain-text message, not a parse error.
	}
	return Payload{Message: trimmed}, nil
}

// Messages converts history turns plus the final user message into
// llm.Messages, in order.
func (p Payload) Messages() []llm.Message {
	messages := make([]llm.Message, 0, len(p.History)+1)
	for _, turn := range p.History {
		role := llm.Role(turn.Role)
		switch role {
		case llm.RoleUser, llm.RoleAssistant, llm.RoleSystem:
		default:
			role = llm.RoleUser
		}
		messages = append(messages, llm.Message{Role: role, Content: []llm.ContentBlock{llm.TextBlock(turn.Content)}})
	}
	messages = append(messages, llm.UserMessage(p.Message))
	return messages
}
