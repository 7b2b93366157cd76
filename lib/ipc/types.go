// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import "encoding/json"

// Action identifies one of the enumerated IPC operations. The string
// value is also the "action" field fixed by that action's JSON schema.
type Action string

const (
	ActionLLMCall Action = "llm_call"

	ActionMemoryWrite  Action = "memory_write"
	ActionMemoryRead   Action = "memory_read"
	ActionMemoryQuery  Action = "memory_query"
	ActionMemoryDelete Action = "memory_delete"
	ActionMemoryList   Action = "memory_list"

	ActionWebFetch          Action = "web_fetch"
	ActionWebSearch         Action = "web_search"
	ActionBrowserNavigate   Action = "browser_navigate"
	ActionBrowserSnapshot   Action = "browser_snapshot"
	ActionBrowserClick      Action = "browser_click"
	ActionBrowserType       Action = "browser_type"
	ActionBrowserScreenshot Action = "browser_screenshot"

	ActionSkillList    Action = "skill_list"
	ActionSkillRead    Action = "skill_read"
	ActionSkillPropose Action = "skill_propose"

	ActionSchedulerAddCron    Action = "scheduler_add_cron"
	ActionSchedulerRemoveCron Action = "scheduler_remove_cron"
	ActionSchedulerListJobs   Action = "scheduler_list_jobs"
	ActionSchedulerRunAt      Action = "scheduler_run_at"

	ActionAuditQuery Action = "audit_query"

	ActionDelegate Action = "delegate"
)

// TaintProducingActions is the closed set of actions that, on success,
// introduce externally-sourced content into a session. Mirrors
// SessionTaintTracker.isTaintProducing.
var TaintProducingActions = map[Action]bool{
	ActionWebFetch:        true,
	ActionWebSearch:       true,
	ActionBrowserNavigate: true,
	ActionBrowserSnapshot: true,
}

// SensitiveActions is the closed set of actions gated by the taint
// budget threshold before execution.
var SensitiveActions = map[Action]bool{
	ActionSkillPropose:      true,
	ActionSchedulerAddCron:  true, // treated as email-send-equivalent: produces an outbound effect later, unattended
	ActionBrowserClick:      true,
	ActionBrowserType:       true,
	ActionBrowserNavigate:   true,
	ActionBrowserScreenshot: true,
}

// Envelope is the raw frame read off the wire before action-specific
// validation. Request decodes into Envelope first so the dispatcher
// can look up the right schema before fully validating typed fields.
type Envelope struct {
	Action Action          `json:"action"`
	Args   json.RawMessage `json:"-"`
}

// Context is injected by the server from the connection handshake,
// never from the request payload. Handlers receive it as a separate
// argument; a payload field named sessionId or agentId is rejected by
// schema validation (additionalProperties:false) rather than silently
// overridden, so a client cannot even observe context-spoofing being
// ignored.
type Context struct {
	SessionID string
	AgentID   string
}

// Response is the envelope returned for every request: {ok:true, ...}
// or {ok:false, error:<string>}. Action-specific result fields are
// carried in Result, marshaled inline by Response.MarshalJSON.
type Response struct {
	OK     bool
	Error  string
	Result any
}

type responseWire struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// MarshalJSON flattens Result's fields alongside ok/error when Result
// is a struct or map, matching the shape external callers expect
// ({ok:true, chunks:[...]}) rather than nesting everything under a
// "result" key.
func (r Response) MarshalJSON() ([]byte, error) {
	if !r.OK {
		return json.Marshal(responseWire{OK: false, Error: r.Error})
	}
	if r.Result == nil {
		return json.Marshal(responseWire{OK: true})
	}
	resultBytes, err := json.Marshal(r.Result)
	if err != nil {
		return nil, err
	}
	var resultFields map[string]json.RawMessage
	if err := json.Unmarshal(resultBytes, &resultFields); err != nil {
		// Result did not marshal to a JSON object (e.g. a scalar or
		// array) — carry it under "result" rather than failing.
		return json.Marshal(map[string]json.RawMessage{
			"ok":     json.RawMessage("true"),
			"result": resultBytes,
		})
	}
	out := make(map[string]json.RawMessage, len(resultFields)+1)
	out["ok"] = json.RawMessage("true")
	for k, v := range resultFields {
		out[k] = v
	}
	return json.Marshal(out)
}

// OK builds a successful response carrying result as its fields.
func OK(result any) Response { return Response{OK: true, Result: result} }

// Fail builds a failed response with the given opaque message. Callers
// must never include internal diagnostic detail in msg for policy
// errors — the detailed reason belongs in the audit entry only.
func Fail(msg string) Response { return Response{OK: false, Error: msg} }
