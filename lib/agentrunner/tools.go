// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ax-platform/ax/lib/ipc"
	"github.com/ax-platform/ax/lib/llm"
	"github.com/ax-platform/ax/lib/workspace"
)

// localToolTimeout bounds a single shell invocation. File read/write/
// edit tools are not subject to it — only the shell tool spawns a
// subprocess that could hang.
const localToolTimeout = 30 * time.Second

// localTools are executed inside the sandbox, never leaving the
// process (spec.md §4.5 "Local tools ... bounded to the workspace
// directory via a path-safety helper").
var localToolNames = map[string]bool{
	"file_read":  true,
	"file_write": true,
	"file_edit":  true,
	"shell":      true,
}

// ToolDefinitions returns the full tool catalog offered to the model:
// the fixed local tools plus one remote tool per IPC action available
// to agents (every Action except llm_call and delegate, which the
// runner itself issues and a supervising router issues respectively).
func ToolDefinitions() []llm.ToolDefinition {
	definitions := []llm.ToolDefinition{
		{
			Name:        "file_read",
			Description: "Read a file's contents, given a path relative to the workspace root.",
			InputSchema: json.RawMessage(`{"type":"object","required":["path"],"properties":{"path":{"type":"string"}}}`),
		},
		{
			Name:        "file_write",
			Description: "Write content to a file, given a path relative to the workspace root. Creates or overwrites.",
			InputSchema: json.RawMessage(`{"type":"object","required":["path","content"],"properties":{"path":{"type":"string"},"content":{"type":"string"}}}`),
		},
		{
			Name:        "file_edit",
			Description: "Replace the first occurrence of old_text with new_text in a file, given a path relative to the workspace root.",
			InputSchema: json.RawMessage(`{"type":"object","required":["path","old_text","new_text"],"properties":{"path":{"type":"string"},"old_text":{"type":"string"},"new_text":{"type":"string"}}}`),
		},
		{
			Name:        "shell",
			Description: "Run a shell command with the workspace root as its working directory.",
			InputSchema: json.RawMessage(`{"type":"object","required":["command"],"properties":{"command":{"type":"string"}}}`),
		},
	}
	for _, action := range remoteActions {
		definitions = append(definitions, llm.ToolDefinition{
			Name:        string(action),
			Description: remoteDescriptions[action],
			InputSchema: json.RawMessage(`{"type":"object"}`),
		})
	}
	return definitions
}

// remoteActions is the ordered set of IPC actions exposed as tools.
// llm_call and delegate are excluded: llm_call is the model-invocation
// primitive the runner itself uses, not a tool the model calls on
// itself, and delegate is reserved for a supervising agent, not a leaf
// agent's own tool catalog.
var remoteActions = []ipc.Action{
	ipc.ActionMemoryWrite, ipc.ActionMemoryRead, ipc.ActionMemoryQuery, ipc.ActionMemoryDelete, ipc.ActionMemoryList,
	ipc.ActionWebFetch, ipc.ActionWebSearch,
	ipc.ActionBrowserNavigate, ipc.ActionBrowserSnapshot, ipc.ActionBrowserClick, ipc.ActionBrowserType, ipc.ActionBrowserScreenshot,
	ipc.ActionSkillList, ipc.ActionSkillRead, ipc.ActionSkillPropose,
	ipc.ActionSchedulerAddCron, ipc.ActionSchedulerRemoveCron, ipc.ActionSchedulerListJobs, ipc.ActionSchedulerRunAt,
	ipc.ActionAuditQuery,
}

var remoteDescriptions = map[ipc.Action]string{
	ipc.ActionMemoryWrite:        "Write a memory entry under a scope.",
	ipc.ActionMemoryRead:         "Read a memory entry by id.",
	ipc.ActionMemoryQuery:        "Search memory entries.",
	ipc.ActionMemoryDelete:       "Delete a memory entry by id.",
	ipc.ActionMemoryList:         "List memory entries, optionally filtered by scope.",
	ipc.ActionWebFetch:           "Fetch a URL's content.",
	ipc.ActionWebSearch:          "Search the web.",
	ipc.ActionBrowserNavigate:    "Navigate the browser to a URL.",
	ipc.ActionBrowserSnapshot:    "Snapshot the current browser page.",
	ipc.ActionBrowserClick:       "Click an element on the current browser page.",
	ipc.ActionBrowserType:        "Type text into an element on the current browser page.",
	ipc.ActionBrowserScreenshot:  "Screenshot the current browser page.",
	ipc.ActionSkillList:          "List available skills.",
	ipc.ActionSkillRead:          "Read a skill's content by name.",
	ipc.ActionSkillPropose:       "Propose a new skill for approval.",
	ipc.ActionSchedulerAddCron:   "Schedule a recurring prompt on a cron schedule.",
	ipc.ActionSchedulerRemoveCron: "Remove a previously scheduled job.",
	ipc.ActionSchedulerListJobs:  "List scheduled jobs.",
	ipc.ActionSchedulerRunAt:     "Schedule a one-time prompt at a future time.",
	ipc.ActionAuditQuery:         "Query the audit trail.",
}

// Dispatcher executes one tool call, routing local tools through the
// workspace path-safety helper and everything else over IPC.
type Dispatcher struct {
	WorkspaceRoot string
	IPC           *ipc.Client
}

// Dispatch executes toolUse and returns its result content plus
// whether it represents an error. It never returns a Go error for a
// tool-level failure — those are reported as IsError:true results so
// the model can see and react to them, per the teacher's convention in
// the CLI-tool agent loop.
func (d *Dispatcher) Dispatch(ctx context.Context, toolUse llm.ToolUse) llm.ToolResult {
	if localToolNames[toolUse.Name] {
		content, isError := d.dispatchLocal(ctx, toolUse)
		return llm.ToolResult{ToolUseID: toolUse.ID, Content: content, IsError: isError}
	}
	return d.dispatchRemote(toolUse)
}

func (d *Dispatcher) dispatchLocal(ctx context.Context, toolUse llm.ToolUse) (string, bool) {
	switch toolUse.Name {
	case "file_read":
		var args struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(toolUse.Input, &args); err != nil {
			return err.Error(), true
		}
		resolved, err := workspace.SafeJoin(d.WorkspaceRoot, args.Path)
		if err != nil {
			return err.Error(), true
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return err.Error(), true
		}
		return string(data), false

	case "file_write":
		var args struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(toolUse.Input, &args); err != nil {
			return err.Error(), true
		}
		resolved, err := workspace.SafeJoin(d.WorkspaceRoot, args.Path)
		if err != nil {
			return err.Error(), true
		}
		if err := os.WriteFile(resolved, []byte(args.Content), 0o644); err != nil {
			return err.Error(), true
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), false

	case "file_edit":
		var args struct {
			Path    string `json:"path"`
			OldText string `json:"old_text"`
			NewText string `json:"new_text"`
		}
		if err := json.Unmarshal(toolUse.Input, &args); err != nil {
			return err.Error(), true
		}
		resolved, err := workspace.SafeJoin(d.WorkspaceRoot, args.Path)
		if err != nil {
			return err.Error(), true
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return err.Error(), true
		}
		original := string(data)
		if !strings.Contains(original, args.OldText) {
			return "old_text not found in file", true
		}
		updated := strings.Replace(original, args.OldText, args.NewText, 1)
		if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
			return err.Error(), true
		}
		return "edit applied", false

	case "shell":
		var args struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(toolUse.Input, &args); err != nil {
			return err.Error(), true
		}
		runCtx, cancel := context.WithTimeout(ctx, localToolTimeout)
		defer cancel()
		command := exec.CommandContext(runCtx, "sh", "-c", args.Command)
		command.Dir = d.WorkspaceRoot
		output, err := command.CombinedOutput()
		if err != nil {
			return fmt.Sprintf("%s\n%s", err, output), true
		}
		return string(output), false

	default:
		return fmt.Sprintf("unknown local tool %q", toolUse.Name), true
	}
}

func (d *Dispatcher) dispatchRemote(toolUse llm.ToolUse) llm.ToolResult {
	action := ipc.Action(toolUse.Name)
	var args map[string]json.RawMessage
	if err := json.Unmarshal(toolUse.Input, &args); err != nil {
		return llm.ToolResult{ToolUseID: toolUse.ID, Content: err.Error(), IsError: true}
	}
	resp, err := d.IPC.Call(action, args)
	if err != nil {
		return llm.ToolResult{ToolUseID: toolUse.ID, Content: err.Error(), IsError: true}
	}
	if !resp.OK {
		return llm.ToolResult{ToolUseID: toolUse.ID, Content: resp.Error, IsError: true}
	}
	resultBytes, _ := json.Marshal(resp.Result)
	return llm.ToolResult{ToolUseID: toolUse.ID, Content: string(resultBytes), IsError: false}
}
