// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaSource is the literal JSON Schema document for one action.
// additionalProperties is false everywhere (top level and every nested
// object) per spec.md §4.1's strict-mode requirement; maxLength and
// pattern keywords encode the length caps and ID constraints.
var schemaSource = map[Action]string{
	ActionLLMCall: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["action", "messages"],
		"properties": {
			"action": {"const": "llm_call"},
			"messages": {
				"type": "array",
				"maxItems": 500,
				"items": {
					"type": "object",
					"additionalProperties": false,
					"required": ["role", "content"],
					"properties": {
						"role": {"enum": ["user", "assistant", "system", "tool"]},
						"content": {"type": "string", "maxLength": 10000, "pattern": "^[^\u0000]*$"}
					}
				}
			},
			"tools": {"type": "array", "maxItems": 100},
			"stream": {"type": "boolean"}
		}
	}`,
	ActionMemoryWrite: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["action", "scope", "content"],
		"properties": {
			"action": {"const": "memory_write"},
			"scope": {"type": "string", "maxLength": 200, "pattern": "^[A-Za-z0-9_-]+$"},
			"content": {"type": "string", "maxLength": 10000, "pattern": "^[^\u0000]*$"},
			"tags": {"type": "array", "maxItems": 32, "items": {"type": "string", "maxLength": 50}}
		}
	}`,
	ActionMemoryRead: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["action", "id"],
		"properties": {
			"action": {"const": "memory_read"},
			"id": {"type": "string", "maxLength": 200, "pattern": "^[A-Za-z0-9_-]+$"}
		}
	}`,
	ActionMemoryQuery: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["action", "query"],
		"properties": {
			"action": {"const": "memory_query"},
			"query": {"type": "string", "maxLength": 2000, "pattern": "^[^\u0000]*$"},
			"mode": {"enum": ["exact", "tag", "semantic"]},
			"limit": {"type": "integer", "minimum": 1, "maximum": 100}
		}
	}`,
	ActionMemoryDelete: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["action", "id"],
		"properties": {
			"action": {"const": "memory_delete"},
			"id": {"type": "string", "maxLength": 200, "pattern": "^[A-Za-z0-9_-]+$"}
		}
	}`,
	ActionMemoryList: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["action"],
		"properties": {
			"action": {"const": "memory_list"},
			"scope": {"type": "string", "maxLength": 200, "pattern": "^[A-Za-z0-9_-]+$"}
		}
	}`,
	ActionWebFetch: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["action", "url"],
		"properties": {
			"action": {"const": "web_fetch"},
			"url": {"type": "string", "maxLength": 2000, "pattern": "^[^\u0000]*$"}
		}
	}`,
	ActionWebSearch: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["action", "query"],
		"properties": {
			"action": {"const": "web_search"},
			"query": {"type": "string", "maxLength": 500, "pattern": "^[^\u0000]*$"}
		}
	}`,
	ActionBrowserNavigate: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["action", "url"],
		"properties": {
			"action": {"const": "browser_navigate"},
			"url": {"type": "string", "maxLength": 2000, "pattern": "^[^\u0000]*$"}
		}
	}`,
	ActionBrowserSnapshot: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["action"],
		"properties": {
			"action": {"const": "browser_snapshot"}
		}
	}`,
	ActionBrowserClick: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["action", "selector"],
		"properties": {
			"action": {"const": "browser_click"},
			"selector": {"type": "string", "maxLength": 500, "pattern": "^[^\u0000]*$"}
		}
	}`,
	ActionBrowserType: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["action", "selector", "text"],
		"properties": {
			"action": {"const": "browser_type"},
			"selector": {"type": "string", "maxLength": 500, "pattern": "^[^\u0000]*$"},
			"text": {"type": "string", "maxLength": 10000, "pattern": "^[^\u0000]*$"}
		}
	}`,
	ActionBrowserScreenshot: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["action"],
		"properties": {
			"action": {"const": "browser_screenshot"}
		}
	}`,
	ActionSkillList: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["action"],
		"properties": {
			"action": {"const": "skill_list"}
		}
	}`,
	ActionSkillRead: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["action", "name"],
		"properties": {
			"action": {"const": "skill_read"},
			"name": {"type": "string", "maxLength": 100, "pattern": "^[A-Za-z0-9_-]+$"}
		}
	}`,
	ActionSkillPropose: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["action", "name", "content"],
		"properties": {
			"action": {"const": "skill_propose"},
			"name": {"type": "string", "maxLength": 100, "pattern": "^[A-Za-z0-9_-]+$"},
			"description": {"type": "string", "maxLength": 500, "pattern": "^[^\u0000]*$"},
			"content": {"type": "string", "maxLength": 10000, "pattern": "^[^\u0000]*$"}
		}
	}`,
	ActionSchedulerAddCron: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["action", "schedule", "prompt"],
		"properties": {
			"action": {"const": "scheduler_add_cron"},
			"schedule": {"type": "string", "maxLength": 100, "pattern": "^[^\u0000]*$"},
			"prompt": {"type": "string", "maxLength": 10000, "pattern": "^[^\u0000]*$"},
			"max_token_budget": {"type": "integer", "minimum": 1},
			"delivery": {
				"type": "object",
				"additionalProperties": false,
				"required": ["mode"],
				"properties": {
					"mode": {"enum": ["channel", "none"]},
					"target": {"type": "string", "maxLength": 500}
				}
			}
		}
	}`,
	ActionSchedulerRemoveCron: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["action", "id"],
		"properties": {
			"action": {"const": "scheduler_remove_cron"},
			"id": {"type": "string", "maxLength": 100, "pattern": "^[A-Za-z0-9_-]+$"}
		}
	}`,
	ActionSchedulerListJobs: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["action"],
		"properties": {
			"action": {"const": "scheduler_list_jobs"}
		}
	}`,
	ActionSchedulerRunAt: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["action", "at", "prompt"],
		"properties": {
			"action": {"const": "scheduler_run_at"},
			"at": {"type": "string", "maxLength": 50, "pattern": "^[^\u0000]*$"},
			"prompt": {"type": "string", "maxLength": 10000, "pattern": "^[^\u0000]*$"}
		}
	}`,
	ActionAuditQuery: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["action"],
		"properties": {
			"action": {"const": "audit_query"},
			"since": {"type": "string", "maxLength": 50},
			"limit": {"type": "integer", "minimum": 1, "maximum": 1000}
		}
	}`,
	ActionDelegate: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["action", "prompt"],
		"properties": {
			"action": {"const": "delegate"},
			"prompt": {"type": "string", "maxLength": 10000, "pattern": "^[^\u0000]*$"},
			"agent_type": {"type": "string", "maxLength": 100, "pattern": "^[A-Za-z0-9_-]+$"}
		}
	}`,
}

var (
	compileOnce sync.Once
	compiled    map[Action]*jsonschema.Schema
	compileErr  error
)

// compileSchemas lazily compiles every action schema the first time
// Validate is called. Compilation failures are a programming error
// (a hand-authored schema is malformed), not a runtime condition, so
// they are returned rather than panicked — callers at startup should
// treat a non-nil error here as fatal (spec.md §7 "Fatal errors").
func compileSchemas() (map[Action]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		for action, src := range schemaSource {
			url := "mem://" + string(action) + ".json"
			if err := compiler.AddResource(url, bytes.NewReader([]byte(src))); err != nil {
				compileErr = fmt.Errorf("adding schema resource for %s: %w", action, err)
				return
			}
		}
		result := make(map[Action]*jsonschema.Schema, len(schemaSource))
		for action := range schemaSource {
			url := "mem://" + string(action) + ".json"
			schema, err := compiler.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("compiling schema for %s: %w", action, err)
				return
			}
			result[action] = schema
		}
		compiled = result
	})
	return compiled, compileErr
}

// ValidateRaw validates raw JSON bytes against the schema registered
// for action. Returns an error describing the first-discovered schema
// violation — unknown field, oversized string, NUL byte, malformed
// pattern, missing required field — as required by TESTABLE PROPERTY
// 1. An action with no registered schema is itself a validation
// failure: the action is unrecognized.
func ValidateRaw(action Action, raw []byte) error {
	schemas, err := compileSchemas()
	if err != nil {
		return fmt.Errorf("ipc: schema compilation failed: %w", err)
	}
	schema, ok := schemas[action]
	if !ok {
		return fmt.Errorf("ipc: unrecognized action %q", action)
	}

	var decoded any
	if err := jsonschema.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("ipc: malformed JSON: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("ipc: schema validation failed for %s: %w", action, err)
	}
	return nil
}
