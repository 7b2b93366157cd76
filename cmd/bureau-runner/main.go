// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// bureau-runner is the sandbox-side agent runner (spec.md §4.5). It
// reads one turn from stdin, builds a system prompt, drives the
// configured model provider to completion with local and IPC-routed
// tools, and streams assistant text to stdout.
//
// Configuration comes from environment variables:
//   - BUREAU_PROXY_SOCKET: proxy Unix socket path, for the model provider
//   - BUREAU_RUNNER_IPC_SOCKET: host IPC Unix socket path
//   - BUREAU_RUNNER_SESSION_ID: this session's UUID
//   - BUREAU_RUNNER_AGENT_ID: this agent's identifier
//   - BUREAU_RUNNER_WORKSPACE: workspace root for local tools
//   - BUREAU_RUNNER_PROVIDER: anthropic (default) or openai
//   - BUREAU_RUNNER_SERVICE: proxy HTTP service name (default matches provider)
//   - BUREAU_RUNNER_MODEL: model identifier
//   - BUREAU_RUNNER_MAX_TOKENS: max output tokens (default 8192)
//   - BUREAU_RUNNER_PROFILE: security profile (paranoid|standard|power-user)
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/ax-platform/ax/lib/agentrunner"
	"github.com/ax-platform/ax/lib/ipc"
	"github.com/ax-platform/ax/lib/llm"
	"github.com/ax-platform/ax/lib/process"
	"github.com/ax-platform/ax/lib/promptbuilder"
	"github.com/ax-platform/ax/lib/proxyclient"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	proxySocket := os.Getenv("BUREAU_PROXY_SOCKET")
	ipcSocket := envOrDefault("BUREAU_RUNNER_IPC_SOCKET", "/run/bureau/ipc.sock")
	sessionID := os.Getenv("BUREAU_RUNNER_SESSION_ID")
	agentID := os.Getenv("BUREAU_RUNNER_AGENT_ID")
	workspaceRoot := envOrDefault("BUREAU_RUNNER_WORKSPACE", ".")
	providerName := envOrDefault("BUREAU_RUNNER_PROVIDER", "anthropic")
	model := envOrDefault("BUREAU_RUNNER_MODEL", "claude-sonnet-4-5-20250929")
	maxTokens := envIntOrDefault("BUREAU_RUNNER_MAX_TOKENS", 8192)

	if !ipc.ValidSessionID(sessionID) {
		return fmt.Errorf("bureau-runner: BUREAU_RUNNER_SESSION_ID %q is not a valid session id", sessionID)
	}

	proxy := proxyclient.New(proxySocket, "")
	provider, err := newProvider(providerName, proxy.HTTPClient())
	if err != nil {
		return err
	}

	ipcClient, err := ipc.Dial("unix", ipcSocket, sessionID, agentID)
	if err != nil {
		return fmt.Errorf("bureau-runner: connecting to IPC socket: %w", err)
	}
	defer ipcClient.Close()

	payload, err := agentrunner.ReadPayload(os.Stdin)
	if err != nil {
		return fmt.Errorf("bureau-runner: %w", err)
	}

	builder := promptbuilder.NewBuilder(
		promptbuilder.NewIdentityModule(),
		promptbuilder.NewInjectionDefenseModule(),
		promptbuilder.NewSecurityBoundariesModule(),
		promptbuilder.NewContextModule(),
		promptbuilder.NewSkillsModule(),
		promptbuilder.NewRuntimeModule(),
		promptbuilder.NewHeartbeatModule(),
		promptbuilder.NewReplyGateModule(),
	)

	config := &agentrunner.Config{
		Provider:  provider,
		Model:     model,
		MaxTokens: maxTokens,
		Dispatcher: &agentrunner.Dispatcher{
			WorkspaceRoot: workspaceRoot,
			IPC:           ipcClient,
		},
		Builder: builder,
		Stdout:  os.Stdout,
	}

	promptCtx := buildPromptContext(workspaceRoot, payload)

	_, err = agentrunner.Run(context.Background(), config, promptCtx, payload)
	if err != nil {
		return fmt.Errorf("bureau-runner: %w", err)
	}
	return nil
}

func newProvider(name string, httpClient *http.Client) (llm.Provider, error) {
	switch name {
	case "anthropic":
		return llm.NewAnthropic(httpClient, envOrDefault("BUREAU_RUNNER_SERVICE", "anthropic")), nil
	case "openai":
		return llm.NewOpenAI(httpClient, envOrDefault("BUREAU_RUNNER_SERVICE", "openai")), nil
	default:
		return nil, fmt.Errorf("bureau-runner: unknown provider %q", name)
	}
}

func buildPromptContext(workspaceRoot string, payload agentrunner.Payload) promptbuilder.PromptContext {
	ctx := promptbuilder.PromptContext{
		WorkspacePath:       workspaceRoot,
		Profile:             envOrDefault("BUREAU_RUNNER_PROFILE", "standard"),
		ContextWindowTokens: envIntOrDefault("BUREAU_RUNNER_CONTEXT_WINDOW", 200000),
	}
	if payload.TaintState != nil {
		ctx.TaintRatio = payload.TaintState.Ratio
		ctx.TaintThreshold = payload.TaintState.Threshold
	}
	return ctx
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
