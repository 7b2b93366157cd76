// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/ax-platform/ax/lib/agentrunner"
)

// SandboxLauncher spawns the agent runner for one turn and returns its
// complete stdout (spec.md §4.6 step 5 "Launch the agent through the
// sandbox provider; feed stdin; collect stdout/stderr").
type SandboxLauncher interface {
	Launch(ctx context.Context, workspacePath string, payload agentrunner.Payload) (string, error)
}

// ProcessLauncher spawns the agent runner binary as a subprocess,
// feeding it payload as JSON on stdin and collecting stdout, bounded
// by Timeout (spec.md §5 "Every sandbox spawn has a timeout"). It is
// the router's reference launcher — a container- or VM-backed sandbox
// provider implements the same interface out of process.
type ProcessLauncher struct {
	// BinaryPath is the agent runner executable (cmd/bureau-runner).
	BinaryPath string
	// Args is passed to BinaryPath unchanged; the agent runner itself
	// takes none, but tests exercise the timeout path against stand-in
	// binaries that do.
	Args []string
	// Env is appended to the spawned process's environment, e.g.
	// BUREAU_RUNNER_WORKSPACE, BUREAU_RUNNER_IPC_SOCKET.
	Env []string
	// Timeout bounds the spawn; on expiry the process is killed
	// (spec.md §5 "On expiry the host sends SIGKILL").
	Timeout time.Duration
}

// Launch implements SandboxLauncher.
func (l ProcessLauncher) Launch(ctx context.Context, workspacePath string, payload agentrunner.Payload) (string, error) {
	return l.launchArgs(ctx, l.Args, workspacePath, payload)
}

func (l ProcessLauncher) launchArgs(ctx context.Context, args []string, workspacePath string, payload agentrunner.Payload) (string, error) {
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	spawnCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdinBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("router: marshaling agent payload: %w", err)
	}

	command := exec.CommandContext(spawnCtx, l.BinaryPath, args...)
	command.Dir = workspacePath
	command.Env = append(command.Env, l.Env...)
	command.Stdin = bytes.NewReader(stdinBytes)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("router: agent runner exited: %w (stderr: %s)", err, stderr.String())
	}
	return stdout.String(), nil
}
