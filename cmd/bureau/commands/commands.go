// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the complete Bureau CLI command tree for
// the bureau CLI binary.
package commands

import (
	"context"
	"fmt"
	"log/slog"

	agentcmd "github.com/ax-platform/ax/cmd/bureau/agent"
	authcmd "github.com/ax-platform/ax/cmd/bureau/auth"
	cborcmd "github.com/ax-platform/ax/cmd/bureau/cbor"
	"github.com/ax-platform/ax/cmd/bureau/cli"
	doctorcmd "github.com/ax-platform/ax/cmd/bureau/doctor"
	observecmd "github.com/ax-platform/ax/cmd/bureau/observe"
	servicecmd "github.com/ax-platform/ax/cmd/bureau/service"
	suggestcmd "github.com/ax-platform/ax/cmd/bureau/suggest"
	templatecmd "github.com/ax-platform/ax/cmd/bureau/template"
	workspacecmd "github.com/ax-platform/ax/cmd/bureau/workspace"
	"github.com/ax-platform/ax/lib/version"
)

// Root builds and returns the complete Bureau CLI command tree.
// The suggest command is added last (after the tree is constructed)
// because it walks root.Subcommands to build its search index.
func Root() *cli.Command {
	root := &cli.Command{
		Name: "bureau",
		Description: `Bureau: AI agent orchestration system.

Manage sandboxed agent processes with credential isolation and live
observation.`,
		Subcommands: []*cli.Command{
			cli.LoginCommand(),
			cli.WhoAmICommand(),
			doctorcmd.Command(),
			observecmd.ObserveCommand(),
			observecmd.DashboardCommand(),
			observecmd.ListCommand(),
			agentcmd.Command(),
			servicecmd.Command(),
			authcmd.Command(),
			templatecmd.Command(),
			workspacecmd.Command(),
			cborcmd.Command(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(_ context.Context, args []string, _ *slog.Logger) error {
					fmt.Printf("bureau %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Diagnose the operator environment (start here when lost)",
				Command:     "bureau doctor",
			},
			{
				Description: "Authenticate as an operator (saves session locally)",
				Command:     "bureau login ben",
			},
			{
				Description: "See what's running on this machine",
				Command:     "bureau list",
			},
			{
				Description: "Open the machine dashboard (all running principals)",
				Command:     "bureau dashboard",
			},
			{
				Description: "Observe a single agent's terminal",
				Command:     "bureau observe iree/amdgpu/pm",
			},
			{
				Description: "Open a project channel dashboard",
				Command:     "bureau dashboard '#iree/amdgpu/general'",
			},
			{
				Description: "List available sandbox templates",
				Command:     "bureau template list bureau/template",
			},
			{
				Description: "Create a workspace for a project",
				Command:     "bureau workspace create iree/amdgpu/inference --template dev-workspace",
			},
		},
	}

	// Add commands that need access to the full command tree. These
	// must be added after the tree is constructed because they walk
	// root.Subcommands for tool discovery or search indexing.
	root.Subcommands = append(root.Subcommands,
		suggestcmd.Command(root),
	)

	return root
}
