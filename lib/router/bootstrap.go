// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"bufio"
	"os"
	"strings"
)

// bootstrapDeclinedReply is returned to any non-admin sender while an
// agent is in bootstrap mode (spec.md §4.6 "Bootstrap gate").
const bootstrapDeclinedReply = "This agent is still being set up. Please check back later."

// BootstrapGate enforces spec.md §4.6's bootstrap-mode restriction:
// while an agent has a BOOTSTRAP.md but no SOUL.md yet, only
// operator-listed admin senders may interact with it.
type BootstrapGate struct {
	// AdminsPath is the path to the admins file, one sender id per
	// line (blank lines and lines starting with # ignored). Read
	// fresh on every call — spec.md §4.6 "the list is refreshed each
	// call" — so an operator edit takes effect on the very next turn.
	AdminsPath string
}

// Allow reports whether senderID may interact with an agent currently
// in bootstrap mode. When bootstrapped is false, every sender is
// allowed — the gate only restricts bootstrap mode itself.
func (g BootstrapGate) Allow(bootstrapped bool, senderID string) bool {
	if !bootstrapped {
		return true
	}
	admins, err := g.readAdmins()
	if err != nil {
		return false
	}
	return admins[senderID]
}

// DeclineReply is the canned reply for a bootstrap-gate refusal.
func (g BootstrapGate) DeclineReply() string {
	return bootstrapDeclinedReply
}

func (g BootstrapGate) readAdmins() (map[string]bool, error) {
	file, err := os.Open(g.AdminsPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	admins := make(map[string]bool)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		admins[line] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return admins, nil
}
