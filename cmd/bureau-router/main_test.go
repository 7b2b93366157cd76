// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestIsBootstrappingTrueWhenOnlyBootstrapFileExists(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "BOOTSTRAP.md"), []byte("# bootstrap"), 0o644); err != nil {
		t.Fatalf("writing BOOTSTRAP.md: %v", err)
	}

	if !isBootstrapping(dir) {
		t.Errorf("isBootstrapping() = false, want true when BOOTSTRAP.md exists without SOUL.md")
	}
}

func TestIsBootstrappingFalseOnceSoulExists(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "BOOTSTRAP.md"), []byte("# bootstrap"), 0o644); err != nil {
		t.Fatalf("writing BOOTSTRAP.md: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "SOUL.md"), []byte("# soul"), 0o644); err != nil {
		t.Fatalf("writing SOUL.md: %v", err)
	}

	if isBootstrapping(dir) {
		t.Errorf("isBootstrapping() = true, want false once SOUL.md exists")
	}
}

func TestIsBootstrappingFalseWithNeitherFile(t *testing.T) {
	dir := t.TempDir()

	if isBootstrapping(dir) {
		t.Errorf("isBootstrapping() = true, want false when identity directory has neither file")
	}
}

func TestSessionRegistryReusesSessionForSameAddress(t *testing.T) {
	registry := newSessionRegistry()

	first := registry.sessionFor("slack:channel:workspace:general")
	second := registry.sessionFor("slack:channel:workspace:general")

	if first != second {
		t.Errorf("sessionFor() returned different ids for the same address key: %q != %q", first, second)
	}
}

func TestSessionRegistryMintsDistinctSessionsForDistinctAddresses(t *testing.T) {
	registry := newSessionRegistry()

	a := registry.sessionFor("slack:dm:alice")
	b := registry.sessionFor("slack:dm:bob")

	if a == b {
		t.Errorf("sessionFor() returned the same id for distinct address keys")
	}
}

func TestConfiguredAdaptersEmptyWithNoCredentials(t *testing.T) {
	for _, key := range []string{"SLACK_BOT_TOKEN", "SLACK_APP_TOKEN", "DISCORD_BOT_TOKEN", "TELEGRAM_BOT_TOKEN"} {
		t.Setenv(key, "")
	}

	adapters := configuredAdapters(slog.Default())
	if len(adapters) != 0 {
		t.Errorf("configuredAdapters() = %d adapters, want 0 with no credentials set", len(adapters))
	}
}

func TestConfiguredAdaptersPicksUpEachProvider(t *testing.T) {
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-test")
	t.Setenv("SLACK_APP_TOKEN", "xapp-test")
	t.Setenv("DISCORD_BOT_TOKEN", "discord-test")
	t.Setenv("TELEGRAM_BOT_TOKEN", "telegram-test")

	adapters := configuredAdapters(slog.Default())
	if len(adapters) != 3 {
		t.Fatalf("configuredAdapters() = %d adapters, want 3", len(adapters))
	}

	seen := make(map[string]bool, len(adapters))
	for _, a := range adapters {
		seen[a.Provider()] = true
	}
	for _, want := range []string{"slack", "discord", "telegram"} {
		if !seen[want] {
			t.Errorf("configuredAdapters() missing provider %q", want)
		}
	}
}

func TestConfiguredAdaptersSkipsSlackWithoutBothTokens(t *testing.T) {
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-test")
	t.Setenv("SLACK_APP_TOKEN", "")
	t.Setenv("DISCORD_BOT_TOKEN", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")

	adapters := configuredAdapters(slog.Default())
	if len(adapters) != 0 {
		t.Errorf("configuredAdapters() = %d adapters, want 0 when only one Slack token is set", len(adapters))
	}
}
