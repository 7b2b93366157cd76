// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ax-platform/ax/lib/workspace"
)

// WorkspacePreparer creates (or reuses) a session's workspace
// directory and (re-)copies skills into it (spec.md §4.6 step 4).
type WorkspacePreparer interface {
	// Prepare returns the absolute workspace path for sessionID,
	// creating it and copying skills into it if not already present.
	Prepare(sessionID string, skillsSourceDir string) (string, error)
}

// DirWorkspacePreparer lays workspaces out under a root directory
// keyed by session UUID (spec.md §6 "data/workspaces/<sessionUUID>/…"),
// never accepting a caller-supplied path fragment directly — sessionID
// is validated as a safe relative path component before any path is
// constructed from it (spec.md §5 "central safe-path helper").
type DirWorkspacePreparer struct {
	Root string
}

// Prepare implements WorkspacePreparer.
func (p DirWorkspacePreparer) Prepare(sessionID string, skillsSourceDir string) (string, error) {
	workspacePath, err := workspace.SafeJoin(p.Root, sessionID)
	if err != nil {
		return "", fmt.Errorf("router: invalid session workspace path: %w", err)
	}
	if err := os.MkdirAll(workspacePath, 0o755); err != nil {
		return "", fmt.Errorf("router: creating workspace: %w", err)
	}

	if skillsSourceDir != "" {
		if err := copySkills(skillsSourceDir, filepath.Join(workspacePath, "skills")); err != nil {
			return "", fmt.Errorf("router: copying skills into workspace: %w", err)
		}
	}
	return workspacePath, nil
}

// copySkills (re-)copies every regular file directly under src into
// dst, creating dst if needed. It does not recurse into
// subdirectories — skill documents are flat markdown files, per
// lib/promptbuilder.SkillDoc.
func copySkills(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	source, err := os.Open(src)
	if err != nil {
		return err
	}
	defer source.Close()

	dest, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer dest.Close()

	_, err = io.Copy(dest, source)
	return err
}
