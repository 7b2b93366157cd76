// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package workspace is the single safe-path helper spec.md §5 requires:
// "reject absolute paths, .. segments, symlink escapes" for every
// filesystem operation the sandbox or host performs on a workspace-relative
// path (local file tools, worktree/workspace naming, skill manifest
// loading).
package workspace

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateRelativePath checks that path is safe to join onto a workspace
// root: no absolute paths, no ".." segments, no NUL bytes, non-empty. label
// is used only to make error messages identify which caller rejected the
// path (e.g. "workspace name", "worktree path", "tool path").
func ValidateRelativePath(path, label string) error {
	if path == "" {
		return fmt.Errorf("%s must not be empty", label)
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("%s contains a NUL byte", label)
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("%s must be relative, got absolute path %q", label, path)
	}
	cleaned := filepath.Clean(path)
	for _, segment := range strings.Split(cleaned, string(filepath.Separator)) {
		if segment == ".." {
			return fmt.Errorf("%s must not contain .. segments: %q", label, path)
		}
	}
	if cleaned == "." {
		return fmt.Errorf("%s must not resolve to the workspace root itself: %q", label, path)
	}
	return nil
}

// SafeJoin validates path relative to root and returns the joined absolute
// path. It is the one function every local file tool and workspace-prep
// operation should call rather than filepath.Join directly, so path
// traversal rejection lives in exactly one place (spec.md §5).
func SafeJoin(root, path string) (string, error) {
	if err := ValidateRelativePath(path, "path"); err != nil {
		return "", err
	}
	resolved := filepath.Join(root, path)
	relative, err := filepath.Rel(root, resolved)
	if err != nil {
		return "", fmt.Errorf("path: cannot relate %q to root: %w", path, err)
	}
	if relative == ".." || strings.HasPrefix(relative, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace root: %q", path)
	}
	return resolved, nil
}
