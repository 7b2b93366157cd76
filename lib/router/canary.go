// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"crypto/rand"
	"encoding/base32"
	"strings"
)

// canaryByteLength is the amount of randomness backing each minted
// canary — enough that the model could never plausibly guess or
// reproduce it by chance (spec.md §4.6 step 2).
const canaryByteLength = 15

// MintCanary returns a new session-scoped random string, unique with
// overwhelming probability and never sent to the model (spec.md §4.6
// "make it available only to the router"). Callers hold it in memory
// for the duration of one turn and pass it to OutboundScan.
func MintCanary() (string, error) {
	buf := make([]byte, canaryByteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)
	return strings.ToLower(encoded), nil
}
