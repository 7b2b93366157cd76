// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"testing"

	"github.com/ax-platform/ax/lib/taint"
)

// TESTABLE PROPERTY 3: write from a tainted session stores trust=
// external with the producing action as source; a fresh session
// reading it increments its taint budget by ~ceil(len/4).
func TestMemoryTaintRoundTrip(t *testing.T) {
	tracker := taint.NewTracker()
	budget := taint.NewBudget()
	host := &Host{Store: NewMemoryStore(), Budget: budget, Tracker: tracker}

	writerSession := "writer-session"
	tracker.RecordTaintSource(writerSession, "web_fetch", "https://example.com")

	content := "some fetched content here"
	if err := host.Write(writerSession, Entry{ID: "e1", Scope: "s", Content: content}); err != nil {
		t.Fatal(err)
	}

	stored, ok, err := host.Store.Read("s", "e1")
	if err != nil || !ok {
		t.Fatalf("expected stored entry, ok=%v err=%v", ok, err)
	}
	if stored.Tag == nil || stored.Tag.Trust != taint.TrustExternal || stored.Tag.Source != "web_fetch" {
		t.Fatalf("expected external trust tag from web_fetch, got %+v", stored.Tag)
	}

	readerSession := "reader-session"
	if _, _, err := host.Read(readerSession, "s", "e1"); err != nil {
		t.Fatal(err)
	}

	got := budget.Ratio(readerSession)
	if got != 1.0 {
		t.Fatalf("expected reader session fully tainted (ratio=1.0), got %v", got)
	}
	if !tracker.IsTainted(readerSession) {
		t.Fatal("expected reader session to be marked tainted after reading external entry")
	}
}

func TestMemoryWriteFromCleanSessionIsClean(t *testing.T) {
	host := &Host{Store: NewMemoryStore(), Budget: taint.NewBudget(), Tracker: taint.NewTracker()}

	if err := host.Write("clean-session", Entry{ID: "e1", Scope: "s", Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	stored, _, _ := host.Store.Read("s", "e1")
	if stored.Tag != nil {
		t.Fatalf("expected no tag on write from clean session, got %+v", stored.Tag)
	}
}

// Host.Write always overwrites any caller-supplied Tag with the
// host-derived value — this is the layer enforcing "agent payloads
// never set a tainted flag" once the payload reaches memory logic.
func TestWriteIgnoresCallerSuppliedTag(t *testing.T) {
	host := &Host{Store: NewMemoryStore(), Budget: taint.NewBudget(), Tracker: taint.NewTracker()}

	forged := &taint.Tag{Source: "forged", Trust: taint.TrustSystem}
	if err := host.Write("clean-session", Entry{ID: "e1", Scope: "s", Content: "hi", Tag: forged}); err != nil {
		t.Fatal(err)
	}
	stored, _, _ := host.Store.Read("s", "e1")
	if stored.Tag != nil {
		t.Fatalf("expected host to discard caller-supplied tag, got %+v", stored.Tag)
	}
}

func TestMixedCleanAndTaintedEntryIsConservativelyTainted(t *testing.T) {
	// Edge policy: a single write mixing clean and tainted content is
	// marked entirely tainted. This is enforced by callers deciding
	// session taint state before calling Write (Host.Write stamps the
	// whole entry from the session's tag, with no partial option) —
	// verified here by confirming there is no partial-tag code path.
	tracker := taint.NewTracker()
	host := &Host{Store: NewMemoryStore(), Budget: taint.NewBudget(), Tracker: tracker}
	tracker.RecordTaintSource("s1", "web_fetch", "")

	if err := host.Write("s1", Entry{ID: "e1", Scope: "s", Content: "clean part + tainted part"}); err != nil {
		t.Fatal(err)
	}
	stored, _, _ := host.Store.Read("s", "e1")
	if stored.Tag == nil || stored.Tag.Trust != taint.TrustExternal {
		t.Fatalf("expected whole entry tainted, got %+v", stored.Tag)
	}
}
