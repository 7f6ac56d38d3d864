package domain

import (
	"strings"
	"testing"
)

func TestNewRevisionGenerations(t *testing.T) {
	first := NewRevision("")
	if !strings.HasPrefix(first, "1-") {
		t.Fatalf("first revision should be generation 1: %q", first)
	}
	second := NewRevision(first)
	if RevGeneration(second) != 2 {
		t.Fatalf("expected generation 2, got %q", second)
	}
	if first == second {
		t.Fatal("revisions must be unique")
	}
}

func TestRevGenerationMalformed(t *testing.T) {
	for _, rev := range []string{"", "abc", "x-ff", "-5-ff"} {
		if g := RevGeneration(rev); g != 0 {
			t.Fatalf("RevGeneration(%q) = %d, want 0", rev, g)
		}
	}
	if g := RevGeneration("17-deadbeef"); g != 17 {
		t.Fatalf("RevGeneration = %d, want 17", g)
	}
}

func TestRemoteWinsNewerTimestamp(t *testing.T) {
	cur := Task{ID: "a", Rev: "2-x", UpdatedAt: 100}
	inc := Task{ID: "a", Rev: "1-y", UpdatedAt: 200}
	if !RemoteWins(cur, inc) {
		t.Fatal("newer incoming copy should win")
	}
	if RemoteWins(inc, cur) {
		t.Fatal("older incoming copy should lose")
	}
}

func TestRemoteWinsDeletionBiasOnTie(t *testing.T) {
	live := Task{ID: "a", Rev: "2-x", UpdatedAt: 100, Title: "edited"}
	gone := Task{ID: "a", Rev: "2-y", UpdatedAt: 100, Deleted: true}
	if !RemoteWins(live, gone) {
		t.Fatal("tombstone should defeat live update on timestamp tie")
	}
	if RemoteWins(gone, live) {
		t.Fatal("live update should not resurrect a tied tombstone")
	}
}

func TestRemoteWinsRevisionFallback(t *testing.T) {
	cur := Task{ID: "a", Rev: "2-aaa", UpdatedAt: 100}
	inc := Task{ID: "a", Rev: "3-bbb", UpdatedAt: 100}
	if !RemoteWins(cur, inc) {
		t.Fatal("higher generation should win a full tie")
	}
	sameGenCur := Task{ID: "a", Rev: "3-aaa", UpdatedAt: 100}
	sameGenInc := Task{ID: "a", Rev: "3-bbb", UpdatedAt: 100}
	if !RemoteWins(sameGenCur, sameGenInc) {
		t.Fatal("lexically greater revision should break the final tie")
	}
	if RemoteWins(sameGenInc, sameGenCur) {
		t.Fatal("winner must be the same from both sides")
	}
}

func TestNewTaskIDOrdering(t *testing.T) {
	a := NewTaskID()
	b := NewTaskID()
	if a == b {
		t.Fatal("ids must be unique")
	}
	if len(a) != 36 {
		t.Fatalf("unexpected id format: %q", a)
	}
}
