package mirror

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/AaraikAI/Abode-AI-sub013/internal/store"
)

var testScope = store.Scope{OrgID: "org-1", EntityType: "document", EntityID: "doc-1"}

func TestMirrorCommitCreatesRepoAndHistory(t *testing.T) {
	service := New(t.TempDir())

	first, err := service.MirrorCommit(testScope, "main", json.RawMessage(`{"title":"v1"}`), "Avery", "initial snapshot")
	if err != nil {
		t.Fatalf("MirrorCommit() error = %v", err)
	}
	if first.Hash == "" || first.Author != "Avery" {
		t.Fatalf("unexpected commit info: %+v", first)
	}

	second, err := service.MirrorCommit(testScope, "main", json.RawMessage(`{"title":"v2"}`), "Blair", "second snapshot")
	if err != nil {
		t.Fatalf("MirrorCommit() error = %v", err)
	}

	history, err := service.History(testScope, "main", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(history))
	}
	if history[0].Hash != second.Hash {
		t.Fatalf("expected newest first, got %+v", history)
	}
	if !strings.Contains(history[1].Message, "initial snapshot") {
		t.Fatalf("unexpected oldest commit: %+v", history[1])
	}
}

func TestMirrorCommitBranchesOffMain(t *testing.T) {
	service := New(t.TempDir())

	if _, err := service.MirrorCommit(testScope, "main", json.RawMessage(`{"title":"v1"}`), "Avery", "baseline"); err != nil {
		t.Fatalf("MirrorCommit(main) error = %v", err)
	}
	if _, err := service.MirrorCommit(testScope, "draft", json.RawMessage(`{"title":"draft"}`), "Avery", "draft work"); err != nil {
		t.Fatalf("MirrorCommit(draft) error = %v", err)
	}

	draftHistory, err := service.History(testScope, "draft", 10)
	if err != nil {
		t.Fatalf("History(draft) error = %v", err)
	}
	if len(draftHistory) != 2 {
		t.Fatalf("draft should carry the baseline plus its own commit, got %d", len(draftHistory))
	}

	mainHistory, err := service.History(testScope, "main", 10)
	if err != nil {
		t.Fatalf("History(main) error = %v", err)
	}
	if len(mainHistory) != 1 {
		t.Fatalf("main must not see draft commits, got %d", len(mainHistory))
	}
}

func TestSnapshotAtRoundTrips(t *testing.T) {
	service := New(t.TempDir())

	snapshot := json.RawMessage(`{"title":"v1","fields":{"status":"draft"}}`)
	info, err := service.MirrorCommit(testScope, "main", snapshot, "Avery", "baseline")
	if err != nil {
		t.Fatalf("MirrorCommit() error = %v", err)
	}

	stored, err := service.SnapshotAt(testScope, info.Hash)
	if err != nil {
		t.Fatalf("SnapshotAt() error = %v", err)
	}
	if strings.TrimSpace(string(stored)) != string(snapshot) {
		t.Fatalf("snapshot mismatch: %s", stored)
	}
}

func TestScopesGetSeparateRepos(t *testing.T) {
	service := New(t.TempDir())
	other := store.Scope{OrgID: "org-1", EntityType: "document", EntityID: "doc-2"}

	if _, err := service.MirrorCommit(testScope, "main", json.RawMessage(`{"a":1}`), "Avery", "one"); err != nil {
		t.Fatalf("MirrorCommit() error = %v", err)
	}
	if _, err := service.MirrorCommit(other, "main", json.RawMessage(`{"b":2}`), "Avery", "two"); err != nil {
		t.Fatalf("MirrorCommit() error = %v", err)
	}

	history, err := service.History(testScope, "main", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("scope bleed: expected 1 commit, got %d", len(history))
	}
}
