package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/AaraikAI/Abode-AI-sub013/internal/collab"
	"github.com/AaraikAI/Abode-AI-sub013/internal/diff"
	"github.com/AaraikAI/Abode-AI-sub013/internal/store"
)

// fakeStore is an in-memory dataStore. commitErrs injects one error
// per CreateCommit call, front to back, before the write is attempted;
// commitAttempts records each call's expected head.
type fakeStore struct {
	mu             sync.Mutex
	seq            int
	branches       map[string]store.Branch
	commits        map[string][]store.Commit
	pulls          map[string]store.PullRequest
	commitErrs     []error
	commitAttempts []*string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		branches: map[string]store.Branch{},
		commits:  map[string][]store.Commit{},
		pulls:    map[string]store.PullRequest{},
	}
}

func (f *fakeStore) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeStore) EnsureDefaultBranch(ctx context.Context, scope store.Scope, creator string) (store.Branch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ensureBranchLocked(scope, store.DefaultBranchName, nil, nil, creator), nil
}

func (f *fakeStore) ensureBranchLocked(scope store.Scope, name string, parentID, headCommitID *string, creator string) store.Branch {
	for _, branch := range f.branches {
		if branch.Scope() == scope && branch.Name == name {
			return branch
		}
	}
	branch := store.Branch{
		ID:             f.nextID("br"),
		OrgID:          scope.OrgID,
		EntityType:     scope.EntityType,
		EntityID:       scope.EntityID,
		Name:           name,
		ParentBranchID: parentID,
		HeadCommitID:   headCommitID,
		CreatedBy:      creator,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	f.branches[branch.ID] = branch
	return branch
}

func (f *fakeStore) CreateBranch(ctx context.Context, scope store.Scope, name string, parentBranchID, headCommitID *string, creator string) (store.Branch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, branch := range f.branches {
		if branch.Scope() == scope && branch.Name == name {
			return store.Branch{}, store.ErrDuplicateBranch
		}
	}
	return f.ensureBranchLocked(scope, name, parentBranchID, headCommitID, creator), nil
}

func (f *fakeStore) GetBranchByName(ctx context.Context, scope store.Scope, name string) (store.Branch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, branch := range f.branches {
		if branch.Scope() == scope && branch.Name == name {
			return branch, nil
		}
	}
	return store.Branch{}, store.ErrNotFound
}

func (f *fakeStore) ListBranches(ctx context.Context, scope store.Scope) ([]store.Branch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Branch
	for _, branch := range f.branches {
		if branch.Scope() == scope {
			out = append(out, branch)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateCommit(ctx context.Context, branchID string, expectedHead *string, snapshot []byte, message, author string) (store.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitAttempts = append(f.commitAttempts, expectedHead)
	if len(f.commitErrs) > 0 {
		err := f.commitErrs[0]
		f.commitErrs = f.commitErrs[1:]
		if err != nil {
			return store.Commit{}, err
		}
	}
	branch, ok := f.branches[branchID]
	if !ok {
		return store.Commit{}, store.ErrNotFound
	}
	if !headsEqual(branch.HeadCommitID, expectedHead) {
		return store.Commit{}, store.ErrConcurrentCommit
	}
	commit := store.Commit{
		ID:             f.nextID("c"),
		BranchID:       branchID,
		ParentCommitID: expectedHead,
		Snapshot:       append(json.RawMessage(nil), snapshot...),
		Message:        message,
		Author:         author,
		CreatedAt:      time.Now().UTC(),
	}
	f.commits[branchID] = append(f.commits[branchID], commit)
	branch.HeadCommitID = &commit.ID
	f.branches[branchID] = branch
	return commit, nil
}

func headsEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (f *fakeStore) HeadCommit(ctx context.Context, branchID string) (*store.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	commits := f.commits[branchID]
	if len(commits) == 0 {
		return nil, nil
	}
	head := commits[len(commits)-1]
	return &head, nil
}

func (f *fakeStore) ListCommits(ctx context.Context, branchID string, limit int) ([]store.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	commits := f.commits[branchID]
	var out []store.Commit
	for i := len(commits) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, commits[i])
	}
	return out, nil
}

func (f *fakeStore) CreatePullRequest(ctx context.Context, pr store.PullRequest) (store.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr.ID = f.nextID("pr")
	pr.Status = store.PullRequestOpen
	pr.CreatedAt = time.Now().UTC()
	pr.UpdatedAt = pr.CreatedAt
	f.pulls[pr.ID] = pr
	return pr, nil
}

func (f *fakeStore) GetPullRequest(ctx context.Context, prID string) (store.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.pulls[prID]
	if !ok {
		return store.PullRequest{}, store.ErrNotFound
	}
	return pr, nil
}

func (f *fakeStore) ListPullRequests(ctx context.Context, scope store.Scope) ([]store.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.PullRequest
	for _, pr := range f.pulls {
		if pr.OrgID == scope.OrgID && pr.EntityType == scope.EntityType && pr.EntityID == scope.EntityID {
			out = append(out, pr)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdatePullRequestStatus(ctx context.Context, prID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.pulls[prID]
	if !ok {
		return store.ErrNotFound
	}
	pr.Status = status
	f.pulls[prID] = pr
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

type capturedRun struct {
	key collab.Key
	run json.RawMessage
}

type fakeRelay struct {
	mu   sync.Mutex
	runs []capturedRun
}

func (f *fakeRelay) Publish(ctx context.Context, key collab.Key, run json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, capturedRun{key: key, run: run})
	return nil
}

func newTestService(fs *fakeStore) *Service {
	return NewService(ServiceDeps{
		Store:       fs,
		TokenSecret: []byte("test-secret"),
		Logger:      log.New(io.Discard, "", 0),
	})
}

var testScope = store.Scope{OrgID: "org-1", EntityType: "workflow", EntityID: "wf-1"}

var testSession = Session{UserID: "u-1", UserName: "Dana", Org: "org-1", Role: "editor"}

func TestHistoryCreatesDefaultBranch(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)

	result, err := svc.History(context.Background(), testScope, "", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	active, ok := result["activeBranch"].(map[string]any)
	if !ok {
		t.Fatalf("activeBranch missing from %v", result)
	}
	if active["name"] != store.DefaultBranchName {
		t.Fatalf("active branch = %v, want %s", active["name"], store.DefaultBranchName)
	}
	branches := result["branches"].([]map[string]any)
	if len(branches) != 1 {
		t.Fatalf("branches = %d, want 1", len(branches))
	}
}

func TestCreateCommitAppendsToDefaultBranch(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)

	result, err := svc.CreateCommit(context.Background(), testScope, testSession, CommitInput{
		Snapshot: json.RawMessage(`{"name":"alpha"}`),
		Message:  "first",
	})
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}
	commit := result["commit"].(map[string]any)
	if commit["message"] != "first" {
		t.Fatalf("message = %v", commit["message"])
	}
	if commit["author"] != "Dana" {
		t.Fatalf("author = %v", commit["author"])
	}

	branch, err := fs.GetBranchByName(context.Background(), testScope, store.DefaultBranchName)
	if err != nil {
		t.Fatalf("GetBranchByName: %v", err)
	}
	if branch.HeadCommitID == nil {
		t.Fatal("head not advanced")
	}
}

func TestCreateCommitRejectsInvalidSnapshot(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)

	_, err := svc.CreateCommit(context.Background(), testScope, testSession, CommitInput{
		Snapshot: json.RawMessage(`{"name":`),
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("err = %v, want VALIDATION_ERROR", err)
	}
}

func TestCreateCommitRetriesOnceOnHeadRace(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)

	if _, err := svc.CreateCommit(context.Background(), testScope, testSession, CommitInput{
		Snapshot: json.RawMessage(`{"v":1}`),
	}); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	fs.commitErrs = []error{store.ErrConcurrentCommit}
	result, err := svc.CreateCommit(context.Background(), testScope, testSession, CommitInput{
		Snapshot: json.RawMessage(`{"v":2}`),
	})
	if err != nil {
		t.Fatalf("CreateCommit after race: %v", err)
	}
	if result["commit"] == nil {
		t.Fatal("no commit returned after retry")
	}

	commits, _ := fs.ListCommits(context.Background(), branchID(t, fs, testScope, store.DefaultBranchName), 10)
	if len(commits) != 2 {
		t.Fatalf("commits = %d, want 2", len(commits))
	}
}

func TestCreateCommitDoesNotRetryTwice(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)

	fs.commitErrs = []error{store.ErrConcurrentCommit, store.ErrConcurrentCommit}
	_, err := svc.CreateCommit(context.Background(), testScope, testSession, CommitInput{
		Snapshot: json.RawMessage(`{"v":1}`),
	})
	if !errors.Is(err, store.ErrConcurrentCommit) {
		t.Fatalf("err = %v, want ErrConcurrentCommit", err)
	}
}

func TestCreateCommitAutoCreatesBranchOffBase(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)

	if _, err := svc.CreateCommit(context.Background(), testScope, testSession, CommitInput{
		Snapshot: json.RawMessage(`{"v":1}`),
	}); err != nil {
		t.Fatalf("seed main: %v", err)
	}

	result, err := svc.CreateCommit(context.Background(), testScope, testSession, CommitInput{
		Snapshot:   json.RawMessage(`{"v":2}`),
		BranchName: "draft",
	})
	if err != nil {
		t.Fatalf("commit to draft: %v", err)
	}
	branch := result["branch"].(map[string]any)
	if branch["name"] != "draft" {
		t.Fatalf("branch = %v", branch["name"])
	}
	if branch["parentBranchId"] == nil {
		t.Fatal("draft has no parent branch")
	}

	draft, err := fs.GetBranchByName(context.Background(), testScope, "draft")
	if err != nil {
		t.Fatalf("draft missing: %v", err)
	}
	if draft.CreatedBy != "Dana" {
		t.Fatalf("createdBy = %q", draft.CreatedBy)
	}
}

func TestFirstCommitToForkedBranchKeepsAncestry(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)

	if _, err := svc.CreateCommit(context.Background(), testScope, testSession, CommitInput{
		Snapshot: json.RawMessage(`{"v":1}`),
	}); err != nil {
		t.Fatalf("seed main: %v", err)
	}
	main, err := fs.GetBranchByName(context.Background(), testScope, store.DefaultBranchName)
	if err != nil {
		t.Fatalf("main: %v", err)
	}
	forkPoint := main.HeadCommitID
	if forkPoint == nil {
		t.Fatal("main has no head after seed commit")
	}

	fs.commitAttempts = nil
	if _, err := svc.CreateCommit(context.Background(), testScope, testSession, CommitInput{
		Snapshot:   json.RawMessage(`{"v":2}`),
		BranchName: "feature",
	}); err != nil {
		t.Fatalf("commit to feature: %v", err)
	}

	// An uncontended first commit must not burn the conflict retry.
	if len(fs.commitAttempts) != 1 {
		t.Fatalf("commit attempts = %d, want 1", len(fs.commitAttempts))
	}
	if got := fs.commitAttempts[0]; got == nil || *got != *forkPoint {
		t.Fatalf("expected head = %v, want %s", got, *forkPoint)
	}

	feature, err := fs.GetBranchByName(context.Background(), testScope, "feature")
	if err != nil {
		t.Fatalf("feature: %v", err)
	}
	commits, _ := fs.ListCommits(context.Background(), feature.ID, 10)
	if len(commits) != 1 {
		t.Fatalf("feature commits = %d, want 1", len(commits))
	}
	if commits[0].ParentCommitID == nil || *commits[0].ParentCommitID != *forkPoint {
		t.Fatalf("parent = %v, want fork point %s", commits[0].ParentCommitID, *forkPoint)
	}
}

func TestOpenPullRequestFreezesDiff(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)

	if _, err := svc.CreateCommit(context.Background(), testScope, testSession, CommitInput{
		Snapshot: json.RawMessage(`{"name":"alpha"}`),
	}); err != nil {
		t.Fatalf("seed main: %v", err)
	}
	if _, err := svc.CreateCommit(context.Background(), testScope, testSession, CommitInput{
		Snapshot:   json.RawMessage(`{"name":"alpha","owner":"dana"}`),
		BranchName: "draft",
	}); err != nil {
		t.Fatalf("seed draft: %v", err)
	}

	result, err := svc.OpenPullRequest(context.Background(), testScope, testSession, PullRequestInput{
		SourceBranch: "draft",
		TargetBranch: store.DefaultBranchName,
		Title:        "Add owner",
	})
	if err != nil {
		t.Fatalf("OpenPullRequest: %v", err)
	}

	raw, ok := result["diff"].(json.RawMessage)
	if !ok {
		t.Fatalf("diff missing from %v", result)
	}
	var frozen diff.Diff
	if err := json.Unmarshal(raw, &frozen); err != nil {
		t.Fatalf("decode diff: %v", err)
	}
	if frozen.Added != 1 || frozen.Removed != 0 || frozen.Modified != 0 {
		t.Fatalf("diff counts = %d/%d/%d", frozen.Added, frozen.Removed, frozen.Modified)
	}
}

func TestOpenPullRequestRequiresDistinctBranches(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)

	_, err := svc.OpenPullRequest(context.Background(), testScope, testSession, PullRequestInput{
		SourceBranch: "main",
		TargetBranch: "main",
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("err = %v, want VALIDATION_ERROR", err)
	}
}

func TestUpdatePullRequestStatusRejectsUnknownStatus(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)

	_, err := svc.UpdatePullRequestStatus(context.Background(), testScope, "pr-1", "abandoned")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("err = %v, want VALIDATION_ERROR", err)
	}
}

func TestPullRequestScopeMismatchIsNotFound(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)

	pr, err := fs.CreatePullRequest(context.Background(), store.PullRequest{
		OrgID:        "org-2",
		EntityType:   "workflow",
		EntityID:     "wf-9",
		SourceBranch: "draft",
		TargetBranch: "main",
	})
	if err != nil {
		t.Fatalf("CreatePullRequest: %v", err)
	}

	_, err = svc.UpdatePullRequestStatus(context.Background(), testScope, pr.ID, store.PullRequestMerged)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPublishRunPrefersRelay(t *testing.T) {
	fs := newFakeStore()
	relay := &fakeRelay{}
	svc := NewService(ServiceDeps{
		Store:       fs,
		TokenSecret: []byte("test-secret"),
		Relay:       relay,
		Logger:      log.New(io.Discard, "", 0),
	})

	key := collab.Key{Org: "org-1", Workspace: "ws-1"}
	if err := svc.PublishRun(context.Background(), key, json.RawMessage(`{"state":"running"}`)); err != nil {
		t.Fatalf("PublishRun: %v", err)
	}
	if len(relay.runs) != 1 {
		t.Fatalf("relay publishes = %d, want 1", len(relay.runs))
	}
	if relay.runs[0].key != key {
		t.Fatalf("key = %+v", relay.runs[0].key)
	}
}

func TestPublishRunValidates(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)

	if err := svc.PublishRun(context.Background(), collab.Key{}, json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for missing org")
	}
	if err := svc.PublishRun(context.Background(), collab.Key{Org: "org-1"}, json.RawMessage(`{`)); err == nil {
		t.Fatal("expected error for invalid run JSON")
	}
}

func branchID(t *testing.T, fs *fakeStore, scope store.Scope, name string) string {
	t.Helper()
	branch, err := fs.GetBranchByName(context.Background(), scope, name)
	if err != nil {
		t.Fatalf("branch %s: %v", name, err)
	}
	return branch.ID
}
