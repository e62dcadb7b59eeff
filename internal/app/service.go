package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/AaraikAI/Abode-AI-sub013/internal/auth"
	"github.com/AaraikAI/Abode-AI-sub013/internal/collab"
	"github.com/AaraikAI/Abode-AI-sub013/internal/diff"
	"github.com/AaraikAI/Abode-AI-sub013/internal/export"
	"github.com/AaraikAI/Abode-AI-sub013/internal/mirror"
	"github.com/AaraikAI/Abode-AI-sub013/internal/rbac"
	"github.com/AaraikAI/Abode-AI-sub013/internal/search"
	"github.com/AaraikAI/Abode-AI-sub013/internal/store"
)

// Session is the request identity resolved from a bearer token.
type Session struct {
	UserID   string
	UserName string
	Org      string
	Role     string
}

type CommitInput struct {
	Snapshot       json.RawMessage `json:"snapshot"`
	Message        string          `json:"message"`
	BranchName     string          `json:"branchName"`
	BaseBranchName string          `json:"baseBranchName"`
}

type PullRequestInput struct {
	SourceBranch string `json:"sourceBranch"`
	TargetBranch string `json:"targetBranch"`
	Title        string `json:"title"`
	Description  string `json:"description"`
}

type dataStore interface {
	EnsureDefaultBranch(ctx context.Context, scope store.Scope, creator string) (store.Branch, error)
	CreateBranch(ctx context.Context, scope store.Scope, name string, parentBranchID, headCommitID *string, creator string) (store.Branch, error)
	GetBranchByName(ctx context.Context, scope store.Scope, name string) (store.Branch, error)
	ListBranches(ctx context.Context, scope store.Scope) ([]store.Branch, error)
	CreateCommit(ctx context.Context, branchID string, expectedHead *string, snapshot []byte, message, author string) (store.Commit, error)
	HeadCommit(ctx context.Context, branchID string) (*store.Commit, error)
	ListCommits(ctx context.Context, branchID string, limit int) ([]store.Commit, error)
	CreatePullRequest(ctx context.Context, pr store.PullRequest) (store.PullRequest, error)
	GetPullRequest(ctx context.Context, prID string) (store.PullRequest, error)
	ListPullRequests(ctx context.Context, scope store.Scope) ([]store.PullRequest, error)
	UpdatePullRequestStatus(ctx context.Context, prID, status string) error
	Ping(ctx context.Context) error
}

// commitMirror and snapshotArchiver are optional side channels fed
// after a successful commit. Both are best-effort.
type commitMirror interface {
	MirrorCommit(scope store.Scope, branchName string, snapshot json.RawMessage, author, message string) (mirror.CommitInfo, error)
}

type snapshotArchiver interface {
	ArchiveAsync(scope store.Scope, commitID string, snapshot json.RawMessage)
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexCommit(record search.CommitRecord)
	IndexAnnotation(record search.AnnotationRecord)
}

// runRelay carries run updates across replicas. When absent, runs go
// straight to this process's live sessions.
type runRelay interface {
	Publish(ctx context.Context, key collab.Key, run json.RawMessage) error
}

type livePublisher interface {
	PublishRunUpdate(key collab.Key, run json.RawMessage) int
}

type Service struct {
	data        dataStore
	tokenSecret []byte
	mirror      commitMirror
	archive     snapshotArchiver
	search      searchIndex
	relay       runRelay
	live        livePublisher
	export      *export.Service
	logger      *log.Logger
}

type ServiceDeps struct {
	Store       dataStore
	TokenSecret []byte
	Mirror      commitMirror
	Archive     snapshotArchiver
	Search      searchIndex
	Relay       runRelay
	Live        livePublisher
	Logger      *log.Logger
}

func NewService(deps ServiceDeps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		data:        deps.Store,
		tokenSecret: deps.TokenSecret,
		mirror:      deps.Mirror,
		archive:     deps.Archive,
		search:      deps.Search,
		relay:       deps.Relay,
		live:        deps.Live,
		export:      export.NewService(),
		logger:      logger,
	}
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken(s.tokenSecret, token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		UserID:   claims.Sub,
		UserName: claims.Name,
		Org:      claims.Org,
		Role:     string(rbac.Normalize(claims.Role)),
	}, nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

const maxHistoryLimit = 100

// History returns the scope's branches, the resolved active branch and
// that branch's recent commits. The default branch is created on first
// read, so a fresh entity always has main.
func (s *Service) History(ctx context.Context, scope store.Scope, branchName string, limit int) (map[string]any, error) {
	if _, err := s.data.EnsureDefaultBranch(ctx, scope, ""); err != nil {
		return nil, fmt.Errorf("ensure default branch: %w", err)
	}

	if branchName == "" {
		branchName = store.DefaultBranchName
	}
	active, err := s.data.GetBranchByName(ctx, scope, branchName)
	if err != nil {
		return nil, err
	}

	branches, err := s.data.ListBranches(ctx, scope)
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 50
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	commits, err := s.data.ListCommits(ctx, active.ID, limit)
	if err != nil {
		return nil, err
	}

	branchViews := make([]map[string]any, 0, len(branches))
	for _, branch := range branches {
		branchViews = append(branchViews, branchView(branch))
	}
	commitViews := make([]map[string]any, 0, len(commits))
	for _, commit := range commits {
		commitViews = append(commitViews, commitView(commit))
	}

	return map[string]any{
		"branches":     branchViews,
		"activeBranch": branchView(active),
		"commits":      commitViews,
	}, nil
}

// CreateCommit appends a snapshot to the named branch, creating the
// branch off its base when it does not exist yet. A head race is
// retried once against the refreshed head before giving up.
func (s *Service) CreateCommit(ctx context.Context, scope store.Scope, session Session, input CommitInput) (map[string]any, error) {
	if len(input.Snapshot) == 0 || !json.Valid(input.Snapshot) {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "snapshot must be valid JSON", nil)
	}

	if _, err := s.data.EnsureDefaultBranch(ctx, scope, session.UserName); err != nil {
		return nil, fmt.Errorf("ensure default branch: %w", err)
	}

	branchName := input.BranchName
	if branchName == "" {
		branchName = store.DefaultBranchName
	}
	branch, err := s.resolveOrCreateBranch(ctx, scope, branchName, input.BaseBranchName, session.UserName)
	if err != nil {
		return nil, err
	}

	commit, err := s.data.CreateCommit(ctx, branch.ID, branch.HeadCommitID, input.Snapshot, input.Message, session.UserName)
	if errors.Is(err, store.ErrConcurrentCommit) {
		branch, err = s.data.GetBranchByName(ctx, scope, branchName)
		if err != nil {
			return nil, err
		}
		commit, err = s.data.CreateCommit(ctx, branch.ID, branch.HeadCommitID, input.Snapshot, input.Message, session.UserName)
	}
	if err != nil {
		return nil, err
	}
	branch.HeadCommitID = &commit.ID

	s.afterCommit(scope, branchName, commit, session.UserName)

	return map[string]any{
		"commit": commitView(commit),
		"branch": branchView(branch),
	}, nil
}

func (s *Service) resolveOrCreateBranch(ctx context.Context, scope store.Scope, branchName, baseBranchName, creator string) (store.Branch, error) {
	branch, err := s.data.GetBranchByName(ctx, scope, branchName)
	if err == nil {
		return branch, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Branch{}, err
	}

	if baseBranchName == "" {
		baseBranchName = store.DefaultBranchName
	}
	base, err := s.data.GetBranchByName(ctx, scope, baseBranchName)
	if err != nil {
		return store.Branch{}, err
	}

	// A new branch starts at its base's head; the head is stored with
	// the row so the first commit's head check sees the fork point.
	created, err := s.data.CreateBranch(ctx, scope, branchName, &base.ID, base.HeadCommitID, creator)
	if errors.Is(err, store.ErrDuplicateBranch) {
		// Lost a concurrent creation race: the branch exists now.
		return s.data.GetBranchByName(ctx, scope, branchName)
	}
	if err != nil {
		return store.Branch{}, err
	}
	return created, nil
}

// afterCommit feeds the optional side channels. None of them can fail
// the commit that already happened.
func (s *Service) afterCommit(scope store.Scope, branchName string, commit store.Commit, author string) {
	if s.mirror != nil {
		go func() {
			if _, err := s.mirror.MirrorCommit(scope, branchName, commit.Snapshot, author, commit.Message); err != nil {
				s.logger.Printf("mirror: commit %s: %v", commit.ID, err)
			}
		}()
	}
	if s.archive != nil {
		s.archive.ArchiveAsync(scope, commit.ID, commit.Snapshot)
	}
	if s.search != nil {
		s.search.IndexCommit(search.CommitRecord{
			ID:         commit.ID,
			Message:    commit.Message,
			OrgID:      scope.OrgID,
			EntityType: scope.EntityType,
			EntityID:   scope.EntityID,
			BranchName: branchName,
			Author:     author,
		})
	}
}

// OpenPullRequest freezes the comparison of the two branch heads at
// creation time and stores it with the open pull request.
func (s *Service) OpenPullRequest(ctx context.Context, scope store.Scope, session Session, input PullRequestInput) (map[string]any, error) {
	if input.SourceBranch == "" || input.TargetBranch == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "sourceBranch and targetBranch are required", nil)
	}
	if input.SourceBranch == input.TargetBranch {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "source and target must differ", nil)
	}

	source, err := s.data.GetBranchByName(ctx, scope, input.SourceBranch)
	if err != nil {
		return nil, err
	}
	target, err := s.data.GetBranchByName(ctx, scope, input.TargetBranch)
	if err != nil {
		return nil, err
	}

	oldSnapshot, err := s.headSnapshot(ctx, target)
	if err != nil {
		return nil, err
	}
	newSnapshot, err := s.headSnapshot(ctx, source)
	if err != nil {
		return nil, err
	}

	computed := diff.Compute(oldSnapshot, newSnapshot)
	encoded, err := json.Marshal(computed)
	if err != nil {
		return nil, fmt.Errorf("encode diff: %w", err)
	}

	created, err := s.data.CreatePullRequest(ctx, store.PullRequest{
		OrgID:        scope.OrgID,
		EntityType:   scope.EntityType,
		EntityID:     scope.EntityID,
		SourceBranch: input.SourceBranch,
		TargetBranch: input.TargetBranch,
		Title:        input.Title,
		Description:  input.Description,
		CreatedBy:    session.UserName,
		Diff:         encoded,
	})
	if err != nil {
		return nil, err
	}
	return pullRequestView(created), nil
}

func (s *Service) headSnapshot(ctx context.Context, branch store.Branch) (json.RawMessage, error) {
	head, err := s.data.HeadCommit(ctx, branch.ID)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, nil
	}
	return head.Snapshot, nil
}

func (s *Service) ListPullRequests(ctx context.Context, scope store.Scope) ([]map[string]any, error) {
	pulls, err := s.data.ListPullRequests(ctx, scope)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(pulls))
	for _, pr := range pulls {
		views = append(views, pullRequestView(pr))
	}
	return views, nil
}

var allowedPullRequestStatuses = map[string]struct{}{
	store.PullRequestOpen:   {},
	store.PullRequestMerged: {},
	store.PullRequestClosed: {},
}

// UpdatePullRequestStatus moves the pull request between open, merged
// and closed. Merging never writes a merge commit; callers land the
// content with a regular commit on the target branch.
func (s *Service) UpdatePullRequestStatus(ctx context.Context, scope store.Scope, prID, status string) (map[string]any, error) {
	if _, ok := allowedPullRequestStatuses[status]; !ok {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "status must be open, merged or closed", nil)
	}

	pr, err := s.scopedPullRequest(ctx, scope, prID)
	if err != nil {
		return nil, err
	}
	if err := s.data.UpdatePullRequestStatus(ctx, pr.ID, status); err != nil {
		return nil, err
	}
	pr.Status = status
	pr.UpdatedAt = time.Now().UTC()
	return pullRequestView(pr), nil
}

// PullRequestReport renders the frozen diff into a PDF review report.
func (s *Service) PullRequestReport(ctx context.Context, scope store.Scope, prID string) (*export.Result, error) {
	pr, err := s.scopedPullRequest(ctx, scope, prID)
	if err != nil {
		return nil, err
	}
	result, err := s.export.ReviewReportPDF(pr)
	if errors.Is(err, export.ErrPDFDependencyMissing) {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export is not available", nil)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) scopedPullRequest(ctx context.Context, scope store.Scope, prID string) (store.PullRequest, error) {
	pr, err := s.data.GetPullRequest(ctx, prID)
	if err != nil {
		return store.PullRequest{}, err
	}
	if pr.OrgID != scope.OrgID || pr.EntityType != scope.EntityType || pr.EntityID != scope.EntityID {
		return store.PullRequest{}, fmt.Errorf("pull request %s: %w", prID, store.ErrNotFound)
	}
	return pr, nil
}

// PublishRun relays an external run record to live sessions. With a
// relay configured it goes through Redis so every replica sees it;
// otherwise it goes straight to this process's registry.
func (s *Service) PublishRun(ctx context.Context, key collab.Key, run json.RawMessage) error {
	if key.Org == "" {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "org is required", nil)
	}
	if len(run) == 0 || !json.Valid(run) {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "run must be valid JSON", nil)
	}
	if s.relay != nil {
		return s.relay.Publish(ctx, key, run)
	}
	if s.live != nil {
		s.live.PublishRunUpdate(key, run)
	}
	return nil
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.data.Ping(ctx)
}

func branchView(branch store.Branch) map[string]any {
	return map[string]any{
		"id":             branch.ID,
		"name":           branch.Name,
		"parentBranchId": branch.ParentBranchID,
		"headCommitId":   branch.HeadCommitID,
		"createdBy":      branch.CreatedBy,
		"createdAt":      branch.CreatedAt,
		"updatedAt":      branch.UpdatedAt,
	}
}

func commitView(commit store.Commit) map[string]any {
	return map[string]any{
		"id":             commit.ID,
		"branchId":       commit.BranchID,
		"parentCommitId": commit.ParentCommitID,
		"snapshot":       commit.Snapshot,
		"message":        commit.Message,
		"author":         commit.Author,
		"createdAt":      commit.CreatedAt,
	}
}

func pullRequestView(pr store.PullRequest) map[string]any {
	view := map[string]any{
		"id":           pr.ID,
		"sourceBranch": pr.SourceBranch,
		"targetBranch": pr.TargetBranch,
		"status":       pr.Status,
		"title":        pr.Title,
		"description":  pr.Description,
		"createdBy":    pr.CreatedBy,
		"createdAt":    pr.CreatedAt,
		"updatedAt":    pr.UpdatedAt,
	}
	if len(pr.Diff) > 0 {
		view["diff"] = json.RawMessage(pr.Diff)
	}
	return view
}
