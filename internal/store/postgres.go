package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/AaraikAI/Abode-AI-sub013/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const branchColumns = `id, org_id, entity_type, entity_id, name, parent_branch_id, head_commit_id, created_by_name, created_at, updated_at`

func scanBranch(row interface{ Scan(...any) error }) (Branch, error) {
	var item Branch
	err := row.Scan(
		&item.ID,
		&item.OrgID,
		&item.EntityType,
		&item.EntityID,
		&item.Name,
		&item.ParentBranchID,
		&item.HeadCommitID,
		&item.CreatedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

// EnsureDefaultBranch returns the scope's main branch, creating it if
// absent. Safe under concurrent callers: the insert races on the unique
// (scope, name) constraint and losers fall through to the read.
func (s *PostgresStore) EnsureDefaultBranch(ctx context.Context, scope Scope, creator string) (Branch, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branches (id, org_id, entity_type, entity_id, name, created_by_name)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (org_id, entity_type, entity_id, name) DO NOTHING
	`, util.NewID("br"), scope.OrgID, scope.EntityType, scope.EntityID, DefaultBranchName, creator)
	if err != nil {
		return Branch{}, fmt.Errorf("ensure default branch: %w", err)
	}
	return s.GetBranchByName(ctx, scope, DefaultBranchName)
}

// CreateBranch inserts the branch with its head already pointing at the
// fork point, so the first commit's head check runs against the row as
// stored.
func (s *PostgresStore) CreateBranch(ctx context.Context, scope Scope, name string, parentBranchID, headCommitID *string, creator string) (Branch, error) {
	id := util.NewID("br")
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO branches (id, org_id, entity_type, entity_id, name, parent_branch_id, head_commit_id, created_by_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (org_id, entity_type, entity_id, name) DO NOTHING
	`, id, scope.OrgID, scope.EntityType, scope.EntityID, name, parentBranchID, headCommitID, creator)
	if err != nil {
		return Branch{}, fmt.Errorf("create branch: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Branch{}, fmt.Errorf("create branch rows: %w", err)
	}
	if affected == 0 {
		return Branch{}, fmt.Errorf("branch %q: %w", name, ErrDuplicateBranch)
	}
	return s.GetBranch(ctx, id)
}

func (s *PostgresStore) GetBranch(ctx context.Context, branchID string) (Branch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+branchColumns+` FROM branches WHERE id=$1`, branchID)
	item, err := scanBranch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Branch{}, fmt.Errorf("branch %s: %w", branchID, ErrNotFound)
	}
	if err != nil {
		return Branch{}, fmt.Errorf("get branch: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetBranchByName(ctx context.Context, scope Scope, name string) (Branch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+branchColumns+`
		FROM branches
		WHERE org_id=$1 AND entity_type=$2 AND entity_id=$3 AND name=$4
	`, scope.OrgID, scope.EntityType, scope.EntityID, name)
	item, err := scanBranch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Branch{}, fmt.Errorf("branch %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return Branch{}, fmt.Errorf("get branch by name: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListBranches(ctx context.Context, scope Scope) ([]Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+branchColumns+`
		FROM branches
		WHERE org_id=$1 AND entity_type=$2 AND entity_id=$3
		ORDER BY updated_at DESC, name ASC
	`, scope.OrgID, scope.EntityType, scope.EntityID)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	items := make([]Branch, 0)
	for rows.Next() {
		item, err := scanBranch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate branches: %w", err)
	}
	return items, nil
}

// CreateCommit appends a commit whose parent is expectedHead and advances
// the branch head in the same transaction. The head update is a
// compare-and-swap: if another writer advanced the head first, the whole
// transaction rolls back with ErrConcurrentCommit so the chain stays
// singly linked.
func (s *PostgresStore) CreateCommit(ctx context.Context, branchID string, expectedHead *string, snapshot []byte, message, author string) (Commit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Commit{}, fmt.Errorf("begin commit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	commit := Commit{
		ID:             util.NewID("c"),
		BranchID:       branchID,
		ParentCommitID: expectedHead,
		Snapshot:       snapshot,
		Message:        message,
		Author:         author,
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE branches
		SET head_commit_id=$2, updated_at=NOW()
		WHERE id=$1 AND head_commit_id IS NOT DISTINCT FROM $3
	`, branchID, commit.ID, expectedHead)
	if err != nil {
		return Commit{}, fmt.Errorf("advance branch head: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Commit{}, fmt.Errorf("advance branch head rows: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM branches WHERE id=$1)`, branchID).Scan(&exists); err != nil {
			return Commit{}, fmt.Errorf("check branch exists: %w", err)
		}
		if !exists {
			return Commit{}, fmt.Errorf("branch %s: %w", branchID, ErrNotFound)
		}
		return Commit{}, fmt.Errorf("branch %s head moved: %w", branchID, ErrConcurrentCommit)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO commits (id, branch_id, parent_commit_id, snapshot, message, author_name)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
		RETURNING created_at
	`, commit.ID, branchID, expectedHead, string(snapshot), message, author).Scan(&commit.CreatedAt)
	if err != nil {
		return Commit{}, fmt.Errorf("insert commit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Commit{}, fmt.Errorf("commit tx: %w", err)
	}
	return commit, nil
}

func (s *PostgresStore) GetCommit(ctx context.Context, commitID string) (Commit, error) {
	var item Commit
	var snapshot []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, branch_id, parent_commit_id, snapshot::text, message, author_name, created_at
		FROM commits
		WHERE id=$1
	`, commitID).Scan(&item.ID, &item.BranchID, &item.ParentCommitID, &snapshot, &item.Message, &item.Author, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Commit{}, fmt.Errorf("commit %s: %w", commitID, ErrNotFound)
	}
	if err != nil {
		return Commit{}, fmt.Errorf("get commit: %w", err)
	}
	item.Snapshot = snapshot
	return item, nil
}

// HeadCommit returns the branch's current head, or nil for an empty branch.
func (s *PostgresStore) HeadCommit(ctx context.Context, branchID string) (*Commit, error) {
	branch, err := s.GetBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}
	if branch.HeadCommitID == nil {
		return nil, nil
	}
	head, err := s.GetCommit(ctx, *branch.HeadCommitID)
	if err != nil {
		return nil, err
	}
	return &head, nil
}

func (s *PostgresStore) ListCommits(ctx context.Context, branchID string, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, parent_commit_id, snapshot::text, message, author_name, created_at
		FROM commits
		WHERE branch_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, branchID, limit)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	defer rows.Close()

	items := make([]Commit, 0)
	for rows.Next() {
		var item Commit
		var snapshot []byte
		if err := rows.Scan(&item.ID, &item.BranchID, &item.ParentCommitID, &snapshot, &item.Message, &item.Author, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		item.Snapshot = snapshot
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commits: %w", err)
	}
	return items, nil
}

// CreatePullRequest persists the pull request together with its frozen
// diff in one transaction.
func (s *PostgresStore) CreatePullRequest(ctx context.Context, pr PullRequest) (PullRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PullRequest{}, fmt.Errorf("begin pull request tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	pr.ID = util.NewID("pr")
	pr.Status = PullRequestOpen
	err = tx.QueryRowContext(ctx, `
		INSERT INTO pull_requests (id, org_id, entity_type, entity_id, source_branch, target_branch, status, title, description, created_by_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`, pr.ID, pr.OrgID, pr.EntityType, pr.EntityID, pr.SourceBranch, pr.TargetBranch, pr.Status, pr.Title, pr.Description, pr.CreatedBy).
		Scan(&pr.CreatedAt, &pr.UpdatedAt)
	if err != nil {
		return PullRequest{}, fmt.Errorf("insert pull request: %w", err)
	}

	if len(pr.Diff) > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pull_request_diffs (pull_request_id, diff)
			VALUES ($1, $2::jsonb)
		`, pr.ID, string(pr.Diff)); err != nil {
			return PullRequest{}, fmt.Errorf("insert pull request diff: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return PullRequest{}, fmt.Errorf("commit pull request tx: %w", err)
	}
	return pr, nil
}

func (s *PostgresStore) GetPullRequest(ctx context.Context, prID string) (PullRequest, error) {
	var item PullRequest
	var diff sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT p.id, p.org_id, p.entity_type, p.entity_id, p.source_branch, p.target_branch, p.status, p.title, p.description, p.created_by_name, p.created_at, p.updated_at, d.diff::text
		FROM pull_requests p
		LEFT JOIN pull_request_diffs d ON d.pull_request_id = p.id
		WHERE p.id=$1
	`, prID).Scan(
		&item.ID, &item.OrgID, &item.EntityType, &item.EntityID,
		&item.SourceBranch, &item.TargetBranch, &item.Status,
		&item.Title, &item.Description, &item.CreatedBy,
		&item.CreatedAt, &item.UpdatedAt, &diff,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return PullRequest{}, fmt.Errorf("pull request %s: %w", prID, ErrNotFound)
	}
	if err != nil {
		return PullRequest{}, fmt.Errorf("get pull request: %w", err)
	}
	if diff.Valid {
		item.Diff = []byte(diff.String)
	}
	return item, nil
}

// ListPullRequests joins each pull request with its stored diff. A
// missing diff row is tolerated: the diff is simply omitted.
func (s *PostgresStore) ListPullRequests(ctx context.Context, scope Scope) ([]PullRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.org_id, p.entity_type, p.entity_id, p.source_branch, p.target_branch, p.status, p.title, p.description, p.created_by_name, p.created_at, p.updated_at, d.diff::text
		FROM pull_requests p
		LEFT JOIN pull_request_diffs d ON d.pull_request_id = p.id
		WHERE p.org_id=$1 AND p.entity_type=$2 AND p.entity_id=$3
		ORDER BY p.created_at DESC
	`, scope.OrgID, scope.EntityType, scope.EntityID)
	if err != nil {
		return nil, fmt.Errorf("list pull requests: %w", err)
	}
	defer rows.Close()

	items := make([]PullRequest, 0)
	for rows.Next() {
		var item PullRequest
		var diff sql.NullString
		if err := rows.Scan(
			&item.ID, &item.OrgID, &item.EntityType, &item.EntityID,
			&item.SourceBranch, &item.TargetBranch, &item.Status,
			&item.Title, &item.Description, &item.CreatedBy,
			&item.CreatedAt, &item.UpdatedAt, &diff,
		); err != nil {
			return nil, fmt.Errorf("scan pull request: %w", err)
		}
		if diff.Valid {
			item.Diff = []byte(diff.String)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pull requests: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdatePullRequestStatus(ctx context.Context, prID, status string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pull_requests SET status=$2, updated_at=NOW() WHERE id=$1
	`, prID, status)
	if err != nil {
		return fmt.Errorf("update pull request status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update pull request rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("pull request %s: %w", prID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) InsertAnnotation(ctx context.Context, annotation Annotation) (Annotation, error) {
	if annotation.ID == "" {
		annotation.ID = util.NewID("an")
	}
	position := "null"
	if len(annotation.Position) > 0 {
		position = string(annotation.Position)
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO annotations (id, org_id, workspace_id, target_id, body, position, author_name)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6::jsonb, $7)
		RETURNING created_at
	`, annotation.ID, annotation.OrgID, annotation.WorkspaceID, annotation.TargetID, annotation.Body, position, annotation.Author).
		Scan(&annotation.CreatedAt)
	if err != nil {
		return Annotation{}, fmt.Errorf("insert annotation: %w", err)
	}
	return annotation, nil
}

func (s *PostgresStore) ListAnnotations(ctx context.Context, orgID, workspaceID string) ([]Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, workspace_id, COALESCE(target_id, ''), body, COALESCE(position::text, ''), author_name, created_at
		FROM annotations
		WHERE org_id=$1 AND workspace_id=$2
		ORDER BY created_at ASC
	`, orgID, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	items := make([]Annotation, 0)
	for rows.Next() {
		var item Annotation
		var position string
		if err := rows.Scan(&item.ID, &item.OrgID, &item.WorkspaceID, &item.TargetID, &item.Body, &position, &item.Author, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		if position != "" && position != "null" {
			item.Position = []byte(position)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return items, nil
}

// UpsertApprovalItem writes the item by (org, queue key, item id); a
// later write to the same key fully replaces status and resolution
// fields. No transition table is enforced here.
func (s *PostgresStore) UpsertApprovalItem(ctx context.Context, item ApprovalItem) (ApprovalItem, error) {
	payload := "null"
	if len(item.Payload) > 0 {
		payload = string(item.Payload)
	}
	// requested_by_name is written once; the RETURNING clause reads the
	// stored row back so a re-transition reports the original requester.
	var resolvedBy sql.NullString
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO approval_items (org_id, queue_key, item_id, status, payload, requested_by_name, resolved_by_name, resolved_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, NULLIF($7, ''), $8)
		ON CONFLICT (org_id, queue_key, item_id) DO UPDATE
		SET status=EXCLUDED.status,
			payload=EXCLUDED.payload,
			resolved_by_name=EXCLUDED.resolved_by_name,
			resolved_at=EXCLUDED.resolved_at,
			updated_at=NOW()
		RETURNING requested_by_name, resolved_by_name, resolved_at, created_at, updated_at
	`, item.OrgID, item.QueueKey, item.ItemID, item.Status, payload, item.RequestedBy, item.ResolvedBy, item.ResolvedAt).
		Scan(&item.RequestedBy, &resolvedBy, &item.ResolvedAt, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return ApprovalItem{}, fmt.Errorf("upsert approval item: %w", err)
	}
	item.ResolvedBy = ""
	if resolvedBy.Valid {
		item.ResolvedBy = resolvedBy.String
	}
	return item, nil
}

func (s *PostgresStore) ListApprovalItems(ctx context.Context, orgID, queueKey string) ([]ApprovalItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT org_id, queue_key, item_id, status, COALESCE(payload::text, ''), requested_by_name, COALESCE(resolved_by_name, ''), resolved_at, created_at, updated_at
		FROM approval_items
		WHERE org_id=$1 AND queue_key=$2
		ORDER BY created_at ASC
	`, orgID, queueKey)
	if err != nil {
		return nil, fmt.Errorf("list approval items: %w", err)
	}
	defer rows.Close()

	items := make([]ApprovalItem, 0)
	for rows.Next() {
		var item ApprovalItem
		var payload string
		if err := rows.Scan(&item.OrgID, &item.QueueKey, &item.ItemID, &item.Status, &payload, &item.RequestedBy, &item.ResolvedBy, &item.ResolvedAt, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan approval item: %w", err)
		}
		if payload != "" && payload != "null" {
			item.Payload = []byte(payload)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approval items: %w", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
