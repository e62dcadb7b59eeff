package store

import (
	"encoding/json"
	"time"
)

// Scope isolates one versioned entity's branches and commits from all
// others. Every store operation is keyed by it.
type Scope struct {
	OrgID      string
	EntityType string
	EntityID   string
}

// DefaultBranchName is created lazily on first access for every scope.
const DefaultBranchName = "main"

type Branch struct {
	ID             string
	OrgID          string
	EntityType     string
	EntityID       string
	Name           string
	ParentBranchID *string
	HeadCommitID   *string
	CreatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (b Branch) Scope() Scope {
	return Scope{OrgID: b.OrgID, EntityType: b.EntityType, EntityID: b.EntityID}
}

// Commit is an immutable full-state snapshot appended to a branch.
// Snapshot is the entire entity state at that point, not a delta.
type Commit struct {
	ID             string
	BranchID       string
	ParentCommitID *string
	Snapshot       json.RawMessage
	Message        string
	Author         string
	CreatedAt      time.Time
}

type PullRequest struct {
	ID           string
	OrgID        string
	EntityType   string
	EntityID     string
	SourceBranch string
	TargetBranch string
	Status       string
	Title        string
	Description  string
	CreatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	// Diff is the comparison frozen at creation time. Nil when the diff
	// row is missing; listings tolerate that rather than failing.
	Diff json.RawMessage
}

const (
	PullRequestOpen   = "open"
	PullRequestMerged = "merged"
	PullRequestClosed = "closed"
)

// Annotation is an append-only workspace note. There is no edit or
// delete in the current contract.
type Annotation struct {
	ID          string
	OrgID       string
	WorkspaceID string
	TargetID    string
	Body        string
	Position    json.RawMessage
	Author      string
	CreatedAt   time.Time
}

// ApprovalItem is upserted by (org, queue key, item id); a later write
// fully replaces status and resolution fields.
type ApprovalItem struct {
	OrgID       string
	QueueKey    string
	ItemID      string
	Status      string
	Payload     json.RawMessage
	RequestedBy string
	ResolvedBy  string
	ResolvedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const (
	ApprovalQueued   = "queued"
	ApprovalInReview = "in_review"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)
