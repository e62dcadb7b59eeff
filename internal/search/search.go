package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultAnnotation ResultType = "annotation"
	ResultCommit     ResultType = "commit"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type        ResultType `json:"type"`
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Snippet     string     `json:"snippet"`
	WorkspaceID string     `json:"workspaceId,omitempty"`
	EntityID    string     `json:"entityId,omitempty"`
	Author      string     `json:"author,omitempty"`
}

// Query describes a search request. Org is mandatory: results never
// cross org boundaries.
type Query struct {
	Text              string
	OrgID             string
	FilterType        ResultType // empty = all types
	FilterWorkspaceID string
	Limit             int
	Offset            int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// AnnotationRecord is the data we index for an annotation.
type AnnotationRecord struct {
	ID          string `json:"id"`
	Body        string `json:"body"`
	OrgID       string `json:"orgId"`
	WorkspaceID string `json:"workspaceId"`
	TargetID    string `json:"targetId"`
	Author      string `json:"author"`
}

// CommitRecord is the data we index for a commit message.
type CommitRecord struct {
	ID         string `json:"id"`
	Message    string `json:"message"`
	OrgID      string `json:"orgId"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	BranchName string `json:"branchName"`
	Author     string `json:"author"`
}
