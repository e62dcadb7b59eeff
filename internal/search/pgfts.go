package search

import (
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher against Postgres with ILIKE matching. It is
// the fallback when Meilisearch is unconfigured or down, so correctness
// beats ranking here.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" || q.OrgID == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	pattern := "%" + text + "%"

	results := make([]Result, 0)

	if q.FilterType == "" || q.FilterType == ResultAnnotation {
		annotationResults, err := p.searchAnnotations(q.OrgID, q.FilterWorkspaceID, pattern, limit, offset)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, annotationResults...)
	}

	if q.FilterType == "" || q.FilterType == ResultCommit {
		commitResults, err := p.searchCommits(q.OrgID, pattern, limit, offset)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, commitResults...)
	}

	return results, len(results), nil
}

func (p *PgFTS) searchAnnotations(orgID, workspaceID, pattern string, limit, offset int) ([]Result, error) {
	query := `
		SELECT id, COALESCE(target_id, ''), body, workspace_id, author_name
		FROM annotations
		WHERE org_id=$1 AND body ILIKE $2
	`
	args := []any{orgID, pattern}
	if workspaceID != "" {
		query += ` AND workspace_id=$3`
		args = append(args, workspaceID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, limit, offset)

	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("search annotations: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		result := Result{Type: ResultAnnotation}
		if err := rows.Scan(&result.ID, &result.Title, &result.Snippet, &result.WorkspaceID, &result.Author); err != nil {
			return nil, fmt.Errorf("scan annotation hit: %w", err)
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotation hits: %w", err)
	}
	return results, nil
}

func (p *PgFTS) searchCommits(orgID, pattern string, limit, offset int) ([]Result, error) {
	rows, err := p.db.Query(fmt.Sprintf(`
		SELECT c.id, b.name, c.message, b.entity_id, c.author_name
		FROM commits c
		JOIN branches b ON b.id = c.branch_id
		WHERE b.org_id=$1 AND c.message ILIKE $2
		ORDER BY c.created_at DESC
		LIMIT %d OFFSET %d
	`, limit, offset), orgID, pattern)
	if err != nil {
		return nil, fmt.Errorf("search commits: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		result := Result{Type: ResultCommit}
		if err := rows.Scan(&result.ID, &result.Title, &result.Snippet, &result.EntityID, &result.Author); err != nil {
			return nil, fmt.Errorf("scan commit hit: %w", err)
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commit hits: %w", err)
	}
	return results, nil
}
