package export

import (
	"encoding/json"
	"fmt"

	"github.com/AaraikAI/Abode-AI-sub013/internal/diff"
	"github.com/AaraikAI/Abode-AI-sub013/internal/store"
)

type Service struct{}

func NewService() *Service {
	return &Service{}
}

// ReviewReportPDF renders the pull request's frozen diff as a printable
// report and returns the PDF bytes.
func (s *Service) ReviewReportPDF(pr store.PullRequest) (*Result, error) {
	html, err := ReviewReportHTML(pr)
	if err != nil {
		return nil, err
	}
	title := pr.Title
	if title == "" {
		title = "review-report"
	}
	return printPDF(html, title)
}

// ReviewReportHTML builds the report data from the stored pull request
// and renders it. Split out so rendering is testable without Chrome.
func ReviewReportHTML(pr store.PullRequest) (string, error) {
	data := ReportData{
		Title:        pr.Title,
		Status:       pr.Status,
		SourceBranch: pr.SourceBranch,
		TargetBranch: pr.TargetBranch,
		Description:  pr.Description,
		Author:       pr.CreatedBy,
		CreatedAt:    pr.CreatedAt,
		EntityType:   pr.EntityType,
		EntityID:     pr.EntityID,
	}
	if data.Title == "" {
		data.Title = fmt.Sprintf("%s into %s", pr.SourceBranch, pr.TargetBranch)
	}

	if len(pr.Diff) > 0 {
		var stored diff.Diff
		if err := json.Unmarshal(pr.Diff, &stored); err != nil {
			return "", fmt.Errorf("decode stored diff: %w", err)
		}
		data.Added = stored.Added
		data.Removed = stored.Removed
		data.Modified = stored.Modified
		data.Entries = flattenEntries("", stored.Entries)
	}

	return RenderReportHTML(data)
}

func flattenEntries(prefix string, entries []diff.Entry) []ReportEntry {
	rows := make([]ReportEntry, 0, len(entries))
	for _, entry := range entries {
		field := entry.Field
		if prefix != "" {
			field = prefix + "." + entry.Field
		}
		if len(entry.Children) > 0 {
			rows = append(rows, flattenEntries(field, entry.Children)...)
			continue
		}
		rows = append(rows, ReportEntry{
			Field:  field,
			Change: entry.Change,
			Before: string(entry.Before),
			After:  string(entry.After),
		})
	}
	return rows
}
