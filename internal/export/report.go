// Package export renders pull request review reports and prints them to
// PDF with headless Chrome.
package export

import (
	"bytes"
	"errors"
	"html/template"
	"time"
)

var (
	// ErrPDFDependencyMissing indicates the Chrome runtime is unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// ReportData is everything the review report template needs.
type ReportData struct {
	Title        string
	Status       string
	SourceBranch string
	TargetBranch string
	Description  string
	Author       string
	CreatedAt    time.Time
	EntityType   string
	EntityID     string
	Added        int
	Removed      int
	Modified     int
	Entries      []ReportEntry
}

// ReportEntry is one flattened diff row.
type ReportEntry struct {
	Field  string
	Change string
	Before string
	After  string
}

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).Parse(reportHTML))

// RenderReportHTML renders the review report template.
func RenderReportHTML(data ReportData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const reportHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .status { text-transform: uppercase; font-weight: bold; }
    .summary { margin: 1rem 0; }
    table { border-collapse: collapse; width: 100%; }
    th, td { border: 1px solid #ccc; padding: 0.4rem 0.6rem; text-align: left; font-size: 0.9em; }
    th { background: #f5f5f5; }
    .added { color: #16a34a; }
    .removed { color: #dc2626; }
    .modified { color: #d97706; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">
    <span class="status">{{.Status}}</span> |
    {{.EntityType}}/{{.EntityID}} |
    {{.SourceBranch}} &rarr; {{.TargetBranch}} |
    {{.Author}} | {{formatDate .CreatedAt "Jan 2, 2006"}}
  </div>
  {{if .Description}}<p>{{.Description}}</p>{{end}}
  <div class="summary">
    <span class="added">{{.Added}} added</span>,
    <span class="removed">{{.Removed}} removed</span>,
    <span class="modified">{{.Modified}} modified</span>
  </div>
  {{if .Entries}}
  <table>
    <tr><th>Field</th><th>Change</th><th>Before</th><th>After</th></tr>
    {{range .Entries}}
    <tr>
      <td>{{.Field}}</td>
      <td class="{{.Change}}">{{.Change}}</td>
      <td>{{.Before}}</td>
      <td>{{.After}}</td>
    </tr>
    {{end}}
  </table>
  {{else}}
  <p>No changes between the compared branch heads.</p>
  {{end}}
</body>
</html>`
