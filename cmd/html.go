package main

import (
	"html/template"
	"io"
	"strings"

	"github.com/xhad/filingscan/internal/models"
	"github.com/xhad/filingscan/pkg/analyzer"
)

var markers = strings.NewReplacer(models.ContextOpen, "<mark>", models.ContextClose, "</mark>")

// highlight escapes a match context and turns its markers into <mark> tags.
func highlight(context string) template.HTML {
	return template.HTML(markers.Replace(template.HTMLEscapeString(context)))
}

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"highlight": highlight,
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; margin: 2em; color: #222; }
table { border-collapse: collapse; margin-bottom: 2em; }
th, td { border: 1px solid #ccc; padding: 4px 8px; text-align: left; vertical-align: top; }
th { background: #f2f2f2; }
td.num { text-align: right; }
.failed { color: #b00020; }
.skipped-cached { color: #00639b; }
mark { background: #ffe066; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{if not .Rows}}<p>No filings analyzed</p>{{else}}
<p>Matches: environmental {{.Environmental}}, social {{.Social}}, governance {{.Governance}}, total {{.Total}}<br>
Filings: {{.Analyzed}} analyzed, {{.Cached}} cached, {{.Failed}} failed</p>
<h2>Summary</h2>
<table>
<tr><th>Accession</th><th>Company</th><th>Form</th><th>Filed</th><th>Env</th><th>Soc</th><th>Gov</th><th>Total</th><th>Status</th></tr>
{{range .Rows}}<tr>
<td>{{.AccessionID}}</td><td>{{.Company}}</td><td>{{.FormType}}</td><td>{{.Filed}}</td>
<td class="num">{{.Environmental}}</td><td class="num">{{.Social}}</td><td class="num">{{.Governance}}</td>
<td class="num">{{.Total}}{{if .Truncated}}*{{end}}</td>
<td class="{{.Status}}">{{.Status}}{{if .Reason}}: {{.Reason}}{{end}}</td>
</tr>
{{end}}</table>
{{if .Details}}<h2>Matches</h2>
<table>
<tr><th>Accession</th><th>Category</th><th>Keyword</th><th>Matched</th>{{if $.IncludeContext}}<th>Context</th>{{end}}</tr>
{{range .Details}}<tr>
<td>{{.AccessionID}}</td><td>{{.Category}}/{{.Subcategory}}</td><td>{{.Phrase}}</td><td>{{.Text}}</td>
{{- if $.IncludeContext}}<td>{{highlight .Context}}</td>{{end}}
</tr>
{{end}}</table>
{{end}}{{end}}
</body>
</html>
`))

type htmlRow struct {
	AccessionID   string
	Company       string
	FormType      string
	Filed         string
	Environmental int
	Social        int
	Governance    int
	Total         int
	Truncated     bool
	Status        string
	Reason        string
}

type htmlReport struct {
	Title          string
	Rows           []htmlRow
	Details        []analyzer.DetailRow
	IncludeContext bool

	Environmental, Social, Governance, Total int
	Analyzed, Cached, Failed                 int
}

// writeHTML renders report as a standalone HTML page with the summary
// table, the totals and, with includeContext, each match highlighted in its
// context.
func writeHTML(w io.Writer, report analyzer.Report, includeContext bool) error {
	totals := report.Totals()
	statuses := report.StatusCounts()
	page := htmlReport{
		Title:          "ESG keyword report",
		Details:        report.Details,
		IncludeContext: includeContext,
		Environmental:  totals[models.Environmental],
		Social:         totals[models.Social],
		Governance:     totals[models.Governance],
		Total:          report.Total(),
		Analyzed:       statuses[analyzer.StatusAnalyzed],
		Cached:         statuses[analyzer.StatusSkipped],
		Failed:         statuses[analyzer.StatusFailed],
	}
	for _, row := range report.Summary {
		page.Rows = append(page.Rows, htmlRow{
			AccessionID:   row.AccessionID,
			Company:       companyLabel(row.FilingIdentity),
			FormType:      row.FormType,
			Filed:         formatDate(row.FilingDate),
			Environmental: row.Count(models.Environmental),
			Social:        row.Count(models.Social),
			Governance:    row.Count(models.Governance),
			Total:         row.Total,
			Truncated:     row.Truncated,
			Status:        string(row.Status),
			Reason:        row.Reason,
		})
	}
	return reportTemplate.Execute(w, page)
}
