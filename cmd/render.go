package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/rotisserie/eris"

	"github.com/xhad/filingscan/internal/models"
	"github.com/xhad/filingscan/pkg/analyzer"
)

const dateLayout = "2006-01-02"

// contextsPerFiling bounds the match contexts printed under the console
// summary. The CSV and JSON outputs carry every retained match.
const contextsPerFiling = 3

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

func companyLabel(id analyzer.FilingIdentity) string {
	switch {
	case id.CompanyName != "":
		return id.CompanyName
	case id.Ticker != "":
		return id.Ticker
	default:
		return id.CompanyID
	}
}

func statusColor(s analyzer.Status) func(format string, a ...interface{}) string {
	switch s {
	case analyzer.StatusAnalyzed:
		return color.GreenString
	case analyzer.StatusSkipped:
		return color.CyanString
	default:
		return color.RedString
	}
}

// printReport writes the summary table, the category totals and, with
// includeContext, a few match contexts per filing.
func printReport(w io.Writer, report analyzer.Report, includeContext bool) {
	if len(report.Summary) == 0 {
		fmt.Fprintln(w, color.YellowString("No filings analyzed"))
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCESSION\tCOMPANY\tFORM\tFILED\tENV\tSOC\tGOV\tTOTAL\tSTATUS")
	for _, row := range report.Summary {
		total := strconv.Itoa(row.Total)
		if row.Truncated {
			total += "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			row.AccessionID, companyLabel(row.FilingIdentity), row.FormType, formatDate(row.FilingDate),
			row.Count(models.Environmental), row.Count(models.Social), row.Count(models.Governance),
			total, statusColor(row.Status)("%s", row.Status))
	}
	tw.Flush()

	totals := report.Totals()
	statuses := report.StatusCounts()
	fmt.Fprintf(w, "\n%s environmental %d, social %d, governance %d, total %d\n",
		color.New(color.Bold).Sprint("Matches:"),
		totals[models.Environmental], totals[models.Social], totals[models.Governance], report.Total())
	fmt.Fprintf(w, "%s %d analyzed, %d cached, %d failed\n",
		color.New(color.Bold).Sprint("Filings:"),
		statuses[analyzer.StatusAnalyzed], statuses[analyzer.StatusSkipped], statuses[analyzer.StatusFailed])

	for _, row := range report.Summary {
		if row.Status == analyzer.StatusFailed {
			color.New(color.FgRed).Fprintf(w, "  %s: %s\n", row.AccessionID, row.Reason)
		}
	}

	if !includeContext || len(report.Details) == 0 {
		return
	}

	fmt.Fprintln(w)
	shown := make(map[string]int)
	for _, d := range report.Details {
		if shown[d.AccessionID] >= contextsPerFiling {
			continue
		}
		shown[d.AccessionID]++
		fmt.Fprintf(w, "%s %s %s\n    %s\n",
			color.CyanString(d.AccessionID), color.MagentaString("%s/%s", d.Category, d.Subcategory), d.Phrase, d.Context)
	}
}

var summaryHeader = []string{
	"accession_id", "company", "ticker", "cik", "form_type", "filing_date",
	"environmental", "social", "governance", "total", "truncated", "status", "reason",
}

func writeSummaryCSV(w io.Writer, report analyzer.Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(summaryHeader); err != nil {
		return err
	}
	for _, row := range report.Summary {
		record := []string{
			row.AccessionID, row.CompanyName, row.Ticker, row.CompanyID, row.FormType, formatDate(row.FilingDate),
			strconv.Itoa(row.Count(models.Environmental)),
			strconv.Itoa(row.Count(models.Social)),
			strconv.Itoa(row.Count(models.Governance)),
			strconv.Itoa(row.Total),
			strconv.FormatBool(row.Truncated),
			string(row.Status),
			row.Reason,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeDetailsCSV(w io.Writer, report analyzer.Report, includeContext bool) error {
	header := []string{
		"accession_id", "company", "ticker", "form_type", "filing_date", "document",
		"category", "subcategory", "keyword", "matched_text", "offset", "sentence",
	}
	if includeContext {
		header = append(header, "context")
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, d := range report.Details {
		record := []string{
			d.AccessionID, d.CompanyName, d.Ticker, d.FormType, formatDate(d.FilingDate), d.DocumentID,
			string(d.Category), d.Subcategory, d.Phrase, d.Text, strconv.Itoa(d.Offset), d.Sentence,
		}
		if includeContext {
			record = append(record, d.Context)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// exportCSV writes <prefix>_summary.csv and <prefix>_details.csv into dir.
func exportCSV(dir, prefix string, report analyzer.Report, includeContext bool) (string, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", eris.Wrapf(err, "failed to create output directory %s", dir)
	}

	summaryPath := filepath.Join(dir, prefix+"_summary.csv")
	detailsPath := filepath.Join(dir, prefix+"_details.csv")

	if err := writeFile(summaryPath, func(w io.Writer) error { return writeSummaryCSV(w, report) }); err != nil {
		return "", "", err
	}
	if err := writeFile(detailsPath, func(w io.Writer) error { return writeDetailsCSV(w, report, includeContext) }); err != nil {
		return "", "", err
	}
	return summaryPath, detailsPath, nil
}

type summaryJSON struct {
	AccessionID string         `json:"accession_id"`
	CompanyID   string         `json:"cik"`
	CompanyName string         `json:"company,omitempty"`
	Ticker      string         `json:"ticker,omitempty"`
	FormType    string         `json:"form_type"`
	FilingDate  string         `json:"filing_date,omitempty"`
	Status      string         `json:"status"`
	Reason      string         `json:"reason,omitempty"`
	Counts      map[string]int `json:"counts"`
	Subcounts   map[string]int `json:"subcounts,omitempty"`
	Total       int            `json:"total"`
	Truncated   bool           `json:"truncated,omitempty"`
	Documents   []string       `json:"documents"`
}

type detailJSON struct {
	AccessionID string `json:"accession_id"`
	Document    string `json:"document"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory"`
	Keyword     string `json:"keyword"`
	Text        string `json:"matched_text"`
	Offset      int    `json:"offset"`
	Sentence    string `json:"sentence,omitempty"`
	Context     string `json:"context,omitempty"`
}

type reportJSON struct {
	Totals  map[string]int `json:"totals"`
	Total   int            `json:"total"`
	Summary []summaryJSON  `json:"summary"`
	Details []detailJSON   `json:"details"`
}

func toJSON(report analyzer.Report, includeContext bool) reportJSON {
	out := reportJSON{
		Totals:  make(map[string]int, len(models.Categories)),
		Total:   report.Total(),
		Summary: make([]summaryJSON, 0, len(report.Summary)),
		Details: make([]detailJSON, 0, len(report.Details)),
	}
	totals := report.Totals()
	for _, c := range models.Categories {
		out.Totals[string(c)] = totals[c]
	}

	for _, row := range report.Summary {
		s := summaryJSON{
			AccessionID: row.AccessionID,
			CompanyID:   row.CompanyID,
			CompanyName: row.CompanyName,
			Ticker:      row.Ticker,
			FormType:    row.FormType,
			FilingDate:  formatDate(row.FilingDate),
			Status:      string(row.Status),
			Reason:      row.Reason,
			Counts:      make(map[string]int, len(models.Categories)),
			Total:       row.Total,
			Truncated:   row.Truncated,
			Documents:   row.DocumentURLs,
		}
		for _, c := range models.Categories {
			s.Counts[string(c)] = row.Count(c)
		}
		if len(row.Subcounts) > 0 {
			s.Subcounts = make(map[string]int, len(row.Subcounts))
			for k, n := range row.Subcounts {
				s.Subcounts[k.String()] = n
			}
		}
		out.Summary = append(out.Summary, s)
	}

	for _, d := range report.Details {
		dj := detailJSON{
			AccessionID: d.AccessionID,
			Document:    d.DocumentID,
			Category:    string(d.Category),
			Subcategory: d.Subcategory,
			Keyword:     d.Phrase,
			Text:        d.Text,
			Offset:      d.Offset,
			Sentence:    d.Sentence,
		}
		if includeContext {
			dj.Context = d.Context
		}
		out.Details = append(out.Details, dj)
	}
	return out
}

// fromJSON rebuilds a report from the JSON written by the run command.
// Detail rows take their filing identity from the summary row of the same
// accession.
func fromJSON(in reportJSON) (analyzer.Report, error) {
	var report analyzer.Report
	identities := make(map[string]analyzer.FilingIdentity, len(in.Summary))

	for _, s := range in.Summary {
		ident := analyzer.FilingIdentity{
			AccessionID: s.AccessionID,
			CompanyID:   s.CompanyID,
			CompanyName: s.CompanyName,
			Ticker:      s.Ticker,
			FormType:    s.FormType,
		}
		if s.FilingDate != "" {
			date, err := time.Parse(dateLayout, s.FilingDate)
			if err != nil {
				return analyzer.Report{}, fmt.Errorf("failed to parse filing date of %s: %w", s.AccessionID, err)
			}
			ident.FilingDate = date
		}
		identities[s.AccessionID] = ident

		row := analyzer.SummaryRow{
			FilingIdentity: ident,
			Counts:         make(map[models.Category]int, len(models.Categories)),
			Subcounts:      make(map[models.SubcategoryKey]int, len(s.Subcounts)),
			Total:          s.Total,
			Status:         analyzer.Status(s.Status),
			Reason:         s.Reason,
			Documents:      len(s.Documents),
			Truncated:      s.Truncated,
			DocumentURLs:   s.Documents,
		}
		for name, n := range s.Counts {
			c, err := models.ParseCategory(name)
			if err != nil {
				return analyzer.Report{}, fmt.Errorf("failed to read counts of %s: %w", s.AccessionID, err)
			}
			row.Counts[c] = n
		}
		for key, n := range s.Subcounts {
			name, sub, _ := strings.Cut(key, "/")
			c, err := models.ParseCategory(name)
			if err != nil {
				return analyzer.Report{}, fmt.Errorf("failed to read subcounts of %s: %w", s.AccessionID, err)
			}
			row.Subcounts[models.SubcategoryKey{Category: c, Subcategory: sub}] = n
		}
		report.Summary = append(report.Summary, row)
	}

	for _, d := range in.Details {
		c, err := models.ParseCategory(d.Category)
		if err != nil {
			return analyzer.Report{}, fmt.Errorf("failed to read match in %s: %w", d.AccessionID, err)
		}
		ident, ok := identities[d.AccessionID]
		if !ok {
			ident = analyzer.FilingIdentity{AccessionID: d.AccessionID}
		}
		report.Details = append(report.Details, analyzer.DetailRow{
			FilingIdentity: ident,
			Match: models.Match{
				Phrase:      d.Keyword,
				Text:        d.Text,
				Category:    c,
				Subcategory: d.Subcategory,
				Offset:      d.Offset,
				Sentence:    d.Sentence,
				Context:     d.Context,
				DocumentID:  d.Document,
			},
		})
	}
	return report, nil
}

// readReport loads a report saved with --format json.
func readReport(path string) (analyzer.Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return analyzer.Report{}, eris.Wrapf(err, "failed to read report from %s", path)
	}
	var in reportJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return analyzer.Report{}, eris.Wrapf(err, "failed to parse report in %s", path)
	}
	report, err := fromJSON(in)
	if err != nil {
		return analyzer.Report{}, eris.Wrapf(err, "invalid report in %s", path)
	}
	return report, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "failed to create %s", path)
	}
	if err := write(f); err != nil {
		f.Close()
		return eris.Wrapf(err, "failed to write %s", path)
	}
	return f.Close()
}

// readDescriptors loads a descriptor list saved by the discover command.
func readDescriptors(path string) ([]models.FilingDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read descriptors from %s", path)
	}
	var descs []models.FilingDescriptor
	if err := json.Unmarshal(data, &descs); err != nil {
		return nil, eris.Wrapf(err, "failed to parse descriptors in %s", path)
	}
	return descs, nil
}
