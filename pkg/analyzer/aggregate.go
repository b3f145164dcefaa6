package analyzer

import (
	"strings"
	"time"

	"github.com/xhad/filingscan/internal/models"
)

// Status is the analysis state of one filing in a report.
type Status string

const (
	StatusAnalyzed Status = "analyzed"
	StatusSkipped  Status = "skipped-cached"
	StatusFailed   Status = "failed"
)

// FilingRecord is what the pipeline knows about one downloaded document.
// Analysis is nil when the document could not be downloaded or extracted;
// Err then says why.
type FilingRecord struct {
	Descriptor models.FilingDescriptor
	Download   *models.DownloadResult
	Analysis   *models.FilingAnalysis
	Err        error
}

// FilingIdentity is the part of a descriptor repeated on report rows.
type FilingIdentity struct {
	AccessionID string
	CompanyID   string
	CompanyName string
	Ticker      string
	FormType    string
	FilingDate  time.Time
}

func identityOf(d models.FilingDescriptor) FilingIdentity {
	return FilingIdentity{
		AccessionID: d.AccessionID,
		CompanyID:   d.CompanyID,
		CompanyName: d.CompanyName,
		Ticker:      d.Ticker,
		FormType:    d.FormType,
		FilingDate:  d.FilingDate,
	}
}

// SummaryRow is one filing of a report. A skipped-cached filing was served
// from the download cache and still carries its counts.
type SummaryRow struct {
	FilingIdentity
	Counts       map[models.Category]int
	Subcounts    map[models.SubcategoryKey]int
	Total        int
	Status       Status
	Reason       string
	Documents    int
	Truncated    bool
	DocumentURLs []string
}

func (r SummaryRow) Count(c models.Category) int { return r.Counts[c] }

// DetailRow is one retained match with its filing.
type DetailRow struct {
	FilingIdentity
	models.Match
}

type Report struct {
	Summary []SummaryRow
	Details []DetailRow
}

// Aggregate folds per-document records into one summary row per accession,
// in order of first appearance, plus the flattened match list. Every input
// accession yields a row; failures are kept with their reason.
func Aggregate(records []FilingRecord) Report {
	var report Report
	rows := make(map[string]int)
	type fold struct {
		ok, skipped int
		reasons     []string
	}
	folds := make(map[string]*fold)

	for _, rec := range records {
		id := rec.Descriptor.AccessionID
		i, exists := rows[id]
		if !exists {
			i = len(report.Summary)
			rows[id] = i
			report.Summary = append(report.Summary, SummaryRow{
				FilingIdentity: identityOf(rec.Descriptor),
				Counts:         make(map[models.Category]int, len(models.Categories)),
				Subcounts:      make(map[models.SubcategoryKey]int),
			})
			folds[id] = &fold{}
		}
		row := &report.Summary[i]
		f := folds[id]
		row.Documents++
		row.DocumentURLs = append(row.DocumentURLs, rec.Descriptor.URL)

		if reason := failure(rec); reason != "" {
			f.reasons = append(f.reasons, reason)
			continue
		}

		a := rec.Analysis
		for c, n := range a.CategoryCounts() {
			row.Counts[c] += n
		}
		for k, n := range a.SubcategoryCounts() {
			row.Subcounts[k] += n
		}
		row.Total += a.Total()
		row.Truncated = row.Truncated || a.Truncated()

		if rec.Download != nil && rec.Download.Outcome == models.OutcomeSkipped {
			f.skipped++
		} else {
			f.ok++
		}

		ident := row.FilingIdentity
		for _, m := range a.Matches() {
			report.Details = append(report.Details, DetailRow{FilingIdentity: ident, Match: m})
		}
	}

	for id, i := range rows {
		f := folds[id]
		row := &report.Summary[i]
		row.Reason = strings.Join(f.reasons, "; ")
		switch {
		case f.ok > 0:
			row.Status = StatusAnalyzed
		case f.skipped > 0:
			row.Status = StatusSkipped
		default:
			row.Status = StatusFailed
		}
	}

	return report
}

func failure(rec FilingRecord) string {
	if rec.Err != nil {
		return models.Reason(rec.Err)
	}
	if rec.Download != nil && rec.Download.Outcome == models.OutcomeFailed {
		if rec.Download.Err != nil {
			return models.Reason(rec.Download.Err)
		}
		return "download failed"
	}
	if rec.Analysis == nil {
		return "not analyzed"
	}
	return ""
}

// Totals sums category counts over all rows.
func (r Report) Totals() map[models.Category]int {
	totals := make(map[models.Category]int, len(models.Categories))
	for _, row := range r.Summary {
		for c, n := range row.Counts {
			totals[c] += n
		}
	}
	return totals
}

// Total is the number of matches over all rows.
func (r Report) Total() int {
	total := 0
	for _, row := range r.Summary {
		total += row.Total
	}
	return total
}

// StatusCounts counts summary rows by status.
func (r Report) StatusCounts() map[Status]int {
	counts := make(map[Status]int, 3)
	for _, row := range r.Summary {
		counts[row.Status]++
	}
	return counts
}
