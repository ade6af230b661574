// Package report assembles review verdicts into a structured compliance
// report and exports it for human consumption.
package report

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/tenderlens/speccheck/graph"
	"github.com/tenderlens/speccheck/matcher"
	"github.com/tenderlens/speccheck/segment"
)

const excerptLimit = 200

// Report is the full outcome of reviewing one document against a corpus.
type Report struct {
	// RunID identifies the persisted review run, when there is one.
	RunID         string
	CorpusVersion string
	GeneratedAt   time.Time
	Clauses       []ClauseReport
	Summary       Summary
}

// ClauseReport groups the verdicts issued against a single document clause.
type ClauseReport struct {
	ClauseID int64
	Path     string
	Excerpt  string
	Verdicts []matcher.Verdict

	// Flagged marks clauses where every judgment came back ambiguous, so a
	// human has to look at them.
	Flagged bool
}

// Summary rolls the verdicts up into headline numbers.
type Summary struct {
	TotalClauses   int
	Compliant      int
	Ambiguous      int
	NotApplicable  int
	FlaggedClauses int
	Violations     ViolationCount
}

// ViolationCount breaks violations down by the severity of the obligation
// that was violated.
type ViolationCount struct {
	Mandatory     int
	Recommended   int
	Informational int
}

// Total is the violation count across all severities.
func (v ViolationCount) Total() int {
	return v.Mandatory + v.Recommended + v.Informational
}

// Build assembles a report from segmented clauses and their verdicts. Clauses
// keep document order; verdicts keep the order the matcher produced. Clauses
// without any verdict are carried through unflagged so the report always
// accounts for the whole document.
func Build(corpusVersion string, clauses []segment.Clause, verdicts []matcher.Verdict) *Report {
	byClause := make(map[int64][]matcher.Verdict, len(clauses))
	for _, v := range verdicts {
		byClause[v.ClauseID] = append(byClause[v.ClauseID], v)
	}

	r := &Report{
		CorpusVersion: corpusVersion,
		GeneratedAt:   time.Now().UTC(),
		Clauses:       make([]ClauseReport, 0, len(clauses)),
	}
	r.Summary.TotalClauses = len(clauses)

	for _, c := range clauses {
		cr := ClauseReport{
			ClauseID: c.ID,
			Path:     c.Path,
			Excerpt:  excerpt(c.Text),
			Verdicts: byClause[c.ID],
		}

		ambiguous := 0
		for _, v := range cr.Verdicts {
			switch v.Status {
			case matcher.StatusCompliant:
				r.Summary.Compliant++
			case matcher.StatusViolation:
				switch v.ObligationSeverity {
				case graph.SeverityMandatory:
					r.Summary.Violations.Mandatory++
				case graph.SeverityInformational:
					r.Summary.Violations.Informational++
				default:
					r.Summary.Violations.Recommended++
				}
			case matcher.StatusAmbiguous:
				r.Summary.Ambiguous++
				ambiguous++
			case matcher.StatusNotApplicable:
				r.Summary.NotApplicable++
			}
		}

		if len(cr.Verdicts) > 0 && ambiguous == len(cr.Verdicts) {
			cr.Flagged = true
			r.Summary.FlaggedClauses++
		}
		r.Clauses = append(r.Clauses, cr)
	}

	return r
}

func excerpt(text string) string {
	runes := []rune(text)
	if len(runes) <= excerptLimit {
		return text
	}
	return string(runes[:excerptLimit]) + "…"
}

// ExportXLSX writes the report as a workbook with a Summary sheet and a
// Verdicts sheet.
func ExportXLSX(r *Report, path string) error {
	f := excelize.NewFile()
	defer f.Close()

	const summarySheet = "Summary"
	f.SetSheetName("Sheet1", summarySheet)

	summaryRows := [][]any{
		{"Corpus version", r.CorpusVersion},
		{"Generated at", r.GeneratedAt.Format(time.RFC3339)},
		{"Clauses reviewed", r.Summary.TotalClauses},
		{"Compliant verdicts", r.Summary.Compliant},
		{"Violations (mandatory)", r.Summary.Violations.Mandatory},
		{"Violations (recommended)", r.Summary.Violations.Recommended},
		{"Violations (informational)", r.Summary.Violations.Informational},
		{"Ambiguous verdicts", r.Summary.Ambiguous},
		{"Not applicable verdicts", r.Summary.NotApplicable},
		{"Clauses needing review", r.Summary.FlaggedClauses},
	}
	for i, row := range summaryRows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("report: summary cell: %w", err)
		}
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return fmt.Errorf("report: summary row: %w", err)
		}
	}

	const verdictSheet = "Verdicts"
	if _, err := f.NewSheet(verdictSheet); err != nil {
		return fmt.Errorf("report: verdict sheet: %w", err)
	}

	header := []any{"Clause", "Excerpt", "Obligation", "Severity", "Status", "Confidence", "Rationale", "Flagged"}
	if err := f.SetSheetRow(verdictSheet, "A1", &header); err != nil {
		return fmt.Errorf("report: verdict header: %w", err)
	}

	row := 2
	for _, cr := range r.Clauses {
		for _, v := range cr.Verdicts {
			cell, err := excelize.CoordinatesToCellName(1, row)
			if err != nil {
				return fmt.Errorf("report: verdict cell: %w", err)
			}
			values := []any{
				cr.Path, cr.Excerpt, v.ObligationID, string(v.ObligationSeverity),
				string(v.Status), v.Confidence, v.Rationale, cr.Flagged,
			}
			if err := f.SetSheetRow(verdictSheet, cell, &values); err != nil {
				return fmt.Errorf("report: verdict row: %w", err)
			}
			row++
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("report: save workbook: %w", err)
	}
	return nil
}
