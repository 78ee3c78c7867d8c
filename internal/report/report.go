// Package report renders a project's workflow history for export.
package report

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/joescharf/phasegate/internal/engine"
	"github.com/joescharf/phasegate/internal/ledger"
	"github.com/joescharf/phasegate/internal/models"
	"github.com/joescharf/phasegate/internal/review"
)

// Formats accepted by Write.
const (
	FormatMarkdown = "markdown"
	FormatJSON     = "json"
	FormatCSV      = "csv"
)

// Report is everything exported about one project.
type Report struct {
	GeneratedAt    time.Time              `json:"generated_at"`
	Status         *models.StatusSnapshot `json:"status"`
	ScoreHistory   []float64              `json:"score_history"`
	BlockingIssues []models.Issue         `json:"blocking_issues"`
	Improvements   []string               `json:"improvements"`
	MostUrgent     string                 `json:"most_urgent"`
	Reviews        []models.ReviewResult  `json:"reviews"`
	Ledger         *ledger.Stats          `json:"ledger"`
}

// Build collects the report for the engine's project.
func Build(ctx context.Context, eng *engine.Engine, now time.Time) (*Report, error) {
	st, err := eng.State(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := eng.Status(ctx)
	if err != nil {
		return nil, err
	}
	blocking, err := eng.BlockingIssues(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := eng.Ledger().Stats()
	if err != nil {
		return nil, err
	}

	r := &Report{
		GeneratedAt:    now,
		Status:         snap,
		ScoreHistory:   st.PhaseScores,
		BlockingIssues: blocking,
		Improvements:   st.Improvements,
		MostUrgent:     review.NoImprovementNeeded,
		Reviews:        st.ReviewHistory,
		Ledger:         stats,
	}
	if latest, ok := st.LatestReview(); ok {
		r.MostUrgent = review.MostUrgent(latest.Issues)
	}
	return r, nil
}

// Write renders r in the given format.
func Write(w io.Writer, r *Report, format string) error {
	switch format {
	case FormatMarkdown, "md":
		return Markdown(w, r)
	case FormatJSON:
		return JSON(w, r)
	case FormatCSV:
		return CSV(w, r)
	default:
		return fmt.Errorf("unknown format: %s (use: markdown, json, csv)", format)
	}
}

// JSON writes the report as indented JSON.
func JSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// CSV writes one row per review.
func CSV(w io.Writer, r *Report) error {
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"Review", "ID", "Phase", "Iteration", "Score", "Critical", "Major", "Minor", "ReviewedAt"})
	for i, rv := range r.Reviews {
		c := models.CountSeverities(rv.Issues)
		_ = cw.Write([]string{
			strconv.Itoa(i + 1),
			rv.ID,
			string(rv.Phase),
			strconv.Itoa(rv.Iteration),
			strconv.FormatFloat(rv.Score, 'f', -1, 64),
			strconv.Itoa(c.Critical),
			strconv.Itoa(c.Major),
			strconv.Itoa(c.Minor),
			rv.ReviewedAt.Format(time.RFC3339),
		})
	}
	cw.Flush()
	return cw.Error()
}

// Markdown writes a human-readable report.
func Markdown(w io.Writer, r *Report) error {
	ew := &errWriter{w: w}
	s := r.Status

	ew.printf("# %s Project Report\n\n", s.ProjectName)
	ew.printf("Generated: %s\n\n", r.GeneratedAt.Format("2006-01-02 15:04:05"))

	ew.printf("## Overview\n\n")
	ew.printf("- Project: %s\n", s.ProjectName)
	ew.printf("- Current phase: %s\n", s.CurrentPhase)
	ew.printf("- Phase iteration: %d / %d\n", s.PhaseIteration, s.MaxIterations)
	ew.printf("- Mode: %s\n", s.CurrentMode)
	ew.printf("- Status: %s\n", s.Status)
	ew.printf("- Reviews: %d\n", s.ReviewCount)
	ew.printf("- Rollbacks: %d\n", s.RollbackCount)
	if s.FromRollback {
		ew.printf("- Last rollback reason: %s\n", s.RollbackReason)
	}
	ew.printf("- Most urgent: %s\n\n", r.MostUrgent)

	ew.printf("## Score History\n\n")
	if len(r.ScoreHistory) == 0 {
		ew.printf("No reviews yet.\n")
	}
	for i, score := range r.ScoreHistory {
		ew.printf("- Review %d: %s\n", i+1, formatScore(score))
	}
	ew.printf("\n")

	if len(r.BlockingIssues) > 0 {
		ew.printf("## Blocking Issues\n\n")
		for _, is := range r.BlockingIssues {
			ew.printf("- **%s**: %s\n", is.Severity, is.Description)
		}
		ew.printf("\n")
	}

	if len(r.Improvements) > 0 {
		ew.printf("## Improvements\n\n")
		for _, imp := range r.Improvements {
			ew.printf("- %s\n", imp)
		}
		ew.printf("\n")
	}

	if r.Ledger != nil && len(r.Ledger.ByPhase) > 0 {
		ew.printf("## Issues by Phase\n\n")
		ew.printf("| Phase | Total | Critical | Major | Minor |\n")
		ew.printf("|-------|-------|----------|-------|-------|\n")
		for _, p := range models.AllPhases {
			c, ok := r.Ledger.ByPhase[p]
			if !ok {
				continue
			}
			ew.printf("| %s | %d | %d | %d | %d |\n", p, c.Total, c.Critical, c.Major, c.Minor)
		}
		ew.printf("\n")
	}

	ew.printf("## Review History\n\n")
	for i, rv := range r.Reviews {
		ew.printf("### Review %d: %s iteration %d (%s)\n\n", i+1, rv.Phase, rv.Iteration, rv.ReviewedAt.Format(time.RFC3339))
		ew.printf("**Score: %s**\n\n", formatScore(rv.Score))

		if len(rv.Checklist) > 0 {
			ew.printf("**Checklist:**\n")
			items := make([]string, 0, len(rv.Checklist))
			for k := range rv.Checklist {
				items = append(items, k)
			}
			sort.Strings(items)
			for _, k := range items {
				ew.printf("- %s: %s\n", k, formatScore(rv.Checklist[k]))
			}
			ew.printf("\n")
		}

		if len(rv.Issues) > 0 {
			ew.printf("**Issues:**\n")
			for _, is := range rv.Issues {
				ew.printf("- %s: %s\n", is.Severity, is.Description)
			}
			ew.printf("\n")
		}
	}
	return ew.err
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// errWriter keeps the first write error so rendering code can stay linear.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}
