// Package review turns raw evaluator output into review records and
// actionable improvement suggestions. Everything here is a pure function of
// its inputs apart from the injected clock and ID source.
package review

import (
	"math"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/phasegate/internal/models"
)

// NoImprovementNeeded is returned by MostUrgent when there are no issues.
const NoImprovementNeeded = "No improvement needed: current phase quality is good"

// Aggregator builds ReviewResults. Now and NewID default to the wall clock
// and ULIDs; tests replace them for deterministic output.
type Aggregator struct {
	Now   func() time.Time
	NewID func(time.Time) string
}

// NewAggregator returns an Aggregator using the wall clock and ULIDs.
func NewAggregator() *Aggregator {
	return &Aggregator{
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: newULID,
	}
}

// newULID generates a new ULID string.
func newULID(t time.Time) string {
	entropy := rand.New(rand.NewSource(t.UnixNano()))
	return ulid.MustNew(ulid.Timestamp(t), ulid.Monotonic(entropy, 0)).String()
}

// Aggregate combines per-criterion scores and issues into a ReviewResult.
// The total is the sum of the criterion scores; each criterion's score already
// carries its weight, so a perfect artifact scores 100.
func (a *Aggregator) Aggregate(phase models.Phase, iteration int, scores map[string]float64, issues []models.Issue) models.ReviewResult {
	now := a.Now()

	checklist := make(map[string]float64, len(scores))
	for k, v := range scores {
		checklist[k] = v
	}
	if issues == nil {
		issues = []models.Issue{}
	}

	return models.ReviewResult{
		ID:           a.NewID(now),
		Score:        TotalScore(scores),
		Issues:       issues,
		Improvements: Suggestions(issues),
		Checklist:    checklist,
		ReviewedAt:   now,
		Phase:        phase,
		Iteration:    iteration,
	}
}

// TotalScore sums the criterion scores, rounded to two decimals.
func TotalScore(scores map[string]float64) float64 {
	var total float64
	for _, v := range scores {
		total += v
	}
	return math.Round(total*100) / 100
}

// Suggestion formats the improvement text for a single issue.
func Suggestion(i models.Issue) string {
	switch i.Severity {
	case models.SeverityCritical:
		return "Critical — requires rollback: " + i.Description
	case models.SeverityMajor:
		return "Major — must fix: " + i.Description
	default:
		return i.Description
	}
}

// Suggestions maps each issue to its suggestion, keeping discovery order.
func Suggestions(issues []models.Issue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, Suggestion(i))
	}
	return out
}

// MostUrgent picks the single action item to work on next: the first
// CRITICAL issue, else the first MAJOR, else the first MINOR.
func MostUrgent(issues []models.Issue) string {
	best := -1
	for idx, i := range issues {
		if best < 0 || i.Severity.Rank() > issues[best].Severity.Rank() {
			best = idx
		}
	}
	if best < 0 {
		return NoImprovementNeeded
	}
	return Suggestion(issues[best])
}
