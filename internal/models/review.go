package models

import "time"

// ReviewResult records a single review of a phase artifact. It is never
// mutated after being appended to a project's history.
type ReviewResult struct {
	ID           string             `json:"id"`
	Score        float64            `json:"score"`
	Issues       []Issue            `json:"issues"`
	Improvements []string           `json:"improvements"`
	Checklist    map[string]float64 `json:"checklist"`
	ReviewedAt   time.Time          `json:"review_date"`
	Phase        Phase              `json:"phase"`
	Iteration    int                `json:"iteration"`
}

// CriticalCount returns the number of blocking issues in the review.
func (r ReviewResult) CriticalCount() int {
	return len(FilterSeverity(r.Issues, SeverityCritical))
}

// Action is the outcome of a quality-gate decision.
type Action string

const (
	ActionPass     Action = "PASS"
	ActionRetry    Action = "RETRY"
	ActionRollback Action = "ROLLBACK"
)

// TransitionDecision is what the engine recommends after a review.
type TransitionDecision struct {
	Action Action `json:"action"`
	Phase  Phase  `json:"phase"`
	Target Phase  `json:"target,omitempty"` // set for ROLLBACK
	Reason string `json:"reason"`
}
