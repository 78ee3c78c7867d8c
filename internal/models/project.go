package models

import (
	"fmt"
	"time"
)

// PhaseHistory tracks per-phase activity over the project lifetime.
type PhaseHistory struct {
	Iterations    int       `json:"iterations"`
	Scores        []float64 `json:"scores"`
	IssuesFixed   []string  `json:"issues_fixed"`
	RollbackCount int       `json:"rollback_count"` // rollbacks into this phase
}

// QualityGates bounds how many rollbacks are tolerated before forcing progress.
type QualityGates struct {
	AllowRollback         bool `json:"allow_rollback"`
	MaxRollbacksPerPhase  int  `json:"max_rollbacks_per_phase"`
	TotalRollbacks        int  `json:"total_rollbacks"`
	ForceForwardThreshold int  `json:"force_forward_threshold"`
}

// DefaultQualityGates returns the gates a new project starts with.
func DefaultQualityGates() QualityGates {
	return QualityGates{
		AllowRollback:         true,
		MaxRollbacksPerPhase:  2,
		ForceForwardThreshold: 3,
	}
}

// ProjectState is the durable record of one project's workflow position.
type ProjectState struct {
	ProjectName    string                  `json:"project_name"`
	CurrentPhase   Phase                   `json:"current_phase"`
	PhaseIteration int                     `json:"phase_iteration"`
	CurrentMode    Mode                    `json:"current_mode"`
	Status         Status                  `json:"status"`
	PhaseScores    []float64               `json:"phase_scores"`
	Improvements   []string                `json:"improvements"`
	ReviewHistory  []ReviewResult          `json:"review_history"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
	FromRollback   bool                    `json:"from_rollback"`
	RollbackReason string                  `json:"rollback_reason"`
	RollbackCount  int                     `json:"rollback_count"`
	PhaseHistory   map[Phase]*PhaseHistory `json:"phase_history"`
	QualityGates   QualityGates            `json:"quality_gates"`
}

// NewProjectState builds a fresh state positioned at the first phase.
func NewProjectState(name string, first Phase, gates QualityGates, now time.Time) *ProjectState {
	s := &ProjectState{
		ProjectName:   name,
		CurrentPhase:  first,
		CurrentMode:   ModeDeveloper,
		Status:        StatusInProgress,
		PhaseScores:   []float64{},
		Improvements:  []string{},
		ReviewHistory: []ReviewResult{},
		CreatedAt:     now,
		UpdatedAt:     now,
		QualityGates:  gates,
	}
	s.EnsurePhaseHistory()
	return s
}

// EnsurePhaseHistory creates an empty history entry for any missing phase.
func (s *ProjectState) EnsurePhaseHistory() {
	if s.PhaseHistory == nil {
		s.PhaseHistory = make(map[Phase]*PhaseHistory, len(AllPhases))
	}
	for _, p := range AllPhases {
		if s.PhaseHistory[p] == nil {
			s.PhaseHistory[p] = &PhaseHistory{Scores: []float64{}, IssuesFixed: []string{}}
		}
	}
}

// LatestReview returns the most recent review, if any.
func (s *ProjectState) LatestReview() (ReviewResult, bool) {
	if len(s.ReviewHistory) == 0 {
		return ReviewResult{}, false
	}
	return s.ReviewHistory[len(s.ReviewHistory)-1], true
}

// LatestScore returns the most recent score, if any.
func (s *ProjectState) LatestScore() (float64, bool) {
	if len(s.PhaseScores) == 0 {
		return 0, false
	}
	return s.PhaseScores[len(s.PhaseScores)-1], true
}

// Validate checks the structural invariants of the state.
func (s *ProjectState) Validate() error {
	if s.PhaseIteration < 0 {
		return fmt.Errorf("negative phase iteration: %d", s.PhaseIteration)
	}
	sum := 0
	for _, p := range AllPhases {
		h, ok := s.PhaseHistory[p]
		if !ok || h == nil {
			return fmt.Errorf("missing phase history for %s", p)
		}
		sum += h.RollbackCount
	}
	if sum != s.QualityGates.TotalRollbacks {
		return fmt.Errorf("total rollbacks %d does not match per-phase sum %d", s.QualityGates.TotalRollbacks, sum)
	}
	return nil
}

// StatusSnapshot is a read-only summary of a project's position.
type StatusSnapshot struct {
	ProjectName    string       `json:"project_name"`
	CurrentPhase   Phase        `json:"current_phase"`
	PhaseIteration int          `json:"phase_iteration"`
	MaxIterations  int          `json:"max_iterations"`
	PassThreshold  float64      `json:"pass_threshold"`
	CurrentMode    Mode         `json:"current_mode"`
	Status         Status       `json:"status"`
	LatestScore    *float64     `json:"latest_score"`
	BlockingCount  int          `json:"blocked_issues_count"`
	Improvements   int          `json:"improvements_count"`
	ReviewCount    int          `json:"review_count"`
	FromRollback   bool         `json:"from_rollback"`
	RollbackReason string       `json:"rollback_reason"`
	RollbackCount  int          `json:"rollback_count"`
	QualityGates   QualityGates `json:"quality_gates"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}
