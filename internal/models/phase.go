package models

import "fmt"

// Phase is a named stage of the production pipeline.
type Phase string

const (
	PhaseBasicDesign  Phase = "BASIC_DESIGN"
	PhaseDetailDesign Phase = "DETAIL_DESIGN"
	PhaseDevelopment  Phase = "DEVELOPMENT"
)

// AllPhases lists every phase in pipeline order.
var AllPhases = []Phase{PhaseBasicDesign, PhaseDetailDesign, PhaseDevelopment}

// ParsePhase converts a string tag into a Phase.
func ParsePhase(s string) (Phase, error) {
	for _, p := range AllPhases {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown phase: %s", s)
}

// Mode is whether the current actor is producing or judging an artifact.
type Mode string

const (
	ModeDeveloper Mode = "developer"
	ModeReviewer  Mode = "reviewer"
)

// ParseMode converts a string into a Mode. Anything other than
// "developer" or "reviewer" is rejected.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDeveloper, ModeReviewer:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("invalid mode %q (must be developer or reviewer)", s)
	}
}

// Status is the coarse workflow status of a project.
type Status string

const (
	StatusInProgress     Status = "IN_PROGRESS"
	StatusReadyForReview Status = "READY_FOR_REVIEW"
	StatusCompleted      Status = "COMPLETED"
)
