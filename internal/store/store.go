package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/joescharf/phasegate/internal/models"
)

var (
	// ErrNotFound is returned when a project or artifact has never been written.
	ErrNotFound = errors.New("not found")
	// ErrCorrupt is returned when persisted state exists but cannot be decoded.
	ErrCorrupt = errors.New("corrupt state")
)

// Store defines the persistence interface for project state and phase artifacts.
type Store interface {
	// Project state
	Load(ctx context.Context, project string) (*models.ProjectState, error)
	Save(ctx context.Context, state *models.ProjectState) error
	List(ctx context.Context) ([]string, error)

	// Phase artifacts, keyed by 1-based iteration
	SaveArtifact(ctx context.Context, project string, phase models.Phase, iteration int, content string) error
	LoadArtifact(ctx context.Context, project string, phase models.Phase, iteration int) (string, error)

	// Lifecycle
	Close() error
}

var projectNameRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateProjectName rejects names that cannot be used as a directory or key.
func ValidateProjectName(name string) error {
	if !projectNameRE.MatchString(name) || len(name) > 128 {
		return fmt.Errorf("invalid project name %q (letters, digits, '.', '_' and '-' only)", name)
	}
	return nil
}

// LoadOrCreate returns the persisted state for project, or a fresh state when
// none exists. Malformed or empty state is treated as absent: it is logged and
// replaced, never returned as an error. The fresh state is persisted before
// it is returned.
func LoadOrCreate(ctx context.Context, s Store, project string, first models.Phase, gates models.QualityGates, logger *slog.Logger) (*models.ProjectState, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := ValidateProjectName(project); err != nil {
		return nil, err
	}

	state, err := s.Load(ctx, project)
	switch {
	case err == nil:
		state.EnsurePhaseHistory()
		return state, nil
	case errors.Is(err, ErrCorrupt):
		logger.Warn("discarding unreadable project state", "project", project, "error", err)
	case errors.Is(err, ErrNotFound):
		logger.Debug("creating project state", "project", project)
	default:
		logger.Warn("project state could not be read, starting fresh", "project", project, "error", err)
	}

	state = models.NewProjectState(project, first, gates, time.Now().UTC())
	if err := s.Save(ctx, state); err != nil {
		return nil, fmt.Errorf("save new project state: %w", err)
	}
	return state, nil
}
