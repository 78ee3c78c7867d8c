package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joescharf/phasegate/internal/fsutil"
	"github.com/joescharf/phasegate/internal/models"
)

const stateFileName = "project_state.json"

// FileStore keeps one JSON document per project under a root directory:
//
//	<root>/<project>/project_state.json
//	<root>/<project>/phase_outputs/<phase>/<phase>_v<n>.md
type FileStore struct {
	root string
}

// NewFileStore creates (if needed) root and returns a store rooted there.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &FileStore{root: root}, nil
}

// ProjectDir returns the directory holding a project's files.
func (f *FileStore) ProjectDir(project string) string {
	return filepath.Join(f.root, project)
}

func (f *FileStore) statePath(project string) string {
	return filepath.Join(f.ProjectDir(project), stateFileName)
}

func (f *FileStore) artifactPath(project string, phase models.Phase, iteration int) string {
	lower := strings.ToLower(string(phase))
	return filepath.Join(f.ProjectDir(project), "phase_outputs", lower, fmt.Sprintf("%s_v%d.md", lower, iteration))
}

func (f *FileStore) Load(_ context.Context, project string) (*models.ProjectState, error) {
	data, err := os.ReadFile(f.statePath(project))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("project %s: %w", project, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read project state: %w", err)
	}
	return decodeState(project, data)
}

func (f *FileStore) Save(_ context.Context, state *models.ProjectState) error {
	if err := ValidateProjectName(state.ProjectName); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode project state: %w", err)
	}
	if err := fsutil.WriteFileAtomic(f.statePath(state.ProjectName), data, 0o644); err != nil {
		return fmt.Errorf("write project state: %w", err)
	}
	return nil
}

func (f *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(f.statePath(e.Name())); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (f *FileStore) SaveArtifact(_ context.Context, project string, phase models.Phase, iteration int, content string) error {
	if err := fsutil.WriteFileAtomic(f.artifactPath(project, phase, iteration), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	return nil
}

func (f *FileStore) LoadArtifact(_ context.Context, project string, phase models.Phase, iteration int) (string, error) {
	data, err := os.ReadFile(f.artifactPath(project, phase, iteration))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("artifact %s v%d: %w", phase, iteration, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}
	return string(data), nil
}

// Close is a no-op for the file store.
func (f *FileStore) Close() error { return nil }

// decodeState turns a persisted document into a ProjectState. Empty documents
// count as missing; anything that fails to parse counts as corrupt.
func decodeState(project string, data []byte) (*models.ProjectState, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("project %s: empty state: %w", project, ErrNotFound)
	}
	var state models.ProjectState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("project %s: %v: %w", project, err, ErrCorrupt)
	}
	if state.ProjectName == "" || state.CurrentPhase == "" {
		return nil, fmt.Errorf("project %s: missing required fields: %w", project, ErrCorrupt)
	}
	if _, err := models.ParsePhase(string(state.CurrentPhase)); err != nil {
		return nil, fmt.Errorf("project %s: %v: %w", project, err, ErrCorrupt)
	}
	if _, err := models.ParseMode(string(state.CurrentMode)); err != nil {
		return nil, fmt.Errorf("project %s: %v: %w", project, err, ErrCorrupt)
	}
	return &state, nil
}
