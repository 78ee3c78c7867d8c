package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/phasegate/internal/models"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))

	t.Cleanup(func() { s.Close() })
	return s
}

// backends runs fn against every Store implementation.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("file", func(t *testing.T) { fn(t, newTestFileStore(t)) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestSQLiteStore(t)) })
}

func sampleState() *models.ProjectState {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	updated := created.Add(2 * time.Hour)

	s := models.NewProjectState("demo", models.PhaseBasicDesign, models.DefaultQualityGates(), created)
	s.UpdatedAt = updated
	s.CurrentPhase = models.PhaseDetailDesign
	s.PhaseIteration = 2
	s.CurrentMode = models.ModeReviewer
	s.Status = models.StatusReadyForReview
	s.PhaseScores = []float64{72.5, 91}
	s.Improvements = []string{"Major — must fix: missing ER diagram"}
	s.FromRollback = true
	s.RollbackReason = "architecture flaw"
	s.RollbackCount = 1
	s.QualityGates.TotalRollbacks = 1
	s.PhaseHistory[models.PhaseBasicDesign].RollbackCount = 1
	s.PhaseHistory[models.PhaseDetailDesign].Iterations = 2
	s.PhaseHistory[models.PhaseDetailDesign].Scores = []float64{72.5, 91}
	s.ReviewHistory = []models.ReviewResult{
		{
			ID:    "01J0000000000000000000000A",
			Score: 72.5,
			Issues: []models.Issue{
				{Severity: models.SeverityMajor, Description: "missing ER diagram", FilePath: "design.md", LineNumber: 12, CreatedAt: created},
				{Severity: models.SeverityCritical, Description: "fundamental architecture flaw", CreatedAt: created},
			},
			Improvements: []string{"Major — must fix: missing ER diagram", "Critical — requires rollback: fundamental architecture flaw"},
			Checklist:    map[string]float64{"class_design": 30, "algorithms": 15.5},
			ReviewedAt:   created.Add(time.Hour),
			Phase:        models.PhaseDetailDesign,
			Iteration:    1,
		},
	}
	return s
}

func TestRoundTrip(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		want := sampleState()

		require.NoError(t, s.Save(ctx, want))

		got, err := s.Load(ctx, "demo")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})
}

func TestLoad_Missing(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		_, err := s.Load(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSave_Overwrites(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		st := sampleState()
		require.NoError(t, s.Save(ctx, st))

		st.PhaseIteration = 3
		st.Status = models.StatusInProgress
		require.NoError(t, s.Save(ctx, st))

		got, err := s.Load(ctx, "demo")
		require.NoError(t, err)
		assert.Equal(t, 3, got.PhaseIteration)
		assert.Equal(t, models.StatusInProgress, got.Status)
	})
}

func TestSave_RejectsBadName(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		st := sampleState()
		st.ProjectName = "../escape"
		assert.Error(t, s.Save(context.Background(), st))
	})
}

func TestList(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, name := range []string{"beta", "alpha"} {
			st := sampleState()
			st.ProjectName = name
			require.NoError(t, s.Save(ctx, st))
		}

		names, err := s.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "beta"}, names)
	})
}

func TestArtifacts(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.LoadArtifact(ctx, "demo", models.PhaseBasicDesign, 1)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.SaveArtifact(ctx, "demo", models.PhaseBasicDesign, 1, "# v1"))
		require.NoError(t, s.SaveArtifact(ctx, "demo", models.PhaseBasicDesign, 2, "# v2"))
		require.NoError(t, s.SaveArtifact(ctx, "demo", models.PhaseBasicDesign, 1, "# v1 again"))

		got, err := s.LoadArtifact(ctx, "demo", models.PhaseBasicDesign, 1)
		require.NoError(t, err)
		assert.Equal(t, "# v1 again", got)

		got, err = s.LoadArtifact(ctx, "demo", models.PhaseBasicDesign, 2)
		require.NoError(t, err)
		assert.Equal(t, "# v2", got)
	})
}

func TestLoadOrCreate_Fresh(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		st, err := LoadOrCreate(ctx, s, "fresh", models.PhaseBasicDesign, models.DefaultQualityGates(), nil)
		require.NoError(t, err)

		assert.Equal(t, "fresh", st.ProjectName)
		assert.Equal(t, models.PhaseBasicDesign, st.CurrentPhase)
		assert.Equal(t, 0, st.PhaseIteration)
		assert.Equal(t, models.ModeDeveloper, st.CurrentMode)
		assert.Equal(t, models.StatusInProgress, st.Status)
		assert.Len(t, st.PhaseHistory, len(models.AllPhases))
		assert.NoError(t, st.Validate())

		// persisted immediately
		_, err = s.Load(ctx, "fresh")
		assert.NoError(t, err)
	})
}

func TestLoadOrCreate_Existing(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Save(ctx, sampleState()))

		st, err := LoadOrCreate(ctx, s, "demo", models.PhaseBasicDesign, models.DefaultQualityGates(), nil)
		require.NoError(t, err)
		assert.Equal(t, models.PhaseDetailDesign, st.CurrentPhase)
		assert.Equal(t, 2, st.PhaseIteration)
	})
}

func TestLoadOrCreate_InvalidName(t *testing.T) {
	s := newTestFileStore(t)
	_, err := LoadOrCreate(context.Background(), s, "a/b", models.PhaseBasicDesign, models.DefaultQualityGates(), nil)
	assert.Error(t, err)
}

// Unreadable state is deliberately discarded and replaced with a fresh one
// rather than reported to the caller.
func TestLoadOrCreate_CorruptFileIsReplaced(t *testing.T) {
	for name, content := range map[string]string{
		"malformed json": "{not json",
		"empty file":     "   \n",
		"bad phase":      `{"project_name":"demo","current_phase":"UNIT_TEST","current_mode":"developer"}`,
	} {
		t.Run(name, func(t *testing.T) {
			s := newTestFileStore(t)
			path := s.statePath("demo")
			require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

			st, err := LoadOrCreate(context.Background(), s, "demo", models.PhaseBasicDesign, models.DefaultQualityGates(), nil)
			require.NoError(t, err)
			assert.Equal(t, models.PhaseBasicDesign, st.CurrentPhase)
			assert.Empty(t, st.ReviewHistory)

			got, err := s.Load(context.Background(), "demo")
			require.NoError(t, err, "fresh state should overwrite the corrupt file")
			assert.Equal(t, models.StatusInProgress, got.Status)
		})
	}
}

func TestLoadOrCreate_CorruptSQLiteRowIsReplaced(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (name, state, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		"demo", "{broken", time.Now().UTC(), time.Now().UTC())
	require.NoError(t, err)

	_, err = s.Load(ctx, "demo")
	assert.ErrorIs(t, err, ErrCorrupt)

	st, err := LoadOrCreate(ctx, s, "demo", models.PhaseBasicDesign, models.DefaultQualityGates(), nil)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseBasicDesign, st.CurrentPhase)
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestSQLiteStore(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestValidateProjectName(t *testing.T) {
	for _, ok := range []string{"demo", "my-app_2", "v1.0"} {
		assert.NoError(t, ValidateProjectName(ok), ok)
	}
	for _, bad := range []string{"", ".hidden", "a/b", "a b", "..", "-x"} {
		assert.Error(t, ValidateProjectName(bad), bad)
	}
}
