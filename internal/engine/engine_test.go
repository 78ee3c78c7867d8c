package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/phasegate/internal/content"
	"github.com/joescharf/phasegate/internal/ledger"
	"github.com/joescharf/phasegate/internal/metrics"
	"github.com/joescharf/phasegate/internal/models"
	"github.com/joescharf/phasegate/internal/phases"
	"github.com/joescharf/phasegate/internal/store"
)

type scriptedEvaluator struct {
	scores map[string]float64
	issues []models.Issue
	err    error
	seen   []string
}

func (s *scriptedEvaluator) Evaluate(_ context.Context, _ models.Phase, text string) (*content.Evaluation, error) {
	s.seen = append(s.seen, text)
	if s.err != nil {
		return nil, s.err
	}
	return &content.Evaluation{Scores: s.scores, Issues: s.issues}, nil
}

func (s *scriptedEvaluator) set(score float64, issues ...models.Issue) {
	s.scores = map[string]float64{"overall": score}
	s.issues = issues
	s.err = nil
}

func critical(desc string) models.Issue {
	return models.Issue{Severity: models.SeverityCritical, Description: desc}
}

type harness struct {
	eng     *Engine
	store   *store.FileStore
	ledger  *ledger.Ledger
	eval    *scriptedEvaluator
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, mutate ...func(*phases.Config, *Options)) *harness {
	t.Helper()
	dir := t.TempDir()
	fs, err := store.NewFileStore(dir)
	require.NoError(t, err)

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := &harness{
		store:   fs,
		ledger:  ledger.New(filepath.Join(dir, "demo", "issues")),
		eval:    &scriptedEvaluator{},
		metrics: metrics.New(nil),
	}
	cfg := phases.DefaultConfig()
	opts := Options{
		Evaluator: h.eval,
		Metrics:   h.metrics,
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	}
	for _, m := range mutate {
		m(cfg, &opts)
	}
	h.eng = New("demo", fs, h.ledger, cfg, opts)
	return h
}

func (h *harness) state(t *testing.T) *models.ProjectState {
	t.Helper()
	st, err := h.eng.State(context.Background())
	require.NoError(t, err)
	return st
}

// put overwrites the persisted state after fn mutates it.
func (h *harness) put(t *testing.T, fn func(*models.ProjectState)) {
	t.Helper()
	st := h.state(t)
	fn(st)
	require.NoError(t, h.store.Save(context.Background(), st))
}

func (h *harness) review(t *testing.T, score float64, issues ...models.Issue) *models.ReviewResult {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.eng.SetMode(ctx, models.ModeReviewer))
	h.eval.set(score, issues...)
	res, err := h.eng.Review(ctx)
	require.NoError(t, err)
	return res
}

func TestNewProjectDefaults(t *testing.T) {
	h := newHarness(t)
	st := h.state(t)

	assert.Equal(t, models.PhaseBasicDesign, st.CurrentPhase)
	assert.Equal(t, models.ModeDeveloper, st.CurrentMode)
	assert.Equal(t, models.StatusInProgress, st.Status)
	assert.Equal(t, 0, st.PhaseIteration)
	assert.Len(t, st.PhaseHistory, len(models.AllPhases))
	assert.Equal(t, models.DefaultQualityGates(), st.QualityGates)

	_, err := h.store.Load(context.Background(), "demo")
	assert.NoError(t, err, "fresh state is persisted immediately")
}

func TestScenario_PassAndAdvance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.eng.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Iteration)
	assert.False(t, res.Fallback)
	assert.Equal(t, models.StatusReadyForReview, h.state(t).Status)

	artifact, err := h.store.LoadArtifact(ctx, "demo", models.PhaseBasicDesign, 1)
	require.NoError(t, err)
	assert.Equal(t, res.Content, artifact)

	rr := h.review(t, 90)
	assert.Equal(t, 90.0, rr.Score)
	assert.Equal(t, []string{artifact}, h.eval.seen)

	ok, err := h.eng.CheckPhaseTransition(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	st, err := h.eng.ForceNextPhase(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseDetailDesign, st.CurrentPhase)
	assert.Equal(t, 0, st.PhaseIteration)
	assert.Equal(t, models.StatusInProgress, st.Status)
}

func TestScenario_RollbackOnTrigger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.eng.ForceNextPhase(ctx)
	require.NoError(t, err)

	h.review(t, 60, critical("The Database Design Cannot Support sharding"))

	rc, err := h.eng.CheckRollbackNeeded(ctx)
	require.NoError(t, err)
	require.True(t, rc.Needed)
	assert.Equal(t, models.PhaseBasicDesign, rc.Target)
	assert.Equal(t, "database design cannot support", rc.Trigger)

	st, err := h.eng.RollbackToPhase(ctx, models.PhaseBasicDesign, "schema cannot scale")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseBasicDesign, st.CurrentPhase)
	assert.Equal(t, 0, st.PhaseIteration)
	assert.Equal(t, models.StatusInProgress, st.Status)
	assert.True(t, st.FromRollback)
	assert.Equal(t, "schema cannot scale", st.RollbackReason)
	assert.Equal(t, 1, st.RollbackCount)
	assert.Equal(t, 1, st.QualityGates.TotalRollbacks)
	assert.Equal(t, 1, st.PhaseHistory[models.PhaseBasicDesign].RollbackCount)
	assert.NoError(t, st.Validate())

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RollbacksTotal.WithLabelValues("DETAIL_DESIGN", "BASIC_DESIGN")))
}

func TestScenario_ForcedPassAtMaxIterations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.review(t, 40, critical("nothing works"))
	ok, err := h.eng.CheckPhaseTransition(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	for i := 0; i < 5; i++ {
		_, err := h.eng.NextIteration(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 5, h.state(t).PhaseIteration)

	ok, err = h.eng.CheckPhaseTransition(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "iteration budget forces a pass")
}

func TestCheckPhaseTransition(t *testing.T) {
	tests := []struct {
		name   string
		score  float64
		issues []models.Issue
		want   bool
	}{
		{"above threshold", 85, nil, true},
		{"exactly threshold", 80, nil, true},
		{"below threshold", 79.99, nil, false},
		{"critical blocks high score", 99, []models.Issue{critical("crash on start")}, false},
		{"major does not block", 90, []models.Issue{{Severity: models.SeverityMajor, Description: "naming"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.review(t, tt.score, tt.issues...)
			ok, err := h.eng.CheckPhaseTransition(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}

	t.Run("no reviews", func(t *testing.T) {
		h := newHarness(t)
		ok, err := h.eng.CheckPhaseTransition(context.Background())
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestForceNextPhase_ReachesCompleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i, want := range []models.Phase{models.PhaseDetailDesign, models.PhaseDevelopment} {
		_, err := h.eng.NextIteration(ctx)
		require.NoError(t, err)
		st, err := h.eng.ForceNextPhase(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, st.CurrentPhase, "advance %d", i+1)
		assert.Equal(t, 0, st.PhaseIteration)
		assert.Equal(t, models.StatusInProgress, st.Status)
	}

	st, err := h.eng.ForceNextPhase(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.Equal(t, models.PhaseDevelopment, st.CurrentPhase)
}

func TestForceNextPhase_ClearsRollbackFlag(t *testing.T) {
	h := newHarness(t)
	h.put(t, func(s *models.ProjectState) {
		s.FromRollback = true
		s.RollbackReason = "x"
	})
	st, err := h.eng.ForceNextPhase(context.Background())
	require.NoError(t, err)
	assert.False(t, st.FromRollback)
	assert.Empty(t, st.RollbackReason)
}

func TestModeGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("execute in reviewer mode", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.eng.SetMode(ctx, models.ModeReviewer))
		before := h.state(t)

		_, err := h.eng.Execute(ctx)
		assert.ErrorIs(t, err, ErrWrongMode)
		assert.Equal(t, before, h.state(t))
	})

	t.Run("review in developer mode", func(t *testing.T) {
		h := newHarness(t)
		before := h.state(t)

		_, err := h.eng.Review(ctx)
		assert.ErrorIs(t, err, ErrWrongMode)
		assert.Equal(t, before, h.state(t))
		assert.Empty(t, h.eval.seen)
	})
}

func TestSetMode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.eng.SetMode(ctx, models.ModeReviewer))
	assert.Equal(t, models.ModeReviewer, h.state(t).CurrentMode)

	before := h.state(t)
	err := h.eng.SetMode(ctx, models.Mode("admin"))
	assert.ErrorIs(t, err, ErrInvalidMode)
	assert.Equal(t, before, h.state(t))

	m, err := ParseMode("developer")
	require.NoError(t, err)
	assert.Equal(t, models.ModeDeveloper, m)
	_, err = ParseMode("Developer")
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestExecute_GeneratorFailureFallsBack(t *testing.T) {
	h := newHarness(t, func(_ *phases.Config, o *Options) {
		o.Generator = content.GeneratorFunc(func(context.Context, models.Phase, content.GenerationContext) (string, error) {
			return "", errors.New("model overloaded")
		})
	})
	ctx := context.Background()

	res, err := h.eng.Execute(ctx)
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, content.Template(models.PhaseBasicDesign, content.GenerationContext{
		ProjectName: "demo",
		Iteration:   1,
	}), res.Content)
	assert.Equal(t, models.StatusReadyForReview, h.state(t).Status)
}

func TestExecute_PassesContextToGenerator(t *testing.T) {
	var got content.GenerationContext
	h := newHarness(t, func(_ *phases.Config, o *Options) {
		o.Generator = content.GeneratorFunc(func(_ context.Context, _ models.Phase, gc content.GenerationContext) (string, error) {
			got = gc
			return "artifact", nil
		})
	})
	ctx := context.Background()

	h.review(t, 50, critical("no schema"))
	_, err := h.eng.NextIteration(ctx)
	require.NoError(t, err)
	require.NoError(t, h.eng.SetMode(ctx, models.ModeDeveloper))

	res, err := h.eng.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Iteration)
	assert.Equal(t, "demo", got.ProjectName)
	assert.Equal(t, 2, got.Iteration)
	assert.Equal(t, []string{"Critical — requires rollback: no schema"}, got.Improvements)
	require.Len(t, got.BlockingIssues, 1)
	assert.NotEmpty(t, got.OutputFormat)
}

func TestReview_PlaceholderWithoutArtifact(t *testing.T) {
	h := newHarness(t)
	h.review(t, 10)
	require.Len(t, h.eval.seen, 1)
	assert.Equal(t, content.Placeholder(models.PhaseBasicDesign), h.eval.seen[0])
}

func TestReview_EvaluatorFailureLeavesStateUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.eng.SetMode(ctx, models.ModeReviewer))
	before := h.state(t)

	boom := errors.New("evaluator down")
	h.eval.err = boom
	_, err := h.eng.Review(ctx)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, before, h.state(t))
	n, err := h.ledger.BlockingCount()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReview_UpdatesHistoryAndLedger(t *testing.T) {
	h := newHarness(t)
	issues := []models.Issue{
		{Severity: models.SeverityMinor, Description: "typo"},
		critical("no ER diagram"),
	}

	rr := h.review(t, 70, issues...)
	assert.Equal(t, 1, rr.Iteration)
	assert.Equal(t, models.PhaseBasicDesign, rr.Phase)
	assert.Equal(t, []string{"typo", "Critical — requires rollback: no ER diagram"}, rr.Improvements)
	for _, is := range rr.Issues {
		assert.False(t, is.CreatedAt.IsZero())
	}

	st := h.state(t)
	assert.Len(t, st.ReviewHistory, 1)
	assert.Equal(t, []float64{70}, st.PhaseScores)
	assert.Equal(t, rr.Improvements, st.Improvements)
	assert.Equal(t, 1, st.PhaseHistory[models.PhaseBasicDesign].Iterations)
	assert.Equal(t, []float64{70}, st.PhaseHistory[models.PhaseBasicDesign].Scores)

	recorded, err := h.ledger.ReviewIssues(models.PhaseBasicDesign, 1)
	require.NoError(t, err)
	assert.Len(t, recorded, 2)

	// Same critical issue again: blocking set does not grow.
	h.review(t, 72, critical("no ER diagram"))
	n, err := h.ledger.BlockingCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := h.ledger.IssuesForPhase(models.PhaseBasicDesign)
	require.NoError(t, err)
	assert.Len(t, all, 1, "second review overwrote the same iteration key")

	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.ReviewsTotal.WithLabelValues("BASIC_DESIGN")))
}

func TestRollbackToPhase_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("no target from first phase", func(t *testing.T) {
		h := newHarness(t)
		before := h.state(t)
		_, err := h.eng.RollbackToPhase(ctx, models.PhaseBasicDesign, "x")
		assert.ErrorIs(t, err, ErrRollbackNotAllowed)
		assert.Equal(t, before, h.state(t))
	})

	t.Run("only the direct predecessor", func(t *testing.T) {
		h := newHarness(t)
		h.put(t, func(s *models.ProjectState) { s.CurrentPhase = models.PhaseDevelopment })
		before := h.state(t)

		_, err := h.eng.RollbackToPhase(ctx, models.PhaseBasicDesign, "x")
		assert.ErrorIs(t, err, ErrRollbackNotAllowed)
		assert.Equal(t, before, h.state(t))

		st, err := h.eng.RollbackToPhase(ctx, models.PhaseDetailDesign, "x")
		require.NoError(t, err)
		assert.Equal(t, models.PhaseDetailDesign, st.CurrentPhase)
	})

	t.Run("disabled", func(t *testing.T) {
		h := newHarness(t, func(c *phases.Config, _ *Options) { c.Gates.AllowRollback = false })
		h.put(t, func(s *models.ProjectState) { s.CurrentPhase = models.PhaseDetailDesign })
		_, err := h.eng.RollbackToPhase(ctx, models.PhaseBasicDesign, "x")
		assert.ErrorIs(t, err, ErrRollbackDisabled)
	})

	t.Run("budget exhausted", func(t *testing.T) {
		h := newHarness(t, func(c *phases.Config, _ *Options) { c.Gates.MaxRollbacksPerPhase = 1 })
		h.put(t, func(s *models.ProjectState) { s.CurrentPhase = models.PhaseDetailDesign })

		_, err := h.eng.RollbackToPhase(ctx, models.PhaseBasicDesign, "first")
		require.NoError(t, err)
		_, err = h.eng.ForceNextPhase(ctx)
		require.NoError(t, err)

		before := h.state(t)
		_, err = h.eng.RollbackToPhase(ctx, models.PhaseBasicDesign, "second")
		assert.ErrorIs(t, err, ErrRollbackBudgetExhausted)
		assert.Equal(t, before, h.state(t))
	})
}

func TestDecide(t *testing.T) {
	ctx := context.Background()

	t.Run("no reviews", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.eng.Decide(ctx)
		assert.ErrorIs(t, err, ErrNoReviews)
	})

	t.Run("pass", func(t *testing.T) {
		h := newHarness(t)
		h.review(t, 95)
		d, err := h.eng.Decide(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.ActionPass, d.Action)
		assert.Equal(t, models.PhaseBasicDesign, d.Phase)
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DecisionsTotal.WithLabelValues("PASS")))
	})

	t.Run("retry", func(t *testing.T) {
		h := newHarness(t)
		h.review(t, 50)
		d, err := h.eng.Decide(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.ActionRetry, d.Action)
		assert.Contains(t, d.Reason, "below threshold")
	})

	t.Run("rollback", func(t *testing.T) {
		h := newHarness(t)
		h.put(t, func(s *models.ProjectState) { s.CurrentPhase = models.PhaseDevelopment })
		h.review(t, 30, critical("Algorithm logic flaw in scheduler"))
		d, err := h.eng.Decide(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.ActionRollback, d.Action)
		assert.Equal(t, models.PhaseDetailDesign, d.Target)
		assert.Equal(t, "Algorithm logic flaw in scheduler", d.Reason)

		assert.Equal(t, models.PhaseDevelopment, h.state(t).CurrentPhase, "decide does not mutate")
	})

	t.Run("critical without trigger retries", func(t *testing.T) {
		h := newHarness(t)
		h.put(t, func(s *models.ProjectState) { s.CurrentPhase = models.PhaseDevelopment })
		h.review(t, 95, critical("panics on empty input"))
		d, err := h.eng.Decide(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.ActionRetry, d.Action)
	})

	t.Run("exhausted budget retries before threshold", func(t *testing.T) {
		h := newHarness(t, func(c *phases.Config, _ *Options) { c.Gates.MaxRollbacksPerPhase = 0 })
		h.put(t, func(s *models.ProjectState) {
			s.CurrentPhase = models.PhaseDetailDesign
			s.PhaseIteration = 1
		})
		h.review(t, 30, critical("fundamental architecture flaw"))
		d, err := h.eng.Decide(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.ActionRetry, d.Action)
	})

	t.Run("exhausted budget forces forward at threshold", func(t *testing.T) {
		h := newHarness(t, func(c *phases.Config, _ *Options) { c.Gates.MaxRollbacksPerPhase = 0 })
		h.put(t, func(s *models.ProjectState) {
			s.CurrentPhase = models.PhaseDetailDesign
			s.PhaseIteration = 3
		})
		h.review(t, 30, critical("fundamental architecture flaw"))
		d, err := h.eng.Decide(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.ActionPass, d.Action)
		assert.Contains(t, d.Reason, "force forward")
	})
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	snap, err := h.eng.Status(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap.LatestScore)
	assert.Equal(t, 5, snap.MaxIterations)
	assert.Equal(t, 80.0, snap.PassThreshold)

	h.review(t, 64.5, critical("a"), critical("b"))
	snap, err = h.eng.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap.LatestScore)
	assert.Equal(t, 64.5, *snap.LatestScore)
	assert.Equal(t, 2, snap.BlockingCount)
	assert.Equal(t, 2, snap.Improvements)
	assert.Equal(t, 1, snap.ReviewCount)
	assert.Equal(t, models.ModeReviewer, snap.CurrentMode)

	require.NoError(t, h.eng.ClearBlocking(ctx))
	snap, err = h.eng.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, snap.BlockingCount)
}

func TestCorruptStateStartsFresh(t *testing.T) {
	h := newHarness(t)
	h.review(t, 90)
	require.NoError(t, writeFile(filepath.Join(h.store.ProjectDir("demo"), "project_state.json"), "{not json"))

	st := h.state(t)
	assert.Empty(t, st.ReviewHistory)
	assert.Equal(t, models.PhaseBasicDesign, st.CurrentPhase)
}

func TestMatchTrigger(t *testing.T) {
	triggers := []string{"", "Fundamental Architecture Flaw"}
	got, ok := matchTrigger("found a fundamental architecture flaw here", triggers)
	assert.True(t, ok)
	assert.Equal(t, "Fundamental Architecture Flaw", got)

	_, ok = matchTrigger("architecture is fine", triggers)
	assert.False(t, ok)
}
