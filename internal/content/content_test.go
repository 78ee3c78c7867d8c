package content

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/phasegate/internal/models"
	"github.com/joescharf/phasegate/internal/phases"
)

func TestTemplateGenerator_Deterministic(t *testing.T) {
	g := NewTemplateGenerator()
	gc := GenerationContext{ProjectName: "shop", Iteration: 2}

	for _, p := range models.AllPhases {
		a, err := g.Generate(context.Background(), p, gc)
		require.NoError(t, err)
		b, err := g.Generate(context.Background(), p, gc)
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Contains(t, a, "shop")
		assert.Contains(t, a, "iteration 2")
	}
}

func TestTemplatesPassKeywordEvaluation(t *testing.T) {
	ev := NewKeywordEvaluator()
	for _, p := range models.AllPhases {
		t.Run(string(p), func(t *testing.T) {
			res, err := ev.Evaluate(context.Background(), p, Template(p, GenerationContext{ProjectName: "x", Iteration: 1}))
			require.NoError(t, err)
			assert.Empty(t, res.Issues)
			var total float64
			for _, s := range res.Scores {
				total += s
			}
			assert.InDelta(t, 100, total, 0.001)
		})
	}
}

func TestKeywordEvaluator_EmptyContent(t *testing.T) {
	ev := NewKeywordEvaluator()

	tests := []struct {
		phase    models.Phase
		total    float64
		critical int
	}{
		{models.PhaseBasicDesign, 60, 0},
		{models.PhaseDetailDesign, 60, 0},
		{models.PhaseDevelopment, 55, 1},
	}
	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			res, err := ev.Evaluate(context.Background(), tt.phase, "")
			require.NoError(t, err)
			var total float64
			for _, s := range res.Scores {
				total += s
			}
			assert.InDelta(t, tt.total, total, 0.001)
			assert.Len(t, res.Issues, 4)
			assert.Equal(t, tt.critical, models.CountSeverities(res.Issues).Critical)
		})
	}
}

func TestKeywordEvaluator_CaseInsensitive(t *testing.T) {
	ev := NewKeywordEvaluator()
	res, err := ev.Evaluate(context.Background(), models.PhaseBasicDesign, "BUSINESS FLOW and DATABASE TABLE")
	require.NoError(t, err)
	assert.Equal(t, 30.0, res.Scores["business_completeness"])
	assert.Equal(t, 25.0, res.Scores["database_design"])
	assert.Equal(t, 15.0, res.Scores["architecture"])
}

func TestChecklistItemsMatchPhaseConfig(t *testing.T) {
	cfg := phases.DefaultConfig()
	for _, p := range models.AllPhases {
		spec, err := cfg.Spec(p)
		require.NoError(t, err)
		var names []string
		for _, item := range spec.Checklist {
			names = append(names, item.Name)
		}
		assert.Equal(t, names, ChecklistItems(p), "phase %s", p)
	}
}

func TestPlaceholder(t *testing.T) {
	assert.Contains(t, Placeholder(models.PhaseDevelopment), "DEVELOPMENT")
}

func TestFuncAdapters(t *testing.T) {
	boom := errors.New("boom")
	g := GeneratorFunc(func(context.Context, models.Phase, GenerationContext) (string, error) {
		return "", boom
	})
	_, err := g.Generate(context.Background(), models.PhaseBasicDesign, GenerationContext{})
	assert.ErrorIs(t, err, boom)

	e := EvaluatorFunc(func(context.Context, models.Phase, string) (*Evaluation, error) {
		return &Evaluation{Scores: map[string]float64{"a": 1}}, nil
	})
	res, err := e.Evaluate(context.Background(), models.PhaseBasicDesign, "")
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Scores["a"])
}
