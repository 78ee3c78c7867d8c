// Package content defines the collaborators that produce and judge phase
// artifacts, plus offline implementations of both.
package content

import (
	"context"

	"github.com/joescharf/phasegate/internal/models"
)

// GenerationContext is what a Generator knows about the project when it runs.
type GenerationContext struct {
	ProjectName    string
	Iteration      int // 1-based iteration being produced
	Status         models.Status
	FromRollback   bool
	RollbackReason string
	Improvements   []string // outstanding suggestions from the latest review
	BlockingIssues []models.Issue
	OutputFormat   string // phase output requirements
}

// Generator produces the artifact for a phase.
type Generator interface {
	Generate(ctx context.Context, phase models.Phase, gc GenerationContext) (string, error)
}

// Evaluation is an evaluator's raw verdict on an artifact.
type Evaluation struct {
	Scores map[string]float64 `json:"scores"`
	Issues []models.Issue     `json:"issues"`
}

// Evaluator scores an artifact and reports its defects.
type Evaluator interface {
	Evaluate(ctx context.Context, phase models.Phase, content string) (*Evaluation, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, phase models.Phase, gc GenerationContext) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, phase models.Phase, gc GenerationContext) (string, error) {
	return f(ctx, phase, gc)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, phase models.Phase, content string) (*Evaluation, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, phase models.Phase, content string) (*Evaluation, error) {
	return f(ctx, phase, content)
}
