// Package workflow runs the produce/review/decide loop unattended.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/joescharf/phasegate/internal/engine"
	"github.com/joescharf/phasegate/internal/models"
)

// Defaults for Options fields left at zero.
const (
	DefaultMaxIterations = 10
	DefaultPause         = time.Second
)

// RunStatus is the terminal status of a run.
type RunStatus string

const (
	RunCompleted     RunStatus = "COMPLETED"
	RunMaxIterations RunStatus = "MAX_ITERATIONS_REACHED"
	RunCancelled     RunStatus = "CANCELLED"
	RunError         RunStatus = "ERROR"
)

// Options controls a run.
type Options struct {
	MaxIterations int           // loop rounds before giving up; 0 means DefaultMaxIterations
	Pause         time.Duration // delay between rounds; zero means none
	TargetScore   float64       // when > 0, advance on score alone instead of the quality gate
}

// PhaseSummary records a phase the run moved past.
type PhaseSummary struct {
	Phase      models.Phase `json:"phase"`
	Score      float64      `json:"score"`
	Iterations int          `json:"iterations"`
}

// Step is reported to the observer after every round.
type Step struct {
	Round     int                        `json:"round"`
	Phase     models.Phase               `json:"phase"`
	Iteration int                        `json:"iteration"`
	Score     float64                    `json:"score"`
	Fallback  bool                       `json:"fallback"`
	Decision  *models.TransitionDecision `json:"decision"`
}

// RunResult summarizes a run. Err is set when Status is ERROR.
type RunResult struct {
	Project         string         `json:"project"`
	Status          RunStatus      `json:"status"`
	PhasesCompleted []PhaseSummary `json:"phases_completed"`
	TotalIterations int            `json:"total_iterations"`
	FinalScore      *float64       `json:"final_score"`
	Started         time.Time      `json:"start_time"`
	Ended           time.Time      `json:"end_time"`
	Err             error          `json:"-"`
	Error           string         `json:"error,omitempty"`
}

// Driver runs the workflow loop for one engine.
type Driver struct {
	eng      *engine.Engine
	logger   *slog.Logger
	observer func(Step)
}

// NewDriver returns a driver for eng. observer may be nil.
func NewDriver(eng *engine.Engine, logger *slog.Logger, observer func(Step)) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{eng: eng, logger: logger.With("project", eng.Project()), observer: observer}
}

// Run drives the project until it completes, the round budget is spent, ctx
// is cancelled, or an operation fails. Each round produces an artifact,
// reviews it, and applies the resulting decision.
func (d *Driver) Run(ctx context.Context, opts Options) *RunResult {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	res := &RunResult{
		Project:         d.eng.Project(),
		PhasesCompleted: []PhaseSummary{},
		Started:         time.Now().UTC(),
	}
	defer func() {
		res.Ended = time.Now().UTC()
		if res.Err != nil {
			res.Error = res.Err.Error()
		}
	}()

	status, err := d.loop(ctx, opts, res)
	res.Status = status
	if err != nil && status == RunError {
		res.Err = err
		d.logger.Error("workflow failed", "error", err)
	}
	if snap, err := d.eng.Status(ctx); err == nil {
		res.FinalScore = snap.LatestScore
	}
	return res
}

func (d *Driver) loop(ctx context.Context, opts Options, res *RunResult) (RunStatus, error) {
	for round := 1; round <= opts.MaxIterations; round++ {
		if err := ctx.Err(); err != nil {
			return RunCancelled, err
		}

		st, err := d.eng.State(ctx)
		if err != nil {
			return RunError, err
		}
		if st.Status == models.StatusCompleted {
			return RunCompleted, nil
		}

		step, err := d.round(ctx, round, opts)
		if err != nil {
			if ctx.Err() != nil {
				return RunCancelled, ctx.Err()
			}
			return RunError, err
		}
		res.TotalIterations++
		if d.observer != nil {
			d.observer(*step)
		}

		switch step.Decision.Action {
		case models.ActionRollback:
			if _, err := d.eng.RollbackToPhase(ctx, step.Decision.Target, step.Decision.Reason); err != nil {
				return RunError, err
			}
		case models.ActionPass:
			res.PhasesCompleted = append(res.PhasesCompleted, PhaseSummary{
				Phase:      step.Phase,
				Score:      step.Score,
				Iterations: step.Iteration,
			})
			next, err := d.eng.ForceNextPhase(ctx)
			if err != nil {
				return RunError, err
			}
			if next.Status == models.StatusCompleted {
				d.logger.Info("all phases complete", "rounds", round)
				return RunCompleted, nil
			}
		default:
			if _, err := d.eng.NextIteration(ctx); err != nil {
				return RunError, err
			}
		}

		if round < opts.MaxIterations {
			if err := pause(ctx, opts.Pause); err != nil {
				return RunCancelled, err
			}
		}
	}
	d.logger.Warn("round budget exhausted", "max", opts.MaxIterations)
	return RunMaxIterations, nil
}

// round produces, reviews, and decides once.
func (d *Driver) round(ctx context.Context, round int, opts Options) (*Step, error) {
	if err := d.eng.SetMode(ctx, models.ModeDeveloper); err != nil {
		return nil, err
	}
	exec, err := d.eng.Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}
	if err := d.eng.SetMode(ctx, models.ModeReviewer); err != nil {
		return nil, err
	}
	rr, err := d.eng.Review(ctx)
	if err != nil {
		return nil, fmt.Errorf("review: %w", err)
	}
	dec, err := d.eng.Decide(ctx)
	if err != nil {
		return nil, fmt.Errorf("decide: %w", err)
	}
	if opts.TargetScore > 0 && dec.Action != models.ActionRollback {
		if rr.Score >= opts.TargetScore {
			dec.Action = models.ActionPass
			dec.Reason = fmt.Sprintf("score %.2f meets target %.2f", rr.Score, opts.TargetScore)
		} else {
			dec.Action = models.ActionRetry
			dec.Reason = fmt.Sprintf("score %.2f below target %.2f", rr.Score, opts.TargetScore)
		}
	}

	d.logger.Info("round complete",
		"round", round, "phase", exec.Phase, "iteration", exec.Iteration,
		"score", rr.Score, "action", dec.Action)
	return &Step{
		Round:     round,
		Phase:     exec.Phase,
		Iteration: exec.Iteration,
		Score:     rr.Score,
		Fallback:  exec.Fallback,
		Decision:  dec,
	}, nil
}

// pause waits for d or until ctx is done.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
