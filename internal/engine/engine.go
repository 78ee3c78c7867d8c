// Package engine implements the phase workflow state machine: mode switching,
// artifact production and review, the quality gate, and rollback routing.
//
// Every operation loads the project state from the store, mutates it, and
// saves it before returning. Nothing is held in memory between calls.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joescharf/phasegate/internal/content"
	"github.com/joescharf/phasegate/internal/ledger"
	"github.com/joescharf/phasegate/internal/metrics"
	"github.com/joescharf/phasegate/internal/models"
	"github.com/joescharf/phasegate/internal/phases"
	"github.com/joescharf/phasegate/internal/review"
	"github.com/joescharf/phasegate/internal/store"
)

var (
	ErrInvalidMode             = errors.New("invalid mode")
	ErrWrongMode               = errors.New("operation not allowed in current mode")
	ErrRollbackNotAllowed      = errors.New("rollback target not allowed")
	ErrRollbackDisabled        = errors.New("rollback disabled by quality gates")
	ErrRollbackBudgetExhausted = errors.New("rollback budget exhausted")
	ErrNoReviews               = errors.New("no reviews recorded")
)

// Options configures an Engine. Zero values select the offline defaults.
type Options struct {
	Generator  content.Generator
	Evaluator  content.Evaluator
	Aggregator *review.Aggregator
	Metrics    metrics.Recorder
	Logger     *slog.Logger
	Now        func() time.Time
}

// Engine drives one project through the phase pipeline.
type Engine struct {
	project string
	store   store.Store
	ledger  *ledger.Ledger
	phases  *phases.Config
	gen     content.Generator
	eval    content.Evaluator
	agg     *review.Aggregator
	metrics metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time
}

// New returns an engine for project.
func New(project string, st store.Store, led *ledger.Ledger, cfg *phases.Config, opts Options) *Engine {
	e := &Engine{
		project: project,
		store:   st,
		ledger:  led,
		phases:  cfg,
		gen:     opts.Generator,
		eval:    opts.Evaluator,
		agg:     opts.Aggregator,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if e.gen == nil {
		e.gen = content.NewTemplateGenerator()
	}
	if e.eval == nil {
		e.eval = content.NewKeywordEvaluator()
	}
	if e.agg == nil {
		e.agg = review.NewAggregator()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	e.logger = e.logger.With("project", project)
	return e
}

// Project returns the project name.
func (e *Engine) Project() string { return e.project }

// Phases returns the phase configuration.
func (e *Engine) Phases() *phases.Config { return e.phases }

// Ledger returns the project's issue ledger.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// ParseMode validates a mode string.
func ParseMode(s string) (models.Mode, error) {
	m, err := models.ParseMode(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
	return m, nil
}

// State loads (or creates) the project state.
func (e *Engine) State(ctx context.Context) (*models.ProjectState, error) {
	return store.LoadOrCreate(ctx, e.store, e.project, e.phases.First(), e.phases.Gates, e.logger)
}

func (e *Engine) save(ctx context.Context, st *models.ProjectState) error {
	st.UpdatedAt = e.now()
	if err := e.store.Save(ctx, st); err != nil {
		return fmt.Errorf("save project state: %w", err)
	}
	return nil
}

// SetMode switches between developer and reviewer mode.
func (e *Engine) SetMode(ctx context.Context, m models.Mode) error {
	if _, err := ParseMode(string(m)); err != nil {
		return err
	}
	st, err := e.State(ctx)
	if err != nil {
		return err
	}
	st.CurrentMode = m
	return e.save(ctx, st)
}

// ExecuteResult describes a produced artifact.
type ExecuteResult struct {
	Phase     models.Phase `json:"phase"`
	Iteration int          `json:"iteration"`
	Content   string       `json:"content"`
	Fallback  bool         `json:"fallback"` // template used after a generator failure
}

// Execute produces the artifact for the current phase iteration and marks the
// project ready for review. A failing generator is replaced by the built-in
// template; the failure is logged, not returned.
func (e *Engine) Execute(ctx context.Context) (*ExecuteResult, error) {
	st, err := e.State(ctx)
	if err != nil {
		return nil, err
	}
	if st.CurrentMode != models.ModeDeveloper {
		return nil, fmt.Errorf("execute requires developer mode (current: %s): %w", st.CurrentMode, ErrWrongMode)
	}

	gc, err := e.generationContext(st)
	if err != nil {
		return nil, err
	}

	res := &ExecuteResult{Phase: st.CurrentPhase, Iteration: st.PhaseIteration + 1}
	text, err := e.gen.Generate(ctx, st.CurrentPhase, gc)
	if err != nil {
		e.logger.Warn("generator failed, using template", "phase", st.CurrentPhase, "error", err)
		text = content.Template(st.CurrentPhase, gc)
		res.Fallback = true
	}
	res.Content = text

	if err := e.store.SaveArtifact(ctx, e.project, res.Phase, res.Iteration, text); err != nil {
		return nil, fmt.Errorf("save artifact: %w", err)
	}
	st.Status = models.StatusReadyForReview
	if err := e.save(ctx, st); err != nil {
		return nil, err
	}
	e.logger.Debug("artifact produced", "phase", res.Phase, "iteration", res.Iteration, "fallback", res.Fallback)
	return res, nil
}

func (e *Engine) generationContext(st *models.ProjectState) (content.GenerationContext, error) {
	gc := content.GenerationContext{
		ProjectName:    st.ProjectName,
		Iteration:      st.PhaseIteration + 1,
		Status:         st.Status,
		FromRollback:   st.FromRollback,
		RollbackReason: st.RollbackReason,
		Improvements:   append([]string(nil), st.Improvements...),
	}
	if spec, err := e.phases.Spec(st.CurrentPhase); err == nil {
		gc.OutputFormat = spec.OutputFormat
	}
	blocking, err := e.ledger.BlockingIssues()
	if err != nil {
		return gc, fmt.Errorf("read blocking issues: %w", err)
	}
	gc.BlockingIssues = blocking
	return gc, nil
}

// Review evaluates the current iteration's artifact, appends the result to
// the review history, and records its issues in the ledger. When no artifact
// exists a placeholder is reviewed instead. Evaluator failures are returned
// and leave the state untouched.
func (e *Engine) Review(ctx context.Context) (*models.ReviewResult, error) {
	st, err := e.State(ctx)
	if err != nil {
		return nil, err
	}
	if st.CurrentMode != models.ModeReviewer {
		return nil, fmt.Errorf("review requires reviewer mode (current: %s): %w", st.CurrentMode, ErrWrongMode)
	}

	phase := st.CurrentPhase
	iteration := st.PhaseIteration + 1

	text, err := e.store.LoadArtifact(ctx, e.project, phase, iteration)
	switch {
	case errors.Is(err, store.ErrNotFound):
		e.logger.Debug("no artifact, reviewing placeholder", "phase", phase, "iteration", iteration)
		text = content.Placeholder(phase)
	case err != nil:
		return nil, fmt.Errorf("load artifact: %w", err)
	}

	ev, err := e.eval.Evaluate(ctx, phase, text)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", phase, err)
	}
	if ev == nil {
		ev = &content.Evaluation{}
	}

	now := e.now()
	issues := make([]models.Issue, len(ev.Issues))
	for i, is := range ev.Issues {
		if is.CreatedAt.IsZero() {
			is.CreatedAt = now
		}
		issues[i] = is
	}

	result := e.agg.Aggregate(phase, iteration, ev.Scores, issues)

	st.ReviewHistory = append(st.ReviewHistory, result)
	st.PhaseScores = append(st.PhaseScores, result.Score)
	st.Improvements = append([]string{}, result.Improvements...)
	h := st.PhaseHistory[phase]
	h.Iterations++
	h.Scores = append(h.Scores, result.Score)
	if err := e.save(ctx, st); err != nil {
		return nil, err
	}

	if err := e.ledger.Record(phase, iteration, result.Issues); err != nil {
		return nil, fmt.Errorf("record issues: %w", err)
	}
	if err := e.ledger.AddBlocking(result.Issues); err != nil {
		return nil, fmt.Errorf("record blocking issues: %w", err)
	}

	if e.metrics != nil {
		e.metrics.RecordReview(phase, result.Score)
	}
	e.logger.Info("review recorded", "phase", phase, "iteration", iteration, "score", result.Score, "issues", len(result.Issues))
	return &result, nil
}

// gate reports whether the latest review lets the project leave its phase.
// The iteration budget overrides the score once it is spent.
func (e *Engine) gate(st *models.ProjectState) (pass bool, reason string) {
	latest, ok := st.LatestReview()
	if !ok {
		return false, "no reviews"
	}
	phase := st.CurrentPhase
	if limit := e.phases.MaxIterations(phase); st.PhaseIteration >= limit {
		return true, fmt.Sprintf("iteration budget reached (%d/%d)", st.PhaseIteration, limit)
	}
	threshold := e.phases.PassThreshold(phase)
	if n := latest.CriticalCount(); n > 0 {
		return false, fmt.Sprintf("%d critical issue(s) outstanding", n)
	}
	if latest.Score < threshold {
		return false, fmt.Sprintf("score %.2f below threshold %.0f", latest.Score, threshold)
	}
	return true, fmt.Sprintf("score %.2f meets threshold %.0f", latest.Score, threshold)
}

// CheckPhaseTransition reports whether the project may advance.
func (e *Engine) CheckPhaseTransition(ctx context.Context) (bool, error) {
	st, err := e.State(ctx)
	if err != nil {
		return false, err
	}
	pass, _ := e.gate(st)
	return pass, nil
}

// ForceNextPhase advances to the next phase regardless of the gate, or marks
// the project COMPLETED when it is already in the last phase.
func (e *Engine) ForceNextPhase(ctx context.Context) (*models.ProjectState, error) {
	st, err := e.State(ctx)
	if err != nil {
		return nil, err
	}
	if next, ok := e.phases.Next(st.CurrentPhase); ok {
		e.logger.Info("advancing phase", "from", st.CurrentPhase, "to", next)
		st.CurrentPhase = next
		st.PhaseIteration = 0
		st.Status = models.StatusInProgress
		st.FromRollback = false
		st.RollbackReason = ""
	} else {
		e.logger.Info("all phases complete", "phase", st.CurrentPhase)
		st.Status = models.StatusCompleted
	}
	if err := e.save(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// NextIteration starts another iteration of the current phase.
func (e *Engine) NextIteration(ctx context.Context) (*models.ProjectState, error) {
	st, err := e.State(ctx)
	if err != nil {
		return nil, err
	}
	st.PhaseIteration++
	st.Status = models.StatusInProgress
	if err := e.save(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// RollbackCheck is the outcome of CheckRollbackNeeded.
type RollbackCheck struct {
	Needed  bool         `json:"needed"`
	Target  models.Phase `json:"target,omitempty"`
	Trigger string       `json:"trigger,omitempty"`
	Issue   string       `json:"issue,omitempty"`
}

// rollbackNeeded matches the latest review's critical issues against the
// current phase's trigger phrases. The first match wins.
func (e *Engine) rollbackNeeded(st *models.ProjectState) RollbackCheck {
	latest, ok := st.LatestReview()
	if !ok {
		return RollbackCheck{}
	}
	triggers := e.phases.RollbackTriggers(st.CurrentPhase)
	for _, is := range models.FilterSeverity(latest.Issues, models.SeverityCritical) {
		if trigger, hit := matchTrigger(is.Description, triggers); hit {
			target, ok := e.phases.RollbackTarget(st.CurrentPhase)
			if !ok {
				return RollbackCheck{}
			}
			return RollbackCheck{Needed: true, Target: target, Trigger: trigger, Issue: is.Description}
		}
	}
	return RollbackCheck{}
}

// CheckRollbackNeeded reports whether the latest review calls for a rollback
// and where to.
func (e *Engine) CheckRollbackNeeded(ctx context.Context) (RollbackCheck, error) {
	st, err := e.State(ctx)
	if err != nil {
		return RollbackCheck{}, err
	}
	return e.rollbackNeeded(st), nil
}

// rollbackAllowed applies the graph and the quality-gate budget.
func (e *Engine) rollbackAllowed(st *models.ProjectState, target models.Phase) error {
	if !e.phases.CanRollback(st.CurrentPhase, target) {
		return fmt.Errorf("%s -> %s: %w", st.CurrentPhase, target, ErrRollbackNotAllowed)
	}
	if !st.QualityGates.AllowRollback {
		return ErrRollbackDisabled
	}
	if h := st.PhaseHistory[target]; h.RollbackCount >= st.QualityGates.MaxRollbacksPerPhase {
		return fmt.Errorf("%s has %d rollback(s), limit %d: %w",
			target, h.RollbackCount, st.QualityGates.MaxRollbacksPerPhase, ErrRollbackBudgetExhausted)
	}
	return nil
}

// RollbackToPhase moves the project back to target. Only the configured
// predecessor of the current phase is accepted; anything else leaves the
// state unchanged.
func (e *Engine) RollbackToPhase(ctx context.Context, target models.Phase, reason string) (*models.ProjectState, error) {
	st, err := e.State(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.rollbackAllowed(st, target); err != nil {
		return nil, err
	}

	from := st.CurrentPhase
	st.CurrentPhase = target
	st.PhaseIteration = 0
	st.Status = models.StatusInProgress
	st.FromRollback = true
	st.RollbackReason = reason
	st.RollbackCount++
	st.QualityGates.TotalRollbacks++
	st.PhaseHistory[target].RollbackCount++
	if err := e.save(ctx, st); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.RecordRollback(from, target)
	}
	e.logger.Warn("rolled back", "from", from, "to", target, "reason", reason)
	return st, nil
}

// Decide recommends what to do after a review: ROLLBACK when a trigger
// matched and the budget allows it, PASS when the gate passes, otherwise
// RETRY. Once the rollback budget is spent a phase that has used
// ForceForwardThreshold iterations is pushed forward instead of retried.
func (e *Engine) Decide(ctx context.Context) (*models.TransitionDecision, error) {
	st, err := e.State(ctx)
	if err != nil {
		return nil, err
	}
	if len(st.ReviewHistory) == 0 {
		return nil, ErrNoReviews
	}

	d := e.decide(st)
	if e.metrics != nil {
		e.metrics.RecordDecision(d.Action)
	}
	e.logger.Debug("decision", "phase", st.CurrentPhase, "action", d.Action, "reason", d.Reason)
	return d, nil
}

func (e *Engine) decide(st *models.ProjectState) *models.TransitionDecision {
	d := &models.TransitionDecision{Phase: st.CurrentPhase}

	blocked := false
	if rc := e.rollbackNeeded(st); rc.Needed {
		err := e.rollbackAllowed(st, rc.Target)
		if err == nil {
			d.Action = models.ActionRollback
			d.Target = rc.Target
			d.Reason = rc.Issue
			return d
		}
		blocked = true
		e.logger.Debug("rollback suppressed", "target", rc.Target, "error", err)
	}

	if pass, reason := e.gate(st); pass {
		d.Action = models.ActionPass
		d.Reason = reason
		return d
	}

	if blocked && st.PhaseIteration >= st.QualityGates.ForceForwardThreshold {
		d.Action = models.ActionPass
		d.Reason = fmt.Sprintf("force forward: rollback unavailable after %d iteration(s)", st.PhaseIteration)
		return d
	}

	_, reason := e.gate(st)
	d.Action = models.ActionRetry
	d.Reason = reason
	return d
}

// Status returns a summary of the project's position.
func (e *Engine) Status(ctx context.Context) (*models.StatusSnapshot, error) {
	st, err := e.State(ctx)
	if err != nil {
		return nil, err
	}
	blocking, err := e.ledger.BlockingCount()
	if err != nil {
		return nil, fmt.Errorf("count blocking issues: %w", err)
	}

	snap := &models.StatusSnapshot{
		ProjectName:    st.ProjectName,
		CurrentPhase:   st.CurrentPhase,
		PhaseIteration: st.PhaseIteration,
		MaxIterations:  e.phases.MaxIterations(st.CurrentPhase),
		PassThreshold:  e.phases.PassThreshold(st.CurrentPhase),
		CurrentMode:    st.CurrentMode,
		Status:         st.Status,
		BlockingCount:  blocking,
		Improvements:   len(st.Improvements),
		ReviewCount:    len(st.ReviewHistory),
		FromRollback:   st.FromRollback,
		RollbackReason: st.RollbackReason,
		RollbackCount:  st.RollbackCount,
		QualityGates:   st.QualityGates,
		CreatedAt:      st.CreatedAt,
		UpdatedAt:      st.UpdatedAt,
	}
	if score, ok := st.LatestScore(); ok {
		snap.LatestScore = &score
	}
	return snap, nil
}

// BlockingIssues returns the outstanding critical issues.
func (e *Engine) BlockingIssues(_ context.Context) ([]models.Issue, error) {
	return e.ledger.BlockingIssues()
}

// ClearBlocking empties the blocking-issue set.
func (e *Engine) ClearBlocking(_ context.Context) error {
	if err := e.ledger.ClearBlocking(); err != nil {
		return err
	}
	e.logger.Info("blocking issues cleared")
	return nil
}
