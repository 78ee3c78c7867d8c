// Package phases describes the pipeline as data: a small directed graph of
// phases with a forward edge, an optional rollback edge, and the quality-gate
// settings that apply while a project sits in each phase.
package phases

import (
	"fmt"

	"github.com/joescharf/phasegate/internal/models"
)

// Spec is the static configuration of one phase.
type Spec struct {
	Phase            models.Phase
	Next             models.Phase // empty for the terminal phase
	RollbackTo       models.Phase // empty when the phase cannot roll back
	MaxIterations    int
	PassThreshold    float64
	RollbackTriggers []string
	Checklist        []ChecklistItem
	OutputFormat     string
}

// ChecklistItem is one weighted review criterion. Weights in a phase sum to 100.
type ChecklistItem struct {
	Name   string
	Weight float64
}

// Config is the phase graph plus the gates new projects start with.
// It is built once at startup and passed to whatever needs it.
type Config struct {
	Order []models.Phase
	Specs map[models.Phase]*Spec
	Gates models.QualityGates
}

// DefaultConfig returns the built-in pipeline. Later phases get stricter
// thresholds and fewer iterations.
func DefaultConfig() *Config {
	specs := []*Spec{
		{
			Phase:         models.PhaseBasicDesign,
			Next:          models.PhaseDetailDesign,
			MaxIterations: 5,
			PassThreshold: 80,
			Checklist: []ChecklistItem{
				{Name: "business_completeness", Weight: 30},
				{Name: "database_design", Weight: 25},
				{Name: "architecture", Weight: 25},
				{Name: "interface_definition", Weight: 20},
			},
			OutputFormat: `Required output:
- Business flow diagram (mermaid)
- System architecture diagram
- Database ER diagram and table definitions
- API interface list
- Technology selection rationale
Excluded: code details, algorithm implementation, performance tuning`,
		},
		{
			Phase:         models.PhaseDetailDesign,
			Next:          models.PhaseDevelopment,
			RollbackTo:    models.PhaseBasicDesign,
			MaxIterations: 4,
			PassThreshold: 80,
			RollbackTriggers: []string{
				"database design cannot support",
				"fundamental architecture flaw",
			},
			Checklist: []ChecklistItem{
				{Name: "class_design", Weight: 30},
				{Name: "data_structures", Weight: 25},
				{Name: "algorithms", Weight: 25},
				{Name: "module_coupling", Weight: 20},
			},
			OutputFormat: `Required output:
- Class diagram with method signatures
- Core algorithm pseudocode
- Data structure definitions
- Sequence diagrams for key flows
- Error handling strategy
Excluded: concrete code syntax, test cases`,
		},
		{
			Phase:         models.PhaseDevelopment,
			RollbackTo:    models.PhaseDetailDesign,
			MaxIterations: 4,
			PassThreshold: 85,
			RollbackTriggers: []string{
				"data structure cannot be implemented",
				"algorithm logic flaw",
			},
			Checklist: []ChecklistItem{
				{Name: "functional_completeness", Weight: 35},
				{Name: "code_style", Weight: 25},
				{Name: "error_handling", Weight: 20},
				{Name: "performance", Weight: 20},
			},
			OutputFormat: `Required output:
- Complete source code
- Configuration files
- Database scripts
- README
Excluded: test details, deployment configuration`,
		},
	}

	cfg := &Config{
		Specs: make(map[models.Phase]*Spec, len(specs)),
		Gates: models.DefaultQualityGates(),
	}
	for _, s := range specs {
		cfg.Order = append(cfg.Order, s.Phase)
		cfg.Specs[s.Phase] = s
	}
	return cfg
}

// First returns the phase every project starts in.
func (c *Config) First() models.Phase {
	return c.Order[0]
}

// Spec returns the configuration for a phase.
func (c *Config) Spec(p models.Phase) (*Spec, error) {
	s, ok := c.Specs[p]
	if !ok {
		return nil, fmt.Errorf("no configuration for phase %s", p)
	}
	return s, nil
}

// Next returns the phase after p, or false when p is terminal.
func (c *Config) Next(p models.Phase) (models.Phase, bool) {
	s, ok := c.Specs[p]
	if !ok || s.Next == "" {
		return "", false
	}
	return s.Next, true
}

// RollbackTarget returns the single predecessor p may roll back to.
func (c *Config) RollbackTarget(p models.Phase) (models.Phase, bool) {
	s, ok := c.Specs[p]
	if !ok || s.RollbackTo == "" {
		return "", false
	}
	return s.RollbackTo, true
}

// CanRollback reports whether a rollback from -> to is an allowed edge.
func (c *Config) CanRollback(from, to models.Phase) bool {
	target, ok := c.RollbackTarget(from)
	return ok && target == to
}

// MaxIterations returns the iteration budget for p (3 if unconfigured).
func (c *Config) MaxIterations(p models.Phase) int {
	if s, ok := c.Specs[p]; ok && s.MaxIterations > 0 {
		return s.MaxIterations
	}
	return 3
}

// PassThreshold returns the minimum passing score for p (80 if unconfigured).
func (c *Config) PassThreshold(p models.Phase) float64 {
	if s, ok := c.Specs[p]; ok && s.PassThreshold > 0 {
		return s.PassThreshold
	}
	return 80
}

// RollbackTriggers returns the phrases that turn a CRITICAL issue into a rollback.
func (c *Config) RollbackTriggers(p models.Phase) []string {
	if s, ok := c.Specs[p]; ok {
		return s.RollbackTriggers
	}
	return nil
}

// Validate checks that the graph is well formed: every edge points at a
// configured phase and rollback edges only point backwards.
func (c *Config) Validate() error {
	if len(c.Order) == 0 {
		return fmt.Errorf("phase order is empty")
	}
	index := make(map[models.Phase]int, len(c.Order))
	for i, p := range c.Order {
		if _, ok := c.Specs[p]; !ok {
			return fmt.Errorf("phase %s has no spec", p)
		}
		index[p] = i
	}
	for i, p := range c.Order {
		s := c.Specs[p]
		if s.Next != "" {
			j, ok := index[s.Next]
			if !ok || j != i+1 {
				return fmt.Errorf("phase %s: next %s must be the following phase", p, s.Next)
			}
		} else if i != len(c.Order)-1 {
			return fmt.Errorf("phase %s: only the last phase may be terminal", p)
		}
		if s.RollbackTo != "" {
			j, ok := index[s.RollbackTo]
			if !ok || j >= i {
				return fmt.Errorf("phase %s: rollback target %s must be an earlier phase", p, s.RollbackTo)
			}
		}
		if s.MaxIterations <= 0 {
			return fmt.Errorf("phase %s: max_iterations must be positive", p)
		}
	}
	return nil
}
