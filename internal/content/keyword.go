package content

import (
	"context"
	"strings"

	"github.com/joescharf/phasegate/internal/models"
)

// rule awards full points for a checklist item when match holds and partial
// points plus an issue otherwise.
type rule struct {
	item     string
	full     float64
	partial  float64
	match    func(lower, raw string) bool
	severity models.Severity
	issue    string
}

func all(words ...string) func(string, string) bool {
	return func(lower, _ string) bool {
		for _, w := range words {
			if !strings.Contains(lower, w) {
				return false
			}
		}
		return true
	}
}

func anyOf(words ...string) func(string, string) bool {
	return func(lower, _ string) bool {
		for _, w := range words {
			if strings.Contains(lower, w) {
				return true
			}
		}
		return false
	}
}

func both(a, b func(string, string) bool) func(string, string) bool {
	return func(lower, raw string) bool { return a(lower, raw) && b(lower, raw) }
}

func minLines(n int) func(string, string) bool {
	return func(_, raw string) bool { return strings.Count(raw, "\n")+1 > n }
}

var keywordRules = map[models.Phase][]rule{
	models.PhaseBasicDesign: {
		{"business_completeness", 30, 20, both(all("business"), anyOf("flow", "process", "requirement")),
			models.SeverityMajor, "business logic description is incomplete"},
		{"database_design", 25, 15, both(all("database"), anyOf("table", "field", "entity")),
			models.SeverityMajor, "database design is missing"},
		{"architecture", 25, 15, both(all("architecture"), anyOf("system", "module", "layer")),
			models.SeverityMajor, "system architecture design is unclear"},
		{"interface_definition", 20, 10, both(all("interface"), anyOf("api", "endpoint", "protocol")),
			models.SeverityMinor, "consider adding interface definitions"},
	},
	models.PhaseDetailDesign: {
		{"class_design", 30, 20, both(all("class"), anyOf("method", "function", "diagram")),
			models.SeverityMajor, "class design is incomplete"},
		{"data_structures", 25, 15, anyOf("data structure", "struct", "type"),
			models.SeverityMajor, "data structure definitions are unclear"},
		{"algorithms", 25, 15, anyOf("algorithm", "pseudocode", "logic"),
			models.SeverityMajor, "algorithm design is missing"},
		{"module_coupling", 20, 10, anyOf("module", "coupling", "dependenc"),
			models.SeverityMinor, "consider the coupling between modules"},
	},
	models.PhaseDevelopment: {
		{"functional_completeness", 35, 20, anyOf("func ", "def ", "class "),
			models.SeverityCritical, "core functionality is not implemented"},
		{"code_style", 25, 15, minLines(20),
			models.SeverityMajor, "code structure needs improvement"},
		{"error_handling", 20, 10, anyOf("error", "except", "try"),
			models.SeverityMinor, "consider adding error handling"},
		{"performance", 20, 10, anyOf("performance", "optimiz", "efficien"),
			models.SeverityMinor, "consider performance optimization"},
	},
}

// KeywordEvaluator scores artifacts by looking for the vocabulary each
// checklist item expects. It never calls out and never fails for known phases.
type KeywordEvaluator struct{}

// NewKeywordEvaluator returns a KeywordEvaluator.
func NewKeywordEvaluator() *KeywordEvaluator {
	return &KeywordEvaluator{}
}

func (e *KeywordEvaluator) Evaluate(_ context.Context, phase models.Phase, text string) (*Evaluation, error) {
	ev := &Evaluation{Scores: map[string]float64{}, Issues: []models.Issue{}}
	lower := strings.ToLower(text)
	for _, r := range keywordRules[phase] {
		if r.match(lower, text) {
			ev.Scores[r.item] = r.full
			continue
		}
		ev.Scores[r.item] = r.partial
		ev.Issues = append(ev.Issues, models.Issue{Severity: r.severity, Description: r.issue})
	}
	return ev, nil
}

// ChecklistItems returns the item names the evaluator scores for phase, in
// scoring order.
func ChecklistItems(phase models.Phase) []string {
	rules := keywordRules[phase]
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.item
	}
	return out
}
