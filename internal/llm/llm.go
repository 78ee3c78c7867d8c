// Package llm produces and reviews phase artifacts with Claude.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/phasegate/internal/content"
	"github.com/joescharf/phasegate/internal/models"
	"github.com/joescharf/phasegate/internal/phases"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

// completeFunc sends one system+user exchange and returns the text reply.
type completeFunc func(ctx context.Context, system, user string, maxTokens int64) (string, error)

// Client wraps the Anthropic API as a content.Generator and content.Evaluator.
type Client struct {
	api       *anthropic.Client
	model     anthropic.Model
	maxTokens int64
	phases    *phases.Config
	complete  completeFunc
}

var (
	_ content.Generator = (*Client)(nil)
	_ content.Evaluator = (*Client)(nil)
)

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string, maxTokens int64, cfg *phases.Config) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = DefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	client := anthropic.NewClient(opts...)
	c := &Client{
		api:       &client,
		model:     anthropic.Model(model),
		maxTokens: maxTokens,
		phases:    cfg,
	}
	c.complete = c.messages
	return c
}

func (c *Client) messages(ctx context.Context, system, user string, maxTokens int64) (string, error) {
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text content in API response")
}

// Generate writes the artifact for phase.
func (c *Client) Generate(ctx context.Context, phase models.Phase, gc content.GenerationContext) (string, error) {
	spec, err := c.phases.Spec(phase)
	if err != nil {
		return "", err
	}
	system, user := buildGeneratePrompt(spec, gc)
	text, err := c.complete(ctx, system, user, c.maxTokens)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// Evaluate scores artifact text against the phase checklist.
func (c *Client) Evaluate(ctx context.Context, phase models.Phase, text string) (*content.Evaluation, error) {
	spec, err := c.phases.Spec(phase)
	if err != nil {
		return nil, err
	}
	system, user := buildEvaluatePrompt(spec, text)
	reply, err := c.complete(ctx, system, user, c.maxTokens)
	if err != nil {
		return nil, err
	}
	return parseEvaluation(reply, spec)
}

// buildGeneratePrompt constructs the system and user prompts for producing an artifact.
func buildGeneratePrompt(spec *phases.Spec, gc content.GenerationContext) (system string, user string) {
	system = fmt.Sprintf(`You are the developer for the %s phase of a software project. Produce the complete phase deliverable as markdown (code phases may return source code).

%s

Rules:
- Return the deliverable only, no preamble or closing remarks
- Address every outstanding improvement listed by the previous review`, spec.Phase, spec.OutputFormat)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Project: %s\n", gc.ProjectName)
	fmt.Fprintf(&sb, "Phase: %s, iteration %d of %d\n", spec.Phase, gc.Iteration, spec.MaxIterations)
	if gc.FromRollback {
		sb.WriteString("\nThis phase was re-entered after a rollback")
		if gc.RollbackReason != "" {
			sb.WriteString(": ")
			sb.WriteString(gc.RollbackReason)
		}
		sb.WriteString("\n")
	}
	if len(gc.BlockingIssues) > 0 {
		sb.WriteString("\nBlocking issues that must be resolved:\n")
		for _, is := range gc.BlockingIssues {
			fmt.Fprintf(&sb, "- %s\n", is.Description)
		}
	}
	if len(gc.Improvements) > 0 {
		sb.WriteString("\nImprovements requested by the last review:\n")
		for _, imp := range gc.Improvements {
			fmt.Fprintf(&sb, "- %s\n", imp)
		}
	}
	user = sb.String()
	return
}

// buildEvaluatePrompt constructs the system and user prompts for reviewing an artifact.
func buildEvaluatePrompt(spec *phases.Spec, text string) (system string, user string) {
	var items strings.Builder
	for _, item := range spec.Checklist {
		fmt.Fprintf(&items, "- %q: 0 to %g\n", item.Name, item.Weight)
	}

	system = fmt.Sprintf(`You review deliverables for the %s phase. Score the deliverable against each checklist item and list its defects. Return ONLY a JSON object with these fields:
- "scores": an object mapping each checklist item to a number between 0 and its maximum
- "issues": an array of objects with "level" (one of "MINOR", "MAJOR", "CRITICAL") and "description"

Checklist (item: range):
%s
Expected deliverable:
%s

Rules:
- Use CRITICAL only for defects that make the phase unusable by the next phase
- If a defect originates in an earlier phase, say so in the description using one of these phrases when it applies: %s
- Return valid JSON only, no markdown fencing or explanation`,
		spec.Phase, items.String(), spec.OutputFormat, quoteAll(spec.RollbackTriggers))

	user = "Review this deliverable:\n\n" + text
	return
}

func quoteAll(phrases []string) string {
	if len(phrases) == 0 {
		return "(none)"
	}
	q := make([]string, len(phrases))
	for i, p := range phrases {
		q[i] = fmt.Sprintf("%q", p)
	}
	return strings.Join(q, ", ")
}

// stripFences removes a surrounding markdown code fence, if present.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}

// parseEvaluation decodes the model's JSON reply. Scores for unknown items
// are dropped and known items are clamped to their weight.
func parseEvaluation(reply string, spec *phases.Spec) (*content.Evaluation, error) {
	text := stripFences(reply)

	var raw struct {
		Scores map[string]float64 `json:"scores"`
		Issues []struct {
			Level       string `json:"level"`
			Description string `json:"description"`
		} `json:"issues"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}

	ev := &content.Evaluation{Scores: map[string]float64{}, Issues: []models.Issue{}}
	for _, item := range spec.Checklist {
		s, ok := raw.Scores[item.Name]
		if !ok {
			continue
		}
		ev.Scores[item.Name] = clamp(s, 0, item.Weight)
	}
	if len(ev.Scores) == 0 && len(raw.Scores) > 0 {
		keys := make([]string, 0, len(raw.Scores))
		for k := range raw.Scores {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("LLM scored no known checklist items (got %s)", strings.Join(keys, ", "))
	}

	for _, is := range raw.Issues {
		if strings.TrimSpace(is.Description) == "" {
			continue
		}
		sev, err := models.ParseSeverity(strings.ToUpper(strings.TrimSpace(is.Level)))
		if err != nil {
			sev = models.SeverityMinor
		}
		ev.Issues = append(ev.Issues, models.Issue{Severity: sev, Description: is.Description})
	}
	return ev, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
