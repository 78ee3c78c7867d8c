package cmd

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/phasegate/internal/engine"
	"github.com/joescharf/phasegate/internal/models"
	"github.com/joescharf/phasegate/internal/output"
	"github.com/joescharf/phasegate/internal/review"
)

var executeShow bool

var modeCmd = &cobra.Command{
	Use:   "mode <developer|reviewer>",
	Short: "Switch between developer and reviewer mode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return modeRun(cmd.Context(), args[0])
	},
}

var executeCmd = &cobra.Command{
	Use:   "execute",
	Short: "Produce the current phase artifact (developer mode)",
	Long: `Generate the artifact for the current phase and iteration. When no
LLM is configured, or generation fails, a deterministic template is
written instead. The project moves to READY_FOR_REVIEW.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeRun(cmd.Context())
	},
}

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Score the current phase artifact (reviewer mode)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewRun(cmd.Context())
	},
}

func init() {
	executeCmd.Flags().BoolVar(&executeShow, "show", false, "Print the produced artifact")
	rootCmd.AddCommand(modeCmd, executeCmd, reviewCmd)
}

func modeRun(ctx context.Context, arg string) error {
	m, err := engine.ParseMode(strings.ToLower(arg))
	if err != nil {
		return err
	}
	eng, err := currentEngine()
	if err != nil {
		return err
	}
	if err := eng.SetMode(ctx, m); err != nil {
		return err
	}
	ui.Success("Mode set to %s", output.Bold(string(m)))
	return nil
}

func executeRun(ctx context.Context) error {
	eng, err := currentEngine()
	if err != nil {
		return err
	}
	res, err := eng.Execute(ctx)
	if err != nil {
		return err
	}
	if res.Fallback {
		ui.Warning("Generator failed; wrote template output instead")
	}
	ui.Success("Produced %s iteration %d (%d bytes)", output.Bold(string(res.Phase)), res.Iteration, len(res.Content))
	if executeShow {
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, res.Content)
	}
	return nil
}

func reviewRun(ctx context.Context) error {
	eng, err := currentEngine()
	if err != nil {
		return err
	}
	res, err := eng.Review(ctx)
	if err != nil {
		return err
	}
	threshold := eng.Phases().PassThreshold(res.Phase)

	fmt.Fprintf(ui.Out, "%s %s iteration %d\n\n", output.Bold("Review"), res.Phase, res.Iteration)
	ui.KeyValue("Score", output.ScoreColor(res.Score, threshold))
	ui.KeyValue("Threshold", formatScore(threshold))
	ui.KeyValue("Review ID", res.ID)

	if len(res.Checklist) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"Checklist Item", "Score"})
		for _, item := range sortedKeys(res.Checklist) {
			table.Append([]string{item, formatScore(res.Checklist[item])})
		}
		table.Render()
	}

	if len(res.Issues) > 0 {
		fmt.Fprintln(ui.Out)
		printIssues(res.Issues)
		fmt.Fprintln(ui.Out)
		ui.Info("Most urgent: %s", review.MostUrgent(res.Issues))
	} else {
		ui.Success("No issues found")
	}
	return nil
}

func printIssues(issues []models.Issue) {
	table := ui.Table([]string{"Severity", "Description", "Location"})
	for _, i := range issues {
		loc := "-"
		if i.FilePath != "" {
			loc = i.FilePath
			if i.LineNumber > 0 {
				loc = fmt.Sprintf("%s:%d", i.FilePath, i.LineNumber)
			}
		}
		table.Append([]string{
			output.SeverityColor(string(i.Severity)),
			i.Description,
			loc,
		})
	}
	table.Render()
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
