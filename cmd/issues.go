package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/phasegate/internal/models"
	"github.com/joescharf/phasegate/internal/output"
)

var (
	issuesPhase string
	issuesStats bool
)

var issuesCmd = &cobra.Command{
	Use:   "issues",
	Short: "List blocking issues",
	Long: `List the outstanding critical issues. With --phase, list every
distinct issue recorded for that phase. With --stats, show per-phase
severity counts.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return issuesRun(cmd.Context())
	},
}

var issuesClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the blocking-issue set",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return issuesClearRun(cmd.Context())
	},
}

func init() {
	issuesCmd.Flags().StringVar(&issuesPhase, "phase", "", "List all issues recorded for a phase")
	issuesCmd.Flags().BoolVar(&issuesStats, "stats", false, "Show issue counts per phase")
	issuesCmd.AddCommand(issuesClearCmd)
	rootCmd.AddCommand(issuesCmd)
}

func issuesRun(ctx context.Context) error {
	eng, err := currentEngine()
	if err != nil {
		return err
	}

	if issuesStats {
		stats, err := eng.Ledger().Stats()
		if err != nil {
			return err
		}
		ui.KeyValue("Blocking", stats.TotalBlocking)
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"Phase", "Total", "Critical", "Major", "Minor"})
		for _, p := range models.AllPhases {
			c := stats.ByPhase[p]
			table.Append([]string{
				string(p),
				strconv.Itoa(c.Total),
				strconv.Itoa(c.Critical),
				strconv.Itoa(c.Major),
				strconv.Itoa(c.Minor),
			})
		}
		table.Render()
		return nil
	}

	var issues []models.Issue
	if issuesPhase != "" {
		p, err := models.ParsePhase(strings.ToUpper(issuesPhase))
		if err != nil {
			return err
		}
		issues, err = eng.Ledger().IssuesForPhase(p)
		if err != nil {
			return err
		}
	} else {
		issues, err = eng.BlockingIssues(ctx)
		if err != nil {
			return err
		}
	}

	if len(issues) == 0 {
		ui.Success("No issues")
		return nil
	}
	printIssues(issues)
	return nil
}

func issuesClearRun(ctx context.Context) error {
	eng, err := currentEngine()
	if err != nil {
		return err
	}
	if err := eng.ClearBlocking(ctx); err != nil {
		return err
	}
	ui.Success("Cleared blocking issues for %s", output.Cyan(eng.Project()))
	return nil
}
