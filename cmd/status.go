package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/phasegate/internal/output"
)

var (
	statusAll   bool
	statusCheck bool
)

var statusCmd = &cobra.Command{
	Use:   "status [project]",
	Short: "Show project status",
	Long: `Show detailed status for one project, or with --all a summary table
of every project in the state directory.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			projectName = args[0]
		}
		return statusRun(cmd.Context(), statusAll)
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusAll, "all", false, "Summarize every project")
	statusCmd.Flags().BoolVar(&statusCheck, "check", false, "Validate persisted state invariants")
	rootCmd.AddCommand(statusCmd)
}

func statusRun(ctx context.Context, all bool) error {
	if all {
		return statusOverviewRun(ctx)
	}

	eng, err := currentEngine()
	if err != nil {
		return err
	}
	snap, err := eng.Status(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s\n\n", output.Bold(snap.ProjectName))
	ui.KeyValue("Status", output.StatusColor(string(snap.Status)))
	ui.KeyValue("Phase", snap.CurrentPhase)
	ui.KeyValue("Iteration", fmt.Sprintf("%d/%d", snap.PhaseIteration+1, snap.MaxIterations))
	ui.KeyValue("Mode", snap.CurrentMode)
	if snap.LatestScore != nil {
		ui.KeyValue("Latest score", fmt.Sprintf("%s (threshold %s)", output.ScoreColor(*snap.LatestScore, snap.PassThreshold), formatScore(snap.PassThreshold)))
	} else {
		ui.KeyValue("Latest score", "-")
	}
	ui.KeyValue("Reviews", snap.ReviewCount)
	ui.KeyValue("Blocking issues", snap.BlockingCount)
	ui.KeyValue("Improvements", snap.Improvements)
	ui.KeyValue("Rollbacks", fmt.Sprintf("%d (max %d per phase)", snap.RollbackCount, snap.QualityGates.MaxRollbacksPerPhase))
	if snap.FromRollback {
		ui.KeyValue("Rollback reason", output.Yellow(snap.RollbackReason))
	}
	ui.KeyValue("Updated", timeAgo(snap.UpdatedAt))

	if statusCheck {
		st, err := eng.State(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(ui.Out)
		if err := st.Validate(); err != nil {
			ui.Error("State check failed: %v", err)
			return err
		}
		ui.Success("State is consistent")
	}
	return nil
}

func statusOverviewRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	names, err := s.List(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		ui.Info("No projects yet. Use 'phasegate init <name>' to get started.")
		return nil
	}

	table := ui.Table([]string{"Project", "Phase", "Iteration", "Mode", "Status", "Score", "Blocking", "Updated"})
	for _, name := range names {
		eng, err := newEngine(name)
		if err != nil {
			return err
		}
		snap, err := eng.Status(ctx)
		if err != nil {
			ui.Warning("%s: %v", name, err)
			continue
		}
		score := "-"
		if snap.LatestScore != nil {
			score = output.ScoreColor(*snap.LatestScore, snap.PassThreshold)
		}
		table.Append([]string{
			output.Cyan(snap.ProjectName),
			string(snap.CurrentPhase),
			strconv.Itoa(snap.PhaseIteration + 1),
			string(snap.CurrentMode),
			output.StatusColor(string(snap.Status)),
			score,
			strconv.Itoa(snap.BlockingCount),
			timeAgo(snap.UpdatedAt),
		})
	}
	table.Render()
	return nil
}

func timeAgo(t time.Time) string {
	if t.IsZero() {
		return "n/a"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
