package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/phasegate/internal/models"
	"github.com/joescharf/phasegate/internal/output"
)

var rollbackReason string

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate the quality gate for the current phase",
	Long: `Report whether the latest review passes the current phase's gate,
whether a rollback is warranted, and the recommended next action.
Nothing is changed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkRun(cmd.Context())
	},
}

var nextCmd = &cobra.Command{
	Use:   "next",
	Short: "Advance to the next phase",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return nextRun(cmd.Context())
	},
}

var iterateCmd = &cobra.Command{
	Use:   "iterate",
	Short: "Start another iteration of the current phase",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return iterateRun(cmd.Context())
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback [phase]",
	Short: "Roll back to an earlier phase",
	Long: `Roll back to the given phase. Without an argument the rollback
target is taken from the latest review: a critical issue matching one of
the current phase's rollback triggers selects the configured target.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := ""
		if len(args) == 1 {
			target = args[0]
		}
		return rollbackRun(cmd.Context(), target)
	},
}

func init() {
	rollbackCmd.Flags().StringVar(&rollbackReason, "reason", "", "Reason recorded with the rollback")
	rootCmd.AddCommand(checkCmd, nextCmd, iterateCmd, rollbackCmd)
}

func checkRun(ctx context.Context) error {
	eng, err := currentEngine()
	if err != nil {
		return err
	}
	pass, err := eng.CheckPhaseTransition(ctx)
	if err != nil {
		return err
	}
	rb, err := eng.CheckRollbackNeeded(ctx)
	if err != nil {
		return err
	}

	if pass {
		ui.KeyValue("Gate", output.Green("pass"))
	} else {
		ui.KeyValue("Gate", output.Red("fail"))
	}
	if rb.Needed {
		ui.KeyValue("Rollback", fmt.Sprintf("%s (trigger %q)", rb.Target, rb.Trigger))
	} else {
		ui.KeyValue("Rollback", "not needed")
	}

	d, err := eng.Decide(ctx)
	if err != nil {
		// A project without reviews has no recommendation yet.
		ui.VerboseLog("decide: %v", err)
		return nil
	}
	ui.KeyValue("Decision", output.StatusColor(string(d.Action)))
	ui.KeyValue("Reason", d.Reason)
	return nil
}

func nextRun(ctx context.Context) error {
	eng, err := currentEngine()
	if err != nil {
		return err
	}
	st, err := eng.ForceNextPhase(ctx)
	if err != nil {
		return err
	}
	if st.Status == models.StatusCompleted {
		ui.Success("All phases complete")
		return nil
	}
	ui.Success("Advanced to %s", output.Bold(string(st.CurrentPhase)))
	return nil
}

func iterateRun(ctx context.Context) error {
	eng, err := currentEngine()
	if err != nil {
		return err
	}
	st, err := eng.NextIteration(ctx)
	if err != nil {
		return err
	}
	ui.Success("%s iteration %d", st.CurrentPhase, st.PhaseIteration+1)
	return nil
}

func rollbackRun(ctx context.Context, target string) error {
	eng, err := currentEngine()
	if err != nil {
		return err
	}

	reason := rollbackReason
	var phase models.Phase
	if target != "" {
		phase, err = models.ParsePhase(strings.ToUpper(target))
		if err != nil {
			return err
		}
	} else {
		rb, err := eng.CheckRollbackNeeded(ctx)
		if err != nil {
			return err
		}
		if !rb.Needed {
			ui.Info("No rollback needed")
			return nil
		}
		phase = rb.Target
		if reason == "" {
			reason = rb.Issue
		}
	}
	if reason == "" {
		reason = "manual rollback"
	}

	st, err := eng.RollbackToPhase(ctx, phase, reason)
	if err != nil {
		return err
	}
	ui.Warning("Rolled back to %s: %s", output.Bold(string(st.CurrentPhase)), reason)
	return nil
}
