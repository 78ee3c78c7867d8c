package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/joescharf/phasegate/internal/output"
	"github.com/joescharf/phasegate/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init [project]",
	Short: "Create a project at the first phase",
	Long: `Create (or load) a project's state. A new project starts at the first
phase in developer mode with iteration 0. Running init on an existing
project only prints its position.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			projectName = args[0]
		}
		return initRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func initRun(ctx context.Context) error {
	eng, err := currentEngine()
	if err != nil {
		return err
	}
	s, err := getStore()
	if err != nil {
		return err
	}
	_, loadErr := s.Load(ctx, eng.Project())

	st, err := eng.State(ctx)
	if err != nil {
		return err
	}
	if loadErr == nil {
		ui.Info("Project %s already exists at %s (iteration %d)", output.Cyan(st.ProjectName), st.CurrentPhase, st.PhaseIteration+1)
		return nil
	}
	if !errors.Is(loadErr, store.ErrNotFound) {
		ui.Warning("Replaced unreadable state: %v", loadErr)
	}
	ui.Success("Project %s ready at %s", output.Cyan(st.ProjectName), output.Bold(string(st.CurrentPhase)))
	return nil
}
