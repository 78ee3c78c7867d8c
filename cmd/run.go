package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/phasegate/internal/metrics"
	"github.com/joescharf/phasegate/internal/output"
	"github.com/joescharf/phasegate/internal/workflow"
)

var (
	runTargetScore float64
	runMetricsAddr string
	runJSON        bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive the project through every phase automatically",
	Long: `Alternate execute, review and decide until the project completes,
the round budget is spent, or the run is interrupted (Ctrl-C).

With --target-score, a phase advances as soon as its review reaches the
target instead of waiting for the quality gate. Rollbacks still apply.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runRun(ctx)
	},
}

func init() {
	runCmd.Flags().Int("max-iterations", workflow.DefaultMaxIterations, "Maximum execute/review rounds")
	runCmd.Flags().Duration("pause", workflow.DefaultPause, "Pause between rounds")
	runCmd.Flags().Float64Var(&runTargetScore, "target-score", 0, "Advance once a review reaches this score")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the run summary as JSON")
	_ = viper.BindPFlag("workflow.max_iterations", runCmd.Flags().Lookup("max-iterations"))
	_ = viper.BindPFlag("workflow.pause", runCmd.Flags().Lookup("pause"))
	rootCmd.AddCommand(runCmd)
}

func runRun(ctx context.Context) error {
	if runMetricsAddr != "" {
		recorder = metrics.New(nil)
		shutdown, err := serveMetrics(runMetricsAddr, recorder)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	eng, err := currentEngine()
	if err != nil {
		return err
	}

	observer := func(s workflow.Step) {
		if runJSON {
			return
		}
		ui.Info("[%d] %s iteration %d: score %s -> %s",
			s.Round, s.Phase, s.Iteration,
			output.ScoreColor(s.Score, eng.Phases().PassThreshold(s.Phase)),
			output.StatusColor(string(s.Decision.Action)))
		ui.VerboseLog("    %s", s.Decision.Reason)
	}

	driver := workflow.NewDriver(eng, logger, observer)
	res := driver.Run(ctx, workflow.Options{
		MaxIterations: viper.GetInt("workflow.max_iterations"),
		Pause:         viper.GetDuration("workflow.pause"),
		TargetScore:   runTargetScore,
	})

	if runJSON {
		enc := json.NewEncoder(ui.Out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
		return res.Err
	}

	printRunSummary(res)
	return res.Err
}

func printRunSummary(res *workflow.RunResult) {
	fmt.Fprintln(ui.Out)
	ui.KeyValue("Result", output.StatusColor(string(res.Status)))
	ui.KeyValue("Rounds", res.TotalIterations)
	if res.FinalScore != nil {
		ui.KeyValue("Final score", formatScore(*res.FinalScore))
	}
	ui.KeyValue("Duration", res.Ended.Sub(res.Started).Round(time.Millisecond))
	if len(res.PhasesCompleted) > 0 {
		names := make([]string, 0, len(res.PhasesCompleted))
		for _, p := range res.PhasesCompleted {
			names = append(names, fmt.Sprintf("%s (%s)", p.Phase, formatScore(p.Score)))
		}
		ui.KeyValue("Phases passed", strings.Join(names, ", "))
	}
}

// serveMetrics starts a background HTTP server for /metrics and returns a
// function that shuts it down.
func serveMetrics(addr string, m *metrics.Metrics) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	fmt.Fprintf(ui.ErrOut, "Serving metrics at http://%s/metrics\n", ln.Addr())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
