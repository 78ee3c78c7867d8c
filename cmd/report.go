package cmd

import (
	"bytes"
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/phasegate/internal/fsutil"
	"github.com/joescharf/phasegate/internal/report"
)

var (
	reportFormat string
	reportOutput string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Export a project report as Markdown, JSON, or CSV",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return reportRun(cmd.Context())
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportFormat, "format", report.FormatMarkdown, "Output format: markdown, json, csv")
	reportCmd.Flags().StringVarP(&reportOutput, "output", "o", "", "Write to file instead of stdout")
	rootCmd.AddCommand(reportCmd)
}

func reportRun(ctx context.Context) error {
	eng, err := currentEngine()
	if err != nil {
		return err
	}
	r, err := report.Build(ctx, eng, time.Now().UTC())
	if err != nil {
		return err
	}

	if reportOutput == "" {
		return report.Write(ui.Out, r, reportFormat)
	}

	var buf bytes.Buffer
	if err := report.Write(&buf, r, reportFormat); err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(reportOutput, buf.Bytes(), 0o644); err != nil {
		return err
	}
	ui.Success("Report written to %s", reportOutput)
	return nil
}
