package cmd

import (
	"github.com/spf13/cobra"

	"github.com/joescharf/phasegate/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server",
	Long: `Start an MCP (Model Context Protocol) server on stdio so an agent
can drive the phase workflow directly. Configure with:

  {
    "mcpServers": {
      "phasegate": { "command": "phasegate", "args": ["mcp"] }
    }
  }

Available tools: phasegate_list_projects, phasegate_status,
phasegate_set_mode, phasegate_execute, phasegate_review,
phasegate_check_transition, phasegate_decide, phasegate_next_phase,
phasegate_next_iteration, phasegate_rollback, phasegate_blocking_issues,
phasegate_report`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}
		srv := mcp.NewServer(s, newEngine, buildVersion)
		return srv.ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
