package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"bundlegate/internal/app"
)

var (
	stateLimit int
	stateJSON  bool
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Display the latest checkpointed state",
	RunE: func(cmd *cobra.Command, args []string) error {
		if stateLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().State(cmd.Context(), app.StateOptions{Limit: stateLimit, JSON: stateJSON}, cmd.OutOrStdout())
	},
}

func init() {
	stateCmd.Flags().IntVar(&stateLimit, "limit", 20, "Number of checkpoints to display")
	stateCmd.Flags().BoolVar(&stateJSON, "json", false, "Print the latest snapshot as JSON")
}
