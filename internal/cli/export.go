package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"bundlegate/internal/app"
)

var (
	exportFrom    string
	exportTo      string
	exportCSVPath string
	exportPNGPath string
	exportLimit   int
	pruneBefore   string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export state checkpoints as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			CSVPath: exportCSVPath,
			PNGPath: exportPNGPath,
			Limit:   exportLimit,
		}

		if exportFrom != "" {
			from, err := time.Parse(time.RFC3339, exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := time.Parse(time.RFC3339, exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete state checkpoints older than a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pruneBefore == "" {
			return errors.New("--before is required")
		}
		before, err := time.Parse(time.RFC3339, pruneBefore)
		if err != nil {
			return fmt.Errorf("invalid --before value: %w", err)
		}
		return getApp().Prune(cmd.Context(), before)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 1000, "Maximum checkpoints to read")

	pruneCmd.Flags().StringVar(&pruneBefore, "before", "", "Cutoff timestamp (RFC3339, exclusive)")
}
