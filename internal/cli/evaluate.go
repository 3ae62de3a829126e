package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"bundlegate/internal/app"
)

var (
	evalBundle string
	evalPrices string
	evalJSON   bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate a bundle file and print the decision",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := bundleOptions()
		if err != nil {
			return err
		}
		d, err := getApp().Evaluate(cmd.Context(), opts, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		if !d.Admitted() {
			cmd.SilenceUsage = true
			return fmt.Errorf("bundle rejected: %s", d.Code)
		}
		return nil
	},
}

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Print the required fee of a bundle at every tier",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := bundleOptions()
		if err != nil {
			return err
		}
		_, err = getApp().Quote(cmd.Context(), opts, cmd.OutOrStdout())
		return err
	},
}

func bundleOptions() (app.EvaluateOptions, error) {
	if evalBundle == "" {
		return app.EvaluateOptions{}, errors.New("--bundle is required")
	}
	return app.EvaluateOptions{BundlePath: evalBundle, PricesPath: evalPrices, JSON: evalJSON}, nil
}

func init() {
	for _, cmd := range []*cobra.Command{evaluateCmd, quoteCmd} {
		cmd.Flags().StringVar(&evalBundle, "bundle", "", "Path to a JSON bundle")
		cmd.Flags().StringVar(&evalPrices, "prices", "", "JSON price file overriding the configured oracle backend")
		cmd.Flags().BoolVar(&evalJSON, "json", false, "Print JSON instead of a table")
	}
}
