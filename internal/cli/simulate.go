package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var (
	simulateFailures int
	simulateError    string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次预言机故障并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateFailures <= 0 {
			return errors.New("--failures 必须大于 0")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateFailures, simulateError)
	},
}

func init() {
	simulateCmd.Flags().IntVar(&simulateFailures, "failures", 3, "连续失败次数")
	simulateCmd.Flags().StringVar(&simulateError, "error", "simulated refresh failure", "最后一次错误信息")
}
