package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/RIDCorix/Amazcope-sub000/internal/app"
)

var (
	simulatePrev    float64
	simulateNew     float64
	simulateWebhook string
	simulateEmail   string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次价格变动并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePrev <= 0 || simulateNew <= 0 {
			return errors.New("--prev 与 --new 必须大于 0")
		}

		opts := app.SimulateOptions{
			PrevPrice:  simulatePrev,
			NewPrice:   simulateNew,
			WebhookURL: simulateWebhook,
			Email:      simulateEmail,
		}
		return getApp().SimulateAlert(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulatePrev, "prev", 0, "上一次观测价格")
	simulateCmd.Flags().Float64Var(&simulateNew, "new", 0, "本次观测价格")
	simulateCmd.Flags().StringVar(&simulateWebhook, "webhook", "", "Webhook URL to deliver to")
	simulateCmd.Flags().StringVar(&simulateEmail, "email", "", "Email address to deliver to")
}
