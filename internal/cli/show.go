package cli

import (
	"github.com/spf13/cobra"

	"spotwatt/internal/app"
)

var (
	showMarket string
	showToken  string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display cached day-ahead prices",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ShowOptions{
			Market: showMarket,
			Token:  showToken,
		}
		return getApp().Show(cmd.Context(), opts)
	},
}

var (
	planToken string
	planApply bool
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "预览某个设备的推送计划",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Plan(cmd.Context(), app.PlanOptions{Token: planToken, Apply: planApply})
	},
}

func init() {
	showCmd.Flags().StringVar(&showMarket, "market", "AT", "Market to display (AT or DE)")
	showCmd.Flags().StringVar(&showToken, "token", "", "Render effective prices with this device's cost settings")

	planCmd.Flags().StringVar(&planToken, "token", "", "设备推送 token")
	planCmd.Flags().BoolVar(&planApply, "apply", false, "同时创建/替换投递任务")
}
