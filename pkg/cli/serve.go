package cli

import (
	"github.com/beam-cloud/airsync/pkg/gateway"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Run the airsync gateway in the foreground.

Configuration is read from the embedded defaults, then CONFIG_PATH, then
CONFIG_JSON.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		gw, err := gateway.NewGateway()
		if err != nil {
			return err
		}
		return gw.Start()
	},
}
