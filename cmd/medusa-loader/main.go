// Command medusa-loader watches for the game and injects the plugin loader.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:           "medusa-loader",
		Short:         "Inject the Medusa plugin loader into the game",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	configFlag   string
	logLevelFlag string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "configuration file (default: medusa.yaml next to the executable)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "override log_level: off, error, warn, info, debug, trace")

	rootCmd.AddCommand(watchCmd, injectCmd, pluginsCmd, historyCmd, verifyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
