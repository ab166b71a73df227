// Command webextd runs the browser extension runtime and its admin API.
package main

import (
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "webextd",
	Short:         "Browser extension runtime",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("env-file", ".env", "Environment file loaded before configuration")
	rootCmd.AddCommand(serveCmd, idCmd, inspectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}
