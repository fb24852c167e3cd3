// Command meterfleetctl is the minimum operability surface a deployment
// of meterfleetd needs: register a device from a config file, trigger a
// run, and print its RuntimeState stats. Grounded on the pack's
// cobra-based admin CLIs (surge-downloader-surge/cmd).
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "meterfleetctl",
	Short: "Admin CLI for the meterfleet fleet-retrieval daemon",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statsCmd)
}
