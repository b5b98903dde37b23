// bomctl is a CLI tool for querying the bommer inventory API.
//
// Usage:
//
//	bomctl images
//	bomctl image nginx@sha256:abc... --wait 10s
//	bomctl workloads -n my-namespace
//	bomctl status
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	outputFmt string
	serverURL string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bomctl",
		Short: "Query the bommer workload/SBOM inventory",
		Long: `bomctl is a CLI tool for interacting with a running bommer controller.

It queries the controller's read-only HTTP API: which images run in the
cluster, which workloads run them, and the SBOM state of each image.`,
		Version: version,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "Base URL of the bommer API. Defaults to BOMMER_URL or http://localhost:8080.")

	// Add subcommands
	rootCmd.AddCommand(imagesCmd())
	rootCmd.AddCommand(imageCmd())
	rootCmd.AddCommand(workloadsCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(eventsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
