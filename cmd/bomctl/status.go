package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ctron/bommer/internal/api"
)

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show overall inventory status",
		Long: `Show entry counts by SBOM state and the number of tracked workloads.

Examples:
  # Show status
  bomctl status

  # Output as JSON
  bomctl status -o json`,
		RunE: runStatus,
	}

	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	var resp api.StatusResponse
	if err := getJSON(context.Background(), "/api/v1/status", nil, &resp); err != nil {
		return err
	}
	return outputResult(resp, outputFmt)
}
