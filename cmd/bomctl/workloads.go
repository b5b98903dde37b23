package main

import (
	"context"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/ctron/bommer/internal/api"
)

var workloadsNamespace string

func workloadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workloads",
		Short: "List tracked workloads and their images",
		Long: `List workloads the controller currently tracks.

Examples:
  # List all workloads
  bomctl workloads

  # Restrict to one namespace
  bomctl workloads -n my-namespace`,
		RunE: runWorkloads,
	}

	cmd.Flags().StringVarP(&workloadsNamespace, "namespace", "n", "", "Only show workloads in this namespace")

	return cmd
}

func runWorkloads(cmd *cobra.Command, args []string) error {
	query := url.Values{}
	if workloadsNamespace != "" {
		query.Set("namespace", workloadsNamespace)
	}

	var resp api.WorkloadsResponse
	if err := getJSON(context.Background(), "/api/v1/workloads", query, &resp); err != nil {
		return err
	}
	return outputResult(resp, outputFmt)
}
