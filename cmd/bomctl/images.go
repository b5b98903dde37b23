package main

import (
	"context"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/ctron/bommer/internal/api"
	"github.com/ctron/bommer/internal/types"
)

var imageWait string

func imagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "images",
		Short: "List tracked images and their SBOM state",
		Long: `List every image currently referenced by a live workload.

Examples:
  # List all tracked images
  bomctl images

  # Output as JSON
  bomctl images -o json`,
		RunE: runImages,
	}

	return cmd
}

func runImages(cmd *cobra.Command, args []string) error {
	var resp api.ImagesResponse
	if err := getJSON(context.Background(), "/api/v1/images", nil, &resp); err != nil {
		return err
	}
	return outputResult(resp, outputFmt)
}

func imageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image <reference>",
		Short: "Show the SBOM state of one image",
		Long: `Show the fetch state and, when resolved, the SBOM of a single image.

Examples:
  # Show image state
  bomctl image nginx@sha256:abc...

  # Block up to ten seconds while the fetch is still pending
  bomctl image nginx@sha256:abc... --wait 10s`,
		Args: cobra.ExactArgs(1),
		RunE: runImage,
	}

	cmd.Flags().StringVar(&imageWait, "wait", "", "Bounded wait while the entry is pending (e.g. 10s)")

	return cmd
}

func runImage(cmd *cobra.Command, args []string) error {
	query := url.Values{"image": []string{args[0]}}
	if imageWait != "" {
		query.Set("wait", imageWait)
	}

	var status types.ImageStatus
	if err := getJSON(context.Background(), "/api/v1/images/state", query, &status); err != nil {
		return err
	}
	return outputResult(status, outputFmt)
}
