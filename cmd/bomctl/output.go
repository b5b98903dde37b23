package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/ctron/bommer/internal/api"
	"github.com/ctron/bommer/internal/types"
)

// outputResult outputs the result in the specified format.
func outputResult(result interface{}, format string) error {
	switch format {
	case "json":
		return outputJSON(result)
	case "yaml":
		return outputYAML(result)
	default:
		return outputTable(result)
	}
}

func outputJSON(result interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func outputYAML(result interface{}) error {
	data, err := yaml.Marshal(result)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func outputTable(result interface{}) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	switch r := result.(type) {
	case api.ImagesResponse:
		return outputImagesTable(w, r)
	case types.ImageStatus:
		return outputImageTable(w, r)
	case api.WorkloadsResponse:
		return outputWorkloadsTable(w, r)
	case api.StatusResponse:
		return outputStatusTable(w, r)
	default:
		// Fall back to JSON for unknown types
		return outputJSON(result)
	}
}

func outputImagesTable(w *tabwriter.Writer, r api.ImagesResponse) error {
	fmt.Fprintln(w, "IMAGE\tSTATE\tWORKLOADS\tLAST RESOLVED")
	for _, img := range r.Images {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
			img.Image.Key(), img.State, len(img.Workloads), formatTime(img.LastResolved))
	}
	return nil
}

func outputImageTable(w *tabwriter.Writer, r types.ImageStatus) error {
	fmt.Fprintf(w, "Image:\t%s\n", r.Image.Key())
	fmt.Fprintf(w, "State:\t%s\n", r.State)
	if r.Error != "" {
		fmt.Fprintf(w, "Error:\t%s\n", r.Error)
	}
	if r.NextRetry != nil {
		fmt.Fprintf(w, "Next retry:\t%s\n", r.NextRetry.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Last resolved:\t%s\n", formatTime(r.LastResolved))
	for _, wl := range r.Workloads {
		fmt.Fprintf(w, "Workload:\t%s\n", wl)
	}
	return nil
}

func outputWorkloadsTable(w *tabwriter.Writer, r api.WorkloadsResponse) error {
	fmt.Fprintln(w, "NAMESPACE\tNAME\tIMAGES")
	for _, wl := range r.Workloads {
		for i, img := range wl.Images {
			if i == 0 {
				fmt.Fprintf(w, "%s\t%s\t%s\n", wl.Workload.Namespace, wl.Workload.Name, img.Key())
			} else {
				fmt.Fprintf(w, "\t\t%s\n", img.Key())
			}
		}
		if len(wl.Images) == 0 {
			fmt.Fprintf(w, "%s\t%s\t-\n", wl.Workload.Namespace, wl.Workload.Name)
		}
	}
	return nil
}

func outputStatusTable(w *tabwriter.Writer, r api.StatusResponse) error {
	fmt.Fprintf(w, "Workloads:\t%d\n", r.Workloads)
	fmt.Fprintf(w, "Images:\t%d\n", r.Images)
	fmt.Fprintf(w, "  Pending:\t%d\n", r.Pending)
	fmt.Fprintf(w, "  Resolved:\t%d\n", r.Resolved)
	fmt.Fprintf(w, "  Missing:\t%d\n", r.Missing)
	fmt.Fprintf(w, "  Failed:\t%d\n", r.Failed)
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
