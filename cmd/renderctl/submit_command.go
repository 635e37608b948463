package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newSubmitCommand(opts *rootOptions) *cobra.Command {
	var (
		manifestID   string
		analysisPath string
		key          string
	)
	cmd := &cobra.Command{
		Use:   "submit <manifest.json>",
		Short: "Submit a manifest for rendering",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest, err := readJSONFile(args[0])
			if err != nil {
				return err
			}
			req := submitRequest{Manifest: manifest, ManifestID: manifestID}
			if analysisPath != "" {
				if req.Analysis, err = readJSONFile(analysisPath); err != nil {
					return err
				}
			}
			resp, err := opts.client().submit(cmd.Context(), req, key)
			if err != nil {
				return err
			}
			if opts.json {
				return writeJSON(cmd, resp)
			}
			if resp.Idempotent {
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s already submitted with this key\n", resp.JobID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s accepted (%s)\n", resp.JobID, resp.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&manifestID, "manifest-id", "", "Manifest record id whose artifact should follow the render")
	cmd.Flags().StringVar(&analysisPath, "analysis", "", "JSON file with the loan analysis passed to the composition")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "Idempotency-Key header; resubmits return the original job")
	return cmd
}

func readJSONFile(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s is not valid JSON", path)
	}
	return json.RawMessage(data), nil
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
