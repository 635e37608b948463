package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

type jobStatus struct {
	ID string `json:"id"`
	statusView
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var (
		watch    bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status <job-id>...",
		Short: "Show render job status",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.client()
			for {
				jobs, err := fetchStatuses(cmd.Context(), client, args)
				if err != nil {
					return err
				}
				if opts.json {
					if err := writeJSON(cmd, jobs); err != nil {
						return err
					}
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), statusTable(jobs))
				}
				if !watch || allTerminal(jobs) {
					return nil
				}
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(interval):
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Poll until every job is completed or failed")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Polling interval for --watch")
	return cmd
}

func fetchStatuses(ctx context.Context, client *apiClient, ids []string) ([]jobStatus, error) {
	jobs := make([]jobStatus, 0, len(ids))
	for _, id := range ids {
		view, err := client.status(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", id, err)
		}
		jobs = append(jobs, jobStatus{ID: id, statusView: view})
	}
	return jobs, nil
}

func allTerminal(jobs []jobStatus) bool {
	for _, j := range jobs {
		if !j.terminal() {
			return false
		}
	}
	return true
}

func statusTable(jobs []jobStatus) string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		url := "-"
		if j.VideoURL != nil {
			url = *j.VideoURL
		}
		rows = append(rows, []string{j.ID, j.Status, strconv.Itoa(j.Progress) + "%", j.ProgressLabel, url})
	}
	return renderTable([]string{"Job", "Status", "Progress", "Stage", "Video"}, rows, 2)
}
