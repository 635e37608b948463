package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:3001"

type rootOptions struct {
	server  string
	tenant  string
	timeout time.Duration
	json    bool
}

func (o *rootOptions) client() *apiClient {
	return newAPIClient(o.server, o.tenant, o.timeout)
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "renderctl",
		Short:         "Loan briefing render service CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	server := os.Getenv("RENDER_SERVER")
	if server == "" {
		server = defaultServer
	}
	rootCmd.PersistentFlags().StringVar(&opts.server, "server", server, "Render service base URL (env RENDER_SERVER)")
	rootCmd.PersistentFlags().StringVar(&opts.tenant, "tenant", "", "Tenant id sent as X-Tenant-ID")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "HTTP request timeout")
	rootCmd.PersistentFlags().BoolVar(&opts.json, "json", false, "Print JSON instead of tables")

	rootCmd.AddCommand(newSubmitCommand(opts))
	rootCmd.AddCommand(newStatusCommand(opts))
	rootCmd.AddCommand(newMigrateCommand())

	return rootCmd
}
