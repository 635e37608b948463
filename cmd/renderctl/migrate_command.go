package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/abenezer101/Loanie/internal/config"
	"github.com/abenezer101/Loanie/internal/logging"
	"github.com/abenezer101/Loanie/internal/store"
)

func newMigrateCommand() *cobra.Command {
	var (
		configPath string
		reclaim    bool
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply durable store migrations",
		Long: "Apply the embedded schema migrations for the configured DATABASE_DRIVER.\n" +
			"With --reclaim, jobs left processing by a stopped service are marked failed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				if err := os.Setenv("RENDER_CONFIG_FILE", configPath); err != nil {
					return err
				}
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := logging.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel, "text")

			durable, err := store.Open(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer durable.Close()
			if err := durable.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrations applied (%s)\n", cfg.DatabaseDriver)

			if reclaim || cfg.ReclaimInterrupted {
				n, err := durable.FailInterrupted(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Marked %d interrupted job(s) failed\n", n)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "TOML configuration file (sets RENDER_CONFIG_FILE)")
	cmd.Flags().BoolVar(&reclaim, "reclaim", false, "Mark jobs stuck in processing as failed")
	return cmd
}
