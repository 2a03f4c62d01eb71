package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"smartq/token-service/internal/config"
	"smartq/token-service/internal/logging"
	"smartq/token-service/internal/migration"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tools",
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Rollback migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(func(runner *migration.Runner) error {
				return runner.Down(cmd.Context(), steps)
			})
		},
	}
	down.Flags().IntVarP(&steps, "steps", "n", 1, "Number of migrations to rollback")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Run all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRunner(func(runner *migration.Runner) error {
					return runner.Up(cmd.Context())
				})
			},
		},
		down,
		&cobra.Command{
			Use:   "status",
			Short: "Show migration status",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRunner(func(runner *migration.Runner) error {
					version, err := runner.Version(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "current version: %d\n", version)
					return runner.Status(cmd.Context())
				})
			},
		},
	)
	return cmd
}

func withRunner(fn func(runner *migration.Runner) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DB_DSN is required for migrations")
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer db.Close()

	runner, err := migration.NewRunner(db, logger)
	if err != nil {
		return err
	}
	return fn(runner)
}
