// Package migration applies the embedded postgres schema with goose.
package migration

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed scripts/*.sql
var scripts embed.FS

const scriptsDir = "scripts"

type Runner struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewRunner(db *sql.DB, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	goose.SetBaseFS(scripts)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return &Runner{db: db, logger: logger.With("component", "migration")}, nil
}

func (r *Runner) Up(ctx context.Context) error {
	from, err := goose.GetDBVersionContext(ctx, r.db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}
	if err := goose.UpContext(ctx, r.db, scriptsDir); err != nil {
		r.logger.Error("migration failed", "error", err)
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	to, err := goose.GetDBVersionContext(ctx, r.db)
	if err != nil {
		return fmt.Errorf("failed to get final version: %w", err)
	}
	r.logger.Info("migrations applied", "from_version", from, "to_version", to)
	return nil
}

func (r *Runner) Down(ctx context.Context, steps int) error {
	for i := 0; i < steps; i++ {
		if err := goose.DownContext(ctx, r.db, scriptsDir); err != nil {
			return fmt.Errorf("failed to run down migration: %w", err)
		}
	}
	r.logger.Info("down migration completed", "steps", steps)
	return nil
}

func (r *Runner) Version(ctx context.Context) (int64, error) {
	version, err := goose.GetDBVersionContext(ctx, r.db)
	if err != nil {
		return 0, fmt.Errorf("failed to get version: %w", err)
	}
	return version, nil
}

func (r *Runner) Status(ctx context.Context) error {
	if err := goose.StatusContext(ctx, r.db, scriptsDir); err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	return nil
}
