package main

import (
	"errors"
	"fmt"

	"smartq/token-service/internal/config"
	"smartq/token-service/internal/directory"
	"smartq/token-service/internal/store/postgres"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

func newOfficesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offices",
		Short: "Office directory tools",
	}

	var file string
	seed := &cobra.Command{
		Use:   "seed",
		Short: "Upsert offices from a YAML file into postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DB_DSN is required to seed offices")
			}
			if file == "" {
				file = cfg.OfficesFile
			}
			offices, err := directory.LoadFile(file)
			if err != nil {
				return err
			}

			pool, err := pgxpool.New(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("db connect: %w", err)
			}
			defer pool.Close()

			pg := postgres.NewStore(pool)
			for _, office := range offices.List() {
				if err := pg.UpsertOffice(cmd.Context(), office); err != nil {
					return fmt.Errorf("upsert office %s: %w", office.OfficeID, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "office %s (%s) saved\n", office.OfficeID, office.Prefix)
			}
			return nil
		},
	}
	seed.Flags().StringVarP(&file, "file", "f", "", "Offices YAML file (default: OFFICES_FILE)")

	cmd.AddCommand(seed)
	return cmd
}
