package main

import (
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/fuse/backend/internal/app"
	"github.com/OFFIS-RIT/fuse/backend/pkg/logger"
	pgstore "github.com/OFFIS-RIT/fuse/backend/pkg/store/pgx"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

var errNotPostgres = errors.New("migrate requires the postgres store backend")

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and create the configured vector indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Store.Backend != "postgres" {
				return errNotPostgres
			}

			if err := pgstore.Migrate(cfg.Store.DatabaseURL); err != nil {
				return err
			}

			indexes := app.VectorIndexes(cfg.Store)
			if len(indexes) == 0 {
				logger.Info("No index dimensions configured, skipping vector indexes")
				return nil
			}

			ctx := cmd.Context()
			pool, err := app.OpenPool(ctx, cfg.Store.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			st := pgstore.NewGraphDBStorageWithConnection(pool)
			for _, idx := range indexes {
				if err := st.CreateVectorIndex(ctx, idx); err != nil {
					return fmt.Errorf("failed to create %s index: %w", idx.Target, err)
				}
			}
			return nil
		},
	}
}
