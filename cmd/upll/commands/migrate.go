package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/upll/pkg/config"
	"github.com/openfroyo/upll/pkg/motypes"
	"github.com/openfroyo/upll/pkg/stores"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the store schema migrations",
		Long: `Create or upgrade the SQLite schema of the configured store. The
memory backend has no schema and is left untouched.`,
		Example: `  upll migrate --config /etc/upll/upll.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Store.Backend != config.BackendSQLite {
				log.Info().Str("backend", cfg.Store.Backend).Msg("Nothing to migrate")
				return nil
			}

			reg, err := motypes.Default()
			if err != nil {
				return err
			}
			store, err := stores.NewSQLiteStore(cfg.StoreConfig(), reg, log.Logger)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			if err := store.Init(ctx); err != nil {
				return err
			}
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			version, dirty, err := store.MigrationVersion()
			if err != nil {
				return err
			}
			log.Info().
				Str("path", cfg.Store.Path).
				Uint("version", version).
				Bool("dirty", dirty).
				Msg("Store migrated")
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
			return nil
		},
	}
	return cmd
}
