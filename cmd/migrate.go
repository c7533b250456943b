package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// migrateCmd groups the schema-inspection subcommands. Store.Open already
// applies every pending migration unconditionally on every startup (spec
// §6.4), and both subcommands open the store through it. "up" therefore
// prints only the number of known migrations, not which ones ran; "status"
// runs after any pending migrations have been applied, so it reports every
// migration as applied.
func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Inspect or apply the embedded store's schema migrations",
	}
	cmd.AddCommand(migrateStatusCmd())
	cmd.AddCommand(migrateUpCmd())
	return cmd
}

func openStoreForMigrate() (*store.Store, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return store.Open(context.Background(), cfg.Persistence.DBPath)
}

func migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which migrations have been applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStoreForMigrate()
			if err != nil {
				return err
			}
			defer st.Close()

			rows, err := st.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("read migration status: %w", err)
			}
			for _, r := range rows {
				state := "pending"
				if r.Applied {
					state = "applied"
				}
				fmt.Printf("%03d_%-20s %s\n", r.Version, r.Name, state)
			}
			return nil
		},
	}
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStoreForMigrate()
			if err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
			defer st.Close()

			rows, err := st.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("read migration status: %w", err)
			}
			fmt.Printf("database is up to date (%d migrations)\n", len(rows))
			return nil
		},
	}
}
