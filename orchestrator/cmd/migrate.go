package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/animus-labs/animus-deploy/internal/platform/postgres"
	repopg "github.com/animus-labs/animus-deploy/internal/repo/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long:  `Apply the embedded schema migrations to the database named by DATABASE_URL.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := postgres.ConfigFromEnv()
		if err != nil {
			return fmt.Errorf("invalid database config: %w", err)
		}
		db, err := postgres.Open(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		version, err := repopg.Migrate(cmd.Context(), db)
		if err != nil {
			return err
		}
		logger.Info("schema migrated", "version", version)
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
		return err
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
