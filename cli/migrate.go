package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/D-Astudillo-ASC/collaborative-editor/common"
	"github.com/D-Astudillo-ASC/collaborative-editor/config"
	"github.com/D-Astudillo-ASC/collaborative-editor/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		common.ConfigureLogger(cfg.Logging.Level, cfg.Logging.Format)

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		database, err := db.Open(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer database.Close()

		if err := db.Migrate(ctx, database); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		common.Logger.Info("migrations applied")
		return nil
	},
}
