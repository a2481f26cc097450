package cli

import (
	"fmt"

	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/database"
)

// MigrateCmd returns the migrate command
func MigrateCmd() *cobra.Command {
	var (
		version uint
		force   int
		down    int
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back history store migrations",
		Long: `Apply the postgres migrations in DB_MIGRATION_FOLDER_PATH.

With --down N the last N migrations are rolled back instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseDriver != config.DriverPostgres {
				return fmt.Errorf("migrations require DB_DRIVER=%s", config.DriverPostgres)
			}

			logger, flush, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer flush()

			app := newApp(cfg, logger)
			if err := app.OpenStore(cmd.Context()); err != nil {
				return err
			}
			defer app.Close()

			service, driver, err := migrationService(cfg, app, version, force)
			if err != nil {
				return err
			}
			if down > 0 {
				return service.Rollback(cfg.DatabaseName, driver, down)
			}
			return service.Migrate(cfg.DatabaseName, driver)
		},
	}

	cmd.Flags().UintVar(&version, "version", 0, "migrate to this version instead of the latest")
	cmd.Flags().IntVar(&force, "force", 0, "force the schema version before migrating")
	cmd.Flags().IntVar(&down, "down", 0, "roll back this many migrations")
	return cmd
}

func migrationService(cfg *config.Config, app *App, version uint, force int) (*database.MigrationService, migratedb.Driver, error) {
	driver, err := postgres.WithInstance(app.DB.Unwrap().DB, &postgres.Config{})
	if err != nil {
		return nil, nil, fmt.Errorf("create migration driver: %w", err)
	}

	service := database.NewMigrationService(app.Logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             version,
		Force:               force,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	})
	return service, driver, nil
}

func migrateUp(cfg *config.Config, app *App) error {
	service, driver, err := migrationService(cfg, app, 0, 0)
	if err != nil {
		return err
	}
	return service.Migrate(cfg.DatabaseName, driver)
}
