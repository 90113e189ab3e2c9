package cli

import (
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/casehawk/internal/repository"
	"github.com/telhawk-systems/casehawk/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, task workers and claim sweeper",
	Example: `  casehawk serve
  casehawk serve --api=false          # workers only
  casehawk serve --workers=false --addr :9090`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if migrate, _ := cmd.Flags().GetBool("migrate"); migrate {
			if err := repository.Migrate(a.Config.Database, a.Logger.Logger); err != nil {
				return err
			}
		}

		opts := service.Options{}
		opts.API, _ = cmd.Flags().GetBool("api")
		opts.Workers, _ = cmd.Flags().GetBool("workers")
		opts.Sweeper, _ = cmd.Flags().GetBool("sweeper")
		opts.Addr, _ = cmd.Flags().GetString("addr")
		return service.Run(ctx, a, opts)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)

		if down, _ := cmd.Flags().GetBool("down"); down {
			if err := repository.MigrateDown(cfg.Database, logger.Logger); err != nil {
				return err
			}
			Success("rolled back all migrations (%s)", cfg.Database.Driver)
			return nil
		}
		if err := repository.Migrate(cfg.Database, logger.Logger); err != nil {
			return err
		}
		Success("migrations applied (%s)", cfg.Database.Driver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)

	serveCmd.Flags().Bool("api", true, "serve the HTTP API")
	serveCmd.Flags().Bool("workers", true, "consume tasks from the queue")
	serveCmd.Flags().Bool("sweeper", true, "release stale task claims periodically")
	serveCmd.Flags().Bool("migrate", false, "apply database migrations before starting")
	serveCmd.Flags().String("addr", "", "listen address (default :server.port)")

	migrateCmd.Flags().Bool("down", false, "roll back every migration")
}
