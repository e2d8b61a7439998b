package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/liamcoop/trackerrules/config"
	"github.com/liamcoop/trackerrules/internal/logger"
)

type options struct {
	databaseURL    string
	migrationsPath string
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the rules database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.LoggerOptions()); err != nil {
				logger.Warn("Logger configuration problem", "error", err)
			}

			if opts.databaseURL == "" {
				opts.databaseURL = cfg.DatabaseURL
			}
			if opts.migrationsPath == "" {
				opts.migrationsPath = cfg.MigrationsPath
			}
			if opts.databaseURL == "" {
				return errors.New("database URL is required: use --database or DATABASE_URL")
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.databaseURL, "database", "", "database URL (default $DATABASE_URL)")
	cmd.PersistentFlags().StringVar(&opts.migrationsPath, "path", "", "migrations directory (default $MIGRATIONS_PATH or migrations)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrate(opts, runUp)
			},
		},
		&cobra.Command{
			Use:   "down [steps]",
			Short: "Roll back all migrations, or the given number of steps",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				steps := 0
				if len(args) == 1 {
					n, err := parsePositive(args[0])
					if err != nil {
						return err
					}
					steps = n
				}
				return withMigrate(opts, func(m *migrate.Migrate) error { return runDown(m, steps) })
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrate(opts, runVersion)
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Set the schema version without running migrations",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version number: %w", err)
				}
				return withMigrate(opts, func(m *migrate.Migrate) error { return runForce(m, version) })
			},
		},
	)

	return cmd
}

func parsePositive(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("steps must be a positive number, got %q", s)
	}
	return n, nil
}

func withMigrate(opts *options, run func(*migrate.Migrate) error) error {
	logger.Info("Connecting to database", "migrations_path", opts.migrationsPath)

	m, err := migrate.New("file://"+opts.migrationsPath, opts.databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	defer m.Close()

	return run(m)
}

func runUp(m *migrate.Migrate) error {
	logger.Info("Running migrations up")
	err := m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("No migrations to run, database is up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info("Migrations completed")
	return nil
}

// runDown rolls back steps migrations, or all of them when steps is 0
func runDown(m *migrate.Migrate, steps int) error {
	logger.Info("Rolling back migrations", "steps", steps)
	var err error
	if steps > 0 {
		err = m.Steps(-steps)
	} else {
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}
	logger.Info("Rollback completed")
	return nil
}

func runVersion(m *migrate.Migrate) error {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		logger.Info("No migrations applied")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}
	logger.Info("Current version", "version", version, "dirty", dirty)
	return nil
}

func runForce(m *migrate.Migrate, version int) error {
	if err := m.Force(version); err != nil {
		return fmt.Errorf("failed to force version: %w", err)
	}
	logger.Info("Forced version", "version", version)
	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logger.Fatal("Migration failed", "error", err)
	}
}
