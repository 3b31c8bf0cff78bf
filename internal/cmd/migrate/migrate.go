// Package migrate runs datastore schema migrations and exits.
package migrate

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/threadkeep/threadkeep/internal/config"
	"github.com/threadkeep/threadkeep/internal/repo"
	"github.com/urfave/cli/v3"

	// Register the storage backends; their loaders run migrations.
	_ "github.com/threadkeep/threadkeep/internal/repo/memory"
	_ "github.com/threadkeep/threadkeep/internal/repo/mongo"
	_ "github.com/threadkeep/threadkeep/internal/repo/postgres"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run datastore migrations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "db-url",
				Sources:  cli.EnvVars("THREADKEEP_DB_URL"),
				Usage:    "Database connection URL",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "db-kind",
				Sources: cli.EnvVars("THREADKEEP_DATASTORE_TYPE"),
				Usage:   "Backend store (postgres|mongo)",
				Value:   "postgres",
			},
			&cli.StringFlag{
				Name:    "mongo-database",
				Sources: cli.EnvVars("THREADKEEP_MONGO_DATABASE"),
				Usage:   "Mongo database name",
				Value:   "threadkeep",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.DefaultConfig()
			cfg.DBURL = cmd.String("db-url")
			cfg.DatastoreType = cmd.String("db-kind")
			cfg.MongoDatabase = cmd.String("mongo-database")
			cfg.DatastoreMigrateAtStart = true
			ctx = config.WithContext(ctx, &cfg)

			loader, err := repo.Select(cfg.DatastoreType)
			if err != nil {
				return err
			}
			log.Info("Running migrations...", "db", cfg.DatastoreType)
			if _, err := loader(ctx); err != nil {
				return err
			}
			log.Info("All migrations completed successfully")
			return nil
		},
	}
}
