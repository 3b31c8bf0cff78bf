// Package serve boots the full service: HTTP and gRPC on a single port,
// the optional management listener, and the background loops.
package serve

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/threadkeep/threadkeep/internal/cache"
	"github.com/threadkeep/threadkeep/internal/config"
	"github.com/threadkeep/threadkeep/internal/repo"
	"github.com/urfave/cli/v3"

	// Register the storage and cache backends.
	_ "github.com/threadkeep/threadkeep/internal/repo/memory"
	_ "github.com/threadkeep/threadkeep/internal/repo/mongo"
	_ "github.com/threadkeep/threadkeep/internal/repo/postgres"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	// Environment overrides apply first so explicit flags still win.
	cfg := config.DefaultConfig()
	cfg.LoadEnv()
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the conversation service HTTP and gRPC servers",
		Flags: flags(&cfg),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.IsSet("management-port") {
				cfg.ManagementListenerEnabled = true
			}
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     cli.EnvVars("THREADKEEP_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP and gRPC server port",
		},
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Server:",
			Sources:     cli.EnvVars("THREADKEEP_MANAGEMENT_PORT"),
			Destination: &cfg.ManagementListener.Port,
			Usage:       "Dedicated port for health and metrics; when unset, served on the main port",
		},
		&cli.StringFlag{
			Name:        "mode",
			Category:    "Server:",
			Sources:     cli.EnvVars("THREADKEEP_MODE"),
			Destination: &cfg.Mode,
			Value:       cfg.Mode,
			Usage:       "Security mode (prod|testing)",
		},
		&cli.BoolFlag{
			Name:        "cors-enabled",
			Category:    "Server:",
			Sources:     cli.EnvVars("THREADKEEP_CORS_ENABLED"),
			Destination: &cfg.CORSEnabled,
			Usage:       "Enable permissive CORS headers",
		},
		&cli.StringFlag{
			Name:        "temp-dir",
			Category:    "Server:",
			Sources:     cli.EnvVars("THREADKEEP_TEMP_DIR"),
			Destination: &cfg.TempDir,
			Usage:       "Directory for temporary files; defaults to the OS temp directory",
		},
		&cli.IntFlag{
			Name:        "drain-timeout",
			Category:    "Server:",
			Sources:     cli.EnvVars("THREADKEEP_DRAIN_TIMEOUT"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Graceful shutdown drain timeout in seconds",
		},

		// ── Database ──────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("THREADKEEP_DATASTORE_TYPE"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Backend store (" + strings.Join(repo.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("THREADKEEP_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL",
		},
		&cli.StringFlag{
			Name:        "mongo-database",
			Category:    "Database:",
			Sources:     cli.EnvVars("THREADKEEP_MONGO_DATABASE"),
			Destination: &cfg.MongoDatabase,
			Value:       cfg.MongoDatabase,
			Usage:       "Mongo database name",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("THREADKEEP_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("THREADKEEP_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     cli.EnvVars("THREADKEEP_CACHE_TYPE"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Cache backend (" + strings.Join(cache.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Cache:",
			Sources:     cli.EnvVars("THREADKEEP_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL",
		},

		// ── Encryption ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "encryption-key",
			Category:    "Encryption:",
			Sources:     cli.EnvVars("THREADKEEP_ENCRYPTION_KEY"),
			Destination: &cfg.EncryptionKey,
			Usage:       "At-rest encryption key (hex or base64, 16/24/32 bytes)",
		},
		&cli.StringFlag{
			Name:        "encryption-decryption-keys",
			Category:    "Encryption:",
			Sources:     cli.EnvVars("THREADKEEP_ENCRYPTION_DECRYPTION_KEYS"),
			Destination: &cfg.EncryptionDecryptionKeys,
			Usage:       "Comma-separated legacy keys kept for decryption during rotation",
		},

		// ── Response Resumer ──────────────────────────────────────
		&cli.StringFlag{
			Name:        "advertised-address",
			Category:    "Response Resumer:",
			Sources:     cli.EnvVars("THREADKEEP_RESUMER_ADVERTISED_ADDRESS"),
			Destination: &cfg.ResumerAdvertisedAddress,
			Usage:       "Advertised host:port other instances use for replay redirects",
		},
		&cli.StringFlag{
			Name:        "resumer-remote-address",
			Category:    "Response Resumer:",
			Sources:     cli.EnvVars("THREADKEEP_RESUMER_REMOTE_ADDRESS"),
			Destination: &cfg.ResumerRemoteAddress,
			Usage:       "Record and replay through a remote instance instead of local temp files",
		},
		&cli.IntFlag{
			Name:        "resumer-max-redirects",
			Category:    "Response Resumer:",
			Sources:     cli.EnvVars("THREADKEEP_RESUMER_MAX_REDIRECTS"),
			Destination: &cfg.ResumerMaxRedirects,
			Value:       cfg.ResumerMaxRedirects,
			Usage:       "Redirect-following bound when replaying from a remote recorder",
		},

		// ── Eviction ──────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "eviction-batch-size",
			Category:    "Eviction:",
			Sources:     cli.EnvVars("THREADKEEP_EVICTION_BATCH_SIZE"),
			Destination: &cfg.EvictionBatchSize,
			Value:       cfg.EvictionBatchSize,
			Usage:       "Groups hard-deleted per eviction batch",
		},
		&cli.IntFlag{
			Name:        "eviction-batch-delay",
			Category:    "Eviction:",
			Sources:     cli.EnvVars("THREADKEEP_EVICTION_BATCH_DELAY"),
			Destination: &cfg.EvictionBatchDelay,
			Value:       cfg.EvictionBatchDelay,
			Usage:       "Delay between eviction batches in milliseconds",
		},

		// ── Semantic Search ───────────────────────────────────────
		&cli.StringFlag{
			Name:        "vector-kind",
			Category:    "Semantic Search:",
			Sources:     cli.EnvVars("THREADKEEP_VECTOR_TYPE"),
			Destination: &cfg.VectorType,
			Usage:       "Vector store backend; empty disables semantic indexing",
		},
		&cli.StringFlag{
			Name:        "embedding-kind",
			Category:    "Semantic Search:",
			Sources:     cli.EnvVars("THREADKEEP_EMBED_TYPE"),
			Destination: &cfg.EmbedType,
			Value:       cfg.EmbedType,
			Usage:       "Embedding provider (none disables semantic indexing)",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}
