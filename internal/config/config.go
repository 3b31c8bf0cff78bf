package config

import (
	"context"
	"os"
	"strings"
	"time"
)

// ListenerConfig holds the network settings for a single listener.
type ListenerConfig struct {
	Port              int
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the service.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	// In testing mode the X-User-ID / X-Client-ID headers are accepted.
	Mode string

	// Database
	DBURL string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// Datastore backend type: "postgres", "mongo", or "memory".
	DatastoreType string

	// Mongo database name (only used by the mongo backend).
	MongoDatabase string

	// Redis
	RedisURL string

	// Cache backend type: "redis", "ristretto", or "none".
	CacheType string

	// Memory entries cache TTL.
	CacheEpochTTL time.Duration

	// Vector store type: "" (disabled).
	VectorType string

	// Embedding type: "none".
	EmbedType string

	// EncryptionKey is the primary AES key for at-rest encryption of titles
	// and entry content. Hex or base64, 16/24/32 bytes. Empty disables
	// encryption.
	EncryptionKey string
	// EncryptionDecryptionKeys is a comma-separated list of legacy AES keys
	// kept for decryption only, supporting zero-downtime key rotation.
	EncryptionDecryptionKeys string

	// Server
	Listener           ListenerConfig
	ManagementListener ListenerConfig
	// ManagementListenerEnabled is true when a management port was explicitly
	// provided. When false, management endpoints are served on the main port.
	ManagementListenerEnabled bool
	CORSEnabled               bool

	// Graceful shutdown drain timeout (seconds).
	DrainTimeout int

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Eviction
	EvictionBatchSize  int
	EvictionBatchDelay int // milliseconds
	// EvictionRetention is how long soft-deleted groups and memberships are
	// kept before the sweeps hard-delete them.
	EvictionRetention time.Duration

	// Response resumer
	ResumerTempFileRetention time.Duration
	ResumerAdvertisedAddress string
	// ResumerRemoteAddress points at a remote recorder service. Empty keeps
	// recording local.
	ResumerRemoteAddress string
	// ResumerMaxRedirects bounds redirect-following when replaying from a
	// remote recorder.
	ResumerMaxRedirects int

	// Temporary file directory. Empty uses the platform default.
	TempDir string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                    ModeProd,
		DatastoreType:           "postgres",
		DatastoreMigrateAtStart: true,
		MongoDatabase:           "threadkeep",
		CacheType:               "none",
		CacheEpochTTL:           10 * time.Minute,
		EmbedType:               "none",
		Listener: ListenerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		DrainTimeout:             30,
		DBMaxOpenConns:           25,
		DBMaxIdleConns:           5,
		EvictionBatchSize:        1000,
		EvictionBatchDelay:       100,
		EvictionRetention:        30 * 24 * time.Hour,
		ResumerTempFileRetention: 30 * time.Minute,
		ResumerMaxRedirects:      1,
	}
}

// ResolvedTempDir returns the configured temp directory or the platform default.
func (c *Config) ResolvedTempDir() string {
	if c == nil {
		return os.TempDir()
	}
	if dir := strings.TrimSpace(c.TempDir); dir != "" {
		return dir
	}
	return os.TempDir()
}
