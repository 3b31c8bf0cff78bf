package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadEnv applies THREADKEEP_* environment overrides on top of the config.
func (c *Config) LoadEnv() {
	setString(&c.Mode, "THREADKEEP_MODE")
	setString(&c.DBURL, "THREADKEEP_DB_URL")
	setString(&c.DatastoreType, "THREADKEEP_DATASTORE_TYPE")
	setBool(&c.DatastoreMigrateAtStart, "THREADKEEP_DATASTORE_MIGRATE_AT_START")
	setString(&c.MongoDatabase, "THREADKEEP_MONGO_DATABASE")
	setString(&c.RedisURL, "THREADKEEP_REDIS_URL")
	setString(&c.CacheType, "THREADKEEP_CACHE_TYPE")
	setDuration(&c.CacheEpochTTL, "THREADKEEP_CACHE_EPOCH_TTL")
	setString(&c.VectorType, "THREADKEEP_VECTOR_TYPE")
	setString(&c.EmbedType, "THREADKEEP_EMBED_TYPE")
	setString(&c.EncryptionKey, "THREADKEEP_ENCRYPTION_KEY")
	setString(&c.EncryptionDecryptionKeys, "THREADKEEP_ENCRYPTION_DECRYPTION_KEYS")
	setInt(&c.Listener.Port, "THREADKEEP_PORT")
	if setInt(&c.ManagementListener.Port, "THREADKEEP_MANAGEMENT_PORT") {
		c.ManagementListenerEnabled = true
	}
	setBool(&c.CORSEnabled, "THREADKEEP_CORS_ENABLED")
	setInt(&c.DrainTimeout, "THREADKEEP_DRAIN_TIMEOUT")
	setInt(&c.DBMaxOpenConns, "THREADKEEP_DB_MAX_OPEN_CONNS")
	setInt(&c.DBMaxIdleConns, "THREADKEEP_DB_MAX_IDLE_CONNS")
	setInt(&c.EvictionBatchSize, "THREADKEEP_EVICTION_BATCH_SIZE")
	setInt(&c.EvictionBatchDelay, "THREADKEEP_EVICTION_BATCH_DELAY")
	setDuration(&c.EvictionRetention, "THREADKEEP_EVICTION_RETENTION")
	setDuration(&c.ResumerTempFileRetention, "THREADKEEP_RESUMER_TEMP_FILE_RETENTION")
	setString(&c.ResumerAdvertisedAddress, "THREADKEEP_RESUMER_ADVERTISED_ADDRESS")
	setString(&c.ResumerRemoteAddress, "THREADKEEP_RESUMER_REMOTE_ADDRESS")
	setInt(&c.ResumerMaxRedirects, "THREADKEEP_RESUMER_MAX_REDIRECTS")
	setString(&c.TempDir, "THREADKEEP_TEMP_DIR")
}

func setString(dst *string, key string) bool {
	if v, ok := os.LookupEnv(key); ok {
		*dst = strings.TrimSpace(v)
		return true
	}
	return false
}

func setInt(dst *int, key string) bool {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
			return true
		}
	}
	return false
}

func setBool(dst *bool, key string) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
			return true
		}
	}
	return false
}

func setDuration(dst *time.Duration, key string) bool {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			*dst = d
			return true
		}
	}
	return false
}
