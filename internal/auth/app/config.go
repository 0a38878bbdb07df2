package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aussiebroadwan/authcore/pkg/cryptox"
	"github.com/spf13/viper"
)

// Storage backends selectable through config.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	RefreshStoreSQL   = "sql"
	RefreshStoreRedis = "redis"
)

type Config struct {
	Issuer    string        // Issuer claim for tokens (default: authcore)
	Audience  []string      // Optional: audience claim, comma separated in env
	AccessTTL time.Duration // Access token lifetime (default: 15m)
	Leeway    time.Duration // Clock skew tolerated when verifying (default: 30s)

	Algorithm        string        // JWT signing algorithm (RS256, ES256, EdDSA) (default: EdDSA)
	RSABits          int           // RSA key size for RS256 (default: 3072, min: 2048)
	GracePeriods     int           // Periods a retired key stays verifiable (default: 1)
	KeyDir           string        // Directory holding signing keys (default: ./keys)
	MasterKeyFile    string        // Optional: file with the key sealing master key
	KeyCacheTTL      time.Duration // How long a loaded key is served before re-reading (default: 1h)
	RotationInterval time.Duration // How often the current key is checked (default: 24h)
	KeyPurgeAfter    int           // Periods past retirement before key files are deleted, 0 keeps them (default: 0)

	DatabaseDriver string // sqlite or postgres (default: sqlite)
	DatabaseFile   string // SQLite database file (default: ./auth.db)
	DatabaseURL    string // Postgres DSN, required for the postgres driver

	RefreshStore   string        // sql or redis (default: sql)
	RedisAddr      string        // host:port, required for the redis refresh store
	RedisPassword  string        // Optional
	RedisDB        int           // Redis logical database (default: 0)
	RedisPrefix    string        // Key prefix (default: authcore)
	RefreshTTL     time.Duration // Refresh token lifetime (default: 720h)
	StorageTimeout time.Duration // Deadline for each refresh storage call (default: 5s)

	AuditBufferSize  int // Audit queue capacity (default: 1024)
	AuditMaxAttempts int // Audit write attempts before giving up (default: 3)

	CleanupInterval  time.Duration // Housekeeping interval (default: 1h)
	RefreshRetention time.Duration // Keep expired refresh records this long (default: 168h)
	AuditRetention   time.Duration // Keep audit entries this long, 0 keeps them forever (default: 0)

	MQTTBroker      string // Optional: enables key rotation notifications, e.g. tcp://mqtt:1883
	MQTTClientID    string // default: authcore-<hostname>
	MQTTUsername    string // Optional
	MQTTPassword    string // Optional
	MQTTTopicPrefix string // default: authcore
	JWKSURL         string // Optional: public JWKS URL advertised in notifications

	OTLPEndpoint string // Optional: OTLP gRPC collector
	OTLPInsecure bool   // Force plaintext to the collector

	JWKSRateLimit int // JWKS requests per minute per IP (default: 1000)

	Env                 string        // Environment (dev, staging, prod) (default: dev)
	LogLevel            string        // Log level (debug, info, warn, error) (default: info)
	LogFormat           string        // Log format (json, text) (default: json)
	Port                int           // HTTP server port (default: 8080)
	ShutdownGracePeriod time.Duration // Graceful shutdown timeout (default: 10s)
}

// LoadConfig reads configuration from the environment and, when
// AUTH_CONFIG_FILE is set, from that file (any format viper understands).
// Environment variables win over the file.
func LoadConfig() (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if file := os.Getenv("AUTH_CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	var errs []error
	dur := func(key string) time.Duration {
		d, err := parseDuration(v.GetString(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
		}
		return d
	}

	cfg := Config{
		Issuer:    v.GetString("AUTH_ISSUER"),
		Audience:  splitList(v.GetString("AUTH_AUDIENCE")),
		AccessTTL: dur("AUTH_ACCESS_TTL"),
		Leeway:    dur("AUTH_CLOCK_LEEWAY"),

		Algorithm:        v.GetString("AUTH_ALGORITHM"),
		RSABits:          v.GetInt("AUTH_RSA_BITS"),
		GracePeriods:     v.GetInt("AUTH_GRACE_PERIODS"),
		KeyDir:           v.GetString("AUTH_KEY_DIR"),
		MasterKeyFile:    v.GetString("AUTH_MASTER_KEY_FILE"),
		KeyCacheTTL:      dur("AUTH_KEY_CACHE_TTL"),
		RotationInterval: dur("AUTH_ROTATION_INTERVAL"),
		KeyPurgeAfter:    v.GetInt("AUTH_KEY_PURGE_AFTER"),

		DatabaseDriver: strings.ToLower(v.GetString("AUTH_DATABASE_DRIVER")),
		DatabaseFile:   v.GetString("AUTH_DATABASE_FILE"),
		DatabaseURL:    v.GetString("AUTH_DATABASE_URL"),

		RefreshStore:   strings.ToLower(v.GetString("AUTH_REFRESH_STORE")),
		RedisAddr:      v.GetString("AUTH_REDIS_ADDR"),
		RedisPassword:  v.GetString("AUTH_REDIS_PASSWORD"),
		RedisDB:        v.GetInt("AUTH_REDIS_DB"),
		RedisPrefix:    v.GetString("AUTH_REDIS_PREFIX"),
		RefreshTTL:     dur("AUTH_REFRESH_TTL"),
		StorageTimeout: dur("AUTH_STORAGE_TIMEOUT"),

		AuditBufferSize:  v.GetInt("AUTH_AUDIT_BUFFER"),
		AuditMaxAttempts: v.GetInt("AUTH_AUDIT_MAX_ATTEMPTS"),

		CleanupInterval:  dur("AUTH_CLEANUP_INTERVAL"),
		RefreshRetention: dur("AUTH_REFRESH_RETENTION"),
		AuditRetention:   dur("AUTH_AUDIT_RETENTION"),

		MQTTBroker:      v.GetString("AUTH_MQTT_BROKER"),
		MQTTClientID:    v.GetString("AUTH_MQTT_CLIENT_ID"),
		MQTTUsername:    v.GetString("AUTH_MQTT_USERNAME"),
		MQTTPassword:    v.GetString("AUTH_MQTT_PASSWORD"),
		MQTTTopicPrefix: v.GetString("AUTH_MQTT_TOPIC_PREFIX"),
		JWKSURL:         v.GetString("AUTH_JWKS_URL"),

		OTLPEndpoint: v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure: v.GetBool("OTEL_EXPORTER_OTLP_INSECURE"),

		JWKSRateLimit: v.GetInt("AUTH_JWKS_RATE_LIMIT"),

		Env:                 v.GetString("ENV"),
		LogLevel:            v.GetString("LOG_LEVEL"),
		LogFormat:           v.GetString("LOG_FORMAT"),
		Port:                v.GetInt("PORT"),
		ShutdownGracePeriod: dur("SHUTDOWN_GRACE_PERIOD"),
	}

	if cfg.MQTTClientID == "" {
		host, _ := os.Hostname()
		cfg.MQTTClientID = "authcore-" + host
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("AUTH_ISSUER", "authcore")
	v.SetDefault("AUTH_ACCESS_TTL", "15m")
	v.SetDefault("AUTH_CLOCK_LEEWAY", "30s")

	v.SetDefault("AUTH_ALGORITHM", cryptox.AlgEdDSA)
	v.SetDefault("AUTH_RSA_BITS", 3072)
	v.SetDefault("AUTH_GRACE_PERIODS", 1)
	v.SetDefault("AUTH_KEY_DIR", "keys")
	v.SetDefault("AUTH_KEY_CACHE_TTL", "1h")
	v.SetDefault("AUTH_ROTATION_INTERVAL", "24h")
	v.SetDefault("AUTH_KEY_PURGE_AFTER", 0)

	v.SetDefault("AUTH_DATABASE_DRIVER", DriverSQLite)
	v.SetDefault("AUTH_DATABASE_FILE", "auth.db")

	v.SetDefault("AUTH_REFRESH_STORE", RefreshStoreSQL)
	v.SetDefault("AUTH_REDIS_DB", 0)
	v.SetDefault("AUTH_REDIS_PREFIX", "authcore")
	v.SetDefault("AUTH_REFRESH_TTL", "720h")
	v.SetDefault("AUTH_STORAGE_TIMEOUT", "5s")

	v.SetDefault("AUTH_AUDIT_BUFFER", 1024)
	v.SetDefault("AUTH_AUDIT_MAX_ATTEMPTS", 3)

	v.SetDefault("AUTH_CLEANUP_INTERVAL", "1h")
	v.SetDefault("AUTH_REFRESH_RETENTION", "168h")
	v.SetDefault("AUTH_AUDIT_RETENTION", "0")

	v.SetDefault("AUTH_MQTT_TOPIC_PREFIX", "authcore")

	v.SetDefault("AUTH_JWKS_RATE_LIMIT", 1000)

	v.SetDefault("ENV", "dev")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("PORT", 8080)
	v.SetDefault("SHUTDOWN_GRACE_PERIOD", "10s")
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("config: "+format, args...))
	}

	switch c.Algorithm {
	case cryptox.AlgEdDSA, cryptox.AlgES256:
	case cryptox.AlgRS256:
		if c.RSABits < 2048 {
			fail("AUTH_RSA_BITS must be at least 2048, got %d", c.RSABits)
		}
	default:
		fail("AUTH_ALGORITHM %q is not one of EdDSA, ES256, RS256", c.Algorithm)
	}

	if c.GracePeriods < 0 {
		fail("AUTH_GRACE_PERIODS must not be negative")
	}
	if c.KeyPurgeAfter < 0 {
		fail("AUTH_KEY_PURGE_AFTER must not be negative")
	}
	if c.KeyDir == "" {
		fail("AUTH_KEY_DIR must be set")
	}
	if c.AccessTTL < time.Second {
		fail("AUTH_ACCESS_TTL must be at least 1s")
	}
	if c.RefreshTTL < time.Second {
		fail("AUTH_REFRESH_TTL must be at least 1s")
	}
	if c.StorageTimeout <= 0 {
		fail("AUTH_STORAGE_TIMEOUT must be positive")
	}
	if c.AuditRetention < 0 || c.RefreshRetention < 0 {
		fail("retention periods must not be negative")
	}

	switch c.DatabaseDriver {
	case DriverSQLite:
		if c.DatabaseFile == "" {
			fail("AUTH_DATABASE_FILE must be set for the sqlite driver")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			fail("AUTH_DATABASE_URL must be set for the postgres driver")
		}
	default:
		fail("AUTH_DATABASE_DRIVER %q is not one of sqlite, postgres", c.DatabaseDriver)
	}

	switch c.RefreshStore {
	case RefreshStoreSQL:
	case RefreshStoreRedis:
		if c.RedisAddr == "" {
			fail("AUTH_REDIS_ADDR must be set for the redis refresh store")
		}
	default:
		fail("AUTH_REFRESH_STORE %q is not one of sql, redis", c.RefreshStore)
	}

	if c.Port < 0 || c.Port > 65535 {
		fail("PORT %d is out of range", c.Port)
	}

	return errors.Join(errs...)
}

// parseDuration accepts Go duration syntax ("90s", "1h30m") or a bare
// integer, read as minutes.
func parseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	if d, err := time.ParseDuration(value); err == nil {
		return d, nil
	}

	minutes, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	return time.Duration(minutes) * time.Minute, nil
}

func splitList(value string) []string {
	var out []string
	for part := range strings.SplitSeq(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
