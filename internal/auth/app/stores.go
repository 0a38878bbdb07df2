package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/authcore/internal/auth/keystore"
	"github.com/aussiebroadwan/authcore/internal/auth/store"
	"github.com/aussiebroadwan/authcore/internal/auth/store/drivers/postgres"
	redisstore "github.com/aussiebroadwan/authcore/internal/auth/store/drivers/redis"
	"github.com/aussiebroadwan/authcore/internal/auth/store/drivers/sqlite"
	"github.com/aussiebroadwan/authcore/pkg/cryptox"
	goredis "github.com/redis/go-redis/v9"
)

// masterKeyEnv is read when no master key file is configured.
const masterKeyEnv = "AUTH_MASTER_KEY"

const connectTimeout = 10 * time.Second

// openKeystore opens the signing key directory. Private keys are sealed
// when a master key is available. Outside dev a master key is required.
func openKeystore(cfg Config, logger *slog.Logger) (*keystore.Keystore, error) {
	opts := []keystore.Option{keystore.WithLogger(logger)}

	master, err := cryptox.LoadMasterKey(cfg.MasterKeyFile, masterKeyEnv)
	switch {
	case errors.Is(err, cryptox.ErrNoMasterKey):
		if cfg.Env != "dev" {
			return nil, fmt.Errorf("no master key configured: set AUTH_MASTER_KEY_FILE or %s", masterKeyEnv)
		}
		logger.Warn("no master key configured, signing keys are stored unsealed", "dir", cfg.KeyDir)
	case err != nil:
		return nil, fmt.Errorf("failed to load master key: %w", err)
	default:
		sealer, err := cryptox.NewSealer(master)
		if err != nil {
			return nil, err
		}
		opts = append(opts, keystore.WithSealer(sealer))
	}

	ks, err := keystore.Open(cfg.KeyDir, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open keystore: %w", err)
	}
	logger.Info("keystore opened", "dir", ks.Dir(), "sealed", ks.Sealed())
	return ks, nil
}

// openDatabase connects the relational store and applies migrations.
func openDatabase(ctx context.Context, cfg Config, logger *slog.Logger) (store.Store, error) {
	var (
		db  store.Store
		err error
	)

	switch cfg.DatabaseDriver {
	case DriverPostgres:
		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		db, err = postgres.NewStore(ctx, cfg.DatabaseURL)
	default:
		db, err = sqlite.NewStore(sqlite.DSN(cfg.DatabaseFile))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}

	logger.Info("database migrations applied successfully", "driver", cfg.DatabaseDriver)
	return db, nil
}

// openRedis connects the redis refresh token store.
func openRedis(ctx context.Context, cfg Config, logger *slog.Logger) (*redisstore.Store, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	rs := redisstore.NewStore(rdb, cfg.RedisPrefix)

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := rs.Ping(ctx); err != nil {
		_ = rs.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}

	logger.Info("refresh tokens stored in redis", "addr", cfg.RedisAddr, "prefix", cfg.RedisPrefix)
	return rs, nil
}
