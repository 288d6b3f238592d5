package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// Config carries every tunable the service reads at startup.
type Config struct {
	Port           int
	StoragePath    string
	MaxUploadBytes int64
	Quality        int
	DatabaseDSN    string
	RedisAddr      string
	RedisDB        int
}

// Load reads the already initialized viper instance into a Config, applying
// defaults for anything the file leaves out.
func Load() (*Config, error) {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.max_upload_bytes", 100*1024*1024)
	viper.SetDefault("storage.base_path", "data/sessions")
	viper.SetDefault("convert.quality", 80)
	viper.SetDefault("redis.db", 0)

	cfg := &Config{
		Port:           viper.GetInt("server.port"),
		StoragePath:    viper.GetString("storage.base_path"),
		MaxUploadBytes: viper.GetInt64("server.max_upload_bytes"),
		Quality:        viper.GetInt("convert.quality"),
		RedisAddr:      viper.GetString("redis.addr"),
		RedisDB:        viper.GetInt("redis.db"),
	}

	cfg.DatabaseDSN = viper.GetString("database.dsn")
	if cfg.DatabaseDSN == "" {
		cfg.DatabaseDSN = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			viper.GetString("database.user"),
			viper.GetString("database.password"),
			viper.GetString("database.host"),
			viper.GetInt("database.port"),
			viper.GetString("database.name"),
			viper.GetString("database.ssl_mode"))
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}

	return cfg, nil
}

// NewDBPool opens a pgx connection pool for the given DSN.
func NewDBPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MaxConnLifetime = 30 * time.Minute

	return pgxpool.NewWithConfig(ctx, poolCfg)
}

// NewRedis builds the cache client.
func NewRedis(addr string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
}
