package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/noah-isme/schoolhub-participation/internal/database"
)

// Config holds runtime configuration values for the participation service.
type Config struct {
	AppName              string
	AppEnv               string
	AppPort              string
	DatabaseURL          string
	RedisURL             string
	NATSURL              string
	JWTSecret            string
	FeedChannel          string
	AdmissionLockTTL     time.Duration
	AdmissionWaitTimeout time.Duration
	ReconcileSchedule    string
	SubmitRateLimit      int
	SubmitRateWindow     time.Duration
	CORSAllowOrigins     string
	DBMaxOpenConns       int
	DBMaxIdleConns       int
	DBConnMaxLifetime    time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// PoolOptions returns the connection pool limits for the primary database.
func (c Config) PoolOptions() database.PoolOptions {
	return database.PoolOptions{
		MaxOpenConns:    c.DBMaxOpenConns,
		MaxIdleConns:    c.DBMaxIdleConns,
		ConnMaxLifetime: c.DBConnMaxLifetime,
	}
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("SCHOOLHUB")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "SchoolHub Participation API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("feed.channel", "schoolhub:participation")
	v.SetDefault("admission.lock_ttl", "10s")
	v.SetDefault("admission.wait_timeout", "3s")
	v.SetDefault("reconcile.schedule", "@every 15m")
	v.SetDefault("ratelimit.submit_max", 10)
	v.SetDefault("ratelimit.submit_window", "1m")
	v.SetDefault("cors.allow_origins", "*")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	lockTTL, err := parseDuration(v.GetString("admission.lock_ttl"), 10*time.Second)
	if err != nil {
		return Config{}, fmt.Errorf("invalid admission lock ttl: %w", err)
	}

	waitTimeout, err := parseDuration(v.GetString("admission.wait_timeout"), 3*time.Second)
	if err != nil {
		return Config{}, fmt.Errorf("invalid admission wait timeout: %w", err)
	}

	submitWindow, err := parseDuration(v.GetString("ratelimit.submit_window"), time.Minute)
	if err != nil {
		return Config{}, fmt.Errorf("invalid submit rate window: %w", err)
	}

	connLifetime, err := parseDuration(v.GetString("database.conn_max_lifetime"), 30*time.Minute)
	if err != nil {
		return Config{}, fmt.Errorf("invalid database connection lifetime: %w", err)
	}

	cfg := Config{
		AppName:              v.GetString("app.name"),
		AppEnv:               v.GetString("app.env"),
		AppPort:              v.GetString("app.port"),
		DatabaseURL:          v.GetString("database.url"),
		RedisURL:             v.GetString("redis.url"),
		NATSURL:              v.GetString("nats.url"),
		JWTSecret:            v.GetString("jwt.secret"),
		FeedChannel:          v.GetString("feed.channel"),
		AdmissionLockTTL:     lockTTL,
		AdmissionWaitTimeout: waitTimeout,
		ReconcileSchedule:    strings.TrimSpace(v.GetString("reconcile.schedule")),
		SubmitRateLimit:      v.GetInt("ratelimit.submit_max"),
		SubmitRateWindow:     submitWindow,
		CORSAllowOrigins:     strings.TrimSpace(v.GetString("cors.allow_origins")),
		DBMaxOpenConns:       v.GetInt("database.max_open_conns"),
		DBMaxIdleConns:       v.GetInt("database.max_idle_conns"),
		DBConnMaxLifetime:    connLifetime,
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.SubmitRateLimit <= 0 {
		cfg.SubmitRateLimit = 10
	}

	if cfg.CORSAllowOrigins == "" {
		cfg.CORSAllowOrigins = "*"
	}

	if cfg.DBMaxIdleConns > cfg.DBMaxOpenConns && cfg.DBMaxOpenConns > 0 {
		cfg.DBMaxIdleConns = cfg.DBMaxOpenConns
	}

	if cfg.ReconcileSchedule == "" {
		cfg.ReconcileSchedule = "@every 15m"
	}

	return cfg, nil
}

func parseDuration(raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if parsed <= 0 {
		return fallback, nil
	}

	return parsed, nil
}
