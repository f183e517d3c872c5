package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Addr string
}

type GRPCConfig struct {
	Addr string
}

type StoreConfig struct {
	DatabaseURL string
	SQLitePath  string
}

type AppConfig struct {
	ServiceName string
	Env         string
	LogLevel    string
	HTTP        HTTPConfig
	GRPC        GRPCConfig
	Store       StoreConfig

	RedisDSN       string
	NATSURL        string
	JWTSecret      string
	OTLPEndpoint   string
	CORSOrigins    string
	MaxAttempts    int
	IdempotencyTTL time.Duration

	// IdempotencyLease is how long a claimed command blocks redeliveries.
	IdempotencyLease time.Duration
}

// IsProd reports whether APP_ENV names a production deployment.
func (c AppConfig) IsProd() bool {
	return c.Env == "prod" || c.Env == "production"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("APP_ENV", "dev")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("ENGINE_MAX_ATTEMPTS", 3)
	v.SetDefault("IDEMPOTENCY_TTL", "24h")
	v.SetDefault("IDEMPOTENCY_LEASE", "1m")
}

var keys = []string{
	"SERVICE_NAME", "LOG_LEVEL", "APP_ENV", "HTTP_ADDR", "GRPC_ADDR",
	"DATABASE_URL", "SQLITE_PATH", "REDIS_DSN", "NATS_URL", "JWT_SECRET",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "CORS_ALLOWED_ORIGINS",
	"ENGINE_MAX_ATTEMPTS", "IDEMPOTENCY_TTL", "IDEMPOTENCY_LEASE",
}

// Load reads configuration from the environment. When CONFIG_FILE points at a
// YAML file its values are used for keys the environment leaves unset.
func Load() (AppConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	if path := strings.TrimSpace(v.GetString("CONFIG_FILE")); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return AppConfig{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (AppConfig, error) {
	str := func(k string) string { return strings.TrimSpace(v.GetString(k)) }

	cfg := AppConfig{
		ServiceName:  str("SERVICE_NAME"),
		Env:          strings.ToLower(str("APP_ENV")),
		LogLevel:     str("LOG_LEVEL"),
		HTTP:         HTTPConfig{Addr: str("HTTP_ADDR")},
		GRPC:         GRPCConfig{Addr: str("GRPC_ADDR")},
		Store:        StoreConfig{DatabaseURL: str("DATABASE_URL"), SQLitePath: str("SQLITE_PATH")},
		RedisDSN:     str("REDIS_DSN"),
		NATSURL:      str("NATS_URL"),
		JWTSecret:    str("JWT_SECRET"),
		OTLPEndpoint: str("OTEL_EXPORTER_OTLP_ENDPOINT"),
		CORSOrigins:  str("CORS_ALLOWED_ORIGINS"),
		MaxAttempts:  v.GetInt("ENGINE_MAX_ATTEMPTS"),
	}
	if cfg.ServiceName == "" {
		return AppConfig{}, errors.New("SERVICE_NAME is required")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxAttempts < 1 {
		return AppConfig{}, fmt.Errorf("ENGINE_MAX_ATTEMPTS must be >= 1, got %d", cfg.MaxAttempts)
	}

	ttl, err := time.ParseDuration(str("IDEMPOTENCY_TTL"))
	if err != nil || ttl <= 0 {
		return AppConfig{}, fmt.Errorf("IDEMPOTENCY_TTL: invalid duration %q", str("IDEMPOTENCY_TTL"))
	}
	cfg.IdempotencyTTL = ttl

	lease, err := time.ParseDuration(str("IDEMPOTENCY_LEASE"))
	if err != nil || lease <= 0 {
		return AppConfig{}, fmt.Errorf("IDEMPOTENCY_LEASE: invalid duration %q", str("IDEMPOTENCY_LEASE"))
	}
	cfg.IdempotencyLease = lease

	if cfg.IsProd() && cfg.JWTSecret == "" {
		return AppConfig{}, errors.New("JWT_SECRET is required in production")
	}
	return cfg, nil
}
