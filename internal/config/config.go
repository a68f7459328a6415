package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the monitoring service.
type Config struct {
	BindAddr         string        `yaml:"bind_addr"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
	AllowAnyOrigin   bool          `yaml:"allow_any_origin"`
	LogLevel         string        `yaml:"log_level"`

	GatewayMode             string        `yaml:"gateway_mode"`
	LiveKitURL              string        `yaml:"livekit_url"`
	LiveKitAPIKey           string        `yaml:"livekit_api_key"`
	LiveKitAPISecret        string        `yaml:"livekit_api_secret"`
	LiveKitPublicURL        string        `yaml:"livekit_public_url"`
	LiveKitTokenTTL         time.Duration `yaml:"livekit_token_ttl"`
	LiveKitRoomEmptyTimeout time.Duration `yaml:"livekit_room_empty_timeout"`

	// ReconcileInterval of zero disables background ghost reaping.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	AuthMode             string `yaml:"auth_mode"`
	AuthJWTSecret        string `yaml:"auth_jwt_secret"`
	AuthJWTPublicKeyFile string `yaml:"auth_jwt_public_key_file"`
	AuthJWTIssuer        string `yaml:"auth_jwt_issuer"`

	DatabaseURL       string `yaml:"database_url"`
	AuditHistoryLimit int    `yaml:"audit_history_limit"`
}

func defaults() Config {
	return Config{
		BindAddr:                ":8080",
		ShutdownTimeout:         15 * time.Second,
		MetricsNamespace:        "monitoring",
		LogLevel:                "info",
		GatewayMode:             "auto",
		LiveKitTokenTTL:         time.Hour,
		LiveKitRoomEmptyTimeout: 10 * time.Minute,
		ReconcileInterval:       30 * time.Second,
		AuthMode:                "jwt",
		AuditHistoryLimit:       100,
	}
}

// Load builds the configuration from defaults, then the optional YAML file
// at path (or MONITORING_CONFIG_FILE), then environment variables.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path == "" {
		path = stringsTrimSpace("MONITORING_CONFIG_FILE")
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.GatewayMode = strings.ToLower(envOrDefault("GATEWAY_MODE", cfg.GatewayMode))
	cfg.LiveKitURL = envOrDefault("LIVEKIT_URL", cfg.LiveKitURL)
	cfg.LiveKitAPIKey = envOrDefault("LIVEKIT_API_KEY", cfg.LiveKitAPIKey)
	cfg.LiveKitAPISecret = envOrDefault("LIVEKIT_API_SECRET", cfg.LiveKitAPISecret)
	cfg.LiveKitPublicURL = envOrDefault("LIVEKIT_PUBLIC_URL", cfg.LiveKitPublicURL)
	cfg.AuthMode = strings.ToLower(envOrDefault("AUTH_MODE", cfg.AuthMode))
	cfg.AuthJWTSecret = envOrDefault("AUTH_JWT_SECRET", cfg.AuthJWTSecret)
	cfg.AuthJWTPublicKeyFile = envOrDefault("AUTH_JWT_PUBLIC_KEY_FILE", cfg.AuthJWTPublicKeyFile)
	cfg.AuthJWTIssuer = envOrDefault("AUTH_JWT_ISSUER", cfg.AuthJWTIssuer)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.LiveKitTokenTTL, err = durationFromEnv("LIVEKIT_TOKEN_TTL", cfg.LiveKitTokenTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.LiveKitRoomEmptyTimeout, err = durationFromEnv("LIVEKIT_ROOM_EMPTY_TIMEOUT", cfg.LiveKitRoomEmptyTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconcileInterval, err = durationFromEnv("RECONCILE_INTERVAL", cfg.ReconcileInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.AuditHistoryLimit, err = intFromEnv("AUDIT_HISTORY_LIMIT", cfg.AuditHistoryLimit)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c Config) validate() error {
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	switch c.GatewayMode {
	case "auto", "mock":
	case "livekit":
		if c.LiveKitURL == "" {
			return fmt.Errorf("GATEWAY_MODE=livekit requires LIVEKIT_URL")
		}
	default:
		return fmt.Errorf("GATEWAY_MODE must be one of auto, livekit, mock")
	}
	if c.LiveKitURL != "" && (c.LiveKitAPIKey == "" || c.LiveKitAPISecret == "") {
		return fmt.Errorf("LIVEKIT_URL requires LIVEKIT_API_KEY and LIVEKIT_API_SECRET")
	}
	if c.LiveKitTokenTTL < time.Minute {
		return fmt.Errorf("LIVEKIT_TOKEN_TTL must be at least 1m")
	}
	if c.LiveKitRoomEmptyTimeout <= 0 {
		return fmt.Errorf("LIVEKIT_ROOM_EMPTY_TIMEOUT must be positive")
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be >= 0")
	}
	if c.ReconcileInterval > 0 && c.ReconcileInterval < time.Second {
		return fmt.Errorf("RECONCILE_INTERVAL must be at least 1s when enabled")
	}
	switch c.AuthMode {
	case "jwt":
		if c.AuthJWTSecret == "" && c.AuthJWTPublicKeyFile == "" {
			return fmt.Errorf("AUTH_MODE=jwt requires AUTH_JWT_SECRET or AUTH_JWT_PUBLIC_KEY_FILE")
		}
	case "disabled":
	default:
		return fmt.Errorf("AUTH_MODE must be jwt or disabled")
	}
	if c.AuditHistoryLimit <= 0 || c.AuditHistoryLimit > 1000 {
		return fmt.Errorf("AUDIT_HISTORY_LIMIT must be between 1 and 1000")
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL parse error: %w", err)
	}
	return level, nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
