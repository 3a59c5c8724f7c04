// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string
	DatabaseURL        string
	GoogleCloudProject string
	LogLevel           string

	OtelEnabled      bool
	OtelEndpoint     string
	OtelInsecure     bool
	OtelServiceName  string
	OtelSamplingRate float64

	ProfilesFile string
	CAKeyFile    string
	CACertFile   string
	CAValidity   time.Duration

	UserInfoURL     string
	UserInfoTimeout time.Duration

	ReplenishInterval       time.Duration
	SessionCleanupInterval  time.Duration
	SessionRetention        time.Duration
	StaleKeyCleanupInterval time.Duration
	StaleKeyMaxAge          time.Duration
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),

		OtelEnabled:      getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OtelInsecure:     getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		OtelServiceName:  getEnv("OTEL_SERVICE_NAME", "remote-signing-service"),
		OtelSamplingRate: getEnvFloat("OTEL_SAMPLING_RATE", 1.0),

		ProfilesFile: getEnv("PROFILES_FILE", "profiles.yaml"),
		CAKeyFile:    os.Getenv("CA_KEY_FILE"),
		CACertFile:   os.Getenv("CA_CERT_FILE"),
		CAValidity:   getEnvDuration("CA_VALIDITY", 24*time.Hour),

		UserInfoURL:     os.Getenv("USERINFO_URL"),
		UserInfoTimeout: getEnvDuration("USERINFO_TIMEOUT", 10*time.Second),

		ReplenishInterval:       getEnvDuration("REPLENISH_INTERVAL", time.Minute),
		SessionCleanupInterval:  getEnvDuration("SESSION_CLEANUP_INTERVAL", 5*time.Minute),
		SessionRetention:        getEnvDuration("SESSION_RETENTION", time.Hour),
		StaleKeyCleanupInterval: getEnvDuration("STALE_KEY_CLEANUP_INTERVAL", 10*time.Minute),
		StaleKeyMaxAge:          getEnvDuration("STALE_KEY_MAX_AGE", time.Hour),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return defaultVal
}

// 0を指定すると定期処理を無効にできる
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultVal
}
