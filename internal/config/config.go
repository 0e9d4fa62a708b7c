package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultBackendURL is used when BACKEND_URL is unset or blank.
const DefaultBackendURL = "http://localhost:8000"

// Config holds the runtime settings of the upload portal.
type Config struct {
	BackendURL       string
	ListenAddr       string
	HealthTimeout    time.Duration
	PredictTimeout   time.Duration
	MaxUploadBytes   int64
	SessionTTL       time.Duration
	RedisAddr        string
	UploadRatePerSec float64
	LogLevel         string
}

// Default returns the configuration used when no environment overrides exist.
func Default() *Config {
	return &Config{
		BackendURL:     DefaultBackendURL,
		ListenAddr:     ":8080",
		HealthTimeout:  10 * time.Second,
		PredictTimeout: 60 * time.Second,
		MaxUploadBytes: 10 << 20,
		SessionTTL:     30 * time.Minute,
		LogLevel:       "info",
	}
}

// ResolveBackendURL normalises an optional override into the backend base
// address. Trailing slashes are removed; a blank override yields the default.
func ResolveBackendURL(override string) string {
	resolved := strings.TrimRight(strings.TrimSpace(override), "/")
	if resolved == "" {
		return DefaultBackendURL
	}
	return resolved
}

// LoadDotEnv reads a .env file from the working directory when one exists.
func LoadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	return godotenv.Load(".env")
}

// Load builds the configuration from the environment.
func Load() *Config {
	cfg := Default()
	cfg.BackendURL = ResolveBackendURL(os.Getenv("BACKEND_URL"))
	cfg.ListenAddr = getEnv("LISTEN_ADDR", cfg.ListenAddr)
	cfg.HealthTimeout = getDuration("HEALTH_TIMEOUT", cfg.HealthTimeout)
	cfg.PredictTimeout = getDuration("PREDICT_TIMEOUT", cfg.PredictTimeout)
	cfg.MaxUploadBytes = getInt64("MAX_UPLOAD_BYTES", cfg.MaxUploadBytes)
	cfg.SessionTTL = getDuration("SESSION_TTL", cfg.SessionTTL)
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.UploadRatePerSec = getFloat("UPLOAD_RATE_PER_SEC", cfg.UploadRatePerSec)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	return cfg
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func getInt64(key string, fallback int64) int64 {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || f < 0 {
		return fallback
	}
	return f
}
