// Package config loads node settings from the environment and the
// deployment description from a YAML file.
package config

import (
	"os"
	"strconv"
)

// Config holds server configuration.
type Config struct {
	Port         string
	HealthPort   string
	LogLevel     string
	LogFormat    string
	Environment  string
	DatabaseURL  string
	DataDir      string
	RedisAddr    string
	OTLPEndpoint string
	JWTSecret    string
	ConfigFile   string
	RateLimit    float64
	RateBurst    int
}

// Lite reports whether the node runs on the embedded SQLite database.
func (c *Config) Lite() bool { return c.DatabaseURL == "" }

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:         getenv("PORT", "8080"),
		HealthPort:   getenv("HEALTH_PORT", "8081"),
		LogLevel:     getenv("LOG_LEVEL", "INFO"),
		LogFormat:    getenv("LOG_FORMAT", "text"),
		Environment:  getenv("ENVIRONMENT", "development"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		DataDir:      getenv("DATA_DIR", "data"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		ConfigFile:   getenv("CONFIG_FILE", "oyad.yaml"),
		RateLimit:    getenvFloat("API_RATE_LIMIT", 20),
		RateBurst:    getenvInt("API_RATE_BURST", 40),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
