// Package config provides environment configuration for the messaging server.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Addr               string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Postgres
	DatabaseDSN string

	// Redis
	RedisAddr string

	// JWT
	JWTSecret     string
	JWTExpiration time.Duration

	// Channel settings
	MaxMessageSize int
	SendBufferSize int

	// Unread cache
	UnreadCacheTTL time.Duration

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Addr:               getEnv("ADDR", ":8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 60*time.Second),

		DatabaseDSN: getEnv("DB_DSN", ""),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),

		JWTSecret:     getEnv("JWT_SECRET", ""),
		JWTExpiration: getDurationEnv("JWT_EXPIRATION", 24*time.Hour),

		MaxMessageSize: getIntEnv("WS_MAX_MESSAGE_SIZE", 4096),
		SendBufferSize: getIntEnv("WS_SEND_BUFFER", 256),

		UnreadCacheTTL: getDurationEnv("UNREAD_CACHE_TTL", 10*time.Minute),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
