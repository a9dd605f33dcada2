// Package config loads the relay configuration from a .env file and the
// environment.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App      AppConfig
	Relay    RelayConfig
	Auth     AuthConfig
	Database DatabaseConfig
	Redis    RedisConfig
}

type AppConfig struct {
	Addr               string
	Environment        string
	LogFilePath        string
	LogLevel           slog.Level
	CorsAllowedOrigins []string
}

type RelayConfig struct {
	EchoToSender   bool
	MaxConnections int
	CleanupPeriod  time.Duration
	PingPeriod     time.Duration
	HistoryLimit   int
}

type AuthConfig struct {
	JWTSecret string
	// DefaultType applies to tokens without a participant type claim.
	DefaultType string
}

type DatabaseConfig struct {
	// Connection is empty when history is kept in memory.
	Connection      string
	ConnectAttempts int
}

type RedisConfig struct {
	// URL is empty when the relay runs as a single instance.
	URL     string
	Channel string
}

func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("Note: .env file not found, using system environment")
	}

	return &Config{
		App: AppConfig{
			Addr:               getEnv("RELAY_ADDR", ":8080"),
			Environment:        getEnv("GO_ENV", "development"),
			LogFilePath:        getEnv("LOG_FILE_PATH", "chatrelay.log"),
			LogLevel:           getEnvAsLevel("LOG_LEVEL", slog.LevelInfo),
			CorsAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		},
		Relay: RelayConfig{
			EchoToSender:   getEnvAsBool("RELAY_ECHO_TO_SENDER", false),
			MaxConnections: getEnvAsInt("RELAY_MAX_CONNECTIONS", 5),
			CleanupPeriod:  getEnvAsDuration("RELAY_CLEANUP_PERIOD", 30*time.Second),
			PingPeriod:     getEnvAsDuration("RELAY_PING_PERIOD", 10*time.Second),
			HistoryLimit:   getEnvAsInt("RELAY_HISTORY_LIMIT", 200),
		},
		Auth: AuthConfig{
			JWTSecret:   getEnv("JWT_SECRET", ""),
			DefaultType: getEnv("JWT_DEFAULT_TYPE", "customer"),
		},
		Database: DatabaseConfig{
			Connection:      getEnv("DB_CONNECTION_STRING", ""),
			ConnectAttempts: getEnvAsInt("DB_CONNECT_ATTEMPTS", 10),
		},
		Redis: RedisConfig{
			URL:     getEnv("REDIS_URL", ""),
			Channel: getEnv("REDIS_CHANNEL", "portalchat:messages"),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseBool(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if value, err := time.ParseDuration(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsLevel(key string, fallback slog.Level) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(getEnv(key, ""))); err == nil {
		return level
	}
	return fallback
}

// getEnvAsList splits a comma separated value, dropping empty entries.
func getEnvAsList(key string, fallback []string) []string {
	strValue := getEnv(key, "")
	if strValue == "" {
		return fallback
	}
	out := make([]string, 0)
	for _, part := range strings.Split(strValue, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
