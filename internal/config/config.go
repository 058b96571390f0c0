package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

var ErrMissingConfig = errors.New("missing required config")

type Config struct {
	ServerAddr  string
	DBDSN       string
	RedisAddr   string
	Environment string
	JWTSecret   string
	JWTExpiry   int64

	TypingWindow       time.Duration
	ComposerIdle       time.Duration
	WindowOriginX      int
	WindowOriginY      int
	WindowStagger      int
	WSActionsPerSecond int
}

func Load() (*Config, error) {
	godotenv.Load()

	config := &Config{
		ServerAddr:  getEnv("SERVER_ADDR", ":8080"),
		DBDSN:       getEnv("DB_DSN", ""),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		Environment: getEnv("ENVIRONMENT", "development"),
		JWTSecret:   getEnv("JWT_SECRET", ""),
		JWTExpiry:   getEnvAsInt64("JWT_EXPIRY", 24*60*60), // 24 hours

		TypingWindow:       time.Duration(getEnvAsInt64("TYPING_WINDOW_MS", 2000)) * time.Millisecond,
		ComposerIdle:       time.Duration(getEnvAsInt64("COMPOSER_IDLE_MS", 2000)) * time.Millisecond,
		WindowOriginX:      int(getEnvAsInt64("WINDOW_ORIGIN_X", 24)),
		WindowOriginY:      int(getEnvAsInt64("WINDOW_ORIGIN_Y", 24)),
		WindowStagger:      int(getEnvAsInt64("WINDOW_STAGGER", 50)),
		WSActionsPerSecond: int(getEnvAsInt64("WS_ACTIONS_PER_SECOND", 20)),
	}

	if config.DBDSN == "" {
		return nil, fmt.Errorf("%w: DB_DSN", ErrMissingConfig)
	}
	if config.JWTSecret == "" {
		return nil, fmt.Errorf("%w: JWT_SECRET", ErrMissingConfig)
	}
	return config, nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		intValue, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return intValue
		}
	}
	return defaultValue
}
