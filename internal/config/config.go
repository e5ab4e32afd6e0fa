package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port              string
	RedisAddr         string
	RedisUsername     string
	RedisPassword     string
	RedisDB           int
	LogLevel          string
	TickInterval      time.Duration
	DefaultTimeLimit  int // minutes
	MessagesPerSecond int
	MessageBurst      int
	AllowedOrigins    []string
}

func Load() Config {
	cfg := Config{
		Port:              getEnv("PORT", "8080"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisUsername:     os.Getenv("REDIS_USERNAME"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		TickInterval:      time.Duration(getEnvInt("TICK_INTERVAL_MS", 1000)) * time.Millisecond,
		DefaultTimeLimit:  getEnvInt("DEFAULT_TIME_LIMIT", 30),
		MessagesPerSecond: getEnvInt("MESSAGES_PER_SECOND", 20),
		MessageBurst:      getEnvInt("MESSAGE_BURST", 40),
		AllowedOrigins:    splitList(getEnv("ALLOWED_ORIGINS", "*")),
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return i
		}
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
