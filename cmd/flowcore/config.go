package main

import (
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tessen/flowcore/internal/logging"
)

// Config holds all engine configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath        string `json:"db_path"`
	LogLevel      string `json:"log_level"`
	PoolSize      int    `json:"pool_size"`
	WorkerID      string `json:"worker_id"`
	WebhookAddr   string `json:"webhook_addr"`
	RedisAddr     string `json:"redis_addr"`     // empty disables the warm cache tier
	RetentionDays int    `json:"retention_days"` // 0 disables the retention purge
	SecretKeyHex  string `json:"secret_key_hex"` // 32-byte AES key for webhook secrets
}

func defaultConfig() Config {
	return Config{
		DBPath:        filepath.Join(flowcoreDir(), "flowcore.db"),
		LogLevel:      "info",
		PoolSize:      8,
		WebhookAddr:   ":4200",
		RetentionDays: 30,
	}
}

func flowcoreDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowcore"
	}
	return filepath.Join(home, ".flowcore")
}

func settingsPath() string {
	return filepath.Join(flowcoreDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOWCORE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWCORE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWCORE_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("FLOWCORE_WORKER_ID"); v != "" {
		cfg.WorkerID = v
	}
	if v := os.Getenv("FLOWCORE_WEBHOOK_ADDR"); v != "" {
		cfg.WebhookAddr = v
	}
	if v := os.Getenv("FLOWCORE_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("FLOWCORE_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetentionDays = n
		}
	}
	if v := os.Getenv("FLOWCORE_SECRET_KEY"); v != "" {
		cfg.SecretKeyHex = v
	}

	if cfg.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		cfg.WorkerID = host + "-" + strconv.Itoa(os.Getpid())
	}
	return cfg
}

// secretKey decodes the configured AES key, or nil when unset.
func (c Config) secretKey() ([]byte, error) {
	if c.SecretKeyHex == "" {
		return nil, nil
	}
	return hex.DecodeString(c.SecretKeyHex)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
