package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	gloup "github.com/gloup-app/gloup/sdk/golang"
	"github.com/gloup-app/gloup/sdk/golang/storage/redisstore"
	"github.com/gloup-app/gloup/sdk/golang/storage/sqlitestore"
)

// mustConfig loads the config or exits.
func mustConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// getClient creates a REST client from the config.
func getClient(cfg *Config, logger *slog.Logger) *gloup.Client {
	if cfg.Default.BaseURL == "" || cfg.Default.AnonKey == "" {
		fmt.Fprintln(os.Stderr, "No project configured. Run 'gloup init <base-url> <anon-key>' first.")
		os.Exit(1)
	}
	opts := []gloup.ClientOption{gloup.WithClientLogger(logger)}
	if cfg.Default.AccessToken != "" {
		opts = append(opts, gloup.WithAccessToken(cfg.Default.AccessToken))
	}
	return gloup.NewClient(cfg.Default.BaseURL, cfg.Default.AnonKey, opts...)
}

// openStorage opens the durable store named by the config. The returned
// closer releases it.
func openStorage(ctx context.Context, cfg *Config) (gloup.DurableStorage, func() error, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return gloup.NewMemoryStorage(), func() error { return nil }, nil
	case "redis":
		s, err := redisstore.Dial(ctx, cfg.Storage.RedisAddr, "", 0)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "", "sqlite":
		path := cfg.Storage.Path
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return nil, nil, err
			}
			path = filepath.Join(dir, "state.db")
		}
		s, err := sqlitestore.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// newLogger builds the CLI logger. Logs go to stderr so command output stays
// machine readable.
func newLogger(cfg ConfigLog) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// maskKey shows the first 8 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
