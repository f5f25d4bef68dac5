package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ilyakaznacheev/cleanenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.gloup/config.toml.
// Environment variables override file values.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Storage ConfigStorage `toml:"storage"`
	Queue   ConfigQueue   `toml:"queue"`
	Log     ConfigLog     `toml:"log"`
}

// ConfigDefault holds the project connection settings.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url" env:"GLOUP_BASE_URL"`
	AnonKey     string `toml:"anon_key" env:"GLOUP_ANON_KEY"`
	AccessToken string `toml:"access_token" env:"GLOUP_ACCESS_TOKEN"`
	UserID      string `toml:"user_id" env:"GLOUP_USER_ID"`
}

// ConfigStorage selects the durable store shared by the cache and queue.
type ConfigStorage struct {
	Driver    string `toml:"driver" env:"GLOUP_STORAGE_DRIVER" env-default:"sqlite"`
	Path      string `toml:"path" env:"GLOUP_STORAGE_PATH"`
	RedisAddr string `toml:"redis_addr" env:"GLOUP_REDIS_ADDR" env-default:"localhost:6379"`
}

type ConfigQueue struct {
	MaxAttempts int `toml:"max_attempts" env:"GLOUP_QUEUE_MAX_ATTEMPTS" env-default:"3"`
}

type ConfigLog struct {
	Level  string `toml:"level" env:"GLOUP_LOG_LEVEL" env-default:"info"`
	Format string `toml:"format" env:"GLOUP_LOG_FORMAT" env-default:"text"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.gloup, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".gloup")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file and applies environment overrides and
// defaults. A missing file yields env and defaults only.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	var cfg Config
	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("cannot read config: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("cannot read env: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "gloup",
	Short: "Gloup sync SDK CLI",
	Long:  "Command-line interface for the Gloup sync SDK.\nManage configuration, inspect the offline queue, run queries and watch live changes.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
