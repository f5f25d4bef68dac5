package main

import (
	"fmt"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configPathCmd)
	configShowCmd.Flags().Bool("reveal", false, "Print keys and tokens unmasked")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit CLI settings",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration the CLI runs with: file values, GLOUP_* environment overrides and defaults merged.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reveal, _ := cmd.Flags().GetBool("reveal")
		out, err := renderConfig(cfg, reveal)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:     "set <section.field> <value>",
	Short:   "Change one setting in the config file",
	Example: "  gloup config set storage.driver redis\n  gloup config set queue.max_attempts 5",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Printf("%s updated\n", args[0])
		return nil
	},
}

// renderConfig encodes cfg as TOML, masking secrets unless reveal is set.
func renderConfig(cfg *Config, reveal bool) (string, error) {
	shown := *cfg
	if !reveal {
		if shown.Default.AnonKey != "" {
			shown.Default.AnonKey = maskKey(shown.Default.AnonKey)
		}
		if shown.Default.AccessToken != "" {
			shown.Default.AccessToken = maskKey(shown.Default.AccessToken)
		}
	}
	data, err := toml.Marshal(shown)
	if err != nil {
		return "", fmt.Errorf("cannot encode config: %w", err)
	}
	return string(data), nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.anon_key").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.anon_key)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "anon_key":
			cfg.Default.AnonKey = value
		case "access_token":
			cfg.Default.AccessToken = value
		case "user_id":
			cfg.Default.UserID = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "storage":
		switch field {
		case "driver":
			switch value {
			case "sqlite", "redis", "memory":
			default:
				return fmt.Errorf("storage.driver must be sqlite, redis or memory")
			}
			cfg.Storage.Driver = value
		case "path":
			cfg.Storage.Path = value
		case "redis_addr":
			cfg.Storage.RedisAddr = value
		default:
			return fmt.Errorf("unknown field %q in section [storage]", field)
		}
	case "queue":
		switch field {
		case "max_attempts":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return fmt.Errorf("queue.max_attempts must be a positive integer")
			}
			cfg.Queue.MaxAttempts = n
		default:
			return fmt.Errorf("unknown field %q in section [queue]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "format":
			cfg.Log.Format = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, storage, queue, log)", section)
	}
	return nil
}
