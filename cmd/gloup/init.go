package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var initUserID string

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initUserID, "user", "", "User id the CLI acts as")
}

var initCmd = &cobra.Command{
	Use:   "init <base-url> <anon-key>",
	Short: "Store project URL and anon key in ~/.gloup/config.toml",
	Long:  "Initialize the Gloup CLI by storing the project URL and anon key in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, anonKey := args[0], args[1]
		if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
			return fmt.Errorf("base url must start with http:// or https://")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = strings.TrimRight(baseURL, "/")
		cfg.Default.AnonKey = anonKey
		if initUserID != "" {
			cfg.Default.UserID = initUserID
		}
		if cfg.Storage.Driver == "" {
			cfg.Storage.Driver = "sqlite"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Project saved to %s\n", path)
		return nil
	},
}
