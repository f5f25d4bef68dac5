package main

import (
	"context"
	"fmt"
	"time"

	gloup "github.com/gloup-app/gloup/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, local state and backend reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger(cfg.Log)

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		if cfg.Default.AnonKey != "" {
			fmt.Printf("  Anon Key:  %s\n", maskKey(cfg.Default.AnonKey))
		} else {
			fmt.Println("  Anon Key:  (not set)")
		}
		fmt.Printf("  User ID:   %s\n", valueOrDefault(cfg.Default.UserID, "(not set)"))
		fmt.Printf("  Storage:   %s\n", valueOrDefault(cfg.Storage.Driver, "sqlite"))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		storage, closeStorage, err := openStorage(ctx, cfg)
		if err != nil {
			fmt.Printf("\nLocal state: unavailable (%v)\n", err)
		} else {
			defer closeStorage()
			queue := gloup.NewQueue(nil, storage, gloup.WithInitialOnline(false), gloup.WithQueueLogger(logger))
			if err := queue.Load(ctx); err != nil {
				fmt.Printf("\nLocal state: queue unreadable (%v)\n", err)
			} else {
				st := queue.GetStatus()
				fmt.Println()
				fmt.Println("Offline queue:")
				fmt.Printf("  Pending:   %d\n", st.Pending)
				for _, p := range []string{"high", "medium", "low"} {
					if n := st.ByPriority[p]; n > 0 {
						fmt.Printf("  %-9s  %d\n", p+":", n)
					}
				}
			}
			cache := gloup.NewCache(storage, gloup.WithCacheLogger(logger))
			fmt.Printf("  Cached:    %d entries\n", cache.Load(ctx))
		}

		if cfg.Default.BaseURL == "" || cfg.Default.AnonKey == "" {
			return nil
		}
		fmt.Println()
		fmt.Println("Backend:")
		client := getClient(cfg, logger)
		start := time.Now()
		if err := client.Health(ctx); err != nil {
			fmt.Printf("  Unreachable: %v\n", err)
			return nil
		}
		fmt.Printf("  Reachable (%s)\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}
