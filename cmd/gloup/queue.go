package main

import (
	"context"
	"fmt"
	"time"

	gloup "github.com/gloup-app/gloup/sdk/golang"
	"github.com/spf13/cobra"
)

var (
	queueListJSON bool
	queueDrainDSN string
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDrainCmd)
	queueCmd.AddCommand(queueClearCmd)

	queueListCmd.Flags().BoolVar(&queueListJSON, "json", false, "Output as JSON")
	queueDrainCmd.Flags().StringVar(&queueDrainDSN, "dsn", "", "Replay directly against Postgres instead of the REST endpoint")
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay the offline action queue",
}

// openQueue loads the persisted queue on top of the configured storage.
func openQueue(ctx context.Context, cfg *Config, backend gloup.Mutator, online bool) (*gloup.Queue, func() error, error) {
	storage, closeStorage, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	q := gloup.NewQueue(backend, storage,
		gloup.WithInitialOnline(online),
		gloup.WithMaxAttempts(cfg.Queue.MaxAttempts),
		gloup.WithQueueLogger(newLogger(cfg.Log)),
	)
	if err := q.Load(ctx); err != nil {
		_ = closeStorage()
		return nil, nil, err
	}
	return q, closeStorage, nil
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending actions in drain order",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		q, closeStorage, err := openQueue(ctx, mustConfig(), nil, false)
		if err != nil {
			return err
		}
		defer closeStorage()

		pending := q.Pending()
		if queueListJSON {
			return printJSON(pending)
		}
		if len(pending) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		fmt.Printf("%-36s  %-22s  %-6s  %-8s  %s\n", "ID", "KIND", "PRIO", "ATTEMPTS", "ENQUEUED")
		for _, a := range pending {
			fmt.Printf("%-36s  %-22s  %-6s  %d/%-6d  %s\n",
				a.ID, a.Kind(), a.Priority, a.Attempt, a.MaxAttempts, a.EnqueuedAt.Format(time.RFC3339))
			if a.LastError != "" {
				fmt.Printf("  last error: %s\n", a.LastError)
			}
		}
		return nil
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay pending actions once",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		cfg := mustConfig()
		backend, closeBackend, err := openBackend(ctx, cfg, queueDrainDSN)
		if err != nil {
			return err
		}
		defer closeBackend()

		q, closeStorage, err := openQueue(ctx, cfg, backend, true)
		if err != nil {
			return err
		}
		defer closeStorage()

		q.OnFailed(func(a gloup.QueuedAction, err error) {
			fmt.Printf("dropped %s %s: %v\n", a.Kind(), a.ID, err)
		})
		report := q.ProcessQueue(ctx)
		if report.Skipped {
			fmt.Println("Nothing to drain.")
			return nil
		}
		fmt.Printf("Processed %d: %d succeeded, %d retried, %d failed. %d pending.\n",
			report.Processed, report.Succeeded, report.Retried, report.Failed, len(q.Pending()))
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every pending action",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		q, closeStorage, err := openQueue(ctx, mustConfig(), nil, false)
		if err != nil {
			return err
		}
		defer closeStorage()

		n := len(q.Pending())
		if err := q.Clear(ctx); err != nil {
			return err
		}
		fmt.Printf("Dropped %d action(s).\n", n)
		return nil
	},
}
