package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	gloup "github.com/gloup-app/gloup/sdk/golang"
	"github.com/spf13/cobra"
)

var (
	watchEvent  string
	watchFilter string
	watchSchema string
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchEvent, "event", "*", "INSERT, UPDATE, DELETE or *")
	watchCmd.Flags().StringVar(&watchFilter, "filter", "", "Row filter, e.g. user_id=eq.42")
	watchCmd.Flags().StringVar(&watchSchema, "schema", "public", "Database schema")
}

var watchCmd = &cobra.Command{
	Use:   "watch <table>",
	Short: "Stream live changes of a table as JSON lines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg := mustConfig()
		logger := newLogger(cfg.Log)
		client := getClient(cfg, logger)

		rt := gloup.NewRealtimeManager(client.Realtime(),
			gloup.WithRealtimeLogger(logger),
			gloup.WithRealtimeSink(gloup.NewSlogSink(logger)),
		)
		defer rt.Close()

		rt.OnStateChange(func(s gloup.ConnectionState) {
			logger.Info("realtime state", "state", string(s))
		})

		done := make(chan error, 1)
		_, err := rt.Subscribe(ctx, "cli-"+args[0], gloup.SubscribeOptions{
			Table:  args[0],
			Schema: watchSchema,
			Event:  watchEvent,
			Filter: watchFilter,
			Callback: func(ev gloup.ChangeEvent) error {
				return printJSON(ev)
			},
			OnError: func(err error) {
				fmt.Fprintf(os.Stderr, "channel error: %v\n", err)
				if errors.Is(err, gloup.ErrReconnectExhausted) {
					select {
					case done <- err:
					default:
					}
				}
			},
		})
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case err := <-done:
			return err
		}
	},
}
