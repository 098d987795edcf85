package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	rapidrespond "github.com/rapidrespond/rapidrespond-go"
	"github.com/spf13/cobra"
)

var (
	watchClientID string
	watchInterval time.Duration
	watchRetries  int
)

func init() {
	watchCmd.Flags().StringVar(&watchClientID, "client-id", "", "subscriber client id (default: generated, or default.client_id from config)")
	watchCmd.Flags().DurationVar(&watchInterval, "reconnect-interval", rapidrespond.DefaultReconnectInterval, "delay between reconnection attempts")
	watchCmd.Flags().IntVar(&watchRetries, "max-reconnects", rapidrespond.DefaultMaxReconnectAttempts, "reconnection attempts before giving up")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live dispatch events",
	Long:  "Open a realtime channel to the backend and print dispatch events as they arrive.\nPress Ctrl-C to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		clientID := watchClientID
		if clientID == "" {
			clientID = cfg.Default.ClientID
		}

		client := getClient()
		ch := client.Realtime().Channel(clientID,
			rapidrespond.WithReconnectInterval(watchInterval),
			rapidrespond.WithMaxReconnectAttempts(watchRetries),
		)
		defer ch.Disconnect()

		ch.OnConnect(func() {
			fmt.Fprintf(os.Stderr, "connected to %s\n", client.BaseURL())
		})
		ch.OnDisconnect(func(err error) {
			if err != nil {
				fmt.Fprintf(os.Stderr, "connection lost: %v\n", err)
			}
		})
		ch.OnError(func(err error) {
			fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		})
		ch.OnEvent(func(env rapidrespond.EventEnvelope) {
			fmt.Printf("%s  %-18s  %s\n",
				env.ObservedAt.Format(time.RFC3339), env.Kind, string(env.Payload))
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		ch.Connect(ctx)
		<-ctx.Done()
		fmt.Fprintln(os.Stderr, "stopping")
		return nil
	},
}
