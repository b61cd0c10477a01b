package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	corvid "github.com/corvid-im/corvid-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <peer-id>",
	Short: "Watch a conversation and print messages as they arrive",
	Long:  "Subscribe to the conversation with a user and print every message update until interrupted.\nDelivery and read receipts are recorded while watching.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peerID := args[0]
		cfg := requireIdentity()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		session, cleanup, err := newSession(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		conversationID, err := session.CreateOrGetConversation(ctx, peerID)
		if err != nil {
			return fmt.Errorf("resolve conversation: %w", err)
		}

		seen := make(map[string]corvid.MessageStatus)
		err = session.Open(ctx, conversationID, func(msgs []corvid.Message) {
			for _, m := range msgs {
				status := session.Status(m)
				if prev, ok := seen[m.ID]; ok && prev == status {
					continue
				}
				seen[m.ID] = status
				fmt.Printf("[%s] %s: %s (%s)\n",
					formatWhen(m.Timestamp), m.SenderName, m.Text, status)
			}
		})
		if err != nil {
			return fmt.Errorf("open conversation: %w", err)
		}

		fmt.Printf("Watching conversation %s (Ctrl-C to stop)\n", conversationID)
		<-ctx.Done()
		return nil
	},
}

// formatWhen renders any of the timestamp shapes the server emits.
func formatWhen(ts any) string {
	ms := corvid.ToEpochMillis(ts)
	if ms == 0 {
		return "--:--"
	}
	return time.UnixMilli(ms).Format("15:04:05")
}
