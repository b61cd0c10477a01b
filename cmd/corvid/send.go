package main

import (
	"context"
	"fmt"
	"time"

	corvid "github.com/corvid-im/corvid-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <peer-id> <text>",
	Short: "Send a message to a user",
	Long:  "Send a text message to a user. If the server is unreachable the message is queued durably and delivered on the next run.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		peerID, text := args[0], args[1]
		cfg := requireIdentity()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		session, cleanup, err := newSession(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		conversationID, err := session.CreateOrGetConversation(ctx, peerID)
		if err != nil {
			return fmt.Errorf("resolve conversation: %w", err)
		}

		confirmed := make(chan struct{}, 1)
		err = session.Open(ctx, conversationID, func(msgs []corvid.Message) {
			for _, m := range msgs {
				if !m.IsOptimistic {
					select {
					case confirmed <- struct{}{}:
					default:
					}
				}
			}
		})
		if err != nil {
			return fmt.Errorf("open conversation: %w", err)
		}

		msg, err := session.Send(ctx, text, &corvid.SendOptions{RecipientID: peerID})
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}

		// Give the confirmation a moment so the common case prints a
		// definitive status; a queued send is reported as such.
		select {
		case <-confirmed:
			fmt.Printf("Sent %s\n", msg.ID)
		case <-time.After(5 * time.Second):
			stats := session.Stats()
			if stats.TotalPending > 0 || stats.TotalFailed > 0 {
				fmt.Printf("Queued %s (%d pending, %d failed)\n", msg.ID, stats.TotalPending, stats.TotalFailed)
			} else {
				fmt.Printf("Sent %s\n", msg.ID)
			}
		}
		return nil
	},
}
