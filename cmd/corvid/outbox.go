package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(outboxCmd)
	outboxCmd.AddCommand(outboxListCmd)
	outboxCmd.AddCommand(outboxFlushCmd)
}

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and flush the offline send queue",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireIdentity()
		_ = cfg

		log := newLogger()
		safe, err := openSafeStore(log)
		if err != nil {
			return err
		}
		defer safe.Dispose()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		keys, ok := safe.SafeKeys(ctx, "outbox:", nil)
		if !ok {
			return fmt.Errorf("outbox store is unavailable")
		}
		if len(keys) == 0 {
			fmt.Println("Outbox is empty.")
			return nil
		}
		for _, key := range keys {
			res := safe.SafeGet(ctx, key, nil)
			if !res.Success || res.Data == nil {
				continue
			}
			fmt.Printf("%s  (%d bytes)\n", key, len(res.Data))
		}
		return nil
	},
}

var outboxFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Attempt delivery of all queued messages now",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireIdentity()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		session, cleanup, err := newSession(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		before := session.Stats()
		if before.TotalPending == 0 && before.TotalFailed == 0 {
			fmt.Println("Outbox is empty.")
			return nil
		}

		fmt.Printf("Flushing %d pending, %d failed...\n", before.TotalPending, before.TotalFailed)
		session.Drain(ctx)

		after := session.Stats()
		fmt.Printf("Done: %d pending, %d failed remain.\n", after.TotalPending, after.TotalFailed)
		return nil
	},
}
