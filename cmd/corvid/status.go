package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and local store health",
	Long:  "Display the current configuration, the offline queue depth, and the health of the durable store.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  User ID:   %s\n", valueOrDefault(cfg.Default.UserID, "(not set)"))
		fmt.Printf("  User Name: %s\n", valueOrDefault(cfg.Default.UserName, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:     %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:     (not set)")
		}

		log := newLogger()
		safe, err := openSafeStore(log)
		if err != nil {
			fmt.Printf("\nLocal store: unavailable (%v)\n", err)
			return nil
		}
		defer safe.Dispose()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Local store:")
		if safe.CheckHealth(ctx) {
			fmt.Println("  Health:  ok")
		} else {
			fmt.Printf("  Health:  %s\n", safe.State())
		}

		keys, ok := safe.SafeKeys(ctx, "outbox:", nil)
		if !ok {
			fmt.Println("  Outbox:  unreadable")
			return nil
		}
		fmt.Printf("  Outbox:  %d queued conversation(s)\n", len(keys))
		return nil
	},
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return key[:4] + "..."
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
