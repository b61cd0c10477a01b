package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <user-id> <token>",
	Short: "Store identity and token in ~/.corvid/config.toml",
	Long:  "Initialize the Corvid CLI by storing your user id and auth token in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, token := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.UserID = userID
		cfg.Auth.Token = token
		if cfg.Default.UserName == "" {
			cfg.Default.UserName = userID
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Identity saved to %s\n", path)
		return nil
	},
}
