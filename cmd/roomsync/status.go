package main

import (
	"context"
	"fmt"
	"time"

	roomsync "github.com/roomsync-io/roomsync-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, the stored session, and live account info when signed in.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL: %s\n", cfg.Default.BaseURL)
		} else {
			fmt.Printf("  Base URL: %s (default)\n", roomsync.DefaultBaseURL)
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Username != "" {
			fmt.Printf("  Username: %s\n", cfg.Auth.Username)
			fmt.Printf("  User ID:  %d\n", cfg.Auth.UserID)
		} else {
			fmt.Println("  Username: (not signed in)")
		}
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:    %s\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:    (none)")
		}

		if cfg.Auth.Token == "" {
			return nil
		}

		// Verify the session against the live service.
		fmt.Println()
		fmt.Println("Live status:")
		client := roomsync.NewClient(cfg.Auth.Token, clientOptions(cfg)...)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		me, err := client.Auth.Me(ctx)
		if err != nil {
			fmt.Printf("  Error fetching account info: %v\n", err)
			return nil
		}
		fmt.Printf("  Username: %s\n", me.Username)
		fmt.Printf("  User ID:  %d\n", me.ID)
		return nil
	},
}

// maskToken shows the first 12 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 16 {
		return "..."
	}
	return token[:12] + "..." + token[len(token)-4:]
}
