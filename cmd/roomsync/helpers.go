package main

import (
	"fmt"
	"os"

	roomsync "github.com/roomsync-io/roomsync-go"
)

// clientOptions derives client options from the config.
func clientOptions(cfg *Config) []roomsync.ClientOption {
	var opts []roomsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, roomsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return opts
}

// getClient creates a RoomSync client authenticated with the stored session.
func getClient() *roomsync.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "Not signed in. Run 'roomsync login <username>' first.")
		os.Exit(1)
	}
	return roomsync.NewClient(cfg.Auth.Token, clientOptions(cfg)...)
}

// getAnonClient creates an unauthenticated client for register/login.
func getAnonClient() *roomsync.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return roomsync.NewClient("", clientOptions(cfg)...)
}
