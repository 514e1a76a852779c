package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	roomsync "github.com/roomsync-io/roomsync-go"
	"github.com/spf13/cobra"
)

var registerEmail string

func init() {
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)

	registerCmd.Flags().StringVar(&registerEmail, "email", "", "email address for the new account")
}

// promptPassword reads a password from stdin. Used by both register and
// login so passwords never land in shell history via argv.
func promptPassword() (string, error) {
	fmt.Print("Password: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("cannot read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// persistSession stores the auth result for later commands.
func persistSession(auth *roomsync.AuthData) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Auth.Token = auth.Token
	cfg.Auth.UserID = auth.User.ID
	cfg.Auth.Username = auth.User.Username
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Create a RoomSync account and sign in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]
		email := registerEmail
		if email == "" {
			email = username + "@example.com"
		}

		password, err := promptPassword()
		if err != nil {
			return err
		}

		client := getAnonClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		auth, err := client.Auth.Register(ctx, &roomsync.RegisterOptions{
			Username: username,
			Email:    email,
			Password: password,
		})
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}

		if err := persistSession(auth); err != nil {
			return err
		}
		fmt.Printf("Registered and signed in as %s (id=%d)\n", auth.User.Username, auth.User.ID)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Sign in and store the session token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := promptPassword()
		if err != nil {
			return err
		}

		client := getAnonClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		auth, err := client.Auth.Login(ctx, args[0], password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		if err := persistSession(auth); err != nil {
			return err
		}
		fmt.Printf("Signed in as %s (id=%d)\n", auth.User.Username, auth.User.ID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Discard the stored session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Signed out.")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in account",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		me, err := client.Auth.Me(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Username: %s\n", me.Username)
		fmt.Printf("User ID:  %d\n", me.ID)
		if me.Email != "" {
			fmt.Printf("Email:    %s\n", me.Email)
		}
		return nil
	},
}
