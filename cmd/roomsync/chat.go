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

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <room-id>",
	Short: "Chat live in a room",
	Long: `Open a live session in a room. Incoming messages print as they arrive;
anything you type is sent to the room. Slash commands:

  /older      load an older page of history
  /status     show connection state
  /reconnect  force a reconnect
  /quit       leave`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := parseRoomID(args[0])
		if err != nil {
			return err
		}

		client := getClient()
		conn := client.Realtime(nil)
		defer conn.Deactivate()

		conn.OnMessage(func(m roomsync.Message) {
			printMessage(m)
		})
		conn.OnNotice(func(n roomsync.RoomNotice) {
			switch n.Kind {
			case "user_joined":
				fmt.Printf("-- %s joined\n", n.Username)
			case "user_left":
				fmt.Printf("-- %s left\n", n.Username)
			}
		})
		conn.OnStateChange(func(s roomsync.ConnStatus) {
			switch s.State {
			case roomsync.StateReconnecting:
				fmt.Printf("-- connection lost, retrying (attempt %d)\n", s.ReconnectAttempts)
			case roomsync.StateConnected:
				fmt.Println("-- connected")
			case roomsync.StateDisconnected:
				if s.LastError != "" {
					fmt.Printf("-- disconnected: %s\n", s.LastError)
				}
			}
		})

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = conn.Activate(ctx, roomID)
		cancel()
		if err != nil {
			return fmt.Errorf("cannot connect: %w", err)
		}

		// Seed the view with the latest page before reading input.
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		err = conn.Timeline().FetchPage(ctx, roomID, 1, true)
		cancel()
		if err != nil {
			fmt.Printf("-- could not load history: %v\n", err)
		} else {
			for _, m := range conn.Timeline().Messages() {
				printMessage(m)
			}
		}

		fmt.Printf("-- chatting in room %d, /quit to leave\n", roomID)

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "/") {
				if quit := runSlashCommand(conn, roomID, line); quit {
					return nil
				}
				continue
			}

			sendCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := conn.SendMessage(sendCtx, line)
			cancel()
			if err != nil {
				fmt.Printf("-- send failed: %v\n", err)
			}
		}
		return scanner.Err()
	},
}

// runSlashCommand handles one /command line; it reports whether to exit.
func runSlashCommand(conn *roomsync.RoomConn, roomID int64, line string) bool {
	switch line {
	case "/quit", "/exit":
		return true

	case "/older":
		tl := conn.Timeline()
		if !tl.HasMoreOlder() {
			fmt.Println("-- no older history")
			return false
		}
		page := tl.OldestLoadedPage() + 1
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := tl.FetchPage(ctx, roomID, page, false)
		cancel()
		if err != nil {
			fmt.Printf("-- could not load history: %v\n", err)
			return false
		}
		fmt.Printf("-- loaded page %d, %d messages total\n", page, tl.Len())

	case "/status":
		s := conn.Status()
		fmt.Printf("-- state=%s attempts=%d", s.State, s.ReconnectAttempts)
		if s.LastError != "" {
			fmt.Printf(" error=%q", s.LastError)
		}
		fmt.Println()

	case "/reconnect":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := conn.Reconnect(ctx)
		cancel()
		if err != nil {
			fmt.Printf("-- reconnect failed: %v\n", err)
		}

	default:
		fmt.Printf("-- unknown command %s (try /older /status /reconnect /quit)\n", line)
	}
	return false
}
