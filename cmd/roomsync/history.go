package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	roomsync "github.com/roomsync-io/roomsync-go"
	"github.com/spf13/cobra"
)

var (
	historyPage  int
	historyLimit int
	historyJSON  bool
)

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVar(&historyPage, "page", 1, "history page, 1 is the most recent")
	historyCmd.Flags().IntVar(&historyLimit, "limit", roomsync.PageSize, "messages per page")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "output raw JSON")
}

var historyCmd = &cobra.Command{
	Use:   "history <room-id>",
	Short: "Show a page of room history",
	Long:  "Fetch one page of message history for a room. Page 1 is the most recent; higher pages reach further back.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := parseRoomID(args[0])
		if err != nil {
			return err
		}

		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msgs, err := client.History.RoomMessages(ctx, roomID, historyPage, historyLimit)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if historyJSON {
			data, err := json.MarshalIndent(msgs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(msgs) == 0 {
			fmt.Println("No messages on this page.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

// printMessage renders one message line for terminal output.
func printMessage(m roomsync.Message) {
	fmt.Printf("[%s] <%s> %s\n", m.CreatedAt.Local().Format("15:04:05"), m.AuthorName, m.Body)
}
