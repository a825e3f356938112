package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/mailrelay/internal/store"
)

var (
	cursorDBPath  string
	cursorMailbox string
	cursorJSON    bool
)

var cursorCmd = &cobra.Command{
	Use:   "cursor",
	Short: "Inspect and manage the persisted cursor",
	Long:  "Read, overwrite, or clear the last-processed cursor without running the server.",
}

func init() {
	cursorCmd.PersistentFlags().StringVar(&cursorDBPath, "db", "",
		"Cursor database path (overrides MAILRELAY_STORE_PATH)")
	cursorCmd.PersistentFlags().StringVar(&cursorMailbox, "mailbox", "",
		"Mailbox identifier (overrides MAILRELAY_MAILBOX)")
	cursorCmd.PersistentFlags().BoolVar(&cursorJSON, "json", false,
		"Output in JSON format")

	cursorCmd.AddCommand(cursorGetCmd)
	cursorCmd.AddCommand(cursorSetCmd)
	cursorCmd.AddCommand(cursorClearCmd)
}

// resolveCursorStore opens the SQLite cursor store from the --db flag or
// MAILRELAY_STORE_PATH, and resolves the mailbox the same way.
func resolveCursorStore() (*store.SQLiteStore, string, error) {
	dbPath := cursorDBPath
	if dbPath == "" {
		dbPath = os.Getenv("MAILRELAY_STORE_PATH")
	}
	if dbPath == "" {
		return nil, "", fmt.Errorf("no cursor database: set --db or MAILRELAY_STORE_PATH")
	}

	mailbox := cursorMailbox
	if mailbox == "" {
		mailbox = os.Getenv("MAILRELAY_MAILBOX")
	}
	if mailbox == "" {
		return nil, "", fmt.Errorf("no mailbox: set --mailbox or MAILRELAY_MAILBOX")
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, "", err
	}
	return s, mailbox, nil
}

var cursorGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the persisted cursor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, mailbox, err := resolveCursorStore()
		if err != nil {
			return err
		}
		defer s.Close()

		cursor, err := s.Read(context.Background(), mailbox)
		if errors.Is(err, store.ErrNotFound) {
			fmt.Fprintf(cmd.ErrOrStderr(), "No cursor stored for %q\n", mailbox)
			return nil
		}
		if err != nil {
			return err
		}

		if cursorJSON {
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"mailbox": mailbox,
				"cursor":  cursor,
			})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d\n", cursor)
		return nil
	},
}

var cursorSetCmd = &cobra.Command{
	Use:   "set <cursor>",
	Short: "Overwrite the persisted cursor",
	Long:  "Overwrite the persisted cursor. The engine only ever advances it; setting it back replays the window on the next notification.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cursor, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid cursor %q: %w", args[0], err)
		}

		s, mailbox, err := resolveCursorStore()
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.Write(context.Background(), mailbox, cursor); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cursor for %q set to %d\n", mailbox, cursor)
		return nil
	},
}

var cursorClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the persisted cursor",
	Long:  "Remove the persisted cursor, forcing a fresh cold start on the next notification.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, mailbox, err := resolveCursorStore()
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.Delete(context.Background(), mailbox); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cursor for %q cleared\n", mailbox)
		return nil
	},
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
