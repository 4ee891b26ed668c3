package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"chatbox/server/internal/protocol"
	"chatbox/server/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, archivePath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("chatbox server %s\n", Version)
		return true
	case "transcript":
		if err := cliTranscript(args[1:], archivePath, os.Stdout); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return true
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return true
	default:
		return false
	}
}

// cliTranscript prints archived messages of one room, or the archived rooms
// when none is named.
func cliTranscript(args []string, archivePath string, out io.Writer) error {
	fs := flag.NewFlagSet("transcript", flag.ContinueOnError)
	fs.SetOutput(out)
	dbPath := fs.String("archive", archivePath, "SQLite archive path")
	room := fs.String("room", "", "Room to print (default: list rooms)")
	limit := fs.Int("limit", 50, "Number of most recent messages to print")
	fs.Usage = func() {
		fmt.Fprintln(out, "Usage: server transcript [-archive path] [-room name] [-limit n]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*dbPath) == "" {
		return fmt.Errorf("archive path is required")
	}
	if _, err := os.Stat(*dbPath); err != nil {
		return fmt.Errorf("open archive: %w", err)
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if *room == "" {
		rooms, err := st.Rooms(ctx)
		if err != nil {
			return err
		}
		if len(rooms) == 0 {
			fmt.Fprintln(out, "No archived messages.")
			return nil
		}
		for _, r := range rooms {
			fmt.Fprintf(out, "  %s (%d messages)\n", r.Room, r.Messages)
		}
		return nil
	}

	rows, err := st.RecentMessages(ctx, *room, *limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintf(out, "No archived messages for %q.\n", *room)
		return nil
	}
	for _, r := range rows {
		fmt.Fprintln(out, formatTranscriptLine(r.Message))
	}
	return nil
}

func formatTranscriptLine(m protocol.ChatMessage) string {
	ts := m.Timestamp.Local().Format("2006-01-02 15:04:05")
	switch m.Type {
	case protocol.KindImage, protocol.KindVideo:
		name := m.FileName
		if name == "" {
			name = "unnamed"
		}
		return fmt.Sprintf("[%s] %s: <%s %s>", ts, m.Username, m.Type, name)
	case protocol.KindSystem:
		return fmt.Sprintf("[%s] * %s", ts, m.Message)
	default:
		return fmt.Sprintf("[%s] %s: %s", ts, m.Username, m.Message)
	}
}
