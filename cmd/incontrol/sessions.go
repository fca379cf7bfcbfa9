package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"incontrol/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Short:   "List recorded sessions",
	GroupID: "inspect",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		sessions, err := store.ListSessions(context.Background())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(sessions)
		}
		printSessions(sessions)
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:     "events <session-id>",
	Short:   "Print the events recorded for a session, one JSON object per line",
	GroupID: "inspect",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		if _, err := store.GetSession(ctx, args[0]); err != nil {
			return err
		}
		events, err := store.ListEvents(ctx, args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		return nil
	},
}

func printSessions(sessions []*session.Session) {
	if len(sessions) == 0 {
		fmt.Println("No sessions recorded.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tSTARTED\tDURATION\tTASK")
	for _, s := range sessions {
		duration := "active"
		if d, ok := s.Duration(); ok {
			duration = d.Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.UserName, s.StartedAt.Local().Format(time.DateTime), duration, s.TaskDescription)
	}
	w.Flush()
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
