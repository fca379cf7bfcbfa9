package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"incontrol/internal/event"
	"incontrol/internal/observer"
	"incontrol/internal/terminal"
)

const replayHandle terminal.Handle = "replay"

var replayCmd = &cobra.Command{
	Use:     "replay <file|->",
	Short:   "Segment a saved terminal transcript and print its events",
	GroupID: "inspect",
	Long: `Feed a saved transcript through the segmentation engine line by line and
print every event as one JSON object per line. Nothing is stored.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := io.Reader(os.Stdin)
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}

		sessionID, _ := cmd.Flags().GetString("session-id")
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		user, _ := cmd.Flags().GetString("user")

		enc := json.NewEncoder(os.Stdout)
		var encodeErr error
		sink := func(ev event.Event) {
			if encodeErr == nil {
				encodeErr = enc.Encode(ev)
			}
		}

		opts := append([]observer.Option{observer.WithLogger(logger.Named("observer"))}, cfg.ObserverOptions()...)
		if err := replay(in, observer.New(sessionID, user, sink, opts...)); err != nil {
			return err
		}
		return encodeErr
	},
}

func init() {
	replayCmd.Flags().String("session-id", "", "session id stamped on the events (random when empty)")
	replayCmd.Flags().String("user", "replay", "user name stamped on the events")
}

// replay delivers in to obs one line at a time as the output of a single
// terminal, then stops the observer.
func replay(in io.Reader, obs *observer.Observer) error {
	hub := terminal.NewHub()
	obs.Start(hub)
	hub.Opened(replayHandle)

	r := bufio.NewReader(in)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			hub.Data(replayHandle, line)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			obs.Stop()
			return fmt.Errorf("read transcript: %w", err)
		}
	}

	hub.Closed(replayHandle)
	obs.Stop()
	return nil
}
