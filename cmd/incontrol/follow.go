package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"incontrol/internal/event"
	"incontrol/internal/publish"
)

var followCmd = &cobra.Command{
	Use:     "follow",
	Short:   "Print events published to NATS by running sessions",
	GroupID: "inspect",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.NATSURL == "" {
			return errors.New("no NATS server configured (set INCONTROL_NATS_URL or --nats-url)")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		enc := json.NewEncoder(os.Stdout)
		fmt.Fprintf(os.Stderr, "Following %s.> on %s\n", cfg.NATSSubject, cfg.NATSURL)
		return publish.Subscribe(ctx, cfg.NATSURL, cfg.NATSSubject,
			func(ev event.Event) {
				if err := enc.Encode(ev); err != nil {
					logger.Warn("failed to print event", zap.Error(err))
				}
			},
			func(err error) {
				logger.Warn("skipping undecodable message", zap.Error(err))
			},
		)
	},
}
