package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"incontrol/internal/prompt"
	"incontrol/internal/terminal"
)

var watchCmd = &cobra.Command{
	Use:     "watch <dir>",
	Short:   "Start a session and record transcripts appended to files in a directory",
	GroupID: "record",
	Long: `Start a session and follow every file in <dir> as one terminal. Output
appended to the files is recorded until the command is interrupted, which
ends the session.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hub := terminal.NewHub()
		tail := terminal.NewTail(args[0], hub, logger.Named("tail"))

		rec, err := newRecorder(cfg, logger, hub, hub, prompt.NewConsole(os.Stdin, os.Stderr))
		if err != nil {
			return err
		}
		defer rec.close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sess, err := rec.controller.Start(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Session %s started for %s. Press Ctrl-C to stop.\n", sess.ID, sess.UserName)

		if err := tail.Start(); err != nil {
			rec.stop(context.Background(), os.Stderr)
			return err
		}

		<-ctx.Done()
		stop()
		fmt.Fprintln(os.Stderr)

		if err := tail.Close(); err != nil {
			logger.Warn("failed to stop tailing", zap.Error(err))
		}
		rec.stop(context.Background(), os.Stderr)
		return nil
	},
}
