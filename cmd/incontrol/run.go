package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"incontrol/internal/prompt"
	"incontrol/internal/terminal"
)

var runCmd = &cobra.Command{
	Use:     "run [-- command [args...]]",
	Short:   "Start a session and record a command run in a pseudo-terminal",
	GroupID: "record",
	Long: `Start a session, then run the assistant (INCONTROL_COMMAND, "claude" by
default) in a pseudo-terminal. Its output is shown as usual and every
prompt/response cycle is recorded. The session ends when the command exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		command, cmdArgs := cfg.Command, []string(nil)
		if len(args) > 0 {
			command, cmdArgs = args[0], args[1:]
		}
		label, _ := cmd.Flags().GetString("label")

		workDir, err := os.Getwd()
		if err != nil {
			return err
		}

		hub := terminal.NewHub()
		host := terminal.NewHost(hub, logger.Named("terminal"), cfg.MaxTerminals)

		input := newInputRouter()
		go input.Pump(os.Stdin)

		rec, err := newRecorder(cfg, logger, hub, hub, prompt.NewConsole(input.Prompts(), os.Stderr))
		if err != nil {
			return err
		}
		defer rec.close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		sess, err := rec.controller.Start(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Session %s started for %s.\n", sess.ID, sess.UserName)

		cols, rows := terminalSize()
		info, err := host.Spawn(ctx, terminal.SpawnOptions{
			Command: command,
			Args:    cmdArgs,
			WorkDir: workDir,
			Label:   label,
			Cols:    cols,
			Rows:    rows,
			Output:  os.Stdout,
		})
		if err != nil {
			rec.stop(context.Background(), os.Stderr)
			return err
		}

		status, err := attach(ctx, host, info.Handle, input)
		if err != nil {
			logger.Warn("terminal wait ended early", zap.Error(err))
			host.Shutdown()
		}

		rec.stop(context.Background(), os.Stderr)

		if status.Code != 0 {
			return exitCodeError{code: status.Code}
		}
		return nil
	},
}

func init() {
	runCmd.Flags().String("label", "", "label shown for the terminal in the live view")
}

// attach forwards input and window size changes to the terminal until its
// command exits. With an interactive stdin the local terminal is switched to
// raw mode for the duration.
func attach(ctx context.Context, host *terminal.Host, handle terminal.Handle, input *inputRouter) (terminal.ExitStatus, error) {
	if prompt.Interactive(os.Stdin) {
		state, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			logger.Warn("failed to enter raw mode", zap.Error(err))
		} else {
			defer term.Restore(int(os.Stdin.Fd()), state)
		}
	}

	input.Route(func(data []byte) error { return host.Write(handle, data) })
	defer input.Route(nil)

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for {
			select {
			case <-waitCtx.Done():
				return
			case <-winch:
				if cols, rows := terminalSize(); cols > 0 {
					if err := host.Resize(handle, cols, rows); err != nil {
						logger.Debug("resize failed", zap.Error(err))
					}
				}
			case sig := <-sigs:
				logger.Info("signal received, stopping command", zap.Stringer("signal", sig))
				host.Kill(handle)
			}
		}
	}()

	return host.Wait(ctx, handle)
}

func terminalSize() (cols, rows uint16) {
	if !prompt.Interactive(os.Stdout) {
		return 0, 0
	}
	w, h, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 0, 0
	}
	return uint16(w), uint16(h)
}
