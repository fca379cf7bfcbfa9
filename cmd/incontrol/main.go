package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"incontrol/internal/config"
	"incontrol/internal/logging"
)

var (
	cfg    *config.Config
	logger *zap.Logger

	dataDirFlag  string
	storeFlag    string
	listenFlag   string
	natsURLFlag  string
	logLevelFlag string
	jsonOutput   bool
)

var rootCmd = &cobra.Command{
	Use:           "incontrol <command>",
	Short:         "Record prompt/response interactions from an AI coding assistant's terminal",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("data-dir") {
			loaded.DataDir = dataDirFlag
		}
		if flags.Changed("store") {
			loaded.Store = storeFlag
		}
		if flags.Changed("listen") {
			loaded.Listen = listenFlag
		}
		if flags.Changed("nats-url") {
			loaded.NATSURL = natsURLFlag
		}
		if flags.Changed("log-level") {
			loaded.LogLevel = logLevelFlag
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded

		logCfg := logging.DefaultConfig()
		if cfg.LogDev {
			logCfg = logging.DevelopmentConfig()
		}
		logCfg.Level = cfg.LogLevel
		l, err := logging.New(logCfg)
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "directory holding the session store and profile")
	rootCmd.PersistentFlags().StringVar(&storeFlag, "store", config.StoreJSON, "session store backend (json or sqlite)")
	rootCmd.PersistentFlags().StringVar(&listenFlag, "listen", "", "serve the live view on this address")
	rootCmd.PersistentFlags().StringVar(&natsURLFlag, "nats-url", "", "publish recorded events to this NATS server")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	rootCmd.AddGroup(
		&cobra.Group{ID: "record", Title: "Recording:"},
		&cobra.Group{ID: "inspect", Title: "Inspection:"},
	)
	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(followCmd)
}

// exitCodeError carries the hosted command's exit code out of Execute.
type exitCodeError struct{ code int }

func (e exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
