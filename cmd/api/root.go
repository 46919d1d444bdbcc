package main

import (
	"io"
	"strings"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"edittime/api/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

func newRootCmd() *cobra.Command {
	var cfg config.Config
	root := &cobra.Command{
		Use:          "edittime-api",
		Short:        "Track how long editors actively spend on documents",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			addr := cfg.Addr
			cfg = config.Load()
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfg.Addr, "addr", ":8787", "listen address, overrides API_ADDR")

	root.AddCommand(
		newServeCmd(&cfg),
		newMigrateCmd(&cfg),
		newTokenCmd(&cfg),
	)
	return root
}

// newLogger writes human-readable logs to w and, when a log file is
// configured, to a size-rotated copy on disk.
func newLogger(w io.Writer, cfg config.Config) (slog.Logger, func()) {
	sinks := []slog.Sink{sloghuman.Sink(w)}
	closeFn := func() {}
	if cfg.LogFile != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    20, // MB
			MaxBackups: 3,
			MaxAge:     14,
		}
		sinks = append(sinks, sloghuman.Sink(file))
		closeFn = func() { _ = file.Close() }
	}
	return slog.Make(sinks...).Leveled(parseLevel(cfg.LogLevel)), closeFn
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
