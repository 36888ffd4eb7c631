package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/APTlantis/epic-build-downloader/internal/downloader"
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logFormat  string
	logLevel   string
	listen     string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "egs-download",
		Short:         "Download and verify Epic Games Store builds from their chunk manifests.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(slog.New(newLogHandler(opts.logFormat, opts.logLevel)))
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file (default $EGS_DOWNLOAD_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "Logging format: text|json")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Logging level: debug|info|warn|error")
	rootCmd.PersistentFlags().StringVar(&opts.listen, "listen", "", "Serve Prometheus metrics and pprof at this address (e.g., :9090)")

	rootCmd.AddCommand(NewDownloadCommand(opts))
	rootCmd.AddCommand(NewInspectCommand())
	rootCmd.AddCommand(NewVerifyCommand(opts))
	rootCmd.AddCommand(NewCompletionCommand())
	return rootCmd
}

func newLogHandler(format, level string) slog.Handler {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error", "err":
		lvl = slog.LevelError
	}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	}
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
}

// exitCode maps a command error to the process status. Cancelled runs exit
// with 130 like an interrupted shell job.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case downloader.IsCancelled(err):
		return 130
	default:
		return 1
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}
