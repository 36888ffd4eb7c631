package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/APTlantis/epic-build-downloader/internal/config"
	"github.com/APTlantis/epic-build-downloader/internal/manifest"
	"github.com/APTlantis/epic-build-downloader/internal/verify"
)

type verifyFlags struct {
	installDir       string
	workers          int
	progressInterval time.Duration
}

// NewVerifyCommand creates the verify subcommand.
func NewVerifyCommand(root *rootOptions) *cobra.Command {
	f := &verifyFlags{}
	cmd := &cobra.Command{
		Use:   "verify <manifest-file>",
		Short: "Check an installed build against its manifest.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			installDir := f.installDir
			if installDir == "" {
				cfg, err := config.Load(root.configPath)
				if err != nil {
					return err
				}
				installDir = cfg.InstallDir
			}
			return runVerify(cmd, args[0], installDir, f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&f.installDir, "install-dir", "o", "", "Install directory to check (default from config)")
	cmd.Flags().IntVarP(&f.workers, "workers", "w", 0, "Files hashed in parallel (0 = number of CPUs)")
	cmd.Flags().DurationVar(&f.progressInterval, "progress-interval", 0, "Periodic progress logging interval (0=disabled)")
	return cmd
}

func runVerify(cmd *cobra.Command, manifestPath, installDir string, f *verifyFlags, stdout io.Writer) error {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return err
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", manifestPath, err)
	}
	rep, err := verify.Tree(cmd.Context(), installDir, m, verify.Options{
		Workers:          f.workers,
		ProgressInterval: f.progressInterval,
	})
	if err != nil {
		return err
	}
	for _, r := range rep.Failed {
		if r.Err != nil {
			fmt.Fprintf(stdout, "%-13s %s: %v\n", r.Status, r.Filename, r.Err)
		} else {
			fmt.Fprintf(stdout, "%-13s %s\n", r.Status, r.Filename)
		}
	}
	fmt.Fprintf(stdout, "checked %d files, %d bytes in %s\n", rep.Checked, rep.Bytes, rep.Elapsed.Round(time.Millisecond))
	if !rep.OK() {
		return fmt.Errorf("%d of %d files failed verification", len(rep.Failed), rep.Checked)
	}
	return nil
}
