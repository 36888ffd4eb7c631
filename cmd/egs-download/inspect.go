package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/APTlantis/epic-build-downloader/internal/manifest"
	"github.com/APTlantis/epic-build-downloader/internal/summary"
)

type inspectFlags struct {
	format  string
	out     string
	rewrite string
}

// NewInspectCommand creates the inspect subcommand.
func NewInspectCommand() *cobra.Command {
	f := &inspectFlags{}
	cmd := &cobra.Command{
		Use:   "inspect <manifest-file>",
		Short: "Print a manifest as JSON.",
		Long: `Inspect parses a binary or JSON manifest and prints it as JSON.

--format summary prints counts, sizes and the first few files and chunks.
--format full prints every chunk, file and chunk part.
--rewrite writes the manifest back out in the binary format.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(args[0], f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&f.format, "format", "f", "summary", "Output format: summary|full")
	cmd.Flags().StringVarP(&f.out, "out", "o", "", "Write JSON to this file instead of stdout")
	cmd.Flags().StringVar(&f.rewrite, "rewrite", "", "Also write the manifest in binary form to this path")
	return cmd
}

func runInspect(path string, f *inspectFlags, stdout io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	var doc any
	switch f.format {
	case "summary", "":
		doc = summary.Summarize(m)
	case "full":
		doc = summary.Full(m)
	default:
		return fmt.Errorf("unknown format %q (want summary or full)", f.format)
	}

	if f.rewrite != "" {
		b, err := m.MarshalBinary()
		if err != nil {
			return fmt.Errorf("encode manifest: %w", err)
		}
		if err := os.WriteFile(f.rewrite, b, 0o644); err != nil {
			return err
		}
	}

	if f.out != "" {
		return summary.WriteFile(f.out, doc)
	}
	return summary.Write(stdout, doc)
}
