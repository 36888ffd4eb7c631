package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/APTlantis/epic-build-downloader/internal/chunk"
	"github.com/APTlantis/epic-build-downloader/internal/config"
	"github.com/APTlantis/epic-build-downloader/internal/downloader"
	"github.com/APTlantis/epic-build-downloader/internal/launcher"
	"github.com/APTlantis/epic-build-downloader/internal/metrics"
	"github.com/APTlantis/epic-build-downloader/internal/summary"
)

// TokenEnvVar supplies the launcher access token when --token is not set.
const TokenEnvVar = "EGS_ACCESS_TOKEN"

type downloadFlags struct {
	manifestFile string
	manifestURLs []string
	namespace    string
	catalogItem  string
	appName      string
	label        string
	token        string

	installDir       string
	scratchDir       string
	concurrency      int
	baseURLs         []string
	cacheCompression bool
	keepScratch      bool
	skipFileHash     bool
	progressInterval time.Duration
}

// NewDownloadCommand creates the download subcommand.
func NewDownloadCommand(root *rootOptions) *cobra.Command {
	f := &downloadFlags{}
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download a build into an install directory.",
		Long: `Download fetches the manifest of a build, downloads every chunk it needs
from the CDN mirrors and assembles the files into the install directory.

The manifest comes from exactly one of:
  --manifest      a local .manifest or JSON manifest file
  --manifest-url  one or more manifest URLs, tried in order
  --app           a launcher lookup by namespace, catalog item and app name

Press Ctrl-C once to stop after the current batch, twice to abort at once.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			applyDownloadFlags(cmd, cfg, f)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if root.listen != "" {
				cfg.MetricsListen = root.listen
			}
			return runDownload(cmd.Context(), cfg, f)
		},
	}

	cmd.Flags().StringVarP(&f.manifestFile, "manifest", "m", "", "Local manifest file")
	cmd.Flags().StringSliceVar(&f.manifestURLs, "manifest-url", nil, "Manifest URL (repeatable)")
	cmd.Flags().StringVar(&f.namespace, "namespace", "", "Catalog namespace for a launcher lookup")
	cmd.Flags().StringVar(&f.catalogItem, "catalog-item", "", "Catalog item id for a launcher lookup")
	cmd.Flags().StringVar(&f.appName, "app", "", "App name for a launcher lookup")
	cmd.Flags().StringVar(&f.label, "label", "Live", "Build label for a launcher lookup")
	cmd.Flags().StringVar(&f.token, "token", "", "Launcher access token (default $"+TokenEnvVar+")")
	cmd.Flags().StringVarP(&f.installDir, "install-dir", "o", "", "Directory to assemble files into")
	cmd.Flags().StringVar(&f.scratchDir, "scratch-dir", "", "Directory for downloaded chunks (default <install-dir>/.egs-scratch)")
	cmd.Flags().IntVarP(&f.concurrency, "concurrency", "j", downloader.DefaultConcurrency, "Chunk requests per batch")
	cmd.Flags().StringSliceVar(&f.baseURLs, "base-url", nil, "Extra CDN base URL (repeatable)")
	cmd.Flags().BoolVar(&f.cacheCompression, "cache-compression", false, "Store scratch chunks zstd-compressed")
	cmd.Flags().BoolVar(&f.keepScratch, "keep-scratch", false, "Keep the scratch directory after a successful run")
	cmd.Flags().BoolVar(&f.skipFileHash, "skip-file-hash", false, "Do not SHA-1 check assembled files")
	cmd.Flags().DurationVar(&f.progressInterval, "progress-interval", 5*time.Second, "Periodic progress logging interval (0=disabled)")
	cmd.MarkFlagsMutuallyExclusive("manifest", "manifest-url", "app")
	return cmd
}

// applyDownloadFlags lets explicitly set flags override the config file.
func applyDownloadFlags(cmd *cobra.Command, cfg *config.Config, f *downloadFlags) {
	changed := cmd.Flags().Changed
	if changed("install-dir") {
		cfg.InstallDir = f.installDir
	}
	if changed("scratch-dir") {
		cfg.ScratchDir = f.scratchDir
	}
	if changed("concurrency") {
		cfg.Concurrency = f.concurrency
	}
	if changed("base-url") {
		cfg.BaseURLs = append(cfg.BaseURLs, f.baseURLs...)
	}
	if changed("cache-compression") {
		cfg.CacheCompression = f.cacheCompression
	}
	if changed("keep-scratch") {
		cfg.KeepScratch = f.keepScratch
	}
	if changed("skip-file-hash") {
		cfg.SkipFileHash = f.skipFileHash
	}
}

// manifestSource picks where the manifest comes from.
func manifestSource(cfg *config.Config, f *downloadFlags, client *http.Client) (downloader.ManifestSource, error) {
	switch {
	case f.manifestFile != "":
		return downloader.FileSource{Path: f.manifestFile}, nil
	case len(f.manifestURLs) > 0:
		return downloader.URLSource{Client: client, URLs: f.manifestURLs}, nil
	case f.appName != "":
		token := f.token
		if token == "" {
			token = os.Getenv(TokenEnvVar)
		}
		if token == "" {
			return nil, fmt.Errorf("launcher lookup needs --token or $%s", TokenEnvVar)
		}
		if f.namespace == "" || f.catalogItem == "" {
			return nil, errors.New("launcher lookup needs --namespace and --catalog-item")
		}
		return launcher.Source{
			Client: launcher.NewClient(client, cfg.Launcher.APIURL, cfg.Launcher.Platform),
			Token:  token,
			Target: launcher.Target{
				Namespace:     f.namespace,
				CatalogItemID: f.catalogItem,
				AppName:       f.appName,
				Label:         f.label,
			},
		}, nil
	default:
		return nil, errors.New("one of --manifest, --manifest-url or --app is required")
	}
}

func runDownload(ctx context.Context, cfg *config.Config, f *downloadFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	connectTO, readTO, err := cfg.Timeouts()
	if err != nil {
		return err
	}
	client := chunk.NewHTTPClient(cfg.Concurrency, connectTO, readTO)
	src, err := manifestSource(cfg, f, client)
	if err != nil {
		return err
	}

	d := downloader.New(downloader.Options{
		InstallDir:       cfg.InstallDir,
		ScratchDir:       cfg.Scratch(),
		Concurrency:      cfg.Concurrency,
		BaseURLs:         cfg.BaseURLs,
		Client:           client,
		CacheCompression: cfg.CacheCompression,
		SkipFileHash:     cfg.SkipFileHash,
		KeepScratch:      cfg.KeepScratch,
	})
	info := &downloader.DownloadInfo{}

	metrics.Register()
	metrics.StartServer(cfg.MetricsListen, statusFunc(d, info))

	ctx, stopSignals := handleInterrupts(ctx, info)
	defer stopSignals()
	stopProgress := downloader.ReportProgress(ctx, info, f.progressInterval)
	res, err := d.Run(ctx, src, info)
	stopProgress()
	if err != nil {
		if len(res.FilesSkipped) > 0 {
			slog.Warn("files_skipped", "count", len(res.FilesSkipped), "first", res.FilesSkipped[0])
		}
		return err
	}

	if err := summary.WriteSidecar(cfg.InstallDir, res.Manifest); err != nil {
		slog.Warn("sidecar_write_failed", "dir", cfg.InstallDir, "err", err)
	}
	fmt.Printf("Downloaded %s %s: %d files, %d chunks, %d bytes in %s\n",
		res.Manifest.Meta.AppName, res.Manifest.Meta.BuildVersion,
		res.FilesAssembled, res.ChunksFetched, res.BytesDownloaded, res.Elapsed.Round(time.Millisecond))
	return nil
}

func statusFunc(d *downloader.Downloader, info *downloader.DownloadInfo) metrics.StatusFunc {
	return func() metrics.Status {
		s := info.Snapshot()
		return metrics.Status{
			State:    d.State().String(),
			Progress: s.Progress,
			Bytes:    s.Downloaded,
			Total:    s.Total,
		}
	}
}

// handleInterrupts turns the first SIGINT/SIGTERM into a cooperative
// cancel and the second into a context cancel that aborts open requests.
func handleInterrupts(parent context.Context, info *downloader.DownloadInfo) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		n := 0
		for {
			select {
			case <-done:
				return
			case sig := <-sigs:
				n++
				if n == 1 {
					slog.Warn("interrupt received, stopping after current batch", "signal", sig.String())
					info.Cancel()
					continue
				}
				slog.Warn("second interrupt, aborting", "signal", sig.String())
				cancel()
				return
			}
		}
	}()
	return ctx, func() {
		signal.Stop(sigs)
		close(done)
		cancel()
	}
}
