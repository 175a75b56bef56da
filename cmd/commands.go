package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"playcheck/config"
	"playcheck/diag"
	"playcheck/logger"
	"playcheck/output"
	"playcheck/policy"
	"playcheck/scanner"
	"playcheck/server"
	"playcheck/store"
	"playcheck/version"
)

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scan HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			exporter, err := output.NewExporter(cfg)
			if err != nil {
				return fmt.Errorf("init otel exporter: %w", err)
			}
			defer exporter.Shutdown()

			backend, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore(backend)

			// Leaked request goroutines show up in the dump written on close.
			ctl := diag.NewController(diag.Options{
				Label:                   "serve",
				Dir:                     cfg.DiagDir,
				GoroutineProfileOnClose: cfg.DiagGoroutineLeak,
			})
			defer ctl.Close()

			svc := a.newService(backend, exporter)
			logger.WithFields(logger.Fields{
				"listen":  cfg.ListenAddr,
				"store":   cfg.StoreBackend,
				"version": version.Version,
			}).Info("Starting playcheck API")
			return server.New(cfg, svc).Run(cmd.Context())
		},
	}
}

func newScanCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "scan PATH...",
		Short: "Scan manifest files and directories and write a report",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			exporter, err := output.NewExporter(cfg)
			if err != nil {
				return fmt.Errorf("init otel exporter: %w", err)
			}
			defer exporter.Shutdown()

			backend, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore(backend)

			w, err := output.New(cfg, exporter)
			if err != nil {
				return fmt.Errorf("init output: %w", err)
			}

			s := scanner.New(cfg, a.newService(backend, exporter))
			summary, scanErr := s.ScanPaths(cmd.Context(), args, w)
			if err := w.Close(); err != nil && scanErr == nil {
				scanErr = fmt.Errorf("write report: %w", err)
			}
			if scanErr != nil {
				return scanErr
			}

			logger.WithFields(logger.Fields{
				"total":        summary.TotalFiles,
				"scanned":      summary.Scanned,
				"failed":       summary.Failed,
				"violations":   summary.Violations,
				"max_severity": string(summary.MaxSeverity),
			}).Info("Scanning completed")
			for kind, n := range summary.FailedByKind {
				logger.Debugf("Failed files (%s): %d", kind, n)
			}

			threshold, _ := policy.ParseSeverity(cfg.FailOn)
			if summary.Exceeds(threshold) {
				return fmt.Errorf("%w: found %s, fail-on %s", errThresholdReached, summary.MaxSeverity, threshold)
			}
			return nil
		},
	}
}

func newWatchCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch DIR...",
		Short: "Rescan manifests whenever they change",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if cfg.OutputFormat != "ndjson" {
				logger.Debugf("Watch mode streams ndjson; ignoring format %q", cfg.OutputFormat)
				cfg.OutputFormat = "ndjson"
			}
			cfg.ShowProgress = false

			exporter, err := output.NewExporter(cfg)
			if err != nil {
				return fmt.Errorf("init otel exporter: %w", err)
			}
			defer exporter.Shutdown()

			backend, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore(backend)

			w, err := output.New(cfg, exporter)
			if err != nil {
				return fmt.Errorf("init output: %w", err)
			}
			defer func() {
				if err := w.Close(); err != nil {
					logger.Warnf("Failed to close report: %v", err)
				}
			}()

			var rescans, skipped, failed int
			watcher := scanner.NewWatcher(scanner.New(cfg, a.newService(backend, exporter)), cfg.WatchDebounce, w)
			watcher.OnEvent(func(ev scanner.WatchEvent) {
				switch {
				case ev.Err != nil:
					failed++
				case ev.Skipped:
					skipped++
				default:
					rescans++
				}
			})
			defer func() {
				logger.WithFields(logger.Fields{
					"scanned": rescans,
					"skipped": skipped,
					"failed":  failed,
				}).Info("Watch stopped")
			}()
			return watcher.Run(cmd.Context(), args)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the playcheck version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "playcheck %s (%s %s/%s)\n", version.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

func openStore(cfg *config.Config) (store.Backend, error) {
	backend, err := store.Open(cfg.StoreBackend, cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
	}
	return backend, nil
}

func closeStore(backend store.Backend) {
	if err := backend.Close(); err != nil {
		logger.Warnf("Failed to close store: %v", err)
	}
}
