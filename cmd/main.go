package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"playcheck/config"
	"playcheck/logger"
	"playcheck/output"
	"playcheck/policy"
	"playcheck/scan"
	"playcheck/tracing"
	"playcheck/version"
)

// Exit code used when a scanned package reaches the --fail-on severity.
const exitThresholdReached = 2

var errThresholdReached = errors.New("violation severity threshold reached")

func main() {
	if err := tracing.Start(os.Getenv("PLAYCHECK_TRACE_FILE")); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start trace: %v\n", err)
	} else {
		defer tracing.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := &app{cancel: cancel}
	root := newRootCommand(a)
	err := root.ExecuteContext(ctx)
	a.close()
	if err == nil {
		return
	}
	if errors.Is(err, errThresholdReached) {
		logger.Warn(err)
		os.Exit(exitThresholdReached)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// app carries state shared by every subcommand once flags are parsed.
type app struct {
	loader *config.Loader
	cfg    *config.Config
	cancel context.CancelFunc
	flight bool
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "playcheck",
		Short:         "Check Android app manifests against Google Play policy rules",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
	}
	a.loader = config.Bind(root.PersistentFlags())
	root.AddCommand(
		newServeCommand(a),
		newScanCommand(a),
		newWatchCommand(a),
		newVersionCommand(),
	)
	return root
}

func (a *app) init() error {
	cfg, err := a.loader.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	a.cfg = cfg
	logger.InitWithFormat(cfg.LogLevel, cfg.LogFormat)
	if cfg.ConfigFile != "" {
		logger.Debugf("Loaded configuration from %s", cfg.ConfigFile)
	}

	if cfg.TraceFlight {
		if err := tracing.StartFlightRecorder(cfg.TraceFlightMaxBytes, cfg.TraceFlightMinAge); err != nil {
			logger.Warnf("Failed to start flight recorder: %v", err)
		} else {
			a.flight = true
		}
	}

	go handleSignals(a.cancel, a.flight, cfg.TraceFlightFile)
	return nil
}

func (a *app) close() {
	if !a.flight {
		return
	}
	if err := tracing.WriteFlightRecorder(a.cfg.TraceFlightFile); err != nil {
		logger.Warnf("Failed to write flight recorder: %v", err)
	}
	tracing.StopFlightRecorder()
	a.flight = false
}

// newService wires the rule engine and the scan lifecycle to store, with
// exporter receiving completed scans and rule faults.
func (a *app) newService(st scan.Store, exporter *output.Exporter) *scan.Service {
	engine := policy.NewEngine(policy.DefaultRegistry(), policy.WithFaultHandler(exporter.RuleFault))
	var opts []scan.Option
	if exporter != nil {
		opts = append(opts, scan.WithListener(exporter))
	}
	return scan.NewService(engine, st, opts...)
}

func handleSignals(cancelFunc context.CancelFunc, traceFlight bool, traceFlightFile string) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	handleSignalEvent(cancelFunc, traceFlight, traceFlightFile, sigChan)
}

func handleSignalEvent(cancelFunc context.CancelFunc, traceFlight bool, traceFlightFile string, sigChan <-chan os.Signal) {
	sig := <-sigChan
	logger.Infof("Signal %s received. Shutting down...", sig)

	if traceFlight {
		if err := tracing.WriteFlightRecorder(traceFlightFile); err != nil {
			logger.Warnf("Failed to write flight recorder: %v", err)
		}
	}

	cancelFunc()
}
