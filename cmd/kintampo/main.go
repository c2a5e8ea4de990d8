package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"kintampo/internal/config"
	"kintampo/internal/logging"
	"kintampo/internal/metrics"
	"kintampo/internal/otel"
	"kintampo/internal/version"

	otelapi "go.opentelemetry.io/otel"
)

const (
	programName    = "kintampo"
	programSummary = "Publishes filesystem changes under a root directory to websocket subscribers."
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load(args, config.LoadOptions{
		Program: programName,
		Summary: programSummary,
		Usage:   stdout,
	})
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 1
	}
	info := version.GetVersionInfo()
	if cfg.ShowVersion {
		fmt.Fprintln(stdout, info.Line(programName))
		return 0
	}

	logger := logging.NewLoggerWithOutput(logging.NewLogBuffer(logging.DefaultBufferSize), cfg.LogLevel, stderr)
	logger.Info("kintampo starting", info.LogFields())
	logger.Debug("configuration resolved", cfg.LogFields())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopSignals := make(chan os.Signal, 2)
	signal.Notify(stopSignals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stopSignals)
	stopWatching := watchShutdownSignals(logger, cancel, stopSignals)
	defer stopWatching()

	stopTelemetry := startTelemetry(ctx, logger, info.Version, metrics.Default)
	defer stopTelemetry()

	if err := runDaemon(ctx, cfg, daemonOptions{Logger: logger, Registry: metrics.Default}); err != nil {
		logger.Error("kintampo stopped", map[string]string{"error": err.Error()})
		return 1
	}
	logger.Info("kintampo stopped", nil)
	return 0
}

// startTelemetry installs the OTLP SDK when KINTAMPO_OTEL_SDK_ENABLED is set
// and exports the registry through the global meter. Failures are logged and
// leave the no-op providers in place.
func startTelemetry(ctx context.Context, logger *logging.Logger, serviceVersion string, registry *metrics.Registry) func() {
	options := otel.SDKOptionsFromEnv(nil)
	options.ServiceVersion = serviceVersion
	shutdownSDK, err := otel.SetupSDK(ctx, options)
	if err != nil {
		logger.Warn("otel sdk setup failed", map[string]string{"error": err.Error()})
		shutdownSDK = func(context.Context) error { return nil }
	}
	registration, err := otel.RegisterRegistryMetrics(otelapi.GetMeterProvider().Meter("kintampo"), registry)
	if err != nil {
		logger.Warn("otel metrics registration failed", map[string]string{"error": err.Error()})
	}
	return func() {
		if registration != nil {
			_ = registration.Unregister()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownSDK(shutdownCtx); err != nil {
			logger.Warn("otel sdk shutdown failed", map[string]string{"error": err.Error()})
		}
	}
}
