package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"kintampo/internal/config"
	"kintampo/internal/event"
	"kintampo/internal/logging"
	"kintampo/internal/metrics"
	"kintampo/internal/relay"
	"kintampo/internal/server"
	"kintampo/internal/topology"
	"kintampo/internal/watcher"
)

const (
	shutdownTimeout            = 5 * time.Second
	rawSlowSubscriberThreshold = 250 * time.Millisecond
)

var errWatcherFailed = errors.New("watcher failed")

type daemonOptions struct {
	Logger   *logging.Logger
	Registry *metrics.Registry
	// WatcherStarted is called once the watcher is running, before any
	// change is published on raw.
	WatcherStarted func(raw *event.Bus[event.Envelope])
	// Ready is called once both listeners are bound.
	Ready func(*server.Server)
}

// newRawBus returns the bus between the watcher and the relay. Publishing
// blocks until the relay takes the change instead of dropping it.
func newRawBus(registry *metrics.Registry, logger *logging.Logger) *event.Bus[event.Envelope] {
	return event.NewBus[event.Envelope](context.Background(), event.BusOptions{
		Name:                    "raw",
		BlockOnFull:             true,
		SlowSubscriberThreshold: rawSlowSubscriberThreshold,
		Registry:                registry,
		Logger:                  logger,
	})
}

// runDaemon wires the watcher, both buses, the relay, the topology service
// and the server, then blocks until ctx is done or a component fails.
func runDaemon(ctx context.Context, cfg config.Config, options daemonOptions) error {
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	registry := options.Registry
	if registry == nil {
		registry = metrics.Default
	}

	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return fmt.Errorf("create root %s: %w", cfg.Root, err)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	coordinator := newShutdownCoordinator(logger)
	shutdown := func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		_ = coordinator.Run(shutdownCtx)
	}

	raw := newRawBus(registry, logger)
	public := event.NewBus[event.Envelope](context.Background(), event.BusOptions{
		Name:     "public",
		Registry: registry,
		Logger:   logger,
	})

	forwarder := relay.New(raw, public, relay.Options{Logger: logger, Registry: registry})
	if err := forwarder.Start(runCtx); err != nil {
		raw.Close()
		public.Close()
		return err
	}

	stream, err := watcher.Start(runCtx, cfg.Root, watcher.Options{
		Logger:     logger,
		Registry:   registry,
		Debounce:   cfg.Debounce,
		MaxWatches: cfg.MaxWatches,
		ErrorHandler: func(err error) {
			cancel(fmt.Errorf("%w: %w", errWatcherFailed, err))
		},
	})
	if err != nil {
		cancel(err)
		raw.Close()
		<-forwarder.Done()
		public.Close()
		return err
	}
	if options.WatcherStarted != nil {
		options.WatcherStarted(raw)
	}
	rawDone := make(chan struct{})
	go func() {
		defer close(rawDone)
		watcher.PublishRaw(runCtx, stream, raw)
	}()
	coordinator.Add("watcher", func(context.Context) error { return stream.Close() })
	coordinator.Add("raw source", waitFor(rawDone))
	coordinator.Add("raw bus", closeBus(raw))
	coordinator.Add("relay", waitFor(forwarder.Done()))
	coordinator.Add("public bus", closeBus(public))

	service := topology.NewService(cfg.Root, topology.Options{Logger: logger, Registry: registry})
	serviceDone := make(chan struct{})
	go func() {
		defer close(serviceDone)
		if err := service.Serve(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("topology service stopped", map[string]string{"error": err.Error()})
		}
	}()
	coordinator.Add("topology", waitFor(serviceDone))

	srv := server.New(server.Options{
		Host:            cfg.Host,
		PublicPort:      cfg.PublicPort(),
		DiscoveryPort:   cfg.DiscoveryPort(),
		Public:          public,
		Topology:        service,
		Logger:          logger,
		Registry:        registry,
		ShutdownTimeout: shutdownTimeout,
	})
	if err := srv.Listen(runCtx); err != nil {
		cancel(err)
		shutdown()
		return err
	}
	if options.Ready != nil {
		options.Ready(srv)
	}

	serveErr := srv.Serve(runCtx)
	cancel(nil)
	shutdown()

	if serveErr != nil {
		return serveErr
	}
	if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

func waitFor(done <-chan struct{}) func(context.Context) error {
	return func(ctx context.Context) error {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func closeBus(bus *event.Bus[event.Envelope]) func(context.Context) error {
	return func(context.Context) error {
		bus.Close()
		return nil
	}
}
