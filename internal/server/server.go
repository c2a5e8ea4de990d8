// Package server exposes the public topic websocket and the discovery
// websocket, each on its own listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"kintampo/internal/event"
	"kintampo/internal/logging"
	"kintampo/internal/metrics"
)

const (
	defaultBindAttempts  = 5
	defaultBindBaseDelay = 100 * time.Millisecond
	readHeaderTimeout    = 10 * time.Second
)

var ErrBindFailed = errors.New("bind failed")

type Options struct {
	Host          string
	PublicPort    int
	DiscoveryPort int

	Public   event.Subscriber[event.Envelope]
	Topology TopologyResponder

	Logger         *logging.Logger
	Registry       *metrics.Registry
	AllowedOrigins []string

	BindAttempts    int
	BindBaseDelay   time.Duration
	ShutdownTimeout time.Duration
}

type Server struct {
	options  Options
	logger   *logging.Logger
	registry *metrics.Registry

	mutex             sync.Mutex
	publicListener    net.Listener
	discoveryListener net.Listener
}

func New(options Options) *Server {
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	registry := options.Registry
	if registry == nil {
		registry = metrics.Default
	}
	if options.BindAttempts <= 0 {
		options.BindAttempts = defaultBindAttempts
	}
	if options.BindBaseDelay <= 0 {
		options.BindBaseDelay = defaultBindBaseDelay
	}
	return &Server{
		options:  options,
		logger:   logger.Component("server"),
		registry: registry,
	}
}

// PublicHandler routes the topic websocket.
func (s *Server) PublicHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(eventsRoute, &EventsHandler{
		Bus:            s.options.Public,
		Logger:         s.logger,
		Registry:       s.registry,
		AllowedOrigins: s.options.AllowedOrigins,
	})
	return mux
}

// DiscoveryHandler routes the topology websocket plus metrics, recent logs
// and health.
func (s *Server) DiscoveryHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(topologyRoute, &TopologyHandler{
		Service:        s.options.Topology,
		Logger:         s.logger,
		Registry:       s.registry,
		AllowedOrigins: s.options.AllowedOrigins,
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if err := s.registry.WritePrometheus(w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	mux.Handle(logsRoute, &LogsHandler{Buffer: s.logger.Buffer()})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// Listen binds both listeners. It retries with exponential backoff and
// returns an error wrapping ErrBindFailed when every attempt fails.
func (s *Server) Listen(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	publicListener, err := s.listenWithRetry(ctx, "public", s.options.PublicPort)
	if err != nil {
		return err
	}
	discoveryListener, err := s.listenWithRetry(ctx, "discovery", s.options.DiscoveryPort)
	if err != nil {
		_ = publicListener.Close()
		return err
	}
	s.mutex.Lock()
	s.publicListener = publicListener
	s.discoveryListener = discoveryListener
	s.mutex.Unlock()

	s.logger.Info("listening", map[string]string{
		"public":    "ws://" + publicListener.Addr().String() + eventsRoute,
		"discovery": "ws://" + discoveryListener.Addr().String() + topologyRoute,
	})
	return nil
}

func (s *Server) listenWithRetry(ctx context.Context, name string, port int) (net.Listener, error) {
	address := net.JoinHostPort(s.options.Host, strconv.Itoa(port))
	backoff := s.options.BindBaseDelay
	var lastErr error
	for attempt := 1; attempt <= s.options.BindAttempts; attempt++ {
		listener, err := net.Listen("tcp", address)
		if err == nil {
			return listener, nil
		}
		lastErr = err
		if attempt == s.options.BindAttempts {
			break
		}
		s.logger.Warn("listen failed; retrying", map[string]string{
			"listener": name,
			"address":  address,
			"attempt":  strconv.Itoa(attempt),
			"error":    err.Error(),
		})
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s %s: %v", ErrBindFailed, name, address, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("%w: %s %s after %d attempts: %v", ErrBindFailed, name, address, s.options.BindAttempts, lastErr)
}

// PublicAddr is nil before Listen.
func (s *Server) PublicAddr() net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.publicListener == nil {
		return nil
	}
	return s.publicListener.Addr()
}

// DiscoveryAddr is nil before Listen.
func (s *Server) DiscoveryAddr() net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.discoveryListener == nil {
		return nil
	}
	return s.discoveryListener.Addr()
}

// Serve runs both listeners until ctx is done or one fails. Open websocket
// connections are closed on the way out.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mutex.Lock()
	publicListener := s.publicListener
	discoveryListener := s.discoveryListener
	s.mutex.Unlock()
	if publicListener == nil || discoveryListener == nil {
		return errors.New("server is not listening")
	}

	connCtx, cancelConns := context.WithCancel(ctx)
	defer cancelConns()
	baseContext := func(net.Listener) context.Context { return connCtx }

	publicServer := &http.Server{
		Handler:           s.PublicHandler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       baseContext,
	}
	discoveryServer := &http.Server{
		Handler:           s.DiscoveryHandler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       baseContext,
	}
	shutdown := func(server *http.Server) func(context.Context) error {
		return func(shutdownCtx context.Context) error {
			cancelConns()
			return server.Shutdown(shutdownCtx)
		}
	}

	runner := &Runner{Logger: s.logger, ShutdownTimeout: s.options.ShutdownTimeout}
	return runner.Run(ctx,
		ManagedServer{
			Name:     "public",
			Serve:    func() error { return publicServer.Serve(publicListener) },
			Shutdown: shutdown(publicServer),
		},
		ManagedServer{
			Name:     "discovery",
			Serve:    func() error { return discoveryServer.Serve(discoveryListener) },
			Shutdown: shutdown(discoveryServer),
		},
	)
}
