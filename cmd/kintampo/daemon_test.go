package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"kintampo/internal/config"
	"kintampo/internal/event"
	"kintampo/internal/logging"
	"kintampo/internal/metrics"
	"kintampo/internal/server"
)

func writeEmpty(path string) error {
	return os.WriteFile(path, nil, 0o644)
}

func testConfig(root string) config.Config {
	cfg := config.Defaults()
	cfg.Root = root
	cfg.Host = "127.0.0.1"
	cfg.BasePort = 0
	cfg.Debounce = 50 * time.Millisecond
	return cfg
}

type daemonRun struct {
	cancel context.CancelFunc
	done   chan error
	server *server.Server
	buffer *logging.LogBuffer
}

func startTestDaemon(t *testing.T, cfg config.Config) *daemonRun {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	buffer := logging.NewLogBuffer(256)
	ready := make(chan *server.Server, 1)
	done := make(chan error, 1)
	go func() {
		done <- runDaemon(ctx, cfg, daemonOptions{
			Logger:   logging.NewLoggerWithOutput(buffer, logging.LevelDebug, nil),
			Registry: &metrics.Registry{},
			Ready:    func(srv *server.Server) { ready <- srv },
		})
	}()

	run := &daemonRun{cancel: cancel, done: done, buffer: buffer}
	select {
	case run.server = <-ready:
	case err := <-done:
		cancel()
		t.Fatalf("daemon exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatalf("daemon did not become ready")
	}
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return run
}

func TestDaemonServesAndStopsCleanly(t *testing.T) {
	root := filepath.Join(t.TempDir(), "missing", "root")
	run := startTestDaemon(t, testConfig(root))

	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		t.Fatalf("expected root to be created: %v", err)
	}

	client := &http.Client{Timeout: 2 * time.Second}
	response, err := client.Get("http://" + run.server.DiscoveryAddr().String() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	body, _ := io.ReadAll(response.Body)
	response.Body.Close()
	if strings.TrimSpace(string(body)) != "ok" {
		t.Fatalf("unexpected healthz body %q", body)
	}

	run.cancel()
	select {
	case err := <-run.done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
		run.done <- nil
	case <-time.After(5 * time.Second):
		t.Fatalf("daemon did not stop")
	}
	if !hasLogMessage(run.buffer, "watcher stopped") {
		t.Fatalf("expected watcher to be stopped during shutdown")
	}
}

func TestDaemonStopsWhenRootDisappears(t *testing.T) {
	root := filepath.Join(t.TempDir(), "root")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	run := startTestDaemon(t, testConfig(root))

	if err := os.RemoveAll(root); err != nil {
		t.Fatalf("remove root: %v", err)
	}
	select {
	case err := <-run.done:
		if !errors.Is(err, errWatcherFailed) {
			t.Fatalf("expected watcher failure, got %v", err)
		}
		run.done <- err
	case <-time.After(10 * time.Second):
		t.Fatalf("daemon kept running without its root")
	}
}

func TestDaemonRejectsFileRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "file")
	if err := writeEmpty(root); err != nil {
		t.Fatalf("write: %v", err)
	}
	err := runDaemon(context.Background(), testConfig(root), daemonOptions{})
	if err == nil {
		t.Fatalf("expected error for file root")
	}
}

func TestDaemonReportsBindFailure(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping bind test (listener unavailable): %v", err)
	}
	defer occupied.Close()

	cfg := testConfig(t.TempDir())
	cfg.BasePort = occupied.Addr().(*net.TCPAddr).Port
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = runDaemon(ctx, cfg, daemonOptions{Registry: &metrics.Registry{}})
	if !errors.Is(err, server.ErrBindFailed) {
		t.Fatalf("expected ErrBindFailed, got %v", err)
	}
}

func TestDaemonSubscribesRelayBeforeWatching(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	subscribers := make(chan int, 1)
	done := make(chan error, 1)
	go func() {
		done <- runDaemon(ctx, testConfig(t.TempDir()), daemonOptions{
			Registry: &metrics.Registry{},
			WatcherStarted: func(raw *event.Bus[event.Envelope]) {
				subscribers <- raw.SubscriberCount()
			},
			Ready: func(*server.Server) { cancel() },
		})
	}()

	select {
	case count := <-subscribers:
		if count != 1 {
			t.Fatalf("expected relay subscribed before the watcher started, got %d subscribers", count)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("watcher did not start")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("daemon: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("daemon did not stop")
	}
}

func TestRawBusWaitsForSlowRelay(t *testing.T) {
	raw := newRawBus(&metrics.Registry{}, logging.Discard())
	defer raw.Close()
	changes, unsubscribe := raw.Subscribe()
	defer unsubscribe()

	const total = 500
	published := make(chan struct{})
	go func() {
		defer close(published)
		for i := 0; i < total; i++ {
			path := "/tmp/k/" + strconv.Itoa(i)
			raw.Publish(event.NewEnvelope("CREATE", []byte(path)))
		}
	}()

	select {
	case <-published:
		t.Fatalf("expected publishing to wait for the subscriber")
	case <-time.After(50 * time.Millisecond):
	}
	for i := 0; i < total; i++ {
		select {
		case envelope := <-changes:
			if want := "/tmp/k/" + strconv.Itoa(i); string(envelope.Payload) != want {
				t.Fatalf("expected %s, got %s", want, envelope.Payload)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d changes", i, total)
		}
	}
	<-published
}
