package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"kintampo/internal/event"
	"kintampo/internal/topic"
)

const testDebounce = 50 * time.Millisecond

func startTestWatcher(t *testing.T, root string, options Options) *Watcher {
	t.Helper()
	if options.Debounce == 0 {
		options.Debounce = testDebounce
	}
	watcher, err := Start(context.Background(), root, options)
	if err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	t.Cleanup(func() {
		_ = watcher.Close()
	})
	return watcher
}

func waitForEvent(t *testing.T, events <-chan ChangeEvent) ChangeEvent {
	t.Helper()
	select {
	case change, ok := <-events:
		if !ok {
			t.Fatal("event stream closed")
		}
		return change
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return ChangeEvent{}
}

// waitForPath skips events for other paths until one for path arrives.
func waitForPath(t *testing.T, events <-chan ChangeEvent, path string) ChangeEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case change, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed before %s", path)
			}
			if change.Path == path {
				return change
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", path)
		}
	}
}

func expectNoEvent(t *testing.T, events <-chan ChangeEvent, wait time.Duration) {
	t.Helper()
	select {
	case change := <-events:
		t.Fatalf("unexpected event %s %s", change.Kind, change.Path)
	case <-time.After(wait):
	}
}

func TestStartRejectsMissingRoot(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing")
	_, err := Start(context.Background(), missing, Options{})
	if err == nil {
		t.Fatal("expected error for missing root")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestStartRejectsFileRoot(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	_, err := Start(context.Background(), file, Options{})
	if !errors.Is(err, ErrRootNotDirectory) {
		t.Fatalf("expected ErrRootNotDirectory, got %v", err)
	}
}

func TestStartRejectsEmptyRoot(t *testing.T) {
	_, err := Start(context.Background(), "", Options{})
	if !errors.Is(err, ErrRootNotDirectory) {
		t.Fatalf("expected ErrRootNotDirectory, got %v", err)
	}
}

func TestStartRegistersExistingDirectories(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "a", "b"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "a", "file.txt"), nil, 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	watcher := startTestWatcher(t, root, Options{})
	if got := watcher.Metrics().ActiveWatches; got != 3 {
		t.Fatalf("expected 3 watches, got %d", got)
	}
	if watcher.Root() != root {
		t.Fatalf("expected root %q, got %q", root, watcher.Root())
	}
}

func TestStartFailsWhenMaxWatchesExceeded(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	_, err := Start(context.Background(), root, Options{MaxWatches: 1})
	if !errors.Is(err, ErrMaxWatchesExceeded) {
		t.Fatalf("expected ErrMaxWatchesExceeded, got %v", err)
	}
}

func TestWatcherEmitsCreateForNewFile(t *testing.T) {
	root := t.TempDir()
	watcher := startTestWatcher(t, root, Options{})

	path := filepath.Join(root, "file.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	change := waitForPath(t, watcher.Events(), path)
	if change.Kind != topic.KindCreate {
		t.Fatalf("expected create, got %s", change.Kind)
	}
	if change.Timestamp.IsZero() {
		t.Fatal("expected timestamp")
	}
}

func TestWatcherCoalescesBurstWithinDebounce(t *testing.T) {
	root := t.TempDir()
	watcher := startTestWatcher(t, root, Options{Debounce: 200 * time.Millisecond})

	path := filepath.Join(root, "burst.txt")
	for index := 0; index < 5; index++ {
		if err := os.WriteFile(path, []byte{byte(index)}, 0o600); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}

	change := waitForPath(t, watcher.Events(), path)
	if change.Kind != topic.KindCreate {
		t.Fatalf("expected coalesced create, got %s", change.Kind)
	}
	expectNoEvent(t, watcher.Events(), 400*time.Millisecond)
	if watcher.Metrics().EventsCoalesced == 0 {
		t.Fatal("expected coalesced events to be counted")
	}
}

func TestWatcherEmitsSeparateEventsBeyondDebounce(t *testing.T) {
	root := t.TempDir()
	watcher := startTestWatcher(t, root, Options{})

	path := filepath.Join(root, "slow.txt")
	if err := os.WriteFile(path, []byte("one"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	first := waitForPath(t, watcher.Events(), path)
	if first.Kind != topic.KindCreate {
		t.Fatalf("expected create, got %s", first.Kind)
	}

	time.Sleep(2 * testDebounce)
	if err := os.WriteFile(path, []byte("two"), 0o600); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}
	second := waitForPath(t, watcher.Events(), path)
	if second.Kind != topic.KindWrite {
		t.Fatalf("expected write, got %s", second.Kind)
	}
}

func TestWatcherEmitsRemove(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "gone.txt")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	watcher := startTestWatcher(t, root, Options{})

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	change := waitForPath(t, watcher.Events(), path)
	if change.Kind != topic.KindRemove {
		t.Fatalf("expected remove, got %s", change.Kind)
	}
}

func TestWatcherContextCancelClosesEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	watcher, err := Start(ctx, t.TempDir(), Options{Debounce: testDebounce})
	if err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()

	select {
	case _, ok := <-watcher.Events():
		if ok {
			t.Fatal("expected closed event stream")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event stream to close")
	}
	if err := watcher.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestPublishRawUsesRawOpcodes(t *testing.T) {
	root := t.TempDir()
	watcher := startTestWatcher(t, root, Options{})
	bus := event.NewMockBus[event.Envelope]()
	defer bus.Close()
	envelopes, cancelSub := bus.Subscribe()
	defer cancelSub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		PublishRaw(ctx, watcher, bus)
		close(done)
	}()

	path := filepath.Join(root, "raw.txt")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	envelope := event.ReceiveWithTimeout(t, envelopes, 2*time.Second)
	if envelope.Topic != topic.RawCreate {
		t.Fatalf("expected %s topic, got %q", topic.RawCreate, envelope.Topic)
	}
	if string(envelope.Payload) != path {
		t.Fatalf("expected payload %q, got %q", path, envelope.Payload)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PublishRaw did not return after cancel")
	}
}
