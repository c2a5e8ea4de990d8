package client

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"kintampo/internal/event"
	"kintampo/internal/metrics"
	"kintampo/internal/relay"
	"kintampo/internal/topic"
	"kintampo/internal/watcher"
)

// startPipeline wires a watcher on root through the raw bus and relay onto
// the stack's public bus.
func startPipeline(t *testing.T, root string, stack *testStack) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	registry := &metrics.Registry{}

	raw := event.NewBus[event.Envelope](ctx, event.BusOptions{Name: "raw", Registry: registry})
	w, err := watcher.Start(ctx, root, watcher.Options{
		Registry: registry,
		Debounce: 50 * time.Millisecond,
	})
	if err != nil {
		cancel()
		t.Fatalf("start watcher: %v", err)
	}
	forwarder := relay.New(raw, stack.public, relay.Options{Registry: registry})
	if err := forwarder.Start(ctx); err != nil {
		cancel()
		t.Fatalf("start relay: %v", err)
	}
	rawDone := make(chan struct{})
	go func() {
		defer close(rawDone)
		watcher.PublishRaw(ctx, w, raw)
	}()
	t.Cleanup(func() {
		cancel()
		_ = w.Close()
		<-rawDone
		<-forwarder.Done()
	})
}

func TestEndToEndNestedCreates(t *testing.T) {
	root := t.TempDir()
	stack := startStack(t, root)
	startPipeline(t, root, stack)
	ctx := testContext(t)

	c := New(stack.options())
	defer c.Close()
	snapshot, err := c.Discover(ctx)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	topics, err := c.subscriptionTopics(snapshot)
	if err != nil {
		t.Fatalf("topics: %v", err)
	}
	if err := c.Subscribe(ctx, topics...); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	events, _ := consumeInto(ctx, c)

	sub := filepath.Join(root, "sub")
	file := filepath.Join(sub, "file.txt")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(file, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	for _, want := range []string{sub, file} {
		received := waitEvent(t, events)
		if received.Kind != topic.KindCreate || received.Path != want {
			t.Fatalf("expected create %s, got %v", want, received)
		}
	}
}

func TestEndToEndRunCoversExistingDirectories(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stack := startStack(t, root)
	startPipeline(t, root, stack)
	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()

	c := New(stack.options())
	defer c.Close()
	events := make(chan Event, 32)
	runDone := make(chan error, 1)
	go func() {
		runDone <- c.Run(ctx, func(e Event) { events <- e })
	}()

	// Run subscribes asynchronously; create files until one is delivered.
	created := map[string]bool{}
	deadline := time.After(3 * time.Second)
	for i := 0; ; i++ {
		path := filepath.Join(nested, "f"+strconv.Itoa(i))
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		created[path] = true
		select {
		case received := <-events:
			if received.Kind != topic.KindCreate || !created[received.Path] {
				t.Fatalf("unexpected event %v", received)
			}
			cancel()
			if err := <-runDone; err != nil {
				t.Fatalf("run: %v", err)
			}
			return
		case <-deadline:
			t.Fatalf("no event delivered for files under %s", nested)
		case <-time.After(100 * time.Millisecond):
		}
	}
}
