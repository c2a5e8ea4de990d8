package topology

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"kintampo/internal/metrics"
)

func startService(t *testing.T, root string, registry *metrics.Registry) *Service {
	t.Helper()
	service := NewService(root, Options{Registry: registry})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- service.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("Serve did not return after cancel")
		}
	})
	return service
}

func do(t *testing.T, service *Service, payload string) Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	response, err := service.Do(ctx, payload)
	if err != nil {
		t.Fatalf("do %q: %v", payload, err)
	}
	return response
}

func TestServiceAnswersTopology(t *testing.T) {
	root := makeTree(t)
	service := startService(t, root, &metrics.Registry{})

	response := do(t, service, "topology")
	if response.Err != nil {
		t.Fatalf("unexpected response error: %v", response.Err)
	}
	snapshot, err := ParseSnapshot([]byte(response.Body))
	if err != nil {
		t.Fatalf("parse body: %v", err)
	}
	expected := []string{root, filepath.Join(root, "sub")}
	if !sameSet(snapshot, expected) {
		t.Fatalf("expected %v, got %v", expected, snapshot)
	}
}

func TestServiceUnsupportedThenTopology(t *testing.T) {
	registry := &metrics.Registry{}
	root := makeTree(t)
	service := startService(t, root, registry)

	response := do(t, service, "ping")
	if response.Body != UnsupportedOperation {
		t.Fatalf("expected %q, got %q", UnsupportedOperation, response.Body)
	}
	if !errors.Is(response.Err, ErrUnsupportedOperation) {
		t.Fatalf("expected ErrUnsupportedOperation, got %v", response.Err)
	}

	response = do(t, service, "topology")
	if response.Request != RequestTopology || response.Err != nil {
		t.Fatalf("expected topology answer, got %+v", response)
	}
	if registry.TopologyCount("unsupported") != 1 || registry.TopologyCount("topology") != 1 {
		t.Fatalf("unexpected request counts: unsupported=%d topology=%d",
			registry.TopologyCount("unsupported"), registry.TopologyCount("topology"))
	}
}

func TestServiceWalksFreshEachTime(t *testing.T) {
	root := makeTree(t)
	service := startService(t, root, &metrics.Registry{})

	first := do(t, service, "topology")
	if len(first.Snapshot) != 2 {
		t.Fatalf("expected 2 directories, got %v", first.Snapshot)
	}
	if err := os.Mkdir(filepath.Join(root, "later"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	second := do(t, service, "topology")
	if len(second.Snapshot) != 3 {
		t.Fatalf("expected new directory in second snapshot, got %v", second.Snapshot)
	}
}

func TestServiceReportsWalkError(t *testing.T) {
	root := filepath.Join(t.TempDir(), "missing")
	service := startService(t, root, &metrics.Registry{})

	response := do(t, service, "topology")
	if response.Err == nil {
		t.Fatal("expected walk error")
	}
	if _, err := ParseSnapshot([]byte(response.Body)); !errors.Is(err, ErrErrorReply) {
		t.Fatalf("expected error reply, got %q", response.Body)
	}

	if response := do(t, service, "ping"); response.Body != UnsupportedOperation {
		t.Fatalf("expected service to keep answering, got %q", response.Body)
	}
}

func TestServiceDoAfterStop(t *testing.T) {
	service := NewService(t.TempDir(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- service.Serve(ctx)
	}()
	cancel()
	<-done

	if _, err := service.Do(context.Background(), "topology"); !errors.Is(err, ErrServiceStopped) {
		t.Fatalf("expected ErrServiceStopped, got %v", err)
	}
	if err := service.Serve(context.Background()); !errors.Is(err, ErrAlreadyServing) {
		t.Fatalf("expected ErrAlreadyServing, got %v", err)
	}
}

func TestServiceDoHonorsContext(t *testing.T) {
	service := NewService(t.TempDir(), Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	// Nothing serves, but the queue accepts the request; the wait must still end.
	if _, err := service.Do(ctx, "topology"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
