package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"kintampo/internal/metrics"
	"kintampo/internal/topic"
)

func TestRestartDelayBackoff(t *testing.T) {
	cases := []struct {
		attempt  int
		expected time.Duration
	}{
		{attempt: 0, expected: restartBaseDelay},
		{attempt: 1, expected: restartBaseDelay * 2},
		{attempt: 2, expected: restartBaseDelay * 4},
	}

	for _, testCase := range cases {
		if got := restartDelay(testCase.attempt); got != testCase.expected {
			t.Fatalf("attempt %d: expected %s, got %s", testCase.attempt, testCase.expected, got)
		}
	}
}

func TestScheduleRestartSetsTimer(t *testing.T) {
	watcher := startTestWatcher(t, t.TempDir(), Options{})

	watcher.scheduleRestart(errors.New("boom"))

	watcher.restartMutex.Lock()
	timer := watcher.restartTimer
	attempts := watcher.restartAttempts
	watcher.restartMutex.Unlock()

	if attempts != 1 {
		t.Fatalf("expected 1 restart attempt, got %d", attempts)
	}
	if timer == nil {
		t.Fatalf("expected restart timer to be set")
	}
}

func TestScheduleRestartSkipsWhenTimerActive(t *testing.T) {
	watcher := startTestWatcher(t, t.TempDir(), Options{})

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	watcher.restartMutex.Lock()
	watcher.restartTimer = timer
	watcher.restartAttempts = 1
	watcher.restartMutex.Unlock()

	watcher.scheduleRestart(errors.New("boom"))

	watcher.restartMutex.Lock()
	attempts := watcher.restartAttempts
	watcher.restartTimer = nil
	watcher.restartMutex.Unlock()

	if attempts != 1 {
		t.Fatalf("expected restart attempts to remain 1, got %d", attempts)
	}
}

func TestScheduleRestartReportsExhaustion(t *testing.T) {
	reported := make(chan error, 2)
	watcher := startTestWatcher(t, t.TempDir(), Options{
		ErrorHandler: func(err error) { reported <- err },
	})

	watcher.restartMutex.Lock()
	watcher.restartAttempts = maxRestartAttempts
	watcher.restartMutex.Unlock()

	watcher.scheduleRestart(errors.New("boom"))
	watcher.scheduleRestart(errors.New("boom again"))

	select {
	case err := <-reported:
		if err == nil {
			t.Fatal("expected error")
		}
	case <-time.After(time.Second):
		t.Fatal("expected error handler call")
	}
	select {
	case err := <-reported:
		t.Fatalf("expected a single report, got second %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPerformRestartResetsAttemptsAndKeepsWatching(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	registry := &metrics.Registry{}
	watcher := startTestWatcher(t, root, Options{Registry: registry})

	watcher.restartMutex.Lock()
	watcher.restartAttempts = 2
	watcher.restartMutex.Unlock()

	watcher.performRestart()

	stats := watcher.Metrics()
	if stats.RestartAttempts != 0 {
		t.Fatalf("expected restart attempts to reset, got %d", stats.RestartAttempts)
	}
	if stats.ActiveWatches != 2 {
		t.Fatalf("expected watches re-registered, got %d", stats.ActiveWatches)
	}
	if registry.WatcherRestarts() != 1 {
		t.Fatalf("expected one recorded restart, got %d", registry.WatcherRestarts())
	}

	path := filepath.Join(root, "sub", "after.txt")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	change := waitForPath(t, watcher.Events(), path)
	if change.Kind != topic.KindCreate {
		t.Fatalf("expected create after restart, got %s", change.Kind)
	}
}

func TestRootRemovalReportedWithoutRetry(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "root")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	reported := make(chan error, 1)
	watcher := startTestWatcher(t, root, Options{
		ErrorHandler: func(err error) { reported <- err },
	})

	if err := os.Remove(root); err != nil {
		t.Fatalf("remove root: %v", err)
	}

	select {
	case err := <-reported:
		if !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("expected not-exist error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected missing root to be reported")
	}
	watcher.restartMutex.Lock()
	pendingTimer := watcher.restartTimer
	watcher.restartMutex.Unlock()
	if pendingTimer != nil {
		t.Fatal("expected no retry for a missing root")
	}
}

func TestRecreatedRootIsWatchedAgain(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "root")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	reported := make(chan error, 1)
	stats := &metrics.Registry{}
	watcher := startTestWatcher(t, root, Options{
		Registry:     stats,
		ErrorHandler: func(err error) { reported <- err },
	})

	if err := os.Remove(root); err != nil {
		t.Fatalf("remove root: %v", err)
	}
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatalf("recreate root: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for stats.WatcherRestarts() == 0 {
		select {
		case err := <-reported:
			t.Fatalf("unexpected fatal error %v", err)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("expected watcher to restart on the recreated root")
		}
		time.Sleep(20 * time.Millisecond)
	}

	path := filepath.Join(root, "after.txt")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitForPath(t, watcher.Events(), path)
}
