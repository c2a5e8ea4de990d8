package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"kintampo/internal/logging"
	"kintampo/internal/metrics"

	"github.com/fsnotify/fsnotify"
)

const (
	DefaultDebounce    = time.Second
	defaultMaxWatches  = 8192
	defaultBufferSize  = 256
	maxRestartAttempts = 3
	restartBaseDelay   = 200 * time.Millisecond
)

var (
	ErrMaxWatchesExceeded = errors.New("max watches exceeded")
	ErrRootNotDirectory   = errors.New("watch root is not a directory")
	ErrRootLost           = errors.New("watch root removed or renamed")
	ErrClosed             = errors.New("watcher is closed")
)

// Start validates root, registers watches for every directory beneath it and
// begins emitting debounced events. Any error returned is a setup error.
// The watcher stops when ctx is cancelled or Close is called.
func Start(ctx context.Context, root string, options Options) (*Watcher, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	absRoot, err := validateRoot(root)
	if err != nil {
		return nil, err
	}

	source, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	registry := options.Registry
	if registry == nil {
		registry = metrics.Default
	}
	debounce := options.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	maxWatches := options.MaxWatches
	if maxWatches <= 0 {
		maxWatches = defaultMaxWatches
	}
	bufferSize := options.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	instance := &Watcher{
		root:         absRoot,
		watcher:      source,
		watched:      make(map[string]struct{}),
		debouncer:    newDebouncer(debounce),
		output:       make(chan ChangeEvent, bufferSize),
		events:       make(chan fsnotify.Event, 16),
		errors:       make(chan error, 4),
		done:         make(chan struct{}),
		runDone:      make(chan struct{}),
		logger:       logger.Component("watcher"),
		registry:     registry,
		maxWatches:   maxWatches,
		errorHandler: options.ErrorHandler,
	}

	if err := instance.addTree(absRoot); err != nil {
		_ = source.Close()
		return nil, err
	}

	instance.startForwarder(source)
	go instance.run()
	go func() {
		select {
		case <-ctx.Done():
			_ = instance.Close()
		case <-instance.done:
		}
	}()

	instance.logger.Info("watching directory", map[string]string{
		"root":     absRoot,
		"debounce": debounce.String(),
		"watches":  strconv.Itoa(instance.activeWatches()),
	})
	return instance, nil
}

func validateRoot(root string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("%w: root path is empty", ErrRootNotDirectory)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root %q: %w", root, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return "", fmt.Errorf("stat root %q: %w", absRoot, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrRootNotDirectory, absRoot)
	}
	return absRoot, nil
}

// Events returns the debounced change stream. It is closed after shutdown.
func (watcher *Watcher) Events() <-chan ChangeEvent {
	return watcher.output
}

// Root returns the absolute watched root.
func (watcher *Watcher) Root() string {
	return watcher.root
}

// Close releases the fsnotify handle and waits for the event loop to exit.
func (watcher *Watcher) Close() error {
	if watcher == nil {
		return nil
	}

	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		<-watcher.runDone
		return nil
	}
	watcher.closed = true
	source := watcher.watcher
	watcher.watched = make(map[string]struct{})
	watcher.mutex.Unlock()

	close(watcher.done)

	watcher.restartMutex.Lock()
	if watcher.restartTimer != nil {
		watcher.restartTimer.Stop()
		watcher.restartTimer = nil
	}
	watcher.restartMutex.Unlock()

	var closeErr error
	if source != nil {
		closeErr = source.Close()
	}
	<-watcher.runDone
	watcher.logger.Info("watcher stopped", map[string]string{"root": watcher.root})
	return closeErr
}

func (watcher *Watcher) run() {
	defer close(watcher.runDone)
	defer close(watcher.output)

	flushTimer := time.NewTimer(time.Hour)
	flushTimer.Stop()
	defer flushTimer.Stop()

	for {
		var flushC <-chan time.Time
		if next, ok := watcher.debouncer.next(); ok {
			flushTimer.Reset(max(time.Until(next), 0))
			flushC = flushTimer.C
		}

		select {
		case event := <-watcher.events:
			watcher.handleEvent(event)
		case err := <-watcher.errors:
			watcher.handleError(err)
		case <-flushC:
			if !watcher.flushDue(time.Now()) {
				watcher.debouncer.stop()
				return
			}
		case <-watcher.done:
			watcher.debouncer.stop()
			return
		}
	}
}

func (watcher *Watcher) startForwarder(source *fsnotify.Watcher) {
	if source == nil {
		return
	}

	go func() {
		for {
			select {
			case event, ok := <-source.Events:
				if !ok {
					return
				}
				select {
				case watcher.events <- event:
				case <-watcher.done:
					return
				}
			case err, ok := <-source.Errors:
				if !ok {
					return
				}
				select {
				case watcher.errors <- err:
				case <-watcher.done:
					return
				}
			case <-watcher.done:
				return
			}
		}
	}()
}

func (watcher *Watcher) logWarn(message string, fields map[string]string) {
	if watcher == nil || watcher.logger == nil {
		return
	}
	watcher.logger.Warn(message, fields)
}

func (watcher *Watcher) logDebug(message, path string, activeCount int) {
	if watcher == nil || watcher.logger == nil {
		return
	}
	watcher.logger.Debug(message, map[string]string{
		"path":           path,
		"active_watches": strconv.Itoa(activeCount),
	})
}

func (watcher *Watcher) activeWatches() int {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	return len(watcher.watched)
}

// Metrics reports current watcher stats.
func (watcher *Watcher) Metrics() Metrics {
	if watcher == nil {
		return Metrics{}
	}
	watcher.restartMutex.Lock()
	restartAttempts := watcher.restartAttempts
	watcher.restartMutex.Unlock()
	return Metrics{
		ActiveWatches:   watcher.activeWatches(),
		EventsDelivered: watcher.eventsDelivered.Load(),
		EventsCoalesced: watcher.eventsCoalesced.Load(),
		Errors:          watcher.errorCount.Load(),
		RestartAttempts: restartAttempts,
	}
}
