package watcher

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

func (watcher *Watcher) handleError(err error) {
	if err == nil {
		return
	}
	watcher.errorCount.Add(1)
	watcher.logWarn("watcher error", map[string]string{
		"error": err.Error(),
	})
	watcher.scheduleRestart(err)
}

func restartDelay(attempt int) time.Duration {
	return restartBaseDelay * time.Duration(1<<attempt)
}

func (watcher *Watcher) scheduleRestart(err error) {
	if watcher == nil {
		return
	}
	watcher.mutex.Lock()
	closed := watcher.closed
	watcher.mutex.Unlock()
	if closed {
		return
	}

	watcher.restartMutex.Lock()
	if watcher.restartTimer != nil {
		watcher.restartMutex.Unlock()
		return
	}
	if watcher.restartAttempts >= maxRestartAttempts {
		watcher.restartMutex.Unlock()
		watcher.notifyError(fmt.Errorf("watcher restart attempts exhausted: %w", err))
		return
	}
	delay := restartDelay(watcher.restartAttempts)
	watcher.restartAttempts++
	watcher.restartTimer = time.AfterFunc(delay, watcher.performRestart)
	watcher.restartMutex.Unlock()
}

func (watcher *Watcher) performRestart() {
	if watcher == nil {
		return
	}
	restartErr := watcher.restart()

	watcher.restartMutex.Lock()
	watcher.restartTimer = nil
	if restartErr == nil {
		watcher.restartAttempts = 0
		watcher.restartMutex.Unlock()
		return
	}
	watcher.restartMutex.Unlock()

	watcher.logWarn("watcher restart failed", map[string]string{
		"error": restartErr.Error(),
	})
	if isPermanent(restartErr) {
		watcher.notifyError(restartErr)
		return
	}
	watcher.scheduleRestart(restartErr)
}

// isPermanent reports configuration errors that a restart cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, ErrRootNotDirectory) || errors.Is(err, os.ErrNotExist) || errors.Is(err, ErrMaxWatchesExceeded)
}

func (watcher *Watcher) notifyError(err error) {
	if watcher == nil || err == nil {
		return
	}
	watcher.logger.Error("watcher failed", map[string]string{"error": err.Error()})
	if watcher.errorHandler == nil {
		return
	}
	watcher.errorOnce.Do(func() {
		watcher.errorHandler(err)
	})
}

// restart replaces the fsnotify handle and re-registers the whole tree.
func (watcher *Watcher) restart() error {
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return nil
	}
	watcher.mutex.Unlock()

	if _, err := validateRoot(watcher.root); err != nil {
		return err
	}

	replacement, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}

	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		_ = replacement.Close()
		return nil
	}
	previous := watcher.watcher
	watcher.watcher = replacement
	watcher.watched = make(map[string]struct{})
	watcher.mutex.Unlock()

	if previous != nil {
		_ = previous.Close()
	}
	watcher.startForwarder(replacement)

	if err := watcher.addTree(watcher.root); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	watcher.registry.IncWatcherRestart()
	watcher.logger.Info("watcher restarted", map[string]string{
		"root":    watcher.root,
		"watches": fmt.Sprint(watcher.activeWatches()),
	})
	return nil
}
