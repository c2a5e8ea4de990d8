package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"kintampo/internal/topic"
)

// addTree registers a watch on root and every directory beneath it.
func (watcher *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return fmt.Errorf("walk root %q: %w", root, err)
			}
			watcher.logWarn("skipping unreadable path", map[string]string{
				"path":  path,
				"error": err.Error(),
			})
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		return watcher.addWatch(path)
	})
}

// watchCreated registers watches for a newly created directory and schedules
// create events for anything already inside it, since entries made before the
// watch was registered produce no notification of their own.
func (watcher *Watcher) watchCreated(path string, now time.Time) {
	info, err := os.Lstat(path)
	if err != nil || !info.IsDir() {
		return
	}

	err = filepath.WalkDir(path, func(current string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if entry.IsDir() {
			if err := watcher.addWatch(current); err != nil {
				return err
			}
		}
		if current == path {
			return nil
		}
		if watcher.debouncer.schedule(ChangeEvent{
			Kind:      topic.KindCreate,
			Path:      current,
			Timestamp: now.UTC(),
		}, now) {
			watcher.eventsCoalesced.Add(1)
		}
		return nil
	})
	if err == nil {
		return
	}
	watcher.errorCount.Add(1)
	watcher.logWarn("watch new directory failed", map[string]string{
		"path":  path,
		"error": err.Error(),
	})
	if errors.Is(err, ErrMaxWatchesExceeded) {
		watcher.notifyError(err)
	}
}

func (watcher *Watcher) addWatch(path string) error {
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return ErrClosed
	}
	if _, ok := watcher.watched[path]; ok {
		watcher.mutex.Unlock()
		return nil
	}
	if len(watcher.watched) >= watcher.maxWatches {
		watcher.mutex.Unlock()
		return fmt.Errorf("%w: limit %d reached at %s", ErrMaxWatchesExceeded, watcher.maxWatches, path)
	}
	watcher.watched[path] = struct{}{}
	activeCount := len(watcher.watched)
	source := watcher.watcher
	watcher.mutex.Unlock()

	if err := source.Add(path); err != nil {
		watcher.mutex.Lock()
		delete(watcher.watched, path)
		watcher.mutex.Unlock()
		watcher.logWarn("watch add failed", map[string]string{
			"path":  path,
			"error": err.Error(),
		})
		if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EMFILE) {
			return fmt.Errorf("%w: %s: %v", ErrMaxWatchesExceeded, path, err)
		}
		return fmt.Errorf("watch %s: %w", path, err)
	}
	watcher.logDebug("watch added", path, activeCount)
	return nil
}

// forgetTree drops bookkeeping for a removed or renamed directory and
// everything beneath it.
func (watcher *Watcher) forgetTree(path string) {
	watcher.mutex.Lock()
	var removed []string
	for watchedPath := range watcher.watched {
		if isWithinPath(path, watchedPath) {
			delete(watcher.watched, watchedPath)
			removed = append(removed, watchedPath)
		}
	}
	activeCount := len(watcher.watched)
	source := watcher.watcher
	watcher.mutex.Unlock()

	for _, watchedPath := range removed {
		// Already gone for deletions; renamed directories keep their watch otherwise.
		_ = source.Remove(watchedPath)
		watcher.logDebug("watch removed", watchedPath, activeCount)
	}
}

func isWithinPath(parent, child string) bool {
	parentPath := filepath.Clean(parent)
	childPath := filepath.Clean(child)
	rel, err := filepath.Rel(parentPath, childPath)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return false
	}
	return true
}
