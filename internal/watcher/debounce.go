package watcher

import (
	"fmt"
	"sort"
	"time"

	"kintampo/internal/topic"

	"github.com/fsnotify/fsnotify"
)

type debounceEntry struct {
	event    ChangeEvent
	deadline time.Time
	seq      uint64
}

// debouncer is owned by the run loop and is not safe for concurrent use.
type debouncer struct {
	duration time.Duration
	entries  map[string]*debounceEntry
	seq      uint64
}

func newDebouncer(duration time.Duration) *debouncer {
	return &debouncer{
		duration: duration,
		entries:  make(map[string]*debounceEntry),
	}
}

// schedule records event and pushes its path's deadline to now+duration.
// It reports whether a pending event for the same path was coalesced.
func (debouncer *debouncer) schedule(event ChangeEvent, now time.Time) bool {
	if debouncer == nil || debouncer.entries == nil {
		return false
	}
	entry, ok := debouncer.entries[event.Path]
	if !ok {
		debouncer.seq++
		debouncer.entries[event.Path] = &debounceEntry{
			event:    event,
			deadline: now.Add(debouncer.duration),
			seq:      debouncer.seq,
		}
		return false
	}
	entry.event = mergeEvents(entry.event, event)
	entry.deadline = now.Add(debouncer.duration)
	return true
}

// mergeEvents keeps a pending create when the same path is subsequently
// written or chmodded; any other later kind replaces the pending one.
func mergeEvents(pending, next ChangeEvent) ChangeEvent {
	if pending.Kind == topic.KindCreate && (next.Kind == topic.KindWrite || next.Kind == topic.KindChmod) {
		pending.Timestamp = next.Timestamp
		return pending
	}
	return next
}

// next returns the earliest pending deadline.
func (debouncer *debouncer) next() (time.Time, bool) {
	if debouncer == nil {
		return time.Time{}, false
	}
	var earliest time.Time
	found := false
	for _, entry := range debouncer.entries {
		if !found || entry.deadline.Before(earliest) {
			earliest = entry.deadline
			found = true
		}
	}
	return earliest, found
}

// due removes and returns every event whose deadline has passed, ordered by
// deadline and then by first notification.
func (debouncer *debouncer) due(now time.Time) []ChangeEvent {
	if debouncer == nil {
		return nil
	}
	var ready []*debounceEntry
	for path, entry := range debouncer.entries {
		if entry.deadline.After(now) {
			continue
		}
		ready = append(ready, entry)
		delete(debouncer.entries, path)
	}
	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].deadline.Equal(ready[j].deadline) {
			return ready[i].deadline.Before(ready[j].deadline)
		}
		return ready[i].seq < ready[j].seq
	})
	events := make([]ChangeEvent, len(ready))
	for index, entry := range ready {
		events[index] = entry.event
	}
	return events
}

func (debouncer *debouncer) pending() int {
	if debouncer == nil {
		return 0
	}
	return len(debouncer.entries)
}

func (debouncer *debouncer) stop() {
	if debouncer == nil {
		return
	}
	debouncer.entries = nil
}

func kindFromOp(op fsnotify.Op) topic.Kind {
	switch {
	case op.Has(fsnotify.Create):
		return topic.KindCreate
	case op.Has(fsnotify.Write):
		return topic.KindWrite
	case op.Has(fsnotify.Remove):
		return topic.KindRemove
	case op.Has(fsnotify.Rename):
		return topic.KindRename
	case op.Has(fsnotify.Chmod):
		return topic.KindChmod
	default:
		return topic.KindUnknown
	}
}

func (watcher *Watcher) handleEvent(event fsnotify.Event) {
	kind := kindFromOp(event.Op)
	if kind == topic.KindUnknown || event.Name == "" {
		return
	}
	now := time.Now()
	if watcher.debouncer.schedule(ChangeEvent{
		Kind:      kind,
		Path:      event.Name,
		Timestamp: now.UTC(),
	}, now) {
		watcher.eventsCoalesced.Add(1)
	}

	switch kind {
	case topic.KindCreate:
		watcher.watchCreated(event.Name, now)
	case topic.KindRemove, topic.KindRename:
		watcher.forgetTree(event.Name)
		if event.Name == watcher.root {
			watcher.handleError(fmt.Errorf("%w: %s", ErrRootLost, watcher.root))
		}
	}
}

// flushDue delivers every due event. It returns false once the watcher is closing.
func (watcher *Watcher) flushDue(now time.Time) bool {
	for _, event := range watcher.debouncer.due(now) {
		select {
		case watcher.output <- event:
			watcher.eventsDelivered.Add(1)
		case <-watcher.done:
			return false
		}
	}
	return true
}
