package watcher

import (
	"testing"
	"time"

	"kintampo/internal/topic"

	"github.com/fsnotify/fsnotify"
)

func TestDebouncerCoalescesEvents(t *testing.T) {
	debouncer := newDebouncer(time.Second)
	now := time.Unix(1000, 0)

	if debouncer.schedule(ChangeEvent{Kind: topic.KindWrite, Path: "/tmp/a"}, now) {
		t.Fatal("expected first event not to be coalesced")
	}
	if !debouncer.schedule(ChangeEvent{Kind: topic.KindWrite, Path: "/tmp/a"}, now.Add(500*time.Millisecond)) {
		t.Fatal("expected second event to be coalesced")
	}
	if debouncer.pending() != 1 {
		t.Fatalf("expected 1 pending entry, got %d", debouncer.pending())
	}

	if ready := debouncer.due(now.Add(time.Second)); len(ready) != 0 {
		t.Fatalf("expected deadline to move with the second event, got %d ready", len(ready))
	}
	ready := debouncer.due(now.Add(1500 * time.Millisecond))
	if len(ready) != 1 {
		t.Fatalf("expected 1 ready event, got %d", len(ready))
	}
	if debouncer.pending() != 0 {
		t.Fatalf("expected no pending entries, got %d", debouncer.pending())
	}
}

func TestDebouncerCreateAbsorbsWrite(t *testing.T) {
	debouncer := newDebouncer(time.Second)
	now := time.Unix(1000, 0)

	debouncer.schedule(ChangeEvent{Kind: topic.KindCreate, Path: "/tmp/a"}, now)
	debouncer.schedule(ChangeEvent{Kind: topic.KindWrite, Path: "/tmp/a"}, now)
	debouncer.schedule(ChangeEvent{Kind: topic.KindChmod, Path: "/tmp/a"}, now)

	ready := debouncer.due(now.Add(time.Second))
	if len(ready) != 1 || ready[0].Kind != topic.KindCreate {
		t.Fatalf("expected a single create, got %+v", ready)
	}
}

func TestDebouncerLaterKindReplaces(t *testing.T) {
	debouncer := newDebouncer(time.Second)
	now := time.Unix(1000, 0)

	debouncer.schedule(ChangeEvent{Kind: topic.KindCreate, Path: "/tmp/a"}, now)
	debouncer.schedule(ChangeEvent{Kind: topic.KindRemove, Path: "/tmp/a"}, now)

	ready := debouncer.due(now.Add(time.Second))
	if len(ready) != 1 || ready[0].Kind != topic.KindRemove {
		t.Fatalf("expected a single remove, got %+v", ready)
	}
}

func TestDebouncerDueOrdersByDeadlineThenArrival(t *testing.T) {
	debouncer := newDebouncer(time.Second)
	now := time.Unix(1000, 0)

	debouncer.schedule(ChangeEvent{Kind: topic.KindCreate, Path: "/tmp/sub"}, now)
	debouncer.schedule(ChangeEvent{Kind: topic.KindCreate, Path: "/tmp/sub/file.txt"}, now)
	debouncer.schedule(ChangeEvent{Kind: topic.KindCreate, Path: "/tmp/early"}, now.Add(-time.Millisecond))

	ready := debouncer.due(now.Add(time.Second))
	expected := []string{"/tmp/early", "/tmp/sub", "/tmp/sub/file.txt"}
	if len(ready) != len(expected) {
		t.Fatalf("expected %d events, got %d", len(expected), len(ready))
	}
	for index, path := range expected {
		if ready[index].Path != path {
			t.Fatalf("position %d: expected %s, got %s", index, path, ready[index].Path)
		}
	}
}

func TestDebouncerNext(t *testing.T) {
	debouncer := newDebouncer(time.Second)
	if _, ok := debouncer.next(); ok {
		t.Fatal("expected no deadline for empty debouncer")
	}
	now := time.Unix(1000, 0)
	debouncer.schedule(ChangeEvent{Kind: topic.KindWrite, Path: "/tmp/b"}, now.Add(time.Second))
	debouncer.schedule(ChangeEvent{Kind: topic.KindWrite, Path: "/tmp/a"}, now)

	next, ok := debouncer.next()
	if !ok || !next.Equal(now.Add(time.Second)) {
		t.Fatalf("expected earliest deadline %s, got %s", now.Add(time.Second), next)
	}

	debouncer.stop()
	if debouncer.pending() != 0 {
		t.Fatal("expected stop to drop pending entries")
	}
	if debouncer.schedule(ChangeEvent{Path: "/tmp/c"}, now) {
		t.Fatal("expected stopped debouncer to ignore events")
	}
}

func TestKindFromOp(t *testing.T) {
	cases := []struct {
		op       fsnotify.Op
		expected topic.Kind
	}{
		{op: fsnotify.Create, expected: topic.KindCreate},
		{op: fsnotify.Write, expected: topic.KindWrite},
		{op: fsnotify.Remove, expected: topic.KindRemove},
		{op: fsnotify.Rename, expected: topic.KindRename},
		{op: fsnotify.Chmod, expected: topic.KindChmod},
		{op: fsnotify.Create | fsnotify.Write, expected: topic.KindCreate},
		{op: 0, expected: topic.KindUnknown},
	}
	for _, testCase := range cases {
		if got := kindFromOp(testCase.op); got != testCase.expected {
			t.Fatalf("op %v: expected %s, got %s", testCase.op, testCase.expected, got)
		}
	}
}
