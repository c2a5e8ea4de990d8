// Package watcher recursively watches a directory tree and produces a
// debounced stream of change events.
//
// Notifications for the same path that arrive within the debounce window are
// coalesced into one event. Events are flushed in deadline order from a single
// goroutine, so a directory's creation is delivered before the creation of
// entries made inside it afterwards. Directories created after startup are
// added to the watch set as they appear.
package watcher
