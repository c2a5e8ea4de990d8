package watcher

import (
	"sync"
	"sync/atomic"
	"time"

	"kintampo/internal/logging"
	"kintampo/internal/metrics"
	"kintampo/internal/topic"

	"github.com/fsnotify/fsnotify"
)

// ChangeEvent is a single debounced filesystem change.
type ChangeEvent struct {
	Kind      topic.Kind
	Path      string
	Timestamp time.Time
}

// Options controls watcher behavior.
type Options struct {
	Logger       *logging.Logger
	Registry     *metrics.Registry
	Debounce     time.Duration
	MaxWatches   int
	BufferSize   int
	ErrorHandler func(error)
}

// Metrics reports watcher counters.
type Metrics struct {
	ActiveWatches   int
	EventsDelivered uint64
	EventsCoalesced uint64
	Errors          uint64
	RestartAttempts int
}

// Watcher is the fsnotify-backed recursive watcher for a single root.
type Watcher struct {
	root         string
	watcher      *fsnotify.Watcher
	mutex        sync.Mutex
	watched      map[string]struct{}
	debouncer    *debouncer
	output       chan ChangeEvent
	events       chan fsnotify.Event
	errors       chan error
	done         chan struct{}
	runDone      chan struct{}
	closed       bool
	logger       *logging.Logger
	registry     *metrics.Registry
	maxWatches   int
	errorHandler func(error)
	errorOnce    sync.Once

	restartMutex    sync.Mutex
	restartTimer    *time.Timer
	restartAttempts int

	eventsDelivered atomic.Uint64
	eventsCoalesced atomic.Uint64
	errorCount      atomic.Uint64
}
