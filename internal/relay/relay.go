// Package relay bridges the raw change bus onto the public topic bus.
package relay

import (
	"context"
	"errors"
	"sync"

	"kintampo/internal/event"
	"kintampo/internal/logging"
	"kintampo/internal/metrics"
	"kintampo/internal/topic"
)

const (
	OutcomeForwarded     = "forwarded"
	OutcomeDroppedOpcode = "dropped_opcode"
	OutcomeDroppedKind   = "dropped_kind"
	OutcomeDroppedPath   = "dropped_path"
)

var (
	ErrSubscriptionFailed = errors.New("relay raw subscription failed")
	ErrAlreadyStarted     = errors.New("relay already started")
)

type Options struct {
	Logger   *logging.Logger
	Registry *metrics.Registry
}

// Relay is the only publisher on the public bus.
type Relay struct {
	raw      event.Subscriber[event.Envelope]
	public   event.Publisher[event.Envelope]
	logger   *logging.Logger
	registry *metrics.Registry

	mutex sync.Mutex
	done  chan struct{}
}

func New(raw event.Subscriber[event.Envelope], public event.Publisher[event.Envelope], options Options) *Relay {
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	registry := options.Registry
	if registry == nil {
		registry = metrics.Default
	}
	return &Relay{
		raw:      raw,
		public:   public,
		logger:   logger.Component("relay"),
		registry: registry,
	}
}

// Start subscribes to the raw bus and forwards envelopes in the background
// until ctx is done or the raw subscription closes. The subscription is in
// place when Start returns.
func (relay *Relay) Start(ctx context.Context) error {
	if relay == nil || relay.raw == nil || relay.public == nil {
		return errors.New("relay requires raw and public buses")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	relay.mutex.Lock()
	defer relay.mutex.Unlock()
	if relay.done != nil {
		return ErrAlreadyStarted
	}
	envelopes, cancel := relay.raw.Subscribe()
	if envelopes == nil {
		return ErrSubscriptionFailed
	}
	done := make(chan struct{})
	relay.done = done

	go func() {
		defer close(done)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case envelope, ok := <-envelopes:
				if !ok {
					return
				}
				relay.forward(envelope)
			}
		}
	}()
	return nil
}

// Done is closed once the forwarding loop has exited. It is nil before Start.
func (relay *Relay) Done() <-chan struct{} {
	relay.mutex.Lock()
	defer relay.mutex.Unlock()
	return relay.done
}

// Run starts the relay and blocks until its forwarding loop exits.
func (relay *Relay) Run(ctx context.Context) error {
	if err := relay.Start(ctx); err != nil {
		return err
	}
	<-relay.Done()
	return nil
}

func (relay *Relay) forward(envelope event.Envelope) {
	path := string(envelope.Payload)
	kind, err := topic.ParseRawOpcode(envelope.Topic)
	if err != nil {
		relay.registry.IncRelay(OutcomeDroppedOpcode)
		relay.logger.Warn("dropping raw envelope", map[string]string{
			"opcode": envelope.Topic,
			"path":   path,
			"error":  err.Error(),
		})
		return
	}
	if !kind.Forwarded() {
		relay.registry.IncRelay(OutcomeDroppedKind)
		relay.logger.Debug("ignoring change", map[string]string{
			"kind": kind.String(),
			"path": path,
		})
		return
	}

	encoded, err := topic.Encode(kind, path)
	if err != nil {
		relay.registry.IncRelay(OutcomeDroppedPath)
		relay.logger.Warn("dropping raw envelope", map[string]string{
			"opcode": envelope.Topic,
			"path":   path,
			"error":  err.Error(),
		})
		return
	}

	published := event.NewEnvelope(string(encoded), envelope.Payload)
	relay.registry.IncRelay(OutcomeForwarded)
	if relay.logger.Enabled(logging.LevelDebug) {
		relay.logger.Debug(published.String(), nil)
	}
	relay.public.Publish(published)
}
