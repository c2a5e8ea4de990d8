package watcher

import (
	"context"

	"kintampo/internal/event"
)

// PublishRaw forwards every change from w onto the raw bus as an envelope
// whose topic is the raw opcode and whose payload is the absolute path.
// It returns when ctx is done or the watcher's event stream closes.
func PublishRaw(ctx context.Context, w *Watcher, raw event.Publisher[event.Envelope]) {
	if w == nil || raw == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	events := w.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-events:
			if !ok {
				return
			}
			raw.Publish(event.NewEnvelope(change.Kind.RawOpcode(), []byte(change.Path)))
		}
	}
}
