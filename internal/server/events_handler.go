package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"kintampo/internal/event"
	"kintampo/internal/logging"
	"kintampo/internal/metrics"
	"kintampo/internal/otel"
	"kintampo/internal/protocol"
	"kintampo/internal/topic"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

const eventsRoute = protocol.EventsPath

// EventsHandler streams public bus envelopes to websocket clients. Each
// connection holds its own prefix set and receives an envelope at most once,
// however many of its prefixes match.
type EventsHandler struct {
	Bus            event.Subscriber[event.Envelope]
	Logger         *logging.Logger
	Registry       *metrics.Registry
	AllowedOrigins []string
	WriteTimeout   time.Duration
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Bus == nil {
		logWSError(h.Logger, r, wsError{Status: http.StatusServiceUnavailable, Message: "event bus unavailable"})
		http.Error(w, "event bus unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgradeWebSocket(w, r, h.AllowedOrigins)
	if err != nil {
		logWSError(h.Logger, r, wsError{
			Status:  http.StatusBadRequest,
			Message: "websocket upgrade failed",
			Err:     err,
		})
		return
	}

	spanCtx, span := startWebSocketSpan(r, eventsRoute)
	defer span.End()
	ctx, cancel := context.WithCancel(spanCtx)
	defer cancel()

	h.Registry.AddConnections(1)
	defer h.Registry.AddConnections(-1)

	prefixes := topic.NewPrefixSet()
	envelopes, unsubscribe := h.Bus.SubscribeFiltered(func(envelope event.Envelope) bool {
		return prefixes.Matches(topic.Topic(envelope.Topic))
	})
	if envelopes == nil {
		logWSError(h.Logger, r, wsError{Status: http.StatusServiceUnavailable, Message: "event stream unavailable"})
		closeWebSocket(conn, websocket.CloseTryAgainLater, "event stream unavailable")
		return
	}
	defer unsubscribe()

	replies := make(chan any, 8)
	writerDone := make(chan struct{})
	go h.writeLoop(ctx, conn, envelopes, replies, writerDone)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	h.logDebug("events client connected", map[string]string{"remote_addr": r.RemoteAddr})
	h.readLoop(ctx, conn, prefixes, replies, writerDone)

	cancel()
	<-writerDone
	h.logDebug("events client disconnected", map[string]string{
		"remote_addr": r.RemoteAddr,
		"prefixes":    strconv.Itoa(prefixes.Len()),
	})
}

func (h *EventsHandler) readLoop(ctx context.Context, conn *websocket.Conn, prefixes *topic.PrefixSet, replies chan<- any, writerDone <-chan struct{}) {
	send := func(message any) bool {
		select {
		case replies <- message:
			return true
		case <-writerDone:
			return false
		}
	}

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) {
				h.logDebug("events read failed", map[string]string{"error": err.Error()})
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		request, err := protocol.DecodeSubscriptionRequest(payload)
		if err != nil {
			if !send(protocol.ErrorMessage{Type: protocol.MessageTypeError, Message: err.Error()}) {
				return
			}
			continue
		}
		if len(request.Subscribe) > 0 {
			prefixes.Add(toTopics(request.Subscribe)...)
			otel.RecordSpanEvent(ctx, "subscribed", attribute.Int("prefixes", prefixes.Len()))
			h.logDebug("events subscribed", map[string]string{"topics": strings.Join(request.Subscribe, ",")})
			if !send(protocol.AckMessage{Type: protocol.MessageTypeSubscribed, Topics: fromTopics(prefixes.List())}) {
				return
			}
		}
		if len(request.Unsubscribe) > 0 {
			prefixes.Remove(toTopics(request.Unsubscribe)...)
			otel.RecordSpanEvent(ctx, "unsubscribed", attribute.Int("prefixes", prefixes.Len()))
			if !send(protocol.AckMessage{Type: protocol.MessageTypeUnsubscribed, Topics: fromTopics(prefixes.List())}) {
				return
			}
		}
	}
}

// writeLoop is the only writer on conn.
func (h *EventsHandler) writeLoop(ctx context.Context, conn *websocket.Conn, envelopes <-chan event.Envelope, replies <-chan any, done chan<- struct{}) {
	defer close(done)
	writeTimeout := h.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = wsWriteTimeout
	}
	write := func(payload any) bool {
		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return false
		}
		if err := conn.WriteJSON(payload); err != nil {
			otel.RecordSpanError(ctx, err)
			h.logDebug("events write failed", map[string]string{"error": err.Error()})
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case envelope, ok := <-envelopes:
			if !ok {
				closeWebSocket(conn, websocket.CloseGoingAway, "event stream closed")
				return
			}
			if !write(protocol.NewEnvelopeMessage(envelope)) {
				_ = conn.Close()
				return
			}
		case reply := <-replies:
			if !write(reply) {
				_ = conn.Close()
				return
			}
		}
	}
}

func (h *EventsHandler) logDebug(message string, fields map[string]string) {
	if h.Logger == nil {
		return
	}
	h.Logger.Debug(message, fields)
}

func toTopics(values []string) []topic.Topic {
	topics := make([]topic.Topic, len(values))
	for index, value := range values {
		topics[index] = topic.Topic(value)
	}
	return topics
}

func fromTopics(topics []topic.Topic) []string {
	values := make([]string, len(topics))
	for index, value := range topics {
		values[index] = string(value)
	}
	return values
}
