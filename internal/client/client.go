// Package client discovers the watched tree, subscribes to its directories
// and dispatches decoded change events.
//
// A Client is not safe for concurrent use.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"kintampo/internal/event"
	"kintampo/internal/logging"
	"kintampo/internal/protocol"
	"kintampo/internal/topic"
	"kintampo/internal/topology"

	"github.com/gorilla/websocket"
)

const (
	defaultDialAttempts  = 5
	defaultDialBaseDelay = 100 * time.Millisecond
	wsWriteTimeout       = 10 * time.Second
)

var (
	ErrDialFailed         = errors.New("dial failed")
	ErrSubscribeRejected  = errors.New("subscription rejected")
	ErrEmptySubscription  = errors.New("no topics to subscribe")
	ErrStreamClosed       = errors.New("event stream closed")
	ErrNoDiscoveryReply   = errors.New("discovery reply missing")
	ErrUnexpectedResponse = errors.New("unexpected server message")
)

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type Options struct {
	Host          string
	PublicPort    int
	DiscoveryPort int
	IncludeWrites bool
	Logger        *logging.Logger
	DialAttempts  int
	DialBaseDelay time.Duration
	Dialer        Dialer
}

// Event is a decoded change delivered to a handler.
type Event struct {
	Kind topic.Kind
	Path string
}

// String renders the event as "[OPCODE] path".
func (e Event) String() string {
	opcode, err := e.Kind.PublicOpcode()
	if err != nil {
		opcode = strings.ToUpper(e.Kind.String())
	}
	return "[" + opcode + "] " + e.Path
}

type Client struct {
	options   Options
	logger    *logging.Logger
	dialer    Dialer
	discovery *websocket.Conn
	public    *websocket.Conn
	pending   []protocol.EnvelopeMessage
}

// New returns a client that connects lazily on first use.
func New(options Options) *Client {
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if options.DialAttempts <= 0 {
		options.DialAttempts = defaultDialAttempts
	}
	if options.DialBaseDelay <= 0 {
		options.DialBaseDelay = defaultDialBaseDelay
	}
	dialer := options.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Client{
		options: options,
		logger:  logger.Component("client"),
		dialer:  dialer,
	}
}

// Dial connects to both the discovery and the public endpoint.
func Dial(ctx context.Context, options Options) (*Client, error) {
	c := New(options)
	if _, err := c.discoveryConn(ctx); err != nil {
		return nil, err
	}
	if _, err := c.publicConn(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) Close() error {
	var err error
	if c.discovery != nil {
		err = errors.Join(err, c.discovery.Close())
		c.discovery = nil
	}
	if c.public != nil {
		err = errors.Join(err, c.public.Close())
		c.public = nil
	}
	return err
}

// Run discovers the tree, subscribes to every directory and dispatches
// events to handler until ctx is done or the stream fails. Subscriptions
// are acknowledged before the first event is consumed.
//
// A directory created outside every snapshot directory between Discover and
// the subscription ack is not covered. Run does not try to close that window.
func (c *Client) Run(ctx context.Context, handler func(Event)) error {
	snapshot, err := c.Discover(ctx)
	if err != nil {
		return err
	}
	topics, err := c.subscriptionTopics(snapshot)
	if err != nil {
		return err
	}
	if err := c.Subscribe(ctx, topics...); err != nil {
		return err
	}
	c.logger.Info("subscribed", map[string]string{
		"directories": strconv.Itoa(len(snapshot)),
		"topics":      strconv.Itoa(len(topics)),
	})
	return c.Consume(ctx, handler)
}

func (c *Client) subscriptionTopics(snapshot topology.Snapshot) ([]topic.Topic, error) {
	kinds := []topic.Kind{topic.KindCreate}
	if c.options.IncludeWrites {
		kinds = append(kinds, topic.KindWrite)
	}
	topics := make([]topic.Topic, 0, len(snapshot)*len(kinds))
	for _, dir := range snapshot {
		for _, kind := range kinds {
			prefix, err := topic.SubscriptionFor(kind, dir)
			if err != nil {
				return nil, fmt.Errorf("subscription for %q: %w", dir, err)
			}
			topics = append(topics, prefix)
		}
	}
	return topics, nil
}

// Discover requests a topology snapshot over the discovery channel.
func (c *Client) Discover(ctx context.Context) (topology.Snapshot, error) {
	conn, err := c.discoveryConn(ctx)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := writeMessage(conn, websocket.TextMessage, []byte(topology.RequestTopologyLiteral)); err != nil {
		return nil, c.contextError(ctx, fmt.Errorf("send topology request: %w", err))
	}
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return nil, c.contextError(ctx, fmt.Errorf("%w: %v", ErrNoDiscoveryReply, err))
		}
		if msgType != websocket.TextMessage {
			continue
		}
		snapshot, err := topology.ParseSnapshot(payload)
		if err != nil {
			return nil, err
		}
		c.logger.Debug("topology received", map[string]string{
			"directories": strconv.Itoa(len(snapshot)),
		})
		return snapshot, nil
	}
}

// Subscribe adds topic prefixes and waits for the server's acknowledgement.
// Large prefix lists are sent in several requests, each acknowledged before
// the next. Envelopes that arrive before the acknowledgement are kept for
// Consume.
func (c *Client) Subscribe(ctx context.Context, topics ...topic.Topic) error {
	if len(topics) == 0 {
		return ErrEmptySubscription
	}
	for _, batch := range protocol.BatchTopics(topicStrings(topics), protocol.MaxRequestBytes) {
		request := protocol.SubscriptionRequest{Subscribe: batch}
		if err := c.control(ctx, request, protocol.MessageTypeSubscribed); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe removes topic prefixes and waits for the acknowledgement.
func (c *Client) Unsubscribe(ctx context.Context, topics ...topic.Topic) error {
	if len(topics) == 0 {
		return ErrEmptySubscription
	}
	for _, batch := range protocol.BatchTopics(topicStrings(topics), protocol.MaxRequestBytes) {
		request := protocol.SubscriptionRequest{Unsubscribe: batch}
		if err := c.control(ctx, request, protocol.MessageTypeUnsubscribed); err != nil {
			return err
		}
	}
	return nil
}

func topicStrings(topics []topic.Topic) []string {
	out := make([]string, 0, len(topics))
	for _, prefix := range topics {
		out = append(out, prefix.String())
	}
	return out
}

func (c *Client) control(ctx context.Context, request protocol.SubscriptionRequest, ackType protocol.MessageType) error {
	conn, err := c.publicConn(ctx)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := writeJSON(conn, request); err != nil {
		return c.contextError(ctx, fmt.Errorf("send subscription request: %w", err))
	}
	for {
		message, err := c.readServerMessage(conn)
		if err != nil {
			return c.contextError(ctx, err)
		}
		switch msg := message.(type) {
		case protocol.EnvelopeMessage:
			c.pending = append(c.pending, msg)
		case protocol.AckMessage:
			if msg.Type != ackType {
				return fmt.Errorf("%w: %s while waiting for %s", ErrUnexpectedResponse, msg.Type, ackType)
			}
			return nil
		case protocol.ErrorMessage:
			return fmt.Errorf("%w: %s", ErrSubscribeRejected, msg.Message)
		}
	}
}

// Consume dispatches buffered and incoming envelopes to handler. It returns
// nil when ctx is done and ErrStreamClosed when the server ends the stream.
func (c *Client) Consume(ctx context.Context, handler func(Event)) error {
	conn, err := c.publicConn(ctx)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	pending := c.pending
	c.pending = nil
	for _, msg := range pending {
		c.dispatch(msg, handler)
	}

	for {
		message, err := c.readServerMessage(conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("%w: %s", ErrStreamClosed, closeErr.Text)
			}
			return err
		}
		switch msg := message.(type) {
		case protocol.EnvelopeMessage:
			c.dispatch(msg, handler)
		case protocol.ErrorMessage:
			c.logger.Warn("server reported error", map[string]string{"message": msg.Message})
		}
	}
}

func (c *Client) dispatch(msg protocol.EnvelopeMessage, handler func(Event)) {
	envelope := msg.Envelope()
	kind, path, err := topic.Decode(topic.Topic(envelope.Topic))
	if err != nil {
		c.logger.Warn("dropping undecodable envelope", map[string]string{
			"topic": envelope.Topic,
			"error": err.Error(),
		})
		return
	}
	c.logEnvelope(envelope)
	if handler != nil {
		handler(Event{Kind: kind, Path: path})
	}
}

func (c *Client) logEnvelope(envelope event.Envelope) {
	if !c.logger.Enabled(logging.LevelDebug) {
		return
	}
	c.logger.Debug("envelope received", map[string]string{"envelope": envelope.String()})
}

// readServerMessage skips frames that do not decode and returns the first
// message that does.
func (c *Client) readServerMessage(conn *websocket.Conn) (any, error) {
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		message, err := protocol.DecodeServerMessage(payload)
		if err != nil {
			c.logger.Warn("dropping undecodable message", map[string]string{"error": err.Error()})
			continue
		}
		return message, nil
	}
}

func (c *Client) discoveryConn(ctx context.Context) (*websocket.Conn, error) {
	if c.discovery != nil {
		return c.discovery, nil
	}
	conn, err := c.dial(ctx, "discovery", c.options.DiscoveryPort, protocol.TopologyPath)
	if err != nil {
		return nil, err
	}
	c.discovery = conn
	return conn, nil
}

func (c *Client) publicConn(ctx context.Context) (*websocket.Conn, error) {
	if c.public != nil {
		return c.public, nil
	}
	conn, err := c.dial(ctx, "public", c.options.PublicPort, protocol.EventsPath)
	if err != nil {
		return nil, err
	}
	c.public = conn
	return conn, nil
}

// dial retries with exponential backoff, the same schedule the server
// uses for binding.
func (c *Client) dial(ctx context.Context, name string, port int, path string) (*websocket.Conn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	url := "ws://" + net.JoinHostPort(c.options.Host, strconv.Itoa(port)) + path
	backoff := c.options.DialBaseDelay
	var lastErr error
	for attempt := 1; attempt <= c.options.DialAttempts; attempt++ {
		conn, _, err := c.dialer.DialContext(ctx, url, nil)
		if err == nil {
			c.logger.Debug("connected", map[string]string{"endpoint": name, "url": url})
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrDialFailed, url, ctx.Err())
		}
		if attempt == c.options.DialAttempts {
			break
		}
		c.logger.Warn("dial failed; retrying", map[string]string{
			"endpoint": name,
			"url":      url,
			"attempt":  strconv.Itoa(attempt),
			"error":    err.Error(),
		})
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrDialFailed, url, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrDialFailed, url, c.options.DialAttempts, lastErr)
}

func (c *Client) contextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func writeMessage(conn *websocket.Conn, messageType int, payload []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(messageType, payload)
}

func writeJSON(conn *websocket.Conn, payload any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}
