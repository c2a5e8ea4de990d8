// Package protocol defines the JSON messages exchanged on the public
// websocket channel.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"kintampo/internal/event"
)

// Websocket routes served by the public and discovery listeners.
const (
	EventsPath   = "/events"
	TopologyPath = "/topology"
)

// MaxRequestBytes is the largest client message the server accepts.
const MaxRequestBytes = 64 * 1024

// MessageType tags messages sent from the server to a client.
type MessageType string

const (
	MessageTypeEnvelope     MessageType = "envelope"
	MessageTypeSubscribed   MessageType = "subscribed"
	MessageTypeUnsubscribed MessageType = "unsubscribed"
	MessageTypeError        MessageType = "error"
)

var ErrEmptyRequest = errors.New("subscription request names no topics")

// SubscriptionRequest is the only message a client sends. At least one of
// the two lists must be non-empty.
type SubscriptionRequest struct {
	Subscribe   []string `json:"subscribe,omitempty"`
	Unsubscribe []string `json:"unsubscribe,omitempty"`
}

// EnvelopeMessage carries one public bus envelope. Payload is base64 in JSON.
type EnvelopeMessage struct {
	Type    MessageType `json:"type"`
	Topic   string      `json:"topic"`
	Payload []byte      `json:"payload"`
}

// AckMessage confirms a subscription change. Topics lists the prefixes
// active on the connection after the change.
type AckMessage struct {
	Type   MessageType `json:"type"`
	Topics []string    `json:"topics"`
}

type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type typedMessage struct {
	Type MessageType `json:"type"`
}

func NewEnvelopeMessage(envelope event.Envelope) EnvelopeMessage {
	return EnvelopeMessage{
		Type:    MessageTypeEnvelope,
		Topic:   envelope.Topic,
		Payload: envelope.Payload,
	}
}

// Envelope converts the message back into a bus envelope.
func (m EnvelopeMessage) Envelope() event.Envelope {
	return event.NewEnvelope(m.Topic, m.Payload)
}

// DecodeSubscriptionRequest parses a client control message strictly.
func DecodeSubscriptionRequest(payload []byte) (SubscriptionRequest, error) {
	var request SubscriptionRequest
	if err := decodeStrict(payload, &request); err != nil {
		return SubscriptionRequest{}, fmt.Errorf("decode subscription request: %w", err)
	}
	if len(request.Subscribe) == 0 && len(request.Unsubscribe) == 0 {
		return SubscriptionRequest{}, ErrEmptyRequest
	}
	return request, nil
}

// BatchTopics splits topics into groups whose encoded subscription request
// fits in maxBytes. A topic too large on its own still gets a batch, which
// the server will refuse.
func BatchTopics(topics []string, maxBytes int) [][]string {
	// Encoders terminate each message with a newline.
	overhead := len(`{"unsubscribe":[]}`) + 1
	var batches [][]string
	var current []string
	size := overhead
	for _, t := range topics {
		encoded, _ := json.Marshal(t)
		cost := len(encoded)
		if len(current) > 0 {
			if size+cost+1 > maxBytes {
				batches = append(batches, current)
				current = nil
				size = overhead
			} else {
				cost++
			}
		}
		current = append(current, t)
		size += cost
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// DecodeServerMessage returns an EnvelopeMessage, AckMessage or ErrorMessage.
func DecodeServerMessage(payload []byte) (any, error) {
	var header typedMessage
	if err := json.Unmarshal(payload, &header); err != nil {
		return nil, err
	}
	switch header.Type {
	case MessageTypeEnvelope:
		var msg EnvelopeMessage
		if err := decodeStrict(payload, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case MessageTypeSubscribed, MessageTypeUnsubscribed:
		var msg AckMessage
		if err := decodeStrict(payload, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case MessageTypeError:
		var msg ErrorMessage
		if err := decodeStrict(payload, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "":
		return nil, errors.New("server message missing type")
	default:
		return nil, fmt.Errorf("unknown server message type %q", header.Type)
	}
}

func decodeStrict(payload []byte, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("message has trailing data")
		}
		return err
	}
	return nil
}
