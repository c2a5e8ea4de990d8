package event

// Envelope is the two-part message carried on both buses: a topic used for
// prefix filtering and an opaque payload.
type Envelope struct {
	Topic   string
	Payload []byte
}

func NewEnvelope(topic string, payload []byte) Envelope {
	copied := make([]byte, len(payload))
	copy(copied, payload)
	return Envelope{Topic: topic, Payload: copied}
}

func (e Envelope) String() string {
	return "[" + e.Topic + "] " + string(e.Payload)
}
