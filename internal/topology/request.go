package topology

import "errors"

// RequestTopologyLiteral is the only payload the service recognizes.
const RequestTopologyLiteral = "topology"

// UnsupportedOperation is the reply for any unrecognized request.
const UnsupportedOperation = "Unsupported operation"

var ErrUnsupportedOperation = errors.New("unsupported operation")

// Request is the closed set of discovery requests.
type Request int

const (
	RequestUnsupported Request = iota
	RequestTopology
)

func (r Request) String() string {
	switch r {
	case RequestTopology:
		return "topology"
	default:
		return "unsupported"
	}
}

// ParseRequest maps a wire payload to a Request. Matching is exact.
func ParseRequest(payload string) Request {
	if payload == RequestTopologyLiteral {
		return RequestTopology
	}
	return RequestUnsupported
}
