package topic

import "fmt"

// Kind is the type of filesystem change.
type Kind int

const (
	KindUnknown Kind = iota
	KindCreate
	KindWrite
	KindRemove
	KindRename
	KindChmod
)

// Opcodes used on the internal raw channel.
const (
	RawCreate = "CREATE"
	RawWrite  = "WRITE"
	RawRemove = "REMOVE"
	RawRename = "RENAME"
	RawChmod  = "CHMOD"
)

// Opcodes used in public topics.
const (
	OpNew   = "NEW"
	OpWrite = "WRITE"
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindWrite:
		return "write"
	case KindRemove:
		return "remove"
	case KindRename:
		return "rename"
	case KindChmod:
		return "chmod"
	default:
		return "unknown"
	}
}

// RawOpcode returns the internal channel opcode for k.
func (k Kind) RawOpcode() string {
	switch k {
	case KindCreate:
		return RawCreate
	case KindWrite:
		return RawWrite
	case KindRemove:
		return RawRemove
	case KindRename:
		return RawRename
	case KindChmod:
		return RawChmod
	default:
		return ""
	}
}

// Forwarded reports whether k is published on the public channel.
func (k Kind) Forwarded() bool {
	return k == KindCreate || k == KindWrite
}

// PublicOpcode returns the topic opcode for a forwarded kind.
func (k Kind) PublicOpcode() (string, error) {
	switch k {
	case KindCreate:
		return OpNew, nil
	case KindWrite:
		return OpWrite, nil
	default:
		return "", fmt.Errorf("%w: %s has no public opcode", ErrUnknownOpcode, k)
	}
}

// ParseRawOpcode maps an internal channel opcode to a Kind.
func ParseRawOpcode(opcode string) (Kind, error) {
	switch opcode {
	case RawCreate:
		return KindCreate, nil
	case RawWrite:
		return KindWrite, nil
	case RawRemove:
		return KindRemove, nil
	case RawRename:
		return KindRename, nil
	case RawChmod:
		return KindChmod, nil
	default:
		return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownOpcode, opcode)
	}
}

func parsePublicOpcode(opcode string) (Kind, error) {
	switch opcode {
	case OpNew:
		return KindCreate, nil
	case OpWrite:
		return KindWrite, nil
	default:
		return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownOpcode, opcode)
	}
}
