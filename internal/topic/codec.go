package topic

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Separator splits the opcode from the resource in a topic.
const Separator = "://"

var (
	ErrMalformedTopic = errors.New("malformed topic")
	ErrUnknownOpcode  = errors.New("unknown opcode")
	ErrRelativePath   = errors.New("path must be absolute")
)

// Topic is a prefix-matchable publish/subscribe key.
type Topic string

func (t Topic) String() string {
	return string(t)
}

// Encode builds the topic for a change of kind at path. The path is used
// verbatim; it is not cleaned, so callers should pass the form clients will see.
func Encode(kind Kind, path string) (Topic, error) {
	opcode, err := kind.PublicOpcode()
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: %q", ErrRelativePath, path)
	}
	return Topic(opcode + Separator + path), nil
}

// Decode splits a topic on the first separator and returns its kind and path.
func Decode(t Topic) (Kind, string, error) {
	opcode, path, found := strings.Cut(string(t), Separator)
	if !found || opcode == "" || path == "" {
		return KindUnknown, "", fmt.Errorf("%w: %q", ErrMalformedTopic, string(t))
	}
	kind, err := parsePublicOpcode(opcode)
	if err != nil {
		return KindUnknown, "", err
	}
	if !filepath.IsAbs(path) {
		return KindUnknown, "", fmt.Errorf("%w: %q", ErrRelativePath, path)
	}
	return kind, path, nil
}

// SubscriptionFor returns the prefix a client subscribes with to receive kind
// events for dir and everything beneath it.
func SubscriptionFor(kind Kind, dir string) (Topic, error) {
	return Encode(kind, dir)
}

// Covers reports whether a subscription prefix matches t.
func Covers(prefix, t Topic) bool {
	return strings.HasPrefix(string(t), string(prefix))
}
