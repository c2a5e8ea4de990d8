// Package topic maps filesystem changes to publish/subscribe topics and back.
//
// A topic is "<OPCODE>://" followed by the absolute path with its separators
// preserved. Because separators are kept, the topic of a directory is a byte
// prefix of the topic of everything beneath it, so a single prefix
// subscription on a directory covers subdirectories created later.
//
// Flattening separators (for example "/" to "_") is not an alternative: it
// lets "a/b" and "a_b" collide and breaks containment once directory names
// contain the replacement character.
package topic
