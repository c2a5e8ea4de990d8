// Package topology answers discovery requests with the directories that
// currently exist under the watched root. Every answer comes from a fresh
// walk; nothing is cached between requests.
//
// A snapshot is not atomic with a later subscription. Directories created
// after the walk are only seen by subscribers whose prefixes already cover
// them; one that appears under no snapshotted directory is missed.
package topology
