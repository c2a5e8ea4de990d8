package topology

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const errorReplyPrefix = "error: "

var ErrErrorReply = errors.New("topology error reply")

// Snapshot is the ordered list of absolute directory paths under a root,
// root included.
type Snapshot []string

// Walk lists root and every directory beneath it in lexical walk order.
// Files are never included. Unreadable subdirectories are skipped.
func Walk(root string) (Snapshot, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", root, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("stat root %q: %w", absRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", absRoot)
	}

	snapshot := Snapshot{}
	err = filepath.WalkDir(absRoot, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == absRoot {
				return walkErr
			}
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			snapshot = append(snapshot, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk root %q: %w", absRoot, err)
	}
	return snapshot, nil
}

// Encode renders the snapshot as the JSON array sent on the wire.
func (s Snapshot) Encode() ([]byte, error) {
	if s == nil {
		s = Snapshot{}
	}
	return json.Marshal([]string(s))
}

// ParseSnapshot decodes a discovery reply. The unsupported literal maps to
// ErrUnsupportedOperation and an error reply maps to ErrErrorReply.
func ParseSnapshot(reply []byte) (Snapshot, error) {
	text := strings.TrimSpace(string(reply))
	switch {
	case text == UnsupportedOperation:
		return nil, ErrUnsupportedOperation
	case strings.HasPrefix(text, errorReplyPrefix):
		return nil, fmt.Errorf("%w: %s", ErrErrorReply, strings.TrimPrefix(text, errorReplyPrefix))
	}
	var snapshot Snapshot
	if err := json.Unmarshal([]byte(text), &snapshot); err != nil {
		return nil, fmt.Errorf("decode topology reply: %w", err)
	}
	return snapshot, nil
}
