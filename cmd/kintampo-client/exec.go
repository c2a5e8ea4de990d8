package main

import (
	"context"
	"io"
	"os"
	"os/exec"

	"kintampo/internal/client"
	"kintampo/internal/logging"
	"kintampo/internal/topic"
)

// execOnCreate runs command with the event path appended for every
// created file. Directories are skipped. Commands run one at a time, in
// event order.
func execOnCreate(ctx context.Context, command []string, stdout, stderr io.Writer, logger *logging.Logger) func(client.Event) {
	return func(e client.Event) {
		if e.Kind != topic.KindCreate {
			return
		}
		if info, err := os.Stat(e.Path); err == nil && info.IsDir() {
			return
		}
		args := append(append([]string(nil), command[1:]...), e.Path)
		cmd := exec.CommandContext(ctx, command[0], args...)
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		if err := cmd.Run(); err != nil {
			logger.Warn("exec failed", map[string]string{
				"command": command[0],
				"path":    e.Path,
				"error":   err.Error(),
			})
		}
	}
}
