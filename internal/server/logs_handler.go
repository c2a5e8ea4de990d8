package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"kintampo/internal/logging"
)

const (
	logsRoute        = "/logs"
	defaultLogsLimit = 100
)

// LogsHandler serves the most recent entries of the daemon's log ring as JSON.
// Query parameters: limit, level (minimum severity), since (RFC 3339).
type LogsHandler struct {
	Buffer *logging.LogBuffer
}

type logQuery struct {
	Limit int
	Level logging.Level
	Since *time.Time
}

func (h *LogsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Buffer == nil {
		http.Error(w, "log buffer unavailable", http.StatusServiceUnavailable)
		return
	}
	query, message := parseLogQuery(r)
	if message != "" {
		http.Error(w, message, http.StatusBadRequest)
		return
	}

	entries := filterLogEntries(h.Buffer.List(), query)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}

func parseLogQuery(r *http.Request) (logQuery, string) {
	values := r.URL.Query()
	query := logQuery{Limit: defaultLogsLimit}

	if rawLimit := strings.TrimSpace(values.Get("limit")); rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil || limit <= 0 {
			return query, "invalid limit"
		}
		query.Limit = limit
	}
	if rawSince := strings.TrimSpace(values.Get("since")); rawSince != "" {
		parsed, err := time.Parse(time.RFC3339, rawSince)
		if err != nil {
			return query, "invalid since timestamp"
		}
		query.Since = &parsed
	}
	if rawLevel := strings.TrimSpace(values.Get("level")); rawLevel != "" {
		level, ok := logging.ParseLevel(rawLevel)
		if !ok {
			return query, "invalid log level"
		}
		query.Level = level
	}
	return query, ""
}

func filterLogEntries(entries []logging.LogEntry, query logQuery) []logging.LogEntry {
	filtered := make([]logging.LogEntry, 0, len(entries))
	for _, entry := range entries {
		if query.Level != "" && !logging.LevelAtLeast(entry.Level, query.Level) {
			continue
		}
		if query.Since != nil && entry.Timestamp.Before(*query.Since) {
			continue
		}
		filtered = append(filtered, entry)
	}
	if query.Limit > 0 && len(filtered) > query.Limit {
		filtered = filtered[len(filtered)-query.Limit:]
	}
	return filtered
}
