package logging

import (
	"container/ring"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultBufferSize is the number of log entries kept in memory
	DefaultBufferSize = 5000

	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// LogEntry represents a single log entry
type LogEntry struct {
	ID        uint64    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Source    string    `json:"source"`
	Entity    string    `json:"entity,omitempty"` // entity id or name from the log prefix
	Message   string    `json:"message"`
}

// Filter selects entries from GetRecent. Zero fields match everything.
type Filter struct {
	Limit  int
	Level  string
	Source string
	Entity string
	Since  time.Time
}

// Manager keeps the most recent log lines in a ring buffer so operators can
// read them over the API without shell access.
type Manager struct {
	mu     sync.RWMutex
	buffer *ring.Ring
	size   int
	seq    atomic.Uint64
	now    func() time.Time
}

// NewManager creates a manager holding up to size entries
func NewManager(size int) *Manager {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Manager{buffer: ring.New(size), size: size, now: time.Now}
}

// Log adds an entry to the buffer
func (m *Manager) Log(level, source, entity, message string) LogEntry {
	entry := LogEntry{
		ID:        m.seq.Add(1),
		Timestamp: m.now(),
		Level:     level,
		Source:    source,
		Entity:    entity,
		Message:   message,
	}

	m.mu.Lock()
	m.buffer.Value = entry
	m.buffer = m.buffer.Next()
	m.mu.Unlock()
	return entry
}

// GetRecent returns matching entries, newest first
func (m *Manager) GetRecent(f Filter) []LogEntry {
	limit := f.Limit
	if limit <= 0 || limit > m.size {
		limit = 100
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	// Do walks oldest to newest starting at the write cursor.
	var matched []LogEntry
	m.buffer.Do(func(v interface{}) {
		entry, ok := v.(LogEntry)
		if !ok {
			return
		}
		if f.Level != "" && entry.Level != f.Level {
			return
		}
		if f.Source != "" && entry.Source != f.Source {
			return
		}
		if f.Entity != "" && entry.Entity != f.Entity {
			return
		}
		if !f.Since.IsZero() && entry.Timestamp.Before(f.Since) {
			return
		}
		matched = append(matched, entry)
	})

	logs := make([]LogEntry, 0, limit)
	for i := len(matched) - 1; i >= 0 && len(logs) < limit; i-- {
		logs = append(logs, matched[i])
	}
	return logs
}

// parseLine splits "[Component id] message" into its parts. Lines without a
// bracketed prefix come from "system".
func parseLine(line string) (level, source, entity, msg string) {
	msg = strings.TrimSpace(line)
	source = "system"

	if len(msg) > 2 && msg[0] == '[' {
		if end := strings.Index(msg, "]"); end > 1 {
			tag := strings.Fields(msg[1:end])
			source = strings.ToLower(tag[0])
			if len(tag) > 1 {
				entity = strings.Join(tag[1:], " ")
			}
			msg = strings.TrimSpace(msg[end+1:])
		}
	}

	level = LogLevelInfo
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "error") || strings.Contains(lower, "fail"):
		level = LogLevelError
	case strings.Contains(lower, "warn"):
		level = LogLevelWarn
	}
	return level, source, entity, msg
}

// logInterceptWriter captures standard log output into the manager and
// passes it through to out.
type logInterceptWriter struct {
	manager *Manager
	out     io.Writer
}

func (w *logInterceptWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line == "" {
			continue
		}
		level, source, entity, msg := parseLine(line)
		entry := w.manager.Log(level, source, entity, msg)
		if w.out != nil {
			fmt.Fprintf(w.out, "%s %s\n", entry.Timestamp.Format("2006/01/02 15:04:05"), line)
		}
	}
	return len(p), nil
}

// InstallLogInterceptor routes the standard logger through m, echoing every
// line to out. Call it once at startup.
func (m *Manager) InstallLogInterceptor(out io.Writer) {
	log.SetOutput(&logInterceptWriter{manager: m, out: out})
	log.SetFlags(0) // timestamps are added by the writer
}
