package logging

import (
	"bytes"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetRecent_NewestFirst(t *testing.T) {
	m := NewManager(10)
	m.Log(LogLevelInfo, "coordinator", "org-1", "first")
	m.Log(LogLevelInfo, "coordinator", "org-1", "second")
	m.Log(LogLevelInfo, "consumer", "", "third")

	logs := m.GetRecent(Filter{})
	require.Len(t, logs, 3)
	assert.Equal(t, "third", logs[0].Message)
	assert.Equal(t, "first", logs[2].Message)
	assert.Greater(t, logs[0].ID, logs[1].ID)
}

func TestGetRecent_Wraps(t *testing.T) {
	m := NewManager(3)
	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		m.Log(LogLevelInfo, "system", "", msg)
	}

	logs := m.GetRecent(Filter{})
	require.Len(t, logs, 3)
	assert.Equal(t, []string{"e", "d", "c"}, []string{logs[0].Message, logs[1].Message, logs[2].Message})
}

func TestGetRecent_Filters(t *testing.T) {
	m := NewManager(10)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	m.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	m.Log(LogLevelInfo, "coordinator", "org-1", "run started")
	m.Log(LogLevelError, "coordinator", "org-2", "seed failed")
	m.Log(LogLevelInfo, "consumer", "", "running")
	m.Log(LogLevelInfo, "coordinator", "org-1", "run complete")

	assert.Len(t, m.GetRecent(Filter{Entity: "org-1"}), 2)
	assert.Len(t, m.GetRecent(Filter{Level: LogLevelError}), 1)
	assert.Len(t, m.GetRecent(Filter{Source: "consumer"}), 1)
	assert.Len(t, m.GetRecent(Filter{Since: base.Add(3 * time.Minute)}), 2)

	limited := m.GetRecent(Filter{Limit: 1, Source: "coordinator"})
	require.Len(t, limited, 1)
	assert.Equal(t, "run complete", limited[0].Message)
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		line, level, source, entity, msg string
	}{
		{"[Coordinator org-1] Run r1 started in phase discovering", LogLevelInfo, "coordinator", "org-1", "Run r1 started in phase discovering"},
		{"[Consumer] Delivery failed: timeout", LogLevelError, "consumer", "", "Delivery failed: timeout"},
		{"Warning: not watching file", LogLevelWarn, "system", "", "Warning: not watching file"},
		{"[Coordinator Acme Corp] Reset", LogLevelInfo, "coordinator", "Acme Corp", "Reset"},
	}
	for _, tt := range tests {
		level, source, entity, msg := parseLine(tt.line)
		assert.Equal(t, tt.level, level, tt.line)
		assert.Equal(t, tt.source, source, tt.line)
		assert.Equal(t, tt.entity, entity, tt.line)
		assert.Equal(t, tt.msg, msg, tt.line)
	}
}

func TestInstallLogInterceptor(t *testing.T) {
	defer log.SetOutput(os.Stderr)
	defer log.SetFlags(log.LstdFlags)

	m := NewManager(10)
	var out bytes.Buffer
	m.InstallLogInterceptor(&out)

	log.Printf("[Coordinator org-1] Run complete: %d items", 3)

	logs := m.GetRecent(Filter{Entity: "org-1"})
	require.Len(t, logs, 1)
	assert.Equal(t, "Run complete: 3 items", logs[0].Message)
	assert.True(t, strings.HasSuffix(out.String(), "[Coordinator org-1] Run complete: 3 items\n"))
}
