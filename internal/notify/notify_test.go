package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/orgcoord/internal/messagebus"
	"github.com/jordanhubbard/orgcoord/pkg/messages"
	"github.com/jordanhubbard/orgcoord/pkg/models"
)

func sampleCompletion() messages.Completion {
	return messages.Completion{
		EntityID:           "org-1",
		EntityName:         "Acme",
		RunID:              "run-1",
		ItemsTotal:         3,
		HighValueCount:     2,
		ArtifactsGenerated: 2,
		HighValueItems: []models.HighValueItem{
			{ItemID: "a", Score: 80},
			{ItemID: "c", Score: 90},
		},
		Timestamp: time.Now().UnixMilli(),
	}
}

type stubNotifier struct {
	name  string
	err   error
	calls int
}

func (s *stubNotifier) Name() string { return s.name }

func (s *stubNotifier) Notify(ctx context.Context, c messages.Completion) error {
	s.calls++
	return s.err
}

func TestWebhook_Posts(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewWebhook(srv.URL, time.Second).Notify(context.Background(), sampleCompletion()))

	assert.Equal(t, WebhookEvent, got["event"])
	assert.Equal(t, "org-1", got["entity_id"])
	assert.Equal(t, float64(2), got["highvalue_count"])
	assert.Len(t, got["highvalue_items"], 2)
}

func TestWebhook_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, time.Second).Notify(context.Background(), sampleCompletion())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestMulti_CallsAllAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	a := &stubNotifier{name: "a", err: boom}
	b := &stubNotifier{name: "b"}

	recorded := map[string]error{}
	m := NewMulti(func(name string, err error) { recorded[name] = err }, a, Log{}, b)

	err := m.Notify(context.Background(), sampleCompletion())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
	assert.Equal(t, 3, m.Len())
	assert.ErrorIs(t, recorded["a"], boom)
	assert.NoError(t, recorded["b"])
	assert.Contains(t, recorded, "log")
}

func TestBus_PublishesEvent(t *testing.T) {
	q := messagebus.NewMemoryQueue(messagebus.Config{})
	defer q.Close()

	require.NoError(t, NewBus(q, "orgcoord-test").Notify(context.Background(), sampleCompletion()))

	events := q.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "pipeline.complete", events[0].Type)
	assert.Equal(t, "orgcoord-test", events[0].Source)
	assert.Equal(t, "org-1", events[0].EntityID)
}

func TestEventLog(t *testing.T) {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}

	el, err := NewEventLog(dsn, "test-account")
	require.NoError(t, err)
	defer el.Close()
	require.NoError(t, el.Ping(context.Background()))

	c := sampleCompletion()
	c.EntityID = "eventlog-test"
	require.NoError(t, el.Notify(context.Background(), c))

	var n int
	require.NoError(t, el.db.QueryRow(
		`SELECT COUNT(*) FROM events WHERE entity_id = $1 AND event_type = $2`, c.EntityID, EventType,
	).Scan(&n))
	assert.GreaterOrEqual(t, n, 1)
	_, _ = el.db.Exec(`DELETE FROM events WHERE entity_id = $1`, c.EntityID)
}
