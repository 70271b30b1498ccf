package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jordanhubbard/orgcoord/pkg/messages"
)

type recordedRequest struct {
	Header http.Header
	Method string
	Path   string
	Query  string
	Body   []byte
}

type fakeServer struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
	body     string
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	buf.ReadFrom(r.Body)

	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{Header: r.Header.Clone(), Method: r.Method, Path: r.URL.EscapedPath(), Query: r.URL.RawQuery, Body: buf.Bytes()})
	status, body := f.status, f.body
	f.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

func (f *fakeServer) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func run(t *testing.T, ts *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", ts.URL}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestOrchestrateCommand(t *testing.T) {
	fake := &fakeServer{body: `{"status":"orchestrating","phase":"discovering"}`}
	ts := httptest.NewServer(fake)
	defer ts.Close()

	out, err := run(t, ts, "orchestrate", "org-1", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, `"orchestrating"`)

	req := fake.last()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/coordinator/org-1/orchestrate", req.Path)
	assert.JSONEq(t, `{"force":true}`, string(req.Body))
}

func TestCompleteCommand(t *testing.T) {
	fake := &fakeServer{body: `{"status":"success","phase":"collecting"}`}
	ts := httptest.NewServer(fake)
	defer ts.Close()

	_, err := run(t, ts, "complete", "org-1", "--agent", "discover", "--result", `{"url":"https://acme.com/items"}`, "--run-id", "run-7")
	require.NoError(t, err)

	var body messages.AgentCompletion
	require.NoError(t, json.Unmarshal(fake.last().Body, &body))
	assert.Equal(t, "discover", body.AgentKind)
	assert.Equal(t, "run-7", body.RunID)
	assert.JSONEq(t, `{"url":"https://acme.com/items"}`, string(body.Result))

	_, err = run(t, ts, "complete", "org-1", "--agent", "process_item", "--item", "item-7", "--error", "timeout")
	require.NoError(t, err)
	var failure messages.AgentCompletion
	require.NoError(t, json.Unmarshal(fake.last().Body, &failure))
	assert.Equal(t, "item-7", failure.ItemID)
	assert.Equal(t, "timeout", failure.Error)
}

func TestCompleteCommand_Validation(t *testing.T) {
	fake := &fakeServer{}
	ts := httptest.NewServer(fake)
	defer ts.Close()

	_, err := run(t, ts, "complete", "org-1", "--agent", "summarize", "--error", "x")
	assert.Error(t, err)

	_, err = run(t, ts, "complete", "org-1", "--agent", "collect")
	assert.Error(t, err)

	_, err = run(t, ts, "complete", "org-1", "--agent", "collect", "--result", "{not json")
	assert.Error(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Empty(t, fake.requests)
}

func TestCompleteCommand_EscalationPrintsBody(t *testing.T) {
	fake := &fakeServer{status: http.StatusInternalServerError, body: `{"status":"error","phase":"error","error":"boom"}`}
	ts := httptest.NewServer(fake)
	defer ts.Close()

	out, err := run(t, ts, "complete", "org-1", "--agent", "collect", "--error", "boom")
	require.Error(t, err)
	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, http.StatusInternalServerError, serverErr.StatusCode)
	assert.Contains(t, out, `"boom"`)
}

func TestStatusCommand_Table(t *testing.T) {
	fake := &fakeServer{body: `{"entity_id":"org-1","entity_name":"Acme","phase":"processing_items","run_id":"run-1","items_total":3,"items_processed":1}`}
	ts := httptest.NewServer(fake)
	defer ts.Close()

	out, err := run(t, ts, "status", "org-1", "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "Acme (org-1)")
	assert.Contains(t, out, "processing_items")
	assert.Contains(t, out, "1/3 processed")
	assert.Equal(t, "/coordinator/org-1/status", fake.last().Path)
}

func TestStatusCommand_NotInitializedTable(t *testing.T) {
	fake := &fakeServer{body: `{"status":"not_initialized","message":"No pipeline run initiated yet"}`}
	ts := httptest.NewServer(fake)
	defer ts.Close()

	out, err := run(t, ts, "status", "org-1", "-o", "table")
	require.NoError(t, err)
	assert.Equal(t, "not_initialized\n", out)
}

func TestListCommand_Table(t *testing.T) {
	fake := &fakeServer{body: `{"coordinators":["org-1","org-2"],"count":2}`}
	ts := httptest.NewServer(fake)
	defer ts.Close()

	out, err := run(t, ts, "list", "-o", "table")
	require.NoError(t, err)
	assert.Equal(t, "org-1\norg-2\n", out)
}

func TestWatchURL(t *testing.T) {
	tests := []struct {
		server string
		want   string
	}{
		{"http://localhost:8080", "ws://localhost:8080/coordinator/org-1/watch"},
		{"https://coord.example.com/", "wss://coord.example.com/coordinator/org-1/watch"},
	}
	for _, tt := range tests {
		got, err := watchURL(tt.server, "org-1")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestLogsCommand(t *testing.T) {
	fake := &fakeServer{body: `{"logs":[
		{"timestamp":"2026-01-01T00:02:00Z","level":"info","source":"coordinator","entity":"org-1","message":"Run complete"},
		{"timestamp":"2026-01-01T00:01:00Z","level":"info","source":"coordinator","entity":"org-1","message":"Run started"}
	],"count":2}`}
	ts := httptest.NewServer(fake)
	defer ts.Close()

	out, err := run(t, ts, "logs", "--entity", "org-1", "--limit", "5", "-o", "table")
	require.NoError(t, err)

	req := fake.last()
	assert.Equal(t, "/logs", req.Path)
	assert.Equal(t, "entity=org-1&limit=5", req.Query)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "Run started")
	assert.Contains(t, lines[2], "Run complete")
}

func TestAuthHeaders(t *testing.T) {
	fake := &fakeServer{body: `{"coordinators":[],"count":0}`}
	ts := httptest.NewServer(fake)
	defer ts.Close()

	_, err := run(t, ts, "list", "--api-key", "k1")
	require.NoError(t, err)
	assert.Equal(t, "k1", fake.last().Header.Get("X-API-Key"))

	_, err = run(t, ts, "list", "--api-key", "k1", "--token", "t1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer t1", fake.last().Header.Get("Authorization"))
	assert.Empty(t, fake.last().Header.Get("X-API-Key"))
}

func TestTokenCommand(t *testing.T) {
	fake := &fakeServer{body: `{"token":"jwt-abc","role":"agent"}`}
	ts := httptest.NewServer(fake)
	defer ts.Close()

	out, err := run(t, ts, "token", "--api-key", "k1", "-o", "table")
	require.NoError(t, err)
	assert.Equal(t, "jwt-abc\n", out)
	assert.Equal(t, "/auth/token", fake.last().Path)
	assert.JSONEq(t, `{"api_key":"k1"}`, string(fake.last().Body))

	_, err = run(t, ts, "token", "--api-key", "")
	assert.Error(t, err)
}

func TestHashKeyCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader("s3cret\n"))
	cmd.SetArgs([]string{"hash-key"})
	require.NoError(t, cmd.Execute())

	hash := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))
}
