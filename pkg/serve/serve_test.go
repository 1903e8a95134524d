package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ormasoftchile/certo/pkg/engine"
	"github.com/ormasoftchile/certo/pkg/notify"
	"github.com/ormasoftchile/certo/pkg/procedure"
	"github.com/ormasoftchile/certo/pkg/report"
	"github.com/ormasoftchile/certo/pkg/store"
)

const testProcedure = `
apiVersion: procedure/v1
meta:
  id: read-dcap
  version: "1.0.0"
  timeout: 30s
steps:
  - id: read-dcap
    action:
      request:
        method: GET
        path: /dcap
    assert:
      - status: 200
`

func newTestServer(t *testing.T) (*httptest.Server, *engine.Harness) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "certo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	listener := notify.NewListener(db, log.New(io.Discard))
	h := engine.New(db, db, listener, engine.Options{Poll: 10 * time.Millisecond})

	proc, err := procedure.Load(strings.NewReader(testProcedure))
	require.NoError(t, err)
	h.Register(proc)

	srv := New(":0", h, db, listener, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, h
}

func startSession(t *testing.T, ts *httptest.Server, sut string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"procedure": "read-dcap", "target": sut})
	resp, err := http.Post(ts.URL+"/sessions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var started struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	require.NotEmpty(t, started.SessionID)
	return started.SessionID
}

func newSUT(t *testing.T) *httptest.Server {
	t.Helper()
	sut := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"pollRate":900}`)
	}))
	t.Cleanup(sut.Close)
	return sut
}

func TestStartSessionAndStatus(t *testing.T) {
	ts, h := newTestServer(t)
	sut := newSUT(t)

	id := startSession(t, ts, sut.URL)
	<-h.Done(id)

	resp, err := http.Get(ts.URL + "/sessions/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "passed", got.Status)
}

func TestStartSessionValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	cases := []struct {
		name string
		body string
		code int
	}{
		{"missing target", `{"procedure":"read-dcap"}`, http.StatusBadRequest},
		{"missing procedure", `{"target":"http://sut"}`, http.StatusBadRequest},
		{"malformed json", `{`, http.StatusBadRequest},
		{"unknown procedure", `{"procedure":"nope","target":"http://sut"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/sessions", "application/json", strings.NewReader(tc.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tc.code, resp.StatusCode)
		})
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, path := range []string{"/sessions/nope", "/sessions/nope/evidence"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestEvidenceEndpoint(t *testing.T) {
	ts, h := newTestServer(t)
	sut := newSUT(t)

	id := startSession(t, ts, sut.URL)
	<-h.Done(id)

	resp, err := http.Get(ts.URL + "/sessions/" + id + "/evidence")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		Count    int               `json:"count"`
		Evidence []json.RawMessage `json:"evidence"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 2, got.Count, "request and response records")
	assert.Len(t, got.Evidence, 2)
}

func TestAbortEndpoint(t *testing.T) {
	ts, h := newTestServer(t)

	// A SUT that never answers keeps the session running long enough to
	// abort it.
	stall := make(chan struct{})
	sut := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-stall
	}))
	t.Cleanup(func() { close(stall); sut.Close() })

	id := startSession(t, ts, sut.URL)

	resp, err := http.Post(ts.URL+"/sessions/"+id+"/abort", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case <-h.Done(id):
	case <-time.After(10 * time.Second):
		t.Fatal("session did not stop after abort")
	}

	sess, err := h.SessionStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "aborted", string(sess.Status))
}

func TestAbortFinishedSessionConflict(t *testing.T) {
	ts, h := newTestServer(t)
	sut := newSUT(t)

	id := startSession(t, ts, sut.URL)
	<-h.Done(id)

	resp, err := http.Post(ts.URL+"/sessions/"+id+"/abort", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var got struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Contains(t, got.Error, "already passed")
}

func TestFinalizeReturnsReport(t *testing.T) {
	ts, h := newTestServer(t)
	sut := newSUT(t)

	id := startSession(t, ts, sut.URL)
	<-h.Done(id)

	resp, err := http.Post(ts.URL+"/sessions/"+id+"/finalize", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rep report.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	assert.Equal(t, id, rep.SessionID)
	assert.Equal(t, "passed", rep.Status)
	assert.Equal(t, 1, rep.Summary.Passed)
	assert.Equal(t, 2, rep.EvidenceCount)
}

func TestNotificationIntakeRouted(t *testing.T) {
	ts, h := newTestServer(t)
	sut := newSUT(t)

	id := startSession(t, ts, sut.URL)
	<-h.Done(id)

	// The webhook stays reachable after the session ends; late deliveries
	// are dropped without error.
	body := `{"message_id":"m1","event":"edev-connected"}`
	resp, err := http.Post(ts.URL+"/sessions/"+id+"/notifications", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestProceduresAndHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/procedures")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		Procedures []string `json:"procedures"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, []string{"read-dcap"}, got.Procedures)

	health, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}
