package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeops/foreman/internal/log"
	"github.com/forgeops/foreman/internal/metrics"
	"github.com/forgeops/foreman/internal/observe"
	"github.com/forgeops/foreman/internal/task"
	"github.com/forgeops/foreman/internal/wip"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	source := task.NewMemorySource()
	source.Put(task.Task{ID: "t1", Status: task.StatusInProgress, Agent: "dev-1"})
	source.Put(task.Task{ID: "t2", Status: task.StatusPending})

	aggregator := observe.New(observe.Sources{Tasks: source}, observe.Options{}, log.Default())
	controller, err := wip.NewController(wip.DefaultLimits(), source)
	require.NoError(t, err)
	m := metrics.MustNew(prometheus.NewRegistry())

	return New(aggregator, controller, m, Config{StreamInterval: 20 * time.Millisecond}, log.Default())
}

func TestHealthz(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestHealthzDuringShutdown(t *testing.T) {
	s := testServer(t)
	s.inShutdown.Store(true)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTaskMetricsEndpoint(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/observability/tasks", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var m observe.TaskMetrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, 2, m.Total)
	assert.Equal(t, 1, m.QueueDepth)
}

func TestSnapshotEndpoint(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/observability/snapshot", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var snap observe.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.NotNil(t, snap.Tasks)
	assert.NotNil(t, snap.Resources)
}

func TestWIPEndpoint(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/observability/wip", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var status wip.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 1, status.Global)
	assert.Equal(t, 5, status.GlobalCeiling)
}

func TestExportEndpoint(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/observability/export/tasks", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, rec.Body.String(), "status,count")
}

type unreadableTaskSource struct{}

func (unreadableTaskSource) Snapshot() ([]task.Task, error) {
	return nil, fmt.Errorf("task source offline")
}

func TestExportEndpointFailureIsCleanJSON(t *testing.T) {
	aggregator := observe.New(observe.Sources{Tasks: unreadableTaskSource{}}, observe.Options{}, log.Default())
	controller, err := wip.NewController(wip.DefaultLimits(), task.NewMemorySource())
	require.NoError(t, err)
	s := New(aggregator, controller, metrics.MustNew(prometheus.NewRegistry()), Config{}, log.Default())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/observability/export/tasks", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	assert.Empty(t, rec.Header().Get("Content-Disposition"))
	assert.NotContains(t, rec.Body.String(), "status,count")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["error"], "task snapshot")
}

func TestMetricsEndpoint(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStreamPushesSnapshots(t *testing.T) {
	s := testServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snap observe.Snapshot
	require.NoError(t, conn.ReadJSON(&snap))
	require.NotNil(t, snap.Tasks)
	assert.Equal(t, 2, snap.Tasks.Total)
}
