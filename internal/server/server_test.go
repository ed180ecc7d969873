package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitboard-data/internal/common/logger"
	"github.com/transitboard-data/internal/feed"
	"github.com/transitboard-data/internal/feed/aggregator"
	"github.com/transitboard-data/internal/feed/arrival"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeBoard struct {
	status    feed.Status
	running   bool
	lines     map[string][]*arrival.Record
	refs      map[string][]arrival.Record
	active    map[string]bool
	refreshes []bool
}

func newFakeBoard() *fakeBoard {
	n := arrival.Record{Reference: "15553", Line: "N", Direction: "IB", ExpectedArrival: t0.Add(5 * time.Minute), Live: true}
	return &fakeBoard{
		running: true,
		status:  feed.Status{Ready: true, Records: 1, UpdatedAt: t0},
		lines:   map[string][]*arrival.Record{"N": {&n}},
		refs:    map[string][]arrival.Record{"15553": {n}},
		active:  map[string]bool{"N": true, "J": false, "KT": true},
	}
}

func (f *fakeBoard) Status() feed.Status                     { return f.status }
func (f *fakeBoard) Lines() map[string][]*arrival.Record     { return f.lines }
func (f *fakeBoard) Line(name string) []*arrival.Record      { return f.lines[name] }
func (f *fakeBoard) References() map[string][]arrival.Record { return f.refs }
func (f *fakeBoard) Refresh(force bool)                      { f.refreshes = append(f.refreshes, force) }
func (f *fakeBoard) IsRunning() bool                         { return f.running }
func (f *fakeBoard) Snapshot() aggregator.Snapshot {
	return aggregator.Snapshot{Lines: f.lines, References: f.refs, Active: f.active, UpdatedAt: t0}
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	board := newFakeBoard()
	s := NewServer(":0", board, nil, logger.Nop())

	rec := do(t, s, http.MethodGet, "/api/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	board.status.Recovering = true
	rec = do(t, s, http.MethodGet, "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	board.status.Recovering = false
	board.running = false
	rec = do(t, s, http.MethodGet, "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatus(t *testing.T) {
	s := NewServer(":0", newFakeBoard(), nil, logger.Nop())

	rec := do(t, s, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["ready"])
	assert.Equal(t, float64(1), body["records"])
}

func TestLines(t *testing.T) {
	s := NewServer(":0", newFakeBoard(), nil, logger.Nop())

	rec := do(t, s, http.MethodGet, "/api/lines")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string][]arrival.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body["N"], 1)
	assert.Equal(t, "15553", body["N"][0].Reference)
}

func TestSingleLine(t *testing.T) {
	s := NewServer(":0", newFakeBoard(), nil, logger.Nop())

	rec := do(t, s, http.MethodGet, "/api/lines/N")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/lines/F")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReferences(t *testing.T) {
	s := NewServer(":0", newFakeBoard(), nil, logger.Nop())

	rec := do(t, s, http.MethodGet, "/api/references")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"15553"`)
}

func TestActiveLinesSorted(t *testing.T) {
	s := NewServer(":0", newFakeBoard(), nil, logger.Nop())

	rec := do(t, s, http.MethodGet, "/api/active")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count int      `json:"count"`
		Lines []string `json:"lines"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, []string{"KT", "N"}, body.Lines)
}

func TestRefresh(t *testing.T) {
	board := newFakeBoard()
	s := NewServer(":0", board, nil, logger.Nop())

	rec := do(t, s, http.MethodPost, "/api/refresh")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/refresh?force=true")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/refresh?force=maybe")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, []bool{false, true}, board.refreshes)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "transitboard_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	s := NewServer(":0", newFakeBoard(), reg, logger.Nop())

	rec := do(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "transitboard_test_total 1"))
}

func TestNoMetricsWithoutRegistry(t *testing.T) {
	s := NewServer(":0", newFakeBoard(), nil, logger.Nop())

	rec := do(t, s, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartAndShutdown(t *testing.T) {
	s := NewServer("127.0.0.1:0", newFakeBoard(), nil, logger.Nop())

	require.NoError(t, s.Start())
	assert.Error(t, s.Start())

	resp, err := http.Get("http://" + s.Addr() + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, s.Shutdown(ctx))
	assert.NoError(t, s.Shutdown(ctx))
}
