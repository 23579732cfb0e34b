package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/rebalancer/pkg/events"
	"github.com/cuemby/rebalancer/pkg/journal"
	"github.com/cuemby/rebalancer/pkg/metrics"
	"github.com/cuemby/rebalancer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticStatus struct {
	last *types.TickReport
}

func (s staticStatus) Last() *types.TickReport {
	return s.last
}

func newJournal(t *testing.T) journal.Store {
	t.Helper()
	store, err := journal.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func tick(id string, started time.Time) *types.TickReport {
	return &types.TickReport{
		ID:      id,
		Phase:   "accrual",
		Epoch:   7,
		Slot:    1200,
		Started: started,
		Total:   types.Report{Processed: 3, OpsOK: 2, OpsErr: 1},
	}
}

func get(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRoutes(t *testing.T) {
	metrics.RegisterComponent(metrics.ComponentLedger, true, "")
	metrics.RegisterComponent(metrics.ComponentScheduler, true, "")

	s := NewServer(staticStatus{}, nil)
	h := s.Handler()

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{method: http.MethodGet, path: "/health", want: http.StatusOK},
		{method: http.MethodGet, path: "/ready", want: http.StatusOK},
		{method: http.MethodGet, path: "/metrics", want: http.StatusOK},
		{method: http.MethodPost, path: "/health", want: http.StatusMethodNotAllowed},
		{method: http.MethodDelete, path: "/ticks", want: http.StatusMethodNotAllowed},
		{method: http.MethodGet, path: "/nonexistent", want: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, get(t, h, tt.method, tt.path).Code)
		})
	}
}

func TestReadyWaitsForScheduler(t *testing.T) {
	metrics.RegisterComponent(metrics.ComponentLedger, true, "")
	metrics.RegisterComponent(metrics.ComponentScheduler, false, "tick failed")
	defer metrics.RegisterComponent(metrics.ComponentScheduler, true, "")

	w := get(t, NewServer(nil, nil).Handler(), http.MethodGet, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var status metrics.HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "not_ready", status.Status)
	assert.Contains(t, status.Components[metrics.ComponentScheduler], "tick failed")
}

func TestStatus(t *testing.T) {
	w := get(t, NewServer(staticStatus{}, nil).Handler(), http.MethodGet, "/status")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), ErrNoTick.Error())

	last := tick("t-1", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	w = get(t, NewServer(staticStatus{last: last}, nil).Handler(), http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var got types.TickReport
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, "t-1", got.ID)
	assert.Equal(t, last.Total, got.Total)
}

func TestTicksWithoutJournal(t *testing.T) {
	h := NewServer(nil, nil).Handler()
	assert.Equal(t, http.StatusNotFound, get(t, h, http.MethodGet, "/ticks").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, http.MethodGet, "/ticks/t-1").Code)
}

func TestListTicks(t *testing.T) {
	store := newJournal(t)
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"t-1", "t-2", "t-3"} {
		require.NoError(t, store.Record(tick(id, start.Add(time.Duration(i)*time.Minute))))
	}
	h := NewServer(nil, store).Handler()

	w := get(t, h, http.MethodGet, "/ticks")
	require.Equal(t, http.StatusOK, w.Code)
	var all []types.TickReport
	require.NoError(t, json.NewDecoder(w.Body).Decode(&all))
	require.Len(t, all, 3)
	assert.Equal(t, "t-3", all[0].ID)

	w = get(t, h, http.MethodGet, "/ticks?limit=2")
	require.Equal(t, http.StatusOK, w.Code)
	var two []types.TickReport
	require.NoError(t, json.NewDecoder(w.Body).Decode(&two))
	assert.Len(t, two, 2)

	assert.Equal(t, http.StatusBadRequest, get(t, h, http.MethodGet, "/ticks?limit=-1").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, http.MethodGet, "/ticks?limit=abc").Code)
}

func TestListTicksEmpty(t *testing.T) {
	w := get(t, NewServer(nil, newJournal(t)).Handler(), http.MethodGet, "/ticks")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestGetTick(t *testing.T) {
	store := newJournal(t)
	require.NoError(t, store.Record(tick("t-1", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))))
	h := NewServer(nil, store).Handler()

	w := get(t, h, http.MethodGet, "/ticks/t-1")
	require.Equal(t, http.StatusOK, w.Code)
	var got types.TickReport
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, uint64(7), got.Epoch)

	assert.Equal(t, http.StatusNotFound, get(t, h, http.MethodGet, "/ticks/missing").Code)
}

func TestCompression(t *testing.T) {
	h := NewServer(nil, nil).Handler()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
}

func BenchmarkStatus(b *testing.B) {
	h := NewServer(staticStatus{last: tick("t-1", time.Now())}, nil).Handler()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
}

func TestShutdownBeforeStart(t *testing.T) {
	s := NewServer(nil, nil)
	require.NoError(t, s.Shutdown(context.Background()))
	assert.NoError(t, s.Start("127.0.0.1:0"))
}

func TestStartAndShutdown(t *testing.T) {
	s := NewServer(nil, nil)
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start("127.0.0.1:0") }()

	assert.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.server != nil
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, s.Shutdown(context.Background()))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestEventsWithoutBroker(t *testing.T) {
	w := get(t, NewServer(nil, nil).Handler(), http.MethodGet, "/events")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEventsStream(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	s := NewServer(nil, nil)
	s.SetBroker(broker)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer func() { _ = s.Shutdown(context.Background()) }()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return broker.SubscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	broker.Publish(&events.Event{ID: "e-1", Type: events.EventTickFinished, Message: "settlement tick"})

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 3 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		lines = append(lines, strings.TrimSpace(line))
	}
	assert.Equal(t, "id: e-1", lines[0])
	assert.Equal(t, "event: tick.finished", lines[1])

	var got events.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[2], "data: ")), &got))
	assert.Equal(t, "settlement tick", got.Message)
}

func TestEventsStreamOutlivesWriteTimeout(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	s := NewServer(nil, nil)
	s.SetBroker(broker)
	srv := httptest.NewUnstartedServer(s.Handler())
	srv.Config.WriteTimeout = 200 * time.Millisecond
	srv.Start()
	defer srv.Close()
	defer func() { _ = s.Shutdown(context.Background()) }()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Content-Encoding"), "event stream is never compressed")

	require.Eventually(t, func() bool { return broker.SubscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(2 * srv.Config.WriteTimeout)
	broker.Publish(&events.Event{ID: "e-late", Type: events.EventBatchSubmitted})

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "id: e-late", strings.TrimSpace(line))
}
