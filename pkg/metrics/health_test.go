package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/rebalancer/pkg/types"
)

func resetHealth(version string) {
	health = newRegistry(time.Now)
	health.version = version
}

// fakeNow replaces the registry clock and returns a setter
func fakeNow(start time.Time) func(time.Time) {
	now := start
	health = newRegistry(func() time.Time { return now })
	return func(t time.Time) { now = t }
}

func finishedTick(id string, err string) *types.TickReport {
	return &types.TickReport{
		ID:       id,
		Phase:    "accrual",
		Epoch:    42,
		Slot:     1500,
		Started:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Duration: 3 * time.Second,
		Total:    types.Report{Processed: 3, OpsOK: 2, OpsErr: 1},
		Error:    err,
	}
}

func TestRecordTick(t *testing.T) {
	resetHealth("")

	RecordTick(finishedTick("t-1", ""))
	status := GetHealth()
	if status.Status != StatusHealthy {
		t.Fatalf("expected healthy after a good tick, got %s", status.Status)
	}
	if status.LastTick == nil || status.LastTick.ID != "t-1" {
		t.Fatalf("expected last tick t-1, got %+v", status.LastTick)
	}
	if status.LastTick.Epoch != 42 || status.LastTick.OpsOK != 2 || status.LastTick.OpsErr != 1 {
		t.Errorf("unexpected tick summary %+v", status.LastTick)
	}
	want := time.Date(2024, 1, 1, 0, 0, 3, 0, time.UTC)
	if !status.LastTick.Finished.Equal(want) {
		t.Errorf("finished = %s, want %s", status.LastTick.Finished, want)
	}

	RecordTick(finishedTick("t-2", "failed to read snapshot"))
	status = GetHealth()
	if status.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy after a failed tick, got %s", status.Status)
	}
	if status.Components[ComponentScheduler] != "unhealthy: failed to read snapshot" {
		t.Errorf("unexpected scheduler status: %s", status.Components[ComponentScheduler])
	}
	if status.LastTick.Error != "failed to read snapshot" {
		t.Errorf("expected tick error in payload, got %q", status.LastTick.Error)
	}
}

func TestLedgerSampleAge(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	set := fakeNow(start)
	health.setMaxAge(time.Minute)

	health.recordSample(&PoolSample{
		Clock:     types.EpochClock{Epoch: 7, Slot: 900},
		Imbalance: types.Diff(10, 35),
	})

	set(start.Add(30 * time.Second))
	status := GetHealth()
	if status.Status != StatusHealthy {
		t.Fatalf("expected healthy with a fresh sample, got %s", status.Status)
	}
	if status.Ledger == nil || status.Ledger.Epoch != 7 || status.Ledger.Imbalance != "-25" {
		t.Fatalf("unexpected ledger status %+v", status.Ledger)
	}
	if status.Ledger.Age != "30s" {
		t.Errorf("age = %s, want 30s", status.Ledger.Age)
	}

	set(start.Add(2 * time.Minute))
	status = GetHealth()
	if status.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy with a stale sample, got %s", status.Status)
	}
	if !strings.Contains(status.Components[ComponentLedger], "stale") {
		t.Errorf("expected stale ledger, got %s", status.Components[ComponentLedger])
	}
}

func TestSampleErrorKeepsLastSample(t *testing.T) {
	resetHealth("")
	health.recordSample(&PoolSample{Clock: types.EpochClock{Epoch: 3}})
	health.recordSampleError(errTest)

	status := GetHealth()
	if status.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", status.Status)
	}
	if status.Ledger == nil || status.Ledger.Epoch != 3 {
		t.Errorf("expected the last good sample, got %+v", status.Ledger)
	}
}

func TestGetReadiness(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		want       string
	}{
		{"all ready", map[string]bool{ComponentLedger: true, ComponentScheduler: true}, StatusReady},
		{"no tick yet", map[string]bool{ComponentLedger: true}, StatusNotReady},
		{"ledger unhealthy", map[string]bool{ComponentLedger: false, ComponentScheduler: true}, StatusNotReady},
		{"journal ignored", map[string]bool{ComponentLedger: true, ComponentScheduler: true, ComponentJournal: false}, StatusReady},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth("")
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "")
			}

			readiness := GetReadiness()
			if readiness.Status != tt.want {
				t.Errorf("expected status '%s', got '%s'", tt.want, readiness.Status)
			}
			if tt.want != StatusReady && readiness.Message == "" {
				t.Error("expected message explaining why not ready")
			}
		})
	}
}

func TestHealthHandler(t *testing.T) {
	resetHealth("test")
	RegisterComponent(ComponentLedger, false, "rpc unreachable")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	HealthHandler()(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if status.Version != "test" {
		t.Errorf("expected version 'test', got %s", status.Version)
	}
}

func TestReadyHandler(t *testing.T) {
	resetHealth("")
	RegisterComponent(ComponentLedger, true, "")
	RecordTick(finishedTick("t-1", ""))

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()
	ReadyHandler()(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if status.LastTick == nil || status.LastTick.ID != "t-1" {
		t.Errorf("expected last tick in readiness payload, got %+v", status.LastTick)
	}
}
