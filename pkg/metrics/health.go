package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/rebalancer/pkg/types"
)

// Components tracked by the health registry
const (
	ComponentLedger    = "ledger"
	ComponentScheduler = "scheduler"
	ComponentJournal   = "journal"
)

// Status values of /health and /ready
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// staleSamples is how many collection intervals may pass without a fresh
// pool sample before the ledger is reported stale
const staleSamples = 3

// TickStatus summarizes the last finished tick
type TickStatus struct {
	ID       string    `json:"id"`
	Phase    string    `json:"phase"`
	Epoch    uint64    `json:"epoch"`
	Slot     uint64    `json:"slot"`
	OpsOK    uint32    `json:"ops_ok"`
	OpsErr   uint32    `json:"ops_err"`
	Finished time.Time `json:"finished"`
	Error    string    `json:"error,omitempty"`
}

// LedgerStatus describes the last pool sample read from the ledger
type LedgerStatus struct {
	Epoch     uint64    `json:"epoch"`
	Slot      uint64    `json:"slot"`
	Imbalance string    `json:"imbalance"`
	SampledAt time.Time `json:"sampled_at"`
	Age       string    `json:"age"`
}

// HealthStatus is the body of /health and /ready
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	LastTick   *TickStatus       `json:"last_tick,omitempty"`
	Ledger     *LedgerStatus     `json:"ledger,omitempty"`
}

type component struct {
	healthy bool
	message string
}

// registry holds what the controller last learned about itself
type registry struct {
	mu         sync.RWMutex
	now        func() time.Time
	started    time.Time
	version    string
	maxAge     time.Duration
	components map[string]component
	tick       *TickStatus
	ledger     *LedgerStatus
}

func newRegistry(now func() time.Time) *registry {
	return &registry{
		now:        now,
		started:    now(),
		components: make(map[string]component),
	}
}

var health = newRegistry(time.Now)

// SetVersion sets the version reported by /health
func SetVersion(version string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.version = version
}

// RegisterComponent sets the state of a component
func RegisterComponent(name string, healthy bool, message string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.components[name] = component{healthy: healthy, message: message}
}

// RecordTick stores the outcome of a finished tick. A failed tick marks
// the scheduler unhealthy until the next tick succeeds.
func RecordTick(report *types.TickReport) {
	status := &TickStatus{
		ID:       report.ID,
		Phase:    report.Phase,
		Epoch:    report.Epoch,
		Slot:     report.Slot,
		OpsOK:    report.Total.OpsOK,
		OpsErr:   report.Total.OpsErr,
		Finished: report.Started.Add(report.Duration),
		Error:    report.Error,
	}

	health.mu.Lock()
	defer health.mu.Unlock()
	health.tick = status
	health.components[ComponentScheduler] = component{healthy: report.Error == "", message: report.Error}
}

// recordSample stores a successful pool sample
func (r *registry) recordSample(s *PoolSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ledger = &LedgerStatus{
		Epoch:     s.Clock.Epoch,
		Slot:      s.Clock.Slot,
		Imbalance: s.Imbalance.String(),
		SampledAt: r.now(),
	}
	r.components[ComponentLedger] = component{healthy: true}
}

// recordSampleError keeps the last good sample and marks the ledger down
func (r *registry) recordSampleError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[ComponentLedger] = component{message: err.Error()}
}

func (r *registry) setMaxAge(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxAge = d
}

// snapshot evaluates every component, including ledger staleness. The
// caller holds at least the read lock.
func (r *registry) snapshot(now time.Time) (map[string]component, *LedgerStatus) {
	components := make(map[string]component, len(r.components))
	for name, c := range r.components {
		components[name] = c
	}
	if r.ledger == nil {
		return components, nil
	}

	ledger := *r.ledger
	age := now.Sub(ledger.SampledAt)
	ledger.Age = age.Round(time.Second).String()
	if c, ok := components[ComponentLedger]; ok && c.healthy && r.maxAge > 0 && age > r.maxAge {
		components[ComponentLedger] = component{message: "stale: last sample " + ledger.Age + " ago"}
	}
	return components, &ledger
}

func (r *registry) health() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	components, ledger := r.snapshot(now)
	out := HealthStatus{
		Status:     StatusHealthy,
		Timestamp:  now,
		Components: make(map[string]string, len(components)),
		Version:    r.version,
		Uptime:     now.Sub(r.started).Round(time.Second).String(),
		LastTick:   r.tick,
		Ledger:     ledger,
	}
	for name, c := range components {
		if c.healthy {
			out.Components[name] = StatusHealthy
			continue
		}
		out.Status = StatusUnhealthy
		out.Components[name] = StatusUnhealthy + ": " + c.message
	}
	return out
}

// readiness requires a healthy ledger sample and a successful tick
func (r *registry) readiness() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	components, ledger := r.snapshot(now)
	out := HealthStatus{
		Status:     StatusReady,
		Timestamp:  now,
		Components: make(map[string]string, 2),
		Version:    r.version,
		LastTick:   r.tick,
		Ledger:     ledger,
	}

	var waiting []string
	for _, name := range []string{ComponentLedger, ComponentScheduler} {
		c, ok := components[name]
		switch {
		case !ok:
			out.Components[name] = "not registered"
			waiting = append(waiting, name)
		case !c.healthy:
			out.Components[name] = "not ready: " + c.message
			waiting = append(waiting, name)
		default:
			out.Components[name] = StatusReady
		}
	}
	if len(waiting) > 0 {
		sort.Strings(waiting)
		out.Status = StatusNotReady
		out.Message = "waiting for " + waiting[0]
	}
	return out
}

// GetHealth returns the overall health of the controller
func GetHealth() HealthStatus {
	return health.health()
}

// GetReadiness reports whether the controller has reached the ledger and
// completed a tick
func GetReadiness() HealthStatus {
	return health.readiness()
}

// HealthHandler serves GetHealth, 503 when unhealthy
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := GetHealth()
		writeStatus(w, status, status.Status == StatusHealthy)
	}
}

// ReadyHandler serves GetReadiness, 503 until ready
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := GetReadiness()
		writeStatus(w, status, status.Status == StatusReady)
	}
}

func writeStatus(w http.ResponseWriter, status HealthStatus, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}
