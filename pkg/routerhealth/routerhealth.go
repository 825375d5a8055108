package routerhealth

import (
	"sync"
	"time"

	"github.com/hotspotmesh/relay/pkg/errclass"
	"github.com/hotspotmesh/relay/pkg/metrics"
)

// State is the per-router health state.
type State string

const (
	StateHealthy       State = "HEALTHY"
	StateDegraded      State = "DEGRADED"
	StateDownTransient State = "DOWN_TRANSIENT"
	StateAuthFailed    State = "AUTH_FAILED"
	StateMisconfigured State = "MISCONFIGURED"
)

// downTransientThreshold is the consecutive-failure count at which a
// transient failure streak marks the router DOWN_TRANSIENT.
const downTransientThreshold = 3

// Record is the health record for a single router.
type Record struct {
	State            State
	ConsecutiveFails int
	OpenUntil        time.Time
	LastErrCode      string
}

// Tracker is a per-router circuit breaker driven by classified errors.
// Records are created lazily on first failure and never explicitly
// destroyed; cardinality is bounded by the router fleet.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

// NewTracker creates a tracker using the wall clock.
func NewTracker() *Tracker {
	return NewTrackerWithClock(time.Now)
}

// NewTrackerWithClock creates a tracker with an injected clock.
func NewTrackerWithClock(now func() time.Time) *Tracker {
	return &Tracker{
		records: make(map[string]Record),
		now:     now,
	}
}

// Get returns the router's record, or a HEALTHY default when none exists.
func (t *Tracker) Get(routerID string) Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rec, ok := t.records[routerID]; ok {
		return rec
	}
	return Record{State: StateHealthy}
}

// CanAttempt reports whether the router may be contacted now. It is true
// unless a circuit-open window is still running. The breaker never
// auto-resets on success; an elapsed OpenUntil is what permits the next
// attempt.
func (t *Tracker) CanAttempt(routerID string) bool {
	rec := t.Get(routerID)
	return rec.OpenUntil.IsZero() || !t.now().Before(rec.OpenUntil)
}

// RecordFailure applies a classified failure to the router's record.
//
//   - setup: MISCONFIGURED, circuit opens for the classification's window
//   - auth: AUTH_FAILED, circuit opens for the classification's window
//   - transient: fail counter increments; DOWN_TRANSIENT at 3 consecutive
//     fails, DEGRADED below; no circuit (the caller relies on backoff)
//   - inconsistent/unknown: no state change
func (t *Tracker) RecordFailure(routerID string, cls errclass.Classification) Record {
	if routerID == "" {
		return Record{State: StateHealthy}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.records[routerID]
	if rec.State == "" {
		rec.State = StateHealthy
	}
	if cls.Code != "" {
		rec.LastErrCode = cls.Code
	}

	now := t.now()
	switch cls.Class {
	case errclass.ClassSetup:
		rec.State = StateMisconfigured
		open := cls.OpenCircuit
		if open <= 0 {
			open = errclass.SetupCircuitOpen
		}
		rec.OpenUntil = now.Add(open)
		rec.ConsecutiveFails++
	case errclass.ClassAuth:
		rec.State = StateAuthFailed
		open := cls.OpenCircuit
		if open <= 0 {
			open = errclass.AuthCircuitOpen
		}
		rec.OpenUntil = now.Add(open)
		rec.ConsecutiveFails++
	case errclass.ClassTransient:
		rec.ConsecutiveFails++
		if rec.ConsecutiveFails >= downTransientThreshold {
			rec.State = StateDownTransient
		} else {
			rec.State = StateDegraded
		}
		rec.OpenUntil = time.Time{}
	default:
		// inconsistent/unknown: no state change
	}

	t.records[routerID] = rec
	metrics.RouterHealthState.WithLabelValues(string(rec.State)).Inc()
	return rec
}

// RecordSuccess resets the failure streak and returns the router to
// HEALTHY. An open circuit window is preserved: a success observed while
// the circuit is open (for example a manually triggered command) does
// not close it early.
func (t *Tracker) RecordSuccess(routerID string) Record {
	if routerID == "" {
		return Record{State: StateHealthy}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[routerID]
	if !ok {
		return Record{State: StateHealthy}
	}
	rec.State = StateHealthy
	rec.ConsecutiveFails = 0
	t.records[routerID] = rec
	return rec
}
