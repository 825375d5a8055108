package ledger

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/hotspotmesh/relay/pkg/metrics"
)

var bucketSessions = []byte("sessions")

// Pending entry statuses.
const (
	StatusPending = "PENDING"
	StatusFailed  = "FAILED"
	StatusApplied = "APPLIED"
)

const (
	lastSeenMaxAge = 24 * time.Hour
	appliedMaxAge  = 14 * 24 * time.Hour
	appliedMaxLen  = 50
)

// LastSeen is the most recent network identity observed for a session.
type LastSeen struct {
	IP       string    `json:"ip,omitempty"`
	MAC      string    `json:"mac,omitempty"`
	RouterID string    `json:"routerId,omitempty"`
	Identity string    `json:"identity,omitempty"`
	TS       time.Time `json:"ts"`
}

// Pending is the session's single authorization intent.
type Pending struct {
	OrderID        string    `json:"orderId"`
	PlanID         string    `json:"planId,omitempty"`
	RouterID       string    `json:"routerId,omitempty"`
	ExpiresAt      time.Time `json:"expiresAt,omitempty"`
	MarkedAt       time.Time `json:"markedAt"`
	Status         string    `json:"status"`
	Attempts       int       `json:"attempts,omitempty"`
	FailCode       string    `json:"failCode,omitempty"`
	FailedAt       time.Time `json:"failedAt,omitempty"`
	NextEligibleAt time.Time `json:"nextEligibleAt,omitempty"`
	AppliedAt      time.Time `json:"appliedAt,omitempty"`
}

// Applied records one action that has been executed for the session.
// The applied list is a bounded dedupe window, not an audit log.
type Applied struct {
	ActionKey string            `json:"actionKey"`
	Meta      map[string]string `json:"meta,omitempty"`
	At        time.Time         `json:"at"`
}

// Record is the full per-session ledger entry.
type Record struct {
	SessionID string    `json:"sessionId"`
	LastSeen  *LastSeen `json:"lastSeen,omitempty"`
	Pending   *Pending  `json:"pending,omitempty"`
	Applied   []Applied `json:"applied,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Ledger is a bbolt-backed session ledger. All mutations are serialized
// through a single mutex; ledger writes are infrequent relative to
// device I/O, so the global ordering keeps the read-modify-write cycle
// trivially lost-update free.
type Ledger struct {
	mu  sync.Mutex
	db  *bolt.DB
	now func() time.Time
}

// New opens (or creates) the ledger database under dataDir.
func New(dataDir string) (*Ledger, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "ledger.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db, now: time.Now}, nil
}

// NewWithClock is New with an injected clock for tests.
func NewWithClock(dataDir string, now func() time.Time) (*Ledger, error) {
	l, err := New(dataDir)
	if err != nil {
		return nil, err
	}
	l.now = now
	return l, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Healthy reports whether the database is reachable.
func (l *Ledger) Healthy() bool {
	return l.db.View(func(tx *bolt.Tx) error { return nil }) == nil
}

func (l *Ledger) get(tx *bolt.Tx, session string) (*Record, error) {
	data := tx.Bucket(bucketSessions).Get([]byte(session))
	if data == nil {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", session, err)
	}
	return &rec, nil
}

func (l *Ledger) put(tx *bolt.Tx, rec *Record) error {
	rec.UpdatedAt = l.now()
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketSessions).Put([]byte(rec.SessionID), data)
}

// Get returns the session record, or nil if it does not exist.
func (l *Ledger) Get(session string) (*Record, error) {
	var rec *Record
	err := l.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = l.get(tx, session)
		return err
	})
	return rec, err
}

// UpsertLastSeen merges the observation into the session's last-seen
// snapshot, preserving prior fields when the new ones are empty. The
// session record is created if absent.
func (l *Ledger) UpsertLastSeen(session string, seen LastSeen) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Update(func(tx *bolt.Tx) error {
		rec, err := l.get(tx, session)
		if err != nil {
			return err
		}
		if rec == nil {
			rec = &Record{SessionID: session, CreatedAt: l.now()}
		}
		prev := rec.LastSeen
		merged := LastSeen{TS: l.now()}
		if prev != nil {
			merged.IP, merged.MAC = prev.IP, prev.MAC
			merged.RouterID, merged.Identity = prev.RouterID, prev.Identity
		}
		if seen.IP != "" {
			merged.IP = seen.IP
		}
		if seen.MAC != "" {
			merged.MAC = seen.MAC
		}
		if seen.RouterID != "" {
			merged.RouterID = seen.RouterID
		}
		if seen.Identity != "" {
			merged.Identity = seen.Identity
		}
		rec.LastSeen = &merged
		return l.put(tx, rec)
	})
}

// MarkPending replaces the session's single pending entry. An order id
// is mandatory: a pending entry without one could never be transitioned.
func (l *Ledger) MarkPending(session string, p Pending) error {
	if p.OrderID == "" {
		return fmt.Errorf("pending entry requires an order id")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Update(func(tx *bolt.Tx) error {
		rec, err := l.get(tx, session)
		if err != nil {
			return err
		}
		if rec == nil {
			rec = &Record{SessionID: session, CreatedAt: l.now()}
		}
		if p.Status == "" {
			p.Status = StatusPending
		}
		p.MarkedAt = l.now()
		rec.Pending = &p
		return l.put(tx, rec)
	})
}

// MarkPendingFailed transitions the pending entry to FAILED. Returns
// false when the session has no pending entry for the given order id.
func (l *Ledger) MarkPendingFailed(session, orderID, failCode string, attempts int, nextEligibleAt time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	matched := false
	err := l.db.Update(func(tx *bolt.Tx) error {
		rec, err := l.get(tx, session)
		if err != nil {
			return err
		}
		if rec == nil || rec.Pending == nil || rec.Pending.OrderID != orderID {
			return nil
		}
		matched = true
		rec.Pending.Status = StatusFailed
		rec.Pending.FailCode = failCode
		rec.Pending.Attempts = attempts
		rec.Pending.FailedAt = l.now()
		rec.Pending.NextEligibleAt = nextEligibleAt
		return l.put(tx, rec)
	})
	return matched, err
}

// MarkPendingApplied transitions the pending entry to APPLIED, clearing
// failure fields. Returns false on order mismatch.
func (l *Ledger) MarkPendingApplied(session, orderID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	matched := false
	err := l.db.Update(func(tx *bolt.Tx) error {
		rec, err := l.get(tx, session)
		if err != nil {
			return err
		}
		if rec == nil || rec.Pending == nil || rec.Pending.OrderID != orderID {
			return nil
		}
		matched = true
		rec.Pending.Status = StatusApplied
		rec.Pending.FailCode = ""
		rec.Pending.FailedAt = time.Time{}
		rec.Pending.NextEligibleAt = time.Time{}
		rec.Pending.AppliedAt = l.now()
		return l.put(tx, rec)
	})
	return matched, err
}

// ResetPendingToPending clears failure state once a FAILED entry's
// cooldown has elapsed, making it eligible for another cycle.
func (l *Ledger) ResetPendingToPending(session, orderID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	matched := false
	err := l.db.Update(func(tx *bolt.Tx) error {
		rec, err := l.get(tx, session)
		if err != nil {
			return err
		}
		if rec == nil || rec.Pending == nil || rec.Pending.OrderID != orderID {
			return nil
		}
		matched = true
		rec.Pending.Status = StatusPending
		rec.Pending.FailCode = ""
		rec.Pending.FailedAt = time.Time{}
		rec.Pending.NextEligibleAt = time.Time{}
		return l.put(tx, rec)
	})
	return matched, err
}

// GetPending returns the session's pending entry, or nil when there is
// none or it has already been applied.
func (l *Ledger) GetPending(session string) (*Pending, error) {
	rec, err := l.Get(session)
	if err != nil || rec == nil || rec.Pending == nil {
		return nil, err
	}
	if rec.Pending.Status == StatusApplied {
		return nil, nil
	}
	p := *rec.Pending
	return &p, nil
}

// IsApplied reports whether the action key is in the session's applied
// window.
func (l *Ledger) IsApplied(session, actionKey string) (bool, error) {
	rec, err := l.Get(session)
	if err != nil || rec == nil {
		return false, err
	}
	for _, a := range rec.Applied {
		if a.ActionKey == actionKey {
			return true, nil
		}
	}
	return false, nil
}

// MarkApplied appends the action key to the session's applied window.
// The session must already exist: a last-seen or pending write always
// precedes action application.
func (l *Ledger) MarkApplied(session, actionKey string, meta map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Update(func(tx *bolt.Tx) error {
		rec, err := l.get(tx, session)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("session %s not found", session)
		}
		rec.Applied = append(rec.Applied, Applied{
			ActionKey: actionKey,
			Meta:      meta,
			At:        l.now(),
		})
		if len(rec.Applied) > appliedMaxLen {
			rec.Applied = rec.Applied[len(rec.Applied)-appliedMaxLen:]
		}
		return l.put(tx, rec)
	})
}

// Prune drops stale last-seen snapshots (>24h), expired pending entries,
// and trims applied histories by age and count. Records left completely
// empty are deleted.
func (l *Ledger) Prune() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		type change struct {
			key  []byte
			data []byte // nil means delete
		}
		var changes []change
		err := b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				// Unreadable record, drop it.
				changes = append(changes, change{key: append([]byte(nil), k...)})
				return nil
			}
			dirty := false
			if rec.LastSeen != nil && now.Sub(rec.LastSeen.TS) > lastSeenMaxAge {
				rec.LastSeen = nil
				dirty = true
			}
			if rec.Pending != nil && !rec.Pending.ExpiresAt.IsZero() && now.After(rec.Pending.ExpiresAt) {
				rec.Pending = nil
				dirty = true
			}
			if len(rec.Applied) > 0 {
				kept := rec.Applied[:0]
				for _, a := range rec.Applied {
					if now.Sub(a.At) <= appliedMaxAge {
						kept = append(kept, a)
					}
				}
				if len(kept) > appliedMaxLen {
					kept = kept[len(kept)-appliedMaxLen:]
				}
				if len(kept) != len(rec.Applied) {
					rec.Applied = kept
					dirty = true
				}
			}
			if !dirty {
				return nil
			}
			if rec.LastSeen == nil && rec.Pending == nil && len(rec.Applied) == 0 {
				changes = append(changes, change{key: append([]byte(nil), k...)})
				return nil
			}
			rec.UpdatedAt = now
			data, err := json.Marshal(&rec)
			if err != nil {
				return err
			}
			changes = append(changes, change{key: append([]byte(nil), k...), data: data})
			return nil
		})
		if err != nil {
			return err
		}
		for _, c := range changes {
			if c.data == nil {
				if err := b.Delete(c.key); err != nil {
					return err
				}
			} else if err := b.Put(c.key, c.data); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		metrics.LedgerPrunes.Inc()
	}
	return err
}
