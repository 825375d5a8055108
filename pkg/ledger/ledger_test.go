package ledger

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*Ledger, *time.Time) {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l, err := NewWithClock(t.TempDir(), func() time.Time { return now })
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, &now
}

func TestUpsertLastSeenMergePreservesAbsentFields(t *testing.T) {
	l, _ := newTestLedger(t)

	require.NoError(t, l.UpsertLastSeen("s1", LastSeen{IP: "10.1.1.10", MAC: "AA:BB:CC:DD:EE:FF", RouterID: "site-a"}))
	require.NoError(t, l.UpsertLastSeen("s1", LastSeen{IP: "10.1.1.11"}))

	rec, err := l.Get("s1")
	require.NoError(t, err)
	require.NotNil(t, rec.LastSeen)
	assert.Equal(t, "10.1.1.11", rec.LastSeen.IP)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", rec.LastSeen.MAC)
	assert.Equal(t, "site-a", rec.LastSeen.RouterID)
}

func TestMarkPendingRequiresOrderID(t *testing.T) {
	l, _ := newTestLedger(t)
	assert.Error(t, l.MarkPending("s1", Pending{}))
}

func TestMarkPendingReplacesSingleEntry(t *testing.T) {
	l, _ := newTestLedger(t)

	require.NoError(t, l.MarkPending("s1", Pending{OrderID: "o1", RouterID: "site-a"}))
	require.NoError(t, l.MarkPending("s1", Pending{OrderID: "o2", RouterID: "site-b"}))

	p, err := l.GetPending("s1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "o2", p.OrderID)
	assert.Equal(t, StatusPending, p.Status)
}

func TestPendingTransitions(t *testing.T) {
	l, now := newTestLedger(t)
	require.NoError(t, l.MarkPending("s1", Pending{OrderID: "o1"}))

	// order mismatch is a no-op
	ok, err := l.MarkPendingFailed("s1", "other", "authorize_failed", 3, now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.MarkPendingFailed("s1", "o1", "authorize_failed", 3, now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	p, err := l.GetPending("s1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, "authorize_failed", p.FailCode)
	assert.Equal(t, 3, p.Attempts)

	ok, err = l.ResetPendingToPending("s1", "o1")
	require.NoError(t, err)
	assert.True(t, ok)
	p, _ = l.GetPending("s1")
	assert.Equal(t, StatusPending, p.Status)
	assert.Empty(t, p.FailCode)
	assert.True(t, p.NextEligibleAt.IsZero())
	// attempts survive the reset; the retry budget is tracked by jobs
	assert.Equal(t, 3, p.Attempts)

	ok, err = l.MarkPendingApplied("s1", "o1")
	require.NoError(t, err)
	assert.True(t, ok)

	// APPLIED entries are no longer returned as pending
	p, err = l.GetPending("s1")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestAppliedGuard(t *testing.T) {
	l, _ := newTestLedger(t)

	// session must exist before an action can be marked applied
	assert.Error(t, l.MarkApplied("ghost", "site-a:o1:AUTHORIZE", nil))

	require.NoError(t, l.UpsertLastSeen("s1", LastSeen{IP: "10.1.1.10"}))
	ok, err := l.IsApplied("s1", "site-a:o1:AUTHORIZE")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.MarkApplied("s1", "site-a:o1:AUTHORIZE", map[string]string{"orderId": "o1"}))
	ok, err = l.IsApplied("s1", "site-a:o1:AUTHORIZE")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAppliedWindowBounded(t *testing.T) {
	l, _ := newTestLedger(t)
	require.NoError(t, l.UpsertLastSeen("s1", LastSeen{IP: "10.1.1.10"}))

	for i := 0; i < appliedMaxLen+10; i++ {
		require.NoError(t, l.MarkApplied("s1", fmt.Sprintf("site-a:o%d:AUTHORIZE", i), nil))
	}

	rec, err := l.Get("s1")
	require.NoError(t, err)
	assert.Len(t, rec.Applied, appliedMaxLen)
	// oldest entries dropped first
	ok, _ := l.IsApplied("s1", "site-a:o0:AUTHORIZE")
	assert.False(t, ok)
	ok, _ = l.IsApplied("s1", fmt.Sprintf("site-a:o%d:AUTHORIZE", appliedMaxLen+9))
	assert.True(t, ok)
}

func TestPrune(t *testing.T) {
	l, now := newTestLedger(t)

	require.NoError(t, l.UpsertLastSeen("stale", LastSeen{IP: "10.1.1.10"}))
	require.NoError(t, l.UpsertLastSeen("fresh", LastSeen{IP: "10.1.1.11"}))
	require.NoError(t, l.MarkPending("expiring", Pending{OrderID: "o1", ExpiresAt: now.Add(time.Hour)}))

	*now = now.Add(25 * time.Hour)
	require.NoError(t, l.UpsertLastSeen("fresh", LastSeen{IP: "10.1.1.11"}))
	require.NoError(t, l.Prune())

	rec, err := l.Get("stale")
	require.NoError(t, err)
	assert.Nil(t, rec) // empty after last-seen drop, record deleted

	rec, err = l.Get("fresh")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.NotNil(t, rec.LastSeen)

	p, err := l.GetPending("expiring")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestPruneTrimsAppliedByAge(t *testing.T) {
	l, now := newTestLedger(t)
	require.NoError(t, l.UpsertLastSeen("s1", LastSeen{IP: "10.1.1.10"}))
	require.NoError(t, l.MarkApplied("s1", "old-key", nil))

	*now = now.Add(15 * 24 * time.Hour)
	require.NoError(t, l.UpsertLastSeen("s1", LastSeen{IP: "10.1.1.10"}))
	require.NoError(t, l.MarkApplied("s1", "new-key", nil))
	require.NoError(t, l.Prune())

	ok, _ := l.IsApplied("s1", "old-key")
	assert.False(t, ok)
	ok, _ = l.IsApplied("s1", "new-key")
	assert.True(t, ok)
}
