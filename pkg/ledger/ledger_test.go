package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arbiter-sh/arbiter/pkg/intent"
)

func testPair(t *testing.T, resource string) (*intent.Intent, *intent.Decision) {
	t.Helper()
	in, err := intent.New(intent.ActorHuman, intent.ActionWrite, resource, intent.RiskLow, nil)
	require.NoError(t, err)
	d := &intent.Decision{
		IntentID:     in.ID,
		IntentHash:   in.ContentHash,
		Outcome:      intent.OutcomeAllow,
		Rationale:    intent.RationaleQuorumSatisfied,
		DecidedAt:    time.Now().UTC(),
		CommitStatus: intent.CommitPending,
	}
	return in, d
}

func appendN(t *testing.T, l *Ledger, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		in, d := testPair(t, fmt.Sprintf("res/%d", i))
		_, err := l.Append(context.Background(), in, d)
		require.NoError(t, err)
	}
}

func TestAppendSequencesAreGapFree(t *testing.T) {
	l := New(NewMemoryStore(), nil)

	for want := uint64(1); want <= 5; want++ {
		in, d := testPair(t, "res/a")
		entry, err := l.Append(context.Background(), in, d)
		require.NoError(t, err)
		require.Equal(t, want, entry.Sequence)
	}

	seq, _, err := l.Head(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(5), seq)
}

func TestAppendChainsToPredecessor(t *testing.T) {
	l := New(NewMemoryStore(), nil)
	appendN(t, l, 2)

	e1, err := l.Get(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, GenesisSeed, e1.PrevHash)

	e2, err := l.Get(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, e1.ChainHash, e2.PrevHash)
	require.Equal(t, ChainHash(e1.ChainHash, e2.IntentHash, e2.DecisionHash, 2), e2.ChainHash)
}

func TestVerifyChainCleanLedger(t *testing.T) {
	l := New(NewMemoryStore(), nil)
	appendN(t, l, 10)

	res, err := l.VerifyChain(context.Background(), 1, 10)
	require.NoError(t, err)
	require.True(t, res.OK)

	// Sub-ranges verify independently using the anchor entry.
	res, err = l.VerifyChain(context.Background(), 4, 8)
	require.NoError(t, err)
	require.True(t, res.OK)
}

func TestVerifyChainDetectsCorruption(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, nil)
	appendN(t, l, 10)

	require.NoError(t, store.Corrupt(5, func(e *AuditEntry) {
		e.DecisionHash = "sha256:forged"
	}))

	res, err := l.VerifyChain(context.Background(), 1, 10)
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Equal(t, uint64(5), res.DivergedAt)

	// Divergence propagates: a range starting at the corrupted entry fails,
	// because entry 6 chains to the forged predecessor's original hash.
	res, err = l.VerifyChain(context.Background(), 5, 10)
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Equal(t, uint64(5), res.DivergedAt)
}

func TestVerifyChainDetectsRewrittenChainHash(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, nil)
	appendN(t, l, 4)

	// An attacker who recomputes entry 3's chain hash still breaks the link
	// from entry 4.
	require.NoError(t, store.Corrupt(3, func(e *AuditEntry) {
		e.IntentHash = "sha256:forged"
		e.ChainHash = ChainHash(e.PrevHash, e.IntentHash, e.DecisionHash, e.Sequence)
	}))

	res, err := l.VerifyChain(context.Background(), 1, 4)
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Equal(t, uint64(4), res.DivergedAt)
}

// flakyStore fails the first n Put calls.
type flakyStore struct {
	*MemoryStore
	failures int
}

func (s *flakyStore) Put(ctx context.Context, e AuditEntry) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("storage unavailable")
	}
	return s.MemoryStore.Put(ctx, e)
}

func fastRetries(n int) *RetryPolicy {
	return &RetryPolicy{MaxRetries: n, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestAppendRetriesTransientFailures(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	l := New(store, nil).WithRetryPolicy(fastRetries(3))

	in, d := testPair(t, "res/a")
	entry, err := l.Append(context.Background(), in, d)
	require.NoError(t, err)
	require.Equal(t, uint64(1), entry.Sequence)
}

func TestAppendExhaustionSurfacesError(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 100}
	l := New(store, nil).WithRetryPolicy(fastRetries(2))

	in, d := testPair(t, "res/a")
	_, err := l.Append(context.Background(), in, d)
	require.ErrorIs(t, err, ErrAppendExhausted)

	// Nothing durable, nothing observable: the head is untouched.
	seq, hash, err := l.Head(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(0), seq)
	require.Equal(t, GenesisSeed, hash)
}

func TestRangeByTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	l := New(NewMemoryStore(), nil).WithClock(func() time.Time {
		tick++
		return now.Add(time.Duration(tick) * time.Minute)
	})
	appendN(t, l, 5)

	entries, err := l.RangeByTime(context.Background(), now.Add(2*time.Minute), now.Add(4*time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, uint64(2), entries[0].Sequence)
	require.Equal(t, uint64(4), entries[2].Sequence)
}

func TestGetMissingEntry(t *testing.T) {
	l := New(NewMemoryStore(), nil)
	_, err := l.Get(context.Background(), 42)
	require.ErrorIs(t, err, ErrEntryNotFound)
}

func TestRetryPolicyBackoffCaps(t *testing.T) {
	p := DefaultRetryPolicy()
	require.Equal(t, 100*time.Millisecond, p.Delay(0))
	require.Equal(t, 200*time.Millisecond, p.Delay(1))
	require.Equal(t, 2*time.Second, p.Delay(10))
}
