package occ

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arbiter-sh/arbiter/pkg/intent"
)

type staticRules struct{ version uint64 }

func (s *staticRules) Version() uint64 { return s.version }

func mustIntent(t *testing.T, action intent.ActionKind, resource string) *intent.Intent {
	t.Helper()
	in, err := intent.New(intent.ActorHuman, action, resource, intent.RiskLow, nil)
	require.NoError(t, err)
	return in
}

func noopFinalize(context.Context) error { return nil }

func TestSnapshotCapturesVersions(t *testing.T) {
	table := NewMemoryTable()
	_, err := table.Bump(context.Background(), []string{"db/users"})
	require.NoError(t, err)

	c := NewController(table, &staticRules{version: 7}, 0)
	in := mustIntent(t, intent.ActionWrite, "db/users")

	snap, err := c.BeginSnapshot(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, uint64(1), snap.ResourceVersions["db/users"])
	require.Equal(t, uint64(7), snap.RuleVersion)
	require.Equal(t, DefaultRetryLimit, c.RetryLimit())
}

func TestCommitBumpsWrittenKeys(t *testing.T) {
	table := NewMemoryTable()
	c := NewController(table, &staticRules{version: 1}, 3)
	in := mustIntent(t, intent.ActionWrite, "db/users")

	snap, err := c.BeginSnapshot(context.Background(), in)
	require.NoError(t, err)

	result, err := c.ValidateAndCommit(context.Background(), in, snap, noopFinalize)
	require.NoError(t, err)
	require.Equal(t, ResultCommitted, result)

	versions, err := table.Versions(context.Background(), []string{"db/users"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), versions["db/users"])
}

func TestReadOnlyCommitLeavesVersionsAlone(t *testing.T) {
	table := NewMemoryTable()
	c := NewController(table, &staticRules{version: 1}, 3)
	in := mustIntent(t, intent.ActionRead, "db/users")

	snap, err := c.BeginSnapshot(context.Background(), in)
	require.NoError(t, err)

	result, err := c.ValidateAndCommit(context.Background(), in, snap, noopFinalize)
	require.NoError(t, err)
	require.Equal(t, ResultCommitted, result)

	versions, err := table.Versions(context.Background(), []string{"db/users"})
	require.NoError(t, err)
	require.Equal(t, uint64(0), versions["db/users"])
}

func TestStaleSnapshotConflicts(t *testing.T) {
	table := NewMemoryTable()
	rules := &staticRules{version: 1}
	c := NewController(table, rules, 3)

	first := mustIntent(t, intent.ActionWrite, "db/users")
	second := mustIntent(t, intent.ActionWrite, "db/users")

	snapFirst, err := c.BeginSnapshot(context.Background(), first)
	require.NoError(t, err)
	snapSecond, err := c.BeginSnapshot(context.Background(), second)
	require.NoError(t, err)

	result, err := c.ValidateAndCommit(context.Background(), first, snapFirst, noopFinalize)
	require.NoError(t, err)
	require.Equal(t, ResultCommitted, result)

	// Second intent observed the pre-commit version; it must conflict.
	result, err = c.ValidateAndCommit(context.Background(), second, snapSecond, noopFinalize)
	require.NoError(t, err)
	require.Equal(t, ResultConflict, result)

	// A refreshed snapshot commits cleanly.
	snapRetry, err := c.BeginSnapshot(context.Background(), second)
	require.NoError(t, err)
	result, err = c.ValidateAndCommit(context.Background(), second, snapRetry, noopFinalize)
	require.NoError(t, err)
	require.Equal(t, ResultCommitted, result)
}

func TestDisjointKeysBothCommit(t *testing.T) {
	table := NewMemoryTable()
	c := NewController(table, &staticRules{version: 1}, 3)

	a := mustIntent(t, intent.ActionWrite, "db/users")
	b := mustIntent(t, intent.ActionWrite, "queue/jobs")

	snapA, err := c.BeginSnapshot(context.Background(), a)
	require.NoError(t, err)
	snapB, err := c.BeginSnapshot(context.Background(), b)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], errs[0] = c.ValidateAndCommit(context.Background(), a, snapA, noopFinalize)
	}()
	go func() {
		defer wg.Done()
		results[1], errs[1] = c.ValidateAndCommit(context.Background(), b, snapB, noopFinalize)
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, ResultCommitted, results[0])
	require.Equal(t, ResultCommitted, results[1])
}

func TestRuleVersionBumpConflicts(t *testing.T) {
	table := NewMemoryTable()
	rules := &staticRules{version: 1}
	c := NewController(table, rules, 3)
	in := mustIntent(t, intent.ActionWrite, "db/users")

	snap, err := c.BeginSnapshot(context.Background(), in)
	require.NoError(t, err)

	rules.version = 2

	result, err := c.ValidateAndCommit(context.Background(), in, snap, noopFinalize)
	require.NoError(t, err)
	require.Equal(t, ResultConflict, result)
}

func TestFinalizeFailureRollsBackBump(t *testing.T) {
	table := NewMemoryTable()
	c := NewController(table, &staticRules{version: 1}, 3)
	in := mustIntent(t, intent.ActionWrite, "db/users")

	snap, err := c.BeginSnapshot(context.Background(), in)
	require.NoError(t, err)

	appendErr := errors.New("ledger unavailable")
	_, err = c.ValidateAndCommit(context.Background(), in, snap, func(context.Context) error {
		return appendErr
	})
	require.ErrorIs(t, err, appendErr)

	// The provisional bump must be invisible after rollback.
	versions, err := table.Versions(context.Background(), []string{"db/users"})
	require.NoError(t, err)
	require.Equal(t, uint64(0), versions["db/users"])

	// And the original snapshot still commits.
	result, err := c.ValidateAndCommit(context.Background(), in, snap, noopFinalize)
	require.NoError(t, err)
	require.Equal(t, ResultCommitted, result)
}
