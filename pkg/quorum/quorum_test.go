package quorum

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arbiter-sh/arbiter/pkg/intent"
	"github.com/arbiter-sh/arbiter/pkg/ledger"
	"github.com/arbiter-sh/arbiter/pkg/occ"
	"github.com/arbiter-sh/arbiter/pkg/pillar"
)

type staticRules struct{ version atomic.Uint64 }

func (s *staticRules) Version() uint64 { return s.version.Load() }

// fixed votes the way its vote says, instantly.
type fixed struct {
	name string
	vote intent.Vote
}

func (f fixed) Name() string { return f.name }
func (f fixed) Evaluate(_ context.Context, _ *intent.Intent, snap *occ.Snapshot) intent.Verdict {
	switch f.vote {
	case intent.VoteAllow:
		return pillar.Allow(f.name, snap.ID, "ok")
	case intent.VoteDeny:
		return pillar.Deny(f.name, snap.ID, "no")
	default:
		return pillar.Abstain(f.name, snap.ID, "unsure")
	}
}

// stuck never responds within any reasonable deadline.
type stuck struct{ name string }

func (s stuck) Name() string { return s.name }
func (s stuck) Evaluate(ctx context.Context, _ *intent.Intent, snap *occ.Snapshot) intent.Verdict {
	<-ctx.Done()
	return pillar.Abstain(s.name, snap.ID, "late")
}

func bench(votes ...intent.Vote) []pillar.Evaluator {
	names := []string{"policy", "safety", "integrity"}
	ps := make([]pillar.Evaluator, len(votes))
	for i, v := range votes {
		ps[i] = fixed{name: names[i], vote: v}
	}
	return ps
}

func noopFinalize(context.Context, *intent.Decision) error { return nil }

func newCoordinator(t *testing.T, pillars []pillar.Evaluator, opts ...Option) (*Coordinator, *staticRules) {
	t.Helper()
	rules := &staticRules{}
	rules.version.Store(1)
	ctrl := occ.NewController(occ.NewMemoryTable(), rules, 3)
	opts = append([]Option{WithRoundTimeout(200 * time.Millisecond)}, opts...)
	return NewCoordinator(pillars, ctrl, opts...), rules
}

func submitIntent(t *testing.T, action intent.ActionKind, tier intent.RiskTier) *intent.Intent {
	t.Helper()
	in, err := intent.New(intent.ActorHuman, action, "db/users", tier, json.RawMessage(`{}`))
	require.NoError(t, err)
	return in
}

func TestDecideUnanimousAllowCommits(t *testing.T) {
	c, _ := newCoordinator(t, bench(intent.VoteAllow, intent.VoteAllow, intent.VoteAllow))
	in := submitIntent(t, intent.ActionWrite, intent.RiskCritical)

	d, err := c.Decide(context.Background(), in, noopFinalize)
	require.NoError(t, err)
	require.Equal(t, intent.OutcomeAllow, d.Outcome)
	require.Equal(t, intent.RationaleQuorumSatisfied, d.Rationale)
	require.Equal(t, intent.CommitCommitted, d.CommitStatus)
	require.Len(t, d.Votes, 3)
}

func TestDecideDenyIsSticky(t *testing.T) {
	// Two allows cannot outvote one deny, at any tier.
	c, _ := newCoordinator(t, bench(intent.VoteAllow, intent.VoteDeny, intent.VoteAllow))
	in := submitIntent(t, intent.ActionRead, intent.RiskLow)

	d, err := c.Decide(context.Background(), in, noopFinalize)
	require.NoError(t, err)
	require.Equal(t, intent.OutcomeDeny, d.Outcome)
	require.Equal(t, intent.RationaleQuorumDenied, d.Rationale)
}

func TestDecideLowTierToleratesAbstain(t *testing.T) {
	c, _ := newCoordinator(t, bench(intent.VoteAllow, intent.VoteAllow, intent.VoteAbstain))
	in := submitIntent(t, intent.ActionRead, intent.RiskLow)

	d, err := c.Decide(context.Background(), in, noopFinalize)
	require.NoError(t, err)
	require.Equal(t, intent.OutcomeAllow, d.Outcome)
}

func TestDecideMediumTierRejectsTwoAbstains(t *testing.T) {
	c, _ := newCoordinator(t, bench(intent.VoteAllow, intent.VoteAbstain, intent.VoteAbstain))
	in := submitIntent(t, intent.ActionRead, intent.RiskMedium)

	d, err := c.Decide(context.Background(), in, noopFinalize)
	require.NoError(t, err)
	require.Equal(t, intent.OutcomeDeny, d.Outcome)
	require.Equal(t, intent.RationaleQuorumDenied, d.Rationale)
}

func TestDecideHighTierRejectsAnyAbstain(t *testing.T) {
	c, _ := newCoordinator(t, bench(intent.VoteAllow, intent.VoteAllow, intent.VoteAbstain))
	in := submitIntent(t, intent.ActionRead, intent.RiskHigh)

	d, err := c.Decide(context.Background(), in, noopFinalize)
	require.NoError(t, err)
	require.Equal(t, intent.OutcomeDeny, d.Outcome)
}

func TestDecideCriticalTierRequiresAllThree(t *testing.T) {
	c, _ := newCoordinator(t, bench(intent.VoteAllow, intent.VoteAllow, intent.VoteAbstain))
	in := submitIntent(t, intent.ActionMutate, intent.RiskCritical)

	d, err := c.Decide(context.Background(), in, noopFinalize)
	require.NoError(t, err)
	require.Equal(t, intent.OutcomeDeny, d.Outcome)
}

func TestDecideTimeoutRecordsImplicitAbstains(t *testing.T) {
	pillars := []pillar.Evaluator{
		fixed{name: "policy", vote: intent.VoteAllow},
		stuck{name: "safety"},
		stuck{name: "integrity"},
	}
	c, _ := newCoordinator(t, pillars, WithPillarTimeout(time.Minute))
	in := submitIntent(t, intent.ActionRead, intent.RiskMedium)

	d, err := c.Decide(context.Background(), in, noopFinalize)
	require.NoError(t, err)
	require.Equal(t, intent.OutcomeDeny, d.Outcome)
	require.Equal(t, intent.RationaleQuorumTimeout, d.Rationale)
	require.Len(t, d.Votes, 3)

	abstains := 0
	for _, v := range d.Votes {
		if v.Vote == intent.VoteAbstain {
			abstains++
		}
	}
	require.Equal(t, 2, abstains, "missing pillars must appear as abstains in the vote record")
}

func TestDecideTimeoutStillAllowsWhenRuleSatisfied(t *testing.T) {
	// Two allows arrive, the third pillar never does. The low-tier rule is
	// already satisfied, so the expiry does not fail the round.
	pillars := []pillar.Evaluator{
		fixed{name: "policy", vote: intent.VoteAllow},
		fixed{name: "safety", vote: intent.VoteAllow},
		stuck{name: "integrity"},
	}
	c, _ := newCoordinator(t, pillars, WithPillarTimeout(time.Minute))
	in := submitIntent(t, intent.ActionRead, intent.RiskLow)

	d, err := c.Decide(context.Background(), in, noopFinalize)
	require.NoError(t, err)
	require.Equal(t, intent.OutcomeAllow, d.Outcome)
}

// restlessRules reports a new version on every read, so any snapshot is
// stale by the time it reaches commit validation.
type restlessRules struct{ n atomic.Uint64 }

func (r *restlessRules) Version() uint64 { return r.n.Add(1) }

func TestDecideConflictRestartsThenExhausts(t *testing.T) {
	rules := &restlessRules{}
	ctrl := occ.NewController(occ.NewMemoryTable(), rules, 3)
	c := NewCoordinator(
		bench(intent.VoteAllow, intent.VoteAllow, intent.VoteAllow),
		ctrl,
		WithRoundTimeout(200*time.Millisecond),
	)
	in := submitIntent(t, intent.ActionWrite, intent.RiskLow)

	var finalized atomic.Int32
	finalize := func(_ context.Context, d *intent.Decision) error {
		finalized.Add(1)
		require.Equal(t, intent.RationaleConcurrencyExhausted, d.Rationale)
		return nil
	}
	d, err := c.Decide(context.Background(), in, finalize)
	require.NoError(t, err)
	require.Equal(t, intent.OutcomeDeny, d.Outcome)
	require.Equal(t, intent.RationaleConcurrencyExhausted, d.Rationale)
	require.EqualValues(t, 1, finalized.Load(), "only the terminal deny is recorded")

	// Each attempt reads the rule version once at snapshot and once at
	// commit validation. A retry bound of 3 means one initial attempt plus
	// three restarts.
	require.EqualValues(t, 8, rules.n.Load(), "expected four attempts before exhaustion")
}

// staleOnceRules conflicts exactly one commit: the first read reports an
// older version than every read after it.
type staleOnceRules struct{ reads atomic.Uint64 }

func (r *staleOnceRules) Version() uint64 {
	if r.reads.Add(1) == 1 {
		return 1
	}
	return 2
}

func TestDecideConflictRetriesWithFreshSnapshot(t *testing.T) {
	rules := &staleOnceRules{}
	ctrl := occ.NewController(occ.NewMemoryTable(), rules, 3)
	c := NewCoordinator(
		bench(intent.VoteAllow, intent.VoteAllow, intent.VoteAllow),
		ctrl,
		WithRoundTimeout(200*time.Millisecond),
	)
	in := submitIntent(t, intent.ActionWrite, intent.RiskMedium)

	var finalized atomic.Int32
	d, err := c.Decide(context.Background(), in, func(context.Context, *intent.Decision) error {
		finalized.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, intent.OutcomeAllow, d.Outcome)
	require.Equal(t, intent.CommitCommitted, d.CommitStatus)
	require.EqualValues(t, 1, finalized.Load(), "only the committing round is recorded")
	require.EqualValues(t, 4, rules.reads.Load(), "conflicted and committing attempts read the version twice each")
}

func TestDecideFinalizeFailureAbortsAndRollsBack(t *testing.T) {
	rules := &staticRules{}
	rules.version.Store(1)
	table := occ.NewMemoryTable()
	ctrl := occ.NewController(table, rules, 3)
	c := NewCoordinator(
		bench(intent.VoteAllow, intent.VoteAllow, intent.VoteAllow),
		ctrl,
		WithRoundTimeout(200*time.Millisecond),
	)
	in := submitIntent(t, intent.ActionWrite, intent.RiskLow)

	var captured *intent.Decision
	_, err := c.Decide(context.Background(), in, func(_ context.Context, d *intent.Decision) error {
		captured = d
		return errors.New("append failed")
	})
	require.Error(t, err)
	require.NotNil(t, captured)
	require.Equal(t, intent.CommitAborted, captured.CommitStatus)

	versions, verr := table.Versions(context.Background(), in.WriteKeys())
	require.NoError(t, verr)
	require.Zero(t, versions[in.Resource], "provisional bump rolls back when the record cannot be written")
}

func TestDecideSameKeyCommitOrderMatchesRecordOrder(t *testing.T) {
	rules := &staticRules{}
	rules.version.Store(1)
	table := occ.NewMemoryTable()
	ctrl := occ.NewController(table, rules, 3)
	c := NewCoordinator(
		bench(intent.VoteAllow, intent.VoteAllow, intent.VoteAllow),
		ctrl,
		WithRoundTimeout(time.Second),
	)
	led := ledger.New(ledger.NewMemoryStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	// The finalizer runs inside the commit section, so the key version it
	// observes is the serialized commit order.
	type record struct {
		sequence uint64
		version  uint64
	}
	var (
		mu      sync.Mutex
		records []record
		errs    []error
		wg      sync.WaitGroup
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			in, err := intent.New(intent.ActorHuman, intent.ActionWrite, "db/users", intent.RiskLow, json.RawMessage(`{}`))
			if err == nil {
				_, err = c.Decide(context.Background(), in, func(ctx context.Context, d *intent.Decision) error {
					entry, aerr := led.Append(ctx, in, d)
					if aerr != nil {
						return aerr
					}
					versions, verr := table.Versions(ctx, in.WriteKeys())
					if verr != nil {
						return verr
					}
					mu.Lock()
					records = append(records, record{sequence: entry.Sequence, version: versions[in.Resource]})
					mu.Unlock()
					return nil
				})
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, records, 2, "both contenders must commit within the retry bound")
	sort.Slice(records, func(i, j int) bool { return records[i].sequence < records[j].sequence })
	for i, r := range records {
		require.EqualValues(t, i+1, r.sequence, "audit sequences are gap-free")
		require.EqualValues(t, i+1, r.version, "commit order matches audit record order")
	}
}

func TestDecideDenyStillFinalizes(t *testing.T) {
	var recorded atomic.Int32
	finalize := func(_ context.Context, d *intent.Decision) error {
		recorded.Add(1)
		return nil
	}
	c, _ := newCoordinator(t, bench(intent.VoteDeny, intent.VoteAllow, intent.VoteAllow))
	in := submitIntent(t, intent.ActionRead, intent.RiskLow)

	d, err := c.Decide(context.Background(), in, finalize)
	require.NoError(t, err)
	require.Equal(t, intent.OutcomeDeny, d.Outcome)
	require.Equal(t, intent.CommitCommitted, d.CommitStatus)
	require.EqualValues(t, 1, recorded.Load())
}

func TestDecideCanceledContextDeniesForLiveness(t *testing.T) {
	pillars := []pillar.Evaluator{
		stuck{name: "policy"},
		stuck{name: "safety"},
		stuck{name: "integrity"},
	}
	c, _ := newCoordinator(t, pillars, WithRoundTimeout(time.Minute), WithPillarTimeout(time.Minute))
	in := submitIntent(t, intent.ActionRead, intent.RiskLow)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	d, err := c.Decide(ctx, in, noopFinalize)
	require.NoError(t, err)
	require.Equal(t, intent.OutcomeDeny, d.Outcome)
	require.Equal(t, intent.RationaleLivenessBreach, d.Rationale)
}
