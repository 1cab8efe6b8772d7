// Package quorum implements the coordinator that fans one intent out to all
// pillar evaluators, aggregates their verdicts under a risk-tiered agreement
// rule, and drives the decision through optimistic commit.
//
// Deny is sticky: a single explicit Deny settles the round at every tier.
// When the round deadline elapses the coordinator records each missing
// pillar as an implicit Abstain and applies the agreement rule to what it
// has; insufficient evidence fails closed.
package quorum

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arbiter-sh/arbiter/pkg/intent"
	"github.com/arbiter-sh/arbiter/pkg/occ"
	"github.com/arbiter-sh/arbiter/pkg/pillar"
)

// DefaultRoundTimeout bounds one fan-out/fan-in round. The engine usually
// narrows this further from the liveness budget via the context deadline.
const DefaultRoundTimeout = 10 * time.Second

// Threshold is the agreement rule for one risk tier: at least MinAllow
// Allow votes and at most MaxAbstain Abstain votes. Deny votes are handled
// before thresholds apply and always settle the round as Deny.
type Threshold struct {
	MinAllow   int `yaml:"min_allow" json:"min_allow"`
	MaxAbstain int `yaml:"max_abstain" json:"max_abstain"`
}

// DefaultThresholds returns the agreement table for a three-pillar bench.
// Tiers tighten monotonically: low tolerates an abstaining pillar, critical
// requires every pillar's explicit Allow.
func DefaultThresholds() map[intent.RiskTier]Threshold {
	return map[intent.RiskTier]Threshold{
		intent.RiskLow:      {MinAllow: 2, MaxAbstain: 3},
		intent.RiskMedium:   {MinAllow: 2, MaxAbstain: 1},
		intent.RiskHigh:     {MinAllow: 1, MaxAbstain: 0},
		intent.RiskCritical: {MinAllow: 3, MaxAbstain: 0},
	}
}

// Finalizer durably records a decision. The coordinator never reports a
// decision whose finalizer did not succeed; for committing outcomes it runs
// inside the concurrency controller's commit section so that commit order
// equals record order.
type Finalizer func(ctx context.Context, d *intent.Decision) error

// Coordinator runs decision rounds.
type Coordinator struct {
	pillars       []pillar.Evaluator
	controller    *occ.Controller
	thresholds    map[intent.RiskTier]Threshold
	roundTimeout  time.Duration
	pillarTimeout time.Duration
	logger        *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRoundTimeout overrides the per-round fan-in deadline.
func WithRoundTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.roundTimeout = d }
}

// WithPillarTimeout overrides the per-pillar evaluation bound.
func WithPillarTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.pillarTimeout = d }
}

// WithThresholds overrides the agreement table. Tiers absent from the map
// fall back to the critical rule.
func WithThresholds(t map[intent.RiskTier]Threshold) Option {
	return func(c *Coordinator) { c.thresholds = t }
}

// WithLogger sets the coordinator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator creates a coordinator over the given pillars and
// concurrency controller.
func NewCoordinator(pillars []pillar.Evaluator, controller *occ.Controller, opts ...Option) *Coordinator {
	c := &Coordinator{
		pillars:       pillars,
		controller:    controller,
		thresholds:    DefaultThresholds(),
		roundTimeout:  DefaultRoundTimeout,
		pillarTimeout: pillar.DefaultTimeout,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Decide runs bounded decision rounds for the intent until one commits.
// A commit conflict marks the round's decision aborted, discards its
// verdicts, and re-solicits under a fresh snapshot; the retry bound counts
// restarts, so a bound of 3 allows four attempts in total. Exceeding it
// denies the intent with the concurrency-exhausted rationale. Every
// returned decision has passed through the finalizer; an error means no
// decision was rendered at all.
func (c *Coordinator) Decide(ctx context.Context, in *intent.Intent, finalize Finalizer) (*intent.Decision, error) {
	start := time.Now()

	for attempt := 0; attempt <= c.controller.RetryLimit(); attempt++ {
		snap, err := c.controller.BeginSnapshot(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("quorum: snapshot: %w", err)
		}

		verdicts, expired := c.collect(ctx, in, snap)
		if ctx.Err() != nil {
			// Liveness breach or caller cancellation. Forced Deny, still
			// recorded durably before it is reported.
			return c.settle(in, intent.RationaleLivenessBreach, verdicts, start, finalize)
		}

		outcome, rationale := c.aggregate(in.RiskTier, verdicts, expired)
		if outcome == intent.OutcomeDeny {
			return c.settle(in, rationale, verdicts, start, finalize)
		}

		d := c.newDecision(in, intent.OutcomeAllow, rationale, verdicts, start)
		res, err := c.controller.ValidateAndCommit(ctx, in, snap, func(ctx context.Context) error {
			return finalize(ctx, d)
		})
		if err != nil {
			d.CommitStatus = intent.CommitAborted
			return nil, fmt.Errorf("quorum: commit: %w", err)
		}
		if res == occ.ResultCommitted {
			d.CommitStatus = intent.CommitCommitted
			return d, nil
		}

		d.CommitStatus = intent.CommitAborted
		c.logger.Info("decision round conflicted, restarting",
			"intent_id", in.ID,
			"attempt", attempt+1,
			"snapshot_id", snap.ID,
		)
	}

	c.logger.Warn("retry bound exhausted, denying",
		"intent_id", in.ID,
		"retry_limit", c.controller.RetryLimit(),
	)
	return c.settle(in, intent.RationaleConcurrencyExhausted, nil, start, finalize)
}

// collect fans the intent out to every pillar and gathers verdicts until all
// respond, one denies, or the round deadline elapses. Missing pillars are
// recorded as implicit Abstain. The second return value reports deadline
// expiry.
func (c *Coordinator) collect(ctx context.Context, in *intent.Intent, snap *occ.Snapshot) ([]intent.Verdict, bool) {
	roundCtx, cancel := context.WithTimeout(ctx, c.roundTimeout)
	defer cancel()

	results := make(chan intent.Verdict, len(c.pillars))
	for _, e := range c.pillars {
		go func(e pillar.Evaluator) {
			results <- pillar.Run(roundCtx, e, in, snap, c.pillarTimeout)
		}(e)
	}

	verdicts := make([]intent.Verdict, 0, len(c.pillars))
	responded := make(map[string]bool, len(c.pillars))
	for range c.pillars {
		select {
		case v := <-results:
			verdicts = append(verdicts, v)
			responded[v.Pillar] = true
			if v.Vote == intent.VoteDeny {
				cancel()
				return c.fillMissing(verdicts, responded, snap, "round settled by an explicit deny"), false
			}
		case <-roundCtx.Done():
			return c.fillMissing(verdicts, responded, snap, "no verdict before round deadline"), true
		}
	}
	return verdicts, false
}

func (c *Coordinator) fillMissing(verdicts []intent.Verdict, responded map[string]bool, snap *occ.Snapshot, rationale string) []intent.Verdict {
	for _, e := range c.pillars {
		if !responded[e.Name()] {
			verdicts = append(verdicts, pillar.Abstain(e.Name(), snap.ID, rationale))
		}
	}
	return verdicts
}

// aggregate applies the tier's agreement rule. An unknown tier uses the
// critical rule.
func (c *Coordinator) aggregate(tier intent.RiskTier, verdicts []intent.Verdict, expired bool) (intent.Outcome, string) {
	var allow, deny, abstain int
	for _, v := range verdicts {
		switch v.Vote {
		case intent.VoteAllow:
			allow++
		case intent.VoteDeny:
			deny++
		default:
			abstain++
		}
	}

	if deny > 0 {
		return intent.OutcomeDeny, intent.RationaleQuorumDenied
	}

	th, ok := c.thresholds[tier]
	if !ok {
		th = Threshold{MinAllow: len(c.pillars), MaxAbstain: 0}
	}
	if allow >= th.MinAllow && abstain <= th.MaxAbstain {
		return intent.OutcomeAllow, intent.RationaleQuorumSatisfied
	}
	if expired {
		return intent.OutcomeDeny, intent.RationaleQuorumTimeout
	}
	return intent.OutcomeDeny, intent.RationaleQuorumDenied
}

// settle finalizes a denying decision. Denies write no canonical state, so
// they skip snapshot validation, but they still go through the finalizer:
// no decision is observable without a durable record. The liveness-breach
// path uses a background-derived context so a dead request context cannot
// block the record.
func (c *Coordinator) settle(in *intent.Intent, rationale string, verdicts []intent.Verdict, start time.Time, finalize Finalizer) (*intent.Decision, error) {
	d := c.newDecision(in, intent.OutcomeDeny, rationale, verdicts, start)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := finalize(ctx, d); err != nil {
		return nil, fmt.Errorf("quorum: finalize deny: %w", err)
	}
	d.CommitStatus = intent.CommitCommitted
	return d, nil
}

func (c *Coordinator) newDecision(in *intent.Intent, outcome intent.Outcome, rationale string, verdicts []intent.Verdict, start time.Time) *intent.Decision {
	return &intent.Decision{
		IntentID:     in.ID,
		IntentHash:   in.ContentHash,
		Outcome:      outcome,
		Rationale:    rationale,
		Votes:        verdicts,
		DecidedAt:    time.Now().UTC(),
		Latency:      time.Since(start),
		CommitStatus: intent.CommitPending,
	}
}
