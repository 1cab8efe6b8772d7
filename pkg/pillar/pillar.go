// Package pillar provides the independent policy evaluators that vote on an
// intent, and the framework that runs them under a timeout.
//
// Pillars are mutually isolated by construction: each receives only the
// immutable intent and snapshot, holds no mutable state shared with another
// pillar, and never observes another pillar's in-progress verdict. Failures
// are absorbed here: a timeout, panic, or internal error becomes an Abstain,
// never an error surfaced to the coordinator.
package pillar

import (
	"context"
	"fmt"
	"time"

	"github.com/arbiter-sh/arbiter/pkg/intent"
	"github.com/arbiter-sh/arbiter/pkg/occ"
)

// DefaultTimeout bounds a single pillar evaluation.
const DefaultTimeout = 5 * time.Second

// Evaluator is the capability interface a pillar implements.
type Evaluator interface {
	// Name identifies the pillar in verdicts and vote records.
	Name() string

	// Evaluate produces the pillar's verdict for one intent under one
	// snapshot. It must not read or write state outside the snapshot.
	Evaluate(ctx context.Context, in *intent.Intent, snap *occ.Snapshot) intent.Verdict
}

// Allow builds an allowing verdict.
func Allow(pillarName, snapshotID, rationale string) intent.Verdict {
	return verdict(pillarName, snapshotID, intent.VoteAllow, rationale)
}

// Deny builds a denying verdict.
func Deny(pillarName, snapshotID, rationale string) intent.Verdict {
	return verdict(pillarName, snapshotID, intent.VoteDeny, rationale)
}

// Abstain builds an abstaining verdict.
func Abstain(pillarName, snapshotID, rationale string) intent.Verdict {
	return verdict(pillarName, snapshotID, intent.VoteAbstain, rationale)
}

func verdict(pillarName, snapshotID string, vote intent.Vote, rationale string) intent.Verdict {
	return intent.Verdict{
		Pillar:      pillarName,
		Vote:        vote,
		Rationale:   rationale,
		SnapshotID:  snapshotID,
		EvaluatedAt: time.Now().UTC(),
	}
}

// Run executes one evaluation bounded by timeout. A late or panicking
// evaluator yields Abstain; its eventual result is discarded, never blocked
// on. Cancellation of the parent context (liveness breach, round restart)
// has the same effect.
func Run(ctx context.Context, e Evaluator, in *intent.Intent, snap *occ.Snapshot, timeout time.Duration) intent.Verdict {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan intent.Verdict, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- Abstain(e.Name(), snap.ID, fmt.Sprintf("evaluator panic: %v", r))
			}
		}()
		results <- e.Evaluate(ctx, in, snap)
	}()

	select {
	case v := <-results:
		return v
	case <-ctx.Done():
		return Abstain(e.Name(), snap.ID, "evaluation timed out")
	}
}
