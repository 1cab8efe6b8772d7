package pillar

import (
	"context"
	"fmt"

	"github.com/arbiter-sh/arbiter/pkg/intent"
	"github.com/arbiter-sh/arbiter/pkg/occ"
)

// IntegrityPillar corroborates the round's inputs: the intent's sealed
// content hash must recompute, and the snapshot must cover every key the
// intent reads. It denies tampered content and abstains when it cannot
// corroborate.
type IntegrityPillar struct{}

// NewIntegrityPillar creates the integrity pillar.
func NewIntegrityPillar() *IntegrityPillar { return &IntegrityPillar{} }

// Name implements Evaluator.
func (p *IntegrityPillar) Name() string { return "integrity" }

// Evaluate implements Evaluator.
func (p *IntegrityPillar) Evaluate(_ context.Context, in *intent.Intent, snap *occ.Snapshot) intent.Verdict {
	ok, err := in.VerifyContentHash()
	if err != nil {
		return Abstain(p.Name(), snap.ID, fmt.Sprintf("hash recompute failed: %v", err))
	}
	if !ok {
		return Deny(p.Name(), snap.ID, "intent content hash mismatch")
	}

	for _, key := range in.ReadKeys() {
		if _, covered := snap.ResourceVersions[key]; !covered {
			return Abstain(p.Name(), snap.ID, fmt.Sprintf("snapshot does not cover key %s", key))
		}
	}
	if snap.ID == "" {
		return Abstain(p.Name(), snap.ID, "snapshot has no identity")
	}
	return Allow(p.Name(), snap.ID, "content and snapshot corroborated")
}
