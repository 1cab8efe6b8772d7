package pillar

import (
	"context"
	"fmt"

	"github.com/arbiter-sh/arbiter/pkg/intent"
	"github.com/arbiter-sh/arbiter/pkg/occ"
)

// SafetyPillar enforces the actor/action compatibility matrix and the risk
// posture: destructive actions narrow to trusted actor kinds as the tier
// rises, independent of what the rule store says.
type SafetyPillar struct{}

// NewSafetyPillar creates the safety pillar.
func NewSafetyPillar() *SafetyPillar { return &SafetyPillar{} }

// Name implements Evaluator.
func (p *SafetyPillar) Name() string { return "safety" }

// allowedActors maps each action kind to the actor kinds that may perform it.
var allowedActors = map[intent.ActionKind]map[intent.ActorKind]bool{
	intent.ActionRead: {
		intent.ActorHuman: true, intent.ActorAgent: true, intent.ActorSystem: true,
	},
	intent.ActionWrite: {
		intent.ActorHuman: true, intent.ActorAgent: true,
	},
	intent.ActionExecute: {
		intent.ActorHuman: true, intent.ActorSystem: true,
	},
	intent.ActionMutate: {
		intent.ActorHuman: true,
	},
}

// Evaluate implements Evaluator.
func (p *SafetyPillar) Evaluate(_ context.Context, in *intent.Intent, snap *occ.Snapshot) intent.Verdict {
	actors, ok := allowedActors[in.Action]
	if !ok {
		return Abstain(p.Name(), snap.ID, fmt.Sprintf("no posture for action %s", in.Action))
	}
	if !actors[in.Actor] {
		return Deny(p.Name(), snap.ID, fmt.Sprintf("%s actors may not %s", in.Actor, in.Action))
	}
	if in.RiskTier == intent.RiskCritical && in.Actor != intent.ActorHuman {
		return Deny(p.Name(), snap.ID, "critical-tier actions require a human actor")
	}
	return Allow(p.Name(), snap.ID, "actor/action posture satisfied")
}
