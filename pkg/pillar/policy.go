package pillar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/arbiter-sh/arbiter/pkg/intent"
	"github.com/arbiter-sh/arbiter/pkg/occ"
	"github.com/arbiter-sh/arbiter/pkg/rulestore"
)

// PolicyPillar evaluates the intent's actor/action/resource triple against
// the rule store's predicates under the snapshot's rule version.
type PolicyPillar struct {
	rules rulestore.Store
}

// NewPolicyPillar creates the policy pillar over a rule store.
func NewPolicyPillar(rules rulestore.Store) *PolicyPillar {
	return &PolicyPillar{rules: rules}
}

// Name implements Evaluator.
func (p *PolicyPillar) Name() string { return "policy" }

// Evaluate implements Evaluator. No matching rule denies by default; a rule
// set that moved past the snapshot version abstains, since the pillar cannot
// reconstruct the snapshot's view (the commit-time validation will conflict
// the round and solicit fresh verdicts under the new version).
func (p *PolicyPillar) Evaluate(_ context.Context, in *intent.Intent, snap *occ.Snapshot) intent.Verdict {
	preds, version, err := p.rules.Lookup(in.Resource, string(in.Action))
	if err != nil {
		if errors.Is(err, rulestore.ErrNoRules) {
			return Deny(p.Name(), snap.ID, intent.RationaleNoMatchingRule)
		}
		return Abstain(p.Name(), snap.ID, fmt.Sprintf("rule lookup failed: %v", err))
	}
	if version != snap.RuleVersion {
		return Abstain(p.Name(), snap.ID,
			fmt.Sprintf("rule set advanced past snapshot (have %d, snapshot %d)", version, snap.RuleVersion))
	}

	input := map[string]any{
		"actor":     string(in.Actor),
		"action":    string(in.Action),
		"resource":  in.Resource,
		"risk_tier": string(in.RiskTier),
		"payload":   decodePayload(in.Payload),
	}

	for _, pred := range preds {
		allowed, err := pred.Eval(input)
		if err != nil {
			return Abstain(p.Name(), snap.ID, fmt.Sprintf("predicate error: %v", err))
		}
		if !allowed {
			return Deny(p.Name(), snap.ID, fmt.Sprintf("predicate failed: %s", pred.Name))
		}
	}
	return Allow(p.Name(), snap.ID, fmt.Sprintf("%d predicates satisfied", len(preds)))
}

func decodePayload(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{}
	}
	return v
}
