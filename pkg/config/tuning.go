package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arbiter-sh/arbiter/pkg/intent"
	"github.com/arbiter-sh/arbiter/pkg/liveness"
	"github.com/arbiter-sh/arbiter/pkg/occ"
	"github.com/arbiter-sh/arbiter/pkg/pillar"
	"github.com/arbiter-sh/arbiter/pkg/quorum"
)

// Tuning is the decision-policy knob set. The agreement thresholds and the
// liveness bound are policy, not constants; deployments override them here.
type Tuning struct {
	LivenessBudget time.Duration
	TierBudgets    map[intent.RiskTier]time.Duration
	RoundTimeout   time.Duration
	PillarTimeout  time.Duration
	RetryLimit     int
	Thresholds     map[intent.RiskTier]quorum.Threshold
}

// duration accepts Go duration strings ("30s", "2m") in YAML.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

type tuningFile struct {
	LivenessBudget duration                             `yaml:"liveness_budget"`
	TierBudgets    map[intent.RiskTier]duration         `yaml:"tier_budgets,omitempty"`
	RoundTimeout   duration                             `yaml:"round_timeout"`
	PillarTimeout  duration                             `yaml:"pillar_timeout"`
	RetryLimit     int                                  `yaml:"retry_limit"`
	Thresholds     map[intent.RiskTier]quorum.Threshold `yaml:"thresholds,omitempty"`
}

// DefaultTuning returns the fail-closed defaults.
func DefaultTuning() *Tuning {
	return &Tuning{
		LivenessBudget: liveness.DefaultBudget,
		RoundTimeout:   quorum.DefaultRoundTimeout,
		PillarTimeout:  pillar.DefaultTimeout,
		RetryLimit:     occ.DefaultRetryLimit,
		Thresholds:     quorum.DefaultThresholds(),
	}
}

// LoadTuning reads the YAML tuning file at path, applying defaults for
// anything it leaves unset. An empty path returns the defaults.
func LoadTuning(path string) (*Tuning, error) {
	t := DefaultTuning()
	if path == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read tuning %s: %w", path, err)
	}
	var file tuningFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("config: parse tuning %s: %w", path, err)
	}

	if file.LivenessBudget > 0 {
		t.LivenessBudget = time.Duration(file.LivenessBudget)
	}
	if file.RoundTimeout > 0 {
		t.RoundTimeout = time.Duration(file.RoundTimeout)
	}
	if file.PillarTimeout > 0 {
		t.PillarTimeout = time.Duration(file.PillarTimeout)
	}
	if file.RetryLimit > 0 {
		t.RetryLimit = file.RetryLimit
	}
	if len(file.TierBudgets) > 0 {
		t.TierBudgets = make(map[intent.RiskTier]time.Duration, len(file.TierBudgets))
		for tier, d := range file.TierBudgets {
			t.TierBudgets[tier] = time.Duration(d)
		}
	}
	for tier, th := range file.Thresholds {
		if th.MinAllow <= 0 {
			return nil, fmt.Errorf("config: tuning %s: tier %s: min_allow must be positive", path, tier)
		}
		if th.MaxAbstain < 0 {
			return nil, fmt.Errorf("config: tuning %s: tier %s: max_abstain must be non-negative", path, tier)
		}
		t.Thresholds[tier] = th
	}
	return t, nil
}
