package intent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewIntentSealsContentHash(t *testing.T) {
	in, err := New(ActorHuman, ActionWrite, "vault/keys", RiskMedium, json.RawMessage(`{"k":"v"}`))
	require.NoError(t, err)
	require.NotEmpty(t, in.ID)
	require.True(t, len(in.ContentHash) > len("sha256:"))
	require.Contains(t, in.ContentHash, "sha256:")
}

func TestNewIntentRejectsUnknownKinds(t *testing.T) {
	_, err := New("ROBOT", ActionRead, "r", RiskLow, nil)
	require.ErrorIs(t, err, ErrInvalidActor)

	_, err = New(ActorAgent, "DELETE", "r", RiskLow, nil)
	require.ErrorIs(t, err, ErrInvalidAction)

	_, err = New(ActorAgent, ActionRead, "r", "EXTREME", nil)
	require.ErrorIs(t, err, ErrInvalidRiskTier)

	_, err = New(ActorAgent, ActionRead, "", RiskLow, nil)
	require.ErrorIs(t, err, ErrEmptyResource)
}

func TestWriteKeysOnlyForMutatingActions(t *testing.T) {
	read, err := New(ActorHuman, ActionRead, "db/users", RiskLow, nil)
	require.NoError(t, err)
	require.Empty(t, read.WriteKeys())
	require.Equal(t, []string{"db/users"}, read.ReadKeys())

	write, err := New(ActorHuman, ActionMutate, "db/users", RiskCritical, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"db/users"}, write.WriteKeys())
	require.True(t, write.Mutating())
}

func TestContentHashIsCanonical(t *testing.T) {
	// Field order of the source JSON must not change the hash.
	a, err := ContentHash(map[string]any{"x": 1, "y": "z"})
	require.NoError(t, err)
	b, err := ContentHash(map[string]any{"y": "z", "x": 1})
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestDecisionHashExcludesCommitStatus(t *testing.T) {
	d := Decision{
		IntentID:  "i1",
		Outcome:   OutcomeAllow,
		Rationale: RationaleQuorumSatisfied,
	}
	d.CommitStatus = CommitPending
	h1, err := d.Hash()
	require.NoError(t, err)

	d.CommitStatus = CommitCommitted
	h2, err := d.Hash()
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestPayloadValidator(t *testing.T) {
	v := NewPayloadValidator()
	require.NoError(t, v.Register(ActionWrite, `{
		"type": "object",
		"required": ["target"],
		"properties": {"target": {"type": "string"}}
	}`))

	ok, err := New(ActorHuman, ActionWrite, "cfg", RiskLow, json.RawMessage(`{"target":"alpha"}`))
	require.NoError(t, err)
	require.NoError(t, v.Validate(ok))

	bad, err := New(ActorHuman, ActionWrite, "cfg", RiskLow, json.RawMessage(`{"other":1}`))
	require.NoError(t, err)
	require.Error(t, v.Validate(bad))

	// Actions without a schema accept anything.
	free, err := New(ActorHuman, ActionRead, "cfg", RiskLow, nil)
	require.NoError(t, err)
	require.NoError(t, v.Validate(free))
}
