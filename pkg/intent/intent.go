// Package intent defines the immutable data model of the governance core:
// intents proposed for evaluation, pillar verdicts, and aggregated decisions.
//
// Every type here is write-once. An Intent is constructed by the caller at
// submission, consumed by the decision pipeline, and never mutated; its
// content hash is computed over the RFC 8785 canonical JSON form so that
// identical intents hash identically regardless of field ordering.
package intent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// ActorKind identifies who is proposing an action.
type ActorKind string

const (
	ActorHuman  ActorKind = "HUMAN"
	ActorAgent  ActorKind = "AGENT"
	ActorSystem ActorKind = "SYSTEM"
)

// ActionKind identifies what kind of action is proposed.
type ActionKind string

const (
	ActionRead    ActionKind = "READ"
	ActionWrite   ActionKind = "WRITE"
	ActionExecute ActionKind = "EXECUTE"
	ActionMutate  ActionKind = "MUTATE"
)

// RiskTier scales the agreement rule applied to a decision round.
type RiskTier string

const (
	RiskLow      RiskTier = "LOW"
	RiskMedium   RiskTier = "MEDIUM"
	RiskHigh     RiskTier = "HIGH"
	RiskCritical RiskTier = "CRITICAL"
)

var (
	ErrInvalidActor    = errors.New("intent: unknown actor kind")
	ErrInvalidAction   = errors.New("intent: unknown action kind")
	ErrInvalidRiskTier = errors.New("intent: unknown risk tier")
	ErrEmptyResource   = errors.New("intent: resource reference is empty")
)

// Intent is a proposed action submitted for governance evaluation.
// Immutable once created.
type Intent struct {
	ID          string          `json:"id"`
	Actor       ActorKind       `json:"actor"`
	Action      ActionKind      `json:"action"`
	Resource    string          `json:"resource"`
	RiskTier    RiskTier        `json:"risk_tier"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	ContentHash string          `json:"content_hash"`
}

// New validates the intent fields, assigns an ID, and seals the content hash.
func New(actor ActorKind, action ActionKind, resource string, tier RiskTier, payload json.RawMessage) (*Intent, error) {
	switch actor {
	case ActorHuman, ActorAgent, ActorSystem:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidActor, actor)
	}
	switch action {
	case ActionRead, ActionWrite, ActionExecute, ActionMutate:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	switch tier {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidRiskTier, tier)
	}
	if resource == "" {
		return nil, ErrEmptyResource
	}

	in := &Intent{
		ID:          uuid.NewString(),
		Actor:       actor,
		Action:      action,
		Resource:    resource,
		RiskTier:    tier,
		Payload:     payload,
		SubmittedAt: time.Now().UTC(),
	}

	hash, err := ContentHash(struct {
		ID          string          `json:"id"`
		Actor       ActorKind       `json:"actor"`
		Action      ActionKind      `json:"action"`
		Resource    string          `json:"resource"`
		RiskTier    RiskTier        `json:"risk_tier"`
		Payload     json.RawMessage `json:"payload,omitempty"`
		SubmittedAt time.Time       `json:"submitted_at"`
	}{in.ID, in.Actor, in.Action, in.Resource, in.RiskTier, in.Payload, in.SubmittedAt})
	if err != nil {
		return nil, fmt.Errorf("intent: hashing failed: %w", err)
	}
	in.ContentHash = hash
	return in, nil
}

// Mutating reports whether the action writes canonical state. Read-only
// intents still take a snapshot but never bump resource versions.
func (in *Intent) Mutating() bool {
	switch in.Action {
	case ActionWrite, ActionExecute, ActionMutate:
		return true
	default:
		return false
	}
}

// ReadKeys returns the resource keys the intent observes during evaluation.
func (in *Intent) ReadKeys() []string {
	return []string{in.Resource}
}

// WriteKeys returns the resource keys the intent writes on commit.
// Empty for read-only intents.
func (in *Intent) WriteKeys() []string {
	if !in.Mutating() {
		return nil
	}
	return []string{in.Resource}
}

// VerifyContentHash recomputes the intent's content hash and reports whether
// it matches the sealed value. A mismatch means the intent was altered after
// construction.
func (in *Intent) VerifyContentHash() (bool, error) {
	hash, err := ContentHash(struct {
		ID          string          `json:"id"`
		Actor       ActorKind       `json:"actor"`
		Action      ActionKind      `json:"action"`
		Resource    string          `json:"resource"`
		RiskTier    RiskTier        `json:"risk_tier"`
		Payload     json.RawMessage `json:"payload,omitempty"`
		SubmittedAt time.Time       `json:"submitted_at"`
	}{in.ID, in.Actor, in.Action, in.Resource, in.RiskTier, in.Payload, in.SubmittedAt})
	if err != nil {
		return false, err
	}
	return hash == in.ContentHash, nil
}

// ContentHash computes the SHA-256 hash of the JCS canonical JSON form of v.
func ContentHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
