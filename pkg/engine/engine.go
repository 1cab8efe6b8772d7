// Package engine wires the decision pipeline together: payload validation,
// liveness budget, the quorum coordinator, and the audit ledger. It is the
// only package that sees every component; everything below it talks through
// narrow interfaces.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arbiter-sh/arbiter/pkg/intent"
	"github.com/arbiter-sh/arbiter/pkg/ledger"
	"github.com/arbiter-sh/arbiter/pkg/liveness"
	"github.com/arbiter-sh/arbiter/pkg/observability"
	"github.com/arbiter-sh/arbiter/pkg/pillar"
	"github.com/arbiter-sh/arbiter/pkg/quorum"
)

var (
	// ErrBadRequest is returned for submissions rejected before a round
	// starts: malformed intents and schema-invalid payloads.
	ErrBadRequest = errors.New("engine: bad request")

	// ErrInternal is returned when a decision could not be rendered at
	// all: no snapshot, or no durable audit entry. It deliberately
	// carries no Allow/Deny outcome.
	ErrInternal = errors.New("engine: internal error")
)

// SubmitRequest is an intent submission.
type SubmitRequest struct {
	Actor    intent.ActorKind  `json:"actor"`
	Action   intent.ActionKind `json:"action"`
	Resource string            `json:"resource"`
	RiskTier intent.RiskTier   `json:"risk_tier"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
}

// SubmitResult is the caller-visible outcome of one decision round.
type SubmitResult struct {
	IntentID      string           `json:"intent_id"`
	IntentHash    string           `json:"intent_hash"`
	Outcome       intent.Outcome   `json:"outcome"`
	Rationale     string           `json:"rationale"`
	Votes         []intent.Verdict `json:"votes"`
	AuditSequence uint64           `json:"audit_sequence"`
	DecidedAt     time.Time        `json:"decided_at"`
	Latency       time.Duration    `json:"latency_nanos"`
}

// Engine runs the full control flow for submitted intents. Distinct intents
// run concurrently; the only serialization points are the commit mutex and
// the ledger append, both below this layer.
type Engine struct {
	pillars   []pillar.Evaluator
	coord     *quorum.Coordinator
	ledger    *ledger.Ledger
	monitor   *liveness.Monitor
	validator *intent.PayloadValidator
	telemetry *observability.Provider
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithPayloadValidator enables schema validation of intent payloads.
func WithPayloadValidator(v *intent.PayloadValidator) Option {
	return func(e *Engine) { e.validator = v }
}

// WithTelemetry attaches the observability provider.
func WithTelemetry(p *observability.Provider) Option {
	return func(e *Engine) { e.telemetry = p }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New assembles an engine from its components.
func New(pillars []pillar.Evaluator, coord *quorum.Coordinator, led *ledger.Ledger, monitor *liveness.Monitor, opts ...Option) *Engine {
	e := &Engine{
		pillars: pillars,
		coord:   coord,
		ledger:  led,
		monitor: monitor,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit runs one intent through the pipeline and returns its decision.
// Every returned result corresponds to exactly one committed audit entry;
// an error means no decision was rendered and nothing was recorded as one.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	in, err := intent.New(req.Actor, req.Action, req.Resource, req.RiskTier, req.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if e.validator != nil {
		if err := e.validator.Validate(in); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
	}

	roundCtx, settle, err := e.monitor.Begin(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("engine: liveness watch: %w", err)
	}
	defer settle()

	var seq uint64
	finalize := func(ctx context.Context, d *intent.Decision) error {
		entry, err := e.ledger.Append(ctx, in, d)
		if err != nil {
			return err
		}
		seq = entry.Sequence
		return nil
	}

	d, err := e.decide(roundCtx, in, finalize)
	if err != nil {
		e.logger.Error("decision failed",
			"intent_id", in.ID,
			"resource", in.Resource,
			"error", err,
		)
		if errors.Is(err, ledger.ErrAppendExhausted) {
			return nil, fmt.Errorf("%w: audit append failed: %v", ErrInternal, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	e.logger.Info("decision rendered",
		"intent_id", in.ID,
		"resource", in.Resource,
		"risk_tier", in.RiskTier,
		"outcome", d.Outcome,
		"rationale", d.Rationale,
		"audit_sequence", seq,
		"latency", d.Latency,
	)
	if e.telemetry != nil {
		e.telemetry.RecordLedgerHead(ctx, seq)
	}

	return &SubmitResult{
		IntentID:      in.ID,
		IntentHash:    in.ContentHash,
		Outcome:       d.Outcome,
		Rationale:     d.Rationale,
		Votes:         d.Votes,
		AuditSequence: seq,
		DecidedAt:     d.DecidedAt,
		Latency:       d.Latency,
	}, nil
}

func (e *Engine) decide(ctx context.Context, in *intent.Intent, finalize quorum.Finalizer) (*intent.Decision, error) {
	if e.telemetry == nil {
		return e.coord.Decide(ctx, in, finalize)
	}
	ctx, finish := e.telemetry.StartRound(ctx, in)
	d, err := e.coord.Decide(ctx, in, finalize)
	finish(d, err)
	return d, err
}

// PillarStatus reports one evaluator's presence on the bench.
type PillarStatus struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// Health is the read-only status surface. It is never consulted by
// decision logic.
type Health struct {
	Pillars       []PillarStatus `json:"pillars"`
	LivenessBound time.Duration  `json:"liveness_bound_nanos"`
	InFlight      int            `json:"in_flight"`
	LedgerHead    uint64         `json:"ledger_head"`
	LedgerHash    string         `json:"ledger_hash"`
}

// Status reports pipeline health.
func (e *Engine) Status(ctx context.Context) (*Health, error) {
	head, hash, err := e.ledger.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: ledger head: %w", err)
	}
	h := &Health{
		LivenessBound: e.monitor.DefaultBound(),
		InFlight:      e.monitor.InFlight(),
		LedgerHead:    head,
		LedgerHash:    hash,
	}
	for _, p := range e.pillars {
		h.Pillars = append(h.Pillars, PillarStatus{Name: p.Name(), Available: true})
	}
	return h, nil
}

// Audit returns ledger entries by sequence range, optionally verifying the
// chain over the same range.
func (e *Engine) Audit(ctx context.Context, from, to uint64, verify bool) ([]ledger.AuditEntry, *ledger.VerifyResult, error) {
	entries, err := e.ledger.Range(ctx, from, to)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: audit range: %w", err)
	}
	if !verify {
		return entries, nil, nil
	}
	res, err := e.ledger.VerifyChain(ctx, from, to)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: chain verify: %w", err)
	}
	return entries, &res, nil
}

// AuditByTime returns ledger entries within a time window.
func (e *Engine) AuditByTime(ctx context.Context, from, to time.Time) ([]ledger.AuditEntry, error) {
	entries, err := e.ledger.RangeByTime(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("engine: audit range: %w", err)
	}
	return entries, nil
}
