// Package ledger implements the tamper-evident audit chain: an append-only,
// hash-chained, strictly sequenced record of every decision the core makes.
//
// The append point is internally serialized even though the rest of the
// pipeline runs in parallel, which makes sequence numbers gap-free and equal
// to commit order. No entry is ever mutated or removed.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arbiter-sh/arbiter/pkg/intent"
)

// GenesisSeed stands in for the previous chain hash of the first entry.
const GenesisSeed = "genesis"

var (
	// ErrEntryNotFound is returned for sequence numbers outside the chain.
	ErrEntryNotFound = errors.New("ledger: entry not found")

	// ErrAppendExhausted is returned when append retries are used up. The
	// decision carrying this error must never be exposed to the caller.
	ErrAppendExhausted = errors.New("ledger: append retries exhausted")
)

// AuditEntry is one immutable link in the audit chain.
type AuditEntry struct {
	Sequence     uint64    `json:"sequence"`
	IntentHash   string    `json:"intent_hash"`
	DecisionHash string    `json:"decision_hash"`
	PrevHash     string    `json:"prev_hash"`
	ChainHash    string    `json:"chain_hash"`
	Timestamp    time.Time `json:"timestamp"`
}

// Store persists audit entries. Implementations only need durable,
// sequence-keyed storage; all chaining logic lives in the Ledger.
type Store interface {
	// Put persists an entry. It must fail if the sequence already exists.
	Put(ctx context.Context, entry AuditEntry) error

	// Get returns the entry with the given sequence.
	Get(ctx context.Context, seq uint64) (*AuditEntry, error)

	// Range returns entries with from <= sequence <= to, ordered by sequence.
	Range(ctx context.Context, from, to uint64) ([]AuditEntry, error)

	// RangeByTime returns entries within [from, to], ordered by sequence.
	RangeByTime(ctx context.Context, from, to time.Time) ([]AuditEntry, error)

	// Head returns the highest sequence and its chain hash, or (0,
	// GenesisSeed) for an empty store.
	Head(ctx context.Context) (uint64, string, error)
}

// ChainHash computes an entry's chain hash from its predecessor's hash and
// its own content hashes and sequence.
func ChainHash(prevHash, intentHash, decisionHash string, seq uint64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", prevHash, intentHash, decisionHash, seq)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// Ledger is the single logical append point of the audit chain.
type Ledger struct {
	mu       sync.Mutex
	store    Store
	logger   *slog.Logger
	retries  *RetryPolicy
	clock    func() time.Time
	headSeq  uint64
	headHash string
	loaded   bool
}

// New creates a ledger over the given store.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:   store,
		logger:  logger,
		retries: DefaultRetryPolicy(),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithRetryPolicy overrides the append retry policy.
func (l *Ledger) WithRetryPolicy(p *RetryPolicy) *Ledger {
	l.retries = p
	return l
}

func (l *Ledger) loadHeadLocked(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	seq, hash, err := l.store.Head(ctx)
	if err != nil {
		return fmt.Errorf("ledger: head load: %w", err)
	}
	l.headSeq = seq
	l.headHash = hash
	l.loaded = true
	return nil
}

// Append seals the intent/decision pair into the next chain entry. Transient
// store failures are retried with backoff; when the policy is exhausted the
// caller receives ErrAppendExhausted and must surface an internal error
// rather than a decision.
func (l *Ledger) Append(ctx context.Context, in *intent.Intent, d *intent.Decision) (*AuditEntry, error) {
	decisionHash, err := d.Hash()
	if err != nil {
		return nil, fmt.Errorf("ledger: decision hash: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.loadHeadLocked(ctx); err != nil {
		return nil, err
	}

	seq := l.headSeq + 1
	entry := AuditEntry{
		Sequence:     seq,
		IntentHash:   in.ContentHash,
		DecisionHash: decisionHash,
		PrevHash:     l.headHash,
		ChainHash:    ChainHash(l.headHash, in.ContentHash, decisionHash, seq),
		Timestamp:    l.clock(),
	}

	var lastErr error
	for attempt := 0; attempt <= l.retries.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := l.retries.Delay(attempt - 1)
			l.logger.Warn("audit append retrying",
				"sequence", seq, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		lastErr = l.store.Put(ctx, entry)
		if lastErr == nil {
			l.headSeq = seq
			l.headHash = entry.ChainHash
			return &entry, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w: sequence %d: %v", ErrAppendExhausted, seq, lastErr)
}

// Get returns one entry by sequence.
func (l *Ledger) Get(ctx context.Context, seq uint64) (*AuditEntry, error) {
	return l.store.Get(ctx, seq)
}

// Range returns entries with from <= sequence <= to.
func (l *Ledger) Range(ctx context.Context, from, to uint64) ([]AuditEntry, error) {
	return l.store.Range(ctx, from, to)
}

// RangeByTime returns entries whose timestamps fall within [from, to].
func (l *Ledger) RangeByTime(ctx context.Context, from, to time.Time) ([]AuditEntry, error) {
	return l.store.RangeByTime(ctx, from, to)
}

// Head returns the current chain head sequence and hash.
func (l *Ledger) Head(ctx context.Context) (uint64, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadHeadLocked(ctx); err != nil {
		return 0, "", err
	}
	return l.headSeq, l.headHash, nil
}

// VerifyResult reports the outcome of a chain verification.
type VerifyResult struct {
	OK         bool   `json:"ok"`
	DivergedAt uint64 `json:"diverged_at,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// VerifyChain recomputes chain hashes over [from, to] and reports the first
// point of divergence. It trusts nothing but the entries themselves: the
// expected hash of entry N is recomputed from entry N-1 (or the genesis seed).
func (l *Ledger) VerifyChain(ctx context.Context, from, to uint64) (VerifyResult, error) {
	if from == 0 {
		from = 1
	}

	prevHash := GenesisSeed
	if from > 1 {
		prev, err := l.store.Get(ctx, from-1)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("ledger: verify anchor %d: %w", from-1, err)
		}
		prevHash = prev.ChainHash
	}

	entries, err := l.store.Range(ctx, from, to)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("ledger: verify range: %w", err)
	}

	expectSeq := from
	for _, e := range entries {
		if e.Sequence != expectSeq {
			return VerifyResult{
				DivergedAt: expectSeq,
				Reason:     fmt.Sprintf("sequence gap: expected %d, got %d", expectSeq, e.Sequence),
			}, nil
		}
		if e.PrevHash != prevHash {
			return VerifyResult{
				DivergedAt: e.Sequence,
				Reason:     fmt.Sprintf("prev hash mismatch at %d", e.Sequence),
			}, nil
		}
		computed := ChainHash(prevHash, e.IntentHash, e.DecisionHash, e.Sequence)
		if computed != e.ChainHash {
			return VerifyResult{
				DivergedAt: e.Sequence,
				Reason:     fmt.Sprintf("chain hash mismatch at %d", e.Sequence),
			}, nil
		}
		prevHash = e.ChainHash
		expectSeq++
	}
	return VerifyResult{OK: true}, nil
}
