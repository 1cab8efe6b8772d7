// Package occ implements the concurrency controller: snapshot assignment and
// optimistic validate-and-commit over a versioned resource table.
//
// Evaluation reads are lock-free against an immutable snapshot. The only
// serialization point is the commit mutex, where read-set versions are
// re-validated, written keys are provisionally bumped, and the decision is
// finalized through the audit ledger. A provisional bump rolls back if the
// ledger append fails, so nothing is observable without a durable entry.
// Because finalization happens under the commit mutex, commit order is
// exactly ledger sequence order.
package occ

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiter-sh/arbiter/pkg/intent"
)

// Result of a validate-and-commit attempt.
type Result string

const (
	ResultCommitted Result = "COMMITTED"
	ResultConflict  Result = "CONFLICT"
)

// ErrConcurrencyExhausted is surfaced when the OCC retry bound is exceeded.
// The coordinator handles it fail-closed.
var ErrConcurrencyExhausted = errors.New("occ: retry bound exhausted")

// DefaultRetryLimit bounds round restarts after commit conflicts.
const DefaultRetryLimit = 3

// Snapshot is an opaque version token bound to the state of every resource
// key an intent may touch, plus the rule store version it evaluates under.
// All pillar evaluations for one round share one snapshot.
type Snapshot struct {
	ID               string            `json:"id"`
	TakenAt          time.Time         `json:"taken_at"`
	ResourceVersions map[string]uint64 `json:"resource_versions"`
	RuleVersion      uint64            `json:"rule_version"`
}

// VersionTable tracks a monotonically increasing version per resource key.
// Implementations must make Bump atomic per key.
type VersionTable interface {
	// Versions reads current versions for the keys. Unknown keys are 0.
	Versions(ctx context.Context, keys []string) (map[string]uint64, error)

	// Bump increments the version of each key, creating it at 1 if absent,
	// and returns the previous versions for rollback.
	Bump(ctx context.Context, keys []string) (map[string]uint64, error)

	// Restore resets keys to previously returned versions. Used only to
	// roll back a provisional bump whose finalization failed.
	Restore(ctx context.Context, previous map[string]uint64) error
}

// RuleVersioner exposes the rule store's current version token.
type RuleVersioner interface {
	Version() uint64
}

// Controller assigns snapshots and validates commits.
type Controller struct {
	table      VersionTable
	rules      RuleVersioner
	retryLimit int

	commitMu sync.Mutex
}

// NewController creates a controller over the given version table and rule
// store. retryLimit <= 0 selects DefaultRetryLimit.
func NewController(table VersionTable, rules RuleVersioner, retryLimit int) *Controller {
	if retryLimit <= 0 {
		retryLimit = DefaultRetryLimit
	}
	return &Controller{table: table, rules: rules, retryLimit: retryLimit}
}

// RetryLimit returns the configured bound on round restarts.
func (c *Controller) RetryLimit() int { return c.retryLimit }

// BeginSnapshot reads the current versions of every key implicated by the
// intent and bundles them with the rule store version.
func (c *Controller) BeginSnapshot(ctx context.Context, in *intent.Intent) (*Snapshot, error) {
	versions, err := c.table.Versions(ctx, in.ReadKeys())
	if err != nil {
		return nil, fmt.Errorf("occ: snapshot read: %w", err)
	}
	return &Snapshot{
		ID:               "snap_" + uuid.NewString(),
		TakenAt:          time.Now().UTC(),
		ResourceVersions: versions,
		RuleVersion:      c.rules.Version(),
	}, nil
}

// ValidateAndCommit re-reads the snapshot's keys under the commit mutex.
// If any version (or the rule store version) has advanced it returns
// ResultConflict without side effects. Otherwise it provisionally bumps the
// intent's written keys and calls finalize; commit is final only when
// finalize (the ledger append) succeeds. A finalize error rolls the bump
// back and is returned to the caller as an internal failure, not a conflict.
func (c *Controller) ValidateAndCommit(ctx context.Context, in *intent.Intent, snap *Snapshot, finalize func(context.Context) error) (Result, error) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	current, err := c.table.Versions(ctx, in.ReadKeys())
	if err != nil {
		return ResultConflict, fmt.Errorf("occ: validation read: %w", err)
	}
	for key, want := range snap.ResourceVersions {
		if current[key] != want {
			return ResultConflict, nil
		}
	}
	if c.rules.Version() != snap.RuleVersion {
		return ResultConflict, nil
	}

	writeKeys := in.WriteKeys()
	var previous map[string]uint64
	if len(writeKeys) > 0 {
		previous, err = c.table.Bump(ctx, writeKeys)
		if err != nil {
			return ResultConflict, fmt.Errorf("occ: version bump: %w", err)
		}
	}

	if err := finalize(ctx); err != nil {
		if len(previous) > 0 {
			if rbErr := c.table.Restore(ctx, previous); rbErr != nil {
				return ResultConflict, fmt.Errorf("occ: finalize failed (%w) and rollback failed: %v", err, rbErr)
			}
		}
		return ResultConflict, fmt.Errorf("occ: finalize: %w", err)
	}
	return ResultCommitted, nil
}
