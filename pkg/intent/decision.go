package intent

import "time"

// Vote is a single pillar's verdict on an intent.
type Vote string

const (
	VoteAllow   Vote = "ALLOW"
	VoteDeny    Vote = "DENY"
	VoteAbstain Vote = "ABSTAIN"
)

// Outcome is the aggregated decision. There is no middle ground: an intent
// that fails its agreement rule is denied.
type Outcome string

const (
	OutcomeAllow Outcome = "ALLOW"
	OutcomeDeny  Outcome = "DENY"
)

// CommitStatus tracks the decision through the two-phase commit.
type CommitStatus string

const (
	CommitPending   CommitStatus = "PENDING"
	CommitCommitted CommitStatus = "COMMITTED"
	CommitAborted   CommitStatus = "ABORTED"
)

// Rationale codes attached to decisions. These are stable identifiers
// consumed by callers and recorded in the audit chain.
const (
	RationaleQuorumSatisfied      = "quorum-satisfied"
	RationaleQuorumDenied         = "quorum-denied"
	RationaleQuorumTimeout        = "quorum-timeout"
	RationaleConcurrencyExhausted = "concurrency-exhausted"
	RationaleLivenessBreach       = "liveness-breach"
	RationaleNoMatchingRule       = "no-matching-rule"
)

// Verdict is one pillar's vote for one intent under one snapshot.
// A pillar may not retract or amend a verdict; a round restart discards
// the whole set and solicits fresh ones.
type Verdict struct {
	Pillar      string    `json:"pillar"`
	Vote        Vote      `json:"vote"`
	Rationale   string    `json:"rationale,omitempty"`
	SnapshotID  string    `json:"snapshot_id"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Decision is the aggregated outcome of a decision round.
type Decision struct {
	IntentID     string        `json:"intent_id"`
	IntentHash   string        `json:"intent_hash"`
	Outcome      Outcome       `json:"outcome"`
	Rationale    string        `json:"rationale"`
	Votes        []Verdict     `json:"votes"`
	DecidedAt    time.Time     `json:"decided_at"`
	Latency      time.Duration `json:"latency_nanos"`
	CommitStatus CommitStatus  `json:"commit_status"`
}

// Hash computes the canonical content hash of the decision. The commit
// status is excluded: it transitions Pending -> Committed after the hash
// is sealed into the audit chain.
func (d *Decision) Hash() (string, error) {
	return ContentHash(struct {
		IntentID   string        `json:"intent_id"`
		IntentHash string        `json:"intent_hash"`
		Outcome    Outcome       `json:"outcome"`
		Rationale  string        `json:"rationale"`
		Votes      []Verdict     `json:"votes"`
		DecidedAt  time.Time     `json:"decided_at"`
		Latency    time.Duration `json:"latency_nanos"`
	}{d.IntentID, d.IntentHash, d.Outcome, d.Rationale, d.Votes, d.DecidedAt, d.Latency})
}
