// Package liveness bounds end-to-end decision latency. Every submitted
// intent gets a budget at admission; a breach forces the round to a
// fail-closed deny, which still travels through the audit ledger before
// anyone sees it.
package liveness

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arbiter-sh/arbiter/pkg/intent"
)

// DefaultBudget is the end-to-end latency bound for one intent.
const DefaultBudget = 115 * time.Second

// WatchState tracks a monitored decision round.
type WatchState string

const (
	WatchStateActive   WatchState = "ACTIVE"
	WatchStateSettled  WatchState = "SETTLED"
	WatchStateBreached WatchState = "BREACHED"
)

// Watch is the liveness record of one in-flight intent.
type Watch struct {
	IntentID  string        `json:"intent_id"`
	StartedAt time.Time     `json:"started_at"`
	Deadline  time.Time     `json:"deadline"`
	Budget    time.Duration `json:"budget_nanos"`
	State     WatchState    `json:"state"`
}

// Remaining returns the time left before breach, floored at zero.
func (w *Watch) Remaining() time.Duration {
	left := time.Until(w.Deadline)
	if left < 0 {
		return 0
	}
	return left
}

// Monitor issues per-intent deadlines and detects breaches. Each watch is
// independent: a breach cancels that intent's round only, never another's.
type Monitor struct {
	mu       sync.RWMutex
	watches  map[string]*Watch
	cancels  map[string]context.CancelFunc
	budget   time.Duration
	tiers    map[intent.RiskTier]time.Duration
	onBreach func(*Watch)
	logger   *slog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithBudget overrides the default end-to-end bound.
func WithBudget(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.budget = d
		}
	}
}

// WithTierBudget narrows the bound for one risk tier.
func WithTierBudget(tier intent.RiskTier, d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.tiers[tier] = d
		}
	}
}

// WithBreachHook registers a callback invoked from the watcher goroutine
// when a budget expires.
func WithBreachHook(fn func(*Watch)) Option {
	return func(m *Monitor) { m.onBreach = fn }
}

// WithLogger sets the monitor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// NewMonitor creates a monitor with the default budget.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		watches: make(map[string]*Watch),
		cancels: make(map[string]context.CancelFunc),
		budget:  DefaultBudget,
		tiers:   make(map[intent.RiskTier]time.Duration),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DefaultBound returns the budget applied to intents without a tier
// override.
func (m *Monitor) DefaultBound() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.budget
}

// BudgetFor returns the latency bound applied to the intent.
func (m *Monitor) BudgetFor(in *intent.Intent) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.tiers[in.RiskTier]; ok {
		return d
	}
	return m.budget
}

// Begin registers a watch for the intent and returns a context that expires
// at its deadline. The caller must call the cancel function when the round
// settles, whatever the outcome.
func (m *Monitor) Begin(ctx context.Context, in *intent.Intent) (context.Context, context.CancelFunc, error) {
	budget := m.BudgetFor(in)
	now := time.Now().UTC()
	w := &Watch{
		IntentID:  in.ID,
		StartedAt: now,
		Deadline:  now.Add(budget),
		Budget:    budget,
		State:     WatchStateActive,
	}

	m.mu.Lock()
	if _, exists := m.watches[in.ID]; exists {
		m.mu.Unlock()
		return nil, nil, fmt.Errorf("liveness: intent %s already watched", in.ID)
	}
	roundCtx, cancel := context.WithDeadline(ctx, w.Deadline)
	m.watches[in.ID] = w
	m.cancels[in.ID] = cancel
	m.mu.Unlock()

	go m.watchBreach(roundCtx, w)

	settle := func() {
		m.settle(in.ID)
		cancel()
	}
	return roundCtx, settle, nil
}

// watchBreach marks the watch breached if its context expires by deadline
// rather than by settlement.
func (m *Monitor) watchBreach(ctx context.Context, w *Watch) {
	<-ctx.Done()

	m.mu.Lock()
	breached := w.State == WatchStateActive && ctx.Err() == context.DeadlineExceeded
	if breached {
		w.State = WatchStateBreached
	}
	m.mu.Unlock()

	if breached {
		m.logger.Warn("liveness budget breached",
			"intent_id", w.IntentID,
			"budget", w.Budget,
		)
		if m.onBreach != nil {
			m.onBreach(w)
		}
	}
}

func (m *Monitor) settle(intentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.watches[intentID]; ok && w.State == WatchStateActive {
		w.State = WatchStateSettled
	}
	delete(m.cancels, intentID)
	delete(m.watches, intentID)
}

// Lookup returns a copy of the intent's watch, if still in flight.
func (m *Monitor) Lookup(intentID string) (Watch, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.watches[intentID]
	if !ok {
		return Watch{}, false
	}
	return *w, true
}

// InFlight returns the number of active watches.
func (m *Monitor) InFlight() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.watches)
}

// Shutdown cancels every outstanding watch.
func (m *Monitor) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cancel := range m.cancels {
		cancel()
		delete(m.cancels, id)
	}
}
