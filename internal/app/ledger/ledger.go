// Package ledger holds the single mutable aggregate of the credit economy:
// accounts, stake positions, grants, reward receipts and emission state.
// Every mutation runs as one serialized transaction against a staging overlay
// and becomes visible only when it succeeds.
package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/R3E-Network/token_economy/internal/app/domain/account"
	"github.com/R3E-Network/token_economy/internal/app/domain/activity"
	"github.com/R3E-Network/token_economy/internal/app/domain/emission"
	"github.com/R3E-Network/token_economy/internal/app/domain/grant"
	"github.com/R3E-Network/token_economy/internal/app/domain/reward"
	"github.com/R3E-Network/token_economy/internal/app/domain/staking"
	"github.com/R3E-Network/token_economy/internal/app/epoch"
	"github.com/R3E-Network/token_economy/pkg/logger"
)

// DefaultRate is 1000 credits per base unit, expressed in RateScale units.
const (
	RateScale   uint64 = 1_000_000
	DefaultRate uint64 = 1000 * RateScale
)

// ActivitySink receives committed activity entries in sequence order.
type ActivitySink interface {
	Append(ctx context.Context, entries ...activity.Entry) error
}

// ReceiptSink receives committed reward receipts.
type ReceiptSink interface {
	SaveReceipts(ctx context.Context, receipts ...reward.Receipt) error
}

// ActivityCursor is implemented by activity sinks that can report the highest
// sequence they hold.
type ActivityCursor interface {
	LastActivitySequence(ctx context.Context) (uint64, error)
}

// ReceiptCursor is implemented by receipt sinks that can report the highest
// sequence they hold.
type ReceiptCursor interface {
	LastReceiptSequence(ctx context.Context) (uint64, error)
}

type state struct {
	accounts  map[string]account.Account
	targets   map[string]staking.Target
	positions map[staking.Key]staking.Position
	grants    map[string]grant.Grant
	receipts  map[reward.Key]reward.Receipt
	runs      map[string]reward.Run
	proposals map[string]emission.Proposal
	emitted   map[EmissionKey]uint64
	meta      meta
}

type meta struct {
	Rate          uint64                `json:"rate"`
	RateHistory   []emission.RateChange `json:"rate_history"`
	Policy        emission.Policy       `json:"policy"`
	Policies      []emission.Policy     `json:"policies"`
	ProposalOrder []string              `json:"proposal_order"`
	Audit         []emission.AuditEntry `json:"audit"`
	ActivitySeq   uint64                `json:"activity_seq"`
	ReceiptSeq    uint64                `json:"receipt_seq"`
	Anchor        epoch.Anchor          `json:"anchor"`
}

// EmissionKey addresses a per-epoch emission counter. Target is empty for the
// global counter.
type EmissionKey struct {
	Epoch  uint64 `json:"epoch"`
	Target string `json:"target,omitempty"`
}

func newState(rate uint64, policy emission.Policy) *state {
	return &state{
		accounts:  make(map[string]account.Account),
		targets:   make(map[string]staking.Target),
		positions: make(map[staking.Key]staking.Position),
		grants:    make(map[string]grant.Grant),
		receipts:  make(map[reward.Key]reward.Receipt),
		runs:      make(map[string]reward.Run),
		proposals: make(map[string]emission.Proposal),
		emitted:   make(map[EmissionKey]uint64),
		meta: meta{
			Rate:     rate,
			Policy:   policy,
			Policies: []emission.Policy{policy},
		},
	}
}

// Ledger serializes all mutations of the aggregate.
type Ledger struct {
	mu     sync.RWMutex
	sinkMu sync.Mutex
	st     *state

	clock        epoch.Source
	activity     ActivitySink
	receipts     ReceiptSink
	newUserGrant grant.Policy
	pinned       bool
	log          *logger.Logger
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithLogger sets the ledger logger.
func WithLogger(log *logger.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

// WithActivitySink forwards committed activity entries to sink.
func WithActivitySink(sink ActivitySink) Option {
	return func(l *Ledger) { l.activity = sink }
}

// WithReceiptSink forwards committed receipts to sink.
func WithReceiptSink(sink ReceiptSink) Option {
	return func(l *Ledger) { l.receipts = sink }
}

// WithNewUserGrant issues a bonus grant to every newly opened account.
func WithNewUserGrant(p grant.Policy) Option {
	return func(l *Ledger) { l.newUserGrant = p }
}

// WithPinnedClock makes Restore reject snapshots taken under a different
// epoch anchor instead of re-anchoring the clock to them.
func WithPinnedClock() Option {
	return func(l *Ledger) { l.pinned = true }
}

// WithGenesis sets the initial exchange rate and emission policy.
func WithGenesis(rate uint64, policy emission.Policy) Option {
	return func(l *Ledger) {
		if rate == 0 {
			rate = DefaultRate
		}
		l.st = newState(rate, policy.Clone())
	}
}

// New creates an empty ledger using clock for epochs and timestamps.
func New(clock epoch.Source, opts ...Option) *Ledger {
	l := &Ledger{
		st:    newState(DefaultRate, emission.Default()),
		clock: clock,
		log:   logger.NewDefault("ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if a, ok := clock.(epoch.Anchored); ok {
		l.st.meta.Anchor = a.Anchor()
	}
	return l
}

// Clock returns the epoch source used by the ledger.
func (l *Ledger) Clock() epoch.Source { return l.clock }

// Update runs fn as one atomic transaction. If fn returns an error nothing it
// did becomes visible. Activity entries and receipts written by fn are handed
// to the sinks after commit, in commit order.
func (l *Ledger) Update(ctx context.Context, fn func(*Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	released := false
	defer func() {
		if !released {
			l.mu.Unlock()
		}
	}()

	tx := l.begin(true)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()

	l.sinkMu.Lock()
	defer l.sinkMu.Unlock()
	released = true
	l.mu.Unlock()

	l.forward(ctx, tx.entries, tx.written)
	return nil
}

// ResumeSequences raises the activity and receipt counters to the highest
// sequence already held by the sinks, so entries committed after a stale
// snapshot are never numbered twice.
func (l *Ledger) ResumeSequences(ctx context.Context) error {
	var lastActivity, lastReceipt uint64
	if c, ok := l.activity.(ActivityCursor); ok {
		v, err := c.LastActivitySequence(ctx)
		if err != nil {
			return fmt.Errorf("read activity sequence: %w", err)
		}
		lastActivity = v
	}
	if c, ok := l.receipts.(ReceiptCursor); ok {
		v, err := c.LastReceiptSequence(ctx)
		if err != nil {
			return fmt.Errorf("read receipt sequence: %w", err)
		}
		lastReceipt = v
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	m := &l.st.meta
	if lastActivity > m.ActivitySeq {
		l.log.WithField("from", m.ActivitySeq).WithField("to", lastActivity).Info("activity sequence resumed from store")
		m.ActivitySeq = lastActivity
	}
	if lastReceipt > m.ReceiptSeq {
		l.log.WithField("from", m.ReceiptSeq).WithField("to", lastReceipt).Info("receipt sequence resumed from store")
		m.ReceiptSeq = lastReceipt
	}
	return nil
}

// View runs fn against a consistent read of the aggregate. Writes made by fn
// are discarded.
func (l *Ledger) View(fn func(*Tx) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fn(l.begin(false))
}

func (l *Ledger) forward(ctx context.Context, entries []activity.Entry, receipts []reward.Receipt) {
	if len(entries) > 0 && l.activity != nil {
		if err := l.activity.Append(context.WithoutCancel(ctx), entries...); err != nil {
			l.log.WithError(err).
				WithField("first_sequence", entries[0].Sequence).
				Warn("forward activity entries failed")
		}
	}
	if len(receipts) > 0 && l.receipts != nil {
		if err := l.receipts.SaveReceipts(context.WithoutCancel(ctx), receipts...); err != nil {
			l.log.WithError(err).
				WithField("run_id", receipts[0].RunID).
				Warn("forward reward receipts failed")
		}
	}
}
