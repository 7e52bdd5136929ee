package ledger

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/token_economy/internal/app/domain/account"
	"github.com/R3E-Network/token_economy/internal/app/domain/activity"
	"github.com/R3E-Network/token_economy/internal/app/domain/emission"
	"github.com/R3E-Network/token_economy/internal/app/domain/grant"
	"github.com/R3E-Network/token_economy/internal/app/domain/reward"
	"github.com/R3E-Network/token_economy/internal/app/domain/staking"
)

// Tx is a staged view of the aggregate handed to Update and View callbacks.
// It must not be retained after the callback returns.
type Tx struct {
	st       *state
	writable bool
	now      time.Time
	epoch    uint64

	accounts  table[string, account.Account]
	targets   table[string, staking.Target]
	positions table[staking.Key, staking.Position]
	grants    table[string, grant.Grant]
	receipts  table[reward.Key, reward.Receipt]
	runs      table[string, reward.Run]
	proposals table[string, emission.Proposal]
	emitted   table[EmissionKey, uint64]
	meta      meta

	entries      []activity.Entry
	written      []reward.Receipt
	newUserGrant grant.Policy
}

func (l *Ledger) begin(writable bool) *Tx {
	now := l.clock.Now()
	return &Tx{
		st:           l.st,
		writable:     writable,
		now:          now,
		epoch:        l.clock.At(now),
		accounts:     newTable(l.st.accounts),
		targets:      newTable(l.st.targets),
		positions:    newTable(l.st.positions),
		grants:       newTable(l.st.grants),
		receipts:     newTable(l.st.receipts),
		runs:         newTable(l.st.runs),
		proposals:    newTable(l.st.proposals),
		emitted:      newTable(l.st.emitted),
		meta:         l.st.meta,
		newUserGrant: l.newUserGrant,
	}
}

func (tx *Tx) commit() {
	if !tx.writable {
		return
	}
	tx.accounts.commit()
	tx.targets.commit()
	tx.positions.commit()
	tx.grants.commit()
	tx.receipts.commit()
	tx.runs.commit()
	tx.proposals.commit()
	tx.emitted.commit()
	tx.st.meta = tx.meta
}

// Now is the timestamp shared by every write in the transaction.
func (tx *Tx) Now() time.Time { return tx.now }

// Epoch is the epoch containing Now.
func (tx *Tx) Epoch() uint64 { return tx.epoch }

// Accounts ----------------------------------------------------------------

func (tx *Tx) Account(id string) (account.Account, bool) {
	return tx.accounts.get(id)
}

// MustAccount returns the account or ErrUnknownAccount.
func (tx *Tx) MustAccount(id string) (account.Account, error) {
	acct, ok := tx.accounts.get(id)
	if !ok {
		return account.Account{}, fmt.Errorf("account %q: %w", id, ErrUnknownAccount)
	}
	return acct, nil
}

// OpenAccount returns the identity's account, creating it when absent. A new
// account receives the configured new-user grant.
func (tx *Tx) OpenAccount(id string) (account.Account, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return account.Account{}, fmt.Errorf("identity is required: %w", ErrInvalidAmount)
	}
	if acct, ok := tx.accounts.get(id); ok {
		return acct, nil
	}
	acct := account.Account{ID: id, Kappa: 1, CreatedAt: tx.now, UpdatedAt: tx.now}
	tx.accounts.put(id, acct)
	if p := tx.newUserGrant; p.Enabled() {
		if _, err := tx.IssueGrant(id, grant.KindNewUser, p.Amount, tx.epoch+p.CliffEpochs, p.VestingEpochs); err != nil {
			return account.Account{}, err
		}
	}
	return acct, nil
}

func (tx *Tx) PutAccount(acct account.Account) {
	acct.UpdatedAt = tx.now
	tx.accounts.put(acct.ID, acct)
}

// Accounts returns all accounts ordered by identity.
func (tx *Tx) Accounts() []account.Account {
	var out []account.Account
	tx.accounts.each(func(_ string, a account.Account) { out = append(out, a) })
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Targets and positions ---------------------------------------------------

func (tx *Tx) Target(id string) (staking.Target, bool) {
	return tx.targets.get(id)
}

// MustTarget returns the target or ErrUnknownTarget.
func (tx *Tx) MustTarget(id string) (staking.Target, error) {
	t, ok := tx.targets.get(id)
	if !ok {
		return staking.Target{}, fmt.Errorf("target %q: %w", id, ErrUnknownTarget)
	}
	return t, nil
}

func (tx *Tx) PutTarget(t staking.Target) {
	tx.targets.put(t.ID, t)
}

// Targets returns all registered targets ordered by ID.
func (tx *Tx) Targets() []staking.Target {
	var out []staking.Target
	tx.targets.each(func(_ string, t staking.Target) { out = append(out, t) })
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (tx *Tx) Position(identity, target string) (staking.Position, bool) {
	return tx.positions.get(staking.Key{Identity: identity, Target: target})
}

func (tx *Tx) PutPosition(p staking.Position) {
	p.UpdatedAt = tx.now
	tx.positions.put(staking.Key{Identity: p.Identity, Target: p.Target}, p)
}

// PositionsByTarget returns the target's positions ordered by identity.
func (tx *Tx) PositionsByTarget(target string) []staking.Position {
	return tx.positionsWhere(func(k staking.Key) bool { return k.Target == target })
}

// PositionsByIdentity returns the identity's positions ordered by target.
func (tx *Tx) PositionsByIdentity(identity string) []staking.Position {
	return tx.positionsWhere(func(k staking.Key) bool { return k.Identity == identity })
}

func (tx *Tx) positionsWhere(match func(staking.Key) bool) []staking.Position {
	var out []staking.Position
	tx.positions.each(func(k staking.Key, p staking.Position) {
		if match(k) {
			out = append(out, p)
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].Identity < out[j].Identity
	})
	return out
}

// Grants --------------------------------------------------------------------

func (tx *Tx) Grant(id string) (grant.Grant, bool) {
	return tx.grants.get(id)
}

func (tx *Tx) PutGrant(g grant.Grant) {
	g.UpdatedAt = tx.now
	tx.grants.put(g.ID, g)
}

// GrantsByRecipient returns the recipient's grants in issue order.
func (tx *Tx) GrantsByRecipient(recipient string) []grant.Grant {
	var out []grant.Grant
	tx.grants.each(func(_ string, g grant.Grant) {
		if g.Recipient == recipient {
			out = append(out, g)
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// IssueGrant creates a pending grant and records a grant activity entry.
func (tx *Tx) IssueGrant(recipient string, kind grant.Kind, total, cliffEpoch, vestingEpochs uint64) (grant.Grant, error) {
	if total == 0 {
		return grant.Grant{}, fmt.Errorf("grant total must be positive: %w", ErrInvalidAmount)
	}
	if _, err := tx.OpenAccount(recipient); err != nil {
		return grant.Grant{}, err
	}
	if kind == "" {
		kind = grant.KindGeneral
	}
	g := grant.Grant{
		ID:            uuid.NewString(),
		Recipient:     strings.TrimSpace(recipient),
		Kind:          kind,
		Total:         total,
		CliffEpoch:    cliffEpoch,
		VestingEpochs: vestingEpochs,
		Status:        grant.StatusPending,
		CreatedAt:     tx.now,
	}
	tx.PutGrant(g)
	tx.Record(activity.Entry{
		Identity:  g.Recipient,
		Category:  activity.CategoryGrant,
		Amount:    total,
		Reference: g.ID,
	})
	return g, nil
}

// Receipts and runs -------------------------------------------------------

func (tx *Tx) Receipt(key reward.Key) (reward.Receipt, bool) {
	return tx.receipts.get(key)
}

// PutReceipt stores r, assigning the next receipt sequence.
func (tx *Tx) PutReceipt(r reward.Receipt) reward.Receipt {
	tx.meta.ReceiptSeq++
	r.Sequence = tx.meta.ReceiptSeq
	if r.CreatedAt.IsZero() {
		r.CreatedAt = tx.now
	}
	tx.receipts.put(r.Key(), r)
	tx.written = append(tx.written, r)
	return r
}

// Receipts returns receipts matching filter ordered by sequence.
func (tx *Tx) Receipts(filter func(reward.Receipt) bool) []reward.Receipt {
	var out []reward.Receipt
	tx.receipts.each(func(_ reward.Key, r reward.Receipt) {
		if filter == nil || filter(r) {
			out = append(out, r)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

func (tx *Tx) Run(id string) (reward.Run, bool) {
	r, ok := tx.runs.get(id)
	if ok {
		r.Targets = append([]reward.RunTarget(nil), r.Targets...)
	}
	return r, ok
}

func (tx *Tx) PutRun(r reward.Run) {
	r.UpdatedAt = tx.now
	r.Targets = append([]reward.RunTarget(nil), r.Targets...)
	tx.runs.put(r.ID, r)
}

// Runs returns every run ordered by creation.
func (tx *Tx) Runs() []reward.Run {
	var out []reward.Run
	tx.runs.each(func(_ string, r reward.Run) { out = append(out, r) })
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Emission counters -------------------------------------------------------

func (tx *Tx) Emitted(key EmissionKey) uint64 {
	v, _ := tx.emitted.get(key)
	return v
}

func (tx *Tx) AddEmitted(key EmissionKey, amount uint64) error {
	total, err := Add(tx.Emitted(key), amount)
	if err != nil {
		return err
	}
	tx.emitted.put(key, total)
	return nil
}

// Exchange rate -----------------------------------------------------------

func (tx *Tx) Rate() uint64 { return tx.meta.Rate }

// SetRate replaces the exchange rate and appends it to the history.
func (tx *Tx) SetRate(rate uint64, approvedBy string) {
	tx.meta.Rate = rate
	tx.meta.RateHistory = appendCopy(tx.meta.RateHistory, emission.RateChange{
		Rate:       rate,
		Epoch:      tx.epoch,
		ApprovedBy: approvedBy,
		ChangedAt:  tx.now,
	})
}

func (tx *Tx) RateHistory() []emission.RateChange {
	return append([]emission.RateChange(nil), tx.meta.RateHistory...)
}

// Emission policy ---------------------------------------------------------

// Policy returns the most recently applied policy.
func (tx *Tx) Policy() emission.Policy { return tx.meta.Policy.Clone() }

// Policies returns the applied policy history, oldest first.
func (tx *Tx) Policies() []emission.Policy {
	out := make([]emission.Policy, len(tx.meta.Policies))
	for i, p := range tx.meta.Policies {
		out[i] = p.Clone()
	}
	return out
}

// PolicyAt returns the latest applied policy whose epoch is not after epoch,
// or the genesis policy when every update is later.
func (tx *Tx) PolicyAt(epoch uint64) emission.Policy {
	history := tx.meta.Policies
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Epoch <= epoch {
			return history[i].Clone()
		}
	}
	return history[0].Clone()
}

// ApplyPolicy makes p the active policy and appends it to the history.
func (tx *Tx) ApplyPolicy(p emission.Policy) {
	p = p.Clone()
	p.UpdatedAt = tx.now
	tx.meta.Policy = p
	tx.meta.Policies = appendCopy(tx.meta.Policies, p)
}

func (tx *Tx) Proposal(id string) (emission.Proposal, bool) {
	p, ok := tx.proposals.get(id)
	if ok {
		p.Policy = p.Policy.Clone()
	}
	return p, ok
}

func (tx *Tx) PutProposal(p emission.Proposal) {
	if _, exists := tx.proposals.get(p.ID); !exists {
		tx.meta.ProposalOrder = appendCopy(tx.meta.ProposalOrder, p.ID)
	}
	p.Policy = p.Policy.Clone()
	tx.proposals.put(p.ID, p)
}

// Proposals returns all proposals in submission order.
func (tx *Tx) Proposals() []emission.Proposal {
	out := make([]emission.Proposal, 0, len(tx.meta.ProposalOrder))
	for _, id := range tx.meta.ProposalOrder {
		if p, ok := tx.Proposal(id); ok {
			out = append(out, p)
		}
	}
	return out
}

func (tx *Tx) AppendAudit(a emission.AuditEntry) {
	tx.meta.Audit = appendCopy(tx.meta.Audit, a)
}

func (tx *Tx) Audit() []emission.AuditEntry {
	return append([]emission.AuditEntry(nil), tx.meta.Audit...)
}

// Activity ----------------------------------------------------------------

// Record stamps e with the next sequence number and the transaction time.
func (tx *Tx) Record(e activity.Entry) activity.Entry {
	tx.meta.ActivitySeq++
	e.Sequence = tx.meta.ActivitySeq
	if e.Timestamp.IsZero() {
		e.Timestamp = tx.now
	}
	if e.Status == "" {
		e.Status = activity.StatusCompleted
	}
	tx.entries = append(tx.entries, e)
	return e
}

// appendCopy never writes into the backing array of s, which may be shared
// with committed state.
func appendCopy[T any](s []T, v T) []T {
	out := make([]T, len(s), len(s)+1)
	copy(out, s)
	return append(out, v)
}
