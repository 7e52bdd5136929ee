package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/R3E-Network/token_economy/internal/app/domain/account"
	"github.com/R3E-Network/token_economy/internal/app/domain/emission"
	"github.com/R3E-Network/token_economy/internal/app/domain/grant"
	"github.com/R3E-Network/token_economy/internal/app/domain/reward"
	"github.com/R3E-Network/token_economy/internal/app/domain/staking"
	"github.com/R3E-Network/token_economy/internal/app/epoch"
)

const snapshotVersion = 1

// Snapshot is the serialisable form of the whole aggregate.
type Snapshot struct {
	Version   int                 `json:"version"`
	TakenAt   time.Time           `json:"taken_at"`
	Accounts  []account.Account   `json:"accounts"`
	Targets   []staking.Target    `json:"targets"`
	Positions []staking.Position  `json:"positions"`
	Grants    []grant.Grant       `json:"grants"`
	Receipts  []reward.Receipt    `json:"receipts"`
	Runs      []reward.Run        `json:"runs"`
	Proposals []emission.Proposal `json:"proposals"`
	Emitted   []EmittedTotal      `json:"emitted"`
	Meta      meta                `json:"meta"`
}

// EmittedTotal is one emission counter.
type EmittedTotal struct {
	EmissionKey
	Amount uint64 `json:"amount"`
}

// Snapshot captures the committed state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := l.st
	snap := Snapshot{
		Version: snapshotVersion,
		TakenAt: l.clock.Now(),
		Meta:    st.meta,
	}
	for _, id := range sortedKeys(st.accounts) {
		snap.Accounts = append(snap.Accounts, st.accounts[id])
	}
	for _, id := range sortedKeys(st.targets) {
		snap.Targets = append(snap.Targets, st.targets[id])
	}
	for _, id := range sortedKeys(st.grants) {
		snap.Grants = append(snap.Grants, st.grants[id])
	}
	for _, id := range sortedKeys(st.runs) {
		snap.Runs = append(snap.Runs, st.runs[id])
	}
	for _, id := range sortedKeys(st.proposals) {
		snap.Proposals = append(snap.Proposals, st.proposals[id])
	}
	tx := l.begin(false)
	snap.Positions = tx.positionsWhere(func(staking.Key) bool { return true })
	snap.Receipts = tx.Receipts(nil)
	for k, v := range st.emitted {
		snap.Emitted = append(snap.Emitted, EmittedTotal{EmissionKey: k, Amount: v})
	}
	return snap
}

// Restore replaces the aggregate with snap.
func (l *Ledger) Restore(snap Snapshot) error {
	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	anchor, err := l.adoptAnchor(snap.Meta.Anchor)
	if err != nil {
		return err
	}
	st := newState(snap.Meta.Rate, snap.Meta.Policy)
	st.meta = snap.Meta
	st.meta.Anchor = anchor
	for _, a := range snap.Accounts {
		st.accounts[a.ID] = a
	}
	for _, t := range snap.Targets {
		st.targets[t.ID] = t
	}
	for _, p := range snap.Positions {
		st.positions[staking.Key{Identity: p.Identity, Target: p.Target}] = p
	}
	for _, g := range snap.Grants {
		st.grants[g.ID] = g
	}
	for _, r := range snap.Receipts {
		st.receipts[r.Key()] = r
	}
	for _, r := range snap.Runs {
		st.runs[r.ID] = r
	}
	for _, p := range snap.Proposals {
		st.proposals[p.ID] = p
	}
	for _, e := range snap.Emitted {
		st.emitted[e.EmissionKey] = e.Amount
	}

	l.mu.Lock()
	l.st = st
	l.mu.Unlock()
	return nil
}

// adoptAnchor reconciles the clock with the anchor a snapshot was taken under.
// Snapshots without an anchor, or clocks that cannot be re-anchored, keep the
// clock as it is.
func (l *Ledger) adoptAnchor(saved epoch.Anchor) (epoch.Anchor, error) {
	clock, ok := l.clock.(epoch.Anchored)
	if !ok {
		return saved, nil
	}
	current := clock.Anchor()
	if saved.IsZero() || saved.Equal(current) {
		return current, nil
	}
	if l.pinned {
		return current, fmt.Errorf("%w: snapshot genesis %s length %s, clock genesis %s length %s",
			ErrClockMismatch, saved.Genesis.Format(time.RFC3339), saved.Length,
			current.Genesis.Format(time.RFC3339), current.Length)
	}
	if err := clock.Reanchor(saved); err != nil {
		return current, err
	}
	l.log.WithField("genesis", saved.Genesis.Format(time.RFC3339)).
		WithField("epoch_length", saved.Length.String()).
		Info("epoch clock re-anchored from snapshot")
	return saved, nil
}

// MarshalSnapshot encodes the current state as JSON.
func (l *Ledger) MarshalSnapshot() ([]byte, error) {
	return encodeSnapshot(l.Snapshot())
}

func encodeSnapshot(snap Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// UnmarshalSnapshot decodes data and restores it.
func (l *Ledger) UnmarshalSnapshot(data []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	return l.Restore(snap)
}
