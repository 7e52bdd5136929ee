package staking

import (
	"context"
	"fmt"
	"strings"

	"github.com/R3E-Network/token_economy/internal/app/domain/activity"
	"github.com/R3E-Network/token_economy/internal/app/domain/grant"
	domain "github.com/R3E-Network/token_economy/internal/app/domain/staking"
	"github.com/R3E-Network/token_economy/internal/app/ledger"
	"github.com/R3E-Network/token_economy/pkg/logger"
)

// DefaultMinStake is the smallest amount accepted by Stake. Deployments raise
// it through configuration.
const DefaultMinStake uint64 = 1

// Service manages stake targets and positions.
type Service struct {
	ledger      *ledger.Ledger
	minStake    uint64
	targetGrant grant.Policy
	log         *logger.Logger
}

// Option configures the staking service.
type Option func(*Service)

// WithMinStake overrides DefaultMinStake.
func WithMinStake(min uint64) Option {
	return func(s *Service) { s.minStake = min }
}

// WithTargetGrant issues a grant to the owner of every newly registered
// target.
func WithTargetGrant(p grant.Policy) Option {
	return func(s *Service) { s.targetGrant = p }
}

// New constructs a staking service.
func New(l *ledger.Ledger, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("staking")
	}
	s := &Service{ledger: l, minStake: DefaultMinStake, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterTarget makes a service entity available for staking.
func (s *Service) RegisterTarget(ctx context.Context, id, owner string) (domain.Target, error) {
	id = strings.TrimSpace(id)
	owner = strings.TrimSpace(owner)
	if id == "" {
		return domain.Target{}, fmt.Errorf("target id is required: %w", ledger.ErrInvalidAmount)
	}

	var target domain.Target
	err := s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		if _, exists := tx.Target(id); exists {
			return fmt.Errorf("target %q already registered: %w", id, ledger.ErrAlreadyApplied)
		}
		target = domain.Target{ID: id, Owner: owner, RegisteredAt: tx.Now(), UsageCursor: tx.Now()}
		tx.PutTarget(target)
		if owner != "" && s.targetGrant.Enabled() {
			p := s.targetGrant
			if _, err := tx.IssueGrant(owner, grant.KindNewStakeTarget, p.Amount, tx.Epoch()+p.CliffEpochs, p.VestingEpochs); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Target{}, err
	}
	s.log.WithField("target", id).Info("stake target registered")
	return target, nil
}

// Stake moves amount from the identity's spendable credits onto target.
func (s *Service) Stake(ctx context.Context, identity, target string, amount uint64) (domain.Position, error) {
	if amount == 0 {
		return domain.Position{}, fmt.Errorf("stake amount must be positive: %w", ledger.ErrInvalidAmount)
	}
	if amount < s.minStake {
		return domain.Position{}, fmt.Errorf("stake %d below minimum %d: %w", amount, s.minStake, ledger.ErrInvalidAmount)
	}
	identity = strings.TrimSpace(identity)
	target = strings.TrimSpace(target)

	var pos domain.Position
	err := s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		tgt, err := tx.MustTarget(target)
		if err != nil {
			return err
		}
		acct, err := tx.MustAccount(identity)
		if err != nil {
			return err
		}
		if acct.SpendableCredits < amount {
			return fmt.Errorf("stake %d with %d spendable: %w", amount, acct.SpendableCredits, ledger.ErrInsufficientFunds)
		}

		pos, _ = tx.Position(identity, target)
		if !pos.Active() {
			pos = domain.Position{
				Identity:              identity,
				Target:                target,
				OpenedAt:              tx.Now(),
				LastDistributionEpoch: pos.LastDistributionEpoch,
				Status:                domain.PositionActive,
			}
			tgt.Stakers++
		}
		if pos.Amount, err = ledger.Add(pos.Amount, amount); err != nil {
			return err
		}
		if tgt.TotalStaked, err = ledger.Add(tgt.TotalStaked, amount); err != nil {
			return err
		}
		if acct.StakedCredits, err = ledger.Add(acct.StakedCredits, amount); err != nil {
			return err
		}
		acct.SpendableCredits -= amount

		tx.PutAccount(acct)
		tx.PutTarget(tgt)
		tx.PutPosition(pos)
		if err := refreshKappa(tx, target); err != nil {
			return err
		}
		tx.Record(activity.Entry{
			Identity:  identity,
			Category:  activity.CategoryStake,
			Amount:    amount,
			Reference: target,
		})
		return nil
	})
	if err != nil {
		return domain.Position{}, err
	}
	return pos, nil
}

// Unstake returns amount from the position to spendable credits. The position
// is closed when it reaches zero.
func (s *Service) Unstake(ctx context.Context, identity, target string, amount uint64) (domain.Position, error) {
	if amount == 0 {
		return domain.Position{}, fmt.Errorf("unstake amount must be positive: %w", ledger.ErrInvalidAmount)
	}
	identity = strings.TrimSpace(identity)
	target = strings.TrimSpace(target)

	var pos domain.Position
	err := s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		var ok bool
		pos, ok = tx.Position(identity, target)
		if !ok || !pos.Active() {
			return fmt.Errorf("%s on %s: %w", identity, target, ledger.ErrUnknownPosition)
		}
		if amount > pos.Amount {
			return fmt.Errorf("unstake %d from position of %d: %w", amount, pos.Amount, ledger.ErrInsufficientStake)
		}
		tgt, err := tx.MustTarget(target)
		if err != nil {
			return err
		}
		acct, err := tx.MustAccount(identity)
		if err != nil {
			return err
		}
		if acct.SpendableCredits, err = ledger.Add(acct.SpendableCredits, amount); err != nil {
			return err
		}
		acct.StakedCredits -= amount
		tgt.TotalStaked -= amount
		pos.Amount -= amount
		if pos.Amount == 0 {
			pos.Status = domain.PositionClosed
			tgt.Stakers--
		}

		tx.PutAccount(acct)
		tx.PutTarget(tgt)
		tx.PutPosition(pos)
		if err := refreshKappa(tx, target); err != nil {
			return err
		}
		tx.Record(activity.Entry{
			Identity:  identity,
			Category:  activity.CategoryUnstake,
			Amount:    amount,
			Reference: target,
		})
		return nil
	})
	if err != nil {
		return domain.Position{}, err
	}
	return pos, nil
}

// refreshKappa recomputes the cached multiplier of every identity staked on
// target. An account's multiplier is the best one across its positions.
func refreshKappa(tx *ledger.Tx, target string) error {
	table := tx.PolicyAt(tx.Epoch()).KappaTable()
	seen := make(map[string]struct{})
	for _, p := range tx.PositionsByTarget(target) {
		if _, done := seen[p.Identity]; done {
			continue
		}
		seen[p.Identity] = struct{}{}

		acct, ok := tx.Account(p.Identity)
		if !ok {
			continue
		}
		best := 1.0
		for _, own := range tx.PositionsByIdentity(p.Identity) {
			if !own.Active() {
				continue
			}
			t, ok := tx.Target(own.Target)
			if !ok || t.TotalStaked == 0 {
				continue
			}
			k, err := table.Kappa(float64(own.Amount) / float64(t.TotalStaked))
			if err != nil {
				return err
			}
			if k > best {
				best = k
			}
		}
		if acct.Kappa != best {
			acct.Kappa = best
			tx.PutAccount(acct)
		}
	}
	return nil
}

// Position returns one position.
func (s *Service) Position(ctx context.Context, identity, target string) (domain.Position, error) {
	var pos domain.Position
	err := s.ledger.View(func(tx *ledger.Tx) error {
		var ok bool
		pos, ok = tx.Position(strings.TrimSpace(identity), strings.TrimSpace(target))
		if !ok {
			return fmt.Errorf("%s on %s: %w", identity, target, ledger.ErrUnknownPosition)
		}
		return nil
	})
	return pos, err
}

// PositionsByIdentity returns every position the identity has held.
func (s *Service) PositionsByIdentity(ctx context.Context, identity string) []domain.Position {
	var out []domain.Position
	_ = s.ledger.View(func(tx *ledger.Tx) error {
		out = tx.PositionsByIdentity(strings.TrimSpace(identity))
		return nil
	})
	return out
}

// PositionsByTarget returns every position held on target.
func (s *Service) PositionsByTarget(ctx context.Context, target string) []domain.Position {
	var out []domain.Position
	_ = s.ledger.View(func(tx *ledger.Tx) error {
		out = tx.PositionsByTarget(strings.TrimSpace(target))
		return nil
	})
	return out
}

// Target returns a registered target.
func (s *Service) Target(ctx context.Context, id string) (domain.Target, error) {
	var t domain.Target
	err := s.ledger.View(func(tx *ledger.Tx) error {
		var err error
		t, err = tx.MustTarget(strings.TrimSpace(id))
		return err
	})
	return t, err
}

// Targets lists all registered targets.
func (s *Service) Targets(ctx context.Context) []domain.Target {
	var out []domain.Target
	_ = s.ledger.View(func(tx *ledger.Tx) error {
		out = tx.Targets()
		return nil
	})
	return out
}
