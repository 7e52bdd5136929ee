package accounts

import (
	"context"
	"fmt"
	"strings"

	"github.com/R3E-Network/token_economy/internal/app/domain/account"
	"github.com/R3E-Network/token_economy/internal/app/domain/activity"
	"github.com/R3E-Network/token_economy/internal/app/domain/grant"
	"github.com/R3E-Network/token_economy/internal/app/domain/reward"
	"github.com/R3E-Network/token_economy/internal/app/domain/usage"
	"github.com/R3E-Network/token_economy/internal/app/ledger"
	"github.com/R3E-Network/token_economy/internal/app/storage"
	"github.com/R3E-Network/token_economy/pkg/logger"
)

// Service exposes account balances and the simple balance moves that do not
// belong to a more specific component.
type Service struct {
	ledger *ledger.Ledger
	usage  storage.UsageFeed
	log    *logger.Logger
}

// New constructs an account service. feed may be nil, in which case spends
// are not reported as usage.
func New(l *ledger.Ledger, feed storage.UsageFeed, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("accounts")
	}
	return &Service{ledger: l, usage: feed, log: log}
}

// Get returns the balances of identity.
func (s *Service) Get(ctx context.Context, identity string) (account.Info, error) {
	var info account.Info
	err := s.ledger.View(func(tx *ledger.Tx) error {
		acct, err := tx.MustAccount(strings.TrimSpace(identity))
		if err != nil {
			return err
		}
		info = toInfo(acct)
		return nil
	})
	return info, err
}

// List returns a page of accounts ordered by identity. A non-positive limit
// returns everything after offset.
func (s *Service) List(ctx context.Context, offset, limit int) ([]account.Info, error) {
	var out []account.Info
	err := s.ledger.View(func(tx *ledger.Tx) error {
		accts := tx.Accounts()
		if offset < 0 {
			offset = 0
		}
		if offset >= len(accts) {
			return nil
		}
		accts = accts[offset:]
		if limit > 0 && limit < len(accts) {
			accts = accts[:limit]
		}
		out = make([]account.Info, 0, len(accts))
		for _, a := range accts {
			out = append(out, toInfo(a))
		}
		return nil
	})
	return out, err
}

// Deposit credits base asset bridged in from outside the ledger. The account
// is opened on first deposit.
func (s *Service) Deposit(ctx context.Context, identity string, amount uint64, reference string) (account.Info, error) {
	if amount == 0 {
		return account.Info{}, fmt.Errorf("deposit amount must be positive: %w", ledger.ErrInvalidAmount)
	}
	var info account.Info
	err := s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		acct, err := tx.OpenAccount(identity)
		if err != nil {
			return err
		}
		if acct.BaseBalance, err = ledger.Add(acct.BaseBalance, amount); err != nil {
			return err
		}
		tx.PutAccount(acct)
		tx.Record(activity.Entry{
			Identity:  acct.ID,
			Category:  activity.CategoryDeposit,
			Amount:    amount,
			Reference: strings.TrimSpace(reference),
		})
		info = toInfo(acct)
		return nil
	})
	if err != nil {
		return account.Info{}, err
	}
	s.log.WithField("identity", info.Identity).Infof("deposited %d base units", amount)
	return info, nil
}

// Spend consumes spendable credits on a registered stake target and reports
// the call to the usage feed.
func (s *Service) Spend(ctx context.Context, identity, target string, amount uint64) (account.Info, error) {
	if amount == 0 {
		return account.Info{}, fmt.Errorf("spend amount must be positive: %w", ledger.ErrInvalidAmount)
	}
	identity = strings.TrimSpace(identity)
	target = strings.TrimSpace(target)

	var info account.Info
	err := s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		if _, err := tx.MustTarget(target); err != nil {
			return err
		}
		acct, err := tx.MustAccount(identity)
		if err != nil {
			return err
		}
		if acct.SpendableCredits < amount {
			return fmt.Errorf("spend %d with %d spendable: %w", amount, acct.SpendableCredits, ledger.ErrInsufficientFunds)
		}
		acct.SpendableCredits -= amount
		tx.PutAccount(acct)
		tx.Record(activity.Entry{
			Identity:  identity,
			Category:  activity.CategorySpend,
			Amount:    amount,
			Reference: target,
		})
		info = toInfo(acct)
		return nil
	})
	if err != nil {
		return account.Info{}, err
	}

	if s.usage != nil {
		event := usage.Event{Identity: identity, Target: target, Cost: amount, Timestamp: s.ledger.Clock().Now()}
		if _, err := s.usage.RecordUsage(ctx, event); err != nil {
			s.log.WithError(err).
				WithField("identity", identity).
				WithField("target", target).
				Warn("record usage for spend failed")
		}
	}
	return info, nil
}

// Summary returns balances plus lifetime rewards and still-unvested grants.
func (s *Service) Summary(ctx context.Context, identity string) (account.Summary, error) {
	identity = strings.TrimSpace(identity)
	var sum account.Summary
	err := s.ledger.View(func(tx *ledger.Tx) error {
		acct, err := tx.MustAccount(identity)
		if err != nil {
			return err
		}
		sum.Info = toInfo(acct)
		for _, r := range tx.Receipts(func(r reward.Receipt) bool { return r.Identity == identity }) {
			if r.Final() {
				sum.RewardsEarned += r.Amount
			}
		}
		for _, g := range tx.GrantsByRecipient(identity) {
			if g.Status == grant.StatusCancelled {
				continue
			}
			sum.GrantsUnvested += g.Total - g.Vested(tx.Epoch())
		}
		return nil
	})
	return sum, err
}

func toInfo(a account.Account) account.Info {
	return account.Info{
		Identity:         a.ID,
		BaseBalance:      a.BaseBalance,
		SpendableCredits: a.SpendableCredits,
		StakedCredits:    a.StakedCredits,
		Kappa:            a.Kappa,
	}
}
