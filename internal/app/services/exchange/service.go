// Package exchange converts the base asset into spendable credits at a
// governance-controlled rate.
package exchange

import (
	"context"
	"fmt"
	"math/bits"
	"strings"

	"github.com/R3E-Network/token_economy/internal/app/domain/activity"
	"github.com/R3E-Network/token_economy/internal/app/domain/emission"
	"github.com/R3E-Network/token_economy/internal/app/governance"
	"github.com/R3E-Network/token_economy/internal/app/ledger"
	"github.com/R3E-Network/token_economy/pkg/logger"
)

// Service performs conversions and rate updates.
type Service struct {
	ledger *ledger.Ledger
	auth   governance.Authorizer
	log    *logger.Logger
}

// New constructs an exchange service.
func New(l *ledger.Ledger, auth governance.Authorizer, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("exchange")
	}
	return &Service{ledger: l, auth: auth, log: log}
}

// Quote returns floor(base * rate / RateScale).
func Quote(base, rate uint64) (uint64, error) {
	hi, lo := bits.Mul64(base, rate)
	if hi >= ledger.RateScale {
		return 0, ledger.ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, ledger.RateScale)
	return q, nil
}

// Convert moves baseAmount out of the identity's base balance and mints the
// corresponding credits. The account is opened if needed.
func (s *Service) Convert(ctx context.Context, identity string, baseAmount uint64) (uint64, error) {
	if baseAmount == 0 {
		return 0, fmt.Errorf("convert amount must be positive: %w", ledger.ErrInvalidAmount)
	}
	identity = strings.TrimSpace(identity)

	var minted uint64
	err := s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		credits, err := Quote(baseAmount, tx.Rate())
		if err != nil {
			return err
		}
		if credits == 0 {
			return fmt.Errorf("%d base units convert to zero credits: %w", baseAmount, ledger.ErrInvalidAmount)
		}
		acct, err := tx.OpenAccount(identity)
		if err != nil {
			return err
		}
		if acct.BaseBalance < baseAmount {
			return fmt.Errorf("convert %d with base balance %d: %w", baseAmount, acct.BaseBalance, ledger.ErrInsufficientFunds)
		}
		spendable, err := ledger.Add(acct.SpendableCredits, credits)
		if err != nil {
			return err
		}
		acct.BaseBalance -= baseAmount
		acct.SpendableCredits = spendable
		tx.PutAccount(acct)
		tx.Record(activity.Entry{
			Identity:  identity,
			Category:  activity.CategoryConvert,
			Amount:    credits,
			Reference: fmt.Sprintf("base:%d", baseAmount),
		})
		minted = credits
		return nil
	})
	if err != nil {
		return 0, err
	}
	return minted, nil
}

// Rate returns the current rate in RateScale units.
func (s *Service) Rate(ctx context.Context) uint64 {
	var rate uint64
	_ = s.ledger.View(func(tx *ledger.Tx) error {
		rate = tx.Rate()
		return nil
	})
	return rate
}

// History returns every rate change, oldest first.
func (s *Service) History(ctx context.Context) []emission.RateChange {
	var out []emission.RateChange
	_ = s.ledger.View(func(tx *ledger.Tx) error {
		out = tx.RateHistory()
		return nil
	})
	return out
}

// UpdateRate replaces the rate for all later conversions. approval must be an
// approver token for the rate action.
func (s *Service) UpdateRate(ctx context.Context, approval string, rate uint64) error {
	grant, err := s.auth.Authorize(approval, governance.RoleApprover, governance.ActionUpdateRate, "")
	if err != nil {
		return err
	}
	if rate == 0 {
		return fmt.Errorf("rate must be positive: %w", ledger.ErrInvalidAmount)
	}
	if err := s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		tx.SetRate(rate, grant.Subject)
		return nil
	}); err != nil {
		return err
	}
	s.log.WithField("approved_by", grant.Subject).Infof("exchange rate set to %d", rate)
	return nil
}
