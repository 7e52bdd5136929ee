// Package grants issues time-locked credit allocations and releases them as
// they vest.
package grants

import (
	"context"
	"fmt"
	"strings"

	"github.com/R3E-Network/token_economy/internal/app/domain/activity"
	"github.com/R3E-Network/token_economy/internal/app/domain/grant"
	"github.com/R3E-Network/token_economy/internal/app/ledger"
	"github.com/R3E-Network/token_economy/pkg/logger"
)

// Service manages grants.
type Service struct {
	ledger *ledger.Ledger
	log    *logger.Logger
}

// New constructs a grant service.
func New(l *ledger.Ledger, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("grants")
	}
	return &Service{ledger: l, log: log}
}

// Create issues a general grant.
func (s *Service) Create(ctx context.Context, recipient string, total, cliffEpoch, vestingEpochs uint64) (grant.Grant, error) {
	return s.CreateKind(ctx, recipient, grant.KindGeneral, total, cliffEpoch, vestingEpochs)
}

// CreateKind issues a grant of the given kind.
func (s *Service) CreateKind(ctx context.Context, recipient string, kind grant.Kind, total, cliffEpoch, vestingEpochs uint64) (grant.Grant, error) {
	if strings.TrimSpace(recipient) == "" {
		return grant.Grant{}, fmt.Errorf("recipient is required: %w", ledger.ErrInvalidAmount)
	}
	var g grant.Grant
	err := s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		var err error
		g, err = tx.IssueGrant(recipient, kind, total, cliffEpoch, vestingEpochs)
		return err
	})
	if err != nil {
		return grant.Grant{}, err
	}
	s.log.WithField("grant_id", g.ID).
		WithField("recipient", g.Recipient).
		Infof("grant of %d issued", total)
	return g, nil
}

// Claim releases everything vested across the recipient's grants at the
// current epoch and returns the amount credited.
func (s *Service) Claim(ctx context.Context, recipient string) (uint64, error) {
	recipient = strings.TrimSpace(recipient)
	var claimed uint64
	err := s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		grants := tx.GrantsByRecipient(recipient)
		if len(grants) == 0 {
			return fmt.Errorf("no grants for %q: %w", recipient, ledger.ErrUnknownGrant)
		}
		for _, g := range grants {
			amount, err := release(tx, g)
			if err != nil {
				return err
			}
			if claimed, err = ledger.Add(claimed, amount); err != nil {
				return err
			}
		}
		if claimed == 0 {
			return fmt.Errorf("recipient %q at epoch %d: %w", recipient, tx.Epoch(), ledger.ErrNothingVested)
		}
		tx.Record(activity.Entry{
			Identity: recipient,
			Category: activity.CategoryClaim,
			Amount:   claimed,
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return claimed, nil
}

// ClaimGrant releases what has vested on a single grant.
func (s *Service) ClaimGrant(ctx context.Context, id string) (grant.Grant, uint64, error) {
	var (
		g       grant.Grant
		claimed uint64
	)
	err := s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		var ok bool
		g, ok = tx.Grant(strings.TrimSpace(id))
		if !ok {
			return fmt.Errorf("grant %q: %w", id, ledger.ErrUnknownGrant)
		}
		var err error
		if claimed, err = release(tx, g); err != nil {
			return err
		}
		if claimed == 0 {
			return fmt.Errorf("grant %q at epoch %d: %w", id, tx.Epoch(), ledger.ErrNothingVested)
		}
		g, _ = tx.Grant(g.ID)
		tx.Record(activity.Entry{
			Identity:  g.Recipient,
			Category:  activity.CategoryClaim,
			Amount:    claimed,
			Reference: g.ID,
		})
		return nil
	})
	if err != nil {
		return grant.Grant{}, 0, err
	}
	return g, claimed, nil
}

// release credits the claimable part of g and updates its state. It returns
// zero without error when nothing is claimable.
func release(tx *ledger.Tx, g grant.Grant) (uint64, error) {
	amount := g.Claimable(tx.Epoch())
	if amount == 0 {
		return 0, nil
	}
	acct, err := tx.OpenAccount(g.Recipient)
	if err != nil {
		return 0, err
	}
	if acct.SpendableCredits, err = ledger.Add(acct.SpendableCredits, amount); err != nil {
		return 0, err
	}
	tx.PutAccount(acct)

	g.Claimed += amount
	g.Status = grant.StatusActive
	if g.Claimed == g.Total {
		g.Status = grant.StatusCompleted
	}
	tx.PutGrant(g)
	tx.Record(activity.Entry{
		Identity:  g.Recipient,
		Category:  activity.CategoryVest,
		Amount:    amount,
		Reference: g.ID,
	})
	return amount, nil
}

// Cancel stops a grant. Credits already claimed stay with the recipient.
func (s *Service) Cancel(ctx context.Context, id string) (grant.Grant, error) {
	var g grant.Grant
	err := s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		var ok bool
		g, ok = tx.Grant(strings.TrimSpace(id))
		if !ok {
			return fmt.Errorf("grant %q: %w", id, ledger.ErrUnknownGrant)
		}
		if g.Terminal() {
			return fmt.Errorf("grant %q is %s: %w", id, g.Status, ledger.ErrAlreadyApplied)
		}
		g.Status = grant.StatusCancelled
		tx.PutGrant(g)
		return nil
	})
	if err != nil {
		return grant.Grant{}, err
	}
	s.log.WithField("grant_id", g.ID).Info("grant cancelled")
	return g, nil
}

// Get returns one grant.
func (s *Service) Get(ctx context.Context, id string) (grant.Grant, error) {
	var g grant.Grant
	err := s.ledger.View(func(tx *ledger.Tx) error {
		var ok bool
		if g, ok = tx.Grant(strings.TrimSpace(id)); !ok {
			return fmt.Errorf("grant %q: %w", id, ledger.ErrUnknownGrant)
		}
		return nil
	})
	return g, err
}

// ListByRecipient returns the recipient's grants in issue order.
func (s *Service) ListByRecipient(ctx context.Context, recipient string) []grant.Grant {
	var out []grant.Grant
	_ = s.ledger.View(func(tx *ledger.Tx) error {
		out = tx.GrantsByRecipient(strings.TrimSpace(recipient))
		return nil
	})
	return out
}
