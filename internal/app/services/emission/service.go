// Package emission manages the reward emission policy. Changes are proposed
// and applied under governance approval and always replace the whole policy.
package emission

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"

	domain "github.com/R3E-Network/token_economy/internal/app/domain/emission"
	"github.com/R3E-Network/token_economy/internal/app/governance"
	"github.com/R3E-Network/token_economy/internal/app/kappa"
	"github.com/R3E-Network/token_economy/internal/app/ledger"
	"github.com/R3E-Network/token_economy/pkg/logger"
)

// Service exposes policy queries and governed updates.
type Service struct {
	ledger   *ledger.Ledger
	auth     governance.Authorizer
	schedule ScheduleConfig
	log      *logger.Logger
}

// New constructs an emission service.
func New(l *ledger.Ledger, auth governance.Authorizer, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("emission")
	}
	return &Service{ledger: l, auth: auth, schedule: DefaultSchedule(), log: log}
}

// WithSchedule replaces the generator parameters used by Schedule.
func (s *Service) WithSchedule(cfg ScheduleConfig) *Service {
	s.schedule = cfg
	return s
}

// Current returns the most recently applied policy.
func (s *Service) Current(ctx context.Context) domain.Policy {
	var p domain.Policy
	_ = s.ledger.View(func(tx *ledger.Tx) error {
		p = tx.Policy()
		return nil
	})
	return p
}

// PolicyAt returns the policy in force at epoch.
func (s *Service) PolicyAt(ctx context.Context, epoch uint64) domain.Policy {
	var p domain.Policy
	_ = s.ledger.View(func(tx *ledger.Tx) error {
		p = tx.PolicyAt(epoch)
		return nil
	})
	return p
}

// History returns applied policies, oldest first.
func (s *Service) History(ctx context.Context) []domain.Policy {
	var out []domain.Policy
	_ = s.ledger.View(func(tx *ledger.Tx) error {
		out = tx.Policies()
		return nil
	})
	return out
}

// Proposals returns all proposals in submission order.
func (s *Service) Proposals(ctx context.Context) []domain.Proposal {
	var out []domain.Proposal
	_ = s.ledger.View(func(tx *ledger.Tx) error {
		out = tx.Proposals()
		return nil
	})
	return out
}

// Audit returns the applied-update audit trail.
func (s *Service) Audit(ctx context.Context) []domain.AuditEntry {
	var out []domain.AuditEntry
	_ = s.ledger.View(func(tx *ledger.Tx) error {
		out = tx.Audit()
		return nil
	})
	return out
}

// ProposeUpdate records policy as a pending replacement.
func (s *Service) ProposeUpdate(ctx context.Context, approval string, policy domain.Policy) (domain.Proposal, error) {
	grant, err := s.auth.Authorize(approval, governance.RoleProposer, governance.ActionPropose, "")
	if err != nil {
		return domain.Proposal{}, err
	}
	policy, err = normalize(policy)
	if err != nil {
		return domain.Proposal{}, err
	}

	var proposal domain.Proposal
	err = s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		if err := checkEpoch(tx, policy.Epoch); err != nil {
			return err
		}
		proposal = domain.Proposal{
			ID:         uuid.NewString(),
			Policy:     policy,
			Status:     domain.ProposalPending,
			ProposedBy: grant.Subject,
			ProposedAt: tx.Now(),
		}
		tx.PutProposal(proposal)
		return nil
	})
	if err != nil {
		return domain.Proposal{}, err
	}
	s.log.WithField("proposal_id", proposal.ID).
		WithField("epoch", policy.Epoch).
		Info("emission policy proposed")
	return proposal, nil
}

// ProposeCap proposes the policy in force at epoch with its cap replaced.
func (s *Service) ProposeCap(ctx context.Context, approval string, epoch, newCap uint64) (domain.Proposal, error) {
	policy := s.PolicyAt(ctx, epoch)
	policy.Epoch = epoch
	policy.EpochCap = newCap
	return s.ProposeUpdate(ctx, approval, policy)
}

// ApplyUpdate makes a pending proposal the active policy and appends an audit
// entry holding the old and new policies.
func (s *Service) ApplyUpdate(ctx context.Context, approval, proposalID string) (domain.Policy, error) {
	grant, err := s.auth.Authorize(approval, governance.RoleApprover, governance.ActionApply, proposalID)
	if err != nil {
		return domain.Policy{}, err
	}

	var applied domain.Policy
	err = s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		proposal, err := pending(tx, proposalID)
		if err != nil {
			return err
		}
		if err := checkEpoch(tx, proposal.Policy.Epoch); err != nil {
			return err
		}
		old := tx.Policy()
		tx.ApplyPolicy(proposal.Policy)
		applied = tx.Policy()

		proposal.Status = domain.ProposalApplied
		proposal.DecidedBy = grant.Subject
		proposal.DecidedAt = tx.Now()
		tx.PutProposal(proposal)
		tx.AppendAudit(domain.AuditEntry{
			ProposalID: proposal.ID,
			Old:        old,
			New:        applied,
			ApprovedBy: grant.Subject,
			AppliedAt:  tx.Now(),
		})
		return nil
	})
	if err != nil {
		return domain.Policy{}, err
	}
	s.log.WithField("proposal_id", proposalID).
		WithField("approved_by", grant.Subject).
		Infof("emission policy applied from epoch %d", applied.Epoch)
	return applied, nil
}

// Reject closes a pending proposal without applying it.
func (s *Service) Reject(ctx context.Context, approval, proposalID string) (domain.Proposal, error) {
	grant, err := s.auth.Authorize(approval, governance.RoleApprover, governance.ActionReject, proposalID)
	if err != nil {
		return domain.Proposal{}, err
	}
	var proposal domain.Proposal
	err = s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		var err error
		if proposal, err = pending(tx, proposalID); err != nil {
			return err
		}
		proposal.Status = domain.ProposalRejected
		proposal.DecidedBy = grant.Subject
		proposal.DecidedAt = tx.Now()
		tx.PutProposal(proposal)
		return nil
	})
	return proposal, err
}

// Schedule generates the decaying emission schedule for the configured
// parameters.
func (s *Service) Schedule() []domain.Quarter {
	return DecaySchedule(s.schedule)
}

func pending(tx *ledger.Tx, id string) (domain.Proposal, error) {
	p, ok := tx.Proposal(id)
	if !ok {
		return domain.Proposal{}, fmt.Errorf("proposal %q: %w", id, ledger.ErrUnknownProposal)
	}
	if p.Status != domain.ProposalPending {
		return domain.Proposal{}, fmt.Errorf("proposal %q is %s: %w", id, p.Status, ledger.ErrAlreadyApplied)
	}
	return p, nil
}

// checkEpoch rejects updates that would rewrite the past: the epoch may not
// precede the current epoch or the latest applied update.
func checkEpoch(tx *ledger.Tx, epoch uint64) error {
	if epoch < tx.Epoch() {
		return fmt.Errorf("epoch %d precedes current epoch %d: %w", epoch, tx.Epoch(), ledger.ErrInvalidEpoch)
	}
	if latest := tx.Policy(); epoch < latest.Epoch {
		return fmt.Errorf("epoch %d precedes applied update at %d: %w", epoch, latest.Epoch, ledger.ErrInvalidEpoch)
	}
	return nil
}

func normalize(p domain.Policy) (domain.Policy, error) {
	p = p.Clone()
	switch p.RewardAsset {
	case "":
		p.RewardAsset = domain.RewardCredits
	case domain.RewardCredits, domain.RewardBase:
	default:
		return domain.Policy{}, fmt.Errorf("unknown reward asset %q: %w", p.RewardAsset, ledger.ErrInvalidAmount)
	}
	switch p.CapScope {
	case "":
		p.CapScope = domain.CapGlobal
	case domain.CapGlobal, domain.CapPerTarget:
	default:
		return domain.Policy{}, fmt.Errorf("unknown cap scope %q: %w", p.CapScope, ledger.ErrInvalidAmount)
	}
	if len(p.KappaTiers) > 0 {
		table, err := kappa.NewTable(p.KappaTiers)
		if err != nil {
			return domain.Policy{}, fmt.Errorf("%v: %w", err, ledger.ErrInvalidAmount)
		}
		p.KappaTiers = table
	}
	for tier, m := range p.SubscriptionMultipliers {
		if !tier.Valid() || math.IsNaN(m) || m <= 0 {
			return domain.Policy{}, fmt.Errorf("invalid multiplier for tier %q: %w", tier, ledger.ErrInvalidAmount)
		}
	}
	return p, nil
}
