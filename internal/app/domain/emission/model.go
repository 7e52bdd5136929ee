package emission

import (
	"time"

	"github.com/R3E-Network/token_economy/internal/app/domain/subscription"
	"github.com/R3E-Network/token_economy/internal/app/kappa"
)

// RewardAsset selects which balance receives distributed rewards.
type RewardAsset string

const (
	RewardCredits RewardAsset = "credits"
	RewardBase    RewardAsset = "base"
)

// CapScope selects how the per-epoch cap is shared.
type CapScope string

const (
	// CapGlobal shares one cap across all targets in an epoch.
	CapGlobal CapScope = "global"
	// CapPerTarget applies the full cap to each target independently.
	CapPerTarget CapScope = "target"
)

// Policy is the complete emission configuration in force from Epoch onward.
// Updates always replace the whole record.
type Policy struct {
	Epoch                   uint64                        `json:"epoch"`
	EpochCap                uint64                        `json:"epoch_cap"`
	BaseRate                uint64                        `json:"base_rate"`
	KappaTiers              []kappa.Tier                  `json:"kappa_tiers,omitempty"`
	SubscriptionMultipliers map[subscription.Tier]float64 `json:"subscription_multipliers"`
	RewardAsset             RewardAsset                   `json:"reward_asset"`
	CapScope                CapScope                      `json:"cap_scope"`
	UpdatedAt               time.Time                     `json:"updated_at"`
}

// Clone returns a deep copy of p.
func (p Policy) Clone() Policy {
	out := p
	if p.KappaTiers != nil {
		out.KappaTiers = append([]kappa.Tier(nil), p.KappaTiers...)
	}
	if p.SubscriptionMultipliers != nil {
		out.SubscriptionMultipliers = make(map[subscription.Tier]float64, len(p.SubscriptionMultipliers))
		for k, v := range p.SubscriptionMultipliers {
			out.SubscriptionMultipliers[k] = v
		}
	}
	return out
}

// TierMultiplier returns the multiplier for tier, or 1 when none applies.
func (p Policy) TierMultiplier(tier subscription.Tier, ok bool) float64 {
	if !ok {
		return 1
	}
	if m, found := p.SubscriptionMultipliers[tier]; found && m > 0 {
		return m
	}
	return 1
}

// KappaTable returns the policy's curve, or the default curve when the
// policy carries no valid override.
func (p Policy) KappaTable() kappa.Table {
	if len(p.KappaTiers) == 0 {
		return kappa.Tiers()
	}
	t, err := kappa.NewTable(p.KappaTiers)
	if err != nil {
		return kappa.Tiers()
	}
	return t
}

// ProposalStatus tracks a governance proposal.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApplied  ProposalStatus = "applied"
	ProposalRejected ProposalStatus = "rejected"
)

// Proposal is a pending replacement of the emission policy.
type Proposal struct {
	ID         string         `json:"id"`
	Policy     Policy         `json:"policy"`
	Status     ProposalStatus `json:"status"`
	ProposedBy string         `json:"proposed_by"`
	ProposedAt time.Time      `json:"proposed_at"`
	DecidedBy  string         `json:"decided_by,omitempty"`
	DecidedAt  time.Time      `json:"decided_at,omitempty"`
}

// AuditEntry records an applied policy replacement.
type AuditEntry struct {
	ProposalID string    `json:"proposal_id"`
	Old        Policy    `json:"old"`
	New        Policy    `json:"new"`
	ApprovedBy string    `json:"approved_by"`
	AppliedAt  time.Time `json:"applied_at"`
}

// Quarter is one step of a generated emission schedule.
type Quarter struct {
	Epoch          uint64 `json:"epoch"`
	BaseReward     uint64 `json:"base_reward"`
	EstimatedCalls uint64 `json:"estimated_calls"`
	Emission       uint64 `json:"emission"`
}

// Default returns the genesis policy used when no configuration is supplied.
func Default() Policy {
	return Policy{
		Epoch:                   0,
		EpochCap:                10_000_000,
		BaseRate:                1_000,
		SubscriptionMultipliers: subscription.DefaultMultipliers(),
		RewardAsset:             RewardCredits,
		CapScope:                CapGlobal,
	}
}

// RateChange is one entry of the append-only exchange rate history.
type RateChange struct {
	Rate       uint64    `json:"rate"`
	Epoch      uint64    `json:"epoch"`
	ApprovedBy string    `json:"approved_by,omitempty"`
	ChangedAt  time.Time `json:"changed_at"`
}
