package subscription

// Tier is a subscription plan held by an identity.
type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierBasic, TierPremium, TierEnterprise:
		return true
	}
	return false
}

// DefaultMultipliers are the reward multipliers applied per tier when a policy
// does not override them.
func DefaultMultipliers() map[Tier]float64 {
	return map[Tier]float64{
		TierFree:       1.0,
		TierBasic:      1.5,
		TierPremium:    2.0,
		TierEnterprise: 3.0,
	}
}
