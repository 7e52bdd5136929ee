package account

import "time"

// Account holds the balances of a single identity. Balances are integer units
// and never negative.
type Account struct {
	ID               string    `json:"id"`
	BaseBalance      uint64    `json:"base_balance"`
	SpendableCredits uint64    `json:"spendable_credits"`
	StakedCredits    uint64    `json:"staked_credits"`
	Kappa            float64   `json:"kappa"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Info is the read model returned to callers of the account query.
type Info struct {
	Identity         string  `json:"identity"`
	BaseBalance      uint64  `json:"base_balance"`
	SpendableCredits uint64  `json:"spendable_credits"`
	StakedCredits    uint64  `json:"staked_credits"`
	Kappa            float64 `json:"kappa"`
}

// Summary extends Info with reward and grant totals.
type Summary struct {
	Info
	RewardsEarned  uint64 `json:"rewards_earned"`
	GrantsUnvested uint64 `json:"grants_unvested"`
}
