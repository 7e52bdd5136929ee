package grant

import (
	"math/bits"
	"time"
)

// Kind distinguishes how a grant was issued.
type Kind string

const (
	KindGeneral        Kind = "general"
	KindNewUser        Kind = "new_user"
	KindNewStakeTarget Kind = "new_stake_target"
)

// Status tracks a grant's lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Grant is a time-locked allocation released linearly after a cliff.
type Grant struct {
	ID            string    `json:"id"`
	Recipient     string    `json:"recipient"`
	Kind          Kind      `json:"kind"`
	Total         uint64    `json:"total"`
	CliffEpoch    uint64    `json:"cliff_epoch"`
	VestingEpochs uint64    `json:"vesting_epochs"`
	Claimed       uint64    `json:"claimed"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Terminal reports whether the grant accepts no further claims.
func (g Grant) Terminal() bool {
	return g.Status == StatusCompleted || g.Status == StatusCancelled
}

// Vested returns the amount vested at epoch.
func (g Grant) Vested(epoch uint64) uint64 {
	if epoch < g.CliffEpoch {
		return 0
	}
	elapsed := epoch - g.CliffEpoch
	if g.VestingEpochs == 0 || elapsed >= g.VestingEpochs {
		return g.Total
	}
	return mulDiv(g.Total, elapsed, g.VestingEpochs)
}

// Claimable returns the amount that may be claimed at epoch.
func (g Grant) Claimable(epoch uint64) uint64 {
	if g.Terminal() {
		return 0
	}
	vested := g.Vested(epoch)
	if vested <= g.Claimed {
		return 0
	}
	return vested - g.Claimed
}

// Policy configures an automatically issued grant.
type Policy struct {
	Amount        uint64 `json:"amount" yaml:"amount"`
	CliffEpochs   uint64 `json:"cliff_epochs" yaml:"cliff_epochs"`
	VestingEpochs uint64 `json:"vesting_epochs" yaml:"vesting_epochs"`
}

// Enabled reports whether the policy issues anything.
func (p Policy) Enabled() bool {
	return p.Amount > 0
}

// mulDiv computes floor(a*b/c) without intermediate overflow. c must be
// larger than b.
func mulDiv(a, b, c uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	q, _ := bits.Div64(hi, lo, c)
	return q
}
