package staking

import "time"

// PositionStatus tracks whether a stake position still holds credits.
type PositionStatus string

const (
	PositionActive PositionStatus = "active"
	PositionClosed PositionStatus = "closed"
)

// Position is one identity's stake on one target.
type Position struct {
	Identity              string         `json:"identity"`
	Target                string         `json:"target"`
	Amount                uint64         `json:"amount"`
	OpenedAt              time.Time      `json:"opened_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
	LastDistributionEpoch uint64         `json:"last_distribution_epoch"`
	Status                PositionStatus `json:"status"`
}

// Active reports whether the position currently holds stake.
func (p Position) Active() bool {
	return p.Status == PositionActive && p.Amount > 0
}

// Target is a registered service entity that accepts stake.
type Target struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner,omitempty"`
	TotalStaked  uint64    `json:"total_staked"`
	Stakers      int       `json:"stakers"`
	RegisteredAt time.Time `json:"registered_at"`
	// UsageCursor is the cutoff of the last distribution round that consumed
	// this target's usage events.
	UsageCursor time.Time `json:"usage_cursor"`
}

// Key identifies a position.
type Key struct {
	Identity string
	Target   string
}
