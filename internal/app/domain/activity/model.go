package activity

import "time"

// Category classifies an activity entry.
type Category string

const (
	CategoryDeposit Category = "deposit"
	CategoryConvert Category = "convert"
	CategoryStake   Category = "stake"
	CategoryUnstake Category = "unstake"
	CategorySpend   Category = "spend"
	CategoryReward  Category = "reward"
	CategoryGrant   Category = "grant"
	CategoryVest    Category = "vest"
	CategoryClaim   Category = "claim"
)

// Status is the resulting status recorded with an entry.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusCapped    Status = "capped"
	StatusFailed    Status = "failed"
)

// Entry is an append-only record of a ledger action.
type Entry struct {
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Identity  string    `json:"identity"`
	Category  Category  `json:"category"`
	Amount    uint64    `json:"amount"`
	Status    Status    `json:"status"`
	Reference string    `json:"reference,omitempty"`
}

// Filter narrows an activity query. Zero values match everything.
type Filter struct {
	Category Category
	From     time.Time
	To       time.Time
	Offset   int
	Limit    int
}

// Match reports whether e passes the category and time constraints of f.
func (f Filter) Match(e Entry) bool {
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Stats aggregates an identity's activity.
type Stats struct {
	Count          uint64 `json:"count"`
	TotalAmount    uint64 `json:"total_amount"`
	CompletedCount uint64 `json:"completed_count"`
}
