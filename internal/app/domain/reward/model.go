package reward

import "time"

// Status is the stored state of a receipt.
type Status string

const (
	StatusApplied Status = "applied"
	StatusCapped  Status = "capped"
	StatusFailed  Status = "failed"
)

// Outcome describes what a round invocation did with one pair.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeCapped         Outcome = "capped"
	OutcomeAlreadyApplied Outcome = "skipped-already-applied"
	OutcomeFailed         Outcome = "failed"
)

// Receipt is the write-once record of one reward credit.
type Receipt struct {
	RunID          string    `json:"run_id"`
	Identity       string    `json:"identity"`
	Target         string    `json:"target"`
	Epoch          uint64    `json:"epoch"`
	Amount         uint64    `json:"amount"`
	Requested      uint64    `json:"requested"`
	Sequence       uint64    `json:"sequence"`
	StakeAmount    uint64    `json:"stake_amount"`
	TargetTotal    uint64    `json:"target_total"`
	StakeRatio     float64   `json:"stake_ratio"`
	Kappa          float64   `json:"kappa"`
	TierMultiplier float64   `json:"tier_multiplier"`
	Status         Status    `json:"status"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Final reports whether the receipt can no longer change.
func (r Receipt) Final() bool {
	return r.Status == StatusApplied || r.Status == StatusCapped
}

// Key identifies a receipt.
type Key struct {
	RunID    string
	Identity string
	Target   string
}

// Key returns the idempotency key of r.
func (r Receipt) Key() Key {
	return Key{RunID: r.RunID, Identity: r.Identity, Target: r.Target}
}

// RunStatus tracks a distribution round.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunStopped   RunStatus = "stopped"
)

// TargetStatus tracks one planned target inside a round.
type TargetStatus string

const (
	TargetPending  TargetStatus = "pending"
	TargetDone     TargetStatus = "done"
	TargetDeferred TargetStatus = "deferred"
)

// RunTarget is the frozen plan for one target in a round.
type RunTarget struct {
	Target     string       `json:"target"`
	UsageCount int          `json:"usage_count"`
	UsageCost  uint64       `json:"usage_cost"`
	BaseReward uint64       `json:"base_reward"`
	Status     TargetStatus `json:"status"`
}

// Run is the persisted plan of a distribution round. Re-invoking a round with
// the same ID reuses the plan.
type Run struct {
	ID        string      `json:"id"`
	Epoch     uint64      `json:"epoch"`
	Cutoff    time.Time   `json:"cutoff"`
	Status    RunStatus   `json:"status"`
	Targets   []RunTarget `json:"targets"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// PairResult is the per-pair outcome of one round invocation.
type PairResult struct {
	Receipt Receipt `json:"receipt"`
	Outcome Outcome `json:"outcome"`
}

// Result aggregates a round invocation.
type Result struct {
	RunID    string       `json:"run_id"`
	Epoch    uint64       `json:"epoch"`
	Pairs    []PairResult `json:"pairs"`
	Deferred []string     `json:"deferred,omitempty"`
	Resumed  []string     `json:"resumed,omitempty"`
	Credited uint64       `json:"credited"`
	Failed   int          `json:"failed"`
	Stopped  bool         `json:"stopped"`
}

// Receipts returns the receipts in pair order.
func (r Result) Receipts() []Receipt {
	out := make([]Receipt, 0, len(r.Pairs))
	for _, p := range r.Pairs {
		out = append(out, p.Receipt)
	}
	return out
}
