package emission

import (
	"math/bits"

	domain "github.com/R3E-Network/token_economy/internal/app/domain/emission"
)

// ScheduleConfig parameterises DecaySchedule. Rates are in per-mille.
type ScheduleConfig struct {
	BaseReward     uint64 `json:"base_reward" yaml:"base_reward"`
	EstimatedCalls uint64 `json:"estimated_calls" yaml:"estimated_calls"`
	DecayPermille  uint64 `json:"decay_permille" yaml:"decay_permille"`
	GrowthPermille uint64 `json:"growth_permille" yaml:"growth_permille"`
	Periods        int    `json:"periods" yaml:"periods"`
}

// DefaultSchedule decays the per-call reward by 4.5% and grows expected usage
// by 20% each period, over 40 periods.
func DefaultSchedule() ScheduleConfig {
	return ScheduleConfig{
		BaseReward:     300_000,
		EstimatedCalls: 1_000,
		DecayPermille:  45,
		GrowthPermille: 200,
		Periods:        40,
	}
}

// DecaySchedule lists per-period emission targets. Emission saturates at the
// uint64 maximum instead of wrapping.
func DecaySchedule(cfg ScheduleConfig) []domain.Quarter {
	if cfg.Periods <= 0 || cfg.DecayPermille > 1000 {
		return nil
	}
	out := make([]domain.Quarter, 0, cfg.Periods)
	reward, calls := cfg.BaseReward, cfg.EstimatedCalls
	for i := 0; i < cfg.Periods; i++ {
		out = append(out, domain.Quarter{
			Epoch:          uint64(i),
			BaseReward:     reward,
			EstimatedCalls: calls,
			Emission:       saturatingMul(reward, calls),
		})
		reward = reward * (1000 - cfg.DecayPermille) / 1000
		calls = saturatingMul(calls, 1000+cfg.GrowthPermille) / 1000
	}
	return out
}

func saturatingMul(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return ^uint64(0)
	}
	return lo
}
