// Package kappa maps a stake ratio onto the staking yield multiplier.
package kappa

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrInvalidRatio is returned for negative or NaN ratios.
var ErrInvalidRatio = errors.New("invalid stake ratio")

// Tier is one step of the curve: ratios at or above MinRatio, and below the
// next tier's MinRatio, earn Multiplier.
type Tier struct {
	MinRatio   float64 `json:"min_ratio" yaml:"min_ratio"`
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
}

// Table is a piecewise-constant curve sorted by MinRatio.
type Table []Tier

var defaultTable = Table{
	{MinRatio: 0, Multiplier: 1.00},
	{MinRatio: 0.01, Multiplier: 1.10},
	{MinRatio: 0.05, Multiplier: 1.30},
	{MinRatio: 0.10, Multiplier: 1.50},
	{MinRatio: 0.25, Multiplier: 1.70},
	{MinRatio: 0.50, Multiplier: 1.85},
	{MinRatio: 0.75, Multiplier: 2.00},
}

// Tiers returns a copy of the default curve.
func Tiers() Table {
	return append(Table(nil), defaultTable...)
}

// Kappa evaluates the default curve.
func Kappa(ratio float64) (float64, error) {
	return defaultTable.Kappa(ratio)
}

// NewTable validates tiers and returns them sorted. The first tier must start
// at zero and multipliers must not decrease.
func NewTable(tiers []Tier) (Table, error) {
	if len(tiers) == 0 {
		return nil, errors.New("kappa table is empty")
	}
	t := append(Table(nil), tiers...)
	sort.Slice(t, func(i, j int) bool { return t[i].MinRatio < t[j].MinRatio })
	if t[0].MinRatio != 0 {
		return nil, fmt.Errorf("kappa table must start at ratio 0, got %v", t[0].MinRatio)
	}
	for i, tier := range t {
		if math.IsNaN(tier.Multiplier) || tier.Multiplier <= 0 {
			return nil, fmt.Errorf("tier %d: multiplier must be positive", i)
		}
		if i > 0 {
			if tier.MinRatio == t[i-1].MinRatio {
				return nil, fmt.Errorf("tier %d: duplicate ratio %v", i, tier.MinRatio)
			}
			if tier.Multiplier < t[i-1].Multiplier {
				return nil, fmt.Errorf("tier %d: multiplier decreases", i)
			}
		}
	}
	return t, nil
}

// Kappa returns the multiplier of the last tier whose MinRatio <= ratio.
func (t Table) Kappa(ratio float64) (float64, error) {
	if math.IsNaN(ratio) || ratio < 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRatio, ratio)
	}
	if len(t) == 0 {
		return 1, nil
	}
	// first tier strictly above ratio
	i := sort.Search(len(t), func(i int) bool { return t[i].MinRatio > ratio })
	if i == 0 {
		return 1, nil
	}
	return t[i-1].Multiplier, nil
}
