// Package epoch maps wall-clock time onto the ledger's discrete epochs.
package epoch

import (
	"fmt"
	"sync"
	"time"
)

// Source reports the current time and the epoch it falls into.
type Source interface {
	Now() time.Time
	At(t time.Time) uint64
	Current() uint64
}

// Anchor fixes the epoch grid: Genesis is the first instant of epoch 0 and
// every epoch lasts Length.
type Anchor struct {
	Genesis time.Time     `json:"genesis"`
	Length  time.Duration `json:"length"`
}

func (a Anchor) IsZero() bool { return a.Genesis.IsZero() && a.Length == 0 }

func (a Anchor) Equal(b Anchor) bool { return a.Genesis.Equal(b.Genesis) && a.Length == b.Length }

// Anchored is a Source whose grid can be read and moved, so that persisted
// epoch numbers keep their meaning across restarts.
type Anchored interface {
	Source
	Anchor() Anchor
	Reanchor(a Anchor) error
}

// Clock derives epochs from a genesis instant and a fixed epoch length.
type Clock struct {
	mu      sync.RWMutex
	genesis time.Time
	length  time.Duration
	now     func() time.Time
}

// DefaultLength is one day.
const DefaultLength = 24 * time.Hour

var _ Anchored = (*Clock)(nil)

// NewClock returns a clock anchored at genesis. A non-positive length falls
// back to DefaultLength.
func NewClock(genesis time.Time, length time.Duration) *Clock {
	if length <= 0 {
		length = DefaultLength
	}
	return &Clock{genesis: genesis.UTC(), length: length, now: time.Now}
}

// WithNow replaces the time function, mainly for tests.
func (c *Clock) WithNow(now func() time.Time) *Clock {
	if now != nil {
		c.now = now
	}
	return c
}

func (c *Clock) Now() time.Time { return c.now().UTC() }

// At returns the epoch containing t. Instants before genesis map to epoch 0.
func (c *Clock) At(t time.Time) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !t.After(c.genesis) {
		return 0
	}
	return uint64(t.Sub(c.genesis) / c.length)
}

func (c *Clock) Current() uint64 { return c.At(c.Now()) }

// Start returns the first instant of epoch e.
func (c *Clock) Start(e uint64) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.genesis.Add(time.Duration(e) * c.length)
}

func (c *Clock) Anchor() Anchor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Anchor{Genesis: c.genesis, Length: c.length}
}

// Reanchor moves the clock onto a's grid.
func (c *Clock) Reanchor(a Anchor) error {
	if a.Genesis.IsZero() || a.Length <= 0 {
		return fmt.Errorf("invalid epoch anchor %s/%s", a.Genesis, a.Length)
	}
	c.mu.Lock()
	c.genesis, c.length = a.Genesis.UTC(), a.Length
	c.mu.Unlock()
	return nil
}

// Manual is a Source whose epoch is set explicitly. Time advances only when
// Advance or Set is called.
type Manual struct {
	mu    sync.RWMutex
	epoch uint64
	now   time.Time
}

// NewManual returns a manual source at epoch e.
func NewManual(e uint64) *Manual {
	return &Manual{epoch: e, now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (m *Manual) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

func (m *Manual) At(time.Time) uint64 { return m.Current() }

func (m *Manual) Current() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch
}

// Set moves the source to epoch e.
func (m *Manual) Set(e uint64) {
	m.mu.Lock()
	m.epoch = e
	m.now = m.now.Add(time.Second)
	m.mu.Unlock()
}

// Advance moves wall time forward by d without changing the epoch.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
