package epoch

import (
	"testing"
	"time"
)

func TestClockAt(t *testing.T) {
	genesis := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewClock(genesis, time.Hour)

	cases := []struct {
		at   time.Time
		want uint64
	}{
		{genesis.Add(-time.Minute), 0},
		{genesis, 0},
		{genesis.Add(59 * time.Minute), 0},
		{genesis.Add(time.Hour), 1},
		{genesis.Add(25*time.Hour + time.Second), 25},
	}
	for _, tc := range cases {
		if got := clock.At(tc.at); got != tc.want {
			t.Fatalf("At(%s) = %d, want %d", tc.at, got, tc.want)
		}
	}
	if got := clock.Start(3); !got.Equal(genesis.Add(3 * time.Hour)) {
		t.Fatalf("unexpected start %s", got)
	}
}

func TestClockCurrentUsesNow(t *testing.T) {
	genesis := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewClock(genesis, 0).WithNow(func() time.Time { return genesis.Add(49 * time.Hour) })
	if got := clock.Current(); got != 2 {
		t.Fatalf("expected epoch 2 with default length, got %d", got)
	}
}

func TestManual(t *testing.T) {
	m := NewManual(4)
	before := m.Now()
	m.Set(7)
	if m.Current() != 7 || m.At(time.Time{}) != 7 {
		t.Fatalf("expected epoch 7, got %d", m.Current())
	}
	if !m.Now().After(before) {
		t.Fatalf("expected time to move forward")
	}
}

func TestClockReanchor(t *testing.T) {
	genesis := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := genesis.Add(6*24*time.Hour + time.Hour)
	clock := NewClock(now, 0).WithNow(func() time.Time { return now })
	if clock.Current() != 0 {
		t.Fatalf("expected epoch 0 on a fresh grid, got %d", clock.Current())
	}

	if err := clock.Reanchor(Anchor{Genesis: genesis, Length: DefaultLength}); err != nil {
		t.Fatalf("reanchor: %v", err)
	}
	if clock.Current() != 6 {
		t.Fatalf("expected epoch 6 after reanchor, got %d", clock.Current())
	}
	if !clock.Anchor().Equal(Anchor{Genesis: genesis, Length: DefaultLength}) {
		t.Fatalf("unexpected anchor %+v", clock.Anchor())
	}
	if err := clock.Reanchor(Anchor{Genesis: genesis}); err == nil {
		t.Fatalf("expected zero length to be rejected")
	}
}
