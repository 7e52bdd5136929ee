package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/token_economy/internal/app/domain/activity"
	"github.com/R3E-Network/token_economy/internal/app/domain/reward"
	"github.com/R3E-Network/token_economy/internal/app/domain/subscription"
	"github.com/R3E-Network/token_economy/internal/app/domain/usage"
	"github.com/R3E-Network/token_economy/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu            sync.RWMutex
	activity      []activity.Entry
	receipts      map[reward.Key]reward.Receipt
	receiptOrder  []reward.Key
	usage         map[string][]usage.Event
	subscriptions map[string]subscription.Tier
	snapshots     []snapshot
}

type snapshot struct {
	takenAt time.Time
	data    []byte
}

var _ storage.ActivityStore = (*Store)(nil)
var _ storage.ReceiptStore = (*Store)(nil)
var _ storage.UsageFeed = (*Store)(nil)
var _ storage.SubscriptionStore = (*Store)(nil)
var _ storage.SnapshotStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		receipts:      make(map[reward.Key]reward.Receipt),
		usage:         make(map[string][]usage.Event),
		subscriptions: make(map[string]subscription.Tier),
	}
}

// ActivityStore implementation -------------------------------------------------

func (s *Store) Append(_ context.Context, entries ...activity.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = append(s.activity, entries...)
	return nil
}

func (s *Store) LastActivitySequence(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last uint64
	for _, e := range s.activity {
		if e.Sequence > last {
			last = e.Sequence
		}
	}
	return last, nil
}

func (s *Store) ListActivity(_ context.Context, identity string, filter activity.Filter) ([]activity.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []activity.Entry
	for _, e := range s.activity {
		if e.Identity == identity && filter.Match(e) {
			matched = append(matched, e)
		}
	}
	return paginate(matched, filter.Offset, filter.Limit), nil
}

func (s *Store) ActivityStats(_ context.Context, identity string) (activity.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats activity.Stats
	for _, e := range s.activity {
		if e.Identity != identity {
			continue
		}
		stats.Count++
		stats.TotalAmount += e.Amount
		if e.Status == activity.StatusCompleted {
			stats.CompletedCount++
		}
	}
	return stats, nil
}

// ReceiptStore implementation --------------------------------------------------

func (s *Store) SaveReceipts(_ context.Context, receipts ...reward.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range receipts {
		key := r.Key()
		if existing, ok := s.receipts[key]; ok && existing.Final() {
			continue
		} else if !ok {
			s.receiptOrder = append(s.receiptOrder, key)
		}
		s.receipts[key] = r
	}
	return nil
}

func (s *Store) LastReceiptSequence(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last uint64
	for _, r := range s.receipts {
		if r.Sequence > last {
			last = r.Sequence
		}
	}
	return last, nil
}

func (s *Store) ListReceipts(_ context.Context, runID string) ([]reward.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []reward.Receipt
	for _, key := range s.receiptOrder {
		if key.RunID == runID {
			out = append(out, s.receipts[key])
		}
	}
	return out, nil
}

// UsageFeed implementation -----------------------------------------------------

func (s *Store) RecordUsage(_ context.Context, event usage.Event) (usage.Event, error) {
	event.Target = strings.TrimSpace(event.Target)
	if event.Target == "" {
		return usage.Event{}, fmt.Errorf("usage target is required")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	events := append(s.usage[event.Target], event)
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
	s.usage[event.Target] = events
	return event, nil
}

func (s *Store) UsageEvents(_ context.Context, target string, after, until time.Time) ([]usage.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []usage.Event
	for _, e := range s.usage[target] {
		if e.Timestamp.After(after) && !e.Timestamp.After(until) {
			out = append(out, e)
		}
	}
	return out, nil
}

// SubscriptionStore implementation ---------------------------------------------

func (s *Store) Tier(_ context.Context, identity string) (subscription.Tier, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tier, ok := s.subscriptions[identity]
	return tier, ok, nil
}

func (s *Store) SetTier(_ context.Context, identity string, tier subscription.Tier) error {
	if !tier.Valid() {
		return fmt.Errorf("unknown subscription tier %q", tier)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[identity] = tier
	return nil
}

// SnapshotStore implementation -------------------------------------------------

func (s *Store) SaveSnapshot(_ context.Context, takenAt time.Time, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snapshot{takenAt: takenAt, data: append([]byte(nil), data...)})
	return nil
}

func (s *Store) LatestSnapshot(context.Context) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.snapshots) == 0 {
		return nil, false, nil
	}
	last := s.snapshots[len(s.snapshots)-1]
	return append([]byte(nil), last.data...), true, nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
