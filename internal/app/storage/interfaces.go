package storage

import (
	"context"
	"time"

	"github.com/R3E-Network/token_economy/internal/app/domain/activity"
	"github.com/R3E-Network/token_economy/internal/app/domain/reward"
	"github.com/R3E-Network/token_economy/internal/app/domain/subscription"
	"github.com/R3E-Network/token_economy/internal/app/domain/usage"
)

// ActivityStore persists the append-only activity log and answers queries
// over it.
type ActivityStore interface {
	Append(ctx context.Context, entries ...activity.Entry) error
	LastActivitySequence(ctx context.Context) (uint64, error)
	ListActivity(ctx context.Context, identity string, filter activity.Filter) ([]activity.Entry, error)
	ActivityStats(ctx context.Context, identity string) (activity.Stats, error)
}

// ReceiptStore mirrors committed reward receipts for external consumers.
type ReceiptStore interface {
	SaveReceipts(ctx context.Context, receipts ...reward.Receipt) error
	LastReceiptSequence(ctx context.Context) (uint64, error)
	ListReceipts(ctx context.Context, runID string) ([]reward.Receipt, error)
}

// UsageFeed is the source of reward-eligible usage events.
type UsageFeed interface {
	RecordUsage(ctx context.Context, event usage.Event) (usage.Event, error)
	// UsageEvents returns the target's events with after < timestamp <= until,
	// oldest first.
	UsageEvents(ctx context.Context, target string, after, until time.Time) ([]usage.Event, error)
}

// SubscriptionStore resolves and records identity subscription tiers.
type SubscriptionStore interface {
	Tier(ctx context.Context, identity string) (subscription.Tier, bool, error)
	SetTier(ctx context.Context, identity string, tier subscription.Tier) error
}

// SnapshotStore keeps encoded ledger snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, takenAt time.Time, data []byte) error
	LatestSnapshot(ctx context.Context) ([]byte, bool, error)
}
