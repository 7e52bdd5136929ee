package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/token_economy/internal/app/domain/activity"
	"github.com/R3E-Network/token_economy/internal/app/domain/reward"
	"github.com/R3E-Network/token_economy/internal/app/domain/subscription"
	"github.com/R3E-Network/token_economy/internal/app/domain/usage"
	"github.com/R3E-Network/token_economy/internal/platform/migrations"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

func TestAppendActivityInTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO activity_entries").
		WithArgs(uint64(1), "alice", "convert", uint64(10), "completed", "", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO activity_entries").
		WithArgs(uint64(2), "alice", "stake", uint64(5), "completed", "svc", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Append(context.Background(),
		activity.Entry{Sequence: 1, Identity: "alice", Category: activity.CategoryConvert, Amount: 10, Status: activity.StatusCompleted, Timestamp: now},
		activity.Entry{Sequence: 2, Identity: "alice", Category: activity.CategoryStake, Amount: 5, Status: activity.StatusCompleted, Reference: "svc", Timestamp: now},
	)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListActivityBuildsFilter(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"sequence", "identity", "category", "amount", "status", "reference", "occurred_at"}).
		AddRow(int64(3), "alice", "reward", int64(7), "capped", "run-1", now)
	mock.ExpectQuery(`FROM activity_entries\s+WHERE identity = \$1 AND category = \$2\s+ORDER BY sequence LIMIT \$3 OFFSET \$4`).
		WithArgs("alice", "reward", 10, 5).
		WillReturnRows(rows)

	entries, err := store.ListActivity(context.Background(), "alice", activity.Filter{Category: activity.CategoryReward, Limit: 10, Offset: 5})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != activity.StatusCapped || entries[0].Amount != 7 {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestSaveReceiptsOnlyReplacesFailed(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO reward_receipts .* WHERE reward_receipts.status = 'failed'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.SaveReceipts(context.Background(), reward.Receipt{RunID: "r", Identity: "a", Target: "t", Amount: 4, Status: reward.StatusApplied})
	if err != nil {
		t.Fatalf("save receipts: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLastSequences(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(sequence\), 0\) FROM activity_entries`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(42)))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(sequence\), 0\) FROM reward_receipts`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(0)))

	activitySeq, err := store.LastActivitySequence(context.Background())
	if err != nil || activitySeq != 42 {
		t.Fatalf("expected activity sequence 42, got %d err=%v", activitySeq, err)
	}
	receiptSeq, err := store.LastReceiptSequence(context.Background())
	if err != nil || receiptSeq != 0 {
		t.Fatalf("expected receipt sequence 0, got %d err=%v", receiptSeq, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTierMissingRow(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT tier FROM subscriptions").WithArgs("bob").WillReturnError(sql.ErrNoRows)

	_, ok, err := store.Tier(context.Background(), "bob")
	if err != nil || ok {
		t.Fatalf("expected missing tier, got ok=%v err=%v", ok, err)
	}
}

func TestUsageEventsWindow(t *testing.T) {
	store, mock := newMockStore(t)
	after := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	until := after.Add(time.Hour)
	mock.ExpectQuery("FROM usage_events").
		WithArgs("svc", after, until).
		WillReturnRows(sqlmock.NewRows([]string{"id", "identity", "target", "cost", "occurred_at"}).
			AddRow("e1", "alice", "svc", int64(2), after.Add(time.Minute)))

	events, err := store.UsageEvents(context.Background(), "svc", after, until)
	if err != nil {
		t.Fatalf("usage events: %v", err)
	}
	if len(events) != 1 || events[0].ID != "e1" || events[0].Cost != 2 {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	ctx := context.Background()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	if err := migrations.Apply(ctx, db.DB); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	store := New(db)
	if _, err := store.RecordUsage(ctx, usage.Event{Identity: "alice", Target: "svc"}); err != nil {
		t.Fatalf("record usage: %v", err)
	}
	if err := store.SetTier(ctx, "alice", subscription.TierBasic); err != nil {
		t.Fatalf("set tier: %v", err)
	}
	if err := store.SaveSnapshot(ctx, time.Now(), []byte(`{"version":1}`)); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	if _, ok, err := store.LatestSnapshot(ctx); err != nil || !ok {
		t.Fatalf("latest snapshot: ok=%v err=%v", ok, err)
	}
}
