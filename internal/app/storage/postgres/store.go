package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/token_economy/internal/app/domain/activity"
	"github.com/R3E-Network/token_economy/internal/app/domain/reward"
	"github.com/R3E-Network/token_economy/internal/app/domain/subscription"
	"github.com/R3E-Network/token_economy/internal/app/domain/usage"
	"github.com/R3E-Network/token_economy/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.ActivityStore = (*Store)(nil)
var _ storage.ReceiptStore = (*Store)(nil)
var _ storage.UsageFeed = (*Store)(nil)
var _ storage.SubscriptionStore = (*Store)(nil)
var _ storage.SnapshotStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn with the lib/pq driver.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return db, nil
}

// --- ActivityStore -------------------------------------------------------------

type activityRow struct {
	Sequence   uint64    `db:"sequence"`
	Identity   string    `db:"identity"`
	Category   string    `db:"category"`
	Amount     uint64    `db:"amount"`
	Status     string    `db:"status"`
	Reference  string    `db:"reference"`
	OccurredAt time.Time `db:"occurred_at"`
}

func (r activityRow) entry() activity.Entry {
	return activity.Entry{
		Sequence:  r.Sequence,
		Identity:  r.Identity,
		Category:  activity.Category(r.Category),
		Amount:    r.Amount,
		Status:    activity.Status(r.Status),
		Reference: r.Reference,
		Timestamp: r.OccurredAt.UTC(),
	}
}

func (s *Store) Append(ctx context.Context, entries ...activity.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	for _, e := range entries {
		row := activityRow{
			Sequence:   e.Sequence,
			Identity:   e.Identity,
			Category:   string(e.Category),
			Amount:     e.Amount,
			Status:     string(e.Status),
			Reference:  e.Reference,
			OccurredAt: e.Timestamp.UTC(),
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO activity_entries (sequence, identity, category, amount, status, reference, occurred_at)
			VALUES (:sequence, :identity, :category, :amount, :status, :reference, :occurred_at)
			ON CONFLICT (sequence) DO NOTHING
		`, row); err != nil {
			return fmt.Errorf("insert activity %d: %w", e.Sequence, err)
		}
	}
	return tx.Commit()
}

func (s *Store) LastActivitySequence(ctx context.Context) (uint64, error) {
	var last uint64
	if err := s.db.GetContext(ctx, &last, `SELECT COALESCE(MAX(sequence), 0) FROM activity_entries`); err != nil {
		return 0, fmt.Errorf("last activity sequence: %w", err)
	}
	return last, nil
}

func (s *Store) ListActivity(ctx context.Context, identity string, filter activity.Filter) ([]activity.Entry, error) {
	where := []string{"identity = ?"}
	args := []interface{}{identity}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(filter.Category))
	}
	if !filter.From.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		where = append(where, "occurred_at <= ?")
		args = append(args, filter.To.UTC())
	}
	query := `
		SELECT sequence, identity, category, amount, status, reference, occurred_at
		FROM activity_entries
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY sequence`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	var rows []activityRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]activity.Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	return out, nil
}

func (s *Store) ActivityStats(ctx context.Context, identity string) (activity.Stats, error) {
	var row struct {
		Count     int    `db:"count"`
		Total     uint64 `db:"total"`
		Completed int    `db:"completed"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT COUNT(*) AS count,
		       COALESCE(SUM(amount), 0) AS total,
		       COUNT(*) FILTER (WHERE status = 'completed') AS completed
		FROM activity_entries
		WHERE identity = $1
	`, identity)
	if err != nil {
		return activity.Stats{}, err
	}
	return activity.Stats{Count: uint64(row.Count), TotalAmount: row.Total, CompletedCount: uint64(row.Completed)}, nil
}

// --- ReceiptStore --------------------------------------------------------------

type receiptRow struct {
	RunID          string    `db:"run_id"`
	Identity       string    `db:"identity"`
	Target         string    `db:"target"`
	Epoch          uint64    `db:"epoch"`
	Amount         uint64    `db:"amount"`
	Requested      uint64    `db:"requested"`
	Sequence       uint64    `db:"sequence"`
	StakeAmount    uint64    `db:"stake_amount"`
	TargetTotal    uint64    `db:"target_total"`
	StakeRatio     float64   `db:"stake_ratio"`
	Kappa          float64   `db:"kappa"`
	TierMultiplier float64   `db:"tier_multiplier"`
	Status         string    `db:"status"`
	Error          string    `db:"error"`
	CreatedAt      time.Time `db:"created_at"`
}

func toReceiptRow(r reward.Receipt) receiptRow {
	return receiptRow{
		RunID: r.RunID, Identity: r.Identity, Target: r.Target, Epoch: r.Epoch,
		Amount: r.Amount, Requested: r.Requested, Sequence: r.Sequence,
		StakeAmount: r.StakeAmount, TargetTotal: r.TargetTotal, StakeRatio: r.StakeRatio,
		Kappa: r.Kappa, TierMultiplier: r.TierMultiplier, Status: string(r.Status),
		Error: r.Error, CreatedAt: r.CreatedAt.UTC(),
	}
}

func (r receiptRow) receipt() reward.Receipt {
	return reward.Receipt{
		RunID: r.RunID, Identity: r.Identity, Target: r.Target, Epoch: r.Epoch,
		Amount: r.Amount, Requested: r.Requested, Sequence: r.Sequence,
		StakeAmount: r.StakeAmount, TargetTotal: r.TargetTotal, StakeRatio: r.StakeRatio,
		Kappa: r.Kappa, TierMultiplier: r.TierMultiplier, Status: reward.Status(r.Status),
		Error: r.Error, CreatedAt: r.CreatedAt.UTC(),
	}
}

// SaveReceipts inserts receipts. An existing row is only replaced while it is
// still failed.
func (s *Store) SaveReceipts(ctx context.Context, receipts ...reward.Receipt) error {
	if len(receipts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range receipts {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO reward_receipts (run_id, identity, target, epoch, amount, requested, sequence,
				stake_amount, target_total, stake_ratio, kappa, tier_multiplier, status, error, created_at)
			VALUES (:run_id, :identity, :target, :epoch, :amount, :requested, :sequence,
				:stake_amount, :target_total, :stake_ratio, :kappa, :tier_multiplier, :status, :error, :created_at)
			ON CONFLICT (run_id, identity, target) DO UPDATE SET
				amount = EXCLUDED.amount, requested = EXCLUDED.requested, sequence = EXCLUDED.sequence,
				stake_amount = EXCLUDED.stake_amount, target_total = EXCLUDED.target_total,
				stake_ratio = EXCLUDED.stake_ratio, kappa = EXCLUDED.kappa,
				tier_multiplier = EXCLUDED.tier_multiplier, status = EXCLUDED.status,
				error = EXCLUDED.error, created_at = EXCLUDED.created_at
			WHERE reward_receipts.status = 'failed'
		`, toReceiptRow(r)); err != nil {
			return fmt.Errorf("upsert receipt %s/%s/%s: %w", r.RunID, r.Identity, r.Target, err)
		}
	}
	return tx.Commit()
}

func (s *Store) LastReceiptSequence(ctx context.Context) (uint64, error) {
	var last uint64
	if err := s.db.GetContext(ctx, &last, `SELECT COALESCE(MAX(sequence), 0) FROM reward_receipts`); err != nil {
		return 0, fmt.Errorf("last receipt sequence: %w", err)
	}
	return last, nil
}

func (s *Store) ListReceipts(ctx context.Context, runID string) ([]reward.Receipt, error) {
	var rows []receiptRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT run_id, identity, target, epoch, amount, requested, sequence, stake_amount,
		       target_total, stake_ratio, kappa, tier_multiplier, status, error, created_at
		FROM reward_receipts
		WHERE run_id = $1
		ORDER BY sequence
	`, runID); err != nil {
		return nil, err
	}
	out := make([]reward.Receipt, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.receipt())
	}
	return out, nil
}

// --- UsageFeed -----------------------------------------------------------------

type usageRow struct {
	ID         string    `db:"id"`
	Identity   string    `db:"identity"`
	Target     string    `db:"target"`
	Cost       uint64    `db:"cost"`
	OccurredAt time.Time `db:"occurred_at"`
}

func (s *Store) RecordUsage(ctx context.Context, event usage.Event) (usage.Event, error) {
	if strings.TrimSpace(event.Target) == "" {
		return usage.Event{}, errors.New("usage target is required")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO usage_events (id, identity, target, cost, occurred_at)
		VALUES (:id, :identity, :target, :cost, :occurred_at)
		ON CONFLICT (id) DO NOTHING
	`, usageRow{ID: event.ID, Identity: event.Identity, Target: event.Target, Cost: event.Cost, OccurredAt: event.Timestamp.UTC()})
	if err != nil {
		return usage.Event{}, err
	}
	return event, nil
}

func (s *Store) UsageEvents(ctx context.Context, target string, after, until time.Time) ([]usage.Event, error) {
	var rows []usageRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, identity, target, cost, occurred_at
		FROM usage_events
		WHERE target = $1 AND occurred_at > $2 AND occurred_at <= $3
		ORDER BY occurred_at, id
	`, target, after.UTC(), until.UTC()); err != nil {
		return nil, err
	}
	out := make([]usage.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, usage.Event{ID: r.ID, Identity: r.Identity, Target: r.Target, Cost: r.Cost, Timestamp: r.OccurredAt.UTC()})
	}
	return out, nil
}

// --- SubscriptionStore ---------------------------------------------------------

func (s *Store) Tier(ctx context.Context, identity string) (subscription.Tier, bool, error) {
	var tier string
	err := s.db.GetContext(ctx, &tier, `SELECT tier FROM subscriptions WHERE identity = $1`, identity)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return subscription.Tier(tier), true, nil
}

func (s *Store) SetTier(ctx context.Context, identity string, tier subscription.Tier) error {
	if !tier.Valid() {
		return fmt.Errorf("unknown subscription tier %q", tier)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (identity, tier, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (identity) DO UPDATE SET tier = EXCLUDED.tier, updated_at = EXCLUDED.updated_at
	`, identity, string(tier), time.Now().UTC())
	return err
}

// --- SnapshotStore -------------------------------------------------------------

func (s *Store) SaveSnapshot(ctx context.Context, takenAt time.Time, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_snapshots (taken_at, data) VALUES ($1, $2)
	`, takenAt.UTC(), data)
	return err
}

func (s *Store) LatestSnapshot(ctx context.Context) ([]byte, bool, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data, `
		SELECT data FROM ledger_snapshots ORDER BY id DESC LIMIT 1
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}
