package distribution

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/token_economy/internal/app/domain/activity"
	"github.com/R3E-Network/token_economy/internal/app/domain/emission"
	"github.com/R3E-Network/token_economy/internal/app/domain/reward"
	"github.com/R3E-Network/token_economy/internal/app/domain/subscription"
	"github.com/R3E-Network/token_economy/internal/app/domain/usage"
	"github.com/R3E-Network/token_economy/internal/app/epoch"
	"github.com/R3E-Network/token_economy/internal/app/ledger"
	"github.com/R3E-Network/token_economy/internal/app/services/staking"
	"github.com/R3E-Network/token_economy/internal/app/storage/memory"
	"github.com/R3E-Network/token_economy/pkg/logger"
)

type fixture struct {
	clock   *epoch.Manual
	ledger  *ledger.Ledger
	store   *memory.Store
	staking *staking.Service
	engine  *Engine
}

func newFixture(t *testing.T, policy emission.Policy, opts ...Option) *fixture {
	t.Helper()
	clock := epoch.NewManual(0)
	store := memory.New()
	l := ledger.New(clock,
		ledger.WithLogger(logger.NewNop()),
		ledger.WithGenesis(0, policy),
		ledger.WithActivitySink(store),
		ledger.WithReceiptSink(store),
	)
	return &fixture{
		clock:   clock,
		ledger:  l,
		store:   store,
		staking: staking.New(l, logger.NewNop(), staking.WithMinStake(1)),
		engine:  New(l, store, store, logger.NewNop(), opts...),
	}
}

func (f *fixture) fund(t *testing.T, credits map[string]uint64) {
	t.Helper()
	require.NoError(t, f.ledger.Update(context.Background(), func(tx *ledger.Tx) error {
		for id, amount := range credits {
			acct, err := tx.OpenAccount(id)
			if err != nil {
				return err
			}
			acct.SpendableCredits = amount
			tx.PutAccount(acct)
		}
		return nil
	}))
}

func (f *fixture) stake(t *testing.T, identity, target string, amount uint64) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.staking.Target(ctx, target); err != nil {
		_, err = f.staking.RegisterTarget(ctx, target, "")
		require.NoError(t, err)
	}
	_, err := f.staking.Stake(ctx, identity, target, amount)
	require.NoError(t, err)
}

func (f *fixture) use(t *testing.T, target string, n int) {
	t.Helper()
	f.clock.Advance(time.Minute)
	for i := 0; i < n; i++ {
		_, err := f.store.RecordUsage(context.Background(), usage.Event{
			Identity:  "caller",
			Target:    target,
			Cost:      10,
			Timestamp: f.clock.Now(),
		})
		require.NoError(t, err)
	}
}

func (f *fixture) spendable(t *testing.T, id string) uint64 {
	t.Helper()
	var v uint64
	require.NoError(t, f.ledger.View(func(tx *ledger.Tx) error {
		acct, err := tx.MustAccount(id)
		v = acct.SpendableCredits
		return err
	}))
	return v
}

// twoStakers stakes alice 800 and bob 200 on svc and records two calls.
// Base reward is 2000: alice earns 1600*2.0, bob 400*1.5.
func twoStakers(t *testing.T, f *fixture) {
	t.Helper()
	f.fund(t, map[string]uint64{"alice": 1000, "bob": 1000})
	f.stake(t, "alice", "svc", 800)
	f.stake(t, "bob", "svc", 200)
	f.use(t, "svc", 2)
}

func TestRunRoundCreditsStakers(t *testing.T) {
	f := newFixture(t, emission.Default())
	twoStakers(t, f)
	f.clock.Set(3)

	res, err := f.engine.RunRound(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, "r1", res.RunID)
	require.Equal(t, uint64(3), res.Epoch)
	require.Len(t, res.Pairs, 2)
	require.Equal(t, uint64(3800), res.Credited)
	require.Zero(t, res.Failed)
	require.False(t, res.Stopped)

	byID := map[string]reward.Receipt{}
	for _, p := range res.Pairs {
		require.Equal(t, reward.OutcomeApplied, p.Outcome)
		byID[p.Receipt.Identity] = p.Receipt
	}
	require.Equal(t, uint64(3200), byID["alice"].Amount)
	require.Equal(t, 2.0, byID["alice"].Kappa)
	require.Equal(t, uint64(600), byID["bob"].Amount)
	require.Equal(t, 1.5, byID["bob"].Kappa)

	require.Equal(t, uint64(200+3200), f.spendable(t, "alice"))
	require.Equal(t, uint64(800+600), f.spendable(t, "bob"))
	require.Equal(t, uint64(3800), f.engine.EpochEmitted(context.Background(), 3))
	require.Zero(t, f.engine.EpochEmitted(context.Background(), 0))

	run, err := f.engine.Run(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, reward.RunCompleted, run.Status)
	require.Len(t, run.Targets, 1)
	require.Equal(t, 2, run.Targets[0].UsageCount)
	require.Equal(t, uint64(20), run.Targets[0].UsageCost)
	require.Equal(t, reward.TargetDone, run.Targets[0].Status)

	pos, err := f.staking.Position(context.Background(), "alice", "svc")
	require.NoError(t, err)
	require.Equal(t, uint64(3), pos.LastDistributionEpoch)
}

func TestRunRoundIsIdempotent(t *testing.T) {
	f := newFixture(t, emission.Default())
	twoStakers(t, f)
	ctx := context.Background()

	first, err := f.engine.RunRound(ctx, "r1")
	require.NoError(t, err)
	alice, bob := f.spendable(t, "alice"), f.spendable(t, "bob")

	again, err := f.engine.RunRound(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, again.Pairs, 2)
	for _, p := range again.Pairs {
		require.Equal(t, reward.OutcomeAlreadyApplied, p.Outcome)
	}
	require.Zero(t, again.Credited)
	require.Equal(t, first.Receipts(), again.Receipts())
	require.Equal(t, alice, f.spendable(t, "alice"))
	require.Equal(t, bob, f.spendable(t, "bob"))
	require.Equal(t, uint64(3800), f.engine.EpochEmitted(ctx, 0))

	// Usage already consumed by r1 is not rewarded again.
	next, err := f.engine.RunRound(ctx, "r2")
	require.NoError(t, err)
	require.Empty(t, next.Pairs)
	require.Equal(t, alice, f.spendable(t, "alice"))
}

func TestRunRoundGlobalCap(t *testing.T) {
	policy := emission.Default()
	policy.EpochCap = 1000
	f := newFixture(t, policy)
	twoStakers(t, f)

	res, err := f.engine.RunRound(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, uint64(1000), res.Credited)

	var total uint64
	for _, p := range res.Pairs {
		require.Equal(t, reward.OutcomeCapped, p.Outcome)
		require.LessOrEqual(t, p.Receipt.Amount, p.Receipt.Requested)
		total += p.Receipt.Amount
	}
	require.Equal(t, uint64(1000), total)
	require.Equal(t, uint64(1000), f.engine.EpochEmitted(context.Background(), 0))

	entries, err := f.store.ListActivity(context.Background(), "bob", activity.Filter{Category: activity.CategoryReward})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, activity.StatusCapped, entries[0].Status)
}

func TestRunRoundPerTargetCap(t *testing.T) {
	policy := emission.Default()
	policy.EpochCap = 1000
	policy.CapScope = emission.CapPerTarget
	f := newFixture(t, policy)
	f.fund(t, map[string]uint64{"alice": 1000, "bob": 1000})
	f.stake(t, "alice", "a", 500)
	f.stake(t, "bob", "b", 500)
	f.use(t, "a", 1)
	f.use(t, "b", 1)

	res, err := f.engine.RunRound(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, res.Pairs, 2)
	for _, p := range res.Pairs {
		require.Equal(t, reward.OutcomeCapped, p.Outcome)
		require.Equal(t, uint64(1000), p.Receipt.Amount)
	}
	require.Equal(t, uint64(2000), f.engine.EpochEmitted(context.Background(), 0))
}

func TestRunRoundSubscriptionMultiplier(t *testing.T) {
	f := newFixture(t, emission.Default())
	twoStakers(t, f)
	require.NoError(t, f.store.SetTier(context.Background(), "bob", subscription.TierPremium))

	res, err := f.engine.RunRound(context.Background(), "r1")
	require.NoError(t, err)
	for _, r := range res.Receipts() {
		if r.Identity == "bob" {
			require.Equal(t, 2.0, r.TierMultiplier)
			require.Equal(t, uint64(1200), r.Amount)
		}
	}
}

func TestRunRoundRetriesFailedPairs(t *testing.T) {
	f := newFixture(t, emission.Default())
	twoStakers(t, f)
	ctx := context.Background()

	setBob := func(v uint64) {
		require.NoError(t, f.ledger.Update(ctx, func(tx *ledger.Tx) error {
			acct, err := tx.MustAccount("bob")
			if err != nil {
				return err
			}
			acct.SpendableCredits = v
			tx.PutAccount(acct)
			return nil
		}))
	}
	setBob(math.MaxUint64)

	res, err := f.engine.RunRound(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, uint64(3200), res.Credited)

	var failed reward.Receipt
	for _, r := range f.engine.Receipts(ctx, "r1") {
		if r.Identity == "bob" {
			failed = r
		}
	}
	require.Equal(t, reward.StatusFailed, failed.Status)
	require.NotEmpty(t, failed.Error)
	require.Equal(t, uint64(3200), f.engine.EpochEmitted(ctx, 0))

	setBob(0)
	retry, err := f.engine.RunRound(ctx, "r1")
	require.NoError(t, err)
	require.Zero(t, retry.Failed)
	outcomes := map[string]reward.Outcome{}
	for _, p := range retry.Pairs {
		outcomes[p.Receipt.Identity] = p.Outcome
	}
	require.Equal(t, reward.OutcomeAlreadyApplied, outcomes["alice"])
	require.Equal(t, reward.OutcomeApplied, outcomes["bob"])
	require.Equal(t, uint64(600), f.spendable(t, "bob"))
	require.Equal(t, uint64(3800), f.engine.EpochEmitted(ctx, 0))

	receipts := f.engine.ReceiptsByIdentity(ctx, "bob")
	require.Len(t, receipts, 1)
	require.Equal(t, reward.StatusApplied, receipts[0].Status)
}

// hookTiers runs before the lookup for identity, between two pair credits.
type hookTiers struct {
	identity string
	before   func()
}

func (h *hookTiers) Tier(_ context.Context, identity string) (subscription.Tier, bool, error) {
	if identity == h.identity && h.before != nil {
		h.before()
		h.before = nil
	}
	return "", false, nil
}

func TestRunRoundUsesStakeAtCreditTime(t *testing.T) {
	f := newFixture(t, emission.Default())
	twoStakers(t, f)
	f.clock.Set(3)

	f.engine.tiers = &hookTiers{identity: "bob", before: func() {
		_, err := f.staking.Unstake(context.Background(), "alice", "svc", 400)
		require.NoError(t, err)
	}}

	res, err := f.engine.RunRound(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, res.Pairs, 2)

	byID := map[string]reward.Receipt{}
	for _, p := range res.Pairs {
		require.Equal(t, reward.OutcomeApplied, p.Outcome)
		byID[p.Receipt.Identity] = p.Receipt
	}
	alice, bob := byID["alice"], byID["bob"]
	require.Equal(t, uint64(800), alice.StakeAmount)
	require.Equal(t, uint64(1000), alice.TargetTotal)
	require.Equal(t, uint64(3200), alice.Amount)

	// Bob is credited against the target total left after alice's unstake.
	require.Equal(t, uint64(200), bob.StakeAmount)
	require.Equal(t, uint64(600), bob.TargetTotal)
	require.Equal(t, 1.7, bob.Kappa)
	require.Equal(t, uint64(1132), bob.Amount)
	require.Equal(t, uint64(3200+1132), res.Credited)

	require.Equal(t, uint64(200+400+3200), f.spendable(t, "alice"))
	require.Equal(t, uint64(800+1132), f.spendable(t, "bob"))

	require.NoError(t, f.ledger.View(func(tx *ledger.Tx) error {
		tgt, err := tx.MustTarget("svc")
		require.NoError(t, err)
		var total uint64
		for _, p := range tx.PositionsByTarget("svc") {
			if p.Active() {
				total += p.Amount
				acct, err := tx.MustAccount(p.Identity)
				require.NoError(t, err)
				require.Equal(t, p.Amount, acct.StakedCredits, "account %s", p.Identity)
			}
		}
		require.Equal(t, total, tgt.TotalStaked)
		require.Equal(t, uint64(600), total)
		return nil
	}))
}

// cancellingTiers cancels the round on the first lookup.
type cancellingTiers struct {
	cancel context.CancelFunc
}

func (c *cancellingTiers) Tier(context.Context, string) (subscription.Tier, bool, error) {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return "", false, nil
}

func TestRunRoundDefersOnCancelAndResumes(t *testing.T) {
	f := newFixture(t, emission.Default())
	f.fund(t, map[string]uint64{"alice": 1000, "bob": 1000})
	f.stake(t, "alice", "a", 500)
	f.stake(t, "bob", "b", 500)
	f.use(t, "a", 1)
	f.use(t, "b", 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tiers := &cancellingTiers{cancel: cancel}
	f.engine.tiers = tiers

	res, err := f.engine.RunRound(ctx, "r1")
	require.NoError(t, err)
	require.True(t, res.Stopped)
	require.ElementsMatch(t, []string{"a", "b"}, res.Deferred)
	require.Empty(t, res.Pairs)

	run, err := f.engine.Run(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, reward.RunStopped, run.Status)
	for _, rt := range run.Targets {
		require.Equal(t, reward.TargetDeferred, rt.Status)
	}
	require.Equal(t, uint64(500), f.spendable(t, "alice"))

	f.engine.tiers = nil
	next, err := f.engine.RunRound(context.Background(), "r2")
	require.NoError(t, err)
	require.Equal(t, []string{"r1"}, next.Resumed)
	require.Empty(t, next.Pairs)

	run, err = f.engine.Run(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, reward.RunCompleted, run.Status)
	require.Len(t, f.engine.Receipts(context.Background(), "r1"), 2)
	require.Greater(t, f.spendable(t, "alice"), uint64(500))
}

type heldLock struct{}

func (heldLock) TryAcquire(context.Context) (func(context.Context) error, bool, error) {
	return nil, false, nil
}

func TestRunRoundAlreadyRunning(t *testing.T) {
	f := newFixture(t, emission.Default())
	f.engine.running.Store(true)
	_, err := f.engine.RunRound(context.Background(), "r1")
	require.ErrorIs(t, err, ledger.ErrAlreadyRunning)
	f.engine.running.Store(false)

	locked := newFixture(t, emission.Default(), WithLock(heldLock{}))
	_, err = locked.engine.RunRound(context.Background(), "r1")
	require.ErrorIs(t, err, ledger.ErrAlreadyRunning)
	require.Equal(t, "AlreadyRunning", ledger.Code(err))
	require.False(t, locked.engine.Running())
}

func TestRunRoundGeneratesID(t *testing.T) {
	f := newFixture(t, emission.Default())
	res, err := f.engine.RunRound(context.Background(), "")
	require.NoError(t, err)
	require.Contains(t, res.RunID, "round-")

	_, err = f.engine.Run(context.Background(), "missing")
	if !errors.Is(err, ledger.ErrUnknownRun) {
		t.Fatalf("expected unknown run, got %v", err)
	}
}

func TestRunRoundConservesCredits(t *testing.T) {
	f := newFixture(t, emission.Default())
	twoStakers(t, f)
	ctx := context.Background()

	before := f.spendable(t, "alice") + f.spendable(t, "bob")
	res, err := f.engine.RunRound(ctx, "r1")
	require.NoError(t, err)

	var receipts uint64
	for _, r := range f.engine.ReceiptsByTarget(ctx, "svc") {
		receipts += r.Amount
	}
	after := f.spendable(t, "alice") + f.spendable(t, "bob")
	require.Equal(t, res.Credited, receipts)
	require.Equal(t, before+receipts, after)
	require.Equal(t, receipts, f.engine.EpochEmitted(ctx, 0))

	saved, err := f.store.ListReceipts(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, saved, 2)
}

func TestShare(t *testing.T) {
	v, err := Share(2000, 800, 1000, 2.0, 1.0)
	require.NoError(t, err)
	require.Equal(t, uint64(3200), v)

	v, err = Share(7, 1, 3, 1.0, 1.0)
	require.NoError(t, err)
	require.Equal(t, uint64(2), v)

	_, err = Share(1, 2, 1, 1, 1)
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = Share(math.MaxUint64, 1, 1, 2.0, 1.0)
	require.ErrorIs(t, err, ledger.ErrOverflow)
}
