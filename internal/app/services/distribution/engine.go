// Package distribution runs the periodic reward rounds. A round credits each
// staker of each target with usage a share of the target's reward, capped
// per epoch. Every credit is its own ledger transaction guarded by a
// write-once receipt, so a round can be stopped and re-run without paying
// twice.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/token_economy/internal/app/domain/activity"
	"github.com/R3E-Network/token_economy/internal/app/domain/emission"
	"github.com/R3E-Network/token_economy/internal/app/domain/reward"
	"github.com/R3E-Network/token_economy/internal/app/domain/subscription"
	"github.com/R3E-Network/token_economy/internal/app/domain/usage"
	"github.com/R3E-Network/token_economy/internal/app/ledger"
	"github.com/R3E-Network/token_economy/internal/app/metrics"
	"github.com/R3E-Network/token_economy/pkg/logger"
)

// UsageSource lists usage events for a target in (after, until].
type UsageSource interface {
	UsageEvents(ctx context.Context, target string, after, until time.Time) ([]usage.Event, error)
}

// TierLookup resolves an identity's subscription tier.
type TierLookup interface {
	Tier(ctx context.Context, identity string) (subscription.Tier, bool, error)
}

// Engine executes distribution rounds.
type Engine struct {
	ledger  *ledger.Ledger
	usage   UsageSource
	tiers   TierLookup
	lock    RoundLock
	log     *logger.Logger
	running atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLock replaces the in-process round lock.
func WithLock(lock RoundLock) Option {
	return func(e *Engine) {
		if lock != nil {
			e.lock = lock
		}
	}
}

// New constructs an engine. tiers may be nil, in which case every identity
// gets the neutral multiplier.
func New(l *ledger.Ledger, feed UsageSource, tiers TierLookup, log *logger.Logger, opts ...Option) *Engine {
	if log == nil {
		log = logger.NewDefault("distribution")
	}
	e := &Engine{ledger: l, usage: feed, tiers: tiers, lock: &LocalLock{}, log: log}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Running reports whether a round is in progress in this process.
func (e *Engine) Running() bool { return e.running.Load() }

// RunRound executes round runID, generating an ID when empty. Unfinished
// earlier rounds are completed first. Re-running a completed round returns
// its receipts and retries only failed pairs.
func (e *Engine) RunRound(ctx context.Context, runID string) (reward.Result, error) {
	started := time.Now()
	res, err := e.runRound(ctx, runID)
	if !errors.Is(err, ledger.ErrAlreadyRunning) {
		outcomes := make(map[string]int)
		for _, p := range res.Pairs {
			outcomes[string(p.Outcome)]++
		}
		metrics.RecordRound(metrics.Round{
			Stopped:  res.Stopped,
			Err:      err,
			Duration: time.Since(started),
			Credited: res.Credited,
			Outcomes: outcomes,
		})
	}
	return res, err
}

func (e *Engine) runRound(ctx context.Context, runID string) (reward.Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		return reward.Result{}, ledger.ErrAlreadyRunning
	}
	defer e.running.Store(false)

	release, ok, err := e.lock.TryAcquire(ctx)
	if err != nil {
		return reward.Result{}, err
	}
	if !ok {
		return reward.Result{}, fmt.Errorf("round lock held elsewhere: %w", ledger.ErrAlreadyRunning)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			e.log.WithError(err).Warn("release round lock failed")
		}
	}()

	runID = strings.TrimSpace(runID)
	if runID == "" {
		runID = "round-" + uuid.NewString()
	}
	started := time.Now()

	var resumed []string
	for _, prior := range e.unfinished(runID) {
		res, err := e.process(ctx, prior)
		if err != nil {
			return reward.Result{RunID: runID, Resumed: resumed}, err
		}
		resumed = append(resumed, prior.ID)
		if res.Stopped {
			e.log.WithField("run_id", prior.ID).Warn("round stopped while finishing an earlier run")
			return reward.Result{RunID: runID, Resumed: resumed, Stopped: true, Deferred: res.Deferred}, nil
		}
	}

	run, err := e.plan(ctx, runID)
	if err != nil {
		return reward.Result{RunID: runID, Resumed: resumed}, err
	}
	res, err := e.process(ctx, run)
	res.Resumed = resumed
	if err != nil {
		return res, err
	}

	e.log.WithField("run_id", runID).
		WithField("epoch", res.Epoch).
		WithField("pairs", len(res.Pairs)).
		WithField("failed", res.Failed).
		WithField("stopped", res.Stopped).
		Infof("distribution round credited %d in %s", res.Credited, time.Since(started).Round(time.Millisecond))
	return res, nil
}

func (e *Engine) unfinished(except string) []reward.Run {
	var out []reward.Run
	_ = e.ledger.View(func(tx *ledger.Tx) error {
		for _, r := range tx.Runs() {
			if r.ID != except && r.Status != reward.RunCompleted {
				out = append(out, r)
			}
		}
		return nil
	})
	return out
}

// plan loads run runID or freezes a new plan: every staked target with usage
// since its cursor, with a reward of BaseRate per usage event.
func (e *Engine) plan(ctx context.Context, runID string) (reward.Run, error) {
	var (
		existing reward.Run
		found    bool
		targets  []plannedTarget
		cutoff   time.Time
		epoch    uint64
		policy   emission.Policy
	)
	_ = e.ledger.View(func(tx *ledger.Tx) error {
		if existing, found = tx.Run(runID); found {
			return nil
		}
		cutoff, epoch = tx.Now(), tx.Epoch()
		policy = tx.PolicyAt(epoch)
		for _, t := range tx.Targets() {
			if t.TotalStaked > 0 {
				targets = append(targets, plannedTarget{id: t.ID, cursor: t.UsageCursor})
			}
		}
		return nil
	})
	if found {
		return existing, nil
	}

	var planned []reward.RunTarget
	for _, t := range targets {
		if e.usage == nil {
			break
		}
		events, err := e.usage.UsageEvents(ctx, t.id, t.cursor, cutoff)
		if err != nil {
			return reward.Run{}, fmt.Errorf("load usage for %s: %w", t.id, err)
		}
		if len(events) == 0 {
			continue
		}
		hi, base := bits.Mul64(policy.BaseRate, uint64(len(events)))
		if hi != 0 {
			return reward.Run{}, fmt.Errorf("base reward for %s: %w", t.id, ledger.ErrOverflow)
		}
		var cost uint64
		for _, ev := range events {
			cost += ev.Cost
		}
		planned = append(planned, reward.RunTarget{
			Target:     t.id,
			UsageCount: len(events),
			UsageCost:  cost,
			BaseReward: base,
			Status:     reward.TargetPending,
		})
	}

	run := reward.Run{ID: runID, Epoch: epoch, Cutoff: cutoff, Status: reward.RunRunning, Targets: planned}
	if len(planned) == 0 {
		run.Status = reward.RunCompleted
	}
	err := e.ledger.Update(ctx, func(tx *ledger.Tx) error {
		if prior, ok := tx.Run(runID); ok {
			run = prior
			return nil
		}
		run.CreatedAt = tx.Now()
		tx.PutRun(run)
		return nil
	})
	return run, err
}

type plannedTarget struct {
	id     string
	cursor time.Time
}

// process walks the run's plan. Targets not reached before ctx is cancelled
// are deferred and picked up by the next round.
func (e *Engine) process(ctx context.Context, run reward.Run) (reward.Result, error) {
	res := reward.Result{RunID: run.ID, Epoch: run.Epoch}
	var policy emission.Policy
	_ = e.ledger.View(func(tx *ledger.Tx) error {
		policy = tx.PolicyAt(run.Epoch)
		return nil
	})

	for i, rt := range run.Targets {
		if ctx.Err() != nil {
			return e.stop(ctx, run, i, res)
		}
		pairs, stopped, err := e.processTarget(ctx, run, rt, policy)
		for _, p := range pairs {
			res.Pairs = append(res.Pairs, p)
			switch p.Outcome {
			case reward.OutcomeApplied, reward.OutcomeCapped:
				res.Credited += p.Receipt.Amount
			case reward.OutcomeFailed:
				res.Failed++
			}
		}
		if err != nil {
			return res, err
		}
		if stopped {
			return e.stop(ctx, run, i, res)
		}
		if rt.Status != reward.TargetDone {
			if err := e.finishTarget(ctx, run.ID, rt.Target); err != nil {
				return res, err
			}
		}
	}

	if run.Status != reward.RunCompleted {
		err := e.ledger.Update(context.WithoutCancel(ctx), func(tx *ledger.Tx) error {
			r, ok := tx.Run(run.ID)
			if !ok {
				return fmt.Errorf("run %q: %w", run.ID, ledger.ErrUnknownRun)
			}
			r.Status = reward.RunCompleted
			tx.PutRun(r)
			return nil
		})
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

func (e *Engine) stop(ctx context.Context, run reward.Run, from int, res reward.Result) (reward.Result, error) {
	res.Stopped = true
	for _, rt := range run.Targets[from:] {
		if rt.Status != reward.TargetDone {
			res.Deferred = append(res.Deferred, rt.Target)
		}
	}
	err := e.ledger.Update(context.WithoutCancel(ctx), func(tx *ledger.Tx) error {
		r, ok := tx.Run(run.ID)
		if !ok {
			return fmt.Errorf("run %q: %w", run.ID, ledger.ErrUnknownRun)
		}
		for i := range r.Targets {
			if r.Targets[i].Status != reward.TargetDone {
				r.Targets[i].Status = reward.TargetDeferred
			}
		}
		r.Status = reward.RunStopped
		tx.PutRun(r)
		return nil
	})
	e.log.WithField("run_id", run.ID).
		WithField("deferred", len(res.Deferred)).
		Warn("distribution round stopped")
	return res, err
}

func (e *Engine) finishTarget(ctx context.Context, runID, target string) error {
	return e.ledger.Update(context.WithoutCancel(ctx), func(tx *ledger.Tx) error {
		r, ok := tx.Run(runID)
		if !ok {
			return fmt.Errorf("run %q: %w", runID, ledger.ErrUnknownRun)
		}
		for i := range r.Targets {
			if r.Targets[i].Target == target {
				r.Targets[i].Status = reward.TargetDone
			}
		}
		tx.PutRun(r)

		tgt, err := tx.MustTarget(target)
		if err != nil {
			return err
		}
		if tgt.UsageCursor.Before(r.Cutoff) {
			tgt.UsageCursor = r.Cutoff
			tx.PutTarget(tgt)
		}
		return nil
	})
}

// processTarget settles every identity with a receipt or an active position
// on the target. Targets already done only revisit their receipts.
func (e *Engine) processTarget(ctx context.Context, run reward.Run, rt reward.RunTarget, policy emission.Policy) ([]reward.PairResult, bool, error) {
	seen := make(map[string]struct{})
	_ = e.ledger.View(func(tx *ledger.Tx) error {
		for _, r := range tx.Receipts(func(r reward.Receipt) bool { return r.RunID == run.ID && r.Target == rt.Target }) {
			seen[r.Identity] = struct{}{}
		}
		if rt.Status != reward.TargetDone {
			for _, p := range tx.PositionsByTarget(rt.Target) {
				if p.Active() {
					seen[p.Identity] = struct{}{}
				}
			}
		}
		return nil
	})
	identities := make([]string, 0, len(seen))
	for id := range seen {
		identities = append(identities, id)
	}
	sort.Strings(identities)

	var pairs []reward.PairResult
	for _, identity := range identities {
		if ctx.Err() != nil {
			return pairs, true, nil
		}
		pair, ok, err := e.settle(ctx, run, rt, identity, policy)
		if err != nil {
			if ctx.Err() != nil {
				return pairs, true, nil
			}
			return pairs, false, err
		}
		if ok {
			pairs = append(pairs, pair)
		}
	}
	return pairs, false, nil
}

// settle credits one (identity, target) pair in a single ledger transaction.
// A failure is recorded as a failed receipt so that a re-run retries it.
func (e *Engine) settle(ctx context.Context, run reward.Run, rt reward.RunTarget, identity string, policy emission.Policy) (reward.PairResult, bool, error) {
	key := reward.Key{RunID: run.ID, Identity: identity, Target: rt.Target}

	var (
		tier    subscription.Tier
		hasTier bool
		tierErr error
	)
	if e.tiers != nil {
		tier, hasTier, tierErr = e.tiers.Tier(ctx, identity)
	}

	var (
		pair reward.PairResult
		ok   bool
	)
	err := e.ledger.Update(ctx, func(tx *ledger.Tx) error {
		existing, found := tx.Receipt(key)
		if found && existing.Final() {
			pair, ok = reward.PairResult{Receipt: existing, Outcome: reward.OutcomeAlreadyApplied}, true
			return nil
		}
		pos, active := tx.Position(identity, rt.Target)
		if !active || !pos.Active() {
			if found {
				pair, ok = reward.PairResult{Receipt: existing, Outcome: reward.OutcomeFailed}, true
			}
			return nil
		}
		if tierErr != nil {
			return fmt.Errorf("subscription lookup: %w", tierErr)
		}
		tgt, err := tx.MustTarget(rt.Target)
		if err != nil {
			return err
		}

		ratio := float64(pos.Amount) / float64(tgt.TotalStaked)
		k, err := policy.KappaTable().Kappa(ratio)
		if err != nil {
			return err
		}
		mult := policy.TierMultiplier(tier, hasTier)
		share, err := Share(rt.BaseReward, pos.Amount, tgt.TotalStaked, k, mult)
		if err != nil {
			return err
		}

		capKey := ledger.EmissionKey{Epoch: run.Epoch}
		if policy.CapScope == emission.CapPerTarget {
			capKey.Target = rt.Target
		}
		var remaining uint64
		if used := tx.Emitted(capKey); policy.EpochCap > used {
			remaining = policy.EpochCap - used
		}
		paid := min(share, remaining)

		acct, err := tx.MustAccount(identity)
		if err != nil {
			return err
		}
		if policy.RewardAsset == emission.RewardBase {
			acct.BaseBalance, err = ledger.Add(acct.BaseBalance, paid)
		} else {
			acct.SpendableCredits, err = ledger.Add(acct.SpendableCredits, paid)
		}
		if err != nil {
			return err
		}
		tx.PutAccount(acct)
		if err := tx.AddEmitted(capKey, paid); err != nil {
			return err
		}
		if capKey.Target != "" {
			if err := tx.AddEmitted(ledger.EmissionKey{Epoch: run.Epoch}, paid); err != nil {
				return err
			}
		}
		pos.LastDistributionEpoch = run.Epoch
		tx.PutPosition(pos)

		status, outcome, entryStatus := reward.StatusApplied, reward.OutcomeApplied, activity.StatusCompleted
		if paid < share {
			status, outcome, entryStatus = reward.StatusCapped, reward.OutcomeCapped, activity.StatusCapped
		}
		receipt := tx.PutReceipt(reward.Receipt{
			RunID:          run.ID,
			Identity:       identity,
			Target:         rt.Target,
			Epoch:          run.Epoch,
			Amount:         paid,
			Requested:      share,
			StakeAmount:    pos.Amount,
			TargetTotal:    tgt.TotalStaked,
			StakeRatio:     ratio,
			Kappa:          k,
			TierMultiplier: mult,
			Status:         status,
		})
		tx.Record(activity.Entry{
			Identity:  identity,
			Category:  activity.CategoryReward,
			Amount:    paid,
			Status:    entryStatus,
			Reference: run.ID,
		})
		pair, ok = reward.PairResult{Receipt: receipt, Outcome: outcome}, true
		return nil
	})
	if err == nil {
		return pair, ok, nil
	}
	if ctx.Err() != nil {
		return reward.PairResult{}, false, ctx.Err()
	}
	if errors.Is(err, context.Canceled) {
		return reward.PairResult{}, false, err
	}

	e.log.WithError(err).
		WithField("run_id", run.ID).
		WithField("identity", identity).
		WithField("target", rt.Target).
		Warn("reward credit failed")
	return e.fail(ctx, run, rt.Target, identity, err)
}

func (e *Engine) fail(ctx context.Context, run reward.Run, target, identity string, cause error) (reward.PairResult, bool, error) {
	var pair reward.PairResult
	err := e.ledger.Update(context.WithoutCancel(ctx), func(tx *ledger.Tx) error {
		receipt := tx.PutReceipt(reward.Receipt{
			RunID:    run.ID,
			Identity: identity,
			Target:   target,
			Epoch:    run.Epoch,
			Status:   reward.StatusFailed,
			Error:    cause.Error(),
		})
		tx.Record(activity.Entry{
			Identity:  identity,
			Category:  activity.CategoryReward,
			Status:    activity.StatusFailed,
			Reference: run.ID,
		})
		pair = reward.PairResult{Receipt: receipt, Outcome: reward.OutcomeFailed}
		return nil
	})
	if err != nil {
		return reward.PairResult{}, false, fmt.Errorf("record failed receipt: %w", err)
	}
	return pair, true, nil
}

// Share computes floor(base * amount/total * kappa * tier).
func Share(base, amount, total uint64, kappa, tier float64) (uint64, error) {
	if total == 0 || amount > total {
		return 0, fmt.Errorf("stake %d of %d: %w", amount, total, ledger.ErrInvalidAmount)
	}
	hi, lo := bits.Mul64(base, amount)
	pro, _ := bits.Div64(hi, lo, total)
	v := math.Floor(float64(pro) * kappa * tier)
	if math.IsNaN(v) || v < 0 {
		return 0, fmt.Errorf("share multiplier %v x %v: %w", kappa, tier, ledger.ErrInvalidAmount)
	}
	if v >= math.MaxUint64 {
		return 0, ledger.ErrOverflow
	}
	return uint64(v), nil
}

// Run returns a round plan.
func (e *Engine) Run(ctx context.Context, runID string) (reward.Run, error) {
	var run reward.Run
	err := e.ledger.View(func(tx *ledger.Tx) error {
		var ok bool
		if run, ok = tx.Run(runID); !ok {
			return fmt.Errorf("run %q: %w", runID, ledger.ErrUnknownRun)
		}
		return nil
	})
	return run, err
}

// Runs lists every round in creation order.
func (e *Engine) Runs(ctx context.Context) []reward.Run {
	var out []reward.Run
	_ = e.ledger.View(func(tx *ledger.Tx) error {
		out = tx.Runs()
		return nil
	})
	return out
}

// Receipts returns the receipts of a round in sequence order.
func (e *Engine) Receipts(ctx context.Context, runID string) []reward.Receipt {
	return e.receipts(func(r reward.Receipt) bool { return r.RunID == runID })
}

// ReceiptsByIdentity returns every receipt of identity.
func (e *Engine) ReceiptsByIdentity(ctx context.Context, identity string) []reward.Receipt {
	return e.receipts(func(r reward.Receipt) bool { return r.Identity == identity })
}

// ReceiptsByTarget returns every receipt for stakes on target.
func (e *Engine) ReceiptsByTarget(ctx context.Context, target string) []reward.Receipt {
	return e.receipts(func(r reward.Receipt) bool { return r.Target == target })
}

func (e *Engine) receipts(filter func(reward.Receipt) bool) []reward.Receipt {
	var out []reward.Receipt
	_ = e.ledger.View(func(tx *ledger.Tx) error {
		out = tx.Receipts(filter)
		return nil
	})
	return out
}

// EpochEmitted returns the total credited in epoch across all targets.
func (e *Engine) EpochEmitted(ctx context.Context, epoch uint64) uint64 {
	var v uint64
	_ = e.ledger.View(func(tx *ledger.Tx) error {
		v = tx.Emitted(ledger.EmissionKey{Epoch: epoch})
		return nil
	})
	return v
}
