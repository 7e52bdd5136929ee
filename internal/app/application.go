package app

import (
	"context"
	"fmt"
	"time"

	"github.com/R3E-Network/token_economy/internal/app/domain/emission"
	"github.com/R3E-Network/token_economy/internal/app/domain/grant"
	"github.com/R3E-Network/token_economy/internal/app/epoch"
	"github.com/R3E-Network/token_economy/internal/app/governance"
	"github.com/R3E-Network/token_economy/internal/app/ledger"
	"github.com/R3E-Network/token_economy/internal/app/services/accounts"
	activitysvc "github.com/R3E-Network/token_economy/internal/app/services/activity"
	"github.com/R3E-Network/token_economy/internal/app/services/distribution"
	emissionsvc "github.com/R3E-Network/token_economy/internal/app/services/emission"
	"github.com/R3E-Network/token_economy/internal/app/services/exchange"
	"github.com/R3E-Network/token_economy/internal/app/services/grants"
	"github.com/R3E-Network/token_economy/internal/app/services/staking"
	"github.com/R3E-Network/token_economy/internal/app/storage"
	"github.com/R3E-Network/token_economy/internal/app/storage/memory"
	"github.com/R3E-Network/token_economy/internal/app/system"
	"github.com/R3E-Network/token_economy/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Activity      storage.ActivityStore
	Receipts      storage.ReceiptStore
	Usage         storage.UsageFeed
	Subscriptions storage.SubscriptionStore
	Snapshots     storage.SnapshotStore
}

// Options tunes the economy. The zero value runs with a 24h epoch clock
// starting now, the default policy and exchange rate, and rejects every
// governance token.
type Options struct {
	Clock            epoch.Source
	PinClock         bool
	Rate             uint64
	Policy           *emission.Policy
	Authorizer       governance.Authorizer
	NewUserGrant     grant.Policy
	TargetGrant      grant.Policy
	MinStake         uint64
	Schedule         *emissionsvc.ScheduleConfig
	RoundLock        distribution.RoundLock
	RoundSchedule    string
	RoundTimeout     time.Duration
	SnapshotInterval time.Duration
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Ledger        *ledger.Ledger
	Authorizer    governance.Authorizer
	Accounts      *accounts.Service
	Exchange      *exchange.Service
	Staking       *staking.Service
	Emission      *emissionsvc.Service
	Distribution  *distribution.Engine
	Grants        *grants.Service
	Activity      *activitysvc.Service
	Usage         storage.UsageFeed
	Subscriptions storage.SubscriptionStore
	Receipts      storage.ReceiptStore

	scheduler   *distribution.Scheduler
	snapshotter *ledger.Snapshotter
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Activity == nil {
		stores.Activity = mem
	}
	if stores.Receipts == nil {
		stores.Receipts = mem
	}
	if stores.Usage == nil {
		stores.Usage = mem
	}
	if stores.Subscriptions == nil {
		stores.Subscriptions = mem
	}
	if stores.Snapshots == nil {
		stores.Snapshots = mem
	}

	clock := opts.Clock
	if clock == nil {
		clock = epoch.NewClock(time.Now().UTC(), epoch.DefaultLength)
	}
	policy := emission.Default()
	if opts.Policy != nil {
		policy = opts.Policy.Clone()
	}
	auth := opts.Authorizer
	if auth == nil {
		log.Warn("no governance verifier configured; governed operations are disabled")
		auth = governance.NewVerifier(nil, "")
	}

	ledgerOpts := []ledger.Option{
		ledger.WithLogger(log),
		ledger.WithGenesis(opts.Rate, policy),
		ledger.WithActivitySink(stores.Activity),
		ledger.WithReceiptSink(stores.Receipts),
		ledger.WithNewUserGrant(opts.NewUserGrant),
	}
	if opts.PinClock {
		ledgerOpts = append(ledgerOpts, ledger.WithPinnedClock())
	}
	l := ledger.New(clock, ledgerOpts...)

	stakingOpts := []staking.Option{staking.WithTargetGrant(opts.TargetGrant)}
	if opts.MinStake > 0 {
		stakingOpts = append(stakingOpts, staking.WithMinStake(opts.MinStake))
	}
	emissionService := emissionsvc.New(l, auth, log)
	if opts.Schedule != nil {
		emissionService.WithSchedule(*opts.Schedule)
	}
	var engineOpts []distribution.Option
	if opts.RoundLock != nil {
		engineOpts = append(engineOpts, distribution.WithLock(opts.RoundLock))
	}
	engine := distribution.New(l, stores.Usage, stores.Subscriptions, log, engineOpts...)

	manager := system.NewManager()
	for _, name := range []string{"accounts", "exchange", "staking", "emission", "grants", "activity"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	scheduler, err := distribution.NewScheduler(engine, opts.RoundSchedule, opts.RoundTimeout, log)
	if err != nil {
		return nil, err
	}
	snapshotter := ledger.NewSnapshotter(l, stores.Snapshots, opts.SnapshotInterval, log)
	for _, svc := range []system.Service{snapshotter, scheduler} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:       manager,
		log:           log,
		Ledger:        l,
		Authorizer:    auth,
		Accounts:      accounts.New(l, stores.Usage, log),
		Exchange:      exchange.New(l, auth, log),
		Staking:       staking.New(l, log, stakingOpts...),
		Emission:      emissionService,
		Distribution:  engine,
		Grants:        grants.New(l, log),
		Activity:      activitysvc.New(stores.Activity, log),
		Usage:         stores.Usage,
		Subscriptions: stores.Subscriptions,
		Receipts:      stores.Receipts,
		scheduler:     scheduler,
		snapshotter:   snapshotter,
	}, nil
}

// Restore loads the most recent ledger snapshot. Call before Start.
func (a *Application) Restore(ctx context.Context) (bool, error) {
	return a.snapshotter.RestoreLatest(ctx)
}

// Services lists the registered lifecycle services in start order.
func (a *Application) Services() []system.Service {
	return a.manager.Services()
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services. The snapshotter stops after the scheduler so the
// final snapshot includes the last round.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
