package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/token_economy/internal/app/system"
	"github.com/R3E-Network/token_economy/pkg/logger"
)

// SnapshotStore persists encoded ledger snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, takenAt time.Time, data []byte) error
	LatestSnapshot(ctx context.Context) ([]byte, bool, error)
}

var _ system.Service = (*Snapshotter)(nil)

// Snapshotter periodically writes the ledger to a SnapshotStore and writes a
// final snapshot on stop.
type Snapshotter struct {
	ledger   *Ledger
	store    SnapshotStore
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewSnapshotter creates a snapshot runner. A non-positive interval defaults
// to one minute.
func NewSnapshotter(l *Ledger, store SnapshotStore, interval time.Duration, log *logger.Logger) *Snapshotter {
	if log == nil {
		log = logger.NewDefault("ledger-snapshotter")
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Snapshotter{ledger: l, store: store, interval: interval, log: log}
}

// RestoreLatest loads the newest stored snapshot, if any, and then resumes
// the sequence counters from the ledger sinks.
func (s *Snapshotter) RestoreLatest(ctx context.Context) (bool, error) {
	data, ok, err := s.store.LatestSnapshot(ctx)
	if err != nil {
		return false, err
	}
	if ok {
		if err := s.ledger.UnmarshalSnapshot(data); err != nil {
			return false, err
		}
		s.log.Info("ledger restored from snapshot")
	}
	if err := s.ledger.ResumeSequences(ctx); err != nil {
		return ok, err
	}
	return ok, nil
}

func (s *Snapshotter) Name() string { return "ledger-snapshotter" }

func (s *Snapshotter) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := s.Save(runCtx); err != nil {
					s.log.WithError(err).Warn("ledger snapshot failed")
				}
			}
		}
	}()

	s.log.Infof("ledger snapshotter started (interval %s)", s.interval)
	return nil
}

func (s *Snapshotter) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := s.Save(ctx); err != nil {
		s.log.WithError(err).Warn("final ledger snapshot failed")
		return err
	}
	s.log.Info("ledger snapshotter stopped")
	return nil
}

// Save writes one snapshot now.
func (s *Snapshotter) Save(ctx context.Context) error {
	snap := s.ledger.Snapshot()
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	return s.store.SaveSnapshot(ctx, snap.TakenAt, data)
}
