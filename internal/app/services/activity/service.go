// Package activity answers queries over the append-only activity log.
package activity

import (
	"context"
	"fmt"
	"strings"

	domain "github.com/R3E-Network/token_economy/internal/app/domain/activity"
	"github.com/R3E-Network/token_economy/internal/app/ledger"
	"github.com/R3E-Network/token_economy/internal/app/storage"
	"github.com/R3E-Network/token_economy/pkg/logger"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Service reads activity entries.
type Service struct {
	store storage.ActivityStore
	log   *logger.Logger
}

// New constructs an activity query service.
func New(store storage.ActivityStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("activity")
	}
	return &Service{store: store, log: log}
}

// List returns the identity's entries in sequence order.
func (s *Service) List(ctx context.Context, identity string, filter domain.Filter) ([]domain.Entry, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, fmt.Errorf("identity is required: %w", ledger.ErrInvalidAmount)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, fmt.Errorf("time range ends before it starts: %w", ledger.ErrInvalidAmount)
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultLimit
	case filter.Limit > maxLimit:
		filter.Limit = maxLimit
	}
	return s.store.ListActivity(ctx, identity, filter)
}

// Stats summarises the identity's activity.
func (s *Service) Stats(ctx context.Context, identity string) (domain.Stats, error) {
	return s.store.ActivityStats(ctx, strings.TrimSpace(identity))
}
