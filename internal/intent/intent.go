package intent

import (
	"context"
	"fmt"
	"time"

	"github.com/ksred/klear-exec/internal/database"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Config controls the registry's concurrency and retention rules.
type Config struct {
	ScaleIn           bool `yaml:"scale_in"`
	MaxPendingPerSide int  `yaml:"max_pending_per_side"`
	HistoryLimit      int  `yaml:"history_limit"`
}

// DefaultConfig allows one active intent per side and keeps 500 history rows.
func DefaultConfig() Config {
	return Config{
		ScaleIn:           false,
		MaxPendingPerSide: 3,
		HistoryLimit:      500,
	}
}

// maxActive is 1 unless scale-in explicitly allows more.
func (c Config) maxActive() int64 {
	if c.ScaleIn && c.MaxPendingPerSide > 1 {
		return int64(c.MaxPendingPerSide)
	}
	return 1
}

var transitions = map[types.IntentStatus][]types.IntentStatus{
	types.IntentPending:   {types.IntentExecuting, types.IntentFailed, types.IntentCancelled},
	types.IntentExecuting: {types.IntentExecuted, types.IntentFailed, types.IntentCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to types.IntentStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Service is the durable, idempotent intent registry.
type Service struct {
	store *database.Store
	db    *Database
	cfg   Config
	now   func() time.Time
}

// NewService creates a registry over the shared store
func NewService(store *database.Store, cfg Config) *Service {
	return &Service{
		store: store,
		db:    NewDatabase(),
		cfg:   cfg,
		now:   time.Now,
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register records a new intent as PENDING. A second call with the same
// intent_id fails with an idempotency conflict and leaves the original untouched.
func (s *Service) Register(ctx context.Context, intent *types.OrderIntent) error {
	logger := log.With().
		Str("intent_id", intent.IntentID).
		Str("symbol", intent.Symbol).
		Str("side", string(intent.Side)).
		Str("service", "intent_registry").
		Logger()

	if intent.IntentID == "" {
		return types.NewValidationError("missing_intent_id", "intent_id is required")
	}

	err := s.store.Update(ctx, func(tx *gorm.DB) error {
		existing, err := s.db.GetIntent(tx, intent.IntentID)
		if err != nil {
			return err
		}
		if existing != nil {
			return types.NewIdempotencyConflict(intent.IntentID)
		}

		active, err := s.db.CountActive(tx, intent.Symbol, intent.Side)
		if err != nil {
			return err
		}
		if limit := s.cfg.maxActive(); active >= limit {
			return types.NewValidationError("active_intent_limit",
				"%s %s already has %d active intent(s), limit is %d", intent.Symbol, intent.Side, active, limit)
		}

		now := s.now()
		intent.ID = 0
		intent.Status = types.IntentPending
		intent.ExchangeOrderID = ""
		intent.Error = ""
		intent.ExecutedAt = nil
		intent.CreatedAt = now
		intent.UpdatedAt = now
		return s.db.CreateIntent(tx, intent)
	})
	if err != nil {
		logger.Warn().Err(err).Msg("intent registration refused")
		return err
	}

	logger.Info().Str("entry_type", string(intent.EntryType)).Msg("intent registered")
	return nil
}

// UpdateStatus moves an intent along its lifecycle. Empty exchangeOrderID or
// errMsg leave the stored values unchanged.
func (s *Service) UpdateStatus(ctx context.Context, intentID string, status types.IntentStatus, exchangeOrderID, errMsg string) (*types.OrderIntent, error) {
	var updated *types.OrderIntent
	err := s.store.Update(ctx, func(tx *gorm.DB) error {
		intent, err := s.db.GetIntent(tx, intentID)
		if err != nil {
			return err
		}
		if intent == nil {
			return types.NewValidationError("unknown_intent", "intent %s not found", intentID)
		}
		if !CanTransition(intent.Status, status) {
			return types.NewValidationError("invalid_transition",
				"intent %s cannot move from %s to %s", intentID, intent.Status, status)
		}

		now := s.now()
		intent.Status = status
		intent.UpdatedAt = now
		if exchangeOrderID != "" {
			intent.ExchangeOrderID = exchangeOrderID
		}
		if errMsg != "" {
			intent.Error = errMsg
		}
		if status == types.IntentExecuted {
			intent.ExecutedAt = &now
		}
		if err := s.db.UpdateIntent(tx, intent); err != nil {
			return err
		}
		updated = intent
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("intent_id", intentID).
		Str("status", string(status)).
		Str("exchange_order_id", updated.ExchangeOrderID).
		Str("service", "intent_registry").
		Msg("intent status updated")
	return updated, nil
}

// Get retrieves an intent by ID, or nil when unknown.
func (s *Service) Get(ctx context.Context, intentID string) (*types.OrderIntent, error) {
	var out *types.OrderIntent
	err := s.store.View(ctx, func(db *gorm.DB) error {
		var err error
		out, err = s.db.GetIntent(db, intentID)
		return err
	})
	return out, err
}

// ListActive returns PENDING/EXECUTING intents for symbol+side, oldest first.
func (s *Service) ListActive(ctx context.Context, symbol string, side types.Side) ([]types.OrderIntent, error) {
	var out []types.OrderIntent
	err := s.store.View(ctx, func(db *gorm.DB) error {
		var err error
		out, err = s.db.ListActive(db, symbol, side)
		return err
	})
	return out, err
}

// ListOpen returns every PENDING or EXECUTING intent.
func (s *Service) ListOpen(ctx context.Context) ([]types.OrderIntent, error) {
	return s.ListByStatus(ctx, types.IntentPending, types.IntentExecuting)
}

// ListByStatus returns the intents in any of statuses.
func (s *Service) ListByStatus(ctx context.Context, statuses ...types.IntentStatus) ([]types.OrderIntent, error) {
	var out []types.OrderIntent
	err := s.store.View(ctx, func(db *gorm.DB) error {
		var err error
		out, err = s.db.ListByStatus(db, statuses...)
		return err
	})
	return out, err
}

// ListRestingLimits returns LIMIT intents waiting on the exchange.
func (s *Service) ListRestingLimits(ctx context.Context) ([]types.OrderIntent, error) {
	var out []types.OrderIntent
	err := s.store.View(ctx, func(db *gorm.DB) error {
		var err error
		out, err = s.db.ListRestingLimits(db)
		return err
	})
	return out, err
}

// PurgeOlderThan removes terminal intents whose last update is older than
// age. Executed intents still backing an open position are kept.
func (s *Service) PurgeOlderThan(ctx context.Context, age time.Duration) (int, error) {
	now := s.now()
	cutoff := now.Add(-age)
	purged := 0

	err := s.store.Update(ctx, func(tx *gorm.DB) error {
		intents, err := s.db.ListTerminalBefore(tx, cutoff)
		if err != nil {
			return err
		}
		for i := range intents {
			open, err := s.db.HasOpenPosition(tx, intents[i].IntentID)
			if err != nil {
				return err
			}
			if open {
				continue
			}
			if err := s.db.DeleteIntent(tx, &intents[i], s.cfg.HistoryLimit, now); err != nil {
				return fmt.Errorf("failed to purge intent %s: %w", intents[i].IntentID, err)
			}
			purged++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if purged > 0 {
		log.Info().
			Int("purged", purged).
			Time("cutoff", cutoff).
			Str("service", "intent_registry").
			Msg("purged terminal intents")
	}
	return purged, nil
}
