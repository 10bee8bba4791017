package position

import (
	"context"
	"time"

	"github.com/ksred/klear-exec/internal/database"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Config controls history retention and how reconciliation adopts and corrects positions.
type Config struct {
	HistoryLimit int `yaml:"history_limit"`
	// DriftTolerancePct is the relative size/entry difference tolerated
	// before metadata is corrected toward the exchange.
	DriftTolerancePct float64 `yaml:"drift_tolerance_pct"`
	// AdoptLeverage and AdoptSLPct seed metadata for live positions the
	// engine finds without a record.
	AdoptLeverage int           `yaml:"adopt_leverage"`
	AdoptSLPct    float64       `yaml:"adopt_sl_pct"`
	AdoptTPPct    float64       `yaml:"adopt_tp_pct"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
}

// DefaultConfig returns the position store defaults.
func DefaultConfig() Config {
	return Config{
		HistoryLimit:      500,
		DriftTolerancePct: 0.5,
		AdoptLeverage:     1,
		AdoptSLPct:        2,
		AdoptTPPct:        0,
		CallTimeout:       10 * time.Second,
	}
}

// Close describes why and where a position left the book.
type Close struct {
	Reason    string
	ExitPrice float64
}

// Service is the durable record of open positions and their closes.
type Service struct {
	store *database.Store
	db    *Database
	cfg   Config
	now   func() time.Time
}

// NewService creates a position metadata service backed by store.
func NewService(store *database.Store, cfg Config) *Service {
	return &Service{
		store: store,
		db:    NewDatabase(),
		cfg:   cfg,
		now:   time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Upsert stores pos as the live record for its symbol and side.
func (s *Service) Upsert(ctx context.Context, pos *types.PositionMetadata) error {
	if !pos.Side.Valid() || pos.Symbol == "" {
		return types.NewValidationError("invalid_position", "position needs a symbol and side, got %q %q", pos.Symbol, pos.Side)
	}
	pos.UpdatedAt = s.now()
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = pos.UpdatedAt
	}

	err := s.store.Update(ctx, func(tx *gorm.DB) error {
		return s.db.SavePosition(tx, pos)
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Str("intent_id", pos.IntentID).
		Float64("entry_price", pos.EntryPrice).
		Float64("quantity", pos.Quantity).
		Msg("position metadata stored")
	return nil
}

// Get returns the open position for symbol and side, or nil.
func (s *Service) Get(ctx context.Context, symbol string, side types.Side) (*types.PositionMetadata, error) {
	var out *types.PositionMetadata
	err := s.store.View(ctx, func(db *gorm.DB) error {
		var err error
		out, err = s.db.GetPosition(db, symbol, side)
		return err
	})
	return out, err
}

// ListBySymbol returns the open positions on symbol.
func (s *Service) ListBySymbol(ctx context.Context, symbol string) ([]types.PositionMetadata, error) {
	var out []types.PositionMetadata
	err := s.store.View(ctx, func(db *gorm.DB) error {
		var err error
		out, err = s.db.ListBySymbol(db, symbol)
		return err
	})
	return out, err
}

// ListAll returns every open position.
func (s *Service) ListAll(ctx context.Context) ([]types.PositionMetadata, error) {
	var out []types.PositionMetadata
	err := s.store.View(ctx, func(db *gorm.DB) error {
		var err error
		out, err = s.db.ListPositions(db)
		return err
	})
	return out, err
}

// ListExpired returns positions whose time-in-trade limit has elapsed at now.
func (s *Service) ListExpired(ctx context.Context, now time.Time) ([]types.PositionMetadata, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.PositionMetadata
	for _, p := range all {
		limit := p.TimeInTradeLimit()
		if limit > 0 && !now.Before(p.OpenedAt.Add(limit)) {
			out = append(out, p)
		}
	}
	return out, nil
}

// History returns the newest closed trades first.
func (s *Service) History(ctx context.Context, limit int) ([]types.ClosedTrade, error) {
	var out []types.ClosedTrade
	err := s.store.View(ctx, func(db *gorm.DB) error {
		var err error
		out, err = s.db.ListHistory(db, limit)
		return err
	})
	return out, err
}

// Trailing returns the stored trailing stop for a position, or nil.
func (s *Service) Trailing(ctx context.Context, symbol string, side types.Side) (*types.TrailingStopState, error) {
	var out *types.TrailingStopState
	err := s.store.View(ctx, func(db *gorm.DB) error {
		var err error
		out, err = s.db.GetTrailing(db, symbol, side)
		return err
	})
	return out, err
}

// SaveTrailing persists a trailing stop state.
func (s *Service) SaveTrailing(ctx context.Context, st *types.TrailingStopState) error {
	return s.store.Update(ctx, func(tx *gorm.DB) error {
		return s.db.SaveTrailing(tx, st)
	})
}

// Remove deletes the live record and its trailing state and appends a
// closed-trade entry. It returns the removed record, or nil if none existed.
func (s *Service) Remove(ctx context.Context, symbol string, side types.Side, c Close) (*types.ClosedTrade, error) {
	var rec *types.ClosedTrade
	err := s.store.Update(ctx, func(tx *gorm.DB) error {
		var err error
		rec, err = s.RemoveTx(tx, symbol, side, c)
		return err
	})
	if err != nil || rec == nil {
		return rec, err
	}

	log.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Str("intent_id", rec.IntentID).
		Str("reason", c.Reason).
		Float64("exit_price", c.ExitPrice).
		Float64("pnl_pct", rec.PnLPct).
		Msg("position closed")
	return rec, nil
}

// RemoveTx is Remove inside a caller-owned transaction.
func (s *Service) RemoveTx(tx *gorm.DB, symbol string, side types.Side, c Close) (*types.ClosedTrade, error) {
	pos, err := s.db.GetPosition(tx, symbol, side)
	if err != nil || pos == nil {
		return nil, err
	}

	rec := &types.ClosedTrade{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		IntentID:   pos.IntentID,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  c.ExitPrice,
		Quantity:   pos.Quantity,
		Leverage:   pos.Leverage,
		PnLPct:     LeveragedPnLPct(pos, c.ExitPrice),
		Reason:     c.Reason,
		OpenedAt:   pos.OpenedAt,
		ClosedAt:   s.now(),
	}
	if err := database.AppendClosedTrade(tx, rec, s.cfg.HistoryLimit); err != nil {
		return nil, err
	}
	if err := s.db.DeleteTrailing(tx, symbol, side); err != nil {
		return nil, err
	}
	if err := s.db.DeletePosition(tx, symbol, side); err != nil {
		return nil, err
	}
	return rec, nil
}

// LeveragedPnLPct is the position's return at exit scaled by leverage.
// Zero when the exit price is unknown.
func LeveragedPnLPct(pos *types.PositionMetadata, exit float64) float64 {
	if exit <= 0 || pos.EntryPrice <= 0 {
		return 0
	}
	entry := decimal.NewFromFloat(pos.EntryPrice)
	move := decimal.NewFromFloat(exit).Sub(entry).Div(entry).Mul(decimal.NewFromInt(100))
	if pos.Side == types.SideShort {
		move = move.Neg()
	}
	lev := pos.Leverage
	if lev < 1 {
		lev = 1
	}
	out, _ := move.Mul(decimal.NewFromInt(int64(lev))).Round(4).Float64()
	return out
}
