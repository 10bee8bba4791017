package position

import (
	"context"
	"math"

	"github.com/google/uuid"
	"github.com/ksred/klear-exec/internal/exchange"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Mismatch codes reported by Reconcile.
const (
	MismatchMissing  = "position_missing"
	MismatchSideFlip = "side_flipped"
	MismatchDrift    = "size_or_entry_drift"
	MismatchUnknown  = "untracked_position"
)

// Mismatch is one disagreement between stored metadata and the exchange.
// Err carries the RECONCILIATION_MISMATCH error that was logged for it.
// Adopted is set for untracked positions, Corrected for drift fixes; both
// still need their protective stop sized to the live quantity.
type Mismatch struct {
	Symbol    string
	Side      types.Side
	Code      string
	Adopted   *types.PositionMetadata
	Corrected *types.PositionMetadata
	Err       error
}

// Reconcile compares stored metadata with live exchange positions and
// corrects the metadata toward the exchange. Live positions on watched
// symbols with no metadata are adopted. Per-symbol exchange failures are
// logged and skipped.
func (s *Service) Reconcile(ctx context.Context, ex exchange.Exchange, watched []string) ([]Mismatch, error) {
	logger := log.With().Str("component", "reconcile").Logger()

	stored, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(stored)+len(watched))
	seen := make(map[string]bool)
	for _, p := range stored {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			symbols = append(symbols, p.Symbol)
		}
	}
	watchedSet := make(map[string]bool, len(watched))
	for _, sym := range watched {
		watchedSet[sym] = true
		if !seen[sym] {
			seen[sym] = true
			symbols = append(symbols, sym)
		}
	}

	bySymbol := make(map[string][]types.PositionMetadata)
	for _, p := range stored {
		bySymbol[p.Symbol] = append(bySymbol[p.Symbol], p)
	}

	var mismatches []Mismatch
	for _, sym := range symbols {
		live, err := s.livePosition(ctx, ex, sym)
		if err != nil {
			logger.Error().Err(err).Str("symbol", sym).Msg("failed to fetch live position")
			continue
		}

		found, err := s.reconcileSymbol(ctx, sym, bySymbol[sym], live, watchedSet[sym])
		if err != nil {
			logger.Error().Err(err).Str("symbol", sym).Msg("failed to correct position metadata")
			continue
		}
		for _, m := range found {
			logger.Warn().
				Err(m.Err).
				Str("symbol", m.Symbol).
				Str("side", string(m.Side)).
				Str("code", m.Code).
				Msg("reconciliation mismatch corrected")
		}
		mismatches = append(mismatches, found...)
	}
	return mismatches, nil
}

func (s *Service) livePosition(ctx context.Context, ex exchange.Exchange, symbol string) (*exchange.Position, error) {
	if s.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()
	}
	return ex.GetPosition(ctx, symbol)
}

func (s *Service) reconcileSymbol(ctx context.Context, symbol string, stored []types.PositionMetadata, live *exchange.Position, watched bool) ([]Mismatch, error) {
	var out []Mismatch
	flat := live == nil || live.Size <= 0
	if len(stored) == 0 && (flat || !watched) {
		return nil, nil
	}

	err := s.store.Update(ctx, func(tx *gorm.DB) error {
		matched := false
		for i := range stored {
			pos := stored[i]
			switch {
			case flat:
				if _, err := s.RemoveTx(tx, pos.Symbol, pos.Side, Close{Reason: types.CloseStale}); err != nil {
					return err
				}
				out = append(out, mismatch(pos.Symbol, pos.Side, MismatchMissing,
					"%s %s has metadata but no live position", pos.Symbol, pos.Side))

			case live.Side != pos.Side:
				if _, err := s.RemoveTx(tx, pos.Symbol, pos.Side, Close{Reason: types.CloseStale}); err != nil {
					return err
				}
				out = append(out, mismatch(pos.Symbol, pos.Side, MismatchSideFlip,
					"%s stored as %s but exchange holds %s", pos.Symbol, pos.Side, live.Side))

			default:
				matched = true
				if !s.drifted(pos.Quantity, live.Size) && !s.drifted(pos.EntryPrice, live.EntryPrice) {
					continue
				}
				m := mismatch(pos.Symbol, pos.Side, MismatchDrift,
					"%s %s stored qty=%v entry=%v, exchange qty=%v entry=%v",
					pos.Symbol, pos.Side, pos.Quantity, pos.EntryPrice, live.Size, live.EntryPrice)
				pos.Quantity = live.Size
				if live.EntryPrice > 0 {
					pos.EntryPrice = live.EntryPrice
				}
				pos.UpdatedAt = s.now()
				if err := s.db.SavePosition(tx, &pos); err != nil {
					return err
				}
				st, err := s.db.GetTrailing(tx, pos.Symbol, pos.Side)
				if err != nil {
					return err
				}
				if st != nil && st.Quantity != pos.Quantity {
					st.Quantity = pos.Quantity
					if err := s.db.SaveTrailing(tx, st); err != nil {
						return err
					}
				}
				corrected := pos
				m.Corrected = &corrected
				out = append(out, m)
			}
		}

		if flat || matched || !watched {
			return nil
		}

		now := s.now()
		adopted := &types.PositionMetadata{
			Symbol:     symbol,
			Side:       live.Side,
			IntentID:   "adopted-" + uuid.New().String(),
			OpenedAt:   now,
			EntryPrice: live.EntryPrice,
			Quantity:   live.Size,
			Leverage:   s.cfg.AdoptLeverage,
			EntryType:  types.EntryMarket,
			TPPct:      s.cfg.AdoptTPPct,
			SLPct:      s.cfg.AdoptSLPct,
			UpdatedAt:  now,
		}
		if err := s.db.SavePosition(tx, adopted); err != nil {
			return err
		}
		m := mismatch(symbol, live.Side, MismatchUnknown,
			"%s %s live on exchange without metadata, adopted", symbol, live.Side)
		m.Adopted = adopted
		out = append(out, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) drifted(stored, live float64) bool {
	if live <= 0 {
		return false
	}
	if stored <= 0 {
		return true
	}
	return math.Abs(stored-live)/live*100 > s.cfg.DriftTolerancePct
}

func mismatch(symbol string, side types.Side, code, format string, args ...any) Mismatch {
	return Mismatch{
		Symbol: symbol,
		Side:   side,
		Code:   code,
		Err:    types.NewReconciliationMismatch(code, format, args...),
	}
}
