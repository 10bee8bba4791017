package market

import (
	"context"
	"sync"

	"github.com/ksred/klear-exec/internal/types"
)

type Timeframe string

const (
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

type Trend string

const (
	TrendUp      Trend = "UP"
	TrendDown    Trend = "DOWN"
	TrendNeutral Trend = "NEUTRAL"
)

// Aligned scores a trend label against a position side: 1 agrees, 0 neutral, -1 opposes.
func (t Trend) Aligned(side types.Side) int {
	switch t {
	case TrendUp:
		if side == types.SideLong {
			return 1
		}
		return -1
	case TrendDown:
		if side == types.SideShort {
			return 1
		}
		return -1
	default:
		return 0
	}
}

// TimeframeSnapshot summarizes one timeframe: its trend label and the sign
// of its recent return.
type TimeframeSnapshot struct {
	Timeframe Timeframe `json:"timeframe"`
	Trend     Trend     `json:"trend"`
	ReturnPct float64   `json:"return_pct"`
}

// Snapshot is the indicator view of a symbol at one instant.
type Snapshot struct {
	Symbol     string              `json:"symbol"`
	Price      float64             `json:"price"`
	ATR        float64             `json:"atr"`
	FastMA     float64             `json:"fast_ma"`
	SlowMA     float64             `json:"slow_ma"`
	Timeframes []TimeframeSnapshot `json:"timeframes"`
}

// Provider supplies computed indicators. Indicator math lives outside the engine.
type Provider interface {
	Snapshot(ctx context.Context, symbol string) (*Snapshot, error)
}

// Static is a Provider backed by snapshots pushed in by the caller.
type Static struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

// NewStatic creates an empty feed.
func NewStatic() *Static {
	return &Static{snaps: make(map[string]Snapshot)}
}

// Set stores snap as the latest view of its symbol.
func (s *Static) Set(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.Symbol] = snap
}

// SetPrice updates only the price of an existing snapshot.
func (s *Static) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snaps[symbol]
	snap.Symbol = symbol
	snap.Price = price
	s.snaps[symbol] = snap
}

// Snapshot returns the latest snapshot for symbol.
func (s *Static) Snapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[symbol]
	if !ok || snap.Price <= 0 {
		return nil, types.NewTransientError("market_snapshot", errNoData(symbol))
	}
	out := snap
	out.Timeframes = append([]TimeframeSnapshot(nil), snap.Timeframes...)
	return &out, nil
}

type errNoData string

func (e errNoData) Error() string {
	return "no market data for " + string(e)
}
