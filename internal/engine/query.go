package engine

import (
	"context"
	"time"

	"github.com/ksred/klear-exec/internal/decision"
	"github.com/ksred/klear-exec/internal/exchange"
	"github.com/ksred/klear-exec/internal/regime"
	"github.com/ksred/klear-exec/internal/types"
)

// Version is reported by Health.
var Version = "dev"

// PositionState is the live view of one symbol.
type PositionState struct {
	Symbol    string                  `json:"symbol"`
	Positions []decision.PositionView `json:"positions"`
	Cooldowns []types.Cooldown        `json:"cooldowns,omitempty"`
}

// GetPositionState returns the open positions on symbol with their live
// trailing stops, marked at the current price when one is available.
func (e *Engine) GetPositionState(ctx context.Context, symbol string) (*PositionState, error) {
	metas, err := e.Positions.ListBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}

	mark := 0.0
	if len(metas) > 0 {
		if snap, err := e.snapshot(ctx, symbol); err == nil {
			mark = snap.Price
		}
	}

	out := &PositionState{Symbol: symbol, Positions: []decision.PositionView{}}
	for _, meta := range metas {
		st, err := e.Positions.Trailing(ctx, meta.Symbol, meta.Side)
		if err != nil {
			return nil, err
		}
		out.Positions = append(out.Positions, decision.NewPositionView(meta, st, mark))
	}

	active, err := e.Cooldowns.Active(ctx, e.now())
	if err != nil {
		return nil, err
	}
	for _, cd := range active {
		if cd.Symbol == symbol {
			out.Cooldowns = append(out.Cooldowns, cd)
		}
	}
	return out, nil
}

// GetOpenIntents returns PENDING and EXECUTING intents.
func (e *Engine) GetOpenIntents(ctx context.Context) ([]types.OrderIntent, error) {
	return e.Intents.ListOpen(ctx)
}

// History returns the newest closed trades first.
func (e *Engine) History(ctx context.Context, limit int) ([]types.ClosedTrade, error) {
	return e.Positions.History(ctx, limit)
}

// DecisionContext assembles what a collaborator sees for symbol.
func (e *Engine) DecisionContext(ctx context.Context, symbol string) (decision.Context, error) {
	snap, err := e.snapshot(ctx, symbol)
	if err != nil {
		return decision.Context{}, err
	}

	in := decision.Context{
		SchemaVersion: decision.SchemaVersion,
		Symbol:        symbol,
		Snapshot:      snap,
		Regime: e.Classifier.Classify(symbol, regime.Inputs{
			Price:  snap.Price,
			FastMA: snap.FastMA,
			SlowMA: snap.SlowMA,
			ATR:    snap.ATR,
		}, false),
		Confluence: map[string]float64{
			string(types.SideLong):  e.Scorer.Score(types.SideLong, snap.Timeframes).Score,
			string(types.SideShort): e.Scorer.Score(types.SideShort, snap.Timeframes).Score,
		},
	}

	metas, err := e.Positions.ListAll(ctx)
	if err != nil {
		return decision.Context{}, err
	}
	marks := map[string]float64{symbol: snap.Price}
	for _, meta := range metas {
		mark, ok := marks[meta.Symbol]
		if !ok {
			if s, err := e.snapshot(ctx, meta.Symbol); err == nil {
				mark = s.Price
			}
			marks[meta.Symbol] = mark
		}
		st, err := e.Positions.Trailing(ctx, meta.Symbol, meta.Side)
		if err != nil {
			return decision.Context{}, err
		}
		in.Positions = append(in.Positions, decision.NewPositionView(meta, st, mark))
	}

	if in.Cooldowns, err = e.Cooldowns.Active(ctx, e.now()); err != nil {
		return decision.Context{}, err
	}
	return in, nil
}

// Health summarizes the engine's dependencies.
type Health struct {
	Status        string     `json:"status"`
	Version       string     `json:"version"`
	StateVersion  int64      `json:"state_version"`
	Database      string     `json:"database"`
	Breaker       string     `json:"exchange_breaker,omitempty"`
	OpenPositions int        `json:"open_positions"`
	OpenIntents   int        `json:"open_intents"`
	RestingLimits int        `json:"resting_limits"`
	LastTick      *time.Time `json:"last_tick,omitempty"`
	CheckedAt     time.Time  `json:"checked_at"`
}

// Healthy reports whether the engine can take new intents.
func (h *Health) Healthy() bool {
	return h.Status == "ok"
}

// Health reports store reachability and the exchange breaker state.
func (e *Engine) Health(ctx context.Context) *Health {
	h := &Health{
		Status:    "ok",
		Version:   Version,
		Database:  "ok",
		CheckedAt: e.now(),
	}

	if err := e.Store.Ping(ctx); err != nil {
		h.Status = "degraded"
		h.Database = err.Error()
		return h
	}
	if v, err := e.Store.Version(ctx); err == nil {
		h.StateVersion = v
	}

	if g, ok := e.Exchange.(interface{ State() exchange.BreakerState }); ok {
		state := g.State()
		h.Breaker = state.String()
		e.Metrics.BreakerState.Set(float64(state))
		if state == exchange.BreakerOpen {
			h.Status = "degraded"
		}
	}

	if all, err := e.Positions.ListAll(ctx); err == nil {
		h.OpenPositions = len(all)
	}
	if open, err := e.Intents.ListOpen(ctx); err == nil {
		h.OpenIntents = len(open)
	}
	if resting, err := e.Intents.ListRestingLimits(ctx); err == nil {
		h.RestingLimits = len(resting)
	}

	e.tickMu.Lock()
	if !e.lastTick.IsZero() {
		t := e.lastTick
		h.LastTick = &t
	}
	e.tickMu.Unlock()
	return h
}
