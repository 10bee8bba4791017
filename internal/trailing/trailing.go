package trailing

import (
	"context"
	"math"
	"time"

	"github.com/ksred/klear-exec/internal/exchange"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/rs/zerolog/log"
)

// SymbolOverride tunes the ratchet for one instrument.
type SymbolOverride struct {
	// MultiplierScale scales the regime multiplier, 1 leaves it unchanged.
	MultiplierScale float64 `yaml:"multiplier_scale"`
	MinMovePct      float64 `yaml:"min_move_pct"`
}

// Config sets the trailing stop stages and retry policy.
type Config struct {
	ActivationROIPct       float64                   `yaml:"activation_roi_pct"`
	DefaultMultiplier      float64                   `yaml:"default_multiplier"`
	MinDistancePct         float64                   `yaml:"min_distance_pct"`
	MaxDistancePct         float64                   `yaml:"max_distance_pct"`
	LeverageDampening      float64                   `yaml:"leverage_dampening"`
	MinMovePct             float64                   `yaml:"min_move_pct"`
	BreakevenTriggerPct    float64                   `yaml:"breakeven_trigger_pct"`
	BreakevenMarginPct     float64                   `yaml:"breakeven_margin_pct"`
	ProfitLockROIPct       float64                   `yaml:"profit_lock_roi_pct"`
	ProfitLockConfirmTicks int                       `yaml:"profit_lock_confirm_ticks"`
	Overrides              map[string]SymbolOverride `yaml:"overrides"`
	Retry                  exchange.RetryPolicy      `yaml:"retry"`
}

// DefaultConfig arms the trail at 1% unleveraged ROI with a 2x ATR distance.
func DefaultConfig() Config {
	return Config{
		ActivationROIPct:       1.0,
		DefaultMultiplier:      2.0,
		MinDistancePct:         0.5,
		MaxDistancePct:         5.0,
		LeverageDampening:      0.05,
		MinMovePct:             0.1,
		BreakevenTriggerPct:    2.5,
		BreakevenMarginPct:     0.2,
		ProfitLockROIPct:       5.0,
		ProfitLockConfirmTicks: 3,
		Overrides:              map[string]SymbolOverride{},
		Retry:                  exchange.DefaultRetryPolicy(),
	}
}

// StateStore persists trailing stop state.
type StateStore interface {
	SaveTrailing(ctx context.Context, st *types.TrailingStopState) error
}

// Input is everything one evaluation needs.
type Input struct {
	Position  types.PositionMetadata
	State     *types.TrailingStopState
	Price     float64
	ATR       float64
	Regime    types.RegimeCacheEntry
	Precision exchange.Precision
	Now       time.Time
}

// Update is the outcome of an evaluation. StopChanged means the exchange
// stop must move to State.CurrentStop; Persist means the state changed at all.
type Update struct {
	State       types.TrailingStopState
	PrevStop    float64
	StopChanged bool
	Persist     bool
	Reason      string
	Distance    float64
}

// Update reasons.
const (
	ReasonInactive     = "below_activation"
	ReasonArmed        = "armed"
	ReasonRatchet      = "ratchet"
	ReasonBreakeven    = "breakeven"
	ReasonNotImproved  = "not_improved"
	ReasonBelowMinMove = "below_min_move"
	ReasonAwaitingLock = "awaiting_profit_lock_confirmation"
	ReasonNoPrice      = "no_price"
)

// Engine advances trailing stops and pushes them to the exchange.
type Engine struct {
	cfg   Config
	store StateStore
}

// NewEngine creates a trailing engine that persists its state in store.
func NewEngine(cfg Config, store StateStore) *Engine {
	if cfg.Overrides == nil {
		cfg.Overrides = map[string]SymbolOverride{}
	}
	return &Engine{cfg: cfg, store: store}
}

// InitialStop is the fixed-percentage stop placed at fill time.
func (e *Engine) InitialStop(pos types.PositionMetadata) float64 {
	sl := pos.SLPct
	if sl <= 0 {
		sl = e.cfg.MaxDistancePct
	}
	return pos.EntryPrice * (1 - pos.Side.Sign()*sl/100)
}

// NewState builds the INACTIVE state for a freshly opened position.
func (e *Engine) NewState(pos types.PositionMetadata, stop float64, now time.Time) types.TrailingStopState {
	return types.TrailingStopState{
		Symbol:       pos.Symbol,
		Side:         pos.Side,
		Stage:        types.StageInactive,
		ExtremePrice: pos.EntryPrice,
		CurrentStop:  stop,
		Quantity:     pos.Quantity,
		LastUpdated:  now,
	}
}

// Distance is the trailing distance in price units around basis.
func (e *Engine) Distance(symbol string, basis, atr float64, leverage int, reg types.RegimeCacheEntry) float64 {
	mult := reg.Multiplier
	if mult <= 0 {
		mult = e.cfg.DefaultMultiplier
	}
	if o, ok := e.cfg.Overrides[symbol]; ok && o.MultiplierScale > 0 {
		mult *= o.MultiplierScale
	}
	if leverage > 1 && e.cfg.LeverageDampening > 0 {
		mult /= 1 + float64(leverage-1)*e.cfg.LeverageDampening
	}

	dist := atr * mult
	lo := basis * e.cfg.MinDistancePct / 100
	hi := basis * e.cfg.MaxDistancePct / 100
	if dist < lo || atr <= 0 {
		dist = lo
	}
	if hi > 0 && dist > hi {
		dist = hi
	}
	return dist
}

func (e *Engine) minMovePct(symbol string) float64 {
	if o, ok := e.cfg.Overrides[symbol]; ok && o.MinMovePct > 0 {
		return o.MinMovePct
	}
	return e.cfg.MinMovePct
}

// Evaluate computes the next trailing state. It has no side effects.
func (e *Engine) Evaluate(in Input) Update {
	pos := in.Position
	var st types.TrailingStopState
	if in.State != nil {
		st = *in.State
	} else {
		st = e.NewState(pos, e.InitialStop(pos), in.Now)
	}
	up := Update{State: st, PrevStop: st.CurrentStop}

	if in.Price <= 0 {
		up.Reason = ReasonNoPrice
		return up
	}

	sign := pos.Side.Sign()
	roi := pos.ROIPct(in.Price)

	if st.Stage == types.StageInactive {
		if roi < e.cfg.ActivationROIPct {
			up.Reason = ReasonInactive
			return up
		}
		st.Stage = types.StageArmed
		st.ExtremePrice = in.Price
		st.LockBaseROI = roi
		up.Persist = true
		up.Reason = ReasonArmed
	} else {
		if st.Stage == types.StageArmed {
			st.Stage = types.StageRatcheting
			up.Persist = true
		}
		if (in.Price-st.ExtremePrice)*sign > 0 {
			st.ExtremePrice = in.Price
			up.Persist = true
		}
	}

	dist := e.Distance(pos.Symbol, st.ExtremePrice, in.ATR, pos.Leverage, in.Regime)
	up.Distance = dist
	candidate := st.ExtremePrice - sign*dist

	// Profit lock: past the lock threshold the ratchet waits for a run of
	// ticks with non-decreasing ROI.
	locked := false
	if e.cfg.ProfitLockROIPct > 0 && roi >= e.cfg.ProfitLockROIPct {
		if roi >= st.LockBaseROI {
			st.LockTicks++
		} else {
			st.LockTicks = 0
		}
		st.LockBaseROI = roi
		up.Persist = true
		if st.LockTicks < e.cfg.ProfitLockConfirmTicks {
			locked = true
		}
	} else if st.LockTicks != 0 {
		st.LockTicks = 0
		st.LockBaseROI = roi
		up.Persist = true
	}

	forced := false
	if e.cfg.BreakevenTriggerPct > 0 && roi >= e.cfg.BreakevenTriggerPct {
		floor := pos.EntryPrice * (1 + sign*e.cfg.BreakevenMarginPct/100)
		if !st.BreakevenApplied {
			st.BreakevenApplied = true
			up.Persist = true
		}
		if locked || (candidate-floor)*sign < 0 {
			if st.Improves(floor) {
				candidate = floor
				forced = true
				locked = false
			}
		}
	}

	if locked {
		up.State = st
		if up.Reason == "" {
			up.Reason = ReasonAwaitingLock
		}
		return up
	}

	candidate = in.Precision.RoundStop(pos.Side, candidate)
	if !st.Improves(candidate) {
		up.State = st
		if up.Reason == "" {
			up.Reason = ReasonNotImproved
		}
		return up
	}
	if !forced && st.CurrentStop > 0 {
		move := math.Abs(candidate-st.CurrentStop) / st.CurrentStop * 100
		if move < e.minMovePct(pos.Symbol) {
			up.State = st
			if up.Reason == "" {
				up.Reason = ReasonBelowMinMove
			}
			return up
		}
	}

	st.CurrentStop = candidate
	st.LastUpdated = in.Now
	if st.LockTicks >= e.cfg.ProfitLockConfirmTicks {
		st.LockTicks = 0
	}
	up.State = st
	up.StopChanged = true
	up.Persist = true
	if forced {
		up.Reason = ReasonBreakeven
	} else {
		up.Reason = ReasonRatchet
	}
	return up
}

// Apply pushes an evaluated update to the exchange and persists it. When the
// exchange call fails after retries the previous stop stays in force, the
// failure is counted, and the error is returned.
func (e *Engine) Apply(ctx context.Context, ex exchange.Exchange, up Update) (types.TrailingStopState, error) {
	st := up.State
	logger := log.With().
		Str("component", "trailing").
		Str("symbol", st.Symbol).
		Str("side", string(st.Side)).
		Logger()

	if !up.StopChanged {
		if up.Persist {
			if err := e.store.SaveTrailing(ctx, &st); err != nil {
				return st, err
			}
		}
		return st, nil
	}

	err := exchange.Retry(ctx, e.cfg.Retry, "set_protective_stop", func(ctx context.Context) error {
		return ex.SetProtectiveStop(ctx, st.Symbol, st.Side, st.CurrentStop, st.Quantity)
	})
	if err != nil {
		failedStop := st.CurrentStop
		st.CurrentStop = up.PrevStop
		st.FailedUpdates++
		logger.Error().
			Err(err).
			Float64("kept_stop", up.PrevStop).
			Float64("wanted_stop", failedStop).
			Int("failed_updates", st.FailedUpdates).
			Msg("stop update failed, previous stop remains live")
		if serr := e.store.SaveTrailing(ctx, &st); serr != nil {
			logger.Error().Err(serr).Msg("failed to persist trailing state")
		}
		return st, err
	}

	st.FailedUpdates = 0
	if err := e.store.SaveTrailing(ctx, &st); err != nil {
		return st, err
	}
	logger.Info().
		Str("reason", up.Reason).
		Str("stage", string(st.Stage)).
		Float64("before", up.PrevStop).
		Float64("after", st.CurrentStop).
		Float64("extreme", st.ExtremePrice).
		Msg("trailing stop moved")
	return st, nil
}

// PlaceInitial sets the fixed stop synchronously at fill time and stores
// the INACTIVE state. The position must not be left unprotected, so the
// caller treats an error here as grounds to close.
func (e *Engine) PlaceInitial(ctx context.Context, ex exchange.Exchange, pos types.PositionMetadata, prec exchange.Precision, now time.Time) (types.TrailingStopState, error) {
	stop := prec.RoundStop(pos.Side, e.InitialStop(pos))
	st := e.NewState(pos, stop, now)

	err := exchange.Retry(ctx, e.cfg.Retry, "set_protective_stop", func(ctx context.Context) error {
		return ex.SetProtectiveStop(ctx, pos.Symbol, pos.Side, stop, pos.Quantity)
	})
	if err != nil {
		return st, err
	}
	if err := e.store.SaveTrailing(ctx, &st); err != nil {
		return st, err
	}

	log.Info().
		Str("component", "trailing").
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Str("intent_id", pos.IntentID).
		Float64("stop", stop).
		Msg("initial stop placed")
	return st, nil
}
