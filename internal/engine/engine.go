package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/ksred/klear-exec/internal/confluence"
	"github.com/ksred/klear-exec/internal/cooldown"
	"github.com/ksred/klear-exec/internal/database"
	"github.com/ksred/klear-exec/internal/exchange"
	"github.com/ksred/klear-exec/internal/gate"
	"github.com/ksred/klear-exec/internal/intent"
	"github.com/ksred/klear-exec/internal/market"
	"github.com/ksred/klear-exec/internal/metrics"
	"github.com/ksred/klear-exec/internal/position"
	"github.com/ksred/klear-exec/internal/regime"
	"github.com/ksred/klear-exec/internal/trailing"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Config holds engine-level execution settings.
type Config struct {
	// Symbols are watched for reconciliation and decision cycles.
	Symbols     []string      `yaml:"-"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	// SupersedeMinDiffPct is the relative price change a replacement LIMIT
	// intent needs before the resting order is cancelled for it.
	SupersedeMinDiffPct float64              `yaml:"supersede_min_diff_pct"`
	OrderRetry          exchange.RetryPolicy `yaml:"order_retry"`
	// ScaleIn allows entries on a side that already holds a position.
	ScaleIn bool `yaml:"-"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		CallTimeout:         10 * time.Second,
		SupersedeMinDiffPct: 0.1,
		OrderRetry:          exchange.DefaultRetryPolicy(),
	}
}

// Deps are the components the engine coordinates.
type Deps struct {
	Store      *database.Store
	Intents    *intent.Service
	Positions  *position.Service
	Cooldowns  *cooldown.Ledger
	Trailing   *trailing.Engine
	Classifier *regime.Classifier
	Scorer     *confluence.Scorer
	Gate       *gate.Gate
	Exchange   exchange.Exchange
	Market     market.Provider
	Metrics    *metrics.Metrics
}

// Engine turns intents into supervised positions. Order flow (submission,
// LIMIT polling, closes) is serialized by one mutex so the monitor and API
// callers never act on the same intent or position concurrently.
type Engine struct {
	cfg Config
	Deps
	now func() time.Time

	mu sync.Mutex

	tickMu   sync.Mutex
	lastTick time.Time
}

// New creates an engine over deps.
func New(cfg Config, deps Deps) *Engine {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	return &Engine{
		cfg:  cfg,
		Deps: deps,
		now:  time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// SubmitResult reports what happened to a submitted intent.
type SubmitResult struct {
	Outcome       Outcome                 `json:"outcome"`
	IntentID      string                  `json:"intent_id"`
	Reason        string                  `json:"reason,omitempty"`
	Message       string                  `json:"message,omitempty"`
	Verdict       gate.Verdict            `json:"verdict,omitempty"`
	Modifications []gate.Modification     `json:"modifications,omitempty"`
	Intent        *types.OrderIntent      `json:"intent,omitempty"`
	Position      *types.PositionMetadata `json:"position,omitempty"`
}

// call runs one outbound exchange operation under its own timeout, retrying
// transient failures.
func (e *Engine) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return exchange.Retry(ctx, e.cfg.OrderRetry, op, fn)
}

func (e *Engine) snapshot(ctx context.Context, symbol string) (*market.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return e.Market.Snapshot(ctx, symbol)
}

func (e *Engine) precision(ctx context.Context, symbol string) (*exchange.Precision, error) {
	var prec *exchange.Precision
	err := e.call(ctx, "get_instrument_precision", func(ctx context.Context) error {
		var err error
		prec, err = e.Exchange.GetInstrumentPrecision(ctx, symbol)
		return err
	})
	return prec, err
}

func (e *Engine) orderStatus(ctx context.Context, symbol, orderID string) (*exchange.OrderState, error) {
	var st *exchange.OrderState
	err := e.call(ctx, "get_order_status", func(ctx context.Context) error {
		var err error
		st, err = e.Exchange.GetOrderStatus(ctx, symbol, orderID)
		return err
	})
	return st, err
}

// SubmitIntent verifies, registers and executes an intent. Duplicates and
// rejections come back with both a result and a typed error.
func (e *Engine) SubmitIntent(ctx context.Context, in types.OrderIntent) (*SubmitResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submit(ctx, in)
}

func (e *Engine) submit(ctx context.Context, in types.OrderIntent) (*SubmitResult, error) {
	logger := log.With().
		Str("component", "engine").
		Str("intent_id", in.IntentID).
		Str("symbol", in.Symbol).
		Str("side", string(in.Side)).
		Logger()

	res := &SubmitResult{IntentID: in.IntentID}
	reject := func(err error) (*SubmitResult, error) {
		res.Outcome = OutcomeRejected
		res.Reason = types.CodeOf(err)
		res.Message = err.Error()
		e.Metrics.Intents.WithLabelValues(string(OutcomeRejected)).Inc()
		logger.Warn().Err(err).Str("reason", res.Reason).Msg("intent rejected")
		return res, err
	}

	if in.IntentID == "" {
		return reject(types.NewValidationError("missing_intent_id", "intent_id is required"))
	}

	// Idempotency comes first: a retried submission must not cancel,
	// re-verify or resubmit anything.
	existing, err := e.Intents.Get(ctx, in.IntentID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		res.Outcome = OutcomeDuplicate
		res.Intent = existing
		e.Metrics.Intents.WithLabelValues(string(OutcomeDuplicate)).Inc()
		logger.Info().Str("status", string(existing.Status)).Msg("duplicate intent ignored")
		return res, types.NewIdempotencyConflict(in.IntentID)
	}

	if err := validateShape(&in); err != nil {
		return reject(err)
	}

	now := e.now()
	blocked, cd, err := e.Cooldowns.IsBlocked(ctx, in.Symbol, in.Side, now)
	if err != nil {
		return nil, err
	}
	if blocked {
		return reject(types.NewValidationError("cooldown_active",
			"%s %s re-entry blocked until %s after %s", in.Symbol, in.Side,
			cd.ExpiresAt().Format(time.RFC3339), cd.Reason))
	}

	// The venue nets positions per symbol, so an opposite-side fill would
	// silently reduce the open position instead of opening a new one.
	if err := e.checkOpposite(ctx, in); err != nil {
		return reject(err)
	}

	if !e.cfg.ScaleIn {
		open, err := e.Positions.Get(ctx, in.Symbol, in.Side)
		if err != nil {
			return nil, err
		}
		if open != nil {
			return reject(types.NewValidationError("position_already_open",
				"%s %s already has an open position from intent %s", in.Symbol, in.Side, open.IntentID))
		}
	}

	snap, err := e.snapshot(ctx, in.Symbol)
	if err != nil {
		return reject(err)
	}

	reg := e.Classifier.Classify(in.Symbol, regime.Inputs{
		Price:  snap.Price,
		FastMA: snap.FastMA,
		SlowMA: snap.SlowMA,
		ATR:    snap.ATR,
	}, false)
	conf := e.Scorer.Score(in.Side, snap.Timeframes)
	verdict := e.Gate.Verify(gate.Input{
		Intent:      in,
		Regime:      reg,
		Confluence:  conf,
		Timeframes:  snap.Timeframes,
		MarketPrice: snap.Price,
	})
	e.Metrics.GateVerdicts.WithLabelValues(string(verdict.Verdict)).Inc()
	res.Verdict = verdict.Verdict
	res.Modifications = verdict.Modifications
	if !verdict.Allowed {
		r := verdict.Reasons[0]
		return reject(types.NewValidationError(r.Code, "%s", r.Message))
	}
	it := verdict.Intent

	prec, err := e.precision(ctx, it.Symbol)
	if err != nil {
		return reject(err)
	}
	var bal *exchange.Balance
	err = e.call(ctx, "get_balance", func(ctx context.Context) error {
		var err error
		bal, err = e.Exchange.GetBalance(ctx)
		return err
	})
	if err != nil {
		return reject(err)
	}

	orderType := exchange.OrderMarket
	refPrice := snap.Price
	if it.EntryType == types.EntryLimit {
		orderType = exchange.OrderLimit
		it.EntryPrice = prec.RoundPrice(it.EntryPrice)
		refPrice = it.EntryPrice
	}
	qty, err := exchange.OrderQuantity(bal.Equity, it.SizeFraction, it.Leverage, refPrice, *prec)
	if err != nil {
		return reject(err)
	}

	if it.EntryType == types.EntryLimit {
		if err := e.supersede(ctx, &it); err != nil {
			return reject(err)
		}
	}

	if err := e.Intents.Register(ctx, &it); err != nil {
		if errors.Is(err, types.ErrIdempotency) {
			res.Outcome = OutcomeDuplicate
			e.Metrics.Intents.WithLabelValues(string(OutcomeDuplicate)).Inc()
			return res, err
		}
		return reject(err)
	}

	var handle *exchange.OrderHandle
	err = e.call(ctx, "place_order", func(ctx context.Context) error {
		var err error
		handle, err = e.Exchange.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:        it.Symbol,
			Side:          it.Side,
			Quantity:      qty,
			Type:          orderType,
			Price:         it.EntryPrice,
			ClientOrderID: it.IntentID,
		})
		return err
	})
	if err != nil {
		if _, uerr := e.Intents.UpdateStatus(ctx, it.IntentID, types.IntentFailed, "", err.Error()); uerr != nil {
			logger.Error().Err(uerr).Msg("failed to mark intent FAILED")
		}
		return reject(err)
	}
	e.Metrics.Orders.WithLabelValues(string(orderType), string(it.Side)).Inc()
	if orderType == exchange.OrderLimit {
		e.Metrics.LimitOrders.WithLabelValues("placed").Inc()
	}

	updated, err := e.Intents.UpdateStatus(ctx, it.IntentID, types.IntentExecuting, handle.OrderID, "")
	if err != nil {
		return nil, err
	}
	logger.Info().
		Str("order_id", handle.OrderID).
		Str("entry_type", string(it.EntryType)).
		Float64("quantity", qty).
		Float64("price", refPrice).
		Str("verdict", string(verdict.Verdict)).
		Msg("order submitted")

	res.Outcome = OutcomeAccepted
	res.Intent = updated
	e.Metrics.Intents.WithLabelValues(string(OutcomeAccepted)).Inc()

	// An order that fills on placement converges with the polled path now;
	// anything else is picked up by the monitor.
	st, err := e.orderStatus(ctx, it.Symbol, handle.OrderID)
	if err != nil {
		logger.Warn().Err(err).Msg("order status unknown, monitor will poll")
		return res, nil
	}
	if st.Status == exchange.StatusFilled {
		pos, err := e.onFill(ctx, updated, st, prec)
		if err != nil {
			logger.Error().Err(err).Msg("fill handling failed")
		}
		res.Position = pos
		if latest, gerr := e.Intents.Get(ctx, it.IntentID); gerr == nil && latest != nil {
			res.Intent = latest
		}
	}
	return res, nil
}

// checkOpposite rejects in when the other side of its symbol holds a
// position or an active intent.
func (e *Engine) checkOpposite(ctx context.Context, in types.OrderIntent) error {
	other := in.Side.Opposite()
	open, err := e.Positions.Get(ctx, in.Symbol, other)
	if err != nil {
		return err
	}
	if open != nil {
		return types.NewValidationError("opposite_position_open",
			"%s already has an open %s position from intent %s", in.Symbol, other, open.IntentID)
	}
	active, err := e.Intents.ListActive(ctx, in.Symbol, other)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return types.NewValidationError("opposite_position_open",
			"%s has an active %s intent %s", in.Symbol, other, active[0].IntentID)
	}
	return nil
}

func validateShape(in *types.OrderIntent) error {
	if in.Symbol == "" {
		return types.NewValidationError("missing_symbol", "symbol is required")
	}
	if !in.Side.Valid() {
		return types.NewValidationError("invalid_side", "side must be long or short, got %q", in.Side)
	}
	switch in.EntryType {
	case "":
		in.EntryType = types.EntryMarket
	case types.EntryMarket, types.EntryLimit:
	default:
		return types.NewValidationError("invalid_entry_type", "entry_type must be MARKET or LIMIT, got %q", in.EntryType)
	}
	if in.EntryType == types.EntryMarket {
		in.EntryPrice = 0
		in.EntryTTLSec = 0
	}
	return nil
}

// onFill records the executed intent, creates the position metadata and
// protects it. A position whose stop cannot be placed is closed at once.
func (e *Engine) onFill(ctx context.Context, it *types.OrderIntent, st *exchange.OrderState, prec *exchange.Precision) (*types.PositionMetadata, error) {
	logger := log.With().
		Str("component", "engine").
		Str("intent_id", it.IntentID).
		Str("symbol", it.Symbol).
		Str("side", string(it.Side)).
		Logger()

	if _, err := e.Intents.UpdateStatus(ctx, it.IntentID, types.IntentExecuted, st.OrderID, ""); err != nil {
		return nil, err
	}
	if it.EntryType == types.EntryLimit {
		e.Metrics.LimitOrders.WithLabelValues("filled").Inc()
	}

	meta := types.PositionMetadata{
		Symbol:              it.Symbol,
		Side:                it.Side,
		IntentID:            it.IntentID,
		EntryPrice:          st.AvgPrice,
		Quantity:            st.FilledQty,
		SizeFraction:        it.SizeFraction,
		Leverage:            it.Leverage,
		EntryType:           it.EntryType,
		TPPct:               it.TPPct,
		SLPct:               it.SLPct,
		TimeInTradeLimitSec: it.TimeInTradeLimitSec,
		CooldownSec:         it.CooldownSec,
		OpenedAt:            e.now(),
	}

	prior, err := e.Positions.Get(ctx, it.Symbol, it.Side)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		// Scale-in: average into the existing record.
		total := prior.Quantity + meta.Quantity
		if total > 0 {
			meta.EntryPrice = (prior.EntryPrice*prior.Quantity + meta.EntryPrice*meta.Quantity) / total
		}
		meta.Quantity = total
		meta.OpenedAt = prior.OpenedAt
		meta.IntentID = prior.IntentID
	}
	if err := e.Positions.Upsert(ctx, &meta); err != nil {
		return nil, err
	}

	if prec == nil {
		if prec, err = e.precision(ctx, it.Symbol); err != nil {
			prec = &exchange.Precision{}
		}
	}
	if err := e.protect(ctx, meta, *prec); err != nil {
		logger.Error().Err(err).Msg("initial stop failed, closing unprotected position")
		if _, cerr := e.closePosition(ctx, meta, types.CloseUnprotected, st.AvgPrice); cerr != nil {
			logger.Error().Err(cerr).Msg("failed to close unprotected position")
		}
		return nil, err
	}

	e.refreshOpenPositions(ctx)
	logger.Info().
		Float64("entry_price", meta.EntryPrice).
		Float64("quantity", meta.Quantity).
		Int("leverage", meta.Leverage).
		Msg("position opened")
	return &meta, nil
}

// protect places the initial stop for a new position, or re-sizes the
// existing stop when the position was scaled into.
func (e *Engine) protect(ctx context.Context, meta types.PositionMetadata, prec exchange.Precision) error {
	st, err := e.Positions.Trailing(ctx, meta.Symbol, meta.Side)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	if st == nil {
		_, err := e.Trailing.PlaceInitial(ctx, e.Exchange, meta, prec, e.now())
		return err
	}

	st.Quantity = meta.Quantity
	err = exchange.Retry(ctx, e.cfg.OrderRetry, "set_protective_stop", func(ctx context.Context) error {
		return e.Exchange.SetProtectiveStop(ctx, st.Symbol, st.Side, st.CurrentStop, st.Quantity)
	})
	if err != nil {
		return err
	}
	st.LastUpdated = e.now()
	return e.Positions.SaveTrailing(ctx, st)
}

// needsExitOrder reports whether a close must flatten the position on the
// exchange; the other reasons mean it is already flat there.
func needsExitOrder(reason string) bool {
	switch reason {
	case types.CloseStopLoss, types.CloseExternal, types.CloseStale:
		return false
	}
	return true
}

// closePosition flattens meta on the exchange when needed, then removes the
// record and starts its cooldown in one transaction.
func (e *Engine) closePosition(ctx context.Context, meta types.PositionMetadata, reason string, price float64) (*types.ClosedTrade, error) {
	exit := price
	if needsExitOrder(reason) && meta.Quantity > 0 {
		var handle *exchange.OrderHandle
		err := e.call(ctx, "place_order", func(ctx context.Context) error {
			var err error
			handle, err = e.Exchange.PlaceOrder(ctx, exchange.OrderRequest{
				Symbol:        meta.Symbol,
				Side:          meta.Side,
				Quantity:      meta.Quantity,
				Type:          exchange.OrderMarket,
				ReduceOnly:    true,
				ClientOrderID: meta.IntentID + "-close",
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		e.Metrics.Orders.WithLabelValues(string(exchange.OrderMarket), string(meta.Side)).Inc()
		if st, err := e.orderStatus(ctx, meta.Symbol, handle.OrderID); err == nil && st.AvgPrice > 0 {
			exit = st.AvgPrice
		}
	}

	var rec *types.ClosedTrade
	err := e.Store.Update(ctx, func(tx *gorm.DB) error {
		var err error
		rec, err = e.Positions.RemoveTx(tx, meta.Symbol, meta.Side, position.Close{Reason: reason, ExitPrice: exit})
		if err != nil || rec == nil {
			return err
		}
		return e.Cooldowns.RecordCloseTx(tx, meta.Symbol, meta.Side, reason, meta.CooldownDuration(), rec.ClosedAt)
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	e.Metrics.Exits.WithLabelValues(reason, string(meta.Side)).Inc()
	e.refreshOpenPositions(ctx)
	log.Info().
		Str("component", "engine").
		Str("symbol", meta.Symbol).
		Str("side", string(meta.Side)).
		Str("intent_id", meta.IntentID).
		Str("reason", reason).
		Float64("exit_price", exit).
		Float64("pnl_pct", rec.PnLPct).
		Msg("position closed")
	return rec, nil
}

// ClosePosition closes an open position on request.
func (e *Engine) ClosePosition(ctx context.Context, symbol string, side types.Side, reason string) (*types.ClosedTrade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !side.Valid() {
		return nil, types.NewValidationError("invalid_side", "side must be long or short, got %q", side)
	}
	meta, err := e.Positions.Get(ctx, symbol, side)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, types.NewValidationError("unknown_position", "no open %s position on %s", side, symbol)
	}
	if reason == "" {
		reason = types.CloseManual
	}

	price := 0.0
	if snap, err := e.snapshot(ctx, symbol); err == nil {
		price = snap.Price
	}
	return e.closePosition(ctx, *meta, reason, price)
}

func (e *Engine) refreshOpenPositions(ctx context.Context) {
	all, err := e.Positions.ListAll(ctx)
	if err != nil {
		return
	}
	e.Metrics.OpenPositions.Set(float64(len(all)))
}

// priceDiffPct is |a-b|/b in percent.
func priceDiffPct(a, b float64) float64 {
	if b == 0 {
		return math.Inf(1)
	}
	return math.Abs(a-b) / b * 100
}
