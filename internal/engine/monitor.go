package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-exec/internal/decision"
	"github.com/ksred/klear-exec/internal/exchange"
	"github.com/ksred/klear-exec/internal/regime"
	"github.com/ksred/klear-exec/internal/trailing"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/rs/zerolog/log"
)

// MonitorConfig sets the heartbeat cadence. Every* values count ticks; zero
// disables the step.
type MonitorConfig struct {
	Interval         time.Duration `yaml:"interval"`
	ReconcileEvery   int           `yaml:"reconcile_every"`
	PurgeEvery       int           `yaml:"purge_every"`
	PurgeAge         time.Duration `yaml:"purge_age"`
	DecisionEvery    int           `yaml:"decision_every"`
	DecisionDeadline time.Duration `yaml:"decision_deadline"`
	CriticalLossPct  float64       `yaml:"critical_loss_pct"`
}

// DefaultMonitorConfig ticks every 30 seconds and reconciles every tenth tick.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:         30 * time.Second,
		ReconcileEvery:   10,
		PurgeEvery:       120,
		PurgeAge:         72 * time.Hour,
		DecisionEvery:    0,
		DecisionDeadline: 20 * time.Second,
		CriticalLossPct:  50,
	}
}

// TickReport counts what one tick did.
type TickReport struct {
	Tick           int `json:"tick"`
	OrdersPolled   int `json:"orders_polled"`
	Filled         int `json:"filled"`
	Expired        int `json:"expired"`
	Positions      int `json:"positions"`
	Closed         int `json:"closed"`
	StopsMoved     int `json:"stops_moved"`
	CooldownsFreed int `json:"cooldowns_pruned"`
	Mismatches     int `json:"mismatches"`
	Purged         int `json:"purged"`
	Decisions      int `json:"decisions"`
	Errors         int `json:"errors"`
}

// Monitor is the single scheduling heartbeat of the engine.
type Monitor struct {
	engine  *Engine
	cfg     MonitorConfig
	collabs []decision.Named
	ticks   int
}

// NewMonitor creates the heartbeat for e, consulting collabs when decisions are enabled.
func NewMonitor(e *Engine, cfg MonitorConfig, collabs ...decision.Named) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultMonitorConfig().Interval
	}
	return &Monitor{
		engine:  e,
		cfg:     cfg,
		collabs: collabs,
	}
}

// Start runs ticks until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	logger := log.With().Str("component", "monitor").Logger()
	logger.Info().Dur("interval", m.cfg.Interval).Msg("starting monitor loop")

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down monitor loop")
			return
		case <-ticker.C:
			report := m.Tick(ctx)
			logger.Debug().Interface("report", report).Msg("tick complete")
		}
	}
}

// Tick runs one heartbeat: poll orders, supervise positions, prune
// cooldowns, and periodically reconcile, purge and consult collaborators.
func (m *Monitor) Tick(ctx context.Context) TickReport {
	e := m.engine
	start := time.Now()
	m.ticks++
	report := TickReport{Tick: m.ticks}

	e.mu.Lock()
	now := e.now()
	e.pollOrders(ctx, &report)
	e.supervise(ctx, now, &report)

	if n, err := e.Cooldowns.Prune(ctx, now); err != nil {
		report.Errors++
		log.Error().Err(err).Str("component", "monitor").Msg("cooldown prune failed")
	} else {
		report.CooldownsFreed = n
	}

	if every(m.ticks, m.cfg.ReconcileEvery) {
		e.reconcile(ctx, &report)
	}
	if every(m.ticks, m.cfg.PurgeEvery) {
		n, err := e.Intents.PurgeOlderThan(ctx, m.cfg.PurgeAge)
		if err != nil {
			report.Errors++
			log.Error().Err(err).Str("component", "monitor").Msg("intent purge failed")
		}
		report.Purged = n
	}
	if g, ok := e.Exchange.(interface{ State() exchange.BreakerState }); ok {
		e.Metrics.BreakerState.Set(float64(g.State()))
	}
	e.mu.Unlock()

	e.tickMu.Lock()
	e.lastTick = now
	e.tickMu.Unlock()

	if len(m.collabs) > 0 && every(m.ticks, m.cfg.DecisionEvery) {
		m.decide(ctx, &report)
	}

	e.Metrics.TickDuration.Observe(time.Since(start).Seconds())
	return report
}

func every(tick, n int) bool {
	return n > 0 && tick%n == 0
}

// supervise runs the per-position checks. One failing position never
// blocks the rest.
func (e *Engine) supervise(ctx context.Context, now time.Time, report *TickReport) {
	all, err := e.Positions.ListAll(ctx)
	if err != nil {
		report.Errors++
		log.Error().Err(err).Str("component", "monitor").Msg("failed to list positions")
		return
	}
	expired, err := e.Positions.ListExpired(ctx, now)
	if err != nil {
		report.Errors++
		log.Error().Err(err).Str("component", "monitor").Msg("failed to list expired positions")
	}
	isExpired := make(map[string]bool, len(expired))
	for _, p := range expired {
		isExpired[p.Symbol+"/"+string(p.Side)] = true
	}

	report.Positions = len(all)
	e.Metrics.OpenPositions.Set(float64(len(all)))
	for _, pos := range all {
		if err := e.superviseOne(ctx, pos, isExpired[pos.Symbol+"/"+string(pos.Side)], now, report); err != nil {
			report.Errors++
			log.Error().
				Err(err).
				Str("component", "monitor").
				Str("symbol", pos.Symbol).
				Str("side", string(pos.Side)).
				Msg("position check failed")
		}
	}
}

func (e *Engine) superviseOne(ctx context.Context, pos types.PositionMetadata, expired bool, now time.Time, report *TickReport) error {
	snap, err := e.snapshot(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	price := snap.Price

	var live *exchange.Position
	err = e.call(ctx, "get_position", func(ctx context.Context) error {
		var err error
		live, err = e.Exchange.GetPosition(ctx, pos.Symbol)
		return err
	})
	if err != nil {
		return err
	}

	st, err := e.Positions.Trailing(ctx, pos.Symbol, pos.Side)
	if err != nil {
		return err
	}

	closeWith := func(reason string, exit float64) error {
		if _, err := e.closePosition(ctx, pos, reason, exit); err != nil {
			return err
		}
		report.Closed++
		return nil
	}

	// Flat on the exchange: the protective stop fired, or something outside
	// the engine closed it.
	if live.Size == 0 || live.Side != pos.Side {
		if st != nil && st.CurrentStop > 0 {
			return closeWith(types.CloseStopLoss, st.CurrentStop)
		}
		return closeWith(types.CloseExternal, price)
	}

	if tp := pos.TargetPrice(); tp > 0 && (price-tp)*pos.Side.Sign() >= 0 {
		return closeWith(types.CloseTakeProfit, price)
	}
	if expired {
		return closeWith(types.CloseTimeLimit, price)
	}

	prec, err := e.precision(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	if st == nil {
		// Adopted or half-created: never leave it without a stop.
		if err := e.protect(ctx, pos, *prec); err != nil {
			if cerr := closeWith(types.CloseUnprotected, price); cerr != nil {
				return cerr
			}
			return err
		}
		return nil
	}

	reg := e.Classifier.Classify(pos.Symbol, regime.Inputs{
		Price:  price,
		FastMA: snap.FastMA,
		SlowMA: snap.SlowMA,
		ATR:    snap.ATR,
	}, false)
	up := e.Trailing.Evaluate(trailing.Input{
		Position:  pos,
		State:     st,
		Price:     price,
		ATR:       snap.ATR,
		Regime:    reg,
		Precision: *prec,
		Now:       now,
	})
	if !up.StopChanged && !up.Persist {
		return nil
	}

	applyCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	if _, err := e.Trailing.Apply(applyCtx, e.Exchange, up); err != nil {
		e.Metrics.StopUpdates.WithLabelValues("failed").Inc()
		return err
	}
	if up.StopChanged {
		report.StopsMoved++
		e.Metrics.StopUpdates.WithLabelValues("moved").Inc()
	}
	return nil
}

// reconcile corrects metadata toward the exchange and protects adopted
// positions.
func (e *Engine) reconcile(ctx context.Context, report *TickReport) {
	mismatches, err := e.Positions.Reconcile(ctx, e.Exchange, e.cfg.Symbols)
	if err != nil {
		report.Errors++
		log.Error().Err(err).Str("component", "monitor").Msg("reconciliation failed")
		return
	}

	report.Mismatches = len(mismatches)
	for _, mm := range mismatches {
		e.Metrics.Mismatches.WithLabelValues(mm.Code).Inc()
		if mm.Adopted == nil && mm.Corrected == nil {
			continue
		}
		prec, err := e.precision(ctx, mm.Symbol)
		if err != nil {
			report.Errors++
			continue
		}
		if mm.Corrected != nil {
			// The stop keeps its price and follows the live size.
			if err := e.protect(ctx, *mm.Corrected, *prec); err != nil {
				report.Errors++
				log.Error().
					Err(err).
					Str("component", "monitor").
					Str("symbol", mm.Symbol).
					Str("side", string(mm.Side)).
					Msg("failed to resize stop after drift correction")
			}
			continue
		}
		if err := e.protect(ctx, *mm.Adopted, *prec); err != nil {
			report.Errors++
			log.Error().
				Err(err).
				Str("component", "monitor").
				Str("symbol", mm.Symbol).
				Msg("adopted position could not be protected, closing")
			if _, cerr := e.closePosition(ctx, *mm.Adopted, types.CloseUnprotected, 0); cerr != nil {
				log.Error().Err(cerr).Str("symbol", mm.Symbol).Msg("failed to close adopted position")
			}
		}
	}
}

// decide consults the collaborators for every watched symbol and acts on
// the result outside the order-flow lock.
func (m *Monitor) decide(ctx context.Context, report *TickReport) {
	e := m.engine
	for _, symbol := range e.cfg.Symbols {
		in, err := e.DecisionContext(ctx, symbol)
		if err != nil {
			report.Errors++
			log.Warn().Err(err).Str("component", "monitor").Str("symbol", symbol).Msg("no decision context")
			continue
		}

		d, source := m.request(ctx, in)
		report.Decisions++
		e.Metrics.Decisions.WithLabelValues(string(d.Action()), source).Inc()
		if err := m.act(ctx, d); err != nil {
			log.Warn().
				Err(err).
				Str("component", "monitor").
				Str("symbol", symbol).
				Str("action", string(d.Action())).
				Msg("decision not carried out")
		}
	}
}

func (m *Monitor) request(ctx context.Context, in decision.Context) (decision.Decision, string) {
	if len(m.collabs) == 1 {
		d, err := decision.Request(ctx, m.collabs[0].Collaborator, in, m.cfg.DecisionDeadline, m.cfg.CriticalLossPct)
		if err != nil {
			return d, "fallback"
		}
		return d, "collaborator"
	}

	results := decision.FanOut(ctx, m.collabs, in, m.cfg.DecisionDeadline)
	return Combine(results, in, m.cfg.CriticalLossPct)
}

// Combine merges fan-out answers conservatively: any CLOSE wins, an open
// needs every responding collaborator to agree, and no answers at all fall
// back to the safe default.
func Combine(results []decision.Result, in decision.Context, criticalLossPct float64) (decision.Decision, string) {
	var answered []decision.Decision
	for _, r := range results {
		if r.Err == nil && r.Decision != nil {
			answered = append(answered, r.Decision)
		}
	}
	if len(answered) == 0 {
		return decision.SafeDefault(in, criticalLossPct), "fallback"
	}

	var open decision.Decision
	agree := true
	for _, d := range answered {
		switch d.Action() {
		case decision.ActionClose:
			return d, "collaborator"
		case decision.ActionOpenLong, decision.ActionOpenShort:
			if open == nil {
				open = d
			} else if open.Action() != d.Action() {
				agree = false
			}
		default:
			agree = false
		}
	}
	if open != nil && agree {
		return open, "collaborator"
	}
	return decision.Hold{Symbol: in.Symbol, Reason: "no_consensus"}, "collaborator"
}

func (m *Monitor) act(ctx context.Context, d decision.Decision) error {
	e := m.engine
	switch d := d.(type) {
	case decision.Opener:
		it := d.Intent()
		if it.IntentID == "" {
			it.IntentID = "decision-" + uuid.New().String()
		}
		_, err := e.SubmitIntent(ctx, it)
		return err
	case decision.Close:
		_, err := e.ClosePosition(ctx, d.Symbol, d.Side, types.CloseDecision)
		return err
	}
	return nil
}
