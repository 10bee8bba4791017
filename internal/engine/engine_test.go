package engine

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ksred/klear-exec/internal/confluence"
	"github.com/ksred/klear-exec/internal/cooldown"
	"github.com/ksred/klear-exec/internal/database"
	"github.com/ksred/klear-exec/internal/decision"
	"github.com/ksred/klear-exec/internal/exchange"
	"github.com/ksred/klear-exec/internal/gate"
	"github.com/ksred/klear-exec/internal/intent"
	"github.com/ksred/klear-exec/internal/market"
	"github.com/ksred/klear-exec/internal/metrics"
	"github.com/ksred/klear-exec/internal/position"
	"github.com/ksred/klear-exec/internal/regime"
	"github.com/ksred/klear-exec/internal/trailing"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/prometheus/client_golang/prometheus"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	engine *Engine
	paper  *exchange.Paper
	market *market.Static
	clock  *fakeClock
}

var fastRetry = exchange.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func newHarness(t *testing.T, wrap func(*exchange.Paper) exchange.Exchange, opts ...func(*Config)) *harness {
	t.Helper()
	store, err := database.NewDatabase(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clk := &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	paper := exchange.NewPaper(exchange.DefaultPaperConfig())
	paper.SetPrice("BTC", 50000)

	mkt := market.NewStatic()
	mkt.Set(market.Snapshot{
		Symbol: "BTC",
		Price:  50000,
		ATR:    250,
		FastMA: 50400,
		SlowMA: 50000,
		Timeframes: []market.TimeframeSnapshot{
			{Timeframe: market.TF15m, Trend: market.TrendUp, ReturnPct: 0.4},
			{Timeframe: market.TF1h, Trend: market.TrendUp, ReturnPct: 0.8},
			{Timeframe: market.TF4h, Trend: market.TrendUp, ReturnPct: 1.5},
			{Timeframe: market.TF1d, Trend: market.TrendUp, ReturnPct: 3.0},
		},
	})

	var ex exchange.Exchange = paper
	if wrap != nil {
		ex = wrap(paper)
	}

	positions := position.NewService(store, position.DefaultConfig()).WithClock(clk.Now)
	trailCfg := trailing.DefaultConfig()
	trailCfg.Retry = fastRetry

	cfg := Config{
		Symbols:             []string{"BTC"},
		CallTimeout:         time.Second,
		SupersedeMinDiffPct: 0.1,
		OrderRetry:          fastRetry,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	regCfg := intent.DefaultConfig()
	regCfg.ScaleIn = cfg.ScaleIn

	e := New(cfg, Deps{
		Store:      store,
		Intents:    intent.NewService(store, regCfg).WithClock(clk.Now),
		Positions:  positions,
		Cooldowns:  cooldown.NewLedger(store, cooldown.DefaultConfig()),
		Trailing:   trailing.NewEngine(trailCfg, positions),
		Classifier: regime.NewClassifier(regime.DefaultConfig(), regime.NewCache(time.Hour)).WithClock(clk.Now),
		Scorer:     confluence.NewScorer(confluence.DefaultConfig()),
		Gate:       gate.NewGate(gate.DefaultConfig()),
		Exchange:   ex,
		Market:     mkt,
		Metrics:    metrics.New(prometheus.NewRegistry()),
	}).WithClock(clk.Now)

	return &harness{engine: e, paper: paper, market: mkt, clock: clk}
}

// move sets the price on both the venue and the indicator feed.
func (h *harness) move(price float64) {
	h.paper.SetPrice("BTC", price)
	h.market.SetPrice("BTC", price)
}

func marketIntent(id string) types.OrderIntent {
	return types.OrderIntent{
		IntentID:     id,
		Symbol:       "BTC",
		Side:         types.SideLong,
		Leverage:     5,
		SizeFraction: 0.15,
		EntryType:    types.EntryMarket,
		TPPct:        3,
		SLPct:        1.5,
	}
}

func limitIntent(id string, price float64) types.OrderIntent {
	it := marketIntent(id)
	it.EntryType = types.EntryLimit
	it.EntryPrice = price
	it.EntryTTLSec = 600
	return it
}

func TestSubmitIntentNeverSubmitsTwice(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.engine.SubmitIntent(ctx, marketIntent("m-1"))
	if err != nil {
		t.Fatalf("SubmitIntent: %v", err)
	}
	if res.Outcome != OutcomeAccepted || res.Verdict != gate.Allow {
		t.Fatalf("result = %+v", res)
	}
	if res.Intent.Status != types.IntentExecuted || res.Position == nil {
		t.Fatalf("market intent not filled: %+v", res.Intent)
	}
	if got := h.paper.Stop("BTC"); got != 49250 {
		t.Errorf("initial stop = %v, want 49250", got)
	}

	for i := 0; i < 3; i++ {
		res, err = h.engine.SubmitIntent(ctx, marketIntent("m-1"))
		if !errors.Is(err, types.ErrIdempotency) || res.Outcome != OutcomeDuplicate {
			t.Fatalf("resubmission %d = %+v %v, want duplicate", i, res, err)
		}
	}
	if n := h.paper.Calls("place_order"); n != 1 {
		t.Errorf("place_order called %d times, want 1", n)
	}
}

func TestSubmitIntentDuplicateBeforeValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.engine.SubmitIntent(ctx, marketIntent("d-1")); err != nil {
		t.Fatalf("SubmitIntent: %v", err)
	}
	retry := marketIntent("d-1")
	retry.Side = "up"
	res, err := h.engine.SubmitIntent(ctx, retry)
	if !errors.Is(err, types.ErrIdempotency) || res.Outcome != OutcomeDuplicate {
		t.Fatalf("malformed retry = %+v %v, want duplicate", res, err)
	}
	if res.Intent == nil || res.Intent.Side != types.SideLong {
		t.Errorf("original intent not returned: %+v", res.Intent)
	}
}

func TestSubmitIntentOppositeSideRejected(t *testing.T) {
	tests := []struct {
		name string
		open types.OrderIntent
	}{
		{"open position", marketIntent("long-1")},
		{"resting limit", limitIntent("long-1", 49500)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			ctx := context.Background()

			first, err := h.engine.SubmitIntent(ctx, tt.open)
			if err != nil || first.Outcome != OutcomeAccepted {
				t.Fatalf("first = %+v %v", first, err)
			}
			before, _ := h.paper.GetPosition(ctx, "BTC")

			short := marketIntent("short-1")
			short.Side = types.SideShort
			res, err := h.engine.SubmitIntent(ctx, short)
			if !errors.Is(err, types.ErrValidation) || res.Reason != "opposite_position_open" {
				t.Fatalf("short = %+v %v, want opposite_position_open", res, err)
			}
			if n := h.paper.Calls("place_order"); n != 1 {
				t.Errorf("place_order called %d times, want 1", n)
			}
			if stored, _ := h.engine.Intents.Get(ctx, "short-1"); stored != nil {
				t.Errorf("rejected intent was registered: %+v", stored)
			}

			after, _ := h.paper.GetPosition(ctx, "BTC")
			if after.Size != before.Size || after.Side != before.Side {
				t.Errorf("live position changed from %+v to %+v", before, after)
			}
			if hist, _ := h.engine.History(ctx, 0); len(hist) != 0 {
				t.Errorf("history = %+v, want empty", hist)
			}
		})
	}
}

func TestScaleInAveragesIntoPosition(t *testing.T) {
	h := newHarness(t, nil, func(c *Config) { c.ScaleIn = true })
	ctx := context.Background()

	first, err := h.engine.SubmitIntent(ctx, marketIntent("s-1"))
	if err != nil || first.Position == nil {
		t.Fatalf("first = %+v %v", first, err)
	}
	q1 := first.Position.Quantity

	h.move(50500)
	second, err := h.engine.SubmitIntent(ctx, marketIntent("s-2"))
	if err != nil || second.Outcome != OutcomeAccepted {
		t.Fatalf("second = %+v %v", second, err)
	}

	pos, _ := h.engine.Positions.Get(ctx, "BTC", types.SideLong)
	if pos == nil {
		t.Fatal("position missing after scale-in")
	}
	live, _ := h.paper.GetPosition(ctx, "BTC")
	q2 := pos.Quantity - q1
	if q2 <= 0 || math.Abs(pos.Quantity-live.Size) > 1e-9 {
		t.Fatalf("quantity = %v (first %v), live %v", pos.Quantity, q1, live.Size)
	}
	wantEntry := (50000*q1 + 50500*q2) / pos.Quantity
	if math.Abs(pos.EntryPrice-wantEntry) > 1e-6 {
		t.Errorf("entry = %v, want %v", pos.EntryPrice, wantEntry)
	}
	if pos.IntentID != "s-1" {
		t.Errorf("intent id = %s, want the original s-1", pos.IntentID)
	}

	if got := h.paper.Stop("BTC"); got != 49250 {
		t.Errorf("stop price = %v, want unchanged 49250", got)
	}
	if got := h.paper.StopQty("BTC"); math.Abs(got-pos.Quantity) > 1e-9 {
		t.Errorf("stop qty = %v, want %v", got, pos.Quantity)
	}
	if n := h.paper.Calls("place_order"); n != 2 {
		t.Errorf("place_order called %d times, want 2", n)
	}
}

func TestSubmitIntentGateBlock(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	short := marketIntent("s-1")
	short.Side = types.SideShort
	res, err := h.engine.SubmitIntent(ctx, short)
	if err == nil || res.Outcome != OutcomeRejected {
		t.Fatalf("result = %+v %v, want rejection", res, err)
	}
	if res.Verdict != gate.Block || res.Reason != gate.ReasonConfluenceBelowMin {
		t.Errorf("verdict %s reason %s, want BLOCK %s", res.Verdict, res.Reason, gate.ReasonConfluenceBelowMin)
	}
	if !errors.Is(err, types.ErrValidation) {
		t.Errorf("err = %v, want validation error", err)
	}

	stored, _ := h.engine.Intents.Get(ctx, "s-1")
	if stored != nil {
		t.Errorf("blocked intent was registered: %+v", stored)
	}
	if n := h.paper.Calls("place_order"); n != 0 {
		t.Errorf("place_order called %d times for a blocked intent", n)
	}
}

func TestSubmitIntentExchangeRejection(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.paper.FailNext("place_order", types.NewRejection("insufficient_margin", "no margin"))
	res, err := h.engine.SubmitIntent(ctx, marketIntent("r-1"))
	if !errors.Is(err, types.ErrRejection) || res.Reason != "insufficient_margin" {
		t.Fatalf("result = %+v %v", res, err)
	}
	if n := h.paper.Calls("place_order"); n != 1 {
		t.Errorf("rejection retried: %d calls", n)
	}

	stored, _ := h.engine.Intents.Get(ctx, "r-1")
	if stored == nil || stored.Status != types.IntentFailed || stored.Error == "" {
		t.Errorf("stored = %+v, want FAILED with error", stored)
	}
}

func TestInitialStopFailureClosesPosition(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.paper.FailNext("set_protective_stop", types.NewRejection("stop_rejected", "venue refused stop"))
	res, err := h.engine.SubmitIntent(ctx, marketIntent("u-1"))
	if err != nil || res.Outcome != OutcomeAccepted {
		t.Fatalf("result = %+v %v", res, err)
	}

	pos, _ := h.engine.Positions.Get(ctx, "BTC", types.SideLong)
	if pos != nil {
		t.Fatalf("unprotected position left open: %+v", pos)
	}
	live, _ := h.paper.GetPosition(ctx, "BTC")
	if live.Size != 0 {
		t.Errorf("exchange position size = %v, want flat", live.Size)
	}
	hist, _ := h.engine.History(ctx, 0)
	if len(hist) != 1 || hist[0].Reason != types.CloseUnprotected {
		t.Errorf("history = %+v", hist)
	}
}

func TestLimitTTLCancelledExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	mon := NewMonitor(h.engine, MonitorConfig{Interval: time.Second})

	res, err := h.engine.SubmitIntent(ctx, limitIntent("l-1", 49500))
	if err != nil || res.Intent.Status != types.IntentExecuting {
		t.Fatalf("result = %+v %v", res, err)
	}

	mon.Tick(ctx)
	if it, _ := h.engine.Intents.Get(ctx, "l-1"); it.Status != types.IntentExecuting {
		t.Fatalf("status before ttl = %s", it.Status)
	}

	h.clock.Advance(11 * time.Minute)
	report := mon.Tick(ctx)
	if report.Expired != 1 {
		t.Errorf("expired = %d, want 1", report.Expired)
	}
	mon.Tick(ctx)
	mon.Tick(ctx)
	if n := h.paper.Calls("cancel_order"); n != 1 {
		t.Errorf("cancel_order called %d times, want 1", n)
	}

	// The market later trades through the old price: nothing may fill.
	h.move(49000)
	mon.Tick(ctx)
	it, _ := h.engine.Intents.Get(ctx, "l-1")
	if it.Status != types.IntentCancelled {
		t.Errorf("status = %s, want CANCELLED", it.Status)
	}
	if pos, _ := h.engine.Positions.Get(ctx, "BTC", types.SideLong); pos != nil {
		t.Errorf("cancelled intent produced a position: %+v", pos)
	}
}

// fillingCancel fills the resting order right as the cancel arrives.
type fillingCancel struct {
	*exchange.Paper
	fillAt float64
}

func (f *fillingCancel) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.Paper.SetPrice(symbol, f.fillAt)
	return f.Paper.CancelOrder(ctx, symbol, orderID)
}

func TestFillDuringCancelWins(t *testing.T) {
	h := newHarness(t, func(p *exchange.Paper) exchange.Exchange {
		return &fillingCancel{Paper: p, fillAt: 49400}
	})
	ctx := context.Background()
	mon := NewMonitor(h.engine, MonitorConfig{Interval: time.Second})

	if _, err := h.engine.SubmitIntent(ctx, limitIntent("l-2", 49500)); err != nil {
		t.Fatalf("SubmitIntent: %v", err)
	}
	h.clock.Advance(11 * time.Minute)
	report := mon.Tick(ctx)
	if report.Filled != 1 || report.Expired != 0 {
		t.Errorf("report = %+v, want the fill to win", report)
	}

	it, _ := h.engine.Intents.Get(ctx, "l-2")
	if it.Status != types.IntentExecuted {
		t.Errorf("status = %s, want EXECUTED", it.Status)
	}
	pos, _ := h.engine.Positions.Get(ctx, "BTC", types.SideLong)
	if pos == nil || pos.EntryPrice != 49500 {
		t.Fatalf("position = %+v, want entry at the limit price", pos)
	}
	if h.paper.Stop("BTC") <= 0 {
		t.Errorf("filled position has no stop")
	}
}

func TestSupersedeRestingLimit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.engine.SubmitIntent(ctx, limitIntent("a", 49500)); err != nil {
		t.Fatalf("first limit: %v", err)
	}

	res, err := h.engine.SubmitIntent(ctx, limitIntent("b", 49520))
	if types.CodeOf(err) != "supersede_unchanged" || res.Outcome != OutcomeRejected {
		t.Fatalf("near-identical replacement = %+v %v", res, err)
	}
	if n := h.paper.Calls("cancel_order"); n != 0 {
		t.Errorf("unchanged replacement cancelled the resting order")
	}

	res, err = h.engine.SubmitIntent(ctx, limitIntent("c", 49100))
	if err != nil || res.Outcome != OutcomeAccepted {
		t.Fatalf("replacement = %+v %v", res, err)
	}

	a, _ := h.engine.Intents.Get(ctx, "a")
	c, _ := h.engine.Intents.Get(ctx, "c")
	if a.Status != types.IntentCancelled || c.Status != types.IntentExecuting {
		t.Errorf("a=%s c=%s, want CANCELLED and EXECUTING", a.Status, c.Status)
	}
	if !strings.Contains(a.Error, "superseded by c") {
		t.Errorf("a.Error = %q", a.Error)
	}
	open, _ := h.engine.GetOpenIntents(ctx)
	if len(open) != 1 || open[0].IntentID != "c" {
		t.Errorf("open intents = %+v", open)
	}
}

func TestMonitorExits(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(it *types.OrderIntent)
		act    func(h *harness)
		reason string
		pnl    float64
	}{
		{
			name:   "take profit",
			act:    func(h *harness) { h.move(51600) },
			reason: types.CloseTakeProfit,
			pnl:    16,
		},
		{
			name:   "protective stop fired",
			act:    func(h *harness) { h.move(49000) },
			reason: types.CloseStopLoss,
			pnl:    -7.5,
		},
		{
			name:   "time limit",
			setup:  func(it *types.OrderIntent) { it.TimeInTradeLimitSec = 3600 },
			act:    func(h *harness) { h.clock.Advance(2 * time.Hour) },
			reason: types.CloseTimeLimit,
			pnl:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			ctx := context.Background()
			mon := NewMonitor(h.engine, MonitorConfig{Interval: time.Second})

			it := marketIntent("x-1")
			if tt.setup != nil {
				tt.setup(&it)
			}
			if _, err := h.engine.SubmitIntent(ctx, it); err != nil {
				t.Fatalf("SubmitIntent: %v", err)
			}

			tt.act(h)
			report := mon.Tick(ctx)
			if report.Closed != 1 {
				t.Fatalf("report = %+v, want one close", report)
			}

			hist, _ := h.engine.History(ctx, 0)
			if len(hist) != 1 || hist[0].Reason != tt.reason {
				t.Fatalf("history = %+v, want %s", hist, tt.reason)
			}
			if d := hist[0].PnLPct - tt.pnl; d > 0.01 || d < -0.01 {
				t.Errorf("pnl = %v, want %v", hist[0].PnLPct, tt.pnl)
			}
			live, _ := h.paper.GetPosition(ctx, "BTC")
			if live.Size != 0 {
				t.Errorf("exchange still holds %v", live.Size)
			}

			// The close starts a cooldown on the same direction.
			res, err := h.engine.SubmitIntent(ctx, marketIntent("x-2"))
			if types.CodeOf(err) != "cooldown_active" || res.Outcome != OutcomeRejected {
				t.Errorf("re-entry = %+v %v, want cooldown rejection", res, err)
			}
		})
	}
}

func TestMonitorRatchetsStop(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	mon := NewMonitor(h.engine, MonitorConfig{Interval: time.Second})

	if _, err := h.engine.SubmitIntent(ctx, marketIntent("t-1")); err != nil {
		t.Fatalf("SubmitIntent: %v", err)
	}
	initial := h.paper.Stop("BTC")

	h.move(51000)
	mon.Tick(ctx)
	mon.Tick(ctx)
	raised := h.paper.Stop("BTC")
	if raised <= initial || raised >= 51000 {
		t.Fatalf("stop after rally = %v, want between %v and 51000", raised, initial)
	}

	h.move(50500)
	report := mon.Tick(ctx)
	if report.Closed != 0 {
		t.Fatalf("pullback closed the position: %+v", report)
	}
	if got := h.paper.Stop("BTC"); got != raised {
		t.Errorf("stop moved from %v to %v on a pullback", raised, got)
	}

	st, _ := h.engine.Positions.Trailing(ctx, "BTC", types.SideLong)
	if st == nil || st.Stage != types.StageRatcheting || st.CurrentStop != raised {
		t.Errorf("stored state = %+v", st)
	}
}

func TestMonitorReconcileAdoptsAndProtects(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	mon := NewMonitor(h.engine, MonitorConfig{Interval: time.Second, ReconcileEvery: 1})

	h.paper.OpenPosition(exchange.Position{Symbol: "BTC", Side: types.SideLong, Size: 0.1, EntryPrice: 50000})
	report := mon.Tick(ctx)
	if report.Mismatches != 1 {
		t.Fatalf("report = %+v, want one mismatch", report)
	}

	pos, _ := h.engine.Positions.Get(ctx, "BTC", types.SideLong)
	if pos == nil || !strings.HasPrefix(pos.IntentID, "adopted-") {
		t.Fatalf("position = %+v, want adopted", pos)
	}
	if got := h.paper.Stop("BTC"); got != 49000 {
		t.Errorf("adopted stop = %v, want 49000", got)
	}

	if report := mon.Tick(ctx); report.Mismatches != 0 {
		t.Errorf("second pass mismatches = %d", report.Mismatches)
	}
}

func TestMonitorReconcileResizesStopOnDrift(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	mon := NewMonitor(h.engine, MonitorConfig{Interval: time.Second, ReconcileEvery: 1})

	if _, err := h.engine.SubmitIntent(ctx, marketIntent("dr-1")); err != nil {
		t.Fatalf("SubmitIntent: %v", err)
	}
	h.paper.OpenPosition(exchange.Position{Symbol: "BTC", Side: types.SideLong, Size: 0.05, EntryPrice: 50000})

	report := mon.Tick(ctx)
	if report.Mismatches != 1 || report.Errors != 0 {
		t.Fatalf("report = %+v, want one mismatch", report)
	}
	pos, _ := h.engine.Positions.Get(ctx, "BTC", types.SideLong)
	if pos == nil || pos.Quantity != 0.05 {
		t.Fatalf("position = %+v, want qty 0.05", pos)
	}
	st, _ := h.engine.Positions.Trailing(ctx, "BTC", types.SideLong)
	if st == nil || st.Quantity != 0.05 {
		t.Errorf("trailing state = %+v, want qty 0.05", st)
	}
	if got := h.paper.StopQty("BTC"); got != 0.05 {
		t.Errorf("live stop qty = %v, want 0.05", got)
	}
	if got := h.paper.Stop("BTC"); got != 49250 {
		t.Errorf("live stop price = %v, want 49250", got)
	}
}

func TestManualCloseAndState(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.engine.SubmitIntent(ctx, marketIntent("c-1")); err != nil {
		t.Fatalf("SubmitIntent: %v", err)
	}
	h.move(50500)

	state, err := h.engine.GetPositionState(ctx, "BTC")
	if err != nil || len(state.Positions) != 1 {
		t.Fatalf("state = %+v %v", state, err)
	}
	view := state.Positions[0]
	if view.Stop == nil || view.Stop.CurrentStop != 49250 || math.Abs(view.LeveragedROI-5) > 1e-9 {
		t.Errorf("view = %+v", view)
	}

	if _, err := h.engine.ClosePosition(ctx, "BTC", types.SideShort, ""); types.CodeOf(err) != "unknown_position" {
		t.Errorf("closing a missing side: %v", err)
	}
	rec, err := h.engine.ClosePosition(ctx, "BTC", types.SideLong, "")
	if err != nil || rec == nil || rec.Reason != types.CloseManual {
		t.Fatalf("ClosePosition = %+v %v", rec, err)
	}

	health := h.engine.Health(ctx)
	if !health.Healthy() || health.OpenPositions != 0 || health.StateVersion == 0 {
		t.Errorf("health = %+v", health)
	}
}

func TestMonitorDecisionCycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var asked []decision.Context
	collab := decision.CollaboratorFunc(func(ctx context.Context, in decision.Context) (decision.Decision, error) {
		asked = append(asked, in)
		if len(in.Positions) == 0 {
			return decision.OpenLong{OpenParams: decision.OpenParams{
				Symbol:       in.Symbol,
				Leverage:     3,
				SizeFraction: 0.1,
				TPPct:        4,
				SLPct:        2,
			}}, nil
		}
		return decision.Close{Symbol: in.Symbol, Side: types.SideLong}, nil
	})
	mon := NewMonitor(h.engine, MonitorConfig{
		Interval:         time.Second,
		DecisionEvery:    1,
		DecisionDeadline: time.Second,
	}, decision.Named{Name: "primary", Collaborator: collab})

	if report := mon.Tick(ctx); report.Decisions != 1 {
		t.Fatalf("report = %+v", report)
	}
	pos, _ := h.engine.Positions.Get(ctx, "BTC", types.SideLong)
	if pos == nil || !strings.HasPrefix(pos.IntentID, "decision-") || pos.Leverage != 3 {
		t.Fatalf("position = %+v, want one opened from the decision", pos)
	}
	if asked[0].Confluence["long"] != 100 {
		t.Errorf("long confluence = %v", asked[0].Confluence["long"])
	}

	mon.Tick(ctx)
	if pos, _ := h.engine.Positions.Get(ctx, "BTC", types.SideLong); pos != nil {
		t.Fatalf("close decision left %+v open", pos)
	}
	hist, _ := h.engine.History(ctx, 0)
	if len(hist) != 1 || hist[0].Reason != types.CloseDecision {
		t.Errorf("history = %+v", hist)
	}
}

func TestCombine(t *testing.T) {
	in := decision.Context{
		Symbol: "BTC",
		Positions: []decision.PositionView{{
			Meta:         types.PositionMetadata{Symbol: "BTC", Side: types.SideLong},
			LeveragedROI: -60,
		}},
	}
	long := decision.OpenLong{OpenParams: decision.OpenParams{Symbol: "BTC"}}
	short := decision.OpenShort{OpenParams: decision.OpenParams{Symbol: "BTC"}}
	hold := decision.Hold{Symbol: "BTC"}
	closeIt := decision.Close{Symbol: "BTC", Side: types.SideLong}
	timeout := types.NewDecisionTimeout(context.DeadlineExceeded)

	tests := []struct {
		name    string
		results []decision.Result
		action  decision.Action
		source  string
	}{
		{
			name:    "all failed falls back to the safe default",
			results: []decision.Result{{Name: "a", Decision: hold, Err: timeout}, {Name: "b", Err: errors.New("boom")}},
			action:  decision.ActionClose,
			source:  "fallback",
		},
		{
			name:    "unanimous open",
			results: []decision.Result{{Name: "a", Decision: long}, {Name: "b", Decision: long}},
			action:  decision.ActionOpenLong,
			source:  "collaborator",
		},
		{
			name:    "failed answers do not count",
			results: []decision.Result{{Name: "a", Decision: long}, {Name: "b", Decision: hold, Err: timeout}},
			action:  decision.ActionOpenLong,
			source:  "collaborator",
		},
		{
			name:    "split direction holds",
			results: []decision.Result{{Name: "a", Decision: long}, {Name: "b", Decision: short}},
			action:  decision.ActionHold,
			source:  "collaborator",
		},
		{
			name:    "open against hold holds",
			results: []decision.Result{{Name: "a", Decision: long}, {Name: "b", Decision: hold}},
			action:  decision.ActionHold,
			source:  "collaborator",
		},
		{
			name:    "any close wins",
			results: []decision.Result{{Name: "a", Decision: long}, {Name: "b", Decision: closeIt}},
			action:  decision.ActionClose,
			source:  "collaborator",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, source := Combine(tt.results, in, 50)
			if d.Action() != tt.action || source != tt.source {
				t.Errorf("Combine = %s/%s, want %s/%s", d.Action(), source, tt.action, tt.source)
			}
		})
	}
}
