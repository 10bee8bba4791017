package gate

import (
	"math"
	"testing"

	"github.com/ksred/klear-exec/internal/confluence"
	"github.com/ksred/klear-exec/internal/market"
	"github.com/ksred/klear-exec/internal/types"
)

func baseIntent() types.OrderIntent {
	return types.OrderIntent{
		IntentID:     "intent-1",
		Symbol:       "BTC",
		Side:         types.SideLong,
		Leverage:     5,
		SizeFraction: 0.15,
		EntryType:    types.EntryMarket,
		TPPct:        3,
		SLPct:        1.5,
	}
}

func input(it types.OrderIntent, score float64, reg types.Regime, vol types.VolatilityBucket) Input {
	return Input{
		Intent:      it,
		Regime:      types.RegimeCacheEntry{Symbol: it.Symbol, Regime: reg, VolatilityBucket: vol},
		Confluence:  confluence.Result{Side: it.Side, Score: score},
		MarketPrice: 50000,
	}
}

func hasReason(res Result, code string) bool {
	for _, r := range res.Reasons {
		if r.Code == code {
			return true
		}
	}
	return false
}

func TestScenarioAllowUnmodified(t *testing.T) {
	g := NewGate(DefaultConfig())
	res := g.Verify(input(baseIntent(), 85, types.RegimeTrend, types.VolMedium))

	if res.Verdict != Allow || !res.Allowed {
		t.Fatalf("verdict = %s allowed=%v, want ALLOW", res.Verdict, res.Allowed)
	}
	if res.Intent != baseIntent() {
		t.Errorf("intent modified on ALLOW: %+v", res.Intent)
	}
	if len(res.Modifications) != 0 {
		t.Errorf("unexpected modifications: %+v", res.Modifications)
	}
}

func TestScenarioBlockLowConfluence(t *testing.T) {
	g := NewGate(DefaultConfig())
	res := g.Verify(input(baseIntent(), 30, types.RegimeTrend, types.VolMedium))

	if res.Verdict != Block || res.Allowed {
		t.Fatalf("verdict = %s allowed=%v, want BLOCK", res.Verdict, res.Allowed)
	}
	if !hasReason(res, ReasonConfluenceBelowMin) {
		t.Errorf("reasons = %+v, want %s", res.Reasons, ReasonConfluenceBelowMin)
	}
	if res.Reasons[0].Message == "" {
		t.Errorf("block must carry a plain-language rationale")
	}
}

func TestScenarioDegradeHighVolatility(t *testing.T) {
	g := NewGate(DefaultConfig())
	res := g.Verify(input(baseIntent(), 50, types.RegimeTrend, types.VolHigh))

	if res.Verdict != Degrade || !res.Allowed {
		t.Fatalf("verdict = %s allowed=%v, want DEGRADE", res.Verdict, res.Allowed)
	}
	if len(res.Modifications) == 0 {
		t.Fatalf("DEGRADE must carry at least one modification")
	}
	first := res.Modifications[0]
	if first.Field != "size_fraction" || first.Reason.Code != ReasonHighVolatilitySizeCut {
		t.Errorf("first modification = %+v, want high volatility size cut", first)
	}
	if math.Abs(first.After-0.075) > 1e-12 {
		t.Errorf("size after volatility cut = %v, want 0.075", first.After)
	}
	// moderate confluence composes on top of the volatility cut
	if math.Abs(res.Intent.SizeFraction-0.05625) > 1e-12 {
		t.Errorf("final size = %v, want 0.05625", res.Intent.SizeFraction)
	}
	if res.Intent.Leverage != 5 {
		t.Errorf("leverage changed to %d", res.Intent.Leverage)
	}
}

func TestScenarioBlockLimitDistance(t *testing.T) {
	g := NewGate(DefaultConfig())
	it := baseIntent()
	it.EntryType = types.EntryLimit
	it.EntryPrice = 50000 * 0.97
	it.EntryTTLSec = 600

	res := g.Verify(input(it, 85, types.RegimeTrend, types.VolMedium))
	if res.Verdict != Block {
		t.Fatalf("verdict = %s, want BLOCK", res.Verdict)
	}
	if !hasReason(res, ReasonEntryDistanceExceeded) {
		t.Errorf("reasons = %+v, want %s", res.Reasons, ReasonEntryDistanceExceeded)
	}
}

func TestHardCheckOrder(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.OrderIntent)
		score  float64
		want   string
	}{
		{"confluence wins over bad leverage", func(it *types.OrderIntent) { it.Leverage = 100 }, 10, ReasonConfluenceBelowMin},
		{"limit missing price", func(it *types.OrderIntent) { it.EntryType = types.EntryLimit; it.EntryTTLSec = 600 }, 80, ReasonLimitPriceMissing},
		{"limit ttl too long", func(it *types.OrderIntent) {
			it.EntryType = types.EntryLimit
			it.EntryPrice = 50000
			it.EntryTTLSec = 86400
		}, 80, ReasonLimitTTLOutOfBounds},
		{"leverage", func(it *types.OrderIntent) { it.Leverage = 0 }, 80, ReasonLeverageOutOfBounds},
		{"size", func(it *types.OrderIntent) { it.SizeFraction = 0.9 }, 80, ReasonSizeOutOfBounds},
		{"take profit", func(it *types.OrderIntent) { it.TPPct = 0 }, 80, ReasonTakeProfitOutOfBounds},
		{"stop loss", func(it *types.OrderIntent) { it.SLPct = 40 }, 80, ReasonStopLossOutOfBounds},
		{"liquidation", func(it *types.OrderIntent) { it.Leverage = 20; it.SLPct = 5 }, 80, ReasonStopBeyondLiquidation},
	}

	g := NewGate(DefaultConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it := baseIntent()
			tt.mutate(&it)
			res := g.Verify(input(it, tt.score, types.RegimeTrend, types.VolMedium))
			if res.Verdict != Block || len(res.Reasons) != 1 || res.Reasons[0].Code != tt.want {
				t.Errorf("got %s %+v, want BLOCK %s", res.Verdict, res.Reasons, tt.want)
			}
		})
	}
}

func TestHigherTimeframeOpposition(t *testing.T) {
	g := NewGate(DefaultConfig())
	frames := []market.TimeframeSnapshot{
		{Timeframe: market.TF15m, Trend: market.TrendUp, ReturnPct: 0.8},
		{Timeframe: market.TF1h, Trend: market.TrendUp, ReturnPct: 0.6},
		{Timeframe: market.TF4h, Trend: market.TrendUp, ReturnPct: 0.4},
		{Timeframe: market.TF1d, Trend: market.TrendDown, ReturnPct: -2.5},
	}
	scorer := confluence.NewScorer(confluence.DefaultConfig())
	conf := scorer.Score(types.SideLong, frames)

	in := input(baseIntent(), 0, types.RegimeTrend, types.VolMedium)
	in.Confluence = conf
	in.Timeframes = frames

	res := g.Verify(in)
	if res.Verdict != Block || !hasReason(res, ReasonHigherTimeframeOpposed) {
		t.Fatalf("got %s %+v, want BLOCK on higher timeframe opposition", res.Verdict, res.Reasons)
	}

	// weak opposition only costs the confluence penalty
	frames[3].ReturnPct = -0.3
	in.Confluence = scorer.Score(types.SideLong, frames)
	in.Timeframes = frames
	if res := g.Verify(in); !res.Allowed {
		t.Errorf("weak opposition should not block, got %s %+v", res.Verdict, res.Reasons)
	}
}

func TestSoftAdjustmentsCompose(t *testing.T) {
	g := NewGate(DefaultConfig())
	it := baseIntent()
	it.Leverage = 12
	it.SLPct = 1
	it.EntryType = types.EntryLimit
	it.EntryPrice = 49900
	it.EntryTTLSec = 3 * 3600

	res := g.Verify(input(it, 90, types.RegimeTransition, types.VolExtreme))
	if res.Verdict != Degrade {
		t.Fatalf("verdict = %s, want DEGRADE", res.Verdict)
	}

	fields := map[string]bool{}
	for _, m := range res.Modifications {
		fields[m.Reason.Code] = true
		if m.Reason.Message == "" {
			t.Errorf("modification %s missing rationale", m.Field)
		}
	}
	for _, code := range []string{ReasonHighVolatilitySizeCut, ReasonExtremeVolLeverageCap, ReasonLimitTTLClamped} {
		if !fields[code] {
			t.Errorf("missing modification %s in %+v", code, res.Modifications)
		}
	}
	if res.Intent.Leverage != 3 {
		t.Errorf("leverage = %d, want 3", res.Intent.Leverage)
	}
	if res.Intent.EntryTTLSec != 3600 {
		t.Errorf("ttl = %d, want 3600", res.Intent.EntryTTLSec)
	}
}
