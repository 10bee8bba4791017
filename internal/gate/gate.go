package gate

import (
	"fmt"
	"math"
	"time"

	"github.com/ksred/klear-exec/internal/confluence"
	"github.com/ksred/klear-exec/internal/market"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/rs/zerolog/log"
)

type Verdict string

const (
	Allow   Verdict = "ALLOW"
	Degrade Verdict = "DEGRADE"
	Block   Verdict = "BLOCK"
)

// Reason codes
const (
	ReasonConfluenceBelowMin     = "confluence_below_min"
	ReasonLimitPriceMissing      = "limit_price_missing"
	ReasonLimitTTLOutOfBounds    = "limit_ttl_out_of_bounds"
	ReasonEntryDistanceExceeded  = "entry_distance_exceeded"
	ReasonLeverageOutOfBounds    = "leverage_out_of_bounds"
	ReasonSizeOutOfBounds        = "size_out_of_bounds"
	ReasonTakeProfitOutOfBounds  = "take_profit_out_of_bounds"
	ReasonStopLossOutOfBounds    = "stop_loss_out_of_bounds"
	ReasonStopBeyondLiquidation  = "stop_beyond_liquidation"
	ReasonHigherTimeframeOpposed = "higher_timeframe_opposition"
	ReasonHighVolatilitySizeCut  = "high_vol_size_cut"
	ReasonModerateConfluenceCut  = "moderate_confluence_size_cut"
	ReasonExtremeVolLeverageCap  = "extreme_vol_leverage_cap"
	ReasonTransitionLeverageCap  = "transition_leverage_cap"
	ReasonLimitTTLClamped        = "limit_ttl_clamped"
)

// Config holds hard bounds and soft adjustment parameters.
type Config struct {
	MinConfluence         float64       `yaml:"min_confluence"`
	SoftConfluence        float64       `yaml:"soft_confluence"`
	MaxEntryDistancePct   float64       `yaml:"max_entry_distance_pct"`
	MinLimitTTL           time.Duration `yaml:"min_limit_ttl"`
	MaxLimitTTL           time.Duration `yaml:"max_limit_ttl"`
	PreferredLimitTTL     time.Duration `yaml:"preferred_limit_ttl"`
	MinLeverage           int           `yaml:"min_leverage"`
	MaxLeverage           int           `yaml:"max_leverage"`
	MinSize               float64       `yaml:"min_size"`
	MaxSize               float64       `yaml:"max_size"`
	MinTPPct              float64       `yaml:"min_tp_pct"`
	MaxTPPct              float64       `yaml:"max_tp_pct"`
	MinSLPct              float64       `yaml:"min_sl_pct"`
	MaxSLPct              float64       `yaml:"max_sl_pct"`
	MaxLeveragedLossPct   float64       `yaml:"max_leveraged_loss_pct"`
	StrongOppositionPct   float64       `yaml:"strong_opposition_pct"`
	HighVolSizeCut        float64       `yaml:"high_vol_size_cut"`
	ModerateConfluenceCut float64       `yaml:"moderate_confluence_cut"`
	ExtremeVolMaxLeverage int           `yaml:"extreme_vol_max_leverage"`
	TransitionMaxLeverage int           `yaml:"transition_max_leverage"`
}

// DefaultConfig returns the gate thresholds used in production.
func DefaultConfig() Config {
	return Config{
		MinConfluence:         40,
		SoftConfluence:        60,
		MaxEntryDistancePct:   2.0,
		MinLimitTTL:           time.Minute,
		MaxLimitTTL:           4 * time.Hour,
		PreferredLimitTTL:     time.Hour,
		MinLeverage:           1,
		MaxLeverage:           20,
		MinSize:               0.01,
		MaxSize:               0.5,
		MinTPPct:              0.3,
		MaxTPPct:              50,
		MinSLPct:              0.2,
		MaxSLPct:              15,
		MaxLeveragedLossPct:   80,
		StrongOppositionPct:   1.0,
		HighVolSizeCut:        0.5,
		ModerateConfluenceCut: 0.25,
		ExtremeVolMaxLeverage: 3,
		TransitionMaxLeverage: 10,
	}
}

// Input is everything the gate needs; the gate performs no I/O.
type Input struct {
	Intent      types.OrderIntent
	Regime      types.RegimeCacheEntry
	Confluence  confluence.Result
	Timeframes  []market.TimeframeSnapshot
	MarketPrice float64
}

// Reason explains a block or a modification.
type Reason struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Modification records one soft adjustment.
type Modification struct {
	Field  string  `json:"field"`
	Before float64 `json:"before"`
	After  float64 `json:"after"`
	Reason Reason  `json:"reason"`
}

// Result is the verdict with the (possibly modified) intent.
type Result struct {
	Verdict       Verdict           `json:"verdict"`
	Allowed       bool              `json:"allowed"`
	Intent        types.OrderIntent `json:"intent"`
	Reasons       []Reason          `json:"reasons,omitempty"`
	Modifications []Modification    `json:"modifications,omitempty"`
}

// Gate runs the hard and soft pre-trade checks on an intent.
type Gate struct {
	cfg Config
}

// NewGate creates a gate with the given thresholds.
func NewGate(cfg Config) *Gate {
	return &Gate{cfg: cfg}
}

// Verify runs hard checks (first failure blocks) and then soft adjustments.
func (g *Gate) Verify(in Input) Result {
	if reason, blocked := g.hardCheck(in); blocked {
		log.Info().
			Str("component", "gate").
			Str("intent_id", in.Intent.IntentID).
			Str("symbol", in.Intent.Symbol).
			Str("reason", reason.Code).
			Msg(reason.Message)
		return Result{
			Verdict: Block,
			Allowed: false,
			Intent:  in.Intent,
			Reasons: []Reason{reason},
		}
	}

	out := in.Intent
	mods := g.softAdjust(in, &out)
	if len(mods) == 0 {
		return Result{Verdict: Allow, Allowed: true, Intent: out}
	}

	reasons := make([]Reason, 0, len(mods))
	for _, m := range mods {
		log.Info().
			Str("component", "gate").
			Str("intent_id", in.Intent.IntentID).
			Str("field", m.Field).
			Float64("before", m.Before).
			Float64("after", m.After).
			Str("reason", m.Reason.Code).
			Msg("intent degraded")
		reasons = append(reasons, m.Reason)
	}
	return Result{
		Verdict:       Degrade,
		Allowed:       true,
		Intent:        out,
		Reasons:       reasons,
		Modifications: mods,
	}
}

func (g *Gate) hardCheck(in Input) (Reason, bool) {
	it := in.Intent
	c := g.cfg

	if in.Confluence.Score < c.MinConfluence {
		return Reason{ReasonConfluenceBelowMin, fmt.Sprintf(
			"timeframe confluence %.1f is below the minimum of %.1f", in.Confluence.Score, c.MinConfluence)}, true
	}

	if it.EntryType == types.EntryLimit {
		if it.EntryPrice <= 0 {
			return Reason{ReasonLimitPriceMissing, "limit entry needs a positive entry price"}, true
		}
		ttl := it.EntryTTL()
		if ttl < c.MinLimitTTL || ttl > c.MaxLimitTTL {
			return Reason{ReasonLimitTTLOutOfBounds, fmt.Sprintf(
				"limit ttl %s must be between %s and %s", ttl, c.MinLimitTTL, c.MaxLimitTTL)}, true
		}
		if in.MarketPrice > 0 {
			dist := math.Abs(it.EntryPrice-in.MarketPrice) / in.MarketPrice * 100
			if dist > c.MaxEntryDistancePct {
				return Reason{ReasonEntryDistanceExceeded, fmt.Sprintf(
					"limit price is %.2f%% from market, max entry distance is %.2f%%", dist, c.MaxEntryDistancePct)}, true
			}
		}
	}

	if it.Leverage < c.MinLeverage || it.Leverage > c.MaxLeverage {
		return Reason{ReasonLeverageOutOfBounds, fmt.Sprintf(
			"leverage %dx must be between %dx and %dx", it.Leverage, c.MinLeverage, c.MaxLeverage)}, true
	}
	if it.SizeFraction < c.MinSize || it.SizeFraction > c.MaxSize {
		return Reason{ReasonSizeOutOfBounds, fmt.Sprintf(
			"size fraction %.3f must be between %.3f and %.3f", it.SizeFraction, c.MinSize, c.MaxSize)}, true
	}
	if it.TPPct < c.MinTPPct || it.TPPct > c.MaxTPPct {
		return Reason{ReasonTakeProfitOutOfBounds, fmt.Sprintf(
			"take profit %.2f%% must be between %.2f%% and %.2f%%", it.TPPct, c.MinTPPct, c.MaxTPPct)}, true
	}
	if it.SLPct < c.MinSLPct || it.SLPct > c.MaxSLPct {
		return Reason{ReasonStopLossOutOfBounds, fmt.Sprintf(
			"stop loss %.2f%% must be between %.2f%% and %.2f%%", it.SLPct, c.MinSLPct, c.MaxSLPct)}, true
	}
	if loss := it.SLPct * float64(it.Leverage); loss >= c.MaxLeveragedLossPct {
		return Reason{ReasonStopBeyondLiquidation, fmt.Sprintf(
			"stop loss at %dx risks %.1f%% of margin, limit is %.1f%%", it.Leverage, loss, c.MaxLeveragedLossPct)}, true
	}

	if tf, ok := g.strongOpposition(it.Side, in.Timeframes, in.Confluence); ok {
		return Reason{ReasonHigherTimeframeOpposed, fmt.Sprintf(
			"the %s timeframe trends and moves against a %s entry", tf, it.Side)}, true
	}

	return Reason{}, false
}

// strongOpposition finds a higher timeframe the scorer flagged as opposing
// whose return also exceeds the strong-opposition magnitude.
func (g *Gate) strongOpposition(side types.Side, frames []market.TimeframeSnapshot, conf confluence.Result) (string, bool) {
	for _, name := range conf.OpposingFrames {
		for _, f := range frames {
			if string(f.Timeframe) != name {
				continue
			}
			if f.Trend.Aligned(side) < 0 && math.Abs(f.ReturnPct) >= g.cfg.StrongOppositionPct {
				return name, true
			}
		}
	}
	return "", false
}

func (g *Gate) softAdjust(in Input, it *types.OrderIntent) []Modification {
	var mods []Modification
	c := g.cfg

	shrink := func(factor float64, code, msg string) {
		before := it.SizeFraction
		it.SizeFraction = before * (1 - factor)
		mods = append(mods, Modification{Field: "size_fraction", Before: before, After: it.SizeFraction, Reason: Reason{code, msg}})
	}
	capLeverage := func(max int, code, msg string) {
		if it.Leverage <= max {
			return
		}
		before := it.Leverage
		it.Leverage = max
		mods = append(mods, Modification{Field: "leverage", Before: float64(before), After: float64(max), Reason: Reason{code, msg}})
	}

	switch in.Regime.VolatilityBucket {
	case types.VolHigh, types.VolExtreme:
		shrink(c.HighVolSizeCut, ReasonHighVolatilitySizeCut, fmt.Sprintf(
			"%s volatility: size reduced by %.0f%%", in.Regime.VolatilityBucket, c.HighVolSizeCut*100))
	}

	if in.Confluence.Score < c.SoftConfluence {
		shrink(c.ModerateConfluenceCut, ReasonModerateConfluenceCut, fmt.Sprintf(
			"confluence %.1f is below %.1f: size reduced by %.0f%%", in.Confluence.Score, c.SoftConfluence, c.ModerateConfluenceCut*100))
	}

	if in.Regime.VolatilityBucket == types.VolExtreme {
		capLeverage(c.ExtremeVolMaxLeverage, ReasonExtremeVolLeverageCap, fmt.Sprintf(
			"extreme volatility caps leverage at %dx", c.ExtremeVolMaxLeverage))
	}
	if in.Regime.Regime == types.RegimeTransition {
		capLeverage(c.TransitionMaxLeverage, ReasonTransitionLeverageCap, fmt.Sprintf(
			"transitional regime caps leverage at %dx", c.TransitionMaxLeverage))
	}

	if it.EntryType == types.EntryLimit && c.PreferredLimitTTL > 0 && it.EntryTTL() > c.PreferredLimitTTL {
		before := it.EntryTTLSec
		it.EntryTTLSec = int64(c.PreferredLimitTTL / time.Second)
		mods = append(mods, Modification{Field: "entry_ttl_sec", Before: float64(before), After: float64(it.EntryTTLSec), Reason: Reason{
			ReasonLimitTTLClamped, fmt.Sprintf("limit ttl clamped to %s", c.PreferredLimitTTL)}})
	}

	if len(mods) > 0 && it.SizeFraction < c.MinSize {
		before := it.SizeFraction
		it.SizeFraction = c.MinSize
		mods = append(mods, Modification{Field: "size_fraction", Before: before, After: it.SizeFraction, Reason: Reason{
			ReasonSizeOutOfBounds, fmt.Sprintf("degraded size raised to the %.3f minimum", c.MinSize)}})
	}

	return mods
}
