package types

import (
	"time"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Valid reports whether s is one of the two position sides.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Sign is +1 for longs and -1 for shorts.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideShort {
		return SideLong
	}
	return SideShort
}

type EntryType string

const (
	EntryMarket EntryType = "MARKET"
	EntryLimit  EntryType = "LIMIT"
)

type IntentStatus string

const (
	IntentPending   IntentStatus = "PENDING"
	IntentExecuting IntentStatus = "EXECUTING"
	IntentExecuted  IntentStatus = "EXECUTED"
	IntentFailed    IntentStatus = "FAILED"
	IntentCancelled IntentStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible from s.
func (s IntentStatus) Terminal() bool {
	return s == IntentExecuted || s == IntentFailed || s == IntentCancelled
}

// Active reports whether s counts against the per symbol+side pending limit.
func (s IntentStatus) Active() bool {
	return s == IntentPending || s == IntentExecuting
}

// OrderIntent is a request to open a position with specific risk parameters.
type OrderIntent struct {
	ID                  uint         `gorm:"primaryKey" json:"-"`
	IntentID            string       `gorm:"uniqueIndex" json:"intent_id"`
	Symbol              string       `gorm:"index:idx_intent_symbol_side" json:"symbol"`
	Side                Side         `gorm:"index:idx_intent_symbol_side" json:"side"`
	Leverage            int          `json:"leverage"`
	SizeFraction        float64      `json:"size_fraction"`
	EntryType           EntryType    `json:"entry_type"`
	EntryPrice          float64      `json:"entry_price,omitempty"`
	EntryTTLSec         int64        `json:"entry_ttl_sec,omitempty"`
	TPPct               float64      `json:"tp_pct"`
	SLPct               float64      `json:"sl_pct"`
	TimeInTradeLimitSec int64        `json:"time_in_trade_limit_sec,omitempty"`
	CooldownSec         int64        `json:"cooldown_sec,omitempty"`
	Status              IntentStatus `gorm:"index" json:"status"`
	ExchangeOrderID     string       `json:"exchange_order_id,omitempty"`
	Error               string       `json:"error,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	ExecutedAt          *time.Time   `json:"executed_at,omitempty"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

func (i *OrderIntent) EntryTTL() time.Duration {
	return time.Duration(i.EntryTTLSec) * time.Second
}

func (i *OrderIntent) TimeInTradeLimit() time.Duration {
	return time.Duration(i.TimeInTradeLimitSec) * time.Second
}

func (i *OrderIntent) CooldownDuration() time.Duration {
	return time.Duration(i.CooldownSec) * time.Second
}

// PositionMetadata records the origin parameters of an open position.
// At most one live row exists per (symbol, side).
type PositionMetadata struct {
	ID                  uint      `gorm:"primaryKey" json:"-"`
	Symbol              string    `gorm:"uniqueIndex:idx_position_symbol_side" json:"symbol"`
	Side                Side      `gorm:"uniqueIndex:idx_position_symbol_side" json:"side"`
	IntentID            string    `gorm:"index" json:"intent_id"`
	OpenedAt            time.Time `json:"opened_at"`
	EntryPrice          float64   `json:"entry_price"`
	Quantity            float64   `json:"quantity"`
	SizeFraction        float64   `json:"size_fraction"`
	Leverage            int       `json:"leverage"`
	EntryType           EntryType `json:"entry_type"`
	TPPct               float64   `json:"tp_pct"`
	SLPct               float64   `json:"sl_pct"`
	TimeInTradeLimitSec int64     `json:"time_in_trade_limit_sec,omitempty"`
	CooldownSec         int64     `json:"cooldown_sec,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func (p *PositionMetadata) TimeInTradeLimit() time.Duration {
	return time.Duration(p.TimeInTradeLimitSec) * time.Second
}

func (p *PositionMetadata) CooldownDuration() time.Duration {
	return time.Duration(p.CooldownSec) * time.Second
}

// ROIPct is the unleveraged return of the position at price, in percent.
func (p *PositionMetadata) ROIPct(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice * 100 * p.Side.Sign()
}

// TargetPrice is the take-profit level, or 0 when no target is set.
func (p *PositionMetadata) TargetPrice() float64 {
	if p.TPPct <= 0 {
		return 0
	}
	return p.EntryPrice * (1 + p.Side.Sign()*p.TPPct/100)
}

// Close reasons recorded in history and cooldowns.
const (
	CloseStopLoss     = "stop_loss"
	CloseTakeProfit   = "take_profit"
	CloseTimeLimit    = "time_limit"
	CloseManual       = "manual"
	CloseStale        = "stale_reconciliation"
	CloseDecision     = "decision_close"
	CloseUnprotected  = "initial_stop_failed"
	CloseExternal     = "closed_on_exchange"
	CloseIntentPurged = "intent_purged"
)

// ClosedTrade is an entry in the bounded closed-trade history.
type ClosedTrade struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	Symbol     string    `gorm:"index" json:"symbol"`
	Side       Side      `json:"side"`
	IntentID   string    `gorm:"index" json:"intent_id"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Quantity   float64   `json:"quantity"`
	Leverage   int       `json:"leverage"`
	PnLPct     float64   `json:"pnl_pct"`
	Reason     string    `json:"reason"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `gorm:"index" json:"closed_at"`
}

// Cooldown blocks re-entry in the same direction until ClosedAt+Duration.
type Cooldown struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	Symbol      string    `gorm:"index:idx_cooldown_symbol_side" json:"symbol"`
	Side        Side      `gorm:"index:idx_cooldown_symbol_side" json:"side"`
	ClosedAt    time.Time `gorm:"index" json:"closed_at"`
	Reason      string    `json:"reason"`
	DurationSec int64     `json:"duration_sec"`
}

func (c *Cooldown) Duration() time.Duration {
	return time.Duration(c.DurationSec) * time.Second
}

func (c *Cooldown) ExpiresAt() time.Time {
	return c.ClosedAt.Add(c.Duration())
}

// Active reports whether the cooldown still blocks at now.
func (c *Cooldown) Active(now time.Time) bool {
	return now.Before(c.ExpiresAt())
}

type TrailingStage string

const (
	StageInactive   TrailingStage = "INACTIVE"
	StageArmed      TrailingStage = "ARMED"
	StageRatcheting TrailingStage = "RATCHETING"
)

// TrailingStopState is the protective stop of one open position.
// CurrentStop never relaxes: non-decreasing for longs, non-increasing for shorts.
type TrailingStopState struct {
	ID               uint          `gorm:"primaryKey" json:"-"`
	Symbol           string        `gorm:"uniqueIndex:idx_trailing_symbol_side" json:"symbol"`
	Side             Side          `gorm:"uniqueIndex:idx_trailing_symbol_side" json:"side"`
	Stage            TrailingStage `json:"stage"`
	ExtremePrice     float64       `json:"extreme_price_seen"`
	CurrentStop      float64       `json:"current_stop_price"`
	Quantity         float64       `json:"quantity"`
	BreakevenApplied bool          `json:"breakeven_applied"`
	LockTicks        int           `json:"lock_ticks"`
	LockBaseROI      float64       `json:"lock_base_roi"`
	FailedUpdates    int           `json:"failed_updates"`
	LastUpdated      time.Time     `json:"last_updated"`
}

// Active reports whether the ratchet has been armed.
func (t *TrailingStopState) Active() bool {
	return t.Stage == StageArmed || t.Stage == StageRatcheting
}

// Improves reports whether candidate is strictly more protective than the current stop.
func (t *TrailingStopState) Improves(candidate float64) bool {
	if t.CurrentStop <= 0 {
		return candidate > 0
	}
	if t.Side == SideShort {
		return candidate < t.CurrentStop
	}
	return candidate > t.CurrentStop
}

type Regime string

const (
	RegimeTrend      Regime = "TREND"
	RegimeRange      Regime = "RANGE"
	RegimeTransition Regime = "TRANSITION"
)

type VolatilityBucket string

const (
	VolLow     VolatilityBucket = "LOW"
	VolMedium  VolatilityBucket = "MEDIUM"
	VolHigh    VolatilityBucket = "HIGH"
	VolExtreme VolatilityBucket = "EXTREME"
)

// RegimeCacheEntry is a cached regime classification for one symbol.
type RegimeCacheEntry struct {
	Symbol           string           `json:"symbol"`
	Regime           Regime           `json:"regime"`
	Confidence       float64          `json:"confidence"`
	VolatilityBucket VolatilityBucket `json:"volatility_bucket"`
	Multiplier       float64          `json:"multiplier"`
	ComputedAt       time.Time        `json:"computed_at"`
}

// StateVersion is bumped inside every mutating transaction.
type StateVersion struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}
