package regime

import (
	"math"
	"sync"
	"time"

	"github.com/ksred/klear-exec/internal/types"
	"github.com/rs/zerolog/log"
)

// Config holds classification thresholds. Volatility bounds are ATR as a
// percent of price; each bound is the exclusive upper edge of its bucket.
type Config struct {
	TrendThreshold       float64       `yaml:"trend_threshold"`
	RangeThreshold       float64       `yaml:"range_threshold"`
	LowVolMax            float64       `yaml:"low_vol_max"`
	MediumVolMax         float64       `yaml:"medium_vol_max"`
	HighVolMax           float64       `yaml:"high_vol_max"`
	TrendMultiplier      float64       `yaml:"trend_multiplier"`
	RangeMultiplier      float64       `yaml:"range_multiplier"`
	TransitionMultiplier float64       `yaml:"transition_multiplier"`
	MinHold              time.Duration `yaml:"min_hold"`
	CacheTTL             time.Duration `yaml:"cache_ttl"`
}

// DefaultConfig returns the classifier thresholds and hysteresis hold.
func DefaultConfig() Config {
	return Config{
		TrendThreshold:       0.006,
		RangeThreshold:       0.003,
		LowVolMax:            1.0,
		MediumVolMax:         2.5,
		HighVolMax:           5.0,
		TrendMultiplier:      3.0,
		RangeMultiplier:      1.5,
		TransitionMultiplier: 2.0,
		MinHold:              15 * time.Minute,
		CacheTTL:             2 * time.Hour,
	}
}

// Inputs are the indicator values a classification is derived from.
type Inputs struct {
	Price  float64
	FastMA float64
	SlowMA float64
	ATR    float64
}

// Cache holds the last classification per symbol. It is owned by one engine
// and passed by handle; entries older than ttl are dropped on read.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]types.RegimeCacheEntry
}

// NewCache creates an empty regime cache whose entries live for ttl.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, entries: make(map[string]types.RegimeCacheEntry)}
}

// Get returns the unexpired entry for symbol.
func (c *Cache) Get(symbol string, now time.Time) (types.RegimeCacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[symbol]
	if !ok {
		return e, false
	}
	if c.ttl > 0 && now.Sub(e.ComputedAt) > c.ttl {
		delete(c.entries, symbol)
		return types.RegimeCacheEntry{}, false
	}
	return e, true
}

// Put stores e, replacing any entry for its symbol.
func (c *Cache) Put(e types.RegimeCacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[e.Symbol] = e
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]types.RegimeCacheEntry)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Classifier labels symbols TREND, RANGE or TRANSITION with hysteresis.
type Classifier struct {
	cfg   Config
	cache *Cache
	now   func() time.Time
}

// NewClassifier creates a classifier that remembers its labels in cache.
func NewClassifier(cfg Config, cache *Cache) *Classifier {
	if cache == nil {
		cache = NewCache(cfg.CacheTTL)
	}
	return &Classifier{cfg: cfg, cache: cache, now: time.Now}
}

// WithClock replaces the time source.
func (c *Classifier) WithClock(now func() time.Time) *Classifier {
	c.now = now
	return c
}

func (c *Classifier) Cache() *Cache {
	return c.cache
}

// Bucket maps ATR% of price to a volatility bucket.
func (c *Classifier) Bucket(price, atr float64) types.VolatilityBucket {
	if price <= 0 {
		return types.VolExtreme
	}
	pct := atr / price * 100
	switch {
	case pct < c.cfg.LowVolMax:
		return types.VolLow
	case pct < c.cfg.MediumVolMax:
		return types.VolMedium
	case pct < c.cfg.HighVolMax:
		return types.VolHigh
	default:
		return types.VolExtreme
	}
}

// Classify returns the regime for symbol. A cached result younger than
// MinHold is returned unchanged unless force is set.
func (c *Classifier) Classify(symbol string, in Inputs, force bool) types.RegimeCacheEntry {
	now := c.now()
	if !force {
		if prev, ok := c.cache.Get(symbol, now); ok && now.Sub(prev.ComputedAt) < c.cfg.MinHold {
			return prev
		}
	}

	entry := c.compute(symbol, in)
	entry.ComputedAt = now

	if prev, ok := c.cache.Get(symbol, now); ok && prev.Regime != entry.Regime {
		log.Info().
			Str("component", "regime").
			Str("symbol", symbol).
			Str("from", string(prev.Regime)).
			Str("to", string(entry.Regime)).
			Float64("confidence", entry.Confidence).
			Msg("regime changed")
	}
	c.cache.Put(entry)
	return entry
}

func (c *Classifier) compute(symbol string, in Inputs) types.RegimeCacheEntry {
	bucket := c.Bucket(in.Price, in.ATR)
	entry := types.RegimeCacheEntry{Symbol: symbol, VolatilityBucket: bucket}

	spread := 0.0
	if in.Price > 0 {
		spread = math.Abs(in.FastMA-in.SlowMA) / in.Price
	}

	switch {
	case spread >= c.cfg.TrendThreshold && bucket != types.VolExtreme:
		entry.Regime = types.RegimeTrend
		entry.Multiplier = c.cfg.TrendMultiplier
		// 0.5 at the threshold, 1.0 at twice the threshold
		entry.Confidence = clamp(0.5+0.5*(spread/c.cfg.TrendThreshold-1), 0.5, 1)
	case spread < c.cfg.RangeThreshold && (bucket == types.VolLow || bucket == types.VolMedium):
		entry.Regime = types.RegimeRange
		entry.Multiplier = c.cfg.RangeMultiplier
		entry.Confidence = clamp(1-0.5*spread/c.cfg.RangeThreshold, 0.5, 1)
	default:
		entry.Regime = types.RegimeTransition
		entry.Multiplier = c.cfg.TransitionMultiplier
		entry.Confidence = 0.5
	}
	return entry
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
