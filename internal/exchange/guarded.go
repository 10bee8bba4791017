package exchange

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ksred/klear-exec/internal/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Normal operation
	BreakerOpen                         // Failing, reject requests
	BreakerHalfOpen                     // Testing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// GuardConfig configures the outbound limiter and circuit breaker.
type GuardConfig struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	SuccessThreshold  int           `yaml:"success_threshold"`
	OpenTimeout       time.Duration `yaml:"open_timeout"`
}

// DefaultGuardConfig returns the limiter and breaker defaults.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		RequestsPerSecond: 10,
		Burst:             5,
		FailureThreshold:  5,
		SuccessThreshold:  2,
		OpenTimeout:       30 * time.Second,
	}
}

// Guarded wraps an Exchange with a token-bucket limiter and a circuit breaker.
// Only transient failures count against the breaker; business rejections
// mean the venue is healthy.
type Guarded struct {
	inner   Exchange
	limiter *rate.Limiter
	cfg     GuardConfig

	mu           sync.Mutex
	state        BreakerState
	failureCount int
	successCount int
	lastFailure  time.Time
}

// NewGuarded wraps inner with a closed breaker.
func NewGuarded(inner Exchange, cfg GuardConfig) *Guarded {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Guarded{
		inner:   inner,
		limiter: rate.NewLimiter(limit, burst),
		cfg:     cfg,
		state:   BreakerClosed,
	}
}

// State returns the breaker state for health reporting.
func (g *Guarded) State() BreakerState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Guarded) allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case BreakerOpen:
		if time.Since(g.lastFailure) > g.cfg.OpenTimeout {
			g.state = BreakerHalfOpen
			g.successCount = 0
			log.Info().Str("component", "exchange_guard").Msg("circuit breaker transitioning to HALF_OPEN")
			return true
		}
		return false
	default:
		return true
	}
}

func (g *Guarded) record(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err != nil && types.IsTransient(err) {
		g.lastFailure = time.Now()
		switch g.state {
		case BreakerClosed:
			g.failureCount++
			if g.failureCount >= g.cfg.FailureThreshold {
				g.state = BreakerOpen
				log.Warn().
					Str("component", "exchange_guard").
					Int("failures", g.failureCount).
					Msg("circuit breaker OPEN (failures exceeded threshold)")
			}
		case BreakerHalfOpen:
			g.state = BreakerOpen
			g.successCount = 0
			log.Warn().Str("component", "exchange_guard").Msg("circuit breaker OPEN (half-open probe failed)")
		}
		return
	}

	switch g.state {
	case BreakerClosed:
		g.failureCount = 0
	case BreakerHalfOpen:
		g.successCount++
		if g.successCount >= g.cfg.SuccessThreshold {
			g.state = BreakerClosed
			g.failureCount = 0
			g.successCount = 0
			log.Info().Str("component", "exchange_guard").Msg("circuit breaker CLOSED (recovered)")
		}
	}
}

var errBreakerOpen = errors.New("circuit breaker open")

func (g *Guarded) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if !g.allow() {
		return types.NewTransientError(op, errBreakerOpen)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return types.NewTransientError(op, err)
	}
	err := fn(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !types.IsTransient(err) {
		err = types.NewTransientError(op, err)
	}
	g.record(err)
	return err
}

func (g *Guarded) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderHandle, error) {
	var h *OrderHandle
	err := g.do(ctx, "place_order", func(ctx context.Context) error {
		var err error
		h, err = g.inner.PlaceOrder(ctx, req)
		return err
	})
	return h, err
}

func (g *Guarded) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return g.do(ctx, "cancel_order", func(ctx context.Context) error {
		return g.inner.CancelOrder(ctx, symbol, orderID)
	})
}

func (g *Guarded) GetOrderStatus(ctx context.Context, symbol, orderID string) (*OrderState, error) {
	var st *OrderState
	err := g.do(ctx, "get_order_status", func(ctx context.Context) error {
		var err error
		st, err = g.inner.GetOrderStatus(ctx, symbol, orderID)
		return err
	})
	return st, err
}

func (g *Guarded) SetProtectiveStop(ctx context.Context, symbol string, side types.Side, price, qty float64) error {
	return g.do(ctx, "set_protective_stop", func(ctx context.Context) error {
		return g.inner.SetProtectiveStop(ctx, symbol, side, price, qty)
	})
}

func (g *Guarded) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	var pos *Position
	err := g.do(ctx, "get_position", func(ctx context.Context) error {
		var err error
		pos, err = g.inner.GetPosition(ctx, symbol)
		return err
	})
	return pos, err
}

func (g *Guarded) GetBalance(ctx context.Context) (*Balance, error) {
	var bal *Balance
	err := g.do(ctx, "get_balance", func(ctx context.Context) error {
		var err error
		bal, err = g.inner.GetBalance(ctx)
		return err
	})
	return bal, err
}

func (g *Guarded) GetInstrumentPrecision(ctx context.Context, symbol string) (*Precision, error) {
	var prec *Precision
	err := g.do(ctx, "get_instrument_precision", func(ctx context.Context) error {
		var err error
		prec, err = g.inner.GetInstrumentPrecision(ctx, symbol)
		return err
	})
	return prec, err
}
