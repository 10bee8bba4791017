package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/rs/zerolog/log"
)

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	ID              string
	Name            string
	MinLatency      int     // in milliseconds
	MaxLatency      int     // in milliseconds
	SuccessRate     float64 // 0-1, probability a call does not fail transiently
	FeeRate         float64 // fraction of notional
	InitialEquity   float64
	MaxNotionalMult float64 // notional cap as a multiple of available equity
	Precision       map[string]Precision
}

// DefaultPaperConfig returns an instant, always-successful venue with 10000 equity.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		ID:              "PAPER",
		Name:            "Paper Exchange",
		SuccessRate:     1,
		FeeRate:         0.0004,
		InitialEquity:   10000,
		MaxNotionalMult: 50,
		Precision:       map[string]Precision{},
	}
}

type paperOrder struct {
	req       OrderRequest
	state     OrderState
	createdAt time.Time
}

type paperStop struct {
	side  types.Side
	price float64
	qty   float64
}

// Paper is an in-memory venue: market orders fill at the last price, limit
// orders rest until the price crosses, protective stops trigger on SetPrice.
type Paper struct {
	cfg PaperConfig

	mu        sync.Mutex
	prices    map[string]float64
	orders    map[string]*paperOrder
	positions map[string]*Position
	stops     map[string]paperStop
	equity    float64
	failures  map[string][]error
	calls     map[string]int
}

// NewPaper creates a paper venue with no prices or positions.
func NewPaper(cfg PaperConfig) *Paper {
	if cfg.Precision == nil {
		cfg.Precision = map[string]Precision{}
	}
	return &Paper{
		cfg:       cfg,
		prices:    make(map[string]float64),
		orders:    make(map[string]*paperOrder),
		positions: make(map[string]*Position),
		stops:     make(map[string]paperStop),
		equity:    cfg.InitialEquity,
		failures:  make(map[string][]error),
		calls:     make(map[string]int),
	}
}

// FailNext queues errs to be returned by the next calls of op
// (e.g. "place_order", "set_protective_stop").
func (p *Paper) FailNext(op string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], errs...)
}

// Calls returns how many times op was invoked.
func (p *Paper) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// Stop returns the live protective stop for symbol, or 0.
func (p *Paper) Stop(symbol string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops[symbol].price
}

// StopQty returns the quantity covered by the live protective stop, or 0.
func (p *Paper) StopQty(symbol string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops[symbol].qty
}

// Price returns the last price for symbol.
func (p *Paper) Price(symbol string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prices[symbol]
}

// begin simulates latency and injected failures; callers hold no lock.
func (p *Paper) begin(ctx context.Context, op string) error {
	if p.cfg.MaxLatency > 0 {
		latency := p.cfg.MinLatency
		if p.cfg.MaxLatency > p.cfg.MinLatency {
			latency += rand.Intn(p.cfg.MaxLatency - p.cfg.MinLatency + 1)
		}
		select {
		case <-ctx.Done():
			return types.NewTransientError(op, ctx.Err())
		case <-time.After(time.Duration(latency) * time.Millisecond):
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[op]++

	if queued := p.failures[op]; len(queued) > 0 {
		p.failures[op] = queued[1:]
		return queued[0]
	}
	if p.cfg.SuccessRate > 0 && p.cfg.SuccessRate < 1 && rand.Float64() > p.cfg.SuccessRate {
		return types.NewTransientError(op, fmt.Errorf("simulated outage on %s", p.cfg.ID))
	}
	return nil
}

// SetPrice moves the market, filling crossed limit orders and triggering stops.
func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price

	for _, o := range p.orders {
		if o.req.Symbol != symbol || !o.state.Status.Open() || o.req.Type != OrderLimit {
			continue
		}
		crossed := (o.req.Side == types.SideLong && price <= o.req.Price) ||
			(o.req.Side == types.SideShort && price >= o.req.Price)
		if crossed {
			p.fillLocked(o, o.req.Price)
		}
	}

	stop, ok := p.stops[symbol]
	if !ok {
		return
	}
	hit := (stop.side == types.SideLong && price <= stop.price) ||
		(stop.side == types.SideShort && price >= stop.price)
	if hit {
		log.Debug().
			Str("exchange_id", p.cfg.ID).
			Str("symbol", symbol).
			Float64("stop", stop.price).
			Float64("price", price).
			Msg("protective stop triggered")
		p.reduceLocked(symbol, stop.side, stop.qty, stop.price)
		delete(p.stops, symbol)
	}
}

func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderHandle, error) {
	if err := p.begin(ctx, "place_order"); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	last, ok := p.prices[req.Symbol]
	if !ok || last <= 0 {
		return nil, types.NewRejection("unknown_symbol", "no market for %s", req.Symbol)
	}
	if req.Quantity <= 0 {
		return nil, types.NewRejection("invalid_quantity", "quantity %v", req.Quantity)
	}
	if req.Type == OrderLimit && req.Price <= 0 {
		return nil, types.NewRejection("invalid_price", "limit price %v", req.Price)
	}
	if !req.ReduceOnly {
		refPrice := last
		if req.Type == OrderLimit {
			refPrice = req.Price
		}
		if req.Quantity*refPrice > p.equity*p.cfg.MaxNotionalMult {
			return nil, types.NewRejection("insufficient_margin",
				"notional %.2f exceeds available margin", req.Quantity*refPrice)
		}
	}
	if req.ClientOrderID != "" {
		for _, o := range p.orders {
			if o.req.ClientOrderID == req.ClientOrderID && o.state.Status.Open() {
				return nil, types.NewRejection("duplicate_client_order_id",
					"client order id %s already resting", req.ClientOrderID)
			}
		}
	}

	o := &paperOrder{
		req:       req,
		state:     OrderState{OrderID: uuid.New().String(), Status: StatusNew},
		createdAt: time.Now(),
	}
	p.orders[o.state.OrderID] = o

	switch req.Type {
	case OrderMarket:
		p.fillLocked(o, last)
	case OrderLimit:
		if (req.Side == types.SideLong && last <= req.Price) || (req.Side == types.SideShort && last >= req.Price) {
			p.fillLocked(o, req.Price)
		}
	}

	return &OrderHandle{OrderID: o.state.OrderID, ClientOrderID: req.ClientOrderID}, nil
}

func (p *Paper) fillLocked(o *paperOrder, price float64) {
	o.state.Status = StatusFilled
	o.state.FilledQty = o.req.Quantity
	o.state.AvgPrice = price
	p.equity -= price * o.req.Quantity * p.cfg.FeeRate

	if o.req.ReduceOnly {
		p.reduceLocked(o.req.Symbol, o.req.Side, o.req.Quantity, price)
		return
	}

	pos, ok := p.positions[o.req.Symbol]
	if !ok || pos.Size == 0 {
		p.positions[o.req.Symbol] = &Position{
			Symbol:     o.req.Symbol,
			Side:       o.req.Side,
			Size:       o.req.Quantity,
			EntryPrice: price,
		}
		return
	}
	if pos.Side != o.req.Side {
		p.reduceLocked(o.req.Symbol, pos.Side, o.req.Quantity, price)
		return
	}
	total := pos.Size + o.req.Quantity
	pos.EntryPrice = (pos.EntryPrice*pos.Size + price*o.req.Quantity) / total
	pos.Size = total
}

func (p *Paper) reduceLocked(symbol string, side types.Side, qty, price float64) {
	pos, ok := p.positions[symbol]
	if !ok || pos.Side != side || pos.Size == 0 {
		return
	}
	closed := math.Min(qty, pos.Size)
	p.equity += (price - pos.EntryPrice) * closed * side.Sign()
	pos.Size -= closed
	if pos.Size <= 1e-12 {
		delete(p.positions, symbol)
		delete(p.stops, symbol)
	}
}

func (p *Paper) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := p.begin(ctx, "cancel_order"); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return types.NewRejection("unknown_order", "order %s not found", orderID)
	}
	if !o.state.Status.Open() {
		return types.NewRejection("order_not_open", "order %s is %s", orderID, o.state.Status)
	}
	o.state.Status = StatusCancelled
	return nil
}

func (p *Paper) GetOrderStatus(ctx context.Context, symbol, orderID string) (*OrderState, error) {
	if err := p.begin(ctx, "get_order_status"); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return nil, types.NewRejection("unknown_order", "order %s not found", orderID)
	}
	st := o.state
	return &st, nil
}

func (p *Paper) SetProtectiveStop(ctx context.Context, symbol string, side types.Side, price, qty float64) error {
	if err := p.begin(ctx, "set_protective_stop"); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[symbol]
	if !ok || pos.Side != side {
		return types.NewRejection("no_position", "no %s position on %s", side, symbol)
	}
	last := p.prices[symbol]
	if (side == types.SideLong && price >= last) || (side == types.SideShort && price <= last) {
		return types.NewRejection("stop_would_trigger", "stop %v on wrong side of market %v", price, last)
	}
	p.stops[symbol] = paperStop{side: side, price: price, qty: qty}
	return nil
}

func (p *Paper) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	if err := p.begin(ctx, "get_position"); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[symbol]
	if !ok {
		return &Position{Symbol: symbol}, nil
	}
	out := *pos
	return &out, nil
}

func (p *Paper) GetBalance(ctx context.Context) (*Balance, error) {
	if err := p.begin(ctx, "get_balance"); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	used := 0.0
	for _, pos := range p.positions {
		used += pos.Size * pos.EntryPrice / p.cfg.MaxNotionalMult
	}
	return &Balance{Equity: p.equity, Available: math.Max(p.equity-used, 0)}, nil
}

func (p *Paper) GetInstrumentPrecision(ctx context.Context, symbol string) (*Precision, error) {
	if err := p.begin(ctx, "get_instrument_precision"); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	prec, ok := p.cfg.Precision[symbol]
	if !ok {
		prec = Precision{QtyStep: 0.0001, MinQty: 0.0001, PriceTick: 0.01}
	}
	return &prec, nil
}

// OpenPosition seeds a live position directly, bypassing order flow.
func (p *Paper) OpenPosition(pos Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := pos
	p.positions[pos.Symbol] = &out
}

// ErrInjected is a convenience transient error for FailNext.
var ErrInjected = types.NewTransientError("injected", errors.New("injected failure"))
