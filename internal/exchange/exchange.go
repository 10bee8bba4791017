package exchange

import (
	"context"
	"fmt"

	"github.com/ksred/klear-exec/internal/types"
	"github.com/shopspring/decimal"
)

type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

type OrderStatus string

const (
	StatusNew             OrderStatus = "New"
	StatusPartiallyFilled OrderStatus = "PartiallyFilled"
	StatusFilled          OrderStatus = "Filled"
	StatusCancelled       OrderStatus = "Cancelled"
	StatusRejected        OrderStatus = "Rejected"
)

// Open reports whether the order may still fill.
func (s OrderStatus) Open() bool {
	return s == StatusNew || s == StatusPartiallyFilled
}

// OrderRequest describes an order to place. Side is the position side the
// order opens; reduce-only orders close that side.
type OrderRequest struct {
	Symbol        string
	Side          types.Side
	Quantity      float64
	Type          OrderType
	Price         float64
	ReduceOnly    bool
	ClientOrderID string
}

type OrderHandle struct {
	OrderID       string
	ClientOrderID string
}

type OrderState struct {
	OrderID   string
	Status    OrderStatus
	FilledQty float64
	AvgPrice  float64
}

// Position is the exchange's live view of a position. Size is zero when flat.
type Position struct {
	Symbol     string
	Side       types.Side
	Size       float64
	EntryPrice float64
}

type Balance struct {
	Equity    float64
	Available float64
}

// Precision holds instrument rounding rules.
type Precision struct {
	QtyStep   float64
	MinQty    float64
	PriceTick float64
}

// Exchange is the capability surface the engine consumes from a venue.
type Exchange interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderHandle, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrderStatus(ctx context.Context, symbol, orderID string) (*OrderState, error)
	SetProtectiveStop(ctx context.Context, symbol string, side types.Side, price, qty float64) error
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	GetBalance(ctx context.Context) (*Balance, error)
	GetInstrumentPrecision(ctx context.Context, symbol string) (*Precision, error)
}

// RoundQty floors qty to the quantity step. It returns a validation error when
// the result is below the minimum order quantity.
func (p Precision) RoundQty(qty float64) (float64, error) {
	d := decimal.NewFromFloat(qty)
	if p.QtyStep > 0 {
		step := decimal.NewFromFloat(p.QtyStep)
		d = d.Div(step).Floor().Mul(step)
	}
	rounded, _ := d.Float64()
	if rounded <= 0 || rounded < p.MinQty {
		return 0, types.NewValidationError("quantity_below_minimum",
			"quantity %s below minimum %v", d.String(), p.MinQty)
	}
	return rounded, nil
}

// RoundPrice rounds price to the nearest tick.
func (p Precision) RoundPrice(price float64) float64 {
	if p.PriceTick <= 0 {
		return price
	}
	tick := decimal.NewFromFloat(p.PriceTick)
	out, _ := decimal.NewFromFloat(price).Div(tick).Round(0).Mul(tick).Float64()
	return out
}

// RoundStop rounds a stop price to a tick without loosening it: longs round
// up, shorts round down.
func (p Precision) RoundStop(side types.Side, price float64) float64 {
	if p.PriceTick <= 0 {
		return price
	}
	tick := decimal.NewFromFloat(p.PriceTick)
	steps := decimal.NewFromFloat(price).Div(tick)
	if side == types.SideShort {
		steps = steps.Floor()
	} else {
		steps = steps.Ceil()
	}
	out, _ := steps.Mul(tick).Float64()
	return out
}

// OrderQuantity converts an equity fraction at leverage into a rounded
// base-asset quantity at price.
func OrderQuantity(equity, sizeFraction float64, leverage int, price float64, prec Precision) (float64, error) {
	if price <= 0 {
		return 0, types.NewValidationError("invalid_price", "cannot size an order at price %v", price)
	}
	notional := decimal.NewFromFloat(equity).
		Mul(decimal.NewFromFloat(sizeFraction)).
		Mul(decimal.NewFromInt(int64(leverage)))
	qty, _ := notional.Div(decimal.NewFromFloat(price)).Float64()
	rounded, err := prec.RoundQty(qty)
	if err != nil {
		return 0, fmt.Errorf("sizing %v equity x %v at %vx: %w", equity, sizeFraction, leverage, err)
	}
	return rounded, nil
}
