package engine

import (
	"context"
	"fmt"

	"github.com/ksred/klear-exec/internal/exchange"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/rs/zerolog/log"
)

// supersede cancels a resting LIMIT entry on the same symbol and side when
// the replacement price differs enough. A fill observed during the cancel
// wins and the replacement is refused.
func (e *Engine) supersede(ctx context.Context, next *types.OrderIntent) error {
	active, err := e.Intents.ListActive(ctx, next.Symbol, next.Side)
	if err != nil {
		return err
	}

	for i := range active {
		old := &active[i]
		if old.EntryType != types.EntryLimit || old.Status != types.IntentExecuting || old.ExchangeOrderID == "" {
			continue
		}

		diff := priceDiffPct(next.EntryPrice, old.EntryPrice)
		if diff <= e.cfg.SupersedeMinDiffPct {
			return types.NewValidationError("supersede_unchanged",
				"resting order %s at %v is within %.3f%% of %v", old.IntentID, old.EntryPrice, e.cfg.SupersedeMinDiffPct, next.EntryPrice)
		}

		filled, err := e.cancelResting(ctx, old, fmt.Sprintf("superseded by %s", next.IntentID))
		if err != nil {
			return err
		}
		if filled {
			return types.NewValidationError("superseded_intent_filled",
				"resting order %s filled before it could be replaced", old.IntentID)
		}
		e.Metrics.LimitOrders.WithLabelValues("superseded").Inc()
		log.Info().
			Str("component", "limit_orders").
			Str("intent_id", old.IntentID).
			Str("replacement", next.IntentID).
			Float64("before", old.EntryPrice).
			Float64("after", next.EntryPrice).
			Msg("resting order superseded")
	}
	return nil
}

// pollOrders checks every EXECUTING intent with a live exchange order.
// Failures are logged per intent and never stop the others.
func (e *Engine) pollOrders(ctx context.Context, report *TickReport) {
	executing, err := e.Intents.ListByStatus(ctx, types.IntentExecuting)
	if err != nil {
		log.Error().Err(err).Str("component", "limit_orders").Msg("failed to list executing intents")
		report.Errors++
		return
	}

	for i := range executing {
		it := &executing[i]
		if it.ExchangeOrderID == "" {
			continue
		}
		report.OrdersPolled++
		if err := e.pollOrder(ctx, it, report); err != nil {
			report.Errors++
			log.Error().
				Err(err).
				Str("component", "limit_orders").
				Str("intent_id", it.IntentID).
				Str("symbol", it.Symbol).
				Msg("order poll failed")
		}
	}
}

func (e *Engine) pollOrder(ctx context.Context, it *types.OrderIntent, report *TickReport) error {
	st, err := e.orderStatus(ctx, it.Symbol, it.ExchangeOrderID)
	if err != nil {
		return err
	}

	switch {
	case st.Status == exchange.StatusFilled:
		if _, err := e.onFill(ctx, it, st, nil); err != nil {
			return err
		}
		report.Filled++
		return nil

	case st.Status == exchange.StatusCancelled && st.FilledQty > 0:
		_, err := e.onFill(ctx, it, st, nil)
		return err

	case st.Status == exchange.StatusCancelled:
		_, err := e.Intents.UpdateStatus(ctx, it.IntentID, types.IntentCancelled, "", "order cancelled on exchange")
		return err

	case st.Status == exchange.StatusRejected:
		_, err := e.Intents.UpdateStatus(ctx, it.IntentID, types.IntentFailed, "", "order rejected on exchange")
		return err
	}

	if it.EntryType != types.EntryLimit || it.EntryTTLSec <= 0 {
		return nil
	}
	if e.now().Before(it.CreatedAt.Add(it.EntryTTL())) {
		return nil
	}

	filled, err := e.cancelResting(ctx, it, "entry ttl expired")
	if err != nil {
		return err
	}
	if filled {
		report.Filled++
		return nil
	}
	report.Expired++
	e.Metrics.LimitOrders.WithLabelValues("expired").Inc()
	return nil
}

// cancelResting cancels a resting entry order once and marks the intent
// CANCELLED. When the order turns out to have filled, fully or partly, the
// fill is processed instead and filled is true.
func (e *Engine) cancelResting(ctx context.Context, it *types.OrderIntent, why string) (bool, error) {
	logger := log.With().
		Str("component", "limit_orders").
		Str("intent_id", it.IntentID).
		Str("symbol", it.Symbol).
		Str("order_id", it.ExchangeOrderID).
		Logger()

	// Not retried: a repeat cancel of an order that may have filled in
	// between is resolved from its status instead.
	ctx2, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	cancelErr := e.Exchange.CancelOrder(ctx2, it.Symbol, it.ExchangeOrderID)
	cancel()

	st, err := e.orderStatus(ctx, it.Symbol, it.ExchangeOrderID)
	if err != nil {
		if cancelErr != nil {
			return false, cancelErr
		}
		return false, err
	}

	if st.FilledQty > 0 || st.Status == exchange.StatusFilled {
		logger.Info().
			Str("status", string(st.Status)).
			Float64("filled_qty", st.FilledQty).
			Msg("fill observed during cancel, fill wins")
		if _, err := e.onFill(ctx, it, st, nil); err != nil {
			return true, err
		}
		return true, nil
	}
	if st.Status.Open() {
		if cancelErr != nil {
			return false, cancelErr
		}
		return false, fmt.Errorf("order %s still %s after cancel", it.ExchangeOrderID, st.Status)
	}

	if _, err := e.Intents.UpdateStatus(ctx, it.IntentID, types.IntentCancelled, "", why); err != nil {
		return false, err
	}
	logger.Info().Str("reason", why).Msg("resting order cancelled")
	return false, nil
}
