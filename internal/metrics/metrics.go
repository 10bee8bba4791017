// Package metrics exposes engine counters in Prometheus format:
//
//	klear_intents_total{outcome}            accepted|duplicate|rejected
//	klear_gate_verdicts_total{verdict}      ALLOW|DEGRADE|BLOCK
//	klear_orders_total{type,side}           orders sent to the exchange
//	klear_limit_orders_total{event}         placed|filled|expired|superseded
//	klear_exits_total{reason,side}          closes by reason
//	klear_stop_updates_total{result}        moved|failed
//	klear_reconcile_mismatches_total{code}  corrections toward the exchange
//	klear_decisions_total{action,source}    collaborator|fallback
//	klear_open_positions                    live positions
//	klear_exchange_breaker_state            0 closed, 1 open, 2 half-open
//	klear_monitor_tick_seconds              tick duration
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's collectors.
type Metrics struct {
	Intents       *prometheus.CounterVec
	GateVerdicts  *prometheus.CounterVec
	Orders        *prometheus.CounterVec
	LimitOrders   *prometheus.CounterVec
	Exits         *prometheus.CounterVec
	StopUpdates   *prometheus.CounterVec
	Mismatches    *prometheus.CounterVec
	Decisions     *prometheus.CounterVec
	OpenPositions prometheus.Gauge
	BreakerState  prometheus.Gauge
	TickDuration  prometheus.Histogram
}

// New creates the engine metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Intents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klear_intents_total",
				Help: "Submitted intents by outcome",
			},
			[]string{"outcome"},
		),
		GateVerdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klear_gate_verdicts_total",
				Help: "Verification gate verdicts",
			},
			[]string{"verdict"},
		),
		Orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klear_orders_total",
				Help: "Orders sent to the exchange",
			},
			[]string{"type", "side"},
		),
		LimitOrders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klear_limit_orders_total",
				Help: "Resting limit order lifecycle events",
			},
			[]string{"event"},
		),
		Exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klear_exits_total",
				Help: "Position closes by reason and side",
			},
			[]string{"reason", "side"},
		),
		StopUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klear_stop_updates_total",
				Help: "Protective stop updates by result",
			},
			[]string{"result"},
		),
		Mismatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klear_reconcile_mismatches_total",
				Help: "Reconciliation corrections by mismatch code",
			},
			[]string{"code"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klear_decisions_total",
				Help: "Collaborator decisions by action and source",
			},
			[]string{"action", "source"},
		),
		OpenPositions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "klear_open_positions",
				Help: "Open positions tracked by the engine",
			},
		),
		BreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "klear_exchange_breaker_state",
				Help: "Exchange circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
		),
		TickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "klear_monitor_tick_seconds",
				Help:    "Monitor tick duration",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
	}

	reg.MustRegister(
		m.Intents, m.GateVerdicts, m.Orders, m.LimitOrders, m.Exits,
		m.StopUpdates, m.Mismatches, m.Decisions,
		m.OpenPositions, m.BreakerState, m.TickDuration,
	)
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
