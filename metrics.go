// FILE: metrics.go
// Package main – Prometheus metrics for observability.
//
// Exposes the metrics the engine updates during operation:
//   • rally_orders_total{kind,side}          – Orders submitted (entry|take_profit|stop_loss|flatten)
//   • rally_order_fills_total{kind,side}     – Orders fully filled
//   • rally_entry_cancels_total{reason}      – Entries that died without a fill
//   • rally_condition_events_total{cond,event} – armed|reset|fired per condition
//   • rally_exit_reasons_total{reason,dir}   – Bracket exits split by reason and direction
//   • rally_trades_total{result}             – Closed trades by result (win|loss|flat)
//   • rally_ineligible_total{reason}         – Symbols turned ineligible for the session
//   • rally_broker_errors_total{op}          – Failed broker calls
//   • rally_duplicate_orders_total           – Duplicate entries found by reconciliation
//   • rally_params_reloads_total{result}     – Hot reloads (applied|rejected)
//   • rally_daily_pnl_pct{account}           – Session PnL in percent of starting NAV
//   • rally_daily_limit{account}             – 1 once the daily limit latched
//   • rally_equity_usd{account}              – Net liquidation snapshot
//
// These are registered in init() and served by the HTTP handler started in main.go
// at /metrics (Prometheus text exposition format).

package main

import "github.com/prometheus/client_golang/prometheus"

var (
	mtxOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rally_orders_total",
			Help: "Orders submitted",
		},
		[]string{"kind", "side"},
	)

	mtxFills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rally_order_fills_total",
			Help: "Orders fully filled",
		},
		[]string{"kind", "side"},
	)

	mtxEntryCancels = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rally_entry_cancels_total",
			Help: "Entry orders cancelled or rejected before any fill",
		},
		[]string{"reason"}, // breakout_margin|vwap_soft|eod|daily_limit|rejected|external
	)

	mtxConditionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rally_condition_events_total",
			Help: "Condition state machine transitions",
		},
		[]string{"cond", "event"},
	)

	// Exits split by reason; reasons are take_profit, stop_loss, action2, eod, daily_limit, other.
	mtxExitReasons = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rally_exit_reasons_total",
			Help: "Bracket exits split by reason and direction",
		},
		[]string{"reason", "dir"},
	)

	mtxTrades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rally_trades_total",
			Help: "Closed trades counted by result (win|loss|flat).",
		},
		[]string{"result"},
	)

	mtxIneligible = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rally_ineligible_total",
			Help: "Symbols marked algo-ineligible for the session",
		},
		[]string{"reason"},
	)

	mtxBrokerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rally_broker_errors_total",
			Help: "Broker calls that returned an error",
		},
		[]string{"op"},
	)

	mtxDuplicates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rally_duplicate_orders_total",
			Help: "Duplicate entry orders cancelled by reconciliation",
		},
	)

	mtxParamsReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rally_params_reloads_total",
			Help: "Parameter file reloads",
		},
		[]string{"result"},
	)

	mtxDailyPnL = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rally_daily_pnl_pct",
			Help: "Session PnL as percent of the session's starting NAV",
		},
		[]string{"account"},
	)

	// Flips 0/1 per account to keep dashboards simple.
	mtxDailyLimit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rally_daily_limit",
			Help: "Daily limit latched (1) or not (0)",
		},
		[]string{"account"},
	)

	mtxEquity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rally_equity_usd",
			Help: "Net liquidation in USD",
		},
		[]string{"account"},
	)
)

func init() {
	prometheus.MustRegister(mtxOrders, mtxFills, mtxEntryCancels)
	prometheus.MustRegister(mtxConditionEvents, mtxExitReasons, mtxTrades)
	prometheus.MustRegister(mtxIneligible, mtxBrokerErrors, mtxDuplicates, mtxParamsReloads)
	prometheus.MustRegister(mtxDailyPnL, mtxDailyLimit, mtxEquity)
}

func IncOrderSubmitted(kind string, side OrderSide) { mtxOrders.WithLabelValues(kind, string(side)).Inc() }
func IncOrderFilled(kind string, side OrderSide)    { mtxFills.WithLabelValues(kind, string(side)).Inc() }
func IncEntryCancelled(reason string)               { mtxEntryCancels.WithLabelValues(reason).Inc() }
func IncConditionEvent(id ConditionID, event string) {
	mtxConditionEvents.WithLabelValues(id.String(), event).Inc()
}
func IncIneligible(reason string)   { mtxIneligible.WithLabelValues(reason).Inc() }
func IncBrokerError(op string)      { mtxBrokerErrors.WithLabelValues(op).Inc() }
func IncDuplicateOrder()            { mtxDuplicates.Inc() }
func IncParamsReload(result string) { mtxParamsReloads.WithLabelValues(result).Inc() }

// IncExit counts a closed bracket by reason and by result.
func IncExit(rec ExitRecord) {
	mtxExitReasons.WithLabelValues(rec.Reason, rec.Dir.String()).Inc()
	switch {
	case rec.PnL > 0:
		mtxTrades.WithLabelValues("win").Inc()
	case rec.PnL < 0:
		mtxTrades.WithLabelValues("loss").Inc()
	default:
		mtxTrades.WithLabelValues("flat").Inc()
	}
}

func setDailyPnLMetric(account string, v float64) { mtxDailyPnL.WithLabelValues(account).Set(v) }
func SetEquityMetric(account string, v float64)   { mtxEquity.WithLabelValues(account).Set(v) }

func setDailyLimitMetric(account string, on bool) {
	v := 0.0
	if on {
		v = 1
	}
	mtxDailyLimit.WithLabelValues(account).Set(v)
}
