// FILE: influx.go
// Package main – InfluxDB sink for per-symbol metrics and exits.
//
// Points go through the client's batching WriteAPI; WritePoint never blocks the
// engine. Write errors arrive on the API's error channel and are logged.
package main

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/rs/zerolog/log"
)

// InfluxSink is the MetricsObserver that writes to InfluxDB.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// NewInfluxSink connects and checks the server is healthy.
func NewInfluxSink(ctx context.Context, cfg InfluxConfig) (*InfluxSink, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influx health: %w", err)
	}
	if health == nil || health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("influx not healthy: %+v", health)
	}
	s := &InfluxSink{client: client, writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket)}
	go func() {
		for err := range s.writeAPI.Errors() {
			log.Warn().Err(err).Msg("influx write failed")
		}
	}()
	return s, nil
}

func (s *InfluxSink) ObserveMetrics(m SymbolMetrics) {
	eligible := 0
	if m.AlgoEligible {
		eligible = 1
	}
	s.writeAPI.WritePoint(influxdb2.NewPoint(
		"symbol_metrics",
		map[string]string{"symbol": m.Symbol},
		map[string]interface{}{
			"close":         m.Close,
			"range_pct":     m.RangePct,
			"pct_from_open": m.PctFromOpen,
			"range30":       m.Range30DMA,
			"range7":        m.Range7DMA,
			"vwap":          m.VWAP,
			"vwap_dev_pct":  m.VWAPDeviationPct,
			"range_mult":    m.RangeMultiplier,
			"eligible":      eligible,
		},
		m.Time,
	))
}

func (s *InfluxSink) ObserveExit(rec ExitRecord) {
	s.writeAPI.WritePoint(influxdb2.NewPoint(
		"exits",
		map[string]string{
			"account": rec.Account,
			"symbol":  rec.Symbol,
			"cond":    rec.Cond.String(),
			"reason":  rec.Reason,
		},
		map[string]interface{}{
			"entry_price": rec.EntryPrice,
			"exit_price":  rec.ExitPrice,
			"qty":         rec.Qty,
			"pnl":         rec.PnL,
		},
		rec.ClosedAt,
	))
}

// Close flushes pending points.
func (s *InfluxSink) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}
