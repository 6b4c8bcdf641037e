// Fetch bars from the broker sidecar and write CSV for backtests.
//
// Usage examples:
//   # 15s bars for today's session and the daily window, for two symbols:
//   BRIDGE_URL=http://localhost:8787 go run ./tools/backfill_bridge.go \
//     -symbols AAPL,MSFT -cadence 15s -limit 1560 -out data
//   BRIDGE_URL=http://localhost:8787 go run ./tools/backfill_bridge.go \
//     -symbols AAPL,MSFT -cadence 1d -limit 60 -out data
//
// Notes:
// - Sidecar /bars returns a JSON array of {time (RFC3339), open, high, low, close, volume};
//   {"bars":[...]} is tolerated too. Numbers may be JSON numbers or strings.
// - Files are written as <out>/<SYM>_<cadence>.csv with header time,open,high,low,close,volume,
//   which is what the backtest loader reads.
package main

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

type barRow struct {
	Time   time.Time
	Open   string
	High   string
	Low    string
	Close  string
	Volume string
}

func main() {
	var (
		symbols = flag.String("symbols", "AAPL", "Comma-separated symbols")
		cadence = flag.String("cadence", "15s", "Bar cadence (15s|1m|1d)")
		limit   = flag.Int("limit", 1560, "Bars to fetch per symbol")
		outDir  = flag.String("out", "data", "Output directory")
	)
	flag.Parse()

	bridgeURL := strings.TrimRight(getenv("BRIDGE_URL", "http://bridge:8787"), "/")
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("mkdir")
	}
	hc := &http.Client{Timeout: 30 * time.Second}
	for _, sym := range strings.Split(*symbols, ",") {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			continue
		}
		rows, err := fetch(hc, bridgeURL, sym, *cadence, *limit)
		if err != nil {
			log.Fatal().Err(err).Str("symbol", sym).Msg("fetch bars")
		}
		path := filepath.Join(*outDir, fmt.Sprintf("%s_%s.csv", sym, *cadence))
		if err := writeCSV(path, rows); err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("write csv")
		}
		log.Info().Str("path", path).Int("rows", len(rows)).Msg("wrote")
	}
}

func fetch(hc *http.Client, base, symbol, cadence string, limit int) ([]barRow, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("cadence", cadence)
	q.Set("limit", strconv.Itoa(limit))
	u := base + "/bars?" + q.Encode()

	resp, err := hc.Get(u)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("sidecar /bars status %d", resp.StatusCode)
	}

	var raw any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode JSON: %w", err)
	}
	rows := normalizeList(raw)
	if len(rows) == 0 {
		return nil, fmt.Errorf("no bars returned")
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Time.Before(rows[j].Time) })
	return rows, nil
}

func writeCSV(path string, rows []barRow) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"time", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{r.Time.Format(time.RFC3339), r.Open, r.High, r.Low, r.Close, r.Volume}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func normalizeList(raw any) []barRow {
	// Accept either:
	//   [ {...}, {...} ]  or  {"bars": [ {...} ] }
	switch v := raw.(type) {
	case []any:
		return toRows(v)
	case map[string]any:
		if c, ok := v["bars"]; ok {
			if arr, ok := c.([]any); ok {
				return toRows(arr)
			}
		}
	}
	return nil
}

func toRows(arr []any) []barRow {
	out := make([]barRow, 0, len(arr))
	for _, it := range arr {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		ts, err := time.Parse(time.RFC3339, asString(m["time"]))
		if err != nil {
			continue
		}
		out = append(out, barRow{
			Time:   ts,
			Open:   asString(m["open"]),
			High:   asString(m["high"]),
			Low:    asString(m["low"]),
			Close:  asString(m["close"]),
			Volume: asString(m["volume"]),
		})
	}
	return out
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers come as float64; format without scientific notation.
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
