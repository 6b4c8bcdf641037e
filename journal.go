// FILE: journal.go
// Package main – SQLite trade journal (fills, exits, risk events).
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Journal is the TradeRecorder backed by a local SQLite file.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens or creates the database at path.
func OpenJournal(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	j := &Journal{db: db}
	if err := j.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return j, nil
}

func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS fills (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id  TEXT NOT NULL,
			account   TEXT NOT NULL,
			symbol    TEXT NOT NULL,
			side      TEXT NOT NULL,
			price     REAL NOT NULL,
			qty       INTEGER NOT NULL,
			remaining INTEGER NOT NULL,
			tag       TEXT,
			filled_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS exits (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			account     TEXT NOT NULL,
			symbol      TEXT NOT NULL,
			cond        TEXT NOT NULL,
			dir         TEXT NOT NULL,
			entry_price REAL NOT NULL,
			exit_price  REAL NOT NULL,
			qty         INTEGER NOT NULL,
			pnl         REAL NOT NULL,
			reason      TEXT NOT NULL,
			opened_at   INTEGER NOT NULL,
			closed_at   INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS risk_events (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			account   TEXT NOT NULL,
			reason    TEXT NOT NULL,
			pnl_pct   REAL NOT NULL,
			at        INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exits_closed_at ON exits(closed_at)`,
	}
	for _, stmt := range stmts {
		if _, err := j.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) RecordFill(ctx context.Context, ev OrderEvent) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO fills (order_id, account, symbol, side, price, qty, remaining, tag, filled_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		ev.OrderID, ev.Account, ev.Symbol, string(ev.Side), ev.Price, ev.Qty, ev.Remaining, ev.Tag, ev.Time.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert fill: %w", err)
	}
	return nil
}

func (j *Journal) RecordExit(ctx context.Context, rec ExitRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO exits (account, symbol, cond, dir, entry_price, exit_price, qty, pnl, reason, opened_at, closed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		rec.Account, rec.Symbol, rec.Cond.String(), rec.Dir.String(), rec.EntryPrice, rec.ExitPrice,
		rec.Qty, rec.PnL, rec.Reason, rec.OpenedAt.UnixNano(), rec.ClosedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert exit: %w", err)
	}
	return nil
}

func (j *Journal) RecordRiskEvent(ctx context.Context, account, reason string, pnlPct float64, at time.Time) error {
	_, err := j.db.ExecContext(ctx, `INSERT INTO risk_events (account, reason, pnl_pct, at) VALUES (?,?,?,?)`,
		account, reason, pnlPct, at.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert risk event: %w", err)
	}
	return nil
}

// Exits returns exits closed at or after since, oldest first.
func (j *Journal) Exits(ctx context.Context, since time.Time) ([]ExitRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT account, symbol, cond, dir, entry_price, exit_price, qty, pnl, reason, opened_at, closed_at
		FROM exits WHERE closed_at >= ? ORDER BY closed_at, id`, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query exits: %w", err)
	}
	defer rows.Close()

	var out []ExitRecord
	for rows.Next() {
		var rec ExitRecord
		var cond, dir string
		var opened, closed int64
		if err := rows.Scan(&rec.Account, &rec.Symbol, &cond, &dir, &rec.EntryPrice, &rec.ExitPrice,
			&rec.Qty, &rec.PnL, &rec.Reason, &opened, &closed); err != nil {
			return nil, fmt.Errorf("failed to scan exit: %w", err)
		}
		rec.Cond, _ = parseConditionID(cond)
		rec.Dir = parseDirection(dir)
		rec.OpenedAt = time.Unix(0, opened).UTC()
		rec.ClosedAt = time.Unix(0, closed).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func parseDirection(s string) Direction {
	switch s {
	case "long":
		return Long
	case "short":
		return Short
	case "neutral":
		return Neutral
	}
	return 0
}

func logJournalErr(err error, what string) {
	log.Error().Err(err).Str("record", what).Msg("journal write failed")
}
