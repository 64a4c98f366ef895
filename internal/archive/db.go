// Package archive exports completed runs to SQL storage: a run summary, its
// history ledger and its event log. SQLite is the default; a postgres:// DSN
// selects PostgreSQL. Archived runs are records only and cannot be resumed.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/chainsim/internal/engine"
)

// Dialect names the SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DB wraps the archive connection.
type DB struct {
	conn    *sqlx.DB
	dialect Dialect
}

// Open connects to dsn and creates the schema if needed. A dsn starting with
// postgres:// or postgresql:// uses PostgreSQL; anything else is a SQLite path.
func Open(ctx context.Context, dsn string) (*DB, error) {
	dialect, driver, source := DialectSQLite, "sqlite", dsn+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialect, driver, source = DialectPostgres, "pgx", dsn
	}

	conn, err := sqlx.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("open %s archive: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		conn.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping %s archive: %w", dialect, err)
	}

	db := &DB{conn: conn, dialect: dialect}
	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("archive opened", "dialect", dialect)
	return db, nil
}

// Dialect reports the backend in use.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate(ctx context.Context) error {
	// Portable DDL only, one statement per Exec.
	schema := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			scenario TEXT NOT NULL,
			seed BIGINT NOT NULL,
			periods INTEGER NOT NULL,
			total_cost TEXT NOT NULL,
			degraded INTEGER NOT NULL,
			report_json TEXT NOT NULL,
			finished_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS history (
			run_id TEXT NOT NULL,
			period INTEGER NOT NULL,
			echelon TEXT NOT NULL,
			role TEXT NOT NULL,
			inventory INTEGER NOT NULL,
			backlog INTEGER NOT NULL,
			incoming INTEGER NOT NULL,
			arrived INTEGER NOT NULL,
			ordered INTEGER NOT NULL,
			shipped INTEGER NOT NULL,
			cost TEXT NOT NULL,
			rationale TEXT NOT NULL,
			degraded INTEGER NOT NULL,
			lines_json TEXT NOT NULL,
			PRIMARY KEY (run_id, period, echelon)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			period INTEGER NOT NULL,
			echelon TEXT NOT NULL,
			line TEXT NOT NULL,
			severity TEXT NOT NULL,
			description TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at)`,
	}
	for _, stmt := range schema {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// RunSummary is one archived run.
type RunSummary struct {
	ID         string `db:"id" json:"id"`
	Scenario   string `db:"scenario" json:"scenario"`
	Seed       int64  `db:"seed" json:"seed"`
	Periods    int    `db:"periods" json:"periods"`
	TotalCost  string `db:"total_cost" json:"total_cost"`
	Degraded   int    `db:"degraded" json:"degraded_decisions"`
	FinishedAt string `db:"finished_at" json:"finished_at"`
}

// SaveRun archives the simulation's current run. Saving the same run twice
// replaces the earlier copy.
func (db *DB) SaveRun(ctx context.Context, sim *engine.Simulation) error {
	report := sim.Report()
	history := sim.History()
	events := sim.Events()

	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"events", "history"} {
		if _, err := tx.ExecContext(ctx, db.conn.Rebind("DELETE FROM "+table+" WHERE run_id = ?"), report.RunID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, db.conn.Rebind("DELETE FROM runs WHERE id = ?"), report.RunID); err != nil {
		return fmt.Errorf("clear run: %w", err)
	}

	_, err = tx.ExecContext(ctx, db.conn.Rebind(`INSERT INTO runs
		(id, scenario, seed, periods, total_cost, degraded, report_json, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		report.RunID, report.Scenario, report.Seed, report.Periods,
		report.TotalCost.String(), report.Degraded, string(reportJSON),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	insertHistory := db.conn.Rebind(`INSERT INTO history
		(run_id, period, echelon, role, inventory, backlog, incoming, arrived, ordered, shipped,
		 cost, rationale, degraded, lines_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, h := range history {
		linesJSON, _ := json.Marshal(h.Lines)
		degraded := 0
		if h.Degraded {
			degraded = 1
		}
		if _, err := tx.ExecContext(ctx, insertHistory,
			report.RunID, h.Period, h.Echelon, h.Role, h.Inventory, h.Backlog, h.Incoming,
			h.Arrived, h.Ordered, h.Shipped, h.Cost.String(), h.Rationale, degraded, string(linesJSON),
		); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
	}

	insertEvent := db.conn.Rebind(`INSERT INTO events
		(run_id, seq, period, echelon, line, severity, description)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	for i, e := range events {
		if _, err := tx.ExecContext(ctx, insertEvent,
			report.RunID, i, e.Period, e.Echelon, e.Line, string(e.Severity), e.Description,
		); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Info("run archived", "run", report.RunID, "history", len(history), "events", len(events))
	return nil
}

// RecentRuns returns the most recently archived runs, newest first.
func (db *DB) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	runs := []RunSummary{}
	err := db.conn.SelectContext(ctx, &runs, db.conn.Rebind(
		`SELECT id, scenario, seed, periods, total_cost, degraded, finished_at
		 FROM runs ORDER BY finished_at DESC LIMIT ?`), limit)
	return runs, err
}

// HistoryRow is an archived history entry.
type HistoryRow struct {
	Period    int    `db:"period" json:"period"`
	Echelon   string `db:"echelon" json:"echelon"`
	Role      string `db:"role" json:"role"`
	Inventory int    `db:"inventory" json:"inventory"`
	Backlog   int    `db:"backlog" json:"backlog"`
	Incoming  int    `db:"incoming" json:"incoming"`
	Arrived   int    `db:"arrived" json:"arrived"`
	Ordered   int    `db:"ordered" json:"ordered"`
	Shipped   int    `db:"shipped" json:"shipped"`
	Cost      string `db:"cost" json:"cost"`
	Rationale string `db:"rationale" json:"rationale"`
	Degraded  bool   `db:"degraded" json:"degraded"`
}

// RunHistory returns an archived run's history ledger in period order.
func (db *DB) RunHistory(ctx context.Context, runID string) ([]HistoryRow, error) {
	rows := []HistoryRow{}
	err := db.conn.SelectContext(ctx, &rows, db.conn.Rebind(
		`SELECT period, echelon, role, inventory, backlog, incoming, arrived, ordered, shipped,
		        cost, rationale, degraded
		 FROM history WHERE run_id = ? ORDER BY period, echelon`), runID)
	return rows, err
}
