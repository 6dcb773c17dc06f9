package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/canonicalize"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/evidence"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/sim"
)

// Dialect is the SQL flavour of the underlying database.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		seed BIGINT NOT NULL,
		window_size INTEGER NOT NULL,
		rules_hash TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS evidence (
		run_id TEXT NOT NULL,
		hash TEXT NOT NULL,
		record_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		tick_id INTEGER NOT NULL,
		window_id INTEGER NOT NULL,
		p_detect DOUBLE PRECISION NOT NULL,
		body TEXT NOT NULL,
		PRIMARY KEY (run_id, hash)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		run_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		tick_id INTEGER,
		type TEXT NOT NULL,
		chain_hash TEXT NOT NULL,
		body TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS ticks (
		run_id TEXT NOT NULL,
		tick INTEGER NOT NULL,
		window_id INTEGER NOT NULL,
		state TEXT NOT NULL,
		view_hash TEXT NOT NULL,
		delivered INTEGER NOT NULL,
		total_records INTEGER NOT NULL,
		PRIMARY KEY (run_id, tick)
	)`,
}

// SQLArchive stores runs in SQLite or PostgreSQL.
type SQLArchive struct {
	db      *sql.DB
	dialect Dialect
}

// DialectFor picks the dialect for a DSN: postgres:// and postgresql://
// URLs go to PostgreSQL, anything else to SQLite.
func DialectFor(dsn string) Dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DialectPostgres
	}
	return DialectSQLite
}

// OpenSQL opens dsn with the matching driver and migrates the schema.
func OpenSQL(ctx context.Context, dsn string) (*SQLArchive, error) {
	dialect := DialectFor(dsn)
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// one connection keeps :memory: databases shared
		db.SetMaxOpenConns(1)
	}
	a, err := NewSQLArchive(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

// NewSQLArchive wraps an open database and migrates the schema.
func NewSQLArchive(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLArchive, error) {
	a := &SQLArchive{db: db, dialect: dialect}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("archive: migrate: %w", err)
		}
	}
	return a, nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (a *SQLArchive) rebind(query string) string {
	if a.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// RecordRun registers a run. Registering the same run twice is a no-op.
func (a *SQLArchive) RecordRun(ctx context.Context, info RunInfo) error {
	_, err := a.db.ExecContext(ctx, a.rebind(
		`INSERT INTO runs (run_id, seed, window_size, rules_hash) VALUES (?, ?, ?, ?) ON CONFLICT (run_id) DO NOTHING`),
		info.RunID, info.Seed, info.WindowSize, info.RulesHash)
	if err != nil {
		return fmt.Errorf("archive: record run: %w", err)
	}
	return nil
}

// ObserveTick stores the tick's records, events and summary in one
// transaction. Rows are keyed by run, so two runs that emit identical
// records each keep their own copy, and replaying a run that is already
// archived leaves the stored rows unchanged.
func (a *SQLArchive) ObserveTick(ctx context.Context, res *sim.TickResult) (err error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, em := range res.Emitted {
		r := em.Record
		body, err := r.MarshalJSON()
		if err != nil {
			return fmt.Errorf("archive: encode record %s: %w", r.ID(), err)
		}
		if _, err := tx.ExecContext(ctx, a.rebind(
			`INSERT INTO evidence (hash, run_id, record_id, node_id, tick_id, window_id, p_detect, body)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (run_id, hash) DO NOTHING`),
			r.Hash(), res.RunID, r.ID(), r.NodeID(), r.TickID(), r.WindowID(), r.PDetectLocal(), string(body)); err != nil {
			return fmt.Errorf("archive: insert record %s: %w", r.ID(), err)
		}
	}

	for _, e := range res.Events {
		body, err := canonicalize.JCS(e.Map())
		if err != nil {
			return fmt.Errorf("archive: encode event %d: %w", e.Seq, err)
		}
		var tick sql.NullInt64
		if e.TickID != nil {
			tick = sql.NullInt64{Int64: int64(*e.TickID), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, a.rebind(
			`INSERT INTO events (run_id, seq, tick_id, type, chain_hash, body) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (run_id, seq) DO NOTHING`),
			res.RunID, int64(e.Seq), tick, e.Type, e.ChainHash, string(body)); err != nil {
			return fmt.Errorf("archive: insert event %d: %w", e.Seq, err)
		}
	}

	row := tickRowOf(res)
	if _, err := tx.ExecContext(ctx, a.rebind(
		`INSERT INTO ticks (run_id, tick, window_id, state, view_hash, delivered, total_records) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, tick) DO NOTHING`),
		row.RunID, row.Tick, row.Window, row.State, row.ViewHash, row.Delivered, row.Total); err != nil {
		return fmt.Errorf("archive: insert tick %d: %w", row.Tick, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("archive: commit tick %d: %w", row.Tick, err)
	}
	return nil
}

// Run returns the registered run.
func (a *SQLArchive) Run(ctx context.Context, runID string) (RunInfo, error) {
	info := RunInfo{RunID: runID}
	err := a.db.QueryRowContext(ctx, a.rebind(`SELECT seed, window_size, rules_hash FROM runs WHERE run_id = ?`), runID).
		Scan(&info.Seed, &info.WindowSize, &info.RulesHash)
	if errors.Is(err, sql.ErrNoRows) {
		return RunInfo{}, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err != nil {
		return RunInfo{}, fmt.Errorf("archive: query run: %w", err)
	}
	return info, nil
}

// Records returns every archived record of a run, verified against its
// hash, ordered by tick then node.
func (a *SQLArchive) Records(ctx context.Context, runID string) ([]*evidence.Record, error) {
	rows, err := a.db.QueryContext(ctx, a.rebind(
		`SELECT body FROM evidence WHERE run_id = ? ORDER BY tick_id, node_id, hash`), runID)
	if err != nil {
		return nil, fmt.Errorf("archive: query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*evidence.Record
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("archive: scan record: %w", err)
		}
		r, err := evidence.Decode([]byte(body))
		if err != nil {
			return nil, fmt.Errorf("archive: decode record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: iterate records: %w", err)
	}
	return out, nil
}

// EventCount returns how many events of a run are archived.
func (a *SQLArchive) EventCount(ctx context.Context, runID string) (int, error) {
	var n int
	if err := a.db.QueryRowContext(ctx, a.rebind(`SELECT COUNT(*) FROM events WHERE run_id = ?`), runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("archive: count events: %w", err)
	}
	return n, nil
}

// Ticks returns the tick summaries of a run in order.
func (a *SQLArchive) Ticks(ctx context.Context, runID string) ([]TickRow, error) {
	rows, err := a.db.QueryContext(ctx, a.rebind(
		`SELECT tick, window_id, state, view_hash, delivered, total_records FROM ticks WHERE run_id = ? ORDER BY tick`), runID)
	if err != nil {
		return nil, fmt.Errorf("archive: query ticks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TickRow
	for rows.Next() {
		t := TickRow{RunID: runID}
		if err := rows.Scan(&t.Tick, &t.Window, &t.State, &t.ViewHash, &t.Delivered, &t.Total); err != nil {
			return nil, fmt.Errorf("archive: scan tick: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: iterate ticks: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (a *SQLArchive) Close() error { return a.db.Close() }
