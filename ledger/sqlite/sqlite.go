// Package sqlite provides a SQLite-backed Ledger for modelgate.
//
// Suited to single-process deployments that need usage history to
// survive restarts without running a database server. Uses the pure-Go
// modernc.org/sqlite driver, so builds stay CGO-free. The connection
// pool is capped at one writer; SQLite serializes the rest.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hapivet/modelgate"
)

// Store is a SQLite-backed Ledger.
type Store struct {
	db *sql.DB
}

var (
	_ modelgate.Ledger              = (*Store)(nil)
	_ modelgate.FreeTierInitializer = (*Store)(nil)
)

// Open opens (or creates) the database at path and ensures the schema.
// Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("modelgate/sqlite: open %s: %w", path, err)
	}
	// Single writer; concurrent writes on one SQLite handle race.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS usage_events (
			id        TEXT PRIMARY KEY,
			user_id   TEXT NOT NULL,
			provider  TEXT NOT NULL,
			model     TEXT NOT NULL,
			tokens    INTEGER NOT NULL,
			cost      REAL NOT NULL,
			ts        INTEGER NOT NULL,
			source_ip TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS usage_events_user_ts_idx ON usage_events (user_id, ts)`,
		`CREATE TABLE IF NOT EXISTS provider_budgets (
			provider  TEXT PRIMARY KEY,
			allowance INTEGER NOT NULL DEFAULT 0,
			tokens    INTEGER NOT NULL DEFAULT 0,
			requests  INTEGER NOT NULL DEFAULT 0,
			cost      REAL NOT NULL DEFAULT 0,
			cycle     TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("modelgate/sqlite: ensure schema: %w", err)
		}
	}
	return nil
}

func cycleOf(t time.Time) string { return t.UTC().Format("2006-01") }

// Record appends the event in one transaction. Idempotent by event ID;
// an ID-less event is never a duplicate and gets a synthetic key.
func (s *Store) Record(ctx context.Context, e modelgate.UsageEvent) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Timestamp = e.Timestamp.UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", modelgate.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO usage_events (id, user_id, provider, model, tokens, cost, ts, source_ip)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Provider, e.Model, e.TokensUsed, e.Cost, e.Timestamp.Unix(), e.SourceIP)
	if err != nil {
		return fmt.Errorf("%w: insert event: %v", modelgate.ErrStoreUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return modelgate.ErrDuplicateEvent
	}

	cycle := cycleOf(e.Timestamp)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO provider_budgets (provider, allowance, tokens, requests, cost, cycle)
		 VALUES (?, 0, ?, 1, ?, ?)
		 ON CONFLICT (provider) DO UPDATE SET
			tokens   = CASE WHEN cycle = excluded.cycle THEN tokens + excluded.tokens ELSE excluded.tokens END,
			requests = CASE WHEN cycle = excluded.cycle THEN requests + 1 ELSE 1 END,
			cost     = CASE WHEN cycle = excluded.cycle THEN cost + excluded.cost ELSE excluded.cost END,
			cycle    = excluded.cycle`,
		e.Provider, e.TokensUsed, e.Cost, cycle)
	if err != nil {
		return fmt.Errorf("%w: update budget: %v", modelgate.ErrStoreUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", modelgate.ErrStoreUnavailable, err)
	}
	return nil
}

// Usage returns the aggregate for (userID, provider, window), computed
// from the events table.
func (s *Store) Usage(ctx context.Context, userID, provider string, w modelgate.Window) (modelgate.WindowAggregate, error) {
	start := w.Start(time.Now().UTC()).Unix()

	query := `SELECT COALESCE(SUM(tokens), 0), COUNT(*), COALESCE(SUM(cost), 0)
		 FROM usage_events WHERE user_id = ? AND ts >= ?`
	args := []any{userID, start}
	if provider != "*" {
		query += " AND provider = ?"
		args = append(args, provider)
	}

	var agg modelgate.WindowAggregate
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&agg.Tokens, &agg.Requests, &agg.Cost)
	if err != nil {
		return modelgate.WindowAggregate{}, fmt.Errorf("%w: usage query: %v", modelgate.ErrStoreUnavailable, err)
	}
	return agg, nil
}

// RemainingFreeTier returns the provider's free-tier tokens left this
// cycle. Negative on overshoot.
func (s *Store) RemainingFreeTier(ctx context.Context, provider string) (int64, error) {
	pu, err := s.ProviderUsage(ctx, provider)
	if err != nil {
		return 0, err
	}
	return pu.Remaining(), nil
}

// ProviderUsage returns the month-to-date snapshot for a provider. A
// budget row from a previous cycle reads as zero consumption.
func (s *Store) ProviderUsage(ctx context.Context, provider string) (modelgate.ProviderUsage, error) {
	pu := modelgate.ProviderUsage{Provider: provider}

	var cycle string
	err := s.db.QueryRowContext(ctx,
		`SELECT allowance, tokens, requests, cost, cycle FROM provider_budgets WHERE provider = ?`,
		provider).Scan(&pu.Allowance, &pu.TokensUsed, &pu.Requests, &pu.Cost, &cycle)
	if err == sql.ErrNoRows {
		return pu, nil
	}
	if err != nil {
		return modelgate.ProviderUsage{}, fmt.Errorf("%w: budget query: %v", modelgate.ErrStoreUnavailable, err)
	}

	if cycle != cycleOf(time.Now()) {
		pu.TokensUsed, pu.Requests, pu.Cost = 0, 0, 0
	}

	if pu.Allowance > 0 {
		pu.PercentUsed = float64(pu.TokensUsed) / float64(pu.Allowance) * 100
	} else if pu.TokensUsed > 0 {
		pu.PercentUsed = 100
	}
	return pu, nil
}

// Events returns the user's events with Timestamp >= since, oldest first.
func (s *Store) Events(ctx context.Context, userID string, since time.Time) ([]modelgate.UsageEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, provider, model, tokens, cost, ts, source_ip
		 FROM usage_events WHERE user_id = ? AND ts >= ? ORDER BY ts ASC`,
		userID, since.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("%w: events query: %v", modelgate.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var events []modelgate.UsageEvent
	for rows.Next() {
		var e modelgate.UsageEvent
		var ts int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.Provider, &e.Model,
			&e.TokensUsed, &e.Cost, &ts, &e.SourceIP); err != nil {
			return nil, fmt.Errorf("%w: scan event: %v", modelgate.ErrStoreUnavailable, err)
		}
		e.Timestamp = time.Unix(ts, 0).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: events rows: %v", modelgate.ErrStoreUnavailable, err)
	}
	return events, nil
}

// SetFreeTier configures the monthly token allowance for a provider,
// preserving current consumption.
func (s *Store) SetFreeTier(provider string, monthlyTokens int64) {
	_, _ = s.db.Exec(
		`INSERT INTO provider_budgets (provider, allowance, cycle) VALUES (?, ?, ?)
		 ON CONFLICT (provider) DO UPDATE SET allowance = excluded.allowance`,
		provider, monthlyTokens, cycleOf(time.Now()))
}

// CleanupEvents deletes events older than the cutoff. Keep at least
// the current calendar month if you rely on month-window Usage.
func (s *Store) CleanupEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM usage_events WHERE ts < ?`, olderThan.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("%w: cleanup: %v", modelgate.ErrStoreUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
