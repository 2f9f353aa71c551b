// Package postgres provides a PostgreSQL-backed Ledger for modelgate.
//
// Events are rows in an append-only table with the event ID as primary
// key, which makes Record idempotent. Free-tier budgets live in a
// per-provider row with a billing-cycle column reset lazily on write.
// All multi-statement writes run in a transaction, so concurrent
// engine instances can share one database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hapivet/modelgate"
)

// Store is a PostgreSQL-backed Ledger.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var (
	_ modelgate.Ledger              = (*Store)(nil)
	_ modelgate.FreeTierInitializer = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "modelgate_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed Ledger.
// Call EnsureSchema before first use.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "modelgate_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) eventsTable() string  { return s.tablePrefix + "usage_events" }
func (s *Store) budgetsTable() string { return s.tablePrefix + "provider_budgets" }

func cycleOf(t time.Time) string { return t.UTC().Format("2006-01") }

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id        TEXT PRIMARY KEY,
			user_id   TEXT NOT NULL,
			provider  TEXT NOT NULL,
			model     TEXT NOT NULL,
			tokens    BIGINT NOT NULL,
			cost      DOUBLE PRECISION NOT NULL,
			ts        TIMESTAMPTZ NOT NULL,
			source_ip TEXT NOT NULL DEFAULT ''
		)`, s.eventsTable()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_user_ts_idx ON %s (user_id, ts)`,
			s.eventsTable(), s.eventsTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			provider  TEXT PRIMARY KEY,
			allowance BIGINT NOT NULL DEFAULT 0,
			tokens    BIGINT NOT NULL DEFAULT 0,
			requests  BIGINT NOT NULL DEFAULT 0,
			cost      DOUBLE PRECISION NOT NULL DEFAULT 0,
			cycle     TEXT NOT NULL
		)`, s.budgetsTable()),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: ensure schema: %v", modelgate.ErrStoreUnavailable, err)
		}
	}
	return nil
}

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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", modelgate.ErrStoreUnavailable, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, user_id, provider, model, tokens, cost, ts, source_ip)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`, s.eventsTable()),
		e.ID, e.UserID, e.Provider, e.Model, e.TokensUsed, e.Cost, e.Timestamp, e.SourceIP)
	if err != nil {
		return fmt.Errorf("%w: insert event: %v", modelgate.ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return modelgate.ErrDuplicateEvent
	}

	// Upsert the provider budget; a cycle change resets consumption
	// before adding this event.
	cycle := cycleOf(e.Timestamp)
	_, err = tx.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (provider, allowance, tokens, requests, cost, cycle)
		 VALUES ($1, 0, $2, 1, $3, $4)
		 ON CONFLICT (provider) DO UPDATE SET
			tokens   = CASE WHEN %s.cycle = $4 THEN %s.tokens + $2 ELSE $2 END,
			requests = CASE WHEN %s.cycle = $4 THEN %s.requests + 1 ELSE 1 END,
			cost     = CASE WHEN %s.cycle = $4 THEN %s.cost + $3 ELSE $3 END,
			cycle    = $4`,
		s.budgetsTable(), s.budgetsTable(), s.budgetsTable(), s.budgetsTable(),
		s.budgetsTable(), s.budgetsTable(), s.budgetsTable()),
		e.Provider, e.TokensUsed, e.Cost, cycle)
	if err != nil {
		return fmt.Errorf("%w: update budget: %v", modelgate.ErrStoreUnavailable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", modelgate.ErrStoreUnavailable, err)
	}
	return nil
}

// Usage returns the aggregate for (userID, provider, window), computed
// from the events table. Month windows assume events are retained for
// at least the current calendar month; see CleanupEvents.
func (s *Store) Usage(ctx context.Context, userID, provider string, w modelgate.Window) (modelgate.WindowAggregate, error) {
	start := w.Start(time.Now().UTC())

	query := fmt.Sprintf(
		`SELECT COALESCE(SUM(tokens), 0), COUNT(*), COALESCE(SUM(cost), 0)
		 FROM %s WHERE user_id = $1 AND ts >= $2`, s.eventsTable())
	args := []any{userID, start}
	if provider != "*" {
		query += " AND provider = $3"
		args = append(args, provider)
	}

	var agg modelgate.WindowAggregate
	err := s.pool.QueryRow(ctx, query, args...).Scan(&agg.Tokens, &agg.Requests, &agg.Cost)
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
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT allowance, tokens, requests, cost, cycle FROM %s WHERE provider = $1`,
		s.budgetsTable()), provider).
		Scan(&pu.Allowance, &pu.TokensUsed, &pu.Requests, &pu.Cost, &cycle)
	if errors.Is(err, pgx.ErrNoRows) {
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
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, user_id, provider, model, tokens, cost, ts, source_ip
		 FROM %s WHERE user_id = $1 AND ts >= $2 ORDER BY ts ASC`, s.eventsTable()),
		userID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: events query: %v", modelgate.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var events []modelgate.UsageEvent
	for rows.Next() {
		var e modelgate.UsageEvent
		if err := rows.Scan(&e.ID, &e.UserID, &e.Provider, &e.Model,
			&e.TokensUsed, &e.Cost, &e.Timestamp, &e.SourceIP); err != nil {
			return nil, fmt.Errorf("%w: scan event: %v", modelgate.ErrStoreUnavailable, err)
		}
		e.Timestamp = e.Timestamp.UTC()
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
	ctx := context.Background()
	_, _ = s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (provider, allowance, cycle) VALUES ($1, $2, $3)
		 ON CONFLICT (provider) DO UPDATE SET allowance = $2`,
		s.budgetsTable()),
		provider, monthlyTokens, cycleOf(time.Now()))
}

// CleanupEvents deletes events older than the cutoff. Keep at least
// the current calendar month if you rely on month-window Usage.
func (s *Store) CleanupEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE ts < $1`, s.eventsTable()), olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: cleanup: %v", modelgate.ErrStoreUnavailable, err)
	}
	return tag.RowsAffected(), nil
}
