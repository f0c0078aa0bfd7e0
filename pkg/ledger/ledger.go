// Package ledger is the append-only record of billable usage events and the
// only source of truth for spend.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opencourier/courier/pkg/models"
	"github.com/opencourier/courier/pkg/store"
)

// ErrNegativeCost is returned when an event carries a cost below zero.
var ErrNegativeCost = errors.New("usage event cost must not be negative")

// Ledger records and queries usage events.
type Ledger interface {
	// Append stores an event, assigning its ID and timestamp.
	Append(ctx context.Context, ev models.UsageEvent) (models.UsageEvent, error)
	// Events returns events created at or after since, oldest first.
	Events(ctx context.Context, since time.Time) ([]models.UsageEvent, error)
	// CurrentSpend aggregates all events created at or after since.
	CurrentSpend(ctx context.Context, since time.Time) (models.Spend, error)
	// History returns per-day usage since a given time.
	History(ctx context.Context, since time.Time) ([]models.DailyUsage, error)
	// Recent returns up to limit events, most recent first.
	Recent(ctx context.Context, limit int) ([]models.UsageEvent, error)
	// Reset deletes every event and hold.
	Reset(ctx context.Context) error
}

// SQLiteLedger implements Ledger on the shared SQLite database.
type SQLiteLedger struct {
	db  *sql.DB
	now func() time.Time
}

const createEventsTable = `
CREATE TABLE IF NOT EXISTS usage_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	channel TEXT NOT NULL,
	cost TEXT NOT NULL,
	message_id TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_events_created ON usage_events(created_at);
`

// Option configures a SQLiteLedger.
type Option func(*SQLiteLedger)

// WithClock overrides the time source used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(l *SQLiteLedger) { l.now = now }
}

// New creates a SQLiteLedger and runs auto-migration.
func New(db *sql.DB, opts ...Option) (*SQLiteLedger, error) {
	if err := store.Migrate(db, createEventsTable, createHoldsTable); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	l := &SQLiteLedger{db: db, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Now returns the ledger's current time in UTC.
func (l *SQLiteLedger) Now() time.Time {
	return l.now().UTC()
}

// Append stores an event outside of any caller transaction.
func (l *SQLiteLedger) Append(ctx context.Context, ev models.UsageEvent) (models.UsageEvent, error) {
	return l.AppendTx(ctx, l.db, ev)
}

// AppendTx stores an event using q, which may be a transaction.
func (l *SQLiteLedger) AppendTx(ctx context.Context, q store.DBTX, ev models.UsageEvent) (models.UsageEvent, error) {
	if ev.Cost.IsNegative() {
		return models.UsageEvent{}, ErrNegativeCost
	}
	ev.CreatedAt = l.Now()

	res, err := q.ExecContext(ctx,
		`INSERT INTO usage_events (event_type, channel, cost, message_id, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.EventType, ev.Channel, ev.Cost.String(), ev.MessageID, ev.Description, store.Nanos(ev.CreatedAt),
	)
	if err != nil {
		return models.UsageEvent{}, fmt.Errorf("append usage event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.UsageEvent{}, fmt.Errorf("append usage event id: %w", err)
	}
	ev.ID = id
	return ev, nil
}

// Events returns events created at or after since, oldest first.
func (l *SQLiteLedger) Events(ctx context.Context, since time.Time) ([]models.UsageEvent, error) {
	return l.EventsTx(ctx, l.db, since)
}

// EventsTx is Events using q.
func (l *SQLiteLedger) EventsTx(ctx context.Context, q store.DBTX, since time.Time) ([]models.UsageEvent, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, event_type, channel, cost, message_id, description, created_at
		 FROM usage_events WHERE created_at >= ? ORDER BY id ASC`,
		store.Nanos(since),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage events: %w", err)
	}
	return scanEvents(rows)
}

// CurrentSpend reads every event in the window and reduces it. There is no
// stored running total.
func (l *SQLiteLedger) CurrentSpend(ctx context.Context, since time.Time) (models.Spend, error) {
	return l.CurrentSpendTx(ctx, l.db, since)
}

// CurrentSpendTx is CurrentSpend using q.
func (l *SQLiteLedger) CurrentSpendTx(ctx context.Context, q store.DBTX, since time.Time) (models.Spend, error) {
	events, err := l.EventsTx(ctx, q, since)
	if err != nil {
		return models.Spend{}, fmt.Errorf("current spend: %w", err)
	}
	return Aggregate(events), nil
}

// History returns per-day usage since a given time.
func (l *SQLiteLedger) History(ctx context.Context, since time.Time) ([]models.DailyUsage, error) {
	events, err := l.Events(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("usage history: %w", err)
	}
	return DailyHistory(events), nil
}

// Recent returns up to limit events, most recent first.
func (l *SQLiteLedger) Recent(ctx context.Context, limit int) ([]models.UsageEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, event_type, channel, cost, message_id, description, created_at
		 FROM usage_events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent usage events: %w", err)
	}
	return scanEvents(rows)
}

// Reset deletes every event and hold.
func (l *SQLiteLedger) Reset(ctx context.Context) error {
	return store.WithTx(ctx, l.db, func(tx store.DBTX) error {
		return l.ResetTx(ctx, tx)
	})
}

// ResetTx is Reset using q.
func (l *SQLiteLedger) ResetTx(ctx context.Context, q store.DBTX) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM usage_events`); err != nil {
		return fmt.Errorf("reset usage events: %w", err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM holds`); err != nil {
		return fmt.Errorf("reset holds: %w", err)
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]models.UsageEvent, error) {
	defer rows.Close()

	events := []models.UsageEvent{}
	for rows.Next() {
		var (
			ev        models.UsageEvent
			cost      string
			createdAt int64
		)
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.Channel, &cost, &ev.MessageID, &ev.Description, &createdAt); err != nil {
			return nil, fmt.Errorf("scan usage event: %w", err)
		}
		d, err := decimal.NewFromString(cost)
		if err != nil {
			return nil, fmt.Errorf("parse cost of event %d: %w", ev.ID, err)
		}
		ev.Cost = d
		ev.CreatedAt = store.Time(createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}
