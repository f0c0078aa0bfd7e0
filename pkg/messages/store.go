// Package messages stores outbound and inbound messages and drives the
// outbound status lifecycle.
package messages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opencourier/courier/pkg/models"
	"github.com/opencourier/courier/pkg/store"
)

// ErrNotFound is returned when a message does not exist.
var ErrNotFound = errors.New("message not found")

const defaultInboxLimit = 20

const createMessagesTable = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	direction TEXT NOT NULL,
	channel TEXT NOT NULL,
	recipient TEXT NOT NULL,
	sender TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL,
	status TEXT NOT NULL,
	cost TEXT NOT NULL,
	external_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_direction_created ON messages(direction, created_at);
`

const createPendingTable = `
CREATE TABLE IF NOT EXISTS pending_transitions (
	message_id TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	due_at INTEGER NOT NULL,
	PRIMARY KEY (message_id, to_status)
);
`

const messageColumns = `id, direction, channel, recipient, sender, subject, body, status, cost, external_id, created_at, updated_at`

// SQLiteStore persists messages and their pending status transitions.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock overrides the time source for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// NewStore creates a SQLiteStore and runs auto-migration.
func NewStore(db *sql.DB, opts ...Option) (*SQLiteStore, error) {
	if err := store.Migrate(db, createMessagesTable, createPendingTable); err != nil {
		return nil, fmt.Errorf("migrate messages: %w", err)
	}
	s := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DB returns the underlying handle.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Now returns the store's current time in UTC.
func (s *SQLiteStore) Now() time.Time { return s.now().UTC() }

// NewID returns a fresh message id.
func NewID() string { return uuid.NewString() }

// Create inserts a message.
func (s *SQLiteStore) Create(ctx context.Context, m models.Message) (models.Message, error) {
	return s.CreateTx(ctx, s.db, m)
}

// CreateTx inserts a message using q. Missing ids are generated and both
// timestamps are set to now.
func (s *SQLiteStore) CreateTx(ctx context.Context, q store.DBTX, m models.Message) (models.Message, error) {
	if m.ID == "" {
		m.ID = NewID()
	}
	m.CreatedAt = s.Now()
	m.UpdatedAt = m.CreatedAt

	_, err := q.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Direction, m.Channel, m.Recipient, m.Sender, m.Subject, m.Body, m.Status,
		m.Cost.String(), m.ExternalID, store.Nanos(m.CreatedAt), store.Nanos(m.UpdatedAt),
	)
	if err != nil {
		return models.Message{}, fmt.Errorf("create message: %w", err)
	}
	return m, nil
}

// Get returns a message by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (models.Message, error) {
	return s.GetTx(ctx, s.db, id)
}

// GetTx is Get using q.
func (s *SQLiteStore) GetTx(ctx context.Context, q store.DBTX, id string) (models.Message, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if err != nil {
		return models.Message{}, fmt.Errorf("get message: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return models.Message{}, err
	}
	if len(msgs) == 0 {
		return models.Message{}, ErrNotFound
	}
	return msgs[0], nil
}

// TransitionTx moves a message from one status to another. It reports
// false, without error, when the message is no longer in status from.
func (s *SQLiteStore) TransitionTx(ctx context.Context, q store.DBTX, id string, from, to models.MessageStatus) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE messages SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, store.Nanos(s.Now()), id, from,
	)
	if err != nil {
		return false, fmt.Errorf("transition message %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition message %s: %w", id, err)
	}
	return n == 1, nil
}

// SetExternalIDTx records the dispatcher's id for a message.
func (s *SQLiteStore) SetExternalIDTx(ctx context.Context, q store.DBTX, id, externalID string) error {
	if _, err := q.ExecContext(ctx,
		`UPDATE messages SET external_id = ?, updated_at = ? WHERE id = ?`,
		externalID, store.Nanos(s.Now()), id,
	); err != nil {
		return fmt.Errorf("set external id: %w", err)
	}
	return nil
}

// SetInboxStatus marks an inbound message read or archived.
func (s *SQLiteStore) SetInboxStatus(ctx context.Context, id string, status models.MessageStatus) (models.Message, error) {
	var out models.Message
	err := store.WithTx(ctx, s.db, func(tx store.DBTX) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET status = ?, updated_at = ? WHERE id = ? AND direction = ?`,
			status, store.Nanos(s.Now()), id, models.DirectionInbound,
		)
		if err != nil {
			return fmt.Errorf("update inbox status: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("update inbox status: %w", err)
		} else if n == 0 {
			return ErrNotFound
		}
		out, err = s.GetTx(ctx, tx, id)
		return err
	})
	return out, err
}

// ListInbox returns one page of inbound messages, newest first, and the
// number of messages matching the filters.
func (s *SQLiteStore) ListInbox(ctx context.Context, q models.InboxQuery) ([]models.Message, int, error) {
	where := []string{"direction = ?"}
	args := []any{models.DirectionInbound}

	switch q.Status {
	case "", "all":
	case "unread":
		where = append(where, "status = ?")
		args = append(args, models.StatusDelivered)
	default:
		where = append(where, "status = ?")
		args = append(args, q.Status)
	}
	if q.Channel != "" && q.Channel != "all" {
		where = append(where, "channel = ?")
		args = append(args, q.Channel)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count inbox: %w", err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultInboxLimit
	}
	offset := max(q.Offset, 0)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE `+cond+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list inbox: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

// InboxCounts tallies all inbound messages by read state.
func (s *SQLiteStore) InboxCounts(ctx context.Context) (models.InboxCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM messages WHERE direction = ? GROUP BY status`,
		models.DirectionInbound,
	)
	if err != nil {
		return models.InboxCounts{}, fmt.Errorf("inbox counts: %w", err)
	}
	defer rows.Close()

	var c models.InboxCounts
	for rows.Next() {
		var (
			status models.MessageStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return models.InboxCounts{}, fmt.Errorf("scan inbox count: %w", err)
		}
		switch status {
		case models.StatusDelivered:
			c.Unread = n
		case models.StatusRead:
			c.Read = n
		case models.StatusArchived:
			c.Archived = n
		}
	}
	return c, rows.Err()
}

// ListOutbound returns up to limit outbound messages, newest first.
func (s *SQLiteStore) ListOutbound(ctx context.Context, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = defaultInboxLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE direction = ? ORDER BY created_at DESC, id LIMIT ?`,
		models.DirectionOutbound, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list outbound: %w", err)
	}
	return scanMessages(rows)
}

// ResetTx deletes every message and pending transition.
func (s *SQLiteStore) ResetTx(ctx context.Context, q store.DBTX) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM pending_transitions`); err != nil {
		return fmt.Errorf("reset pending transitions: %w", err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return fmt.Errorf("reset messages: %w", err)
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()

	msgs := []models.Message{}
	for rows.Next() {
		var (
			m                    models.Message
			cost                 string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&m.ID, &m.Direction, &m.Channel, &m.Recipient, &m.Sender, &m.Subject,
			&m.Body, &m.Status, &cost, &m.ExternalID, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		d, err := decimal.NewFromString(cost)
		if err != nil {
			return nil, fmt.Errorf("parse cost of message %s: %w", m.ID, err)
		}
		m.Cost = d
		m.CreatedAt = store.Time(createdAt)
		m.UpdatedAt = store.Time(updatedAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
