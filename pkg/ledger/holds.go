package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opencourier/courier/pkg/models"
	"github.com/opencourier/courier/pkg/store"
)

// ErrHoldNotFound is returned when settling a hold that no longer exists.
var ErrHoldNotFound = errors.New("hold not found")

// A Hold reserves budget for an admitted send until dispatch settles it.
// Holds count against the budget during admission but are never spend.
type Hold struct {
	ID        int64
	MessageID string
	Channel   models.Channel
	Cost      decimal.Decimal
	CreatedAt time.Time
}

const createHoldsTable = `
CREATE TABLE IF NOT EXISTS holds (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL,
	channel TEXT NOT NULL,
	cost TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`

// PlaceHoldTx inserts a hold using q.
func (l *SQLiteLedger) PlaceHoldTx(ctx context.Context, q store.DBTX, h Hold) (Hold, error) {
	if h.Cost.IsNegative() {
		return Hold{}, ErrNegativeCost
	}
	h.CreatedAt = l.Now()
	res, err := q.ExecContext(ctx,
		`INSERT INTO holds (message_id, channel, cost, created_at) VALUES (?, ?, ?, ?)`,
		h.MessageID, h.Channel, h.Cost.String(), store.Nanos(h.CreatedAt),
	)
	if err != nil {
		return Hold{}, fmt.Errorf("place hold: %w", err)
	}
	if h.ID, err = res.LastInsertId(); err != nil {
		return Hold{}, fmt.Errorf("place hold id: %w", err)
	}
	return h, nil
}

// HeldTx sums the cost of outstanding holds placed at or after since.
// Older holds belong to an earlier period.
func (l *SQLiteLedger) HeldTx(ctx context.Context, q store.DBTX, since time.Time) (decimal.Decimal, error) {
	holds, err := l.holds(ctx, q,
		`SELECT id, message_id, channel, cost, created_at FROM holds WHERE created_at >= ?`,
		store.Nanos(since))
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, h := range holds {
		total = total.Add(h.Cost)
	}
	return total, nil
}

// Settle removes a hold and appends the event that replaces it in one
// transaction. then, if non-nil, runs inside the same transaction.
func (l *SQLiteLedger) Settle(ctx context.Context, holdID int64, ev models.UsageEvent, then func(tx store.DBTX) error) (models.UsageEvent, error) {
	var out models.UsageEvent
	err := store.WithTx(ctx, l.db, func(tx store.DBTX) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM holds WHERE id = ?`, holdID)
		if err != nil {
			return fmt.Errorf("release hold: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("release hold: %w", err)
		} else if n == 0 {
			return ErrHoldNotFound
		}

		if out, err = l.AppendTx(ctx, tx, ev); err != nil {
			return err
		}
		if then != nil {
			return then(tx)
		}
		return nil
	})
	return out, err
}

// StaleHolds returns holds placed before the given time.
func (l *SQLiteLedger) StaleHolds(ctx context.Context, before time.Time) ([]Hold, error) {
	return l.holds(ctx, l.db,
		`SELECT id, message_id, channel, cost, created_at FROM holds WHERE created_at < ? ORDER BY id`,
		store.Nanos(before))
}

func (l *SQLiteLedger) holds(ctx context.Context, q store.DBTX, query string, args ...any) ([]Hold, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query holds: %w", err)
	}
	defer rows.Close()

	var holds []Hold
	for rows.Next() {
		var (
			h         Hold
			cost      string
			createdAt int64
		)
		if err := rows.Scan(&h.ID, &h.MessageID, &h.Channel, &cost, &createdAt); err != nil {
			return nil, fmt.Errorf("scan hold: %w", err)
		}
		if h.Cost, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("parse cost of hold %d: %w", h.ID, err)
		}
		h.CreatedAt = store.Time(createdAt)
		holds = append(holds, h)
	}
	return holds, rows.Err()
}
