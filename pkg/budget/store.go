package budget

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

// ErrInvalidBudget is returned when an update would leave the budget in an
// unusable state.
var ErrInvalidBudget = errors.New("invalid budget")

// InvalidError names the budget field that failed validation.
type InvalidError struct {
	Field  string
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid budget: %s %s", e.Field, e.Reason)
}

func (e *InvalidError) Unwrap() error { return ErrInvalidBudget }

// Defaults returns the budget a fresh deployment starts with.
func Defaults() models.Budget {
	return models.Budget{
		LimitAmount: decimal.RequireFromString("10.00"),
		Period:      models.BudgetMonthly,
		AlertAt75:   true,
		AlertAt90:   true,
	}
}

const createBudgetTable = `
CREATE TABLE IF NOT EXISTS budget (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	limit_amount TEXT NOT NULL,
	period TEXT NOT NULL,
	alert_at_75 INTEGER NOT NULL,
	alert_at_90 INTEGER NOT NULL,
	hard_stop_at_100 INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// SQLiteStore owns the single budget row. Every write is a read-modify-write
// inside one transaction.
type SQLiteStore struct {
	db       *sql.DB
	defaults models.Budget
	now      func() time.Time
}

// StoreOption configures a SQLiteStore.
type StoreOption func(*SQLiteStore)

// WithDefaults sets the budget used on first start and on reset.
func WithDefaults(b models.Budget) StoreOption {
	return func(s *SQLiteStore) { s.defaults = b }
}

// WithStoreClock overrides the time source for updated_at.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *SQLiteStore) { s.now = now }
}

// NewStore migrates the budget table and seeds the row if it is missing.
func NewStore(db *sql.DB, opts ...StoreOption) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, defaults: Defaults(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := validate(s.defaults); err != nil {
		return nil, fmt.Errorf("budget defaults: %w", err)
	}
	if err := store.Migrate(db, createBudgetTable); err != nil {
		return nil, fmt.Errorf("migrate budget: %w", err)
	}
	if err := s.write(context.Background(), db, s.defaults, `INSERT OR IGNORE`); err != nil {
		return nil, fmt.Errorf("seed budget: %w", err)
	}
	return s, nil
}

// Get returns the current budget.
func (s *SQLiteStore) Get(ctx context.Context) (models.Budget, error) {
	return s.GetTx(ctx, s.db)
}

// GetTx is Get using q.
func (s *SQLiteStore) GetTx(ctx context.Context, q store.DBTX) (models.Budget, error) {
	var (
		b         models.Budget
		limit     string
		updatedAt int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT limit_amount, period, alert_at_75, alert_at_90, hard_stop_at_100, updated_at
		 FROM budget WHERE id = 1`,
	).Scan(&limit, &b.Period, &b.AlertAt75, &b.AlertAt90, &b.HardStopAt100, &updatedAt)
	if err != nil {
		return models.Budget{}, fmt.Errorf("get budget: %w", err)
	}
	if b.LimitAmount, err = decimal.NewFromString(limit); err != nil {
		return models.Budget{}, fmt.Errorf("parse budget limit: %w", err)
	}
	b.UpdatedAt = store.Time(updatedAt)
	return b, nil
}

// Update applies the non-nil fields of u and refreshes updated_at.
func (s *SQLiteStore) Update(ctx context.Context, u models.BudgetUpdate) (models.Budget, error) {
	var out models.Budget
	err := store.WithTx(ctx, s.db, func(tx store.DBTX) error {
		b, err := s.GetTx(ctx, tx)
		if err != nil {
			return err
		}
		if u.LimitAmount != nil {
			b.LimitAmount = *u.LimitAmount
		}
		if u.Period != nil {
			b.Period = *u.Period
		}
		if u.AlertAt75 != nil {
			b.AlertAt75 = *u.AlertAt75
		}
		if u.AlertAt90 != nil {
			b.AlertAt90 = *u.AlertAt90
		}
		if u.HardStopAt100 != nil {
			b.HardStopAt100 = *u.HardStopAt100
		}
		if err := validate(b); err != nil {
			return err
		}
		if err := s.write(ctx, tx, b, `INSERT OR REPLACE`); err != nil {
			return fmt.Errorf("update budget: %w", err)
		}
		out, err = s.GetTx(ctx, tx)
		return err
	})
	return out, err
}

// Reset restores the configured defaults.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	return s.ResetTx(ctx, s.db)
}

// ResetTx is Reset using q.
func (s *SQLiteStore) ResetTx(ctx context.Context, q store.DBTX) error {
	if err := s.write(ctx, q, s.defaults, `INSERT OR REPLACE`); err != nil {
		return fmt.Errorf("reset budget: %w", err)
	}
	return nil
}

func (s *SQLiteStore) write(ctx context.Context, q store.DBTX, b models.Budget, verb string) error {
	_, err := q.ExecContext(ctx,
		verb+` INTO budget (id, limit_amount, period, alert_at_75, alert_at_90, hard_stop_at_100, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?)`,
		b.LimitAmount.String(), b.Period, b.AlertAt75, b.AlertAt90, b.HardStopAt100, store.Nanos(s.now()),
	)
	return err
}

func validate(b models.Budget) error {
	if !b.LimitAmount.IsPositive() {
		return &InvalidError{Field: "limit_amount", Reason: "must be positive"}
	}
	if !b.Period.Valid() {
		return &InvalidError{Field: "period", Reason: "must be one of: daily weekly monthly"}
	}
	return nil
}
