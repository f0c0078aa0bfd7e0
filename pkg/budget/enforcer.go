// Package budget decides whether billable actions fit within the single
// deployment budget and reports spend against it.
package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opencourier/courier/pkg/ledger"
	"github.com/opencourier/courier/pkg/models"
	"github.com/opencourier/courier/pkg/rates"
	"github.com/opencourier/courier/pkg/store"
)

// ErrBudgetExceeded is returned when an action would push spend past a
// hard-stopped budget.
var ErrBudgetExceeded = errors.New("budget exceeded")

// ExceededError carries the figures behind a denial. CurrentSpend is the
// committed ledger spend for the period and excludes outstanding holds.
type ExceededError struct {
	CurrentSpend decimal.Decimal
	Limit        decimal.Decimal
	Projected    decimal.Decimal
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: spend %s + %s would pass limit %s",
		e.CurrentSpend, e.Projected, e.Limit)
}

func (e *ExceededError) Unwrap() error { return ErrBudgetExceeded }

// Decision is the outcome of an admitted action.
type Decision struct {
	Cost         decimal.Decimal
	CurrentSpend decimal.Decimal
	Limit        decimal.Decimal
	PeriodStart  time.Time
	Alerts       []models.Alert
}

// Reservation is an admitted send whose cost is held until it settles.
type Reservation struct {
	Decision
	Hold ledger.Hold
}

// Guard admits billable actions against the budget.
type Guard struct {
	db     *sql.DB
	budget *SQLiteStore
	ledger *ledger.SQLiteLedger
}

// NewGuard creates a Guard over the shared database.
func NewGuard(db *sql.DB, s *SQLiteStore, l *ledger.SQLiteLedger) *Guard {
	return &Guard{db: db, budget: s, ledger: l}
}

// Admit checks whether a send on channel fits the budget without writing
// anything. Nothing stops two callers from both being admitted before
// either records its spend; Send paths use Reserve instead.
func (g *Guard) Admit(ctx context.Context, channel models.Channel) (Decision, error) {
	b, err := g.budget.Get(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("budget check: %w", err)
	}
	since := PeriodStart(b.Period, g.ledger.Now())
	spend, err := g.ledger.CurrentSpend(ctx, since)
	if err != nil {
		return Decision{}, fmt.Errorf("budget check: %w", err)
	}
	return decide(b, since, spend.Total, decimal.Zero, rates.CostFor(channel))
}

// Reserve admits a send on channel and, in the same transaction, places a
// hold for its cost and runs onAdmit. Outstanding holds count as spend, so
// concurrent reservations can never jointly overrun a hard stop.
func (g *Guard) Reserve(ctx context.Context, channel models.Channel, messageID string, onAdmit func(tx store.DBTX) error) (Reservation, error) {
	var r Reservation
	err := store.WithTx(ctx, g.db, func(tx store.DBTX) error {
		b, err := g.budget.GetTx(ctx, tx)
		if err != nil {
			return err
		}
		since := PeriodStart(b.Period, g.ledger.Now())
		spend, err := g.ledger.CurrentSpendTx(ctx, tx, since)
		if err != nil {
			return err
		}
		held, err := g.ledger.HeldTx(ctx, tx, since)
		if err != nil {
			return err
		}
		if r.Decision, err = decide(b, since, spend.Total, held, rates.CostFor(channel)); err != nil {
			return err
		}
		if r.Hold, err = g.ledger.PlaceHoldTx(ctx, tx, ledger.Hold{
			MessageID: messageID,
			Channel:   channel,
			Cost:      r.Cost,
		}); err != nil {
			return err
		}
		if onAdmit != nil {
			return onAdmit(tx)
		}
		return nil
	})
	if err != nil {
		var exceeded *ExceededError
		if errors.As(err, &exceeded) {
			return Reservation{}, err
		}
		return Reservation{}, fmt.Errorf("reserve budget: %w", err)
	}
	return r, nil
}

// Commit bills a reservation: the hold becomes a send event. then runs in
// the same transaction.
func (g *Guard) Commit(ctx context.Context, r Reservation, description string, then func(tx store.DBTX) error) (models.UsageEvent, error) {
	return g.ledger.Settle(ctx, r.Hold.ID, models.UsageEvent{
		EventType:   models.EventSend,
		Channel:     r.Hold.Channel,
		Cost:        r.Hold.Cost,
		MessageID:   r.Hold.MessageID,
		Description: description,
	}, then)
}

// Release drops a reservation without billing it and records a zero-cost
// send_failed event.
func (g *Guard) Release(ctx context.Context, r Reservation, description string, then func(tx store.DBTX) error) (models.UsageEvent, error) {
	return g.ledger.Settle(ctx, r.Hold.ID, models.UsageEvent{
		EventType:   models.EventSendFailed,
		Channel:     r.Hold.Channel,
		Cost:        decimal.Zero,
		MessageID:   r.Hold.MessageID,
		Description: description,
	}, then)
}

// Status reports spend for the current period against the budget.
func (g *Guard) Status(ctx context.Context) (models.BudgetStatus, error) {
	b, err := g.budget.Get(ctx)
	if err != nil {
		return models.BudgetStatus{}, fmt.Errorf("budget status: %w", err)
	}
	since := PeriodStart(b.Period, g.ledger.Now())
	spend, err := g.ledger.CurrentSpend(ctx, since)
	if err != nil {
		return models.BudgetStatus{}, fmt.Errorf("budget status: %w", err)
	}

	ratio := Ratio(spend.Total, b.LimitAmount)
	remaining := b.LimitAmount.Sub(spend.Total)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return models.BudgetStatus{
		Budget:      b,
		PeriodStart: since,
		Consumed:    spend.Total,
		Ratio:       ratio,
		Percent:     Percent(spend.Total, b.LimitAmount),
		Remaining:   remaining,
		Alerts:      EvaluateAlerts(b, ratio),
	}, nil
}

func decide(b models.Budget, since time.Time, current, held, cost decimal.Decimal) (Decision, error) {
	projected := current.Add(held).Add(cost)
	if b.HardStopAt100 && projected.GreaterThan(b.LimitAmount) {
		return Decision{}, &ExceededError{CurrentSpend: current, Limit: b.LimitAmount, Projected: cost}
	}
	return Decision{
		Cost:         cost,
		CurrentSpend: current,
		Limit:        b.LimitAmount,
		PeriodStart:  since,
		Alerts:       EvaluateAlerts(b, Ratio(projected, b.LimitAmount)),
	}, nil
}
