package messages

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opencourier/courier/pkg/metrics"
	"github.com/opencourier/courier/pkg/models"
	"github.com/opencourier/courier/pkg/notify"
	"github.com/opencourier/courier/pkg/store"
)

// Default lifecycle timings.
const (
	DefaultSentDelay      = time.Second
	DefaultDeliveredDelay = 3500 * time.Millisecond
	DefaultSweepInterval  = 5 * time.Second
)

// Transition is a pending status change for an outbound message.
type Transition struct {
	MessageID string               `json:"message_id"`
	From      models.MessageStatus `json:"from"`
	To        models.MessageStatus `json:"to"`
	DueAt     time.Time            `json:"due_at"`
}

// StatusChange is published each time a message changes status.
type StatusChange struct {
	MessageID string               `json:"message_id"`
	From      models.MessageStatus `json:"from"`
	To        models.MessageStatus `json:"to"`
}

// LifecycleConfig holds the lifecycle timings. Zero values use the defaults.
type LifecycleConfig struct {
	SentDelay      time.Duration
	DeliveredDelay time.Duration
	SweepInterval  time.Duration
}

// Lifecycle moves dispatched messages through sent and delivered. Pending
// transitions are stored with the message, fired by timers in this process
// and picked up by a periodic sweep after a restart.
type Lifecycle struct {
	store  *SQLiteStore
	pub    notify.Publisher
	logger *zap.Logger
	cfg    LifecycleConfig

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewLifecycle creates a Lifecycle. pub and logger may be nil.
func NewLifecycle(s *SQLiteStore, cfg LifecycleConfig, pub notify.Publisher, logger *zap.Logger) *Lifecycle {
	if cfg.SentDelay <= 0 {
		cfg.SentDelay = DefaultSentDelay
	}
	if cfg.DeliveredDelay <= 0 {
		cfg.DeliveredDelay = DefaultDeliveredDelay
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if pub == nil {
		pub = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{
		store:  s,
		pub:    pub,
		logger: logger,
		cfg:    cfg,
		timers: make(map[*time.Timer]struct{}),
	}
}

// PlanTx records the sent and delivered transitions of a dispatched
// message using q. Call Arm with the result once q has committed.
func (l *Lifecycle) PlanTx(ctx context.Context, q store.DBTX, messageID string) ([]Transition, error) {
	now := l.store.Now()
	plan := []Transition{
		{MessageID: messageID, From: models.StatusQueued, To: models.StatusSent, DueAt: now.Add(l.cfg.SentDelay)},
		{MessageID: messageID, From: models.StatusSent, To: models.StatusDelivered, DueAt: now.Add(l.cfg.DeliveredDelay)},
	}
	for _, t := range plan {
		if _, err := q.ExecContext(ctx,
			`INSERT OR REPLACE INTO pending_transitions (message_id, from_status, to_status, due_at) VALUES (?, ?, ?, ?)`,
			t.MessageID, t.From, t.To, store.Nanos(t.DueAt),
		); err != nil {
			return nil, fmt.Errorf("plan transition: %w", err)
		}
	}
	return plan, nil
}

// Arm starts an in-process timer for each transition. It never blocks.
func (l *Lifecycle) Arm(plan []Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	for _, t := range plan {
		delay := t.DueAt.Sub(l.store.Now())
		var timer *time.Timer
		l.wg.Add(1)
		timer = time.AfterFunc(delay, func() {
			defer l.wg.Done()
			l.mu.Lock()
			delete(l.timers, timer)
			l.mu.Unlock()
			l.fire(context.Background(), t)
		})
		l.timers[timer] = struct{}{}
	}
}

// Pending returns every stored transition, earliest first.
func (l *Lifecycle) Pending(ctx context.Context) ([]Transition, error) {
	return l.pending(ctx, `SELECT message_id, from_status, to_status, due_at FROM pending_transitions ORDER BY due_at, to_status DESC`)
}

// Sweep applies every transition that is due. It returns the number
// applied.
func (l *Lifecycle) Sweep(ctx context.Context) (int, error) {
	due, err := l.pending(ctx,
		`SELECT message_id, from_status, to_status, due_at FROM pending_transitions WHERE due_at <= ?
		 ORDER BY CASE to_status WHEN ? THEN 0 ELSE 1 END, due_at`,
		store.Nanos(l.store.Now()), models.StatusSent)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, t := range due {
		ok, err := l.Apply(ctx, t)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}

// Run sweeps immediately and then on every interval until ctx is done.
func (l *Lifecycle) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		if n, err := l.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("lifecycle sweep", zap.Error(err))
		} else if n > 0 {
			l.logger.Info("lifecycle sweep applied transitions", zap.Int("count", n))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Apply performs one transition. The status change is a compare-and-set,
// so applying a transition twice, or after the message moved on, changes
// nothing. A transition that arrives before the message reached its from
// status stays stored for a later sweep.
func (l *Lifecycle) Apply(ctx context.Context, t Transition) (bool, error) {
	var applied bool
	err := store.WithTx(ctx, l.store.DB(), func(tx store.DBTX) error {
		var err error
		if applied, err = l.store.TransitionTx(ctx, tx, t.MessageID, t.From, t.To); err != nil {
			return err
		}
		if !applied {
			m, err := l.store.GetTx(ctx, tx, t.MessageID)
			switch {
			case errors.Is(err, ErrNotFound):
			case err != nil:
				return err
			case !reached(m.Status, t.To):
				return nil
			}
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM pending_transitions WHERE message_id = ? AND to_status = ?`,
			t.MessageID, t.To,
		); err != nil {
			return fmt.Errorf("clear transition: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if applied {
		metrics.LifecycleTransitionsTotal.WithLabelValues(string(t.To)).Inc()
		l.pub.Publish(ctx, notify.New(notify.TypeMessageStatus, StatusChange{
			MessageID: t.MessageID, From: t.From, To: t.To,
		}))
	}
	return applied, nil
}

// Close stops pending timers and waits for running ones. Stopped
// transitions stay stored for the next sweep.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	l.closed = true
	for timer := range l.timers {
		if timer.Stop() {
			l.wg.Done()
		}
		delete(l.timers, timer)
	}
	l.mu.Unlock()
	l.wg.Wait()
}

var outboundStage = map[models.MessageStatus]int{
	models.StatusQueued:    0,
	models.StatusSent:      1,
	models.StatusDelivered: 2,
}

// reached reports whether an outbound message in status cur can no longer
// move to to.
func reached(cur, to models.MessageStatus) bool {
	if cur.Terminal() {
		return true
	}
	c, ok := outboundStage[cur]
	if !ok {
		return true
	}
	return c >= outboundStage[to]
}

func (l *Lifecycle) fire(ctx context.Context, t Transition) {
	if _, err := l.Apply(ctx, t); err != nil {
		l.logger.Warn("apply transition",
			zap.String("message_id", t.MessageID),
			zap.String("to", string(t.To)),
			zap.Error(err))
	}
}

func (l *Lifecycle) pending(ctx context.Context, query string, args ...any) ([]Transition, error) {
	rows, err := l.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			t   Transition
			due int64
		)
		if err := rows.Scan(&t.MessageID, &t.From, &t.To, &due); err != nil {
			return nil, fmt.Errorf("scan pending transition: %w", err)
		}
		t.DueAt = store.Time(due)
		out = append(out, t)
	}
	return out, rows.Err()
}
