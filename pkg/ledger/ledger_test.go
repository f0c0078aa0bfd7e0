package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencourier/courier/pkg/models"
	"github.com/opencourier/courier/pkg/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newTestLedger(t *testing.T) (*SQLiteLedger, *fakeClock) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := &fakeClock{t: time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)}
	l, err := New(db, WithClock(clock.Now))
	require.NoError(t, err)
	return l, clock
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestAppendAssignsIdentityAndTime(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	first, err := l.Append(ctx, models.UsageEvent{
		EventType: models.EventSend, Channel: models.ChannelEmail, Cost: dec("0.001"),
		MessageID: "m1", Description: "email sent to a@example.com",
		CreatedAt: time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	second, err := l.Append(ctx, models.UsageEvent{
		EventType: models.EventInboxPull, Channel: models.ChannelSystem, Cost: dec("0.0002"),
	})
	require.NoError(t, err)

	assert.Greater(t, second.ID, first.ID)
	assert.True(t, first.CreatedAt.Equal(clock.Now()), "caller timestamps are ignored")

	events, err := l.Events(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "m1", events[0].MessageID)
	assert.True(t, events[0].Cost.Equal(dec("0.001")))
}

func TestAppendRejectsNegativeCost(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Append(context.Background(), models.UsageEvent{
		EventType: models.EventSend, Channel: models.ChannelEmail, Cost: dec("-0.001"),
	})
	assert.ErrorIs(t, err, ErrNegativeCost)
}

func TestCurrentSpendEmptyWindowIsZero(t *testing.T) {
	l, clock := newTestLedger(t)

	spend, err := l.CurrentSpend(context.Background(), clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, spend.Total.IsZero())
	assert.Equal(t, "0", spend.Total.String())
	assert.Equal(t, 0, spend.MessagesSent)
	assert.Len(t, spend.ByChannel, 3)
}

func TestCurrentSpendWindowAndBreakdown(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	// Outside the window.
	clock.Set(time.Date(2026, 2, 27, 12, 0, 0, 0, time.UTC))
	_, err := l.Append(ctx, models.UsageEvent{EventType: models.EventSend, Channel: models.ChannelEmail, Cost: dec("5")})
	require.NoError(t, err)

	clock.Set(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	for _, ev := range []models.UsageEvent{
		{EventType: models.EventSend, Channel: models.ChannelEmail, Cost: dec("0.001")},
		{EventType: models.EventSend, Channel: models.ChannelEmail, Cost: dec("0.001")},
		{EventType: models.EventSend, Channel: models.ChannelSlack, Cost: dec("0.005")},
		{EventType: models.EventSendFailed, Channel: models.ChannelSlack, Cost: decimal.Zero},
		{EventType: models.EventInboxPull, Channel: models.ChannelSystem, Cost: dec("0.0002")},
	} {
		_, err := l.Append(ctx, ev)
		require.NoError(t, err)
	}

	spend, err := l.CurrentSpend(ctx, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "0.0072", spend.Total.String())
	assert.Equal(t, 3, spend.MessagesSent)
	assert.Equal(t, 1, spend.InboxPulls)
	assert.Equal(t, 2, spend.ByChannel[models.BucketEmail].Count)
	assert.Equal(t, "0.002", spend.ByChannel[models.BucketEmail].Cost.String())
	assert.Equal(t, 1, spend.ByChannel[models.BucketSlack].Count)
	assert.Equal(t, 1, spend.ByChannel[models.BucketInboxPull].Count)
}

func TestHistoryAndRecent(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	clock.Set(time.Date(2026, 3, 2, 23, 59, 0, 0, time.UTC))
	_, _ = l.Append(ctx, models.UsageEvent{EventType: models.EventSend, Channel: models.ChannelEmail, Cost: dec("0.001")})
	clock.Set(time.Date(2026, 3, 3, 0, 1, 0, 0, time.UTC))
	_, _ = l.Append(ctx, models.UsageEvent{EventType: models.EventInboxPull, Channel: models.ChannelSystem, Cost: dec("0.0002")})
	_, _ = l.Append(ctx, models.UsageEvent{EventType: models.EventSend, Channel: models.ChannelSlack, Cost: dec("0.005")})

	history, err := l.History(ctx, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "2026-03-02", history[0].Date)
	assert.Equal(t, 1, history[0].Sends)
	assert.Equal(t, "2026-03-03", history[1].Date)
	assert.Equal(t, 1, history[1].Pulls)
	assert.Equal(t, "0.0052", history[1].Spend.String())

	recent, err := l.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, models.ChannelSlack, recent[0].Channel)
	assert.Equal(t, models.EventInboxPull, recent[1].EventType)
}

func TestHoldsSettleAtomically(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	var hold Hold
	err := store.WithTx(ctx, l.db, func(tx store.DBTX) error {
		var err error
		hold, err = l.PlaceHoldTx(ctx, tx, Hold{MessageID: "m1", Channel: models.ChannelEmail, Cost: dec("0.001")})
		return err
	})
	require.NoError(t, err)

	held, err := l.HeldTx(ctx, l.db, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "0.001", held.String())

	spend, err := l.CurrentSpend(ctx, clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, spend.Total.IsZero(), "holds are never spend")

	ev, err := l.Settle(ctx, hold.ID, models.UsageEvent{
		EventType: models.EventSend, Channel: models.ChannelEmail, Cost: hold.Cost, MessageID: "m1",
	}, nil)
	require.NoError(t, err)
	assert.NotZero(t, ev.ID)

	held, err = l.HeldTx(ctx, l.db, time.Time{})
	require.NoError(t, err)
	assert.True(t, held.IsZero())

	_, err = l.Settle(ctx, hold.ID, models.UsageEvent{EventType: models.EventSend, Cost: hold.Cost}, nil)
	assert.ErrorIs(t, err, ErrHoldNotFound)

	spend, err = l.CurrentSpend(ctx, clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "0.001", spend.Total.String(), "double settle must not double bill")
}

func TestStaleHoldsAndReset(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	_, err := l.PlaceHoldTx(ctx, l.db, Hold{MessageID: "old", Channel: models.ChannelEmail, Cost: dec("0.001")})
	require.NoError(t, err)
	clock.Set(clock.Now().Add(10 * time.Minute))
	_, err = l.PlaceHoldTx(ctx, l.db, Hold{MessageID: "new", Channel: models.ChannelEmail, Cost: dec("0.001")})
	require.NoError(t, err)

	stale, err := l.StaleHolds(ctx, clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].MessageID)

	_, err = l.Append(ctx, models.UsageEvent{EventType: models.EventSend, Channel: models.ChannelEmail, Cost: dec("1")})
	require.NoError(t, err)
	require.NoError(t, l.Reset(ctx))

	events, err := l.Events(ctx, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, events)
	held, err := l.HeldTx(ctx, l.db, time.Time{})
	require.NoError(t, err)
	assert.True(t, held.IsZero())
}

func TestAppendTxStoreFailureIsWrapped(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO usage_events").WillReturnError(errors.New("disk I/O error"))

	l := &SQLiteLedger{db: db, now: time.Now}
	_, err = l.AppendTx(context.Background(), db, models.UsageEvent{
		EventType: models.EventSend, Channel: models.ChannelEmail, Cost: dec("0.001"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append usage event")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleRollsBackWhenFollowUpFails(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	hold, err := l.PlaceHoldTx(ctx, l.db, Hold{MessageID: "m1", Channel: models.ChannelEmail, Cost: dec("0.001")})
	require.NoError(t, err)

	boom := errors.New("status update failed")
	_, err = l.Settle(ctx, hold.ID, models.UsageEvent{
		EventType: models.EventSend, Channel: models.ChannelEmail, Cost: hold.Cost,
	}, func(store.DBTX) error { return boom })
	assert.ErrorIs(t, err, boom)

	events, err := l.Events(ctx, clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, events)
	held, err := l.HeldTx(ctx, l.db, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "0.001", held.String())
}

func TestHeldIgnoresHoldsFromEarlierPeriods(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	_, err := l.PlaceHoldTx(ctx, l.db, Hold{MessageID: "stranded", Channel: models.ChannelSlack, Cost: dec("0.005")})
	require.NoError(t, err)

	clock.Set(time.Date(2026, 4, 1, 0, 0, 1, 0, time.UTC))
	_, err = l.PlaceHoldTx(ctx, l.db, Hold{MessageID: "fresh", Channel: models.ChannelEmail, Cost: dec("0.001")})
	require.NoError(t, err)

	april := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	held, err := l.HeldTx(ctx, l.db, april)
	require.NoError(t, err)
	assert.Equal(t, "0.001", held.String())

	held, err = l.HeldTx(ctx, l.db, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "0.006", held.String())
}
