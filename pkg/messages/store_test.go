package messages

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencourier/courier/pkg/models"
	"github.com/opencourier/courier/pkg/store"
)

func newTestStore(t *testing.T) (*SQLiteStore, *time.Time) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "messages_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	now := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
	s, err := NewStore(db, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return s, &now
}

func inbound(sender string, ch models.Channel, status models.MessageStatus) models.Message {
	return models.Message{
		Direction: models.DirectionInbound, Channel: ch, Recipient: "inbox@opencourier.dev",
		Sender: sender, Body: "hello", Status: status, Cost: decimal.Zero,
	}
}

func TestCreateAndGet(t *testing.T) {
	s, now := newTestStore(t)
	ctx := context.Background()

	m, err := s.Create(ctx, models.Message{
		Direction: models.DirectionOutbound, Channel: models.ChannelEmail, Recipient: "a@example.com",
		Subject: "hi", Body: "body", Status: models.StatusQueued, Cost: decimal.RequireFromString("0.001"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", got.Recipient)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Equal(t, "0.001", got.Cost.String())
	assert.Equal(t, *now, got.CreatedAt)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionIsCompareAndSet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	m, err := s.Create(ctx, models.Message{
		Direction: models.DirectionOutbound, Channel: models.ChannelEmail, Recipient: "a@example.com",
		Body: "body", Status: models.StatusQueued, Cost: decimal.Zero,
	})
	require.NoError(t, err)

	ok, err := s.TransitionTx(ctx, s.DB(), m.ID, models.StatusQueued, models.StatusSent)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TransitionTx(ctx, s.DB(), m.ID, models.StatusQueued, models.StatusFailed)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, got.Status)
}

func TestInboxListingAndCounts(t *testing.T) {
	s, now := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i, m := range []models.Message{
		inbound("a@x.io", models.ChannelEmail, models.StatusDelivered),
		inbound("b@x.io", models.ChannelEmail, models.StatusRead),
		inbound("c@x.io", models.ChannelSlack, models.StatusDelivered),
		inbound("d@x.io", models.ChannelEmail, models.StatusArchived),
	} {
		*now = now.Add(time.Duration(i) * time.Minute)
		created, err := s.Create(ctx, m)
		require.NoError(t, err)
		ids = append(ids, created.ID)
	}
	_, err := s.Create(ctx, models.Message{
		Direction: models.DirectionOutbound, Channel: models.ChannelEmail, Recipient: "z@x.io",
		Body: "out", Status: models.StatusDelivered, Cost: decimal.Zero,
	})
	require.NoError(t, err)

	all, total, err := s.ListInbox(ctx, models.InboxQuery{Status: "all"})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, all, 4)
	assert.Equal(t, "d@x.io", all[0].Sender, "newest first")

	unread, total, err := s.ListInbox(ctx, models.InboxQuery{Status: "unread"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, unread, 2)

	slack, total, err := s.ListInbox(ctx, models.InboxQuery{Channel: "slack"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "c@x.io", slack[0].Sender)

	page, total, err := s.ListInbox(ctx, models.InboxQuery{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, page, 2)
	assert.Equal(t, "b@x.io", page[0].Sender)

	counts, err := s.InboxCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.InboxCounts{Unread: 2, Read: 1, Archived: 1}, counts)

	updated, err := s.SetInboxStatus(ctx, ids[0], models.StatusRead)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, updated.Status)

	counts, err = s.InboxCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.InboxCounts{Unread: 1, Read: 2, Archived: 1}, counts)
}

func TestSetInboxStatusRejectsOutbound(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	out, err := s.Create(ctx, models.Message{
		Direction: models.DirectionOutbound, Channel: models.ChannelEmail, Recipient: "z@x.io",
		Body: "out", Status: models.StatusDelivered, Cost: decimal.Zero,
	})
	require.NoError(t, err)

	_, err = s.SetInboxStatus(ctx, out.ID, models.StatusArchived)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.SetInboxStatus(ctx, "missing", models.StatusRead)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOutboundAndReset(t *testing.T) {
	s, now := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		*now = now.Add(time.Second)
		_, err := s.Create(ctx, models.Message{
			Direction: models.DirectionOutbound, Channel: models.ChannelSlack, Recipient: "#ops",
			Body: "deploy", Status: models.StatusQueued, Cost: decimal.Zero,
		})
		require.NoError(t, err)
	}
	_, err := s.Create(ctx, inbound("a@x.io", models.ChannelEmail, models.StatusDelivered))
	require.NoError(t, err)

	out, err := s.ListOutbound(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, out, 2)

	require.NoError(t, store.WithTx(ctx, s.DB(), func(tx store.DBTX) error {
		return s.ResetTx(ctx, tx)
	}))
	out, err = s.ListOutbound(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, out)
}
