package messages

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencourier/courier/pkg/models"
	"github.com/opencourier/courier/pkg/notify"
	"github.com/opencourier/courier/pkg/store"
)

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Publish(_ context.Context, ev notify.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) statuses() []models.MessageStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.MessageStatus
	for _, ev := range r.events {
		out = append(out, ev.Data.(StatusChange).To)
	}
	return out
}

func queued(t *testing.T, s *SQLiteStore) models.Message {
	t.Helper()
	m, err := s.Create(context.Background(), models.Message{
		Direction: models.DirectionOutbound, Channel: models.ChannelEmail, Recipient: "a@example.com",
		Body: "body", Status: models.StatusQueued, Cost: decimal.RequireFromString("0.001"),
	})
	require.NoError(t, err)
	return m
}

func plan(t *testing.T, l *Lifecycle, s *SQLiteStore, id string) []Transition {
	t.Helper()
	var p []Transition
	require.NoError(t, store.WithTx(context.Background(), s.DB(), func(tx store.DBTX) error {
		var err error
		p, err = l.PlanTx(context.Background(), tx, id)
		return err
	}))
	return p
}

func TestLifecycleTimersProgressMessage(t *testing.T) {
	db, err := store.Open(t.TempDir() + "/lifecycle.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := NewStore(db)
	require.NoError(t, err)

	rec := &recorder{}
	l := NewLifecycle(s, LifecycleConfig{SentDelay: 20 * time.Millisecond, DeliveredDelay: 60 * time.Millisecond}, rec, nil)
	defer l.Close()

	m := queued(t, s)
	l.Arm(plan(t, l, s, m.ID))

	got, err := s.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status, "the caller sees queued first")

	require.Eventually(t, func() bool {
		got, err := s.Get(context.Background(), m.ID)
		return err == nil && got.Status == models.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []models.MessageStatus{models.StatusSent, models.StatusDelivered}, rec.statuses())

	pending, err := l.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestLifecycleSweepRecoversAfterRestart(t *testing.T) {
	s, now := newTestStore(t)
	ctx := context.Background()
	rec := &recorder{}

	// The first process plans transitions but stops before they fire.
	first := NewLifecycle(s, LifecycleConfig{}, nil, nil)
	m := queued(t, s)
	plan(t, first, s, m.ID)
	first.Close()

	second := NewLifecycle(s, LifecycleConfig{}, rec, nil)
	n, err := second.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing is due yet")

	*now = now.Add(2 * time.Second)
	n, err = second.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	*now = now.Add(5 * time.Second)
	n, err = second.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, got.Status)
	assert.Equal(t, []models.MessageStatus{models.StatusSent, models.StatusDelivered}, rec.statuses())
}

func TestLifecycleSweepAppliesOverdueInOrder(t *testing.T) {
	s, now := newTestStore(t)
	l := NewLifecycle(s, LifecycleConfig{}, nil, nil)
	m := queued(t, s)
	plan(t, l, s, m.ID)

	*now = now.Add(time.Hour)
	n, err := l.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, got.Status)
}

func TestLifecycleApplyIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	rec := &recorder{}
	l := NewLifecycle(s, LifecycleConfig{}, rec, nil)
	m := queued(t, s)
	tr := Transition{MessageID: m.ID, From: models.StatusQueued, To: models.StatusSent}

	ok, err := l.Apply(context.Background(), tr)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.Apply(context.Background(), tr)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, rec.statuses(), 1)
}

func TestLifecycleDeliveredBeforeSentIsKept(t *testing.T) {
	s, now := newTestStore(t)
	ctx := context.Background()
	rec := &recorder{}
	l := NewLifecycle(s, LifecycleConfig{}, rec, nil)
	m := queued(t, s)
	p := plan(t, l, s, m.ID)

	ok, err := l.Apply(ctx, p[1])
	require.NoError(t, err)
	assert.False(t, ok, "still queued")

	pending, err := l.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2, "delivered stays stored")

	ok, err = l.Apply(ctx, p[0])
	require.NoError(t, err)
	assert.True(t, ok)

	*now = now.Add(time.Hour)
	n, err := l.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, got.Status)
	assert.Equal(t, []models.MessageStatus{models.StatusSent, models.StatusDelivered}, rec.statuses())

	pending, err = l.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestLifecycleSweepAppliesSentBeforeDelivered(t *testing.T) {
	s, now := newTestStore(t)
	ctx := context.Background()
	l := NewLifecycle(s, LifecycleConfig{SentDelay: time.Minute, DeliveredDelay: time.Second}, nil, nil)
	m := queued(t, s)
	plan(t, l, s, m.ID)

	*now = now.Add(time.Hour)
	n, err := l.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, got.Status)
}

func TestLifecycleTimerOutOfOrderRecoveredBySweep(t *testing.T) {
	db, err := store.Open(t.TempDir() + "/lifecycle.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := NewStore(db)
	require.NoError(t, err)

	l := NewLifecycle(s, LifecycleConfig{SentDelay: 60 * time.Millisecond, DeliveredDelay: 10 * time.Millisecond}, nil, nil)
	m := queued(t, s)
	l.Arm(plan(t, l, s, m.ID))

	require.Eventually(t, func() bool {
		got, err := s.Get(context.Background(), m.ID)
		return err == nil && got.Status == models.StatusSent
	}, 2*time.Second, 5*time.Millisecond)
	l.Close()

	n, err := l.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, got.Status)
}

func TestLifecycleNeverRevivesFailedMessage(t *testing.T) {
	s, now := newTestStore(t)
	l := NewLifecycle(s, LifecycleConfig{}, nil, nil)
	m := queued(t, s)
	plan(t, l, s, m.ID)

	ok, err := s.TransitionTx(context.Background(), s.DB(), m.ID, models.StatusQueued, models.StatusFailed)
	require.NoError(t, err)
	require.True(t, ok)

	*now = now.Add(time.Hour)
	n, err := l.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := s.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestLifecycleRunStopsWithContext(t *testing.T) {
	s, _ := newTestStore(t)
	l := NewLifecycle(s, LifecycleConfig{SweepInterval: 10 * time.Millisecond}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
