package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Broker fans events out to in-process subscribers and serves them as a
// server-sent event stream. It keeps the last few events for late joiners.
type Broker struct {
	mu        sync.RWMutex
	subs      map[int]chan Event
	nextSubID int
	recent    []Event
	keep      int
	heartbeat time.Duration
}

// NewBroker creates a Broker that replays up to keep recent events.
func NewBroker(keep int, heartbeat time.Duration) *Broker {
	if keep < 0 {
		keep = 0
	}
	return &Broker{
		subs:      make(map[int]chan Event),
		keep:      keep,
		heartbeat: heartbeat,
	}
}

// Publish implements Publisher. Subscribers whose buffer is full miss the
// event.
func (b *Broker) Publish(_ context.Context, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.keep > 0 {
		b.recent = append(b.recent, ev)
		if len(b.recent) > b.keep {
			b.recent = b.recent[len(b.recent)-b.keep:]
		}
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a buffered channel and returns it with a cancel
// function that unregisters it.
func (b *Broker) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Recent returns a copy of the replay buffer, oldest first.
func (b *Broker) Recent() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.recent))
	copy(out, b.recent)
	return out
}

// Subscribers returns the number of live subscribers.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// ServeHTTP streams events as text/event-stream until the client goes away.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := b.Subscribe(32)
	defer cancel()

	for _, ev := range b.Recent() {
		writeSSE(w, ev)
	}
	flusher.Flush()

	var tick <-chan time.Time
	if b.heartbeat > 0 {
		t := time.NewTicker(b.heartbeat)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			writeSSE(w, ev)
			flusher.Flush()
		case now := <-tick:
			writeSSE(w, Event{Type: typeHeartbeat, Timestamp: now.UTC()})
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", ev.Type)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
}
