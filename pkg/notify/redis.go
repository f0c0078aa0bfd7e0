package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRedisChannel is the pub/sub channel events are published on.
const DefaultRedisChannel = "courier:events"

// envelope tags an event with the process that published it so a
// subscriber can skip its own echoes.
type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// RedisPublisher shares events between processes over Redis pub/sub. CLI
// commands publish through it and serve forwards what they publish to its
// stream subscribers.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *zap.Logger
}

// RedisOption configures a RedisPublisher.
type RedisOption func(*RedisPublisher)

// WithRedisChannel sets the pub/sub channel name.
func WithRedisChannel(channel string) RedisOption {
	return func(p *RedisPublisher) {
		if channel != "" {
			p.channel = channel
		}
	}
}

// WithRedisLogger sets the logger.
func WithRedisLogger(logger *zap.Logger) RedisOption {
	return func(p *RedisPublisher) { p.logger = logger }
}

// NewRedisPublisher wraps an existing client. The caller keeps ownership of
// the client.
func NewRedisPublisher(client *redis.Client, opts ...RedisOption) *RedisPublisher {
	p := &RedisPublisher{
		client:  client,
		channel: DefaultRedisChannel,
		origin:  uuid.NewString(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish implements Publisher. Failures are logged and dropped.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) {
	data, err := json.Marshal(envelope{Origin: p.origin, Event: ev})
	if err != nil {
		p.logger.Error("marshal event", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		p.logger.Warn("publish event",
			zap.String("channel", p.channel),
			zap.String("type", ev.Type),
			zap.Error(err))
	}
}

// Forward subscribes to the channel and republishes events from other
// processes to target until ctx is done.
func (p *RedisPublisher) Forward(ctx context.Context, target Publisher) error {
	sub := p.client.Subscribe(ctx, p.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", p.channel, err)
	}
	p.logger.Info("forwarding events", zap.String("channel", p.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			ev, ok, err := p.decode(msg.Payload)
			if err != nil {
				p.logger.Warn("decode event", zap.Error(err))
				continue
			}
			if ok {
				target.Publish(ctx, ev)
			}
		}
	}
}

// decode returns the event in payload and whether it came from another
// process.
func (p *RedisPublisher) decode(payload string) (Event, bool, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Event{}, false, fmt.Errorf("unmarshal event: %w", err)
	}
	if env.Origin == p.origin {
		return Event{}, false, nil
	}
	return env.Event, true, nil
}
