// Package dispatch hands outbound messages to channel transports.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/opencourier/courier/pkg/models"
)

// ErrUnsupportedChannel is returned for channels with no working transport.
var ErrUnsupportedChannel = errors.New("unsupported channel")

// Payload is the content handed to a transport.
type Payload struct {
	Recipient string
	Subject   string
	Body      string
}

// Receipt is a transport's acknowledgment of a send.
type Receipt struct {
	ExternalID string
	Status     string
}

// Dispatcher sends a payload on a channel. Any error is a final failure;
// callers never retry.
type Dispatcher interface {
	Dispatch(ctx context.Context, channel models.Channel, p Payload) (Receipt, error)
}

// Func adapts a function to Dispatcher.
type Func func(ctx context.Context, channel models.Channel, p Payload) (Receipt, error)

// Dispatch implements Dispatcher.
func (f Func) Dispatch(ctx context.Context, channel models.Channel, p Payload) (Receipt, error) {
	return f(ctx, channel, p)
}

// Unsupported is the transport of a channel that is not configured.
type Unsupported struct {
	Reason string
}

// Dispatch always fails with ErrUnsupportedChannel.
func (u Unsupported) Dispatch(_ context.Context, channel models.Channel, _ Payload) (Receipt, error) {
	if u.Reason != "" {
		return Receipt{}, fmt.Errorf("%w: %s", ErrUnsupportedChannel, u.Reason)
	}
	return Receipt{}, fmt.Errorf("%w: %s", ErrUnsupportedChannel, channel)
}
