package dispatch

import (
	"context"
	"fmt"

	"github.com/opencourier/courier/pkg/models"
)

// Router sends each channel to its own Dispatcher.
type Router struct {
	routes map[models.Channel]Dispatcher
}

// NewRouter creates a Router from a channel table.
func NewRouter(routes map[models.Channel]Dispatcher) *Router {
	r := &Router{routes: make(map[models.Channel]Dispatcher, len(routes))}
	for ch, d := range routes {
		r.routes[ch] = d
	}
	return r
}

// Resolve returns the Dispatcher for a channel.
func (r *Router) Resolve(channel models.Channel) (Dispatcher, error) {
	d, ok := r.routes[channel]
	if !ok || d == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChannel, channel)
	}
	return d, nil
}

// Dispatch implements Dispatcher.
func (r *Router) Dispatch(ctx context.Context, channel models.Channel, p Payload) (Receipt, error) {
	d, err := r.Resolve(channel)
	if err != nil {
		return Receipt{}, err
	}
	return d.Dispatch(ctx, channel, p)
}
