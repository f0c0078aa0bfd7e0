package dispatch

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opencourier/courier/pkg/models"
)

// Log accepts every send and only logs it. It stands in for a real
// transport in development.
type Log struct {
	Logger *zap.Logger
}

// Dispatch implements Dispatcher.
func (l Log) Dispatch(_ context.Context, channel models.Channel, p Payload) (Receipt, error) {
	id := "log-" + uuid.NewString()
	if l.Logger != nil {
		l.Logger.Info("dispatch",
			zap.String("channel", string(channel)),
			zap.String("recipient", p.Recipient),
			zap.Int("body_bytes", len(p.Body)),
			zap.String("external_id", id))
	}
	return Receipt{ExternalID: id, Status: "sent"}, nil
}
