// Package rates holds the static price list for billable actions.
package rates

import (
	"github.com/shopspring/decimal"

	"github.com/opencourier/courier/pkg/models"
)

var (
	emailSend     = decimal.RequireFromString("0.001")
	slackSend     = decimal.RequireFromString("0.005")
	inboxPull     = decimal.RequireFromString("0.0002")
	storagePerDay = decimal.RequireFromString("0.0001")
)

// CostFor returns the send cost for a channel. Channels that cannot be
// sent on cost nothing.
func CostFor(ch models.Channel) decimal.Decimal {
	switch ch {
	case models.ChannelEmail:
		return emailSend
	case models.ChannelSlack:
		return slackSend
	default:
		return decimal.Zero
	}
}

// InboxPull returns the cost of one inbox pull.
func InboxPull() decimal.Decimal {
	return inboxPull
}

// Card returns the full rate card. StoragePerDay is published for clients
// but no flow charges it.
func Card() models.RateCard {
	return models.RateCard{
		EmailSend:     emailSend,
		SlackSend:     slackSend,
		InboxPull:     inboxPull,
		StoragePerDay: storagePerDay,
	}
}
