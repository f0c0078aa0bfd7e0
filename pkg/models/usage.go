package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType classifies a ledger entry.
type EventType string

const (
	EventSend       EventType = "send"
	EventSendFailed EventType = "send_failed"
	EventInboxPull  EventType = "inbox_pull"
)

// Channel is the transport a message travels on.
type Channel string

const (
	ChannelEmail  Channel = "email"
	ChannelSlack  Channel = "slack"
	ChannelSystem Channel = "system"
)

// UsageEvent is an immutable, billable ledger entry.
type UsageEvent struct {
	ID          int64           `json:"id"`
	EventType   EventType       `json:"event_type"`
	Channel     Channel         `json:"channel"`
	Cost        decimal.Decimal `json:"cost"`
	MessageID   string          `json:"message_id,omitempty"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ChannelSpend is the count and cost of one spend bucket.
type ChannelSpend struct {
	Count int             `json:"count"`
	Cost  decimal.Decimal `json:"cost"`
}

// Spend bucket keys used in Spend.ByChannel.
const (
	BucketEmail     = "email"
	BucketSlack     = "slack"
	BucketInboxPull = "inbox_pull"
)

// Spend aggregates ledger events over a window.
type Spend struct {
	Total        decimal.Decimal         `json:"total"`
	ByChannel    map[string]ChannelSpend `json:"by_channel"`
	MessagesSent int                     `json:"messages_sent"`
	InboxPulls   int                     `json:"inbox_pulls"`
}

// DailyUsage is one day of the usage history.
type DailyUsage struct {
	Date  string          `json:"date"`
	Spend decimal.Decimal `json:"spend"`
	Sends int             `json:"sends"`
	Pulls int             `json:"pulls"`
}

// RateCard lists the unit cost of every billable action.
type RateCard struct {
	EmailSend     decimal.Decimal `json:"email_send"`
	SlackSend     decimal.Decimal `json:"slack_send"`
	InboxPull     decimal.Decimal `json:"inbox_pull"`
	StoragePerDay decimal.Decimal `json:"storage_per_day"`
}
