package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction tells outbound sends from inbound inbox messages.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// MessageStatus is the lifecycle state of a message.
type MessageStatus string

// Outbound statuses.
const (
	StatusQueued    MessageStatus = "queued"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

// Inbound statuses. Inbound messages start out delivered (unread).
const (
	StatusRead     MessageStatus = "read"
	StatusArchived MessageStatus = "archived"
)

// Terminal reports whether no further outbound transition can happen.
func (s MessageStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// Message is an outbound send or an inbound inbox item.
type Message struct {
	ID         string          `json:"id"`
	Direction  Direction       `json:"direction"`
	Channel    Channel         `json:"channel"`
	Recipient  string          `json:"recipient"`
	Sender     string          `json:"sender,omitempty"`
	Subject    string          `json:"subject,omitempty"`
	Body       string          `json:"body"`
	Status     MessageStatus   `json:"status"`
	Cost       decimal.Decimal `json:"cost"`
	ExternalID string          `json:"external_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// InboxQuery filters an inbox listing. Empty or "all" disables a filter;
// Status "unread" selects delivered inbound messages.
type InboxQuery struct {
	Status  string
	Channel string
	Limit   int
	Offset  int
}

// InboxCounts tallies inbound messages by read state.
type InboxCounts struct {
	Unread   int `json:"unread"`
	Read     int `json:"read"`
	Archived int `json:"archived"`
}
