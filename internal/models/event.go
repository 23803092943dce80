package models

import "time"

type EventType string

const (
	EventMessageCreated  EventType = "message.created"
	EventMessageStatus   EventType = "message.status"
	EventMessageDeleted  EventType = "message.deleted"
	EventTypingStart     EventType = "typing.start"
	EventTypingStop      EventType = "typing.stop"
	EventPresenceChanged EventType = "presence.changed"
)

// Event is pushed to every session subscribed to a conversation room.
// Delivery is at-least-once; clients de-duplicate by ID.
type Event struct {
	ID             string          `json:"id"`
	Type           EventType       `json:"type"`
	ConversationID int             `json:"conversation_id"`
	UserID         int             `json:"user_id,omitempty"`
	Message        *DisplayMessage `json:"message,omitempty"`
	MessageID      int             `json:"message_id,omitempty"`
	Status         DeliveryStatus  `json:"status,omitempty"`
	Online         *bool           `json:"online,omitempty"`
	At             time.Time       `json:"at"`
}
