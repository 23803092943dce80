package models

import (
	"fmt"
	"time"
)

// Conversation is a container for an ordered stream of messages among a fixed participant set.
type Conversation struct {
	ID           int             `json:"id"`
	IsGroup      bool            `json:"is_group"`
	Name         string          `json:"name,omitempty"`
	AdminID      int             `json:"admin_id,omitempty"`
	Participants []int           `json:"participants"`
	Unread       map[int]int     `json:"-"`
	LastMessage  *MessageSummary `json:"last_message,omitempty"`
	Encrypted    bool            `json:"encrypted"`
	IsActive     bool            `json:"is_active"`
	CreatedAt    time.Time       `json:"created_at"`
}

// MessageSummary caches the newest message of a conversation for list rendering.
// It is derived from message events and never authoritative.
type MessageSummary struct {
	MessageID int         `json:"message_id"`
	SenderID  int         `json:"sender_id"`
	Type      MessageType `json:"type"`
	At        time.Time   `json:"at"`
}

// ConversationView is a conversation as seen by one participant.
type ConversationView struct {
	ID           int             `json:"id"`
	IsGroup      bool            `json:"is_group"`
	Name         string          `json:"name,omitempty"`
	AdminID      int             `json:"admin_id,omitempty"`
	Participants []int           `json:"participants"`
	UnreadCount  int             `json:"unread_count"`
	LastMessage  *DisplayMessage `json:"last_message,omitempty"`
	IsActive     bool            `json:"is_active"`
	CreatedAt    time.Time       `json:"created_at"`
}

// HasParticipant reports whether userID belongs to the conversation.
func (c Conversation) HasParticipant(userID int) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Others returns every participant except userID.
func (c Conversation) Others(userID int) []int {
	others := make([]int, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != userID {
			others = append(others, p)
		}
	}
	return others
}

// Peer returns the other participant of a direct conversation.
func (c Conversation) Peer(userID int) (int, bool) {
	if c.IsGroup {
		return 0, false
	}
	others := c.Others(userID)
	if len(others) != 1 {
		return 0, false
	}
	return others[0], true
}

// PairKey identifies the unordered pair of a direct conversation.
func PairKey(a, b int) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}
