package models

import "time"

// MessageType classifies message content.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeImage  MessageType = "image"
	TypeVideo  MessageType = "video"
	TypeFile   MessageType = "file"
	TypeSystem MessageType = "system"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeVideo, TypeFile, TypeSystem:
		return true
	}
	return false
}

// IsMedia reports whether messages of this type reference a blob.
func (t MessageType) IsMedia() bool {
	return t == TypeImage || t == TypeVideo || t == TypeFile
}

// Envelope carries message content: either ciphertext bound to a
// conversation key or plaintext for unencrypted conversations.
type Envelope struct {
	Encrypted  bool   `json:"encrypted"`
	Ciphertext []byte `json:"ciphertext,omitempty"`
	IV         []byte `json:"iv,omitempty"`
	AuthTag    []byte `json:"auth_tag,omitempty"`
	Plaintext  string `json:"plaintext,omitempty"`
}

// Empty reports whether the envelope carries no content.
func (e Envelope) Empty() bool {
	return len(e.Ciphertext) == 0 && len(e.IV) == 0 && len(e.AuthTag) == 0 && e.Plaintext == ""
}

// ReadReceipt records when a participant marked a message read.
type ReadReceipt struct {
	UserID int       `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

// UserDeletion records a delete-for-me by one participant.
type UserDeletion struct {
	UserID    int       `json:"user_id"`
	DeletedAt time.Time `json:"deleted_at"`
}

// DeleteMode selects the scope of a deletion.
type DeleteMode string

const (
	DeleteForMe       DeleteMode = "for_me"
	DeleteForEveryone DeleteMode = "for_everyone"
)

// DeletionState is the conversation-wide deletion state of a message.
// Implementations: NotDeleted, DeletedForEveryone, HardDeleted.
type DeletionState interface {
	deletionState()
}

type NotDeleted struct{}

// DeletedForEveryone is a delete-for-everyone awaiting its grace-period hard delete.
type DeletedForEveryone struct {
	By           int
	At           time.Time
	GraceUntil   time.Time
	Retries      int
	DeadLettered bool
}

// HardDeleted always carries the delete-for-everyone that scheduled it.
type HardDeleted struct {
	Everyone DeletedForEveryone
	At       time.Time
}

func (NotDeleted) deletionState()         {}
func (DeletedForEveryone) deletionState() {}
func (HardDeleted) deletionState()        {}

// ExpiryState tracks disappearing-message expiry.
// Implementations: NoExpiry, ExpiresAt, Expired.
type ExpiryState interface {
	expiryState()
}

type NoExpiry struct{}

type ExpiresAt struct {
	At time.Time
}

// Expired means the content was scrubbed by the retention sweep.
type Expired struct {
	At         time.Time
	ScrubbedAt time.Time
}

func (NoExpiry) expiryState()  {}
func (ExpiresAt) expiryState() {}
func (Expired) expiryState()   {}

// Message is a single message in a conversation.
type Message struct {
	ID             int
	ConversationID int
	SenderID       int
	CorrelationID  string
	Type           MessageType
	Content        Envelope
	MediaRef       string
	CreatedAt      time.Time
	Status         DeliveryStatus
	ReadBy         []ReadReceipt
	HiddenFor      []UserDeletion
	Deletion       DeletionState
	Expiry         ExpiryState
	// Aggregated is set once the conversation counters and summary reflect this message.
	Aggregated bool
}

// Frozen reports whether the delivery status can no longer change.
func (m Message) Frozen() bool {
	switch m.Deletion.(type) {
	case DeletedForEveryone, HardDeleted:
		return true
	}
	return false
}

// Scrubbed reports whether the content has been irrecoverably cleared.
func (m Message) Scrubbed() bool {
	if _, ok := m.Deletion.(HardDeleted); ok {
		return true
	}
	_, ok := m.Expiry.(Expired)
	return ok
}

// ExpiredBy reports whether the message has expired at now, whether or not
// the retention sweep has scrubbed it yet.
func (m Message) ExpiredBy(now time.Time) (time.Time, bool) {
	switch e := m.Expiry.(type) {
	case Expired:
		return e.At, true
	case ExpiresAt:
		if !e.At.After(now) {
			return e.At, true
		}
	}
	return time.Time{}, false
}

// HiddenForUser reports whether userID deleted the message for themselves.
func (m Message) HiddenForUser(userID int) bool {
	for _, d := range m.HiddenFor {
		if d.UserID == userID {
			return true
		}
	}
	return false
}

// ReadByUser reports whether userID has a read receipt for the message.
func (m Message) ReadByUser(userID int) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// EveryoneDeletion returns the delete-for-everyone record, if any.
func (m Message) EveryoneDeletion() (DeletedForEveryone, bool) {
	switch d := m.Deletion.(type) {
	case DeletedForEveryone:
		return d, true
	case HardDeleted:
		return d.Everyone, true
	}
	return DeletedForEveryone{}, false
}
