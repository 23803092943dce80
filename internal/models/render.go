package models

import "time"

type TombstoneReason string

const (
	TombstoneDeleted TombstoneReason = "deleted"
	TombstoneExpired TombstoneReason = "expired"
)

// Tombstone replaces the content of a message the viewer may no longer see.
type Tombstone struct {
	Reason TombstoneReason `json:"reason"`
	At     time.Time       `json:"at"`
}

// DisplayMessage is a message rendered for a specific viewer.
type DisplayMessage struct {
	ID                 int            `json:"id"`
	ConversationID     int            `json:"conversation_id"`
	SenderID           int            `json:"sender_id"`
	CorrelationID      string         `json:"correlation_id,omitempty"`
	Type               MessageType    `json:"type"`
	Content            string         `json:"content,omitempty"`
	MediaRef           string         `json:"media_ref,omitempty"`
	Status             DeliveryStatus `json:"status"`
	ReadBy             []ReadReceipt  `json:"read_by,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	ExpiresAt          *time.Time     `json:"expires_at,omitempty"`
	DeletedForEveryone bool           `json:"deleted_for_everyone,omitempty"`
	Tombstone          *Tombstone     `json:"tombstone,omitempty"`
}

// Opener turns an envelope back into plaintext.
type Opener func(Envelope) (string, error)

// Render applies per-viewer visibility rules at now. It reports false when
// the message is absent from the viewer's list. open is only called when the
// viewer is allowed to see the content; a message past its expiry is a
// tombstone even before the sweep scrubs it.
func Render(m Message, viewerID int, now time.Time, open Opener) (DisplayMessage, bool, error) {
	if m.HiddenForUser(viewerID) {
		return DisplayMessage{}, false, nil
	}

	out := DisplayMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Type:           m.Type,
		Status:         m.Status,
		ReadBy:         m.ReadBy,
		CreatedAt:      m.CreatedAt,
	}
	if viewerID == m.SenderID {
		out.CorrelationID = m.CorrelationID
	}

	switch d := m.Deletion.(type) {
	case HardDeleted:
		out.DeletedForEveryone = true
		out.Tombstone = &Tombstone{Reason: TombstoneDeleted, At: d.Everyone.At}
	case DeletedForEveryone:
		out.DeletedForEveryone = true
		if viewerID != m.SenderID {
			out.Tombstone = &Tombstone{Reason: TombstoneDeleted, At: d.At}
		}
	}

	if at, expired := m.ExpiredBy(now); expired {
		if out.Tombstone == nil {
			out.Tombstone = &Tombstone{Reason: TombstoneExpired, At: at}
		}
	} else if e, ok := m.Expiry.(ExpiresAt); ok {
		at := e.At
		out.ExpiresAt = &at
	}

	if out.Tombstone != nil || m.Scrubbed() {
		return out, true, nil
	}

	out.MediaRef = m.MediaRef
	if !m.Content.Empty() {
		text, err := open(m.Content)
		if err != nil {
			return DisplayMessage{}, false, err
		}
		out.Content = text
	}
	return out, true, nil
}
