package repositories

import (
	"context"
	"errors"
	"time"

	"dm-service/internal/models"
)

var (
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrMessageNotFound       = errors.New("message not found")
	ErrDuplicateConversation = errors.New("conversation already exists for pair")
)

// ConversationRepository owns conversation rows: membership, per-participant
// unread counters and the last-message summary. Counters are maintained
// incrementally under a per-conversation lock.
type ConversationRepository interface {
	CreateDirect(ctx context.Context, userA, userB int, encrypted bool) (models.Conversation, error)
	GetDirect(ctx context.Context, userA, userB int) (models.Conversation, error)
	CreateGroup(ctx context.Context, adminID int, name string, memberIDs []int, encrypted bool) (models.Conversation, error)
	GetConversation(ctx context.Context, conversationID int) (models.Conversation, error)
	ListForUser(ctx context.Context, userID int, limit, offset int) ([]models.Conversation, error)
	SetActive(ctx context.Context, conversationID int, active bool) error

	// ApplyMessage folds a persisted message into the conversation aggregates
	// exactly once. It reports false when the message was already applied.
	ApplyMessage(ctx context.Context, msg models.Message) (bool, error)
	// MarkRead moves userID's read watermark forward to upTo, or to the newest
	// applied message when upTo is zero, and recomputes the unread counter
	// from the watermark. It returns the previous and the new watermark.
	MarkRead(ctx context.Context, conversationID, userID, upTo int) (ReadMark, error)
	// Reconcile applies pending messages and recomputes every counter and the
	// summary from message rows.
	Reconcile(ctx context.Context, conversationID int) (models.Conversation, error)
}

// ReadMark is the watermark movement produced by MarkRead.
type ReadMark struct {
	Previous int
	Current  int
	Unread   int
}

// ReadSelection picks the messages a read receipt applies to: the explicit
// ids together with the id range (AfterID, UpToID].
type ReadSelection struct {
	IDs     []int
	AfterID int
	UpToID  int
}

// StatusChange is a delivery status advance applied by the store.
type StatusChange struct {
	MessageID int
	Status    models.DeliveryStatus
}

// ExpiredMessage describes a message scrubbed by an expiry sweep.
type ExpiredMessage struct {
	ID             int
	ConversationID int
	MediaRef       string
}

// MessageRepository owns message rows: content envelope, delivery status,
// read receipts and deletion metadata.
type MessageRepository interface {
	// Append persists msg with status sent. A second append with the same
	// (sender, correlation id) returns the existing row and created=false.
	Append(ctx context.Context, msg models.Message) (models.Message, bool, error)
	GetByCorrelation(ctx context.Context, senderID int, correlationID string) (models.Message, error)
	GetMessage(ctx context.Context, messageID int) (models.Message, error)
	GetMany(ctx context.Context, messageIDs []int) (map[int]models.Message, error)
	// List returns one page of a conversation newest first, skipping messages
	// the viewer deleted for themselves.
	List(ctx context.Context, conversationID, viewerID, limit, offset int) ([]models.Message, error)

	AddReadReceipts(ctx context.Context, conversationID, userID int, sel ReadSelection, at time.Time, advance bool) ([]StatusChange, error)
	// AdvanceStatus moves a message that is not frozen from one of from to next.
	AdvanceStatus(ctx context.Context, messageID int, from []models.DeliveryStatus, next models.DeliveryStatus) (bool, error)

	HideForUser(ctx context.Context, messageID, userID int, at time.Time) error
	// MarkDeletedForEveryone queues the message for hard deletion. It reports
	// false when the message was already deleted for everyone.
	MarkDeletedForEveryone(ctx context.Context, messageID, by int, at, graceUntil time.Time) (bool, error)

	ExpireDue(ctx context.Context, now time.Time, limit int) ([]ExpiredMessage, error)
	DueForHardDelete(ctx context.Context, now time.Time, limit int) ([]models.Message, error)
	HardDelete(ctx context.Context, messageID int, at time.Time) (bool, error)
	// RecordGraceFailure counts a failed hard-delete attempt and flags the
	// message dead-lettered once maxRetries is reached.
	RecordGraceFailure(ctx context.Context, messageID, maxRetries int) (int, bool, error)
	Unaggregated(ctx context.Context, createdBefore time.Time, limit int) ([]models.Message, error)
}
