// Package delivery orchestrates sends, reads and deletions across the access
// gate, the encryptor, the stores and the real-time hub.
package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"dm-service/internal/access"
	"dm-service/internal/apperr"
	"dm-service/internal/logging"
	"dm-service/internal/models"
	"dm-service/internal/repositories"
	"dm-service/internal/telemetry"
)

// Gate answers whether a sender may message a recipient right now.
type Gate interface {
	CanMessage(ctx context.Context, senderID, recipientID int, conv *models.Conversation) access.Decision
}

// Sealer encrypts content for a conversation and opens it again.
type Sealer interface {
	Enabled() bool
	Seal(ctx context.Context, conv models.Conversation, plaintext string) (models.Envelope, error)
	Opener(ctx context.Context, conversationID int) models.Opener
}

// Broadcaster fans events out to the sessions subscribed to a conversation.
// Delivery is best effort and never fails the calling operation.
type Broadcaster interface {
	Broadcast(ctx context.Context, event models.Event)
}

// Auditor records irreversible actions.
type Auditor interface {
	Emit(ctx context.Context, rec telemetry.AuditRecord)
}

// Options tunes coordinator policy.
type Options struct {
	DeleteWindow    time.Duration
	GracePeriod     time.Duration
	DefaultPageSize int
	MaxPageSize     int
}

// Coordinator implements the messaging operations exposed over HTTP and
// websockets.
type Coordinator struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	gate          Gate
	sealer        Sealer
	broadcaster   Broadcaster
	auditor       Auditor
	opts          Options

	now    func() time.Time
	log    *logrus.Entry
	tracer trace.Tracer
}

// NewCoordinator wires a Coordinator. broadcaster and auditor may be nil.
func NewCoordinator(
	conversations repositories.ConversationRepository,
	messages repositories.MessageRepository,
	gate Gate,
	sealer Sealer,
	broadcaster Broadcaster,
	auditor Auditor,
	opts Options,
) *Coordinator {
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = 50
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = 200
	}
	if broadcaster == nil {
		broadcaster = noopBroadcaster{}
	}
	if auditor == nil {
		auditor = noopAuditor{}
	}
	return &Coordinator{
		conversations: conversations,
		messages:      messages,
		gate:          gate,
		sealer:        sealer,
		broadcaster:   broadcaster,
		auditor:       auditor,
		opts:          opts,
		now:           time.Now,
		log:           logging.For("delivery"),
		tracer:        otel.Tracer("dm-service/delivery"),
	}
}

// SetBroadcaster replaces the event sink. The hub and the coordinator
// reference each other, so one side is attached after construction.
func (c *Coordinator) SetBroadcaster(b Broadcaster) {
	if b == nil {
		b = noopBroadcaster{}
	}
	c.broadcaster = b
}

// SetClock replaces the coordinator clock.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Page selects a 1-based page of results.
type Page struct {
	Number int
	Size   int
}

func (c *Coordinator) bounds(p Page) (limit, offset int) {
	limit = p.Size
	if limit <= 0 {
		limit = c.opts.DefaultPageSize
	}
	if limit > c.opts.MaxPageSize {
		limit = c.opts.MaxPageSize
	}
	number := p.Number
	if number < 1 {
		number = 1
	}
	return limit, (number - 1) * limit
}

func (c *Coordinator) participantConversation(ctx context.Context, conversationID, userID int) (models.Conversation, error) {
	conv, err := c.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, storeError(err, "load conversation")
	}
	if !conv.HasParticipant(userID) {
		return models.Conversation{}, apperr.Forbidden(string(access.ReasonNotParticipant))
	}
	return conv, nil
}

func (c *Coordinator) view(ctx context.Context, conv models.Conversation, viewerID int, last *models.Message) models.ConversationView {
	v := models.ConversationView{
		ID:           conv.ID,
		IsGroup:      conv.IsGroup,
		Name:         conv.Name,
		AdminID:      conv.AdminID,
		Participants: conv.Participants,
		UnreadCount:  conv.Unread[viewerID],
		IsActive:     conv.IsActive,
		CreatedAt:    conv.CreatedAt,
	}
	if last == nil {
		return v
	}
	rendered, visible, err := models.Render(*last, viewerID, c.now().UTC(), c.sealer.Opener(ctx, conv.ID))
	if err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{
			"conversation_id": conv.ID,
			"message_id":      last.ID,
		}).Warn("preview render failed")
		return v
	}
	if visible {
		v.LastMessage = &rendered
	}
	return v
}

func (c *Coordinator) emit(ctx context.Context, event models.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = c.now().UTC()
	}
	c.broadcaster.Broadcast(ctx, event)
}

// storeError maps repository sentinels onto application errors.
func storeError(err error, op string) error {
	switch {
	case errors.Is(err, repositories.ErrConversationNotFound):
		return apperr.NotFound("conversation not found")
	case errors.Is(err, repositories.ErrMessageNotFound):
		return apperr.NotFound("message not found")
	case errors.Is(err, repositories.ErrDuplicateConversation):
		return apperr.Conflict("conversation already exists")
	}
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.Internal(op, err)
}

func denial(d access.Decision) error {
	return apperr.Forbidden(string(d.Reason))
}

type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(context.Context, models.Event) {}

type noopAuditor struct{}

func (noopAuditor) Emit(context.Context, telemetry.AuditRecord) {}
