package delivery

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"dm-service/internal/apperr"
	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/repositories"
)

// SendInput addresses a message either to an existing conversation or to a
// recipient, in which case the pair conversation is resolved or created.
type SendInput struct {
	SenderID       int
	ConversationID int
	RecipientID    int
	CorrelationID  string
	Type           models.MessageType
	Content        string
	MediaRef       string
	ExpiresIn      time.Duration
}

func (in *SendInput) validate() error {
	in.CorrelationID = strings.TrimSpace(in.CorrelationID)
	if in.CorrelationID == "" {
		return apperr.InvalidArg("correlation id is required")
	}
	if (in.ConversationID == 0) == (in.RecipientID == 0) {
		return apperr.InvalidArg("exactly one of conversation id and recipient id is required")
	}
	if in.RecipientID == in.SenderID {
		return apperr.InvalidArg("cannot message yourself")
	}
	if in.Type == "" {
		in.Type = models.TypeText
	}
	if !in.Type.Valid() {
		return apperr.InvalidArg("unknown message type")
	}
	if in.Type.IsMedia() && in.MediaRef == "" {
		return apperr.InvalidArg("media messages require a media reference")
	}
	if !in.Type.IsMedia() && strings.TrimSpace(in.Content) == "" {
		return apperr.InvalidArg("content is required")
	}
	if in.ExpiresIn < 0 {
		return apperr.InvalidArg("expiry must be positive")
	}
	return nil
}

// Send persists a message and fans it out. A repeated correlation id returns
// the message created by the first attempt and completes its aggregate.
func (c *Coordinator) Send(ctx context.Context, in SendInput) (msg models.DisplayMessage, err error) {
	ctx, span := c.tracer.Start(ctx, "delivery.Send")
	defer span.End()
	defer func() {
		if err != nil {
			observability.IncSendFailure(string(apperr.CodeOf(err)))
			span.RecordError(err)
			span.SetStatus(codes.Error, string(apperr.CodeOf(err)))
		}
	}()

	if err := in.validate(); err != nil {
		return models.DisplayMessage{}, err
	}
	span.SetAttributes(attribute.Int("sender_id", in.SenderID), attribute.String("message_type", string(in.Type)))

	existing, err := c.messages.GetByCorrelation(ctx, in.SenderID, in.CorrelationID)
	switch {
	case err == nil:
		return c.resume(ctx, in, existing)
	case !errors.Is(err, repositories.ErrMessageNotFound):
		return models.DisplayMessage{}, storeError(err, "lookup correlation id")
	}

	conv, err := c.resolveConversation(ctx, in)
	if err != nil {
		return models.DisplayMessage{}, err
	}
	span.SetAttributes(attribute.Int("conversation_id", conv.ID))

	recipientID, _ := conv.Peer(in.SenderID)
	if decision := c.gate.CanMessage(ctx, in.SenderID, recipientID, &conv); !decision.Allowed {
		return models.DisplayMessage{}, denial(decision)
	}

	envelope, err := c.sealer.Seal(ctx, conv, in.Content)
	if err != nil {
		return models.DisplayMessage{}, apperr.Internal("encrypt content", err)
	}

	draft := models.Message{
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		CorrelationID:  in.CorrelationID,
		Type:           in.Type,
		Content:        envelope,
		MediaRef:       in.MediaRef,
		CreatedAt:      c.now().UTC(),
		Expiry:         models.NoExpiry{},
	}
	if in.ExpiresIn > 0 {
		draft.Expiry = models.ExpiresAt{At: draft.CreatedAt.Add(in.ExpiresIn)}
	}

	stored, created, err := c.messages.Append(ctx, draft)
	if err != nil {
		return models.DisplayMessage{}, storeError(err, "persist message")
	}
	if created {
		observability.IncMessageSent(string(stored.Type))
	}
	return c.complete(ctx, conv, stored, false)
}

// resume handles a retried send whose correlation id is already persisted.
func (c *Coordinator) resume(ctx context.Context, in SendInput, existing models.Message) (models.DisplayMessage, error) {
	conv, err := c.conversations.GetConversation(ctx, existing.ConversationID)
	if err != nil {
		return models.DisplayMessage{}, storeError(err, "load conversation")
	}
	if in.ConversationID != 0 && in.ConversationID != conv.ID {
		return models.DisplayMessage{}, apperr.Conflict("correlation id already used in another conversation")
	}
	if in.RecipientID != 0 && (conv.IsGroup || !conv.HasParticipant(in.RecipientID)) {
		return models.DisplayMessage{}, apperr.Conflict("correlation id already used in another conversation")
	}
	return c.complete(ctx, conv, existing, true)
}

// complete applies the conversation aggregate and fans the message out when
// the aggregate applied now or the send is a retry. A retry may follow a
// reconcile that applied the aggregate without a push; sessions drop
// duplicate message ids.
func (c *Coordinator) complete(ctx context.Context, conv models.Conversation, stored models.Message, retried bool) (models.DisplayMessage, error) {
	fields := logrus.Fields{"conversation_id": conv.ID, "message_id": stored.ID, "sender_id": stored.SenderID}

	applied, err := c.conversations.ApplyMessage(ctx, stored)
	if err != nil {
		c.log.WithError(err).WithFields(fields).Error("aggregate update failed, left for reconciliation")
		return models.DisplayMessage{}, apperr.Internal("update conversation aggregate", err)
	}

	now := c.now().UTC()
	out, _, err := models.Render(stored, stored.SenderID, now, c.sealer.Opener(ctx, conv.ID))
	if err != nil {
		return models.DisplayMessage{}, apperr.Internal("render message", err)
	}

	if applied {
		c.log.WithFields(fields).Debug("message delivered to conversation")
	}
	if applied || retried {
		if err := c.Announce(ctx, stored); err != nil {
			c.log.WithError(err).WithFields(fields).Warn("fan-out render failed")
		}
	}
	return out, nil
}

// Announce pushes message.created for a persisted message to the
// conversation's sessions.
func (c *Coordinator) Announce(ctx context.Context, stored models.Message) error {
	pushed, err := c.render(ctx, stored)
	if err != nil {
		return err
	}
	c.emit(ctx, models.Event{
		Type:           models.EventMessageCreated,
		ConversationID: stored.ConversationID,
		UserID:         stored.SenderID,
		MessageID:      stored.ID,
		Message:        pushed,
		At:             stored.CreatedAt,
	})
	return nil
}

// FanoutMessage renders a message for sessions on another instance that
// received only its id.
func (c *Coordinator) FanoutMessage(ctx context.Context, messageID int) (*models.DisplayMessage, error) {
	stored, err := c.messages.GetMessage(ctx, messageID)
	if err != nil {
		return nil, storeError(err, "load message")
	}
	return c.render(ctx, stored)
}

// render builds the viewer-neutral form pushed to every session.
func (c *Coordinator) render(ctx context.Context, stored models.Message) (*models.DisplayMessage, error) {
	pushed, _, err := models.Render(stored, 0, c.now().UTC(), c.sealer.Opener(ctx, stored.ConversationID))
	if err != nil {
		return nil, apperr.Internal("render message", err)
	}
	return &pushed, nil
}

// resolveConversation loads the addressed conversation or, for a recipient,
// reuses or creates the pair conversation.
func (c *Coordinator) resolveConversation(ctx context.Context, in SendInput) (models.Conversation, error) {
	if in.ConversationID != 0 {
		conv, err := c.conversations.GetConversation(ctx, in.ConversationID)
		if err != nil {
			return models.Conversation{}, storeError(err, "load conversation")
		}
		return conv, nil
	}
	conv, _, err := c.directConversation(ctx, in.SenderID, in.RecipientID)
	return conv, err
}

// directConversation returns the pair conversation, creating it when the
// gate allows. A concurrent creation resolves to the winner's row.
func (c *Coordinator) directConversation(ctx context.Context, userID, peerID int) (models.Conversation, bool, error) {
	conv, err := c.conversations.GetDirect(ctx, userID, peerID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, repositories.ErrConversationNotFound) {
		return models.Conversation{}, false, storeError(err, "load conversation")
	}

	if decision := c.gate.CanMessage(ctx, userID, peerID, nil); !decision.Allowed {
		return models.Conversation{}, false, denial(decision)
	}

	conv, err = c.conversations.CreateDirect(ctx, userID, peerID, c.sealer.Enabled())
	if errors.Is(err, repositories.ErrDuplicateConversation) {
		conv, err = c.conversations.GetDirect(ctx, userID, peerID)
		if err != nil {
			return models.Conversation{}, false, storeError(err, "load conversation")
		}
		return conv, false, nil
	}
	if err != nil {
		return models.Conversation{}, false, storeError(err, "create conversation")
	}
	c.log.WithFields(logrus.Fields{"conversation_id": conv.ID, "user_id": userID, "peer_id": peerID}).Info("conversation created")
	return conv, true, nil
}
