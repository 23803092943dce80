package delivery

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"dm-service/internal/apperr"
	"dm-service/internal/models"
	"dm-service/internal/repositories"
)

// ListMessages returns one page of the conversation in chronological order,
// rendered for userID.
func (c *Coordinator) ListMessages(ctx context.Context, conversationID, userID int, page Page) ([]models.DisplayMessage, error) {
	conv, err := c.participantConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}

	limit, offset := c.bounds(page)
	msgs, err := c.messages.List(ctx, conv.ID, userID, limit, offset)
	if err != nil {
		return nil, storeError(err, "list messages")
	}

	open := c.sealer.Opener(ctx, conv.ID)
	now := c.now().UTC()
	out := make([]models.DisplayMessage, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		rendered, visible, err := models.Render(msgs[i], userID, now, open)
		if err != nil {
			return nil, apperr.Internal("decrypt message", err)
		}
		if visible {
			out = append(out, rendered)
		}
	}
	return out, nil
}

// MarkRead records userID's read receipts and moves their read watermark.
// Without message ids everything applied so far is read; a message whose
// aggregate commits afterwards stays unread. With ids the watermark moves to
// the largest valid id, and every message it passes gets a receipt along
// with the listed ids.
func (c *Coordinator) MarkRead(ctx context.Context, conversationID, userID int, messageIDs []int) error {
	ctx, span := c.tracer.Start(ctx, "delivery.MarkRead")
	defer span.End()
	span.SetAttributes(attribute.Int("conversation_id", conversationID), attribute.Int("user_id", userID))

	conv, err := c.participantConversation(ctx, conversationID, userID)
	if err != nil {
		return err
	}

	var valid []int
	upTo := 0
	if len(messageIDs) > 0 {
		found, err := c.messages.GetMany(ctx, messageIDs)
		if err != nil {
			return storeError(err, "load messages")
		}
		for _, id := range messageIDs {
			m, ok := found[id]
			if !ok || m.ConversationID != conv.ID {
				continue
			}
			valid = append(valid, id)
			if id > upTo {
				upTo = id
			}
		}
		if len(valid) == 0 {
			return apperr.NotFound("message not found")
		}
	}

	mark, err := c.conversations.MarkRead(ctx, conv.ID, userID, upTo)
	if err != nil {
		return storeError(err, "update read watermark")
	}

	sel := repositories.ReadSelection{IDs: valid, AfterID: mark.Previous, UpToID: mark.Current}
	if len(valid) == 0 && mark.Current == mark.Previous {
		return nil
	}
	changes, err := c.messages.AddReadReceipts(ctx, conv.ID, userID, sel, c.now().UTC(), !conv.IsGroup)
	if err != nil {
		return storeError(err, "record read receipts")
	}

	c.log.WithFields(logrus.Fields{
		"conversation_id": conv.ID,
		"user_id":         userID,
		"watermark":       mark.Current,
		"unread":          mark.Unread,
	}).Debug("conversation marked read")

	for _, change := range changes {
		c.emit(ctx, models.Event{
			Type:           models.EventMessageStatus,
			ConversationID: conv.ID,
			UserID:         userID,
			MessageID:      change.MessageID,
			Status:         change.Status,
		})
	}
	return nil
}

// Acknowledge records that a recipient session received a message, moving
// it from sent to delivered. Acks from the sender and repeated acks are no-ops.
func (c *Coordinator) Acknowledge(ctx context.Context, userID, messageID int) error {
	msg, err := c.messages.GetMessage(ctx, messageID)
	if err != nil {
		return storeError(err, "load message")
	}
	if _, err := c.participantConversation(ctx, msg.ConversationID, userID); err != nil {
		return err
	}
	if msg.SenderID == userID || msg.Frozen() {
		return nil
	}

	advanced, err := c.messages.AdvanceStatus(ctx, msg.ID, []models.DeliveryStatus{models.StatusSent}, models.StatusDelivered)
	if err != nil {
		return storeError(err, "advance status")
	}
	if advanced {
		c.emit(ctx, models.Event{
			Type:           models.EventMessageStatus,
			ConversationID: msg.ConversationID,
			UserID:         userID,
			MessageID:      msg.ID,
			Status:         models.StatusDelivered,
		})
	}
	return nil
}
