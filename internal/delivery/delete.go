package delivery

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"dm-service/internal/apperr"
	"dm-service/internal/models"
	"dm-service/internal/telemetry"
)

// DeleteMessage hides a message for userID or deletes it for everyone.
// Both modes are idempotent.
func (c *Coordinator) DeleteMessage(ctx context.Context, messageID, userID int, mode models.DeleteMode) error {
	ctx, span := c.tracer.Start(ctx, "delivery.DeleteMessage")
	defer span.End()
	span.SetAttributes(attribute.Int("message_id", messageID), attribute.String("mode", string(mode)))

	if mode != models.DeleteForMe && mode != models.DeleteForEveryone {
		return apperr.InvalidArg("mode must be for_me or for_everyone")
	}

	msg, err := c.messages.GetMessage(ctx, messageID)
	if err != nil {
		return storeError(err, "load message")
	}
	conv, err := c.conversations.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return storeError(err, "load conversation")
	}
	if !conv.HasParticipant(userID) {
		return apperr.NotFound("message not found")
	}

	now := c.now().UTC()
	if mode == models.DeleteForMe {
		if err := c.messages.HideForUser(ctx, msg.ID, userID, now); err != nil {
			return storeError(err, "hide message")
		}
		return nil
	}
	return c.deleteForEveryone(ctx, conv, msg, userID, now)
}

func (c *Coordinator) deleteForEveryone(ctx context.Context, conv models.Conversation, msg models.Message, userID int, now time.Time) error {
	moderator := conv.IsGroup && conv.AdminID == userID
	if msg.SenderID != userID && !moderator {
		return apperr.Forbidden("only the sender can delete for everyone")
	}
	if _, deleted := msg.EveryoneDeletion(); deleted {
		return nil
	}
	if _, expired := msg.ExpiredBy(now); expired {
		return apperr.Expired("message expired")
	}
	if c.opts.DeleteWindow > 0 && now.Sub(msg.CreatedAt) > c.opts.DeleteWindow {
		return apperr.Forbidden("delete window elapsed")
	}

	changed, err := c.messages.MarkDeletedForEveryone(ctx, msg.ID, userID, now, now.Add(c.opts.GracePeriod))
	if err != nil {
		return storeError(err, "delete message")
	}
	if !changed {
		return nil
	}

	c.log.WithFields(logrus.Fields{
		"conversation_id": conv.ID,
		"message_id":      msg.ID,
		"user_id":         userID,
		"moderator":       moderator && msg.SenderID != userID,
	}).Info("message deleted for everyone")

	c.emit(ctx, models.Event{
		Type:           models.EventMessageDeleted,
		ConversationID: conv.ID,
		UserID:         userID,
		MessageID:      msg.ID,
	})
	c.auditor.Emit(ctx, telemetry.AuditRecord{
		Level:          "INFO",
		Action:         "message.deleted_for_everyone",
		Text:           "message deleted for everyone, hard delete queued",
		ActorID:        userID,
		MessageID:      msg.ID,
		ConversationID: conv.ID,
	})
	return nil
}
