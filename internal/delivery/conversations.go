package delivery

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"dm-service/internal/apperr"
	"dm-service/internal/models"
	"dm-service/internal/repositories"
)

// CreateOrGetConversation returns the pair conversation between userID and
// participantID, creating it when the access gate allows.
func (c *Coordinator) CreateOrGetConversation(ctx context.Context, userID, participantID int) (models.ConversationView, bool, error) {
	if participantID <= 0 {
		return models.ConversationView{}, false, apperr.InvalidArg("participant id is required")
	}
	if participantID == userID {
		return models.ConversationView{}, false, apperr.InvalidArg("cannot message yourself")
	}

	conv, created, err := c.directConversation(ctx, userID, participantID)
	if err != nil {
		return models.ConversationView{}, false, err
	}
	return c.withPreview(ctx, conv, userID), created, nil
}

// CreateGroup creates a group conversation administered by adminID. Each
// member must be reachable by the admin through the access gate.
func (c *Coordinator) CreateGroup(ctx context.Context, adminID int, name string, memberIDs []int) (models.ConversationView, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.ConversationView{}, apperr.InvalidArg("group name is required")
	}

	members := map[int]struct{}{}
	for _, id := range memberIDs {
		if id > 0 && id != adminID {
			members[id] = struct{}{}
		}
	}
	if len(members) == 0 {
		return models.ConversationView{}, apperr.InvalidArg("a group needs at least one other member")
	}

	ids := make([]int, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if decision := c.gate.CanMessage(ctx, adminID, id, nil); !decision.Allowed {
			return models.ConversationView{}, denial(decision)
		}
	}

	conv, err := c.conversations.CreateGroup(ctx, adminID, name, ids, c.sealer.Enabled())
	if err != nil {
		return models.ConversationView{}, storeError(err, "create group")
	}
	c.log.WithFields(logrus.Fields{"conversation_id": conv.ID, "admin_id": adminID, "members": len(conv.Participants)}).Info("group created")
	return c.view(ctx, conv, adminID, nil), nil
}

// ListConversations returns userID's conversations with their unread count
// and a preview of the newest message rendered for userID.
func (c *Coordinator) ListConversations(ctx context.Context, userID int, page Page) ([]models.ConversationView, error) {
	limit, offset := c.bounds(page)
	convs, err := c.conversations.ListForUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, storeError(err, "list conversations")
	}

	var lastIDs []int
	for _, conv := range convs {
		if conv.LastMessage != nil {
			lastIDs = append(lastIDs, conv.LastMessage.MessageID)
		}
	}
	last, err := c.messages.GetMany(ctx, lastIDs)
	if err != nil {
		return nil, storeError(err, "load previews")
	}

	out := make([]models.ConversationView, 0, len(convs))
	for _, conv := range convs {
		var preview *models.Message
		if conv.LastMessage != nil {
			if m, ok := last[conv.LastMessage.MessageID]; ok {
				preview = &m
			}
		}
		out = append(out, c.view(ctx, conv, userID, preview))
	}
	return out, nil
}

// SetConversationActive toggles the conversation's active flag. Groups can
// only be toggled by their admin; inactive conversations stay readable but
// reject new messages.
func (c *Coordinator) SetConversationActive(ctx context.Context, conversationID, userID int, active bool) (models.ConversationView, error) {
	conv, err := c.participantConversation(ctx, conversationID, userID)
	if err != nil {
		return models.ConversationView{}, err
	}
	if conv.IsGroup && conv.AdminID != userID {
		return models.ConversationView{}, apperr.Forbidden("only the group admin can change the conversation state")
	}
	if err := c.conversations.SetActive(ctx, conv.ID, active); err != nil {
		return models.ConversationView{}, storeError(err, "update conversation")
	}
	conv.IsActive = active
	c.log.WithFields(logrus.Fields{"conversation_id": conv.ID, "user_id": userID, "active": active}).Info("conversation state changed")
	return c.withPreview(ctx, conv, userID), nil
}

// Reconcile recomputes a conversation's unread counters and summary from its
// messages. It is the explicit repair path for drifted aggregates.
func (c *Coordinator) Reconcile(ctx context.Context, conversationID int) (models.Conversation, error) {
	conv, err := c.conversations.Reconcile(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, storeError(err, "reconcile conversation")
	}
	c.log.WithField("conversation_id", conv.ID).Info("conversation reconciled")
	return conv, nil
}

// IsParticipant reports whether userID belongs to the conversation.
func (c *Coordinator) IsParticipant(ctx context.Context, conversationID, userID int) (bool, error) {
	conv, err := c.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, repositories.ErrConversationNotFound) {
			return false, nil
		}
		return false, storeError(err, "load conversation")
	}
	return conv.HasParticipant(userID), nil
}

func (c *Coordinator) withPreview(ctx context.Context, conv models.Conversation, viewerID int) models.ConversationView {
	if conv.LastMessage == nil {
		return c.view(ctx, conv, viewerID, nil)
	}
	m, err := c.messages.GetMessage(ctx, conv.LastMessage.MessageID)
	if err != nil {
		c.log.WithError(err).WithField("conversation_id", conv.ID).Warn("preview lookup failed")
		return c.view(ctx, conv, viewerID, nil)
	}
	return c.view(ctx, conv, viewerID, &m)
}
