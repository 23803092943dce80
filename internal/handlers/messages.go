package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"dm-service/internal/delivery"
	"dm-service/internal/models"
)

// MessageHandler serves message endpoints.
type MessageHandler struct {
	svc MessagingService
}

func NewMessageHandler(svc MessagingService) *MessageHandler {
	return &MessageHandler{svc: svc}
}

type sendRequest struct {
	RecipientID      int                `json:"recipient_id"`
	CorrelationID    string             `json:"correlation_id"`
	Type             models.MessageType `json:"type"`
	Content          string             `json:"content"`
	MediaRef         string             `json:"media_ref"`
	// Disappearing-message timers are capped at one year.
	ExpiresInSeconds int64              `json:"expires_in_seconds" binding:"min=0,max=31536000"`
}

func (r sendRequest) input(senderID, conversationID int, c *gin.Context) delivery.SendInput {
	corrID := r.CorrelationID
	if corrID == "" {
		corrID = c.GetHeader("Idempotency-Key")
	}
	return delivery.SendInput{
		SenderID:       senderID,
		ConversationID: conversationID,
		RecipientID:    r.RecipientID,
		CorrelationID:  corrID,
		Type:           r.Type,
		Content:        r.Content,
		MediaRef:       r.MediaRef,
		ExpiresIn:      time.Duration(r.ExpiresInSeconds) * time.Second,
	}
}

// List returns one page of the conversation, oldest first.
func (h *MessageHandler) List(c *gin.Context) {
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}
	msgs, err := h.svc.ListMessages(c.Request.Context(), convID, currentUser(c), pageFromQuery(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// SendToConversation posts a message to an existing conversation.
func (h *MessageHandler) SendToConversation(c *gin.Context) {
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	req.RecipientID = 0
	h.send(c, req.input(currentUser(c), convID, c))
}

// SendToRecipient posts a message to recipient_id, opening the direct
// conversation when needed.
func (h *MessageHandler) SendToRecipient(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	h.send(c, req.input(currentUser(c), 0, c))
}

func (h *MessageHandler) send(c *gin.Context, in delivery.SendInput) {
	msg, err := h.svc.Send(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// Acknowledge records delivery of a message to the caller.
func (h *MessageHandler) Acknowledge(c *gin.Context) {
	msgID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.svc.Acknowledge(c.Request.Context(), currentUser(c), msgID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Delete removes a message for the caller or for everyone.
func (h *MessageHandler) Delete(c *gin.Context) {
	msgID, ok := pathID(c, "id")
	if !ok {
		return
	}
	mode := models.DeleteMode(c.DefaultQuery("mode", string(models.DeleteForMe)))
	if err := h.svc.DeleteMessage(c.Request.Context(), msgID, currentUser(c), mode); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
