package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"dm-service/internal/telemetry"
)

// Auditor records operator actions.
type Auditor interface {
	Emit(ctx context.Context, rec telemetry.AuditRecord)
}

// AdminHandler serves operator endpoints.
type AdminHandler struct {
	svc     MessagingService
	auditor Auditor
}

func NewAdminHandler(svc MessagingService, auditor Auditor) *AdminHandler {
	return &AdminHandler{svc: svc, auditor: auditor}
}

// Reconcile recomputes a conversation's unread counters and summary.
func (h *AdminHandler) Reconcile(c *gin.Context) {
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}
	conv, err := h.svc.Reconcile(c.Request.Context(), convID)
	if err != nil {
		respondError(c, err)
		return
	}
	if h.auditor != nil {
		h.auditor.Emit(c.Request.Context(), telemetry.AuditRecord{
			Level:          "INFO",
			Action:         "conversation.reconciled",
			Text:           "conversation aggregates recomputed",
			RequestID:      requestIDFromContext(c),
			ConversationID: conv.ID,
		})
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv, "unread": conv.Unread})
}
