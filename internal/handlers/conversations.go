package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ConversationHandler serves conversation endpoints.
type ConversationHandler struct {
	svc MessagingService
}

func NewConversationHandler(svc MessagingService) *ConversationHandler {
	return &ConversationHandler{svc: svc}
}

// List returns the caller's conversations with unread counts and previews.
func (h *ConversationHandler) List(c *gin.Context) {
	views, err := h.svc.ListConversations(c.Request.Context(), currentUser(c), pageFromQuery(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": views})
}

// CreateOrGet returns the direct conversation with participant_id, creating
// it when the access gate allows.
func (h *ConversationHandler) CreateOrGet(c *gin.Context) {
	var req struct {
		ParticipantID int `json:"participant_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	view, created, err := h.svc.CreateOrGetConversation(c.Request.Context(), currentUser(c), req.ParticipantID)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, view)
}

// CreateGroup creates a group administered by the caller.
func (h *ConversationHandler) CreateGroup(c *gin.Context) {
	var req struct {
		Name      string `json:"name" binding:"required"`
		MemberIDs []int  `json:"member_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	view, err := h.svc.CreateGroup(c.Request.Context(), currentUser(c), req.Name, req.MemberIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

// Update toggles the conversation's active flag.
func (h *ConversationHandler) Update(c *gin.Context) {
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		IsActive *bool `json:"is_active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.IsActive == nil {
		badRequest(c, "is_active is required")
		return
	}

	view, err := h.svc.SetConversationActive(c.Request.Context(), convID, currentUser(c), *req.IsActive)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// MarkRead marks messages of the conversation as read. An empty body marks
// everything read.
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		MessageIDs []int `json:"message_ids"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	if err := h.svc.MarkRead(c.Request.Context(), convID, currentUser(c), req.MessageIDs); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
