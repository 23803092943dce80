package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dm-service/internal/apperr"
	"dm-service/internal/delivery"
	"dm-service/internal/logging"
	"dm-service/internal/middleware"
	"dm-service/internal/models"
	"dm-service/internal/observability"
)

// MessagingService is the coordinator surface exposed over HTTP.
type MessagingService interface {
	ListConversations(ctx context.Context, userID int, page delivery.Page) ([]models.ConversationView, error)
	CreateOrGetConversation(ctx context.Context, userID, participantID int) (models.ConversationView, bool, error)
	CreateGroup(ctx context.Context, adminID int, name string, memberIDs []int) (models.ConversationView, error)
	SetConversationActive(ctx context.Context, conversationID, userID int, active bool) (models.ConversationView, error)
	ListMessages(ctx context.Context, conversationID, userID int, page delivery.Page) ([]models.DisplayMessage, error)
	Send(ctx context.Context, in delivery.SendInput) (models.DisplayMessage, error)
	MarkRead(ctx context.Context, conversationID, userID int, messageIDs []int) error
	Acknowledge(ctx context.Context, userID, messageID int) error
	DeleteMessage(ctx context.Context, messageID, userID int, mode models.DeleteMode) error
	Reconcile(ctx context.Context, conversationID int) (models.Conversation, error)
}

var log = logging.For("handlers")

// statusFor maps an application error code to its HTTP status.
func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeForbidden:
		return http.StatusForbidden
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeConflict:
		return http.StatusConflict
	case apperr.CodeExpired:
		return http.StatusGone
	case apperr.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperr.CodeUnauthenticated:
		return http.StatusUnauthorized
	case apperr.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	status := statusFor(code)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.WithError(err).WithFields(logrus.Fields{
			"path":       c.FullPath(),
			"request_id": requestIDFromContext(c),
		}).Error("request failed")
		message = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": message, "code": code})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg, "code": apperr.CodeInvalidArgument})
}

func pathID(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return id, true
}

func pageFromQuery(c *gin.Context) delivery.Page {
	number, _ := strconv.Atoi(c.Query("page"))
	size, _ := strconv.Atoi(c.Query("page_size"))
	return delivery.Page{Number: number, Size: size}
}

func currentUser(c *gin.Context) int {
	return c.GetInt(middleware.UserIDKey)
}

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(observability.RequestIDKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(observability.RequestIDKey, requestID)
	return requestID
}
