package handlers

import (
	"github.com/gin-gonic/gin"

	"dm-service/internal/middleware"
)

// Routes bundles what the HTTP surface needs.
type Routes struct {
	Service    MessagingService
	Verifier   middleware.TokenVerifier
	Limiter    *middleware.LimiterStore
	Auditor    Auditor
	AdminToken string
	WebSocket  gin.HandlerFunc
}

// Register wires every API route onto router.
func Register(router gin.IRouter, rt Routes) {
	conversations := NewConversationHandler(rt.Service)
	messages := NewMessageHandler(rt.Service)
	admin := NewAdminHandler(rt.Service, rt.Auditor)

	if rt.WebSocket != nil {
		router.GET("/ws", rt.WebSocket)
	}

	api := router.Group("/")
	api.Use(middleware.AuthMiddleware(rt.Verifier))

	send := []gin.HandlerFunc{}
	if rt.Limiter != nil {
		send = append(send, middleware.RateLimit(rt.Limiter))
	}

	api.GET("/conversations", conversations.List)
	api.POST("/conversations", conversations.CreateOrGet)
	api.POST("/conversations/groups", conversations.CreateGroup)
	api.PATCH("/conversations/:id", conversations.Update)
	api.GET("/conversations/:id/messages", messages.List)
	api.POST("/conversations/:id/messages", append(send, messages.SendToConversation)...)
	api.POST("/conversations/:id/read", conversations.MarkRead)
	api.POST("/messages", append(send, messages.SendToRecipient)...)
	api.POST("/messages/:id/ack", messages.Acknowledge)
	api.DELETE("/messages/:id", messages.Delete)

	ops := router.Group("/admin")
	ops.Use(middleware.AdminMiddleware(rt.AdminToken))
	ops.POST("/conversations/:id/reconcile", admin.Reconcile)
}
