package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"dm-service/internal/delivery"
	"dm-service/internal/models"
)

type MessagingServiceMock struct {
	mock.Mock
}

func (m *MessagingServiceMock) ListConversations(ctx context.Context, userID int, page delivery.Page) ([]models.ConversationView, error) {
	args := m.Called(ctx, userID, page)
	var list []models.ConversationView
	if val := args.Get(0); val != nil {
		list = val.([]models.ConversationView)
	}
	return list, args.Error(1)
}

func (m *MessagingServiceMock) CreateOrGetConversation(ctx context.Context, userID, participantID int) (models.ConversationView, bool, error) {
	args := m.Called(ctx, userID, participantID)
	var view models.ConversationView
	if val := args.Get(0); val != nil {
		view = val.(models.ConversationView)
	}
	return view, args.Bool(1), args.Error(2)
}

func (m *MessagingServiceMock) CreateGroup(ctx context.Context, adminID int, name string, memberIDs []int) (models.ConversationView, error) {
	args := m.Called(ctx, adminID, name, memberIDs)
	var view models.ConversationView
	if val := args.Get(0); val != nil {
		view = val.(models.ConversationView)
	}
	return view, args.Error(1)
}

func (m *MessagingServiceMock) SetConversationActive(ctx context.Context, conversationID, userID int, active bool) (models.ConversationView, error) {
	args := m.Called(ctx, conversationID, userID, active)
	var view models.ConversationView
	if val := args.Get(0); val != nil {
		view = val.(models.ConversationView)
	}
	return view, args.Error(1)
}

func (m *MessagingServiceMock) ListMessages(ctx context.Context, conversationID, userID int, page delivery.Page) ([]models.DisplayMessage, error) {
	args := m.Called(ctx, conversationID, userID, page)
	var list []models.DisplayMessage
	if val := args.Get(0); val != nil {
		list = val.([]models.DisplayMessage)
	}
	return list, args.Error(1)
}

func (m *MessagingServiceMock) Send(ctx context.Context, in delivery.SendInput) (models.DisplayMessage, error) {
	args := m.Called(ctx, in)
	var msg models.DisplayMessage
	if val := args.Get(0); val != nil {
		msg = val.(models.DisplayMessage)
	}
	return msg, args.Error(1)
}

func (m *MessagingServiceMock) MarkRead(ctx context.Context, conversationID, userID int, messageIDs []int) error {
	args := m.Called(ctx, conversationID, userID, messageIDs)
	return args.Error(0)
}

func (m *MessagingServiceMock) Acknowledge(ctx context.Context, userID, messageID int) error {
	args := m.Called(ctx, userID, messageID)
	return args.Error(0)
}

func (m *MessagingServiceMock) DeleteMessage(ctx context.Context, messageID, userID int, mode models.DeleteMode) error {
	args := m.Called(ctx, messageID, userID, mode)
	return args.Error(0)
}

func (m *MessagingServiceMock) Reconcile(ctx context.Context, conversationID int) (models.Conversation, error) {
	args := m.Called(ctx, conversationID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}
