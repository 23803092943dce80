package access

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"dm-service/internal/models"
)

type graphMock struct {
	mock.Mock
}

func (m *graphMock) IsMutuallyConnected(ctx context.Context, a, b int) (bool, error) {
	args := m.Called(ctx, a, b)
	return args.Bool(0), args.Error(1)
}

func (m *graphMock) MessagingPolicyOf(ctx context.Context, userID int) (Policy, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(Policy), args.Error(1)
}

func TestGateAllowsMutualConnections(t *testing.T) {
	graph := new(graphMock)
	graph.On("MessagingPolicyOf", mock.Anything, 2).Return(Policy{Mode: ModeConnections}, nil).Once()
	graph.On("MessagingPolicyOf", mock.Anything, 1).Return(Policy{Mode: ModeConnections}, nil).Once()
	graph.On("IsMutuallyConnected", mock.Anything, 1, 2).Return(true, nil).Once()

	d := NewGate(graph, time.Second, 0).CanMessage(context.Background(), 1, 2, nil)

	assert.True(t, d.Allowed)
	graph.AssertExpectations(t)
}

func TestGateDenials(t *testing.T) {
	cases := []struct {
		name       string
		recipient  Policy
		sender     Policy
		connected  bool
		wantReason Reason
	}{
		{"not connected", Policy{Mode: ModeConnections}, Policy{}, false, ReasonNotConnected},
		{"nobody", Policy{Mode: ModeNobody}, Policy{}, true, ReasonPolicyRestricted},
		{"recipient blocked sender", Policy{Mode: ModeEveryone, Blocked: []int{1}}, Policy{}, true, ReasonBlocked},
		{"sender blocked recipient", Policy{Mode: ModeEveryone}, Policy{Blocked: []int{2}}, true, ReasonBlocked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			graph := new(graphMock)
			graph.On("MessagingPolicyOf", mock.Anything, 2).Return(tc.recipient, nil)
			graph.On("MessagingPolicyOf", mock.Anything, 1).Return(tc.sender, nil)
			graph.On("IsMutuallyConnected", mock.Anything, 1, 2).Return(tc.connected, nil)

			d := NewGate(graph, 0, 0).CanMessage(context.Background(), 1, 2, nil)

			assert.False(t, d.Allowed)
			assert.Equal(t, tc.wantReason, d.Reason)
		})
	}
}

func TestGateEveryoneSkipsConnectionLookup(t *testing.T) {
	graph := new(graphMock)
	graph.On("MessagingPolicyOf", mock.Anything, 2).Return(Policy{Mode: ModeEveryone}, nil)
	graph.On("MessagingPolicyOf", mock.Anything, 1).Return(Policy{}, nil)

	d := NewGate(graph, 0, 0).CanMessage(context.Background(), 1, 2, nil)

	assert.True(t, d.Allowed)
	graph.AssertNotCalled(t, "IsMutuallyConnected", mock.Anything, mock.Anything, mock.Anything)
}

func TestGateLookupErrorDenies(t *testing.T) {
	graph := new(graphMock)
	graph.On("MessagingPolicyOf", mock.Anything, 2).Return(Policy{}, context.DeadlineExceeded)

	d := NewGate(graph, time.Millisecond, 0).CanMessage(context.Background(), 1, 2, nil)

	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonUnavailable, d.Reason)
}

func TestGateReevaluatesEverySendWithoutCache(t *testing.T) {
	graph := new(graphMock)
	graph.On("MessagingPolicyOf", mock.Anything, mock.Anything).Return(Policy{Mode: ModeConnections}, nil)
	graph.On("IsMutuallyConnected", mock.Anything, 1, 2).Return(true, nil).Once()
	graph.On("IsMutuallyConnected", mock.Anything, 1, 2).Return(false, nil).Once()

	gate := NewGate(graph, 0, 0)
	assert.True(t, gate.CanMessage(context.Background(), 1, 2, nil).Allowed)
	assert.False(t, gate.CanMessage(context.Background(), 1, 2, nil).Allowed)
}

func TestGateCachesWithinTTL(t *testing.T) {
	graph := new(graphMock)
	graph.On("MessagingPolicyOf", mock.Anything, mock.Anything).Return(Policy{Mode: ModeConnections}, nil)
	graph.On("IsMutuallyConnected", mock.Anything, 1, 2).Return(true, nil).Once()

	gate := NewGate(graph, 0, time.Minute)
	now := time.Now()
	gate.now = func() time.Time { return now }

	assert.True(t, gate.CanMessage(context.Background(), 1, 2, nil).Allowed)
	assert.True(t, gate.CanMessage(context.Background(), 1, 2, nil).Allowed)
	graph.AssertNumberOfCalls(t, "IsMutuallyConnected", 1)
}

func TestGateGroupConversation(t *testing.T) {
	gate := NewGate(new(graphMock), 0, 0)
	group := &models.Conversation{IsGroup: true, IsActive: true, Participants: []int{1, 2, 3}}

	assert.True(t, gate.CanMessage(context.Background(), 1, 0, group).Allowed)
	assert.Equal(t, ReasonNotParticipant, gate.CanMessage(context.Background(), 4, 0, group).Reason)

	group.IsActive = false
	assert.Equal(t, ReasonInactive, gate.CanMessage(context.Background(), 1, 0, group).Reason)
}
