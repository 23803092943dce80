package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm-service/internal/models"
	"dm-service/internal/observability"
)

type fakeConn struct {
	writes    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{writes: make(chan []byte, 256), closed: make(chan struct{})}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.writes <- data
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("closed")
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type frame struct {
	models.Event
	Request string `json:"request"`
	Error   string `json:"error"`
}

// waitFor reads frames until one of type t arrives.
func waitFor(t *testing.T, c *fakeConn, typ string) frame {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case data := <-c.writes:
			var f frame
			require.NoError(t, json.Unmarshal(data, &f))
			if string(f.Type) == typ {
				return f
			}
		case <-deadline:
			t.Fatalf("no %s frame received", typ)
		}
	}
}

// drain collects every frame written within the given window.
func drain(c *fakeConn, window time.Duration) []frame {
	var out []frame
	deadline := time.After(window)
	for {
		select {
		case data := <-c.writes:
			var f frame
			if json.Unmarshal(data, &f) == nil {
				out = append(out, f)
			}
		case <-deadline:
			return out
		}
	}
}

func countType(frames []frame, typ models.EventType) int {
	n := 0
	for _, f := range frames {
		if f.Type == typ {
			n++
		}
	}
	return n
}

type fakeMembership map[int][]int

func (m fakeMembership) IsParticipant(_ context.Context, conversationID, userID int) (bool, error) {
	for _, id := range m[conversationID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

type ackCall struct{ userID, messageID int }

type fakeAcker struct {
	calls chan ackCall
}

func (a *fakeAcker) Acknowledge(_ context.Context, userID, messageID int) error {
	a.calls <- ackCall{userID, messageID}
	return nil
}

const room = 10

func newTestHub() (*Hub, *fakeAcker) {
	acker := &fakeAcker{calls: make(chan ackCall, 16)}
	return NewHub(fakeMembership{room: {1, 2}}, acker, nil, time.Second), acker
}

func connect(h *Hub, userID int) (*Session, *fakeConn) {
	conn := newFakeConn()
	return h.Register(conn, observability.SessionInfo{UserID: userID}), conn
}

func TestSubscribeTwiceDeliversOnce(t *testing.T) {
	hub, _ := newTestHub()
	s, conn := connect(hub, 1)
	ctx := context.Background()

	require.NoError(t, hub.Subscribe(ctx, s, room))
	require.NoError(t, hub.Subscribe(ctx, s, room))
	drain(conn, 50*time.Millisecond)

	hub.Broadcast(ctx, models.Event{Type: models.EventMessageDeleted, ConversationID: room, UserID: 2, MessageID: 5})

	frames := drain(conn, 100*time.Millisecond)
	assert.Equal(t, 1, countType(frames, models.EventMessageDeleted))
}

func TestSubscribeRejectsNonParticipant(t *testing.T) {
	hub, _ := newTestHub()
	s, conn := connect(hub, 3)

	err := hub.Subscribe(context.Background(), s, room)
	assert.ErrorIs(t, err, errNotParticipant)

	hub.HandleFrame(context.Background(), s, []byte(`{"type":"subscribe","conversation_id":10}`))
	f := waitFor(t, conn, "error")
	assert.Equal(t, "subscribe", f.Request)
}

func TestPresenceFollowsLastSession(t *testing.T) {
	hub, _ := newTestHub()
	ctx := context.Background()
	bob, bobConn := connect(hub, 2)
	require.NoError(t, hub.Subscribe(ctx, bob, room))
	drain(bobConn, 50*time.Millisecond)

	alice1, alice1Conn := connect(hub, 1)
	alice2, _ := connect(hub, 1)
	require.NoError(t, hub.Subscribe(ctx, alice1, room))

	online := waitFor(t, bobConn, string(models.EventPresenceChanged))
	assert.Equal(t, 1, online.UserID)
	require.NotNil(t, online.Online)
	assert.True(t, *online.Online)

	snapshot := waitFor(t, alice1Conn, string(models.EventPresenceChanged))
	assert.Equal(t, 2, snapshot.UserID)

	require.NoError(t, hub.Subscribe(ctx, alice2, room))
	hub.Unregister(alice1)
	assert.Equal(t, 0, countType(drain(bobConn, 100*time.Millisecond), models.EventPresenceChanged))
	assert.True(t, hub.Online(1))

	hub.Unregister(alice2)
	offline := waitFor(t, bobConn, string(models.EventPresenceChanged))
	assert.Equal(t, 1, offline.UserID)
	require.NotNil(t, offline.Online)
	assert.False(t, *offline.Online)
	assert.False(t, hub.Online(1))
}

func TestTypingIsIdempotentAndExpires(t *testing.T) {
	hub, _ := newTestHub()
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	hub.now = func() time.Time { return now }

	alice, _ := connect(hub, 1)
	bob, bobConn := connect(hub, 2)
	require.NoError(t, hub.Subscribe(ctx, alice, room))
	require.NoError(t, hub.Subscribe(ctx, bob, room))
	drain(bobConn, 50*time.Millisecond)

	require.NoError(t, hub.StartTyping(ctx, alice, room))
	require.NoError(t, hub.StartTyping(ctx, alice, room))
	frames := drain(bobConn, 100*time.Millisecond)
	assert.Equal(t, 1, countType(frames, models.EventTypingStart))

	hub.expireTyping(ctx)
	assert.Equal(t, 0, countType(drain(bobConn, 50*time.Millisecond), models.EventTypingStop))

	now = now.Add(2 * time.Second)
	hub.expireTyping(ctx)
	stop := waitFor(t, bobConn, string(models.EventTypingStop))
	assert.Equal(t, 1, stop.UserID)

	hub.StopTyping(ctx, alice, room)
	assert.Equal(t, 0, countType(drain(bobConn, 50*time.Millisecond), models.EventTypingStop))
}

func TestTypingRequiresSubscription(t *testing.T) {
	hub, _ := newTestHub()
	alice, _ := connect(hub, 1)
	assert.ErrorIs(t, hub.StartTyping(context.Background(), alice, room), errNotSubscribed)
}

func TestMessageCreatedIsAcknowledgedForRecipients(t *testing.T) {
	hub, acker := newTestHub()
	ctx := context.Background()
	alice, aliceConn := connect(hub, 1)
	bob, bobConn := connect(hub, 2)
	require.NoError(t, hub.Subscribe(ctx, alice, room))
	require.NoError(t, hub.Subscribe(ctx, bob, room))

	hub.Broadcast(ctx, models.Event{Type: models.EventMessageCreated, ConversationID: room, UserID: 1, MessageID: 42})
	waitFor(t, bobConn, string(models.EventMessageCreated))
	waitFor(t, aliceConn, string(models.EventMessageCreated))

	select {
	case call := <-acker.calls:
		assert.Equal(t, ackCall{userID: 2, messageID: 42}, call)
	case <-time.After(time.Second):
		t.Fatal("recipient delivery was not acknowledged")
	}
	select {
	case call := <-acker.calls:
		t.Fatalf("unexpected acknowledgement %+v", call)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAckFrame(t *testing.T) {
	hub, acker := newTestHub()
	bob, conn := connect(hub, 2)

	hub.HandleFrame(context.Background(), bob, []byte(`{"type":"ack","message_id":7}`))
	assert.Equal(t, ackCall{userID: 2, messageID: 7}, <-acker.calls)

	hub.HandleFrame(context.Background(), bob, []byte(`{"type":"ack"}`))
	assert.Equal(t, "ack", waitFor(t, conn, "error").Request)
}

func TestUnregisterIsIdempotent(t *testing.T) {
	hub, _ := newTestHub()
	s, conn := connect(hub, 1)
	require.NoError(t, hub.Subscribe(context.Background(), s, room))

	hub.Unregister(s)
	hub.Unregister(s)

	assert.Equal(t, 0, hub.SessionCount())
	assert.Error(t, conn.WriteMessage(1, nil))
}

type memoryBus struct {
	mu       sync.Mutex
	handlers []func([]byte)
	payloads [][]byte
}

func (b *memoryBus) Publish(_ context.Context, payload []byte) error {
	b.mu.Lock()
	b.payloads = append(b.payloads, payload)
	handlers := append([]func([]byte){}, b.handlers...)
	b.mu.Unlock()
	for _, handle := range handlers {
		handle(payload)
	}
	return nil
}

func (b *memoryBus) Consume(ctx context.Context, handle func([]byte)) error {
	b.mu.Lock()
	b.handlers = append(b.handlers, handle)
	b.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (b *memoryBus) consumers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}

func TestBusRelaysAcrossInstancesOnce(t *testing.T) {
	bus := &memoryBus{}
	members := fakeMembership{room: {1, 2}}
	hubA := NewHub(members, nil, bus, time.Second)
	hubB := NewHub(members, nil, bus, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hubA.Run(ctx)
	go hubB.Run(ctx)
	require.Eventually(t, func() bool { return bus.consumers() == 2 }, time.Second, 10*time.Millisecond)

	alice, aliceConn := connect(hubA, 1)
	bob, bobConn := connect(hubB, 2)
	require.NoError(t, hubA.Subscribe(ctx, alice, room))
	require.NoError(t, hubB.Subscribe(ctx, bob, room))
	drain(aliceConn, 50*time.Millisecond)
	drain(bobConn, 50*time.Millisecond)

	hubA.Broadcast(ctx, models.Event{Type: models.EventMessageDeleted, ConversationID: room, UserID: 1, MessageID: 9})

	assert.Equal(t, 1, countType(drain(bobConn, 100*time.Millisecond), models.EventMessageDeleted))
	assert.Equal(t, 1, countType(drain(aliceConn, 50*time.Millisecond), models.EventMessageDeleted))
}

type fakeResolver map[int]models.DisplayMessage

func (r fakeResolver) FanoutMessage(_ context.Context, messageID int) (*models.DisplayMessage, error) {
	msg, ok := r[messageID]
	if !ok {
		return nil, errors.New("message not found")
	}
	return &msg, nil
}

func TestBusCarriesNoMessageContent(t *testing.T) {
	bus := &memoryBus{}
	members := fakeMembership{room: {1, 2}}
	hubA := NewHub(members, nil, bus, time.Second)
	hubB := NewHub(members, nil, bus, time.Second)
	hubB.SetResolver(fakeResolver{9: {ID: 9, ConversationID: room, SenderID: 1, Content: "rendered locally"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hubA.Run(ctx)
	go hubB.Run(ctx)
	require.Eventually(t, func() bool { return bus.consumers() == 2 }, time.Second, 10*time.Millisecond)

	alice, aliceConn := connect(hubA, 1)
	bob, bobConn := connect(hubB, 2)
	require.NoError(t, hubA.Subscribe(ctx, alice, room))
	require.NoError(t, hubB.Subscribe(ctx, bob, room))
	drain(aliceConn, 50*time.Millisecond)
	drain(bobConn, 50*time.Millisecond)

	hubA.Broadcast(ctx, models.Event{
		Type:           models.EventMessageCreated,
		ConversationID: room,
		UserID:         1,
		MessageID:      9,
		Message:        &models.DisplayMessage{ID: 9, ConversationID: room, SenderID: 1, Content: "top secret"},
	})

	local := waitFor(t, aliceConn, string(models.EventMessageCreated))
	require.NotNil(t, local.Message)
	assert.Equal(t, "top secret", local.Message.Content)

	remote := waitFor(t, bobConn, string(models.EventMessageCreated))
	require.NotNil(t, remote.Message)
	assert.Equal(t, "rendered locally", remote.Message.Content)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	require.NotEmpty(t, bus.payloads)
	for _, payload := range bus.payloads {
		assert.NotContains(t, string(payload), "top secret")
	}
}
