package delivery

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/ws"
)

type pipeConn struct {
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{frames: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *pipeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("closed")
	default:
	}
	c.frames <- data
	return nil
}

func (c *pipeConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("closed")
}

func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *pipeConn) next(t *testing.T, typ models.EventType) models.Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case data := <-c.frames:
			var e models.Event
			require.NoError(t, json.Unmarshal(data, &e))
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestHubDeliveryAdvancesStatus(t *testing.T) {
	h := setup(t)
	h.graph.connect(alice, bob)
	conv, _, err := h.coord.CreateOrGetConversation(h.ctx, alice, bob)
	require.NoError(t, err)

	hub := ws.NewHub(h.coord, h.coord, nil, time.Second)
	h.coord.SetBroadcaster(hub)

	conn := newPipeConn()
	session := hub.Register(conn, observability.SessionInfo{UserID: bob})
	defer hub.Unregister(session)
	require.NoError(t, hub.Subscribe(h.ctx, session, conv.ID))

	sent := h.send(t, SendInput{SenderID: alice, ConversationID: conv.ID, CorrelationID: "c1", Content: "hi bob"})
	created := conn.next(t, models.EventMessageCreated)
	assert.Equal(t, sent.ID, created.MessageID)
	require.NotNil(t, created.Message)
	assert.Equal(t, "hi bob", created.Message.Content)

	status := conn.next(t, models.EventMessageStatus)
	assert.Equal(t, models.StatusDelivered, status.Status)

	stored, err := h.store.GetMessage(h.ctx, sent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, stored.Status)
}

func TestIsParticipant(t *testing.T) {
	h := setup(t)
	h.graph.connect(alice, bob)
	conv, _, err := h.coord.CreateOrGetConversation(h.ctx, alice, bob)
	require.NoError(t, err)

	ok, err := h.coord.IsParticipant(h.ctx, conv.ID, bob)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.coord.IsParticipant(h.ctx, conv.ID, carol)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = h.coord.IsParticipant(h.ctx, 999, alice)
	require.NoError(t, err)
	assert.False(t, ok)
}
