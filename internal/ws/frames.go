package ws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	errNotParticipant = errors.New("not a participant")
	errNotSubscribed  = errors.New("not subscribed to conversation")
	errSessionClosed  = errors.New("session closed")
)

const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameTypingStart = "typing.start"
	frameTypingStop  = "typing.stop"
	frameAck         = "ack"
)

// inboundFrame is a client request sent over the socket.
type inboundFrame struct {
	Type           string `json:"type"`
	ConversationID int    `json:"conversation_id"`
	MessageID      int    `json:"message_id"`
}

type replyFrame struct {
	Type           string    `json:"type"`
	Request        string    `json:"request,omitempty"`
	ConversationID int       `json:"conversation_id,omitempty"`
	Error          string    `json:"error,omitempty"`
	At             time.Time `json:"at"`
}

// HandleFrame applies one client frame to the session. Failures are reported
// back to the session as error frames and never close it.
func (h *Hub) HandleFrame(ctx context.Context, s *Session, data []byte) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		h.reply(s, replyFrame{Type: "error", Error: "malformed frame"})
		return
	}

	var err error
	switch f.Type {
	case frameSubscribe:
		if err = h.Subscribe(ctx, s, f.ConversationID); err == nil {
			h.reply(s, replyFrame{Type: "subscribed", ConversationID: f.ConversationID})
		}
	case frameUnsubscribe:
		h.Unsubscribe(ctx, s, f.ConversationID)
	case frameTypingStart:
		err = h.StartTyping(ctx, s, f.ConversationID)
	case frameTypingStop:
		h.StopTyping(ctx, s, f.ConversationID)
	case frameAck:
		if f.MessageID <= 0 {
			err = errors.New("message_id is required")
			break
		}
		if h.acker != nil {
			err = h.acker.Acknowledge(ctx, s.UserID, f.MessageID)
		}
	default:
		err = errors.New("unknown frame type")
	}

	if err != nil {
		h.log.WithFields(logrus.Fields{
			"session_id": s.ID,
			"frame":      f.Type,
		}).WithError(err).Debug("frame rejected")
		h.reply(s, replyFrame{Type: "error", Request: f.Type, ConversationID: f.ConversationID, Error: err.Error()})
	}
}

func (h *Hub) reply(s *Session, f replyFrame) {
	f.At = h.now().UTC()
	payload, err := json.Marshal(f)
	if err != nil {
		return
	}
	if !s.enqueue(outbound{payload: payload}) {
		h.dropSlow(s)
	}
}
