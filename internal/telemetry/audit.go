package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

// AuditEmitter publishes audit records for irreversible message actions.
type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id,omitempty"`
	UserID        *string      `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level          string `json:"level"`
	Action         string `json:"action"`
	Text           string `json:"text"`
	MessageID      int    `json:"message_id,omitempty"`
	ConversationID int    `json:"conversation_id,omitempty"`
}

// AuditRecord describes one audited action.
type AuditRecord struct {
	Level          string
	Action         string
	Text           string
	RequestID      string
	ActorID        int
	MessageID      int
	ConversationID int
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
	}
}

func (e *AuditEmitter) Emit(ctx context.Context, rec AuditRecord) {
	if e == nil || e.publisher == nil {
		return
	}

	var userID *string
	if rec.ActorID != 0 {
		id := strconv.Itoa(rec.ActorID)
		userID = &id
	}
	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     rec.RequestID,
		UserID:        userID,
		Payload: AuditPayload{
			Level:          rec.Level,
			Action:         rec.Action,
			Text:           rec.Text,
			MessageID:      rec.MessageID,
			ConversationID: rec.ConversationID,
		},
	}

	fields := logrus.Fields{"action": rec.Action, "message_id": rec.MessageID, "conversation_id": rec.ConversationID}
	logrus.WithFields(fields).Debug("audit emit")
	if err := e.publisher.Publish(ctx, e.routingKey, envelope, nil); err != nil {
		logrus.WithFields(fields).WithError(err).Warn("audit publish failed")
	}
}
