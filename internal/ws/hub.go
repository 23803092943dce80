package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dm-service/internal/logging"
	"dm-service/internal/models"
	"dm-service/internal/observability"
)

const lifecycleRoutingKey = "ws_events.dm"

// Membership answers whether a user may join a conversation room.
type Membership interface {
	IsParticipant(ctx context.Context, conversationID, userID int) (bool, error)
}

// Acknowledger records that a recipient session received a message.
type Acknowledger interface {
	Acknowledge(ctx context.Context, userID, messageID int) error
}

// Bus relays events between hub instances. Published payloads come back to
// every instance, including the publisher.
type Bus interface {
	Publish(ctx context.Context, payload []byte) error
	Consume(ctx context.Context, handle func(payload []byte)) error
}

// Resolver renders a message for sessions on an instance that received only
// its id over the bus.
type Resolver interface {
	FanoutMessage(ctx context.Context, messageID int) (*models.DisplayMessage, error)
}

type typingKey struct {
	conversationID int
	userID         int
}

type busEnvelope struct {
	Origin string       `json:"origin"`
	Event  models.Event `json:"event"`
}

// Hub tracks live sessions, their room subscriptions, presence and typing
// state, and fans events out to subscribed sessions.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	users    map[int]map[string]*Session
	rooms    map[int]map[string]*Session
	subs     map[string]map[int]struct{}
	typing   map[typingKey]time.Time

	membership Membership
	acker      Acknowledger
	bus        Bus
	resolver   Resolver
	instanceID string
	typingTTL  time.Duration

	now func() time.Time
	log *logrus.Entry
}

// NewHub creates an empty hub. bus may be nil for a single instance.
func NewHub(membership Membership, acker Acknowledger, bus Bus, typingTTL time.Duration) *Hub {
	if typingTTL <= 0 {
		typingTTL = 5 * time.Second
	}
	return &Hub{
		sessions:   make(map[string]*Session),
		users:      make(map[int]map[string]*Session),
		rooms:      make(map[int]map[string]*Session),
		subs:       make(map[string]map[int]struct{}),
		typing:     make(map[typingKey]time.Time),
		membership: membership,
		acker:      acker,
		bus:        bus,
		instanceID: uuid.NewString(),
		typingTTL:  typingTTL,
		now:        time.Now,
		log:        logging.For("ws"),
	}
}

// SetResolver lets relayed message.created events be rendered locally. It
// must be called before Run.
func (h *Hub) SetResolver(r Resolver) {
	h.resolver = r
}

// Register adds a session for an authenticated connection and starts its
// write pump.
func (h *Hub) Register(conn Conn, info observability.SessionInfo) *Session {
	if info.SessionID == "" {
		info.SessionID = uuid.NewString()
	}
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = h.now()
	}
	s := newSession(conn, info)

	h.mu.Lock()
	h.sessions[s.ID] = s
	if h.users[s.UserID] == nil {
		h.users[s.UserID] = make(map[string]*Session)
	}
	h.users[s.UserID][s.ID] = s
	h.subs[s.ID] = make(map[int]struct{})
	h.mu.Unlock()

	go h.writePump(s)
	return s
}

// Unregister removes the session from every room and closes it. Users left
// with no session in a room go offline there and stop typing.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	rooms, ok := h.subs[s.ID]
	if !ok {
		h.mu.Unlock()
		s.Close()
		return
	}
	delete(h.subs, s.ID)
	delete(h.sessions, s.ID)
	if byUser := h.users[s.UserID]; byUser != nil {
		delete(byUser, s.ID)
		if len(byUser) == 0 {
			delete(h.users, s.UserID)
		}
	}
	var left []int
	var stopped []int
	for convID := range rooms {
		if h.leaveRoomLocked(convID, s) {
			left = append(left, convID)
			if h.clearTypingLocked(convID, s.UserID) {
				stopped = append(stopped, convID)
			}
		}
	}
	h.mu.Unlock()

	s.Close()
	ctx := context.Background()
	for _, convID := range stopped {
		h.Broadcast(ctx, h.event(models.EventTypingStop, convID, s.UserID))
	}
	for _, convID := range left {
		h.Broadcast(ctx, h.presence(convID, s.UserID, false))
	}
}

// Subscribe joins the session to a conversation room. Joining twice is a
// no-op. The session receives the current presence of the room and the room
// learns the user is online if this is their first session there.
func (h *Hub) Subscribe(ctx context.Context, s *Session, conversationID int) error {
	member, err := h.membership.IsParticipant(ctx, conversationID, s.UserID)
	if err != nil {
		return err
	}
	if !member {
		return errNotParticipant
	}

	h.mu.Lock()
	subs, ok := h.subs[s.ID]
	if !ok {
		h.mu.Unlock()
		return errSessionClosed
	}
	if _, already := subs[conversationID]; already {
		h.mu.Unlock()
		return nil
	}
	room := h.rooms[conversationID]
	if room == nil {
		room = make(map[string]*Session)
		h.rooms[conversationID] = room
	}
	first := !h.userInRoomLocked(conversationID, s.UserID)
	online := map[int]struct{}{}
	for _, other := range room {
		if other.UserID != s.UserID {
			online[other.UserID] = struct{}{}
		}
	}
	room[s.ID] = s
	subs[conversationID] = struct{}{}
	h.mu.Unlock()

	for userID := range online {
		h.sendTo(s, h.presence(conversationID, userID, true))
	}
	if first {
		h.Broadcast(ctx, h.presence(conversationID, s.UserID, true))
	}
	return nil
}

// Unsubscribe leaves a conversation room. Leaving a room the session is not
// in is a no-op.
func (h *Hub) Unsubscribe(ctx context.Context, s *Session, conversationID int) {
	h.mu.Lock()
	subs := h.subs[s.ID]
	if _, ok := subs[conversationID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(subs, conversationID)
	left := h.leaveRoomLocked(conversationID, s)
	stopped := left && h.clearTypingLocked(conversationID, s.UserID)
	h.mu.Unlock()

	if stopped {
		h.Broadcast(ctx, h.event(models.EventTypingStop, conversationID, s.UserID))
	}
	if left {
		h.Broadcast(ctx, h.presence(conversationID, s.UserID, false))
	}
}

// StartTyping marks the user as typing in the room until StopTyping or the
// typing TTL elapses. Repeated calls refresh the TTL without a new event.
func (h *Hub) StartTyping(ctx context.Context, s *Session, conversationID int) error {
	key := typingKey{conversationID: conversationID, userID: s.UserID}
	h.mu.Lock()
	if _, ok := h.subs[s.ID][conversationID]; !ok {
		h.mu.Unlock()
		return errNotSubscribed
	}
	_, active := h.typing[key]
	h.typing[key] = h.now().Add(h.typingTTL)
	h.mu.Unlock()

	if !active {
		h.Broadcast(ctx, h.event(models.EventTypingStart, conversationID, s.UserID))
	}
	return nil
}

// StopTyping clears the typing flag. It is a no-op when the user is not typing.
func (h *Hub) StopTyping(ctx context.Context, s *Session, conversationID int) {
	h.mu.Lock()
	stopped := h.clearTypingLocked(conversationID, s.UserID)
	h.mu.Unlock()
	if stopped {
		h.Broadcast(ctx, h.event(models.EventTypingStop, conversationID, s.UserID))
	}
}

// Online reports whether the user has a live session on this instance.
func (h *Hub) Online(userID int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// SessionCount returns the number of live sessions on this instance.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Broadcast delivers the event to every session subscribed to its
// conversation, once per session, and relays it to other instances. Message
// content never goes on the bus.
func (h *Hub) Broadcast(ctx context.Context, event models.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = h.now().UTC()
	}
	if event.Type == models.EventMessageCreated {
		h.mu.Lock()
		stopped := h.clearTypingLocked(event.ConversationID, event.UserID)
		h.mu.Unlock()
		if stopped {
			h.Broadcast(ctx, h.event(models.EventTypingStop, event.ConversationID, event.UserID))
		}
	}

	h.deliverLocal(event)

	if h.bus == nil {
		return
	}
	relayed := event
	relayed.Message = nil
	payload, err := json.Marshal(busEnvelope{Origin: h.instanceID, Event: relayed})
	if err != nil {
		h.log.WithError(err).Error("encode bus event")
		return
	}
	if err := h.bus.Publish(ctx, payload); err != nil {
		h.log.WithError(err).WithField("event_type", event.Type).Warn("relay event to bus failed")
	}
}

// Run expires stale typing indicators and consumes relayed events until ctx
// is done.
func (h *Hub) Run(ctx context.Context) {
	if h.bus != nil {
		go func() {
			if err := h.bus.Consume(ctx, h.handleRelayed); err != nil && ctx.Err() == nil {
				h.log.WithError(err).Error("event bus consumer stopped")
			}
		}()
	}

	interval := h.typingTTL / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.expireTyping(ctx)
		}
	}
}

func (h *Hub) expireTyping(ctx context.Context) {
	now := h.now()
	var expired []typingKey
	h.mu.Lock()
	for key, until := range h.typing {
		if !now.Before(until) {
			delete(h.typing, key)
			expired = append(expired, key)
		}
	}
	h.mu.Unlock()
	for _, key := range expired {
		h.Broadcast(ctx, h.event(models.EventTypingStop, key.conversationID, key.userID))
	}
}

func (h *Hub) handleRelayed(payload []byte) {
	var env busEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		h.log.WithError(err).Warn("drop malformed bus event")
		return
	}
	if env.Origin == h.instanceID {
		return
	}
	event := env.Event
	if event.Type == models.EventMessageCreated && h.resolver != nil && h.hasRoom(event.ConversationID) {
		msg, err := h.resolver.FanoutMessage(context.Background(), event.MessageID)
		if err != nil {
			h.log.WithError(err).WithField("message_id", event.MessageID).Warn("render relayed message")
		} else {
			event.Message = msg
		}
	}
	h.deliverLocal(event)
}

func (h *Hub) hasRoom(conversationID int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID]) > 0
}

func (h *Hub) deliverLocal(event models.Event) {
	h.mu.RLock()
	room := h.rooms[event.ConversationID]
	targets := make([]*Session, 0, len(room))
	for _, s := range room {
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		h.log.WithError(err).WithField("event_type", event.Type).Error("encode event")
		return
	}
	observability.IncWSEvent(string(event.Type))
	for _, s := range targets {
		out := outbound{payload: payload}
		if event.Type == models.EventMessageCreated && s.UserID != event.UserID {
			out.ackMessageID = event.MessageID
		}
		if !s.enqueue(out) {
			h.dropSlow(s)
		}
	}
}

func (h *Hub) sendTo(s *Session, event models.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if !s.enqueue(outbound{payload: payload}) {
		h.dropSlow(s)
	}
}

func (h *Hub) dropSlow(s *Session) {
	select {
	case <-s.Done():
		return
	default:
	}
	h.log.WithFields(logrus.Fields{"session_id": s.ID, "user_id": s.UserID}).Warn("session send buffer full, closing")
	h.publishLifecycle("ws_error", s, "send buffer full")
	go h.Unregister(s)
}

func (h *Hub) acknowledge(s *Session, messageID int) {
	if h.acker == nil {
		return
	}
	if err := h.acker.Acknowledge(context.Background(), s.UserID, messageID); err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{
			"session_id": s.ID,
			"message_id": messageID,
		}).Warn("delivery acknowledgement failed")
	}
}

func (h *Hub) publishLifecycle(name string, s *Session, reason string) {
	observability.IncWSEvent(name)
	headers := observability.BuildHeaders(s.Info.RequestID, s.Info.TraceID)
	_ = observability.PublishEvent(context.Background(), lifecycleRoutingKey, observability.WSEvent(name, s.Info, reason), headers)
}

// leaveRoomLocked removes s from the room and reports whether its user has
// no session left there.
func (h *Hub) leaveRoomLocked(conversationID int, s *Session) bool {
	room := h.rooms[conversationID]
	if room == nil {
		return false
	}
	delete(room, s.ID)
	if len(room) == 0 {
		delete(h.rooms, conversationID)
	}
	return !h.userInRoomLocked(conversationID, s.UserID)
}

func (h *Hub) userInRoomLocked(conversationID, userID int) bool {
	for _, other := range h.rooms[conversationID] {
		if other.UserID == userID {
			return true
		}
	}
	return false
}

func (h *Hub) clearTypingLocked(conversationID, userID int) bool {
	key := typingKey{conversationID: conversationID, userID: userID}
	if _, ok := h.typing[key]; !ok {
		return false
	}
	delete(h.typing, key)
	return true
}

func (h *Hub) event(t models.EventType, conversationID, userID int) models.Event {
	return models.Event{
		ID:             uuid.NewString(),
		Type:           t,
		ConversationID: conversationID,
		UserID:         userID,
		At:             h.now().UTC(),
	}
}

func (h *Hub) presence(conversationID, userID int, online bool) models.Event {
	e := h.event(models.EventPresenceChanged, conversationID, userID)
	e.Online = &online
	return e
}
