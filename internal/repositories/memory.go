package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"dm-service/internal/models"
)

// MemoryStore is an in-process implementation of both repositories, used
// with STORE_DRIVER=memory and in tests. A single mutex serializes every
// conversation, which is stricter than the per-row locks of the postgres store.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	nextConversationID int
	nextMessageID      int

	conversations map[int]*memConversation
	pairs         map[string]int
	messages      map[int]*models.Message
	correlations  map[correlationKey]int
}

type memConversation struct {
	conv       models.Conversation
	watermarks map[int]int
}

type correlationKey struct {
	senderID      int
	correlationID string
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:           time.Now,
		conversations: map[int]*memConversation{},
		pairs:         map[string]int{},
		messages:      map[int]*models.Message{},
		correlations:  map[correlationKey]int{},
	}
}

// SetClock replaces the clock used for server-assigned timestamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

var (
	_ ConversationRepository = (*MemoryStore)(nil)
	_ MessageRepository      = (*MemoryStore)(nil)
)

func (s *MemoryStore) CreateDirect(_ context.Context, userA, userB int, encrypted bool) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := models.PairKey(userA, userB)
	if _, ok := s.pairs[key]; ok {
		return models.Conversation{}, ErrDuplicateConversation
	}
	participants := []int{userA, userB}
	sort.Ints(participants)
	conv := s.insertConversation(models.Conversation{
		Participants: participants,
		Encrypted:    encrypted,
	})
	s.pairs[key] = conv.ID
	return conv, nil
}

func (s *MemoryStore) GetDirect(_ context.Context, userA, userB int) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.pairs[models.PairKey(userA, userB)]
	if !ok {
		return models.Conversation{}, ErrConversationNotFound
	}
	return copyConversation(s.conversations[id].conv), nil
}

func (s *MemoryStore) CreateGroup(_ context.Context, adminID int, name string, memberIDs []int, encrypted bool) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertConversation(models.Conversation{
		IsGroup:      true,
		Name:         name,
		AdminID:      adminID,
		Participants: uniqueMembers(adminID, memberIDs),
		Encrypted:    encrypted,
	}), nil
}

func (s *MemoryStore) insertConversation(conv models.Conversation) models.Conversation {
	s.nextConversationID++
	conv.ID = s.nextConversationID
	conv.IsActive = true
	conv.CreatedAt = s.now().UTC()
	conv.Unread = make(map[int]int, len(conv.Participants))
	watermarks := make(map[int]int, len(conv.Participants))
	for _, p := range conv.Participants {
		conv.Unread[p] = 0
		watermarks[p] = 0
	}
	s.conversations[conv.ID] = &memConversation{conv: conv, watermarks: watermarks}
	return copyConversation(conv)
}

func (s *MemoryStore) GetConversation(_ context.Context, conversationID int) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.conversations[conversationID]
	if !ok {
		return models.Conversation{}, ErrConversationNotFound
	}
	return copyConversation(entry.conv), nil
}

func (s *MemoryStore) ListForUser(_ context.Context, userID int, limit, offset int) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []models.Conversation
	for _, entry := range s.conversations {
		if entry.conv.HasParticipant(userID) {
			result = append(result, copyConversation(entry.conv))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		ai, aj := lastActivity(result[i]), lastActivity(result[j])
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return result[i].ID > result[j].ID
	})
	return paginate(result, limit, offset), nil
}

func (s *MemoryStore) SetActive(_ context.Context, conversationID int, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	entry.conv.IsActive = active
	return nil
}

func (s *MemoryStore) ApplyMessage(_ context.Context, msg models.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.messages[msg.ID]
	if !ok {
		return false, ErrMessageNotFound
	}
	entry, ok := s.conversations[stored.ConversationID]
	if !ok {
		return false, ErrConversationNotFound
	}
	if stored.Aggregated {
		return false, nil
	}
	s.applyLocked(entry, stored)
	return true, nil
}

func (s *MemoryStore) applyLocked(entry *memConversation, msg *models.Message) {
	for _, p := range entry.conv.Participants {
		if p != msg.SenderID && msg.ID > entry.watermarks[p] {
			entry.conv.Unread[p]++
		}
	}
	if entry.conv.LastMessage == nil || msg.ID > entry.conv.LastMessage.MessageID {
		entry.conv.LastMessage = &models.MessageSummary{
			MessageID: msg.ID,
			SenderID:  msg.SenderID,
			Type:      msg.Type,
			At:        msg.CreatedAt,
		}
	}
	msg.Aggregated = true
}

func (s *MemoryStore) MarkRead(_ context.Context, conversationID, userID, upTo int) (ReadMark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.conversations[conversationID]
	if !ok || !entry.conv.HasParticipant(userID) {
		return ReadMark{}, ErrConversationNotFound
	}

	target := upTo
	if target == 0 && entry.conv.LastMessage != nil {
		target = entry.conv.LastMessage.MessageID
	}
	mark := ReadMark{Previous: entry.watermarks[userID], Current: entry.watermarks[userID]}
	if target > mark.Current {
		mark.Current = target
	}
	entry.watermarks[userID] = mark.Current
	mark.Unread = s.unreadAfterLocked(conversationID, userID, mark.Current)
	entry.conv.Unread[userID] = mark.Unread
	return mark, nil
}

func (s *MemoryStore) unreadAfterLocked(conversationID, userID, watermark int) int {
	count := 0
	for _, m := range s.messages {
		if m.ConversationID == conversationID && m.Aggregated && m.SenderID != userID && m.ID > watermark {
			count++
		}
	}
	return count
}

func (s *MemoryStore) Reconcile(_ context.Context, conversationID int) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.conversations[conversationID]
	if !ok {
		return models.Conversation{}, ErrConversationNotFound
	}

	entry.conv.LastMessage = nil
	for _, m := range s.sortedMessagesLocked(conversationID) {
		m.Aggregated = true
		entry.conv.LastMessage = &models.MessageSummary{MessageID: m.ID, SenderID: m.SenderID, Type: m.Type, At: m.CreatedAt}
	}
	for _, p := range entry.conv.Participants {
		entry.conv.Unread[p] = s.unreadAfterLocked(conversationID, p, entry.watermarks[p])
	}
	return copyConversation(entry.conv), nil
}

func (s *MemoryStore) sortedMessagesLocked(conversationID int) []*models.Message {
	var out []*models.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) Append(_ context.Context, msg models.Message) (models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := correlationKey{senderID: msg.SenderID, correlationID: msg.CorrelationID}
	if id, ok := s.correlations[key]; ok {
		return copyMessage(*s.messages[id]), false, nil
	}
	if _, ok := s.conversations[msg.ConversationID]; !ok {
		return models.Message{}, false, ErrConversationNotFound
	}

	s.nextMessageID++
	msg.ID = s.nextMessageID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	msg.Status = models.StatusSent
	msg.Deletion = models.NotDeleted{}
	if msg.Expiry == nil {
		msg.Expiry = models.NoExpiry{}
	}
	msg.ReadBy = nil
	msg.HiddenFor = nil
	msg.Aggregated = false

	stored := copyMessage(msg)
	s.messages[msg.ID] = &stored
	s.correlations[key] = msg.ID
	return copyMessage(stored), true, nil
}

func (s *MemoryStore) GetByCorrelation(_ context.Context, senderID int, correlationID string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.correlations[correlationKey{senderID: senderID, correlationID: correlationID}]
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	return copyMessage(*s.messages[id]), nil
}

func (s *MemoryStore) GetMessage(_ context.Context, messageID int) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	return copyMessage(*m), nil
}

func (s *MemoryStore) GetMany(_ context.Context, messageIDs []int) (map[int]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int]models.Message, len(messageIDs))
	for _, id := range messageIDs {
		if m, ok := s.messages[id]; ok {
			out[id] = copyMessage(*m)
		}
	}
	return out, nil
}

func (s *MemoryStore) List(_ context.Context, conversationID, viewerID, limit, offset int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []models.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID && !m.HiddenForUser(viewerID) {
			result = append(result, copyMessage(*m))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	return paginate(result, limit, offset), nil
}

func (s *MemoryStore) AddReadReceipts(_ context.Context, conversationID, userID int, sel ReadSelection, at time.Time, advance bool) ([]StatusChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[int]bool, len(sel.IDs))
	for _, id := range sel.IDs {
		wanted[id] = true
	}

	var changes []StatusChange
	for _, m := range s.sortedMessagesLocked(conversationID) {
		if m.SenderID == userID {
			continue
		}
		if !wanted[m.ID] && (m.ID <= sel.AfterID || m.ID > sel.UpToID) {
			continue
		}
		if !m.ReadByUser(userID) {
			m.ReadBy = append(m.ReadBy, models.ReadReceipt{UserID: userID, ReadAt: at})
		}
		if !advance {
			continue
		}
		if next, ok := m.Advance(models.StatusRead); ok {
			m.Status = next.Status
			changes = append(changes, StatusChange{MessageID: m.ID, Status: m.Status})
		}
	}
	return changes, nil
}

func (s *MemoryStore) AdvanceStatus(_ context.Context, messageID int, from []models.DeliveryStatus, next models.DeliveryStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return false, ErrMessageNotFound
	}
	if !containsStatus(from, m.Status) {
		return false, nil
	}
	advanced, ok := m.Advance(next)
	if !ok {
		return false, nil
	}
	m.Status = advanced.Status
	return true, nil
}

func (s *MemoryStore) HideForUser(_ context.Context, messageID, userID int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	if !m.HiddenForUser(userID) {
		m.HiddenFor = append(m.HiddenFor, models.UserDeletion{UserID: userID, DeletedAt: at})
	}
	return nil
}

func (s *MemoryStore) MarkDeletedForEveryone(_ context.Context, messageID, by int, at, graceUntil time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return false, ErrMessageNotFound
	}
	if _, notDeleted := m.Deletion.(models.NotDeleted); !notDeleted || m.Scrubbed() {
		return false, nil
	}
	m.Deletion = models.DeletedForEveryone{By: by, At: at, GraceUntil: graceUntil}
	return true, nil
}

func (s *MemoryStore) ExpireDue(_ context.Context, now time.Time, limit int) ([]ExpiredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.Message
	for _, m := range s.messages {
		exp, ok := m.Expiry.(models.ExpiresAt)
		if !ok || exp.At.After(now) {
			continue
		}
		due = append(due, m)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].Expiry.(models.ExpiresAt).At.Before(due[j].Expiry.(models.ExpiresAt).At)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]ExpiredMessage, 0, len(due))
	for _, m := range due {
		out = append(out, ExpiredMessage{ID: m.ID, ConversationID: m.ConversationID, MediaRef: m.MediaRef})
		m.Expiry = models.Expired{At: m.Expiry.(models.ExpiresAt).At, ScrubbedAt: now}
		m.Content = models.Envelope{}
		m.MediaRef = ""
	}
	return out, nil
}

func (s *MemoryStore) DueForHardDelete(_ context.Context, now time.Time, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []models.Message
	for _, m := range s.messages {
		d, ok := m.Deletion.(models.DeletedForEveryone)
		if !ok || d.DeadLettered || d.GraceUntil.After(now) {
			continue
		}
		due = append(due, copyMessage(*m))
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].Deletion.(models.DeletedForEveryone).GraceUntil.Before(due[j].Deletion.(models.DeletedForEveryone).GraceUntil)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) HardDelete(_ context.Context, messageID int, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return false, ErrMessageNotFound
	}
	d, ok := m.Deletion.(models.DeletedForEveryone)
	if !ok {
		return false, nil
	}
	m.Deletion = models.HardDeleted{Everyone: d, At: at}
	m.Content = models.Envelope{}
	m.MediaRef = ""
	return true, nil
}

func (s *MemoryStore) RecordGraceFailure(_ context.Context, messageID, maxRetries int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return 0, false, ErrMessageNotFound
	}
	d, ok := m.Deletion.(models.DeletedForEveryone)
	if !ok {
		return 0, false, nil
	}
	d.Retries++
	if d.Retries >= maxRetries {
		d.DeadLettered = true
	}
	m.Deletion = d
	return d.Retries, d.DeadLettered, nil
}

func (s *MemoryStore) Unaggregated(_ context.Context, createdBefore time.Time, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Message
	for _, m := range s.messages {
		if !m.Aggregated && m.CreatedAt.Before(createdBefore) {
			out = append(out, copyMessage(*m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyConversation(c models.Conversation) models.Conversation {
	c.Participants = append([]int(nil), c.Participants...)
	unread := make(map[int]int, len(c.Unread))
	for k, v := range c.Unread {
		unread[k] = v
	}
	c.Unread = unread
	if c.LastMessage != nil {
		summary := *c.LastMessage
		c.LastMessage = &summary
	}
	return c
}

func copyMessage(m models.Message) models.Message {
	m.ReadBy = append([]models.ReadReceipt(nil), m.ReadBy...)
	m.HiddenFor = append([]models.UserDeletion(nil), m.HiddenFor...)
	m.Content.Ciphertext = append([]byte(nil), m.Content.Ciphertext...)
	m.Content.IV = append([]byte(nil), m.Content.IV...)
	m.Content.AuthTag = append([]byte(nil), m.Content.AuthTag...)
	return m
}

func uniqueMembers(adminID int, memberIDs []int) []int {
	set := map[int]struct{}{adminID: {}}
	for _, id := range memberIDs {
		set[id] = struct{}{}
	}
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func lastActivity(c models.Conversation) time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.At
	}
	return c.CreatedAt
}

func containsStatus(list []models.DeliveryStatus, s models.DeliveryStatus) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
