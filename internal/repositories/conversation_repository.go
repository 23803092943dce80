package repositories

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"dm-service/internal/models"
)

// ConversationRepo is a sqlx implementation of ConversationRepository.
// Aggregate updates lock the conversation row, which serializes sends,
// reads and reconciliation per conversation.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

var _ ConversationRepository = (*ConversationRepo)(nil)

const conversationColumns = `c.id, c.is_group, c.name, c.admin_id, c.encrypted, c.is_active,
        c.last_message_id, c.last_sender_id, c.last_message_type, c.last_message_at, c.created_at`

type conversationRow struct {
	ID              int            `db:"id"`
	IsGroup         bool           `db:"is_group"`
	Name            string         `db:"name"`
	AdminID         int            `db:"admin_id"`
	Encrypted       bool           `db:"encrypted"`
	IsActive        bool           `db:"is_active"`
	LastMessageID   sql.NullInt64  `db:"last_message_id"`
	LastSenderID    sql.NullInt64  `db:"last_sender_id"`
	LastMessageType sql.NullString `db:"last_message_type"`
	LastMessageAt   sql.NullTime   `db:"last_message_at"`
	CreatedAt       time.Time      `db:"created_at"`
}

func (r conversationRow) toModel() models.Conversation {
	conv := models.Conversation{
		ID:        r.ID,
		IsGroup:   r.IsGroup,
		Name:      r.Name,
		AdminID:   r.AdminID,
		Encrypted: r.Encrypted,
		IsActive:  r.IsActive,
		CreatedAt: r.CreatedAt,
		Unread:    map[int]int{},
	}
	if r.LastMessageID.Valid {
		conv.LastMessage = &models.MessageSummary{
			MessageID: int(r.LastMessageID.Int64),
			SenderID:  int(r.LastSenderID.Int64),
			Type:      models.MessageType(r.LastMessageType.String),
			At:        r.LastMessageAt.Time,
		}
	}
	return conv
}

type participantRow struct {
	ConversationID int `db:"conversation_id"`
	UserID         int `db:"user_id"`
	UnreadCount    int `db:"unread_count"`
}

// CreateDirect inserts the conversation for an unordered pair. A concurrent
// creation for the same pair yields ErrDuplicateConversation.
func (r *ConversationRepo) CreateDirect(ctx context.Context, userA, userB int, encrypted bool) (models.Conversation, error) {
	participants := []int{userA, userB}
	sort.Ints(participants)

	var conv models.Conversation
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var row conversationRow
		err := tx.GetContext(ctx, &row, `INSERT INTO conversations AS c (pair_key, encrypted) VALUES ($1, $2)
            RETURNING `+conversationColumns, models.PairKey(userA, userB), encrypted)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateConversation
			}
			return err
		}
		if err := insertParticipants(ctx, tx, row.ID, participants); err != nil {
			return err
		}
		conv = row.toModel()
		conv.Participants = participants
		for _, p := range participants {
			conv.Unread[p] = 0
		}
		return nil
	})
	return conv, err
}

// GetDirect fetches the conversation for an unordered pair.
func (r *ConversationRepo) GetDirect(ctx context.Context, userA, userB int) (models.Conversation, error) {
	var row conversationRow
	err := r.db.GetContext(ctx, &row, `SELECT `+conversationColumns+` FROM conversations c WHERE c.pair_key=$1`, models.PairKey(userA, userB))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, err
	}
	return r.withParticipants(ctx, r.db, row)
}

// CreateGroup creates a group conversation and its members atomically.
func (r *ConversationRepo) CreateGroup(ctx context.Context, adminID int, name string, memberIDs []int, encrypted bool) (models.Conversation, error) {
	members := uniqueMembers(adminID, memberIDs)

	var conv models.Conversation
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var row conversationRow
		if err := tx.GetContext(ctx, &row, `INSERT INTO conversations AS c (is_group, name, admin_id, encrypted) VALUES (TRUE, $1, $2, $3)
            RETURNING `+conversationColumns, name, adminID, encrypted); err != nil {
			return err
		}
		if err := insertParticipants(ctx, tx, row.ID, members); err != nil {
			return err
		}
		conv = row.toModel()
		conv.Participants = members
		for _, p := range members {
			conv.Unread[p] = 0
		}
		return nil
	})
	return conv, err
}

func insertParticipants(ctx context.Context, tx *sqlx.Tx, conversationID int, userIDs []int) error {
	for _, id := range userIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2)`, conversationID, id); err != nil {
			return err
		}
	}
	return nil
}

// GetConversation fetches a single conversation with its participants.
func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID int) (models.Conversation, error) {
	return r.get(ctx, r.db, conversationID)
}

func (r *ConversationRepo) get(ctx context.Context, q sqlx.QueryerContext, conversationID int) (models.Conversation, error) {
	var row conversationRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+conversationColumns+` FROM conversations c WHERE c.id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, err
	}
	return r.withParticipants(ctx, q, row)
}

func (r *ConversationRepo) withParticipants(ctx context.Context, q sqlx.QueryerContext, row conversationRow) (models.Conversation, error) {
	convs, err := r.attachParticipants(ctx, q, []conversationRow{row})
	if err != nil {
		return models.Conversation{}, err
	}
	return convs[0], nil
}

func (r *ConversationRepo) attachParticipants(ctx context.Context, q sqlx.QueryerContext, rows []conversationRow) ([]models.Conversation, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, int64(row.ID))
	}

	var participants []participantRow
	if err := sqlx.SelectContext(ctx, q, &participants, `SELECT conversation_id, user_id, unread_count FROM conversation_participants
        WHERE conversation_id = ANY($1) ORDER BY user_id`, pq.Array(ids)); err != nil {
		return nil, err
	}

	byID := make(map[int]*models.Conversation, len(rows))
	result := make([]models.Conversation, len(rows))
	for i, row := range rows {
		result[i] = row.toModel()
		byID[row.ID] = &result[i]
	}
	for _, p := range participants {
		conv := byID[p.ConversationID]
		conv.Participants = append(conv.Participants, p.UserID)
		conv.Unread[p.UserID] = p.UnreadCount
	}
	return result, nil
}

// ListForUser returns the user's conversations, most recently active first.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID int, limit, offset int) ([]models.Conversation, error) {
	var rows []conversationRow
	err := r.db.SelectContext(ctx, &rows, `SELECT `+conversationColumns+` FROM conversations c
        INNER JOIN conversation_participants cp ON cp.conversation_id = c.id
        WHERE cp.user_id=$1
        ORDER BY COALESCE(c.last_message_at, c.created_at) DESC, c.id DESC
        LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	return r.attachParticipants(ctx, r.db, rows)
}

// SetActive toggles the conversation's active flag.
func (r *ConversationRepo) SetActive(ctx context.Context, conversationID int, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE conversations SET is_active=$2 WHERE id=$1`, conversationID, active)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// ApplyMessage flips the message's aggregated flag and updates counters and
// summary in the same transaction.
func (r *ConversationRepo) ApplyMessage(ctx context.Context, msg models.Message) (bool, error) {
	applied := false
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := lockConversation(ctx, tx, msg.ConversationID); err != nil {
			return err
		}

		var stored struct {
			ID        int       `db:"id"`
			SenderID  int       `db:"sender_id"`
			Type      string    `db:"type"`
			CreatedAt time.Time `db:"created_at"`
		}
		err := tx.GetContext(ctx, &stored, `UPDATE messages SET aggregated = TRUE
            WHERE id=$1 AND conversation_id=$2 AND aggregated = FALSE
            RETURNING id, sender_id, type, created_at`, msg.ID, msg.ConversationID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `UPDATE conversation_participants SET unread_count = unread_count + 1
            WHERE conversation_id=$1 AND user_id <> $2 AND last_read_message_id < $3`,
			msg.ConversationID, stored.SenderID, stored.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE conversations
            SET last_message_id=$2, last_sender_id=$3, last_message_type=$4, last_message_at=$5
            WHERE id=$1 AND (last_message_id IS NULL OR last_message_id < $2)`,
			msg.ConversationID, stored.ID, stored.SenderID, stored.Type, stored.CreatedAt); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// MarkRead moves the read watermark and recounts unread above it.
func (r *ConversationRepo) MarkRead(ctx context.Context, conversationID, userID, upTo int) (ReadMark, error) {
	var mark ReadMark
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var lastID sql.NullInt64
		err := tx.GetContext(ctx, &lastID, `SELECT last_message_id FROM conversations WHERE id=$1 FOR UPDATE`, conversationID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrConversationNotFound
		}
		if err != nil {
			return err
		}

		err = tx.GetContext(ctx, &mark.Previous, `SELECT last_read_message_id FROM conversation_participants
            WHERE conversation_id=$1 AND user_id=$2`, conversationID, userID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrConversationNotFound
		}
		if err != nil {
			return err
		}

		target := upTo
		if target == 0 && lastID.Valid {
			target = int(lastID.Int64)
		}
		mark.Current = mark.Previous
		if target > mark.Current {
			mark.Current = target
		}

		if err := tx.GetContext(ctx, &mark.Unread, `SELECT COUNT(*) FROM messages
            WHERE conversation_id=$1 AND aggregated = TRUE AND sender_id <> $2 AND id > $3`,
			conversationID, userID, mark.Current); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE conversation_participants SET last_read_message_id=$3, unread_count=$4
            WHERE conversation_id=$1 AND user_id=$2`, conversationID, userID, mark.Current, mark.Unread)
		return err
	})
	return mark, err
}

// Reconcile recomputes counters and summary from message rows.
func (r *ConversationRepo) Reconcile(ctx context.Context, conversationID int) (models.Conversation, error) {
	var conv models.Conversation
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := lockConversation(ctx, tx, conversationID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET aggregated = TRUE WHERE conversation_id=$1 AND aggregated = FALSE`, conversationID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE conversation_participants cp SET unread_count = (
                SELECT COUNT(*) FROM messages m
                WHERE m.conversation_id = cp.conversation_id AND m.sender_id <> cp.user_id AND m.id > cp.last_read_message_id)
            WHERE cp.conversation_id=$1`, conversationID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE conversations
            SET (last_message_id, last_sender_id, last_message_type, last_message_at) = (
                SELECT m.id, m.sender_id, m.type, m.created_at FROM messages m
                WHERE m.conversation_id=$1 ORDER BY m.id DESC LIMIT 1)
            WHERE id=$1`, conversationID); err != nil {
			return err
		}
		var err error
		conv, err = r.get(ctx, tx, conversationID)
		return err
	})
	return conv, err
}

func lockConversation(ctx context.Context, tx *sqlx.Tx, conversationID int) error {
	var id int
	err := tx.GetContext(ctx, &id, `SELECT id FROM conversations WHERE id=$1 FOR UPDATE`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrConversationNotFound
	}
	return err
}

func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
