package repositories

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"dm-service/internal/models"
)

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

var _ MessageRepository = (*MessageRepo)(nil)

const messageColumns = `m.id, m.conversation_id, m.sender_id, m.correlation_id, m.type,
        m.encrypted, m.ciphertext, m.iv, m.auth_tag, m.plaintext, m.media_ref, m.status, m.aggregated, m.created_at,
        m.expires_at, m.expired_at, m.deleted_for_everyone_at, m.deleted_for_everyone_by, m.grace_until,
        m.grace_delete_retries, m.dead_lettered, m.hard_deleted_at`

type messageRow struct {
	ID                   int           `db:"id"`
	ConversationID       int           `db:"conversation_id"`
	SenderID             int           `db:"sender_id"`
	CorrelationID        string        `db:"correlation_id"`
	Type                 string        `db:"type"`
	Encrypted            bool          `db:"encrypted"`
	Ciphertext           []byte        `db:"ciphertext"`
	IV                   []byte        `db:"iv"`
	AuthTag              []byte        `db:"auth_tag"`
	Plaintext            string        `db:"plaintext"`
	MediaRef             string        `db:"media_ref"`
	Status               string        `db:"status"`
	Aggregated           bool          `db:"aggregated"`
	CreatedAt            time.Time     `db:"created_at"`
	ExpiresAt            sql.NullTime  `db:"expires_at"`
	ExpiredAt            sql.NullTime  `db:"expired_at"`
	DeletedForEveryoneAt sql.NullTime  `db:"deleted_for_everyone_at"`
	DeletedForEveryoneBy sql.NullInt64 `db:"deleted_for_everyone_by"`
	GraceUntil           sql.NullTime  `db:"grace_until"`
	GraceDeleteRetries   int           `db:"grace_delete_retries"`
	DeadLettered         bool          `db:"dead_lettered"`
	HardDeletedAt        sql.NullTime  `db:"hard_deleted_at"`
}

func (r messageRow) toModel() models.Message {
	msg := models.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		CorrelationID:  r.CorrelationID,
		Type:           models.MessageType(r.Type),
		Content: models.Envelope{
			Encrypted:  r.Encrypted,
			Ciphertext: r.Ciphertext,
			IV:         r.IV,
			AuthTag:    r.AuthTag,
			Plaintext:  r.Plaintext,
		},
		MediaRef:   r.MediaRef,
		CreatedAt:  r.CreatedAt,
		Status:     models.DeliveryStatus(r.Status),
		Aggregated: r.Aggregated,
		Deletion:   models.NotDeleted{},
		Expiry:     models.NoExpiry{},
	}

	if r.DeletedForEveryoneAt.Valid {
		everyone := models.DeletedForEveryone{
			By:           int(r.DeletedForEveryoneBy.Int64),
			At:           r.DeletedForEveryoneAt.Time,
			GraceUntil:   r.GraceUntil.Time,
			Retries:      r.GraceDeleteRetries,
			DeadLettered: r.DeadLettered,
		}
		msg.Deletion = everyone
		if r.HardDeletedAt.Valid {
			msg.Deletion = models.HardDeleted{Everyone: everyone, At: r.HardDeletedAt.Time}
		}
	}

	switch {
	case r.ExpiredAt.Valid:
		msg.Expiry = models.Expired{At: r.ExpiresAt.Time, ScrubbedAt: r.ExpiredAt.Time}
	case r.ExpiresAt.Valid:
		msg.Expiry = models.ExpiresAt{At: r.ExpiresAt.Time}
	}
	return msg
}

// Append inserts a message with status sent, returning the existing row when
// the sender already used the correlation id.
func (r *MessageRepo) Append(ctx context.Context, msg models.Message) (models.Message, bool, error) {
	var expiresAt sql.NullTime
	if exp, ok := msg.Expiry.(models.ExpiresAt); ok {
		expiresAt = sql.NullTime{Time: exp.At, Valid: true}
	}

	var row messageRow
	err := r.db.GetContext(ctx, &row, `INSERT INTO messages AS m
            (conversation_id, sender_id, correlation_id, type, encrypted, ciphertext, iv, auth_tag, plaintext, media_ref, status, expires_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        ON CONFLICT (sender_id, correlation_id) DO NOTHING
        RETURNING `+messageColumns,
		msg.ConversationID, msg.SenderID, msg.CorrelationID, string(msg.Type),
		msg.Content.Encrypted, msg.Content.Ciphertext, msg.Content.IV, msg.Content.AuthTag, msg.Content.Plaintext,
		msg.MediaRef, string(models.StatusSent), expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		existing, err := r.GetByCorrelation(ctx, msg.SenderID, msg.CorrelationID)
		return existing, false, err
	}
	if err != nil {
		return models.Message{}, false, err
	}
	return row.toModel(), true, nil
}

// GetByCorrelation fetches the message a sender created with correlationID.
func (r *MessageRepo) GetByCorrelation(ctx context.Context, senderID int, correlationID string) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages m WHERE m.sender_id=$1 AND m.correlation_id=$2`, senderID, correlationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return r.hydrateOne(ctx, row)
}

// GetMessage retrieves a single message with receipts and deletions.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages m WHERE m.id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return r.hydrateOne(ctx, row)
}

// GetMany fetches messages by id; missing ids are absent from the result.
func (r *MessageRepo) GetMany(ctx context.Context, messageIDs []int) (map[int]models.Message, error) {
	out := make(map[int]models.Message, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	var rows []messageRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages m WHERE m.id = ANY($1)`, pq.Array(toInt64s(messageIDs))); err != nil {
		return nil, err
	}
	msgs, err := r.hydrate(ctx, rows)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		out[m.ID] = m
	}
	return out, nil
}

// List returns one page of the conversation newest first, excluding
// messages the viewer deleted for themselves.
func (r *MessageRepo) List(ctx context.Context, conversationID, viewerID, limit, offset int) ([]models.Message, error) {
	var rows []messageRow
	err := r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages m
        WHERE m.conversation_id=$1
        AND NOT EXISTS (SELECT 1 FROM message_deletions d WHERE d.message_id = m.id AND d.user_id=$2)
        ORDER BY m.id DESC
        LIMIT $3 OFFSET $4`, conversationID, viewerID, limit, offset)
	if err != nil {
		return nil, err
	}
	return r.hydrate(ctx, rows)
}

func (r *MessageRepo) hydrateOne(ctx context.Context, row messageRow) (models.Message, error) {
	msgs, err := r.hydrate(ctx, []messageRow{row})
	if err != nil {
		return models.Message{}, err
	}
	return msgs[0], nil
}

func (r *MessageRepo) hydrate(ctx context.Context, rows []messageRow) ([]models.Message, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, int64(row.ID))
	}

	var reads []struct {
		MessageID int       `db:"message_id"`
		UserID    int       `db:"user_id"`
		ReadAt    time.Time `db:"read_at"`
	}
	if err := r.db.SelectContext(ctx, &reads, `SELECT message_id, user_id, read_at FROM message_reads
        WHERE message_id = ANY($1) ORDER BY read_at`, pq.Array(ids)); err != nil {
		return nil, err
	}
	var deletions []struct {
		MessageID int       `db:"message_id"`
		UserID    int       `db:"user_id"`
		DeletedAt time.Time `db:"deleted_at"`
	}
	if err := r.db.SelectContext(ctx, &deletions, `SELECT message_id, user_id, deleted_at FROM message_deletions
        WHERE message_id = ANY($1)`, pq.Array(ids)); err != nil {
		return nil, err
	}

	out := make([]models.Message, len(rows))
	index := make(map[int]int, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
		index[row.ID] = i
	}
	for _, rd := range reads {
		m := &out[index[rd.MessageID]]
		m.ReadBy = append(m.ReadBy, models.ReadReceipt{UserID: rd.UserID, ReadAt: rd.ReadAt})
	}
	for _, d := range deletions {
		m := &out[index[d.MessageID]]
		m.HiddenFor = append(m.HiddenFor, models.UserDeletion{UserID: d.UserID, DeletedAt: d.DeletedAt})
	}
	return out, nil
}

// AddReadReceipts records userID's receipts on other participants' messages
// and, when advance is set, moves their status to read.
func (r *MessageRepo) AddReadReceipts(ctx context.Context, conversationID, userID int, sel ReadSelection, at time.Time, advance bool) ([]StatusChange, error) {
	filter, args := readFilter(conversationID, userID, sel)

	var changes []StatusChange
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO message_reads (message_id, user_id, read_at)
            SELECT m.id, $2::int, $`+strconv.Itoa(len(args)+1)+`::timestamptz FROM messages m WHERE `+filter+`
            ON CONFLICT (message_id, user_id) DO NOTHING`, append(args, at)...); err != nil {
			return err
		}
		if !advance {
			return nil
		}

		var advanced []int
		if err := tx.SelectContext(ctx, &advanced, `UPDATE messages m SET status=$`+strconv.Itoa(len(args)+1)+`
            WHERE `+filter+`
            AND m.status IN ('sent', 'delivered')
            AND m.deleted_for_everyone_at IS NULL
            RETURNING m.id`, append(args, string(models.StatusRead))...); err != nil {
			return err
		}
		for _, id := range advanced {
			changes = append(changes, StatusChange{MessageID: id, Status: models.StatusRead})
		}
		return nil
	})
	return changes, err
}

func readFilter(conversationID, userID int, sel ReadSelection) (string, []any) {
	args := []any{conversationID, userID, pq.Array(toInt64s(sel.IDs)), sel.AfterID, sel.UpToID}
	return `m.conversation_id=$1 AND m.sender_id <> $2
            AND (m.id = ANY($3) OR (m.id > $4 AND m.id <= $5))`, args
}

// AdvanceStatus applies a forward status transition to a message that is
// not deleted for everyone.
func (r *MessageRepo) AdvanceStatus(ctx context.Context, messageID int, from []models.DeliveryStatus, next models.DeliveryStatus) (bool, error) {
	allowed := make([]string, 0, len(from))
	for _, s := range from {
		if s.CanAdvance(next) {
			allowed = append(allowed, string(s))
		}
	}
	if len(allowed) == 0 {
		return false, nil
	}
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET status=$2
        WHERE id=$1 AND status = ANY($3) AND deleted_for_everyone_at IS NULL`, messageID, string(next), pq.Array(allowed))
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	return count > 0, err
}

// HideForUser records a delete-for-me. Repeating it is a no-op.
func (r *MessageRepo) HideForUser(ctx context.Context, messageID, userID int, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO message_deletions (message_id, user_id, deleted_at) VALUES ($1, $2, $3)
        ON CONFLICT (message_id, user_id) DO NOTHING`, messageID, userID, at)
	return err
}

// MarkDeletedForEveryone records the delete and queues the grace hard delete.
func (r *MessageRepo) MarkDeletedForEveryone(ctx context.Context, messageID, by int, at, graceUntil time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages
        SET deleted_for_everyone_at=$3, deleted_for_everyone_by=$2, grace_until=$4
        WHERE id=$1 AND deleted_for_everyone_at IS NULL AND expired_at IS NULL`, messageID, by, at, graceUntil)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	return count > 0, err
}

// ExpireDue scrubs messages whose expiry passed. Rows locked by another
// sweeper are skipped.
func (r *MessageRepo) ExpireDue(ctx context.Context, now time.Time, limit int) ([]ExpiredMessage, error) {
	var rows []struct {
		ID             int    `db:"id"`
		ConversationID int    `db:"conversation_id"`
		MediaRef       string `db:"media_ref"`
	}
	err := r.db.SelectContext(ctx, &rows, `WITH due AS (
            SELECT id, media_ref FROM messages
            WHERE expires_at <= $1 AND expired_at IS NULL
            ORDER BY expires_at
            LIMIT $2
            FOR UPDATE SKIP LOCKED)
        UPDATE messages m
        SET expired_at=$1, ciphertext=NULL, iv=NULL, auth_tag=NULL, plaintext='', media_ref=''
        FROM due WHERE m.id = due.id
        RETURNING m.id, m.conversation_id, due.media_ref`, now, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ExpiredMessage, 0, len(rows))
	for _, row := range rows {
		out = append(out, ExpiredMessage{ID: row.ID, ConversationID: row.ConversationID, MediaRef: row.MediaRef})
	}
	return out, nil
}

// DueForHardDelete lists deleted-for-everyone messages past their grace window.
func (r *MessageRepo) DueForHardDelete(ctx context.Context, now time.Time, limit int) ([]models.Message, error) {
	var rows []messageRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages m
        WHERE m.deleted_for_everyone_at IS NOT NULL AND m.hard_deleted_at IS NULL
        AND m.dead_lettered = FALSE AND m.grace_until <= $1
        ORDER BY m.grace_until
        LIMIT $2`, now, limit); err != nil {
		return nil, err
	}
	out := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// HardDelete irrecoverably clears the envelope and media reference.
func (r *MessageRepo) HardDelete(ctx context.Context, messageID int, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages
        SET hard_deleted_at=$2, ciphertext=NULL, iv=NULL, auth_tag=NULL, plaintext='', media_ref=''
        WHERE id=$1 AND deleted_for_everyone_at IS NOT NULL AND hard_deleted_at IS NULL`, messageID, at)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	return count > 0, err
}

// RecordGraceFailure increments the retry counter and dead-letters the
// message once maxRetries attempts have failed.
func (r *MessageRepo) RecordGraceFailure(ctx context.Context, messageID, maxRetries int) (int, bool, error) {
	var row struct {
		Retries      int  `db:"grace_delete_retries"`
		DeadLettered bool `db:"dead_lettered"`
	}
	err := r.db.GetContext(ctx, &row, `UPDATE messages
        SET grace_delete_retries = grace_delete_retries + 1,
            dead_lettered = (grace_delete_retries + 1 >= $2)
        WHERE id=$1 AND hard_deleted_at IS NULL
        RETURNING grace_delete_retries, dead_lettered`, messageID, maxRetries)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	return row.Retries, row.DeadLettered, err
}

// Unaggregated lists messages whose conversation aggregate never applied.
func (r *MessageRepo) Unaggregated(ctx context.Context, createdBefore time.Time, limit int) ([]models.Message, error) {
	var rows []messageRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages m
        WHERE m.aggregated = FALSE AND m.created_at < $1
        ORDER BY m.id
        LIMIT $2`, createdBefore, limit); err != nil {
		return nil, err
	}
	out := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

func toInt64s(ids []int) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}
