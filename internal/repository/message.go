package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmhub/internal/logger"
	"github.com/dmhub/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const msgCols = `m.id, m.sender_id, m.receiver_id, m.msg_type, m.content, m.file_url, m.file_name,
	m.file_size, m.mime_type, m.duration_sec, m.status, m.reply_to_id,
	m.is_deleted, m.deleted_at, m.created_at, m.updated_at`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	return s.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Type, &m.Content, &m.FileURL, &m.FileName,
		&m.FileSize, &m.MimeType, &m.DurationSec, &m.Status, &m.ReplyToID,
		&m.IsDeleted, &m.DeletedAt, &m.CreatedAt, &m.UpdatedAt)
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, sender_id, receiver_id, msg_type, content, file_url, file_name,
		                       file_size, mime_type, duration_sec, status, reply_to_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)`,
		m.ID, m.SenderID, m.ReceiverID, m.Type, m.Content, m.FileURL, m.FileName,
		m.FileSize, m.MimeType, m.DurationSec, m.Status, m.ReplyToID, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

// GetByID returns the message even when soft-deleted; callers that must
// hide deleted messages filter on IsDeleted themselves.
func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	row := r.pool.QueryRow(ctx, `SELECT `+msgCols+` FROM messages m WHERE m.id = $1`, id)
	if err := scanMessage(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

// ListConversation returns messages between the two users newest-first,
// soft-deleted excluded. before is an optional creation-time cursor; ties
// on created_at are broken by the insertion sequence so pagination is stable.
func (r *MessageRepository) ListConversation(ctx context.Context, userA, userB string, limit, offset int, before *time.Time) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListConversation", time.Now())()
	sql := `SELECT ` + msgCols + `
	 FROM messages m
	 WHERE ((m.sender_id = $1 AND m.receiver_id = $2) OR (m.sender_id = $2 AND m.receiver_id = $1))
	   AND m.is_deleted = FALSE`
	args := []any{userA, userB}
	if before != nil {
		args = append(args, *before)
		sql += fmt.Sprintf(` AND m.created_at < $%d`, len(args))
	}
	args = append(args, limit, offset)
	sql += fmt.Sprintf(` ORDER BY m.created_at DESC, m.seq DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListConversation query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.ListConversation scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ListConversation rows: %w", err)
	}
	return messages, nil
}

// MarkDelivered advances a single message sent -> delivered. The write is
// conditional on the current status so it can never regress a seen message.
func (r *MessageRepository) MarkDelivered(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("msg.MarkDelivered", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET status = 'delivered', updated_at = NOW()
		 WHERE id = $1 AND status = 'sent'`, id,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.MarkDelivered: %w", err)
	}
	return nil
}

// MarkDeliveredBatch advances all pending messages from sender to receiver
// that are still 'sent'. Returns how many rows moved forward.
func (r *MessageRepository) MarkDeliveredBatch(ctx context.Context, senderID, receiverID string) (int64, error) {
	defer logger.DeferLogDuration("msg.MarkDeliveredBatch", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET status = 'delivered', updated_at = NOW()
		 WHERE sender_id = $1 AND receiver_id = $2 AND status = 'sent' AND is_deleted = FALSE`,
		senderID, receiverID,
	)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.MarkDeliveredBatch: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkSeenBatch advances all not-yet-seen messages from sender to receiver.
func (r *MessageRepository) MarkSeenBatch(ctx context.Context, senderID, receiverID string) (int64, error) {
	defer logger.DeferLogDuration("msg.MarkSeenBatch", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET status = 'seen', updated_at = NOW()
		 WHERE sender_id = $1 AND receiver_id = $2 AND status != 'seen' AND is_deleted = FALSE`,
		senderID, receiverID,
	)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.MarkSeenBatch: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountUnseenFor is the global badge count across all conversations.
func (r *MessageRepository) CountUnseenFor(ctx context.Context, userID string) (int, error) {
	defer logger.DeferLogDuration("msg.CountUnseenFor", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages
		 WHERE receiver_id = $1 AND status != 'seen' AND is_deleted = FALSE`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.CountUnseenFor: %w", err)
	}
	return count, nil
}

// SoftDelete flags the message; the row itself stays queryable by id.
func (r *MessageRepository) SoftDelete(ctx context.Context, id string, at time.Time) error {
	defer logger.DeferLogDuration("msg.SoftDelete", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_deleted = TRUE, deleted_at = $2, updated_at = $2 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.SoftDelete: %w", err)
	}
	return nil
}

// Search filters the caller's messages by content substring (ILIKE), with
// optional peer and type filters.
func (r *MessageRepository) Search(ctx context.Context, userID, query, peerID string, msgType model.MessageType, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.Search", time.Now())()
	sql := `SELECT ` + msgCols + `
	 FROM messages m
	 WHERE (m.sender_id = $1 OR m.receiver_id = $1)
	   AND m.is_deleted = FALSE
	   AND m.content ILIKE '%' || $2 || '%'`
	args := []any{userID, query}
	if peerID != "" {
		args = append(args, peerID)
		sql += fmt.Sprintf(` AND (m.sender_id = $%d OR m.receiver_id = $%d)`, len(args), len(args))
	}
	if msgType != "" {
		args = append(args, msgType)
		sql += fmt.Sprintf(` AND m.msg_type = $%d`, len(args))
	}
	args = append(args, limit)
	sql += fmt.Sprintf(` ORDER BY m.created_at DESC, m.seq DESC LIMIT $%d`, len(args))

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Search query: %w", err)
	}
	defer rows.Close()

	msgs := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.Search scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.Search rows: %w", err)
	}
	return msgs, nil
}
