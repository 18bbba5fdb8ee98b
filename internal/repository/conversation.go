package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmhub/internal/logger"
	"github.com/dmhub/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const convCols = `id, participant_low, participant_high, last_message_id, last_activity,
	unread_low, unread_high, archived_by, created_at`

type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

func scanConversation(s interface{ Scan(dest ...any) error }, c *model.Conversation) error {
	return s.Scan(&c.ID, &c.ParticipantLow, &c.ParticipantHigh, &c.LastMessageID, &c.LastActivity,
		&c.UnreadLow, &c.UnreadHigh, &c.ArchivedBy, &c.CreatedAt)
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetByID", time.Now())()
	c := &model.Conversation{}
	row := r.pool.QueryRow(ctx, `SELECT `+convCols+` FROM conversations WHERE id = $1`, id)
	if err := scanConversation(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("convRepo.GetByID: %w", err)
	}
	return c, nil
}

func (r *ConversationRepository) GetByPair(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetByPair", time.Now())()
	low, high := model.PairKey(userA, userB)
	c := &model.Conversation{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+convCols+` FROM conversations WHERE participant_low = $1 AND participant_high = $2`,
		low, high,
	)
	if err := scanConversation(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("convRepo.GetByPair: %w", err)
	}
	return c, nil
}

// FindOrCreate returns the aggregate for the unordered pair, creating it
// on first contact. Concurrent first sends from both directions are
// resolved by the unique constraint on the canonical pair: the insert is
// ON CONFLICT DO NOTHING and the row is refetched afterwards, so both
// callers converge on the same aggregate.
func (r *ConversationRepository) FindOrCreate(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.FindOrCreate", time.Now())()
	c, err := r.GetByPair(ctx, userA, userB)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	low, high := model.PairKey(userA, userB)
	_, err = r.pool.Exec(ctx,
		`INSERT INTO conversations (id, participant_low, participant_high, last_activity, created_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (participant_low, participant_high) DO NOTHING`,
		uuid.New().String(), low, high, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.FindOrCreate insert: %w", err)
	}
	return r.GetByPair(ctx, userA, userB)
}

// IncrementUnread atomically bumps the counter owned by forUserID.
func (r *ConversationRepository) IncrementUnread(ctx context.Context, conversationID, forUserID string) error {
	defer logger.DeferLogDuration("conv.IncrementUnread", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE conversations SET
		   unread_low  = unread_low  + CASE WHEN participant_low  = $2 THEN 1 ELSE 0 END,
		   unread_high = unread_high + CASE WHEN participant_high = $2 THEN 1 ELSE 0 END
		 WHERE id = $1`,
		conversationID, forUserID,
	)
	if err != nil {
		return fmt.Errorf("convRepo.IncrementUnread: %w", err)
	}
	return nil
}

// ResetUnread atomically zeroes the counter owned by forUserID.
func (r *ConversationRepository) ResetUnread(ctx context.Context, conversationID, forUserID string) error {
	defer logger.DeferLogDuration("conv.ResetUnread", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE conversations SET
		   unread_low  = CASE WHEN participant_low  = $2 THEN 0 ELSE unread_low  END,
		   unread_high = CASE WHEN participant_high = $2 THEN 0 ELSE unread_high END
		 WHERE id = $1`,
		conversationID, forUserID,
	)
	if err != nil {
		return fmt.Errorf("convRepo.ResetUnread: %w", err)
	}
	return nil
}

func (r *ConversationRepository) GetUnreadFor(ctx context.Context, conversationID, userID string) (int, error) {
	defer logger.DeferLogDuration("conv.GetUnreadFor", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT CASE WHEN participant_low = $2 THEN unread_low
		             WHEN participant_high = $2 THEN unread_high
		             ELSE 0 END
		 FROM conversations WHERE id = $1`,
		conversationID, userID,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("convRepo.GetUnreadFor: %w", err)
	}
	return count, nil
}

// SetLastMessage records the newest message and bumps last_activity.
func (r *ConversationRepository) SetLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	defer logger.DeferLogDuration("conv.SetLastMessage", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE conversations SET last_message_id = $2, last_activity = $3 WHERE id = $1`,
		conversationID, messageID, at,
	)
	if err != nil {
		return fmt.Errorf("convRepo.SetLastMessage: %w", err)
	}
	return nil
}

// SetArchived adds or removes userID from the conversation's archived set.
func (r *ConversationRepository) SetArchived(ctx context.Context, conversationID, userID string, archived bool) error {
	defer logger.DeferLogDuration("conv.SetArchived", time.Now())()
	var err error
	if archived {
		_, err = r.pool.Exec(ctx,
			`UPDATE conversations SET archived_by = array_append(archived_by, $2)
			 WHERE id = $1 AND NOT ($2 = ANY(archived_by))`,
			conversationID, userID,
		)
	} else {
		_, err = r.pool.Exec(ctx,
			`UPDATE conversations SET archived_by = array_remove(archived_by, $2) WHERE id = $1`,
			conversationID, userID,
		)
	}
	if err != nil {
		return fmt.Errorf("convRepo.SetArchived: %w", err)
	}
	return nil
}

// ListForUser returns the caller's conversations newest-activity-first,
// joined with peer info, last message and the caller's unread counter.
func (r *ConversationRepository) ListForUser(ctx context.Context, userID string, limit, offset int) ([]model.ConversationSummary, error) {
	defer logger.DeferLogDuration("conv.ListForUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT c.id, c.participant_low, c.participant_high, c.last_message_id, c.last_activity,
		        c.unread_low, c.unread_high, c.archived_by, c.created_at,
		        u.id, u.username, u.avatar_url, u.is_online, u.last_seen_at,
		        m.id, m.sender_id, m.receiver_id, m.msg_type, m.content, m.file_url, m.file_name,
		        m.file_size, m.mime_type, m.duration_sec, m.status, m.reply_to_id,
		        m.is_deleted, m.deleted_at, m.created_at, m.updated_at
		 FROM conversations c
		 JOIN users u ON u.id = CASE WHEN c.participant_low = $1 THEN c.participant_high ELSE c.participant_low END
		 LEFT JOIN messages m ON m.id = c.last_message_id AND m.is_deleted = FALSE
		 WHERE c.participant_low = $1 OR c.participant_high = $1
		 ORDER BY c.last_activity DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.ListForUser query: %w", err)
	}
	defer rows.Close()

	summaries := make([]model.ConversationSummary, 0, limit)
	for rows.Next() {
		var s model.ConversationSummary
		var m model.Message
		var mID *string
		var mDuration *int
		var mReplyTo *string
		var mDeletedAt, mCreatedAt, mUpdatedAt *time.Time
		var mSender, mReceiver, mType, mContent, mFileURL, mFileName, mMime, mStatus *string
		var mFileSize *int64
		var mDeleted *bool
		err := rows.Scan(&s.Conversation.ID, &s.Conversation.ParticipantLow, &s.Conversation.ParticipantHigh,
			&s.Conversation.LastMessageID, &s.Conversation.LastActivity,
			&s.Conversation.UnreadLow, &s.Conversation.UnreadHigh, &s.Conversation.ArchivedBy, &s.Conversation.CreatedAt,
			&s.Peer.ID, &s.Peer.Username, &s.Peer.AvatarURL, &s.Peer.IsOnline, &s.Peer.LastSeenAt,
			&mID, &mSender, &mReceiver, &mType, &mContent, &mFileURL, &mFileName,
			&mFileSize, &mMime, &mDuration, &mStatus, &mReplyTo,
			&mDeleted, &mDeletedAt, &mCreatedAt, &mUpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("convRepo.ListForUser scan: %w", err)
		}
		if mID != nil {
			m = model.Message{
				ID: *mID, SenderID: *mSender, ReceiverID: *mReceiver,
				Type: model.MessageType(*mType), Content: *mContent,
				FileURL: *mFileURL, FileName: *mFileName, FileSize: *mFileSize, MimeType: *mMime,
				DurationSec: mDuration, Status: model.MessageStatus(*mStatus), ReplyToID: mReplyTo,
				IsDeleted: *mDeleted, DeletedAt: mDeletedAt, CreatedAt: *mCreatedAt, UpdatedAt: *mUpdatedAt,
			}
			s.LastMessage = &m
		}
		s.UnreadCount = s.Conversation.UnreadFor(userID)
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.ListForUser rows: %w", err)
	}
	return summaries, nil
}
