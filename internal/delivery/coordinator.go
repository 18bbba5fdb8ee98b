// Package delivery owns the message status state machine. Both the HTTP
// controller and the realtime gateway are thin adapters over the
// Coordinator, so a send behaves identically regardless of transport and
// of whether the receiver is connected at that moment.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmhub/internal/logger"
	"github.com/dmhub/internal/model"
	"github.com/dmhub/internal/presence"
	"github.com/dmhub/internal/repository"
	"github.com/google/uuid"
)

var (
	// ErrNotSender is returned when someone other than the original
	// sender attempts to delete a message.
	ErrNotSender = errors.New("only the sender may delete a message")
	// ErrInvalidReply is returned when reply_to does not reference an
	// existing message between the same pair.
	ErrInvalidReply = errors.New("reply target not found in this conversation")
	// ErrSelfSend is returned when sender and receiver are the same user;
	// conversations exist only between distinct participants.
	ErrSelfSend = errors.New("cannot send a message to yourself")
)

// MessageStore is the persistent, ordered message log.
type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
	GetByID(ctx context.Context, id string) (*model.Message, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkDeliveredBatch(ctx context.Context, senderID, receiverID string) (int64, error)
	MarkSeenBatch(ctx context.Context, senderID, receiverID string) (int64, error)
	SoftDelete(ctx context.Context, id string, at time.Time) error
}

// ConversationStore is the per-pair aggregate with atomic unread counters.
type ConversationStore interface {
	FindOrCreate(ctx context.Context, userA, userB string) (*model.Conversation, error)
	GetByPair(ctx context.Context, userA, userB string) (*model.Conversation, error)
	SetLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error
	IncrementUnread(ctx context.Context, conversationID, forUserID string) error
	ResetUnread(ctx context.Context, conversationID, forUserID string) error
	GetUnreadFor(ctx context.Context, conversationID, userID string) (int, error)
}

// UserDirectory resolves receiver identities (external identity service).
type UserDirectory interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

// ArtifactCleaner removes an already-uploaded file when persisting its
// message fails. Best-effort; nil disables cleanup.
type ArtifactCleaner interface {
	Delete(ctx context.Context, fileURL string)
}

// Notifier reaches receivers with no live connection through an external
// push channel. Best-effort; nil disables it.
type Notifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

type Coordinator struct {
	msgs     MessageStore
	convs    ConversationStore
	users    UserDirectory
	registry *presence.Registry
	pusher   Pusher
	cleaner  ArtifactCleaner
	notifier Notifier
}

func NewCoordinator(
	msgs MessageStore,
	convs ConversationStore,
	users UserDirectory,
	registry *presence.Registry,
	pusher Pusher,
	cleaner ArtifactCleaner,
	notifier Notifier,
) *Coordinator {
	return &Coordinator{
		msgs:     msgs,
		convs:    convs,
		users:    users,
		registry: registry,
		pusher:   pusher,
		cleaner:  cleaner,
		notifier: notifier,
	}
}

// SendInput describes a send from either transport. For non-text types
// the file must already be uploaded by the caller; the coordinator only
// reacts to the upload's result.
type SendInput struct {
	ReceiverID  string
	Type        model.MessageType
	Content     string
	FileURL     string
	FileName    string
	FileSize    int64
	MimeType    string
	DurationSec *int
	ReplyToID   string
}

// Send persists the message, updates the conversation aggregate and, if
// the receiver is connected, advances it to delivered and pushes a
// newMessage event. The returned message is the sender's acknowledgment
// and never waits on the receiver push.
func (c *Coordinator) Send(ctx context.Context, senderID string, in SendInput) (*model.Message, *model.Conversation, error) {
	defer logger.DeferLogDuration("delivery.Send", time.Now())()

	if in.ReceiverID == senderID {
		return nil, nil, ErrSelfSend
	}
	if _, err := c.users.GetByID(ctx, in.ReceiverID); err != nil {
		return nil, nil, err
	}

	var replyToID *string
	if in.ReplyToID != "" {
		reply, err := c.msgs.GetByID(ctx, in.ReplyToID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, nil, ErrInvalidReply
			}
			return nil, nil, err
		}
		if !samePair(reply, senderID, in.ReceiverID) {
			return nil, nil, ErrInvalidReply
		}
		replyToID = &in.ReplyToID
	}

	now := time.Now().UTC()
	m := &model.Message{
		ID:          uuid.New().String(),
		SenderID:    senderID,
		ReceiverID:  in.ReceiverID,
		Type:        in.Type,
		Content:     in.Content,
		FileURL:     in.FileURL,
		FileName:    in.FileName,
		FileSize:    in.FileSize,
		MimeType:    in.MimeType,
		DurationSec: in.DurationSec,
		Status:      model.MessageStatusSent,
		ReplyToID:   replyToID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.Validate(); err != nil {
		return nil, nil, err
	}

	// Resolve the aggregate before persisting the message: a failed
	// upsert must not leave an orphan row behind.
	conv, err := c.convs.FindOrCreate(ctx, senderID, in.ReceiverID)
	if err != nil {
		c.cleanupArtifact(m)
		return nil, nil, fmt.Errorf("conversation upsert: %w", err)
	}
	if err := c.msgs.Create(ctx, m); err != nil {
		c.cleanupArtifact(m)
		return nil, nil, fmt.Errorf("persist message: %w", err)
	}
	if err := c.convs.SetLastMessage(ctx, conv.ID, m.ID, now); err != nil {
		return nil, nil, err
	}
	if err := c.convs.IncrementUnread(ctx, conv.ID, in.ReceiverID); err != nil {
		return nil, nil, err
	}

	if c.registry.IsOnline(in.ReceiverID) {
		// Conditional write: a concurrent mark-seen must not be undone.
		if err := c.msgs.MarkDelivered(ctx, m.ID); err != nil {
			logger.Errorf("delivery mark delivered msg=%s: %v", m.ID, err)
		} else {
			m.Status = model.MessageStatusDelivered
		}
		unread, err := c.convs.GetUnreadFor(ctx, conv.ID, in.ReceiverID)
		if err != nil {
			logger.Errorf("delivery unread count conv=%s: %v", conv.ID, err)
		}
		c.pushAsync(in.ReceiverID, EventNewMessage, NewMessagePayload{
			Message:        m,
			ConversationID: conv.ID,
			UnreadCount:    unread,
		})
	} else {
		c.notifyOffline(senderID, m)
	}

	return m, conv, nil
}

// notifyOffline hands the message to the external push channel on a
// spawned goroutine. Failures are the notifier's to log; the send result
// does not depend on it.
func (c *Coordinator) notifyOffline(senderID string, m *model.Message) {
	if c.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		title := "New message"
		if sender, err := c.users.GetByID(ctx, senderID); err == nil && sender.Username != "" {
			title = sender.Username
		}
		body := m.Content
		if m.Type != model.MessageTypeText {
			body = string(m.Type)
		}
		c.notifier.Notify(ctx, m.ReceiverID, title, body, map[string]string{
			"message_id": m.ID,
			"sender_id":  m.SenderID,
		})
	}()
}

// CatchUp bulk-delivers all pending messages from peer to user. Called
// when the user joins the pair's conversation after being offline; the
// original sender is told via messagesDelivered.
func (c *Coordinator) CatchUp(ctx context.Context, userID, peerID string) error {
	defer logger.DeferLogDuration("delivery.CatchUp", time.Now())()
	n, err := c.msgs.MarkDeliveredBatch(ctx, peerID, userID)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	conv, err := c.convs.GetByPair(ctx, userID, peerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	c.pushAsync(peerID, EventMessagesDelivered, MessagesDeliveredPayload{
		ConversationID: conv.ID,
		DeliveredTo:    userID,
		Count:          n,
	})
	return nil
}

// MarkSeen transitions all of peer's not-seen messages to seen, zeroes
// the caller's unread counter and notifies the peer. Seen is always an
// explicit receiver action, never inferred from delivery.
func (c *Coordinator) MarkSeen(ctx context.Context, userID, peerID string) error {
	defer logger.DeferLogDuration("delivery.MarkSeen", time.Now())()
	if _, err := c.msgs.MarkSeenBatch(ctx, peerID, userID); err != nil {
		return err
	}
	conv, err := c.convs.GetByPair(ctx, userID, peerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := c.convs.ResetUnread(ctx, conv.ID, userID); err != nil {
		return err
	}
	c.pushAsync(peerID, EventMessagesSeen, MessagesSeenPayload{
		ConversationID: conv.ID,
		SeenBy:         userID,
		SeenAt:         time.Now().UTC(),
	})
	return nil
}

// Delete soft-deletes a message. Sender-only; already-counted unread
// increments are not retroactively corrected.
func (c *Coordinator) Delete(ctx context.Context, userID, messageID string) (*model.Message, error) {
	defer logger.DeferLogDuration("delivery.Delete", time.Now())()
	m, err := c.msgs.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != userID {
		return nil, ErrNotSender
	}
	if m.IsDeleted {
		return m, nil
	}
	now := time.Now().UTC()
	if err := c.msgs.SoftDelete(ctx, messageID, now); err != nil {
		return nil, err
	}
	m.IsDeleted = true
	m.DeletedAt = &now
	c.pushAsync(m.ReceiverID, EventMessageDeleted, MessageDeletedPayload{
		MessageID: m.ID,
		SenderID:  m.SenderID,
	})
	return m, nil
}

// pushAsync fires the event on a spawned goroutine so the synchronous
// path never waits on socket delivery. The result is only logged.
func (c *Coordinator) pushAsync(userID, event string, payload any) {
	if c.pusher == nil {
		return
	}
	go func() {
		if !c.pusher.PushToUser(userID, event, payload) {
			logger.Infof("delivery push %s to offline user=%s skipped", event, userID)
		}
	}()
}

func (c *Coordinator) cleanupArtifact(m *model.Message) {
	if c.cleaner == nil || m.Type == model.MessageTypeText || m.FileURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.cleaner.Delete(ctx, m.FileURL)
}

func samePair(m *model.Message, userA, userB string) bool {
	return (m.SenderID == userA && m.ReceiverID == userB) ||
		(m.SenderID == userB && m.ReceiverID == userA)
}
