package ws

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dmhub/internal/delivery"
	"github.com/dmhub/internal/logger"
	"github.com/dmhub/internal/model"
	"github.com/dmhub/internal/presence"
	"github.com/dmhub/internal/repository"
)

// typingQuiet is how long a typing indicator lives without a new
// keystroke event before the stop is broadcast automatically.
const typingQuiet = 3 * time.Second

const eventTimeout = 5 * time.Second

// Coordinator is the delivery state machine the gateway routes inbound
// events to. Both transports share one implementation.
type Coordinator interface {
	Send(ctx context.Context, senderID string, in delivery.SendInput) (*model.Message, *model.Conversation, error)
	CatchUp(ctx context.Context, userID, peerID string) error
	MarkSeen(ctx context.Context, userID, peerID string) error
	Delete(ctx context.Context, userID, messageID string) (*model.Message, error)
}

// UserStatusStore mirrors presence into the persistent user record so
// pull-based clients see correct online flags.
type UserStatusStore interface {
	SetOnline(ctx context.Context, userID string, online bool) error
}

// ConversationLookup resolves the aggregate id for typing events.
type ConversationLookup interface {
	GetByPair(ctx context.Context, userA, userB string) (*model.Conversation, error)
}

// Gateway owns all side effects around connections: presence registry
// updates, online/offline broadcasts, typing timers, and routing of
// inbound events to the Coordinator.
type Gateway struct {
	hub      *Hub
	coord    Coordinator
	registry *presence.Registry
	users    UserStatusStore
	convs    ConversationLookup

	typingMu sync.Mutex
	typing   map[string]*time.Timer
}

func NewGateway(hub *Hub, coord Coordinator, registry *presence.Registry, users UserStatusStore, convs ConversationLookup) *Gateway {
	g := &Gateway{
		hub:      hub,
		coord:    coord,
		registry: registry,
		users:    users,
		convs:    convs,
		typing:   make(map[string]*time.Timer),
	}
	hub.gateway = g
	return g
}

func (g *Gateway) clientRegistered(c *Client) {
	g.registry.Register(c.userID, c.connID, c.username, c.avatarURL)

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	if err := g.users.SetOnline(ctx, c.userID, true); err != nil {
		logger.Errorf("ws set online user=%s: %v", c.userID, err)
	}

	g.hub.broadcastExcept(c.userID, OutgoingMessage{
		Type: EventUserOnline,
		Payload: UserStatusPayload{
			UserID:    c.userID,
			Username:  c.username,
			AvatarURL: c.avatarURL,
			Status:    presence.StatusOnline,
		},
	})

	// Seed the new connection with everyone else currently online.
	entries := g.registry.Snapshot()
	others := make([]presence.Entry, 0, len(entries))
	for _, e := range entries {
		if e.UserID != c.userID {
			others = append(others, e)
		}
	}
	g.hub.sendToClient(c, OutgoingMessage{Type: EventOnlineUsers, Payload: others})
}

func (g *Gateway) clientUnregistered(c *Client) {
	g.cancelTypingFor(c.userID)

	// A stale disconnect from a replaced socket must not mark the user
	// offline; the registry checks connection ownership.
	if !g.registry.Unregister(c.userID, c.connID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	if err := g.users.SetOnline(ctx, c.userID, false); err != nil {
		logger.Errorf("ws set offline user=%s: %v", c.userID, err)
	}

	g.hub.broadcastExcept(c.userID, OutgoingMessage{
		Type:    EventUserOffline,
		Payload: UserStatusPayload{UserID: c.userID, Username: c.username},
	})
}

// HandleEvent dispatches an inbound client event.
func (g *Gateway) HandleEvent(ctx context.Context, c *Client, ev IncomingEvent) {
	switch ev.Type {
	case EventJoinConversation:
		g.handleJoin(ctx, c, ev)
	case EventLeaveConversation:
		c.setActivePeer("")
	case EventSendMessage:
		g.handleSend(ctx, c, ev)
	case EventStartTyping:
		g.handleStartTyping(ctx, c, ev)
	case EventStopTyping:
		g.handleStopTyping(ctx, c, ev)
	case EventMarkAsSeen:
		g.handleMarkSeen(ctx, c, ev)
	case EventDeleteMessage:
		g.handleDelete(ctx, c, ev)
	case EventUpdateStatus:
		g.handleUpdateStatus(c, ev)
	default:
		g.sendError(c, "unknown event type")
	}
}

// handleJoin subscribes the client to the pair's conversation and runs
// the reconnect catch-up: everything still 'sent' from the peer becomes
// delivered, and the peer is told.
func (g *Gateway) handleJoin(ctx context.Context, c *Client, ev IncomingEvent) {
	defer logger.DeferLogDuration("ws.handleJoin", time.Now())()
	if ev.OtherUserID == "" {
		g.sendError(c, "other_user_id required")
		return
	}
	c.setActivePeer(ev.OtherUserID)

	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()
	if err := g.coord.CatchUp(ctx, c.userID, ev.OtherUserID); err != nil {
		logger.Errorf("ws catch-up user=%s peer=%s: %v", c.userID, ev.OtherUserID, err)
	}
}

func (g *Gateway) handleSend(ctx context.Context, c *Client, ev IncomingEvent) {
	defer logger.DeferLogDuration("ws.handleSend", time.Now())()
	if ev.ReceiverID == "" {
		g.sendError(c, "receiver_id required")
		return
	}
	msgType := ev.MessageType
	if msgType == "" {
		msgType = model.MessageTypeText
	}
	// Normalize file names: "+" often arrives instead of a space (URL encoding).
	fileName := strings.TrimSpace(strings.ReplaceAll(ev.FileName, "+", " "))

	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()
	m, _, err := g.coord.Send(ctx, c.userID, delivery.SendInput{
		ReceiverID:  ev.ReceiverID,
		Type:        msgType,
		Content:     ev.Content,
		FileURL:     ev.FileURL,
		FileName:    fileName,
		FileSize:    ev.FileSize,
		MimeType:    ev.MimeType,
		DurationSec: ev.DurationSec,
		ReplyToID:   ev.ReplyTo,
	})
	if err != nil {
		switch {
		case errors.Is(err, model.ErrInvalidContent):
			g.sendError(c, "content and message_type do not match")
		case errors.Is(err, delivery.ErrSelfSend):
			g.sendError(c, "cannot send a message to yourself")
		case errors.Is(err, delivery.ErrInvalidReply):
			g.sendError(c, "reply target not found")
		case errors.Is(err, repository.ErrNotFound):
			g.sendError(c, "receiver not found")
		default:
			logger.Errorf("ws send user=%s receiver=%s: %v", c.userID, ev.ReceiverID, err)
			g.sendError(c, "failed to send message")
		}
		return
	}

	g.hub.sendToClient(c, OutgoingMessage{
		Type:    EventMessageSent,
		Payload: MessageSentPayload{TempID: ev.TempID, Message: m},
	})
}

func (g *Gateway) handleStartTyping(ctx context.Context, c *Client, ev IncomingEvent) {
	if ev.ReceiverID == "" {
		return
	}
	convID := g.conversationID(ctx, c.userID, ev.ReceiverID)
	g.hub.PushToUser(ev.ReceiverID, string(EventStartTyping), TypingPayload{
		UserID:         c.userID,
		ConversationID: convID,
	})

	// Cancel-and-reset on each keystroke event; the timer fires the stop
	// broadcast after a quiet period with no further typing.
	key := c.userID + "|" + ev.ReceiverID
	g.typingMu.Lock()
	if t, ok := g.typing[key]; ok {
		t.Stop()
	}
	g.typing[key] = time.AfterFunc(typingQuiet, func() {
		g.expireTyping(key, c.userID, ev.ReceiverID, convID)
	})
	g.typingMu.Unlock()
}

func (g *Gateway) handleStopTyping(ctx context.Context, c *Client, ev IncomingEvent) {
	if ev.ReceiverID == "" {
		return
	}
	key := c.userID + "|" + ev.ReceiverID
	g.typingMu.Lock()
	if t, ok := g.typing[key]; ok {
		t.Stop()
		delete(g.typing, key)
	}
	g.typingMu.Unlock()

	g.hub.PushToUser(ev.ReceiverID, string(EventStopTyping), TypingPayload{
		UserID:         c.userID,
		ConversationID: g.conversationID(ctx, c.userID, ev.ReceiverID),
	})
}

func (g *Gateway) expireTyping(key, userID, receiverID, convID string) {
	g.typingMu.Lock()
	delete(g.typing, key)
	g.typingMu.Unlock()
	g.hub.PushToUser(receiverID, string(EventStopTyping), TypingPayload{
		UserID:         userID,
		ConversationID: convID,
	})
}

func (g *Gateway) cancelTypingFor(userID string) {
	prefix := userID + "|"
	g.typingMu.Lock()
	for key, t := range g.typing {
		if strings.HasPrefix(key, prefix) {
			t.Stop()
			delete(g.typing, key)
		}
	}
	g.typingMu.Unlock()
}

func (g *Gateway) handleMarkSeen(ctx context.Context, c *Client, ev IncomingEvent) {
	defer logger.DeferLogDuration("ws.handleMarkSeen", time.Now())()
	if ev.SenderID == "" {
		g.sendError(c, "sender_id required")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()
	if err := g.coord.MarkSeen(ctx, c.userID, ev.SenderID); err != nil {
		logger.Errorf("ws mark seen user=%s sender=%s: %v", c.userID, ev.SenderID, err)
		g.sendError(c, "failed to mark as seen")
	}
}

func (g *Gateway) handleDelete(ctx context.Context, c *Client, ev IncomingEvent) {
	defer logger.DeferLogDuration("ws.handleDelete", time.Now())()
	if ev.MessageID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()
	m, err := g.coord.Delete(ctx, c.userID, ev.MessageID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			g.sendError(c, "message not found")
		case errors.Is(err, delivery.ErrNotSender):
			g.sendError(c, "can only delete own messages")
		default:
			logger.Errorf("ws delete message %s: %v", ev.MessageID, err)
			g.sendError(c, "failed to delete")
		}
		return
	}

	// The receiver is notified by the coordinator; echo to the deleting
	// client so its UI updates too.
	g.hub.sendToClient(c, OutgoingMessage{
		Type:    EventMessageDeleted,
		Payload: delivery.MessageDeletedPayload{MessageID: m.ID, SenderID: m.SenderID},
	})
}

func (g *Gateway) handleUpdateStatus(c *Client, ev IncomingEvent) {
	if !g.registry.SetStatus(c.userID, ev.Status) {
		return
	}
	g.hub.broadcastExcept(c.userID, OutgoingMessage{
		Type:    EventUserStatusChanged,
		Payload: UserStatusPayload{UserID: c.userID, Status: ev.Status},
	})
}

func (g *Gateway) conversationID(ctx context.Context, userA, userB string) string {
	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()
	conv, err := g.convs.GetByPair(ctx, userA, userB)
	if err != nil {
		return ""
	}
	return conv.ID
}

func (g *Gateway) sendError(c *Client, msg string) {
	g.hub.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{Message: msg}})
}
