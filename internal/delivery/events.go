package delivery

import (
	"time"

	"github.com/dmhub/internal/model"
)

// Event names pushed by the coordinator. The gateway wraps them into
// its wire envelope; HTTP callers never see them.
const (
	EventNewMessage        = "newMessage"
	EventMessagesDelivered = "messagesDelivered"
	EventMessagesSeen      = "messagesSeen"
	EventMessageDeleted    = "messageDeleted"
)

// Pusher delivers a realtime event to a user's private channel.
// Returns false when the user has no live connection. Push is always
// best-effort: the coordinator logs failures and never propagates them.
type Pusher interface {
	PushToUser(userID, event string, payload any) bool
}

// NewMessagePayload carries the full message plus the receiver's
// updated unread count for the conversation.
type NewMessagePayload struct {
	Message        *model.Message `json:"message"`
	ConversationID string         `json:"conversation_id"`
	UnreadCount    int            `json:"unread_count"`
}

// MessagesDeliveredPayload notifies a sender that pending messages were
// bulk-delivered when the receiver came back.
type MessagesDeliveredPayload struct {
	ConversationID string `json:"conversation_id"`
	DeliveredTo    string `json:"delivered_to"`
	Count          int64  `json:"count"`
}

type MessagesSeenPayload struct {
	ConversationID string    `json:"conversation_id"`
	SeenBy         string    `json:"seen_by"`
	SeenAt         time.Time `json:"seen_at"`
}

type MessageDeletedPayload struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
}
