package ws

import (
	"github.com/dmhub/internal/model"
	"github.com/dmhub/internal/presence"
)

type EventType string

// Inbound event types (client -> server).
const (
	EventJoinConversation  EventType = "joinConversation"
	EventLeaveConversation EventType = "leaveConversation"
	EventSendMessage       EventType = "sendMessage"
	EventStartTyping       EventType = "startTyping"
	EventStopTyping        EventType = "stopTyping"
	EventMarkAsSeen        EventType = "markAsSeen"
	EventDeleteMessage     EventType = "deleteMessage"
	EventUpdateStatus      EventType = "updateStatus"
)

// Outbound event types (server -> client).
const (
	EventNewMessage        EventType = "newMessage"
	EventMessageSent       EventType = "messageSent"
	EventMessagesDelivered EventType = "messagesDelivered"
	EventMessagesSeen      EventType = "messagesSeen"
	EventMessageDeleted    EventType = "messageDeleted"
	EventUserOnline        EventType = "userOnline"
	EventUserOffline       EventType = "userOffline"
	EventOnlineUsers       EventType = "onlineUsers"
	EventUserStatusChanged EventType = "userStatusChanged"
	EventError             EventType = "error"
)

// IncomingEvent is what the client sends to the server.
type IncomingEvent struct {
	Type EventType `json:"type"`

	// sendMessage
	ReceiverID  string            `json:"receiver_id,omitempty"`
	MessageType model.MessageType `json:"message_type,omitempty"`
	Content     string            `json:"content,omitempty"`
	FileURL     string            `json:"file_url,omitempty"`
	FileName    string            `json:"file_name,omitempty"`
	FileSize    int64             `json:"file_size,omitempty"`
	MimeType    string            `json:"mime_type,omitempty"`
	DurationSec *int              `json:"duration_sec,omitempty"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	TempID      string            `json:"temp_id,omitempty"`

	// joinConversation / leaveConversation
	OtherUserID string `json:"other_user_id,omitempty"`

	// markAsSeen
	SenderID string `json:"sender_id,omitempty"`

	// deleteMessage
	MessageID string `json:"message_id,omitempty"`

	// updateStatus
	Status presence.Status `json:"status,omitempty"`
}

// OutgoingMessage is the wire envelope for server pushes.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// MessageSentPayload acknowledges a socket send so the client can
// reconcile its optimistic UI entry by temp id.
type MessageSentPayload struct {
	TempID  string         `json:"temp_id,omitempty"`
	Message *model.Message `json:"message"`
}

// TypingPayload is pushed to the receiver while the sender types.
type TypingPayload struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// UserStatusPayload is broadcast on connect/disconnect/status change.
type UserStatusPayload struct {
	UserID    string          `json:"user_id"`
	Username  string          `json:"username,omitempty"`
	AvatarURL string          `json:"avatar_url,omitempty"`
	Status    presence.Status `json:"status,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
