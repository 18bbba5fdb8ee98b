package model

import (
	"errors"
	"time"
)

type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeVoice    MessageType = "voice"
	MessageTypeMedia    MessageType = "media"
	MessageTypeDocument MessageType = "document"
)

type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusSeen      MessageStatus = "seen"
)

// ErrInvalidContent is returned when a message violates the content/file rule:
// text messages carry content, every other type carries a file reference.
var ErrInvalidContent = errors.New("message content does not match its type")

type Message struct {
	ID          string        `json:"id"`
	SenderID    string        `json:"sender_id"`
	ReceiverID  string        `json:"receiver_id"`
	Type        MessageType   `json:"message_type"`
	Content     string        `json:"content,omitempty"`
	FileURL     string        `json:"file_url,omitempty"`
	FileName    string        `json:"file_name,omitempty"`
	FileSize    int64         `json:"file_size,omitempty"`
	MimeType    string        `json:"mime_type,omitempty"`
	DurationSec *int          `json:"duration_sec,omitempty"`
	Status      MessageStatus `json:"status"`
	ReplyToID   *string       `json:"reply_to_id,omitempty"`
	IsDeleted   bool          `json:"is_deleted"`
	DeletedAt   *time.Time    `json:"deleted_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Sender      *UserPublic   `json:"sender,omitempty"`
	ReplyTo     *Message      `json:"reply_to,omitempty"`
}

// Validate enforces the type/content rule: exactly one of content or
// file reference is populated, determined by the message type.
func (m *Message) Validate() error {
	switch m.Type {
	case MessageTypeText:
		if m.Content == "" || m.FileURL != "" {
			return ErrInvalidContent
		}
	case MessageTypeVoice, MessageTypeMedia, MessageTypeDocument:
		if m.FileURL == "" || m.Content != "" {
			return ErrInvalidContent
		}
	default:
		return ErrInvalidContent
	}
	return nil
}

// CanAdvanceTo reports whether a status transition moves forward.
// Order is sent -> delivered -> seen; skipping delivered is allowed.
func (m *Message) CanAdvanceTo(next MessageStatus) bool {
	return statusRank(next) > statusRank(m.Status)
}

func statusRank(s MessageStatus) int {
	switch s {
	case MessageStatusSent:
		return 0
	case MessageStatusDelivered:
		return 1
	case MessageStatusSeen:
		return 2
	}
	return -1
}
