package model

import "time"

// Conversation is the per-pair aggregate. Participants are stored in
// canonical order (low < high by id) so (A,B) and (B,A) map to one row.
type Conversation struct {
	ID              string    `json:"id"`
	ParticipantLow  string    `json:"participant_low"`
	ParticipantHigh string    `json:"participant_high"`
	LastMessageID   *string   `json:"last_message_id,omitempty"`
	LastActivity    time.Time `json:"last_activity"`
	UnreadLow       int       `json:"-"`
	UnreadHigh      int       `json:"-"`
	ArchivedBy      []string  `json:"archived_by,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// PairKey returns the two ids in canonical order.
func PairKey(a, b string) (low, high string) {
	if a < b {
		return a, b
	}
	return b, a
}

// UnreadFor returns the unread counter belonging to userID.
func (c *Conversation) UnreadFor(userID string) int {
	if userID == c.ParticipantLow {
		return c.UnreadLow
	}
	if userID == c.ParticipantHigh {
		return c.UnreadHigh
	}
	return 0
}

// PeerOf returns the other participant's id, or "" if userID is not a participant.
func (c *Conversation) PeerOf(userID string) string {
	switch userID {
	case c.ParticipantLow:
		return c.ParticipantHigh
	case c.ParticipantHigh:
		return c.ParticipantLow
	}
	return ""
}

// HasParticipant reports whether userID belongs to the pair.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID == c.ParticipantLow || userID == c.ParticipantHigh
}

// ConversationSummary is the list-view projection: conversation plus
// peer info, last message and the caller's unread counter.
type ConversationSummary struct {
	Conversation Conversation `json:"conversation"`
	Peer         UserPublic   `json:"peer"`
	LastMessage  *Message     `json:"last_message,omitempty"`
	UnreadCount  int          `json:"unread_count"`
}
