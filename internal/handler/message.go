package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dmhub/internal/delivery"
	"github.com/dmhub/internal/logger"
	"github.com/dmhub/internal/middleware"
	"github.com/dmhub/internal/model"
	"github.com/dmhub/internal/repository"
	"github.com/go-chi/chi/v5"
)

// DeliverySender is the coordinator surface the HTTP transport uses.
// The socket gateway routes to the same implementation, so validation
// and side effects cannot diverge between the two paths.
type DeliverySender interface {
	Send(ctx context.Context, senderID string, in delivery.SendInput) (*model.Message, *model.Conversation, error)
	CatchUp(ctx context.Context, userID, peerID string) error
	MarkSeen(ctx context.Context, userID, peerID string) error
	Delete(ctx context.Context, userID, messageID string) (*model.Message, error)
}

type MessageReader interface {
	ListConversation(ctx context.Context, userA, userB string, limit, offset int, before *time.Time) ([]model.Message, error)
	CountUnseenFor(ctx context.Context, userID string) (int, error)
	Search(ctx context.Context, userID, query, peerID string, msgType model.MessageType, limit int) ([]model.Message, error)
}

type ConversationReader interface {
	GetByPair(ctx context.Context, userA, userB string) (*model.Conversation, error)
	ListForUser(ctx context.Context, userID string, limit, offset int) ([]model.ConversationSummary, error)
	SetArchived(ctx context.Context, conversationID, userID string, archived bool) error
}

type UserReader interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

type MessageHandler struct {
	coord DeliverySender
	msgs  MessageReader
	convs ConversationReader
	users UserReader
}

func NewMessageHandler(coord DeliverySender, msgs MessageReader, convs ConversationReader, users UserReader) *MessageHandler {
	return &MessageHandler{coord: coord, msgs: msgs, convs: convs, users: users}
}

type sendMessageRequest struct {
	ReceiverID  string            `json:"receiver_id"`
	MessageType model.MessageType `json:"message_type"`
	Content     string            `json:"content"`
	FileURL     string            `json:"file_url"`
	FileName    string            `json:"file_name"`
	FileSize    int64             `json:"file_size"`
	MimeType    string            `json:"mime_type"`
	DurationSec *int              `json:"duration_sec"`
	ReplyTo     string            `json:"reply_to"`
}

// Send creates a message. The receiver's realtime push (if connected)
// is handled inside the coordinator and never delays this response.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.ReceiverID == "" {
		writeError(w, http.StatusBadRequest, "receiver_id is required")
		return
	}
	if req.MessageType == "" {
		req.MessageType = model.MessageTypeText
	}

	senderID := middleware.GetUserID(r.Context())
	m, conv, err := h.coord.Send(r.Context(), senderID, delivery.SendInput{
		ReceiverID:  req.ReceiverID,
		Type:        req.MessageType,
		Content:     req.Content,
		FileURL:     req.FileURL,
		FileName:    req.FileName,
		FileSize:    req.FileSize,
		MimeType:    req.MimeType,
		DurationSec: req.DurationSec,
		ReplyToID:   req.ReplyTo,
	})
	if err != nil {
		switch {
		case errors.Is(err, model.ErrInvalidContent):
			writeError(w, http.StatusBadRequest, "content and message_type do not match")
		case errors.Is(err, delivery.ErrSelfSend):
			writeError(w, http.StatusBadRequest, "cannot send a message to yourself")
		case errors.Is(err, delivery.ErrInvalidReply):
			writeError(w, http.StatusBadRequest, "reply target not found")
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "receiver not found")
		default:
			logger.Errorf("http send sender=%s receiver=%s: %v", senderID, req.ReceiverID, err)
			writeError(w, http.StatusInternalServerError, "failed to send message")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"message":         m,
		"conversation_id": conv.ID,
	})
}

type paginationMeta struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Count   int  `json:"count"`
	HasMore bool `json:"has_more"`
}

type conversationPage struct {
	Messages     []model.Message     `json:"messages"`
	Conversation *model.Conversation `json:"conversation,omitempty"`
	Peer         model.UserPublic    `json:"peer"`
	Pagination   paginationMeta      `json:"pagination"`
}

// GetConversation returns messages with the peer oldest-first for
// display. Fetching is the pull path and stays authoritative whether or
// not any push fired; as a side effect the peer's pending messages are
// bulk-marked delivered.
func (h *MessageHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	peerID := chi.URLParam(r, "id")
	callerID := middleware.GetUserID(r.Context())

	peer, err := h.users.GetByID(r.Context(), peerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}

	limit := queryInt(r, "limit", 50)
	if limit > 100 {
		limit = 100
	}
	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit
	before := queryTime(r, "before")

	// Reading the conversation implies the reader can see the peer's
	// messages, so deliver them before listing.
	if err := h.coord.CatchUp(r.Context(), callerID, peerID); err != nil {
		logger.Errorf("http catch-up user=%s peer=%s: %v", callerID, peerID, err)
	}

	messages, err := h.msgs.ListConversation(r.Context(), callerID, peerID, limit, offset, before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}

	// Store order is newest-first for pagination; clients render oldest-first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	var conv *model.Conversation
	if c, err := h.convs.GetByPair(r.Context(), callerID, peerID); err == nil {
		conv = c
	} else if !errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "failed to get conversation")
		return
	}

	writeJSON(w, http.StatusOK, conversationPage{
		Messages:     messages,
		Conversation: conv,
		Peer:         peer.ToPublic(),
		Pagination: paginationMeta{
			Page:    page,
			Limit:   limit,
			Count:   len(messages),
			HasMore: len(messages) == limit,
		},
	})
}

// MarkSeen transitions all of the peer's messages to seen and resets
// the caller's unread counter. The peer gets a messagesSeen push if
// connected; if not, they see correct status on their next fetch.
func (h *MessageHandler) MarkSeen(w http.ResponseWriter, r *http.Request) {
	peerID := chi.URLParam(r, "id")
	callerID := middleware.GetUserID(r.Context())

	if err := h.coord.MarkSeen(r.Context(), callerID, peerID); err != nil {
		logger.Errorf("http mark seen user=%s peer=%s: %v", callerID, peerID, err)
		writeError(w, http.StatusInternalServerError, "failed to mark as seen")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListConversations returns the caller's conversations newest-activity-first.
func (h *MessageHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	callerID := middleware.GetUserID(r.Context())
	limit := queryInt(r, "limit", 20)
	if limit > 50 {
		limit = 50
	}
	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}

	summaries, err := h.convs.ListForUser(r.Context(), callerID, limit, (page-1)*limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get conversations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": summaries,
		"pagination": paginationMeta{
			Page:    page,
			Limit:   limit,
			Count:   len(summaries),
			HasMore: len(summaries) == limit,
		},
	})
}

// Delete soft-deletes a message; sender-only.
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "id")
	callerID := middleware.GetUserID(r.Context())

	m, err := h.coord.Delete(r.Context(), callerID, messageID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "message not found")
		case errors.Is(err, delivery.ErrNotSender):
			writeError(w, http.StatusForbidden, "can only delete own messages")
		default:
			logger.Errorf("http delete message %s: %v", messageID, err)
			writeError(w, http.StatusInternalServerError, "failed to delete")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "message_id": m.ID})
}

// UnreadCount is the global badge count across all conversations.
func (h *MessageHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	callerID := middleware.GetUserID(r.Context())
	count, err := h.msgs.CountUnseenFor(r.Context(), callerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count unread")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

// Search filters the caller's messages by content substring with
// optional peer and type filters.
func (h *MessageHandler) Search(w http.ResponseWriter, r *http.Request) {
	callerID := middleware.GetUserID(r.Context())
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	limit := queryInt(r, "limit", 30)
	if limit > 50 {
		limit = 50
	}
	peerID := r.URL.Query().Get("user_id")
	msgType := model.MessageType(r.URL.Query().Get("message_type"))

	messages, err := h.msgs.Search(r.Context(), callerID, query, peerID, msgType, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

type archiveRequest struct {
	Archived bool `json:"archived"`
}

// Archive toggles the caller's archived flag on the conversation with a peer.
func (h *MessageHandler) Archive(w http.ResponseWriter, r *http.Request) {
	peerID := chi.URLParam(r, "userID")
	callerID := middleware.GetUserID(r.Context())

	var req archiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	conv, err := h.convs.GetByPair(r.Context(), callerID, peerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get conversation")
		return
	}
	if err := h.convs.SetArchived(r.Context(), conv.ID, callerID, req.Archived); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update conversation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
