package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dmhub/internal/delivery"
	"github.com/dmhub/internal/middleware"
	"github.com/dmhub/internal/model"
	"github.com/dmhub/internal/repository"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCoord struct {
	sendMsg   *model.Message
	sendConv  *model.Conversation
	sendErr   error
	deleteErr error
	catchUps  []string
	seenCalls []string
}

func (f *fakeCoord) Send(ctx context.Context, senderID string, in delivery.SendInput) (*model.Message, *model.Conversation, error) {
	if f.sendErr != nil {
		return nil, nil, f.sendErr
	}
	return f.sendMsg, f.sendConv, nil
}

func (f *fakeCoord) CatchUp(ctx context.Context, userID, peerID string) error {
	f.catchUps = append(f.catchUps, userID+"->"+peerID)
	return nil
}

func (f *fakeCoord) MarkSeen(ctx context.Context, userID, peerID string) error {
	f.seenCalls = append(f.seenCalls, userID+"->"+peerID)
	return nil
}

func (f *fakeCoord) Delete(ctx context.Context, userID, messageID string) (*model.Message, error) {
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	return &model.Message{ID: messageID, SenderID: userID, IsDeleted: true}, nil
}

type fakeMsgReader struct {
	messages []model.Message
	unseen   int
}

func (f *fakeMsgReader) ListConversation(ctx context.Context, userA, userB string, limit, offset int, before *time.Time) ([]model.Message, error) {
	return f.messages, nil
}

func (f *fakeMsgReader) CountUnseenFor(ctx context.Context, userID string) (int, error) {
	return f.unseen, nil
}

func (f *fakeMsgReader) Search(ctx context.Context, userID, query, peerID string, msgType model.MessageType, limit int) ([]model.Message, error) {
	return f.messages, nil
}

type fakeConvReader struct {
	conv      *model.Conversation
	summaries []model.ConversationSummary
	archived  map[string]bool
}

func (f *fakeConvReader) GetByPair(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	if f.conv == nil {
		return nil, repository.ErrNotFound
	}
	return f.conv, nil
}

func (f *fakeConvReader) ListForUser(ctx context.Context, userID string, limit, offset int) ([]model.ConversationSummary, error) {
	return f.summaries, nil
}

func (f *fakeConvReader) SetArchived(ctx context.Context, conversationID, userID string, archived bool) error {
	if f.archived == nil {
		f.archived = map[string]bool{}
	}
	f.archived[userID] = archived
	return nil
}

type fakeUserReader struct {
	users map[string]*model.User
}

func (f *fakeUserReader) GetByID(ctx context.Context, id string) (*model.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return u, nil
}

// asUser injects the authenticated user the way the auth middleware does.
func asUser(userID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), middleware.UserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func newTestRouter(userID string, h *MessageHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(asUser(userID))
	r.Post("/api/messages/send", h.Send)
	r.Get("/api/messages/conversations", h.ListConversations)
	r.Get("/api/messages/unread/count", h.UnreadCount)
	r.Get("/api/messages/search", h.Search)
	r.Get("/api/messages/{id}", h.GetConversation)
	r.Patch("/api/messages/{id}/seen", h.MarkSeen)
	r.Post("/api/messages/conversations/{userID}/archive", h.Archive)
	r.Delete("/api/messages/{id}", h.Delete)
	return r
}

func TestSendEndpoint(t *testing.T) {
	convID := "conv-1"
	coord := &fakeCoord{
		sendMsg:  &model.Message{ID: "m1", SenderID: "alice", ReceiverID: "bob", Type: model.MessageTypeText, Content: "hi"},
		sendConv: &model.Conversation{ID: convID},
	}
	h := NewMessageHandler(coord, &fakeMsgReader{}, &fakeConvReader{}, &fakeUserReader{})
	r := newTestRouter("alice", h)

	t.Run("created", func(t *testing.T) {
		body := `{"receiver_id":"bob","content":"hi"}`
		req := httptest.NewRequest(http.MethodPost, "/api/messages/send", strings.NewReader(body))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		require.Equal(t, http.StatusCreated, w.Code)
		var resp struct {
			Message        model.Message `json:"message"`
			ConversationID string        `json:"conversation_id"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "m1", resp.Message.ID)
		assert.Equal(t, convID, resp.ConversationID)
	})

	t.Run("missing receiver", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/messages/send", strings.NewReader(`{"content":"hi"}`))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("invalid body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/messages/send", strings.NewReader("{"))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("receiver not found", func(t *testing.T) {
		coord.sendErr = repository.ErrNotFound
		defer func() { coord.sendErr = nil }()
		req := httptest.NewRequest(http.MethodPost, "/api/messages/send", strings.NewReader(`{"receiver_id":"x","content":"hi"}`))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("self send", func(t *testing.T) {
		coord.sendErr = delivery.ErrSelfSend
		defer func() { coord.sendErr = nil }()
		req := httptest.NewRequest(http.MethodPost, "/api/messages/send", strings.NewReader(`{"receiver_id":"alice","content":"hi"}`))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("content mismatch", func(t *testing.T) {
		coord.sendErr = model.ErrInvalidContent
		defer func() { coord.sendErr = nil }()
		req := httptest.NewRequest(http.MethodPost, "/api/messages/send", strings.NewReader(`{"receiver_id":"bob","message_type":"voice"}`))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestGetConversationEndpoint(t *testing.T) {
	// Store returns newest-first; the endpoint must flip to oldest-first.
	msgs := &fakeMsgReader{messages: []model.Message{
		{ID: "m3", Content: "third"},
		{ID: "m2", Content: "second"},
		{ID: "m1", Content: "first"},
	}}
	coord := &fakeCoord{}
	users := &fakeUserReader{users: map[string]*model.User{
		"bob": {ID: "bob", Username: "Bob"},
	}}
	convs := &fakeConvReader{conv: &model.Conversation{ID: "conv-1", ParticipantLow: "alice", ParticipantHigh: "bob"}}
	h := NewMessageHandler(coord, msgs, convs, users)
	r := newTestRouter("alice", h)

	req := httptest.NewRequest(http.MethodGet, "/api/messages/bob", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp conversationPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 3)
	assert.Equal(t, "m1", resp.Messages[0].ID)
	assert.Equal(t, "m3", resp.Messages[2].ID)
	assert.Equal(t, "Bob", resp.Peer.Username)
	require.NotNil(t, resp.Conversation)
	assert.Equal(t, "conv-1", resp.Conversation.ID)

	// Opening the thread delivers the peer's pending messages.
	require.Len(t, coord.catchUps, 1)
	assert.Equal(t, "alice->bob", coord.catchUps[0])
}

func TestGetConversationUnknownPeer(t *testing.T) {
	h := NewMessageHandler(&fakeCoord{}, &fakeMsgReader{}, &fakeConvReader{}, &fakeUserReader{})
	r := newTestRouter("alice", h)

	req := httptest.NewRequest(http.MethodGet, "/api/messages/ghost", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMarkSeenEndpoint(t *testing.T) {
	coord := &fakeCoord{}
	h := NewMessageHandler(coord, &fakeMsgReader{}, &fakeConvReader{}, &fakeUserReader{})
	r := newTestRouter("alice", h)

	req := httptest.NewRequest(http.MethodPatch, "/api/messages/bob/seen", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, coord.seenCalls, 1)
	assert.Equal(t, "alice->bob", coord.seenCalls[0])
}

func TestDeleteEndpoint(t *testing.T) {
	coord := &fakeCoord{}
	h := NewMessageHandler(coord, &fakeMsgReader{}, &fakeConvReader{}, &fakeUserReader{})
	r := newTestRouter("alice", h)

	t.Run("ok", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/messages/m1", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("not sender", func(t *testing.T) {
		coord.deleteErr = delivery.ErrNotSender
		defer func() { coord.deleteErr = nil }()
		req := httptest.NewRequest(http.MethodDelete, "/api/messages/m1", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("not found", func(t *testing.T) {
		coord.deleteErr = repository.ErrNotFound
		defer func() { coord.deleteErr = nil }()
		req := httptest.NewRequest(http.MethodDelete, "/api/messages/m1", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestUnreadCountEndpoint(t *testing.T) {
	h := NewMessageHandler(&fakeCoord{}, &fakeMsgReader{unseen: 5}, &fakeConvReader{}, &fakeUserReader{})
	r := newTestRouter("alice", h)

	req := httptest.NewRequest(http.MethodGet, "/api/messages/unread/count", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 5, resp["count"])
}

func TestSearchEndpointEmptyQuery(t *testing.T) {
	h := NewMessageHandler(&fakeCoord{}, &fakeMsgReader{messages: []model.Message{{ID: "m1"}}}, &fakeConvReader{}, &fakeUserReader{})
	r := newTestRouter("alice", h)

	req := httptest.NewRequest(http.MethodGet, "/api/messages/search", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]\n", w.Body.String())
}

func TestArchiveEndpoint(t *testing.T) {
	convs := &fakeConvReader{conv: &model.Conversation{ID: "conv-1", ParticipantLow: "alice", ParticipantHigh: "bob"}}
	h := NewMessageHandler(&fakeCoord{}, &fakeMsgReader{}, convs, &fakeUserReader{})
	r := newTestRouter("alice", h)

	req := httptest.NewRequest(http.MethodPost, "/api/messages/conversations/bob/archive", strings.NewReader(`{"archived":true}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, convs.archived["alice"])
}

func TestListConversationsEndpoint(t *testing.T) {
	convs := &fakeConvReader{summaries: []model.ConversationSummary{
		{Conversation: model.Conversation{ID: "conv-1"}, UnreadCount: 2},
	}}
	h := NewMessageHandler(&fakeCoord{}, &fakeMsgReader{}, convs, &fakeUserReader{})
	r := newTestRouter("alice", h)

	req := httptest.NewRequest(http.MethodGet, "/api/messages/conversations", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Conversations []model.ConversationSummary `json:"conversations"`
		Pagination    paginationMeta              `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Conversations, 1)
	assert.Equal(t, 2, resp.Conversations[0].UnreadCount)
	assert.Equal(t, 1, resp.Pagination.Page)
}
