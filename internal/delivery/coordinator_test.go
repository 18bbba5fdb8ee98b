package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dmhub/internal/model"
	"github.com/dmhub/internal/presence"
	"github.com/dmhub/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessages struct {
	mu         sync.Mutex
	byID       map[string]*model.Message
	created    []*model.Message
	delivered  []string
	deleted    []string
	failCreate error
	pending    int64 // returned by MarkDeliveredBatch
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{byID: map[string]*model.Message{}}
}

func (f *fakeMessages) Create(ctx context.Context, m *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return f.failCreate
	}
	cp := *m
	f.byID[m.ID] = &cp
	f.created = append(f.created, &cp)
	return nil
}

func (f *fakeMessages) GetByID(ctx context.Context, id string) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMessages) MarkDelivered(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, id)
	if m, ok := f.byID[id]; ok && m.Status == model.MessageStatusSent {
		m.Status = model.MessageStatusDelivered
	}
	return nil
}

func (f *fakeMessages) MarkDeliveredBatch(ctx context.Context, senderID, receiverID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeMessages) MarkSeenBatch(ctx context.Context, senderID, receiverID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, m := range f.byID {
		if m.SenderID == senderID && m.ReceiverID == receiverID && m.Status != model.MessageStatusSeen {
			m.Status = model.MessageStatusSeen
			n++
		}
	}
	return n, nil
}

func (f *fakeMessages) SoftDelete(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	if m, ok := f.byID[id]; ok {
		m.IsDeleted = true
		m.DeletedAt = &at
	}
	return nil
}

type fakeConvs struct {
	mu       sync.Mutex
	conv     *model.Conversation
	unread   map[string]int
	resets   []string
	failFind error
}

func newFakeConvs(userA, userB string) *fakeConvs {
	low, high := model.PairKey(userA, userB)
	return &fakeConvs{
		conv:   &model.Conversation{ID: "conv-1", ParticipantLow: low, ParticipantHigh: high},
		unread: map[string]int{},
	}
}

func (f *fakeConvs) FindOrCreate(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	if f.failFind != nil {
		return nil, f.failFind
	}
	return f.conv, nil
}

func (f *fakeConvs) GetByPair(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	low, high := model.PairKey(userA, userB)
	if low != f.conv.ParticipantLow || high != f.conv.ParticipantHigh {
		return nil, repository.ErrNotFound
	}
	return f.conv, nil
}

func (f *fakeConvs) SetLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conv.LastMessageID = &messageID
	f.conv.LastActivity = at
	return nil
}

func (f *fakeConvs) IncrementUnread(ctx context.Context, conversationID, forUserID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unread[forUserID]++
	return nil
}

func (f *fakeConvs) ResetUnread(ctx context.Context, conversationID, forUserID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unread[forUserID] = 0
	f.resets = append(f.resets, forUserID)
	return nil
}

func (f *fakeConvs) GetUnreadFor(ctx context.Context, conversationID, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread[userID], nil
}

func (f *fakeConvs) unreadFor(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread[userID]
}

type fakeUsers struct {
	users map[string]*model.User
}

func (f *fakeUsers) GetByID(ctx context.Context, id string) (*model.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return u, nil
}

type pushRecord struct {
	userID  string
	event   string
	payload any
}

type fakePusher struct {
	mu     sync.Mutex
	pushes []pushRecord
}

func (f *fakePusher) PushToUser(userID, event string, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, pushRecord{userID, event, payload})
	return true
}

func (f *fakePusher) all() []pushRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pushRecord, len(f.pushes))
	copy(out, f.pushes)
	return out
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeNotifier) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userID)
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeCleaner struct {
	mu   sync.Mutex
	urls []string
}

func (f *fakeCleaner) Delete(ctx context.Context, fileURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, fileURL)
}

type fixture struct {
	msgs     *fakeMessages
	convs    *fakeConvs
	registry *presence.Registry
	pusher   *fakePusher
	notifier *fakeNotifier
	cleaner  *fakeCleaner
	coord    *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		msgs:     newFakeMessages(),
		convs:    newFakeConvs("alice", "bob"),
		registry: presence.NewRegistry(),
		pusher:   &fakePusher{},
		notifier: &fakeNotifier{},
		cleaner:  &fakeCleaner{},
	}
	users := &fakeUsers{users: map[string]*model.User{
		"alice": {ID: "alice", Username: "Alice"},
		"bob":   {ID: "bob", Username: "Bob"},
	}}
	f.coord = NewCoordinator(f.msgs, f.convs, users, f.registry, f.pusher, f.cleaner, f.notifier)
	return f
}

func TestSendOfflineReceiver(t *testing.T) {
	f := newFixture(t)

	m, conv, err := f.coord.Send(context.Background(), "alice", SendInput{
		ReceiverID: "bob",
		Type:       model.MessageTypeText,
		Content:    "hello",
	})
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, model.MessageStatusSent, m.Status)
	assert.Equal(t, "conv-1", conv.ID)
	assert.Equal(t, 1, f.convs.unreadFor("bob"))
	require.NotNil(t, conv.LastMessageID)
	assert.Equal(t, m.ID, *conv.LastMessageID)

	// No realtime push, but the external channel is told.
	require.Eventually(t, func() bool { return f.notifier.count() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Empty(t, f.pusher.all())
}

func TestSendOnlineReceiver(t *testing.T) {
	f := newFixture(t)
	f.registry.Register("bob", "conn-1", "Bob", "")

	m, _, err := f.coord.Send(context.Background(), "alice", SendInput{
		ReceiverID: "bob",
		Type:       model.MessageTypeText,
		Content:    "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusDelivered, m.Status)

	require.Eventually(t, func() bool { return len(f.pusher.all()) == 1 },
		time.Second, 10*time.Millisecond)
	p := f.pusher.all()[0]
	assert.Equal(t, "bob", p.userID)
	assert.Equal(t, EventNewMessage, p.event)
	payload, ok := p.payload.(NewMessagePayload)
	require.True(t, ok)
	assert.Equal(t, 1, payload.UnreadCount)
	assert.Equal(t, "conv-1", payload.ConversationID)
	assert.Equal(t, 0, f.notifier.count())
}

func TestSendUnknownReceiver(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.coord.Send(context.Background(), "alice", SendInput{
		ReceiverID: "nobody",
		Type:       model.MessageTypeText,
		Content:    "hello",
	})
	require.ErrorIs(t, err, repository.ErrNotFound)
	assert.Empty(t, f.msgs.created)
}

func TestSendInvalidContent(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.coord.Send(context.Background(), "alice", SendInput{
		ReceiverID: "bob",
		Type:       model.MessageTypeText,
	})
	require.ErrorIs(t, err, model.ErrInvalidContent)
	assert.Empty(t, f.msgs.created)
	assert.Empty(t, f.cleaner.urls, "nothing uploaded, nothing to clean")
}

func TestSendToSelfRejected(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.coord.Send(context.Background(), "alice", SendInput{
		ReceiverID: "alice",
		Type:       model.MessageTypeText,
		Content:    "note to self",
	})
	require.ErrorIs(t, err, ErrSelfSend)
	assert.Empty(t, f.msgs.created)
	assert.Equal(t, 0, f.convs.unreadFor("alice"))
}

func TestSendConversationFailureLeavesNoMessage(t *testing.T) {
	f := newFixture(t)
	f.convs.failFind = errors.New("pool exhausted")

	_, _, err := f.coord.Send(context.Background(), "alice", SendInput{
		ReceiverID: "bob",
		Type:       model.MessageTypeVoice,
		FileURL:    "/files/a.ogg",
	})
	require.Error(t, err)
	assert.Empty(t, f.msgs.created, "message must not outlive a failed conversation upsert")
	require.Len(t, f.cleaner.urls, 1)
	assert.Equal(t, "/files/a.ogg", f.cleaner.urls[0])
}

func TestSendPersistFailureCleansArtifact(t *testing.T) {
	f := newFixture(t)
	f.msgs.failCreate = errors.New("disk full")

	_, _, err := f.coord.Send(context.Background(), "alice", SendInput{
		ReceiverID: "bob",
		Type:       model.MessageTypeVoice,
		FileURL:    "/files/a.ogg",
	})
	require.Error(t, err)
	require.Len(t, f.cleaner.urls, 1)
	assert.Equal(t, "/files/a.ogg", f.cleaner.urls[0])
}

func TestSendReplyOutsidePair(t *testing.T) {
	f := newFixture(t)
	// A message between a different pair.
	f.msgs.byID["m-other"] = &model.Message{
		ID: "m-other", SenderID: "carol", ReceiverID: "dave",
		Type: model.MessageTypeText, Content: "x",
	}

	_, _, err := f.coord.Send(context.Background(), "alice", SendInput{
		ReceiverID: "bob",
		Type:       model.MessageTypeText,
		Content:    "re",
		ReplyToID:  "m-other",
	})
	require.ErrorIs(t, err, ErrInvalidReply)

	_, _, err = f.coord.Send(context.Background(), "alice", SendInput{
		ReceiverID: "bob",
		Type:       model.MessageTypeText,
		Content:    "re",
		ReplyToID:  "m-missing",
	})
	require.ErrorIs(t, err, ErrInvalidReply)
}

func TestCatchUp(t *testing.T) {
	f := newFixture(t)
	f.msgs.pending = 3

	require.NoError(t, f.coord.CatchUp(context.Background(), "bob", "alice"))

	// The original sender learns their messages reached bob.
	require.Eventually(t, func() bool { return len(f.pusher.all()) == 1 },
		time.Second, 10*time.Millisecond)
	p := f.pusher.all()[0]
	assert.Equal(t, "alice", p.userID)
	assert.Equal(t, EventMessagesDelivered, p.event)
	payload, ok := p.payload.(MessagesDeliveredPayload)
	require.True(t, ok)
	assert.Equal(t, int64(3), payload.Count)
	assert.Equal(t, "bob", payload.DeliveredTo)
}

func TestCatchUpNothingPending(t *testing.T) {
	f := newFixture(t)
	f.msgs.pending = 0

	require.NoError(t, f.coord.CatchUp(context.Background(), "bob", "alice"))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.pusher.all())
}

func TestMarkSeen(t *testing.T) {
	f := newFixture(t)
	f.msgs.byID["m1"] = &model.Message{
		ID: "m1", SenderID: "alice", ReceiverID: "bob",
		Type: model.MessageTypeText, Content: "x",
		Status: model.MessageStatusDelivered,
	}
	f.convs.unread["bob"] = 1

	require.NoError(t, f.coord.MarkSeen(context.Background(), "bob", "alice"))

	m, _ := f.msgs.GetByID(context.Background(), "m1")
	assert.Equal(t, model.MessageStatusSeen, m.Status)
	assert.Equal(t, 0, f.convs.unreadFor("bob"))

	require.Eventually(t, func() bool { return len(f.pusher.all()) == 1 },
		time.Second, 10*time.Millisecond)
	p := f.pusher.all()[0]
	assert.Equal(t, "alice", p.userID)
	assert.Equal(t, EventMessagesSeen, p.event)
	payload, ok := p.payload.(MessagesSeenPayload)
	require.True(t, ok)
	assert.Equal(t, "bob", payload.SeenBy)
}

func TestDeleteSenderOnly(t *testing.T) {
	f := newFixture(t)
	f.msgs.byID["m1"] = &model.Message{
		ID: "m1", SenderID: "alice", ReceiverID: "bob",
		Type: model.MessageTypeText, Content: "x",
	}

	_, err := f.coord.Delete(context.Background(), "bob", "m1")
	require.ErrorIs(t, err, ErrNotSender)
	assert.Empty(t, f.msgs.deleted)

	m, err := f.coord.Delete(context.Background(), "alice", "m1")
	require.NoError(t, err)
	assert.True(t, m.IsDeleted)
	require.Len(t, f.msgs.deleted, 1)

	require.Eventually(t, func() bool { return len(f.pusher.all()) == 1 },
		time.Second, 10*time.Millisecond)
	p := f.pusher.all()[0]
	assert.Equal(t, "bob", p.userID)
	assert.Equal(t, EventMessageDeleted, p.event)

	// Deleting again is a no-op, no second push.
	_, err = f.coord.Delete(context.Background(), "alice", "m1")
	require.NoError(t, err)
	require.Len(t, f.msgs.deleted, 1)
}

func TestDeleteMissingMessage(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.Delete(context.Background(), "alice", "nope")
	require.ErrorIs(t, err, repository.ErrNotFound)
}
