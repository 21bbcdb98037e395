package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verbose/chat/internal/chat"
	"github.com/verbose/chat/internal/presence"
	"github.com/verbose/chat/internal/protocol"
	"github.com/verbose/chat/internal/ratelimit"
	"github.com/verbose/chat/internal/store"
	"github.com/verbose/chat/internal/store/memstore"
	"github.com/verbose/chat/internal/ws"
)

// fakeTransport records frames per connection and mimics ws.Server closing
// semantics: Disconnect runs the close callback once.
type fakeTransport struct {
	mu           sync.Mutex
	open         map[string]bool
	frames       map[string][]protocol.Envelope
	disconnected []string
	onDisconnect func(connID string)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		open:   make(map[string]bool),
		frames: make(map[string][]protocol.Envelope),
	}
}

func (t *fakeTransport) connect(connID string) {
	t.mu.Lock()
	t.open[connID] = true
	t.mu.Unlock()
}

func (t *fakeTransport) record(connID string, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		panic(err)
	}
	t.frames[connID] = append(t.frames[connID], env)
}

func (t *fakeTransport) Send(connID string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open[connID] {
		return ws.ErrConnNotFound
	}
	t.record(connID, data)
	return nil
}

func (t *fakeTransport) Broadcast(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.open {
		t.record(id, data)
	}
}

func (t *fakeTransport) Disconnect(connID string) {
	t.mu.Lock()
	wasOpen := t.open[connID]
	delete(t.open, connID)
	if wasOpen {
		t.disconnected = append(t.disconnected, connID)
	}
	cb := t.onDisconnect
	t.mu.Unlock()

	if wasOpen && cb != nil {
		cb(connID)
	}
}

func (t *fakeTransport) Alive(connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open[connID]
}

func (t *fakeTransport) types(connID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.frames[connID]))
	for _, env := range t.frames[connID] {
		out = append(out, env.Type)
	}
	return out
}

func (t *fakeTransport) last(connID, msgType string) (protocol.Envelope, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	frames := t.frames[connID]
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Type == msgType {
			return frames[i], true
		}
	}
	return protocol.Envelope{}, false
}

func (t *fakeTransport) reset() {
	t.mu.Lock()
	t.frames = make(map[string][]protocol.Envelope)
	t.mu.Unlock()
}

type harness struct {
	g     *Gateway
	svc   *chat.Service
	st    *memstore.Store
	tr    *fakeTransport
	d     *ws.MessageDispatcher
	now   time.Time
	alice *store.User
	bob   *store.User
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return h.now }

	h.st = memstore.New(memstore.WithClock(clock))
	h.svc = chat.NewService(h.st, zerolog.Nop(), chat.WithClock(clock))
	h.tr = newFakeTransport()
	h.g = New(h.tr, h.svc, h.st, zerolog.Nop(), opts...)
	h.tr.onDisconnect = func(connID string) {
		h.g.HandleDisconnect(&ws.Connection{ID: connID})
	}
	h.d = ws.NewMessageDispatcher(zerolog.Nop())
	h.g.Register(h.d)

	ctx := context.Background()
	var err error
	h.alice, err = h.st.CreateUser(ctx, "alice", "alice@example.com")
	require.NoError(t, err)
	h.bob, err = h.st.CreateUser(ctx, "bob", "bob@example.com")
	require.NoError(t, err)
	return h
}

func (h *harness) connect(connID string) *ws.Connection {
	h.tr.connect(connID)
	return &ws.Connection{ID: connID}
}

func (h *harness) emit(t *testing.T, conn *ws.Connection, msgType string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	raw, err := json.Marshal(protocol.Envelope{Type: msgType, Data: data})
	require.NoError(t, err)
	h.d.Dispatch(conn, raw)
}

func (h *harness) join(t *testing.T, connID, userID string) *ws.Connection {
	t.Helper()
	conn := h.connect(connID)
	h.emit(t, conn, protocol.TypeJoin, protocol.JoinMsg{UserID: userID})
	return conn
}

func decodeData(t *testing.T, env protocol.Envelope, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, v))
}

func TestJoin_SupersedesPriorConnection(t *testing.T) {
	h := newHarness(t)

	h.join(t, "c1", h.alice.ID)
	h.join(t, "c2", h.alice.ID)

	connID, ok := h.g.Registry().Lookup(h.alice.ID)
	require.True(t, ok)
	assert.Equal(t, "c2", connID)
	assert.Equal(t, []string{"c1"}, h.tr.disconnected)
	assert.Equal(t, 1, h.g.Registry().Len())

	u, err := h.st.FindUser(context.Background(), h.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, h.now, u.LastSeen)
}

func TestStatus_ReportsJoinTime(t *testing.T) {
	h := newHarness(t)

	_, ok := h.g.Status(h.alice.ID)
	assert.False(t, ok)

	joined := h.now
	h.join(t, "c1", h.alice.ID)
	h.now = h.now.Add(time.Hour)

	at, ok := h.g.Status(h.alice.ID)
	require.True(t, ok)
	assert.Equal(t, joined, at)

	h.tr.Disconnect("c1")
	_, ok = h.g.Status(h.alice.ID)
	assert.False(t, ok)
}

func TestJoin_BroadcastsOnlineSet(t *testing.T) {
	h := newHarness(t)

	h.join(t, "c1", h.alice.ID)
	h.join(t, "c2", h.bob.ID)

	env, ok := h.tr.last("c1", protocol.TypeUserStatus)
	require.True(t, ok)

	var statuses []protocol.UserStatus
	decodeData(t, env, &statuses)
	require.Len(t, statuses, 2)
	ids := []string{statuses[0].ID, statuses[1].ID}
	assert.ElementsMatch(t, []string{h.alice.ID, h.bob.ID}, ids)
	for _, s := range statuses {
		assert.True(t, s.Online)
	}
}

func TestJoin_IdentityMismatchDropped(t *testing.T) {
	h := newHarness(t)

	conn := h.connect("c1")
	conn.UserID = h.alice.ID
	h.emit(t, conn, protocol.TypeJoin, protocol.JoinMsg{UserID: h.bob.ID})

	assert.False(t, h.g.IsOnline(h.bob.ID))
	assert.Equal(t, 0, h.g.Registry().Len())
	assert.Empty(t, h.tr.types("c1"))
}

func TestJoin_ClosedConnectionDropped(t *testing.T) {
	h := newHarness(t)
	before, err := h.st.FindUser(context.Background(), h.alice.ID)
	require.NoError(t, err)

	conn := h.connect("c1")
	h.tr.Disconnect("c1")
	h.emit(t, conn, protocol.TypeJoin, protocol.JoinMsg{UserID: h.alice.ID})

	_, ok := h.g.Registry().Lookup(h.alice.ID)
	assert.False(t, ok)
	assert.Empty(t, h.g.Registry().Snapshot())
	assert.False(t, h.g.IsOnline(h.alice.ID))

	u, err := h.st.FindUser(context.Background(), h.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, before.LastSeen, u.LastSeen)
}

// closingUsers closes a connection while lastSeen is being written.
type closingUsers struct {
	store.UserStore
	onUpdate func()
}

func (c *closingUsers) UpdateUserLastSeen(ctx context.Context, id string, when time.Time) error {
	if c.onUpdate != nil {
		c.onUpdate()
	}
	return c.UserStore.UpdateUserLastSeen(ctx, id, when)
}

func TestJoin_CloseDuringLastSeenWriteRollsBack(t *testing.T) {
	h := newHarness(t)
	users := &closingUsers{UserStore: h.st}
	h.g = New(h.tr, h.svc, users, zerolog.Nop())
	h.d = ws.NewMessageDispatcher(zerolog.Nop())
	h.g.Register(h.d)

	bob := h.join(t, "c2", h.bob.ID)
	require.True(t, h.g.IsOnline(h.bob.ID))

	// The transport drops c1 without running the gateway's close callback,
	// the same ordering as a close that beats the registry write.
	h.tr.onDisconnect = nil
	users.onUpdate = func() { h.tr.Disconnect("c1") }
	h.tr.reset()
	h.join(t, "c1", h.alice.ID)

	assert.False(t, h.g.IsOnline(h.alice.ID))
	assert.Equal(t, 1, h.g.Registry().Len())
	_, ok := h.g.Registry().UserOf("c1")
	assert.False(t, ok)

	// No userStatus announced the dead connection.
	_, ok = h.tr.last(bob.ID, protocol.TypeUserStatus)
	assert.False(t, ok)
}

func TestDisconnect_StaleCloseKeepsNewerEntry(t *testing.T) {
	h := newHarness(t)

	h.join(t, "c1", h.alice.ID)
	h.join(t, "c2", h.alice.ID)

	// A late close for the superseded connection.
	h.g.HandleDisconnect(&ws.Connection{ID: "c1"})

	connID, ok := h.g.Registry().Lookup(h.alice.ID)
	require.True(t, ok)
	assert.Equal(t, "c2", connID)

	h.now = h.now.Add(time.Minute)
	h.tr.Disconnect("c2")
	assert.False(t, h.g.IsOnline(h.alice.ID))

	u, err := h.st.FindUser(context.Background(), h.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, h.now, u.LastSeen)
}

func TestDisconnect_BroadcastsAndDropsTyping(t *testing.T) {
	h := newHarness(t)

	alice := h.join(t, "c1", h.alice.ID)
	h.join(t, "c2", h.bob.ID)
	h.emit(t, alice, protocol.TypeTyping, protocol.TypingMsg{ReceiverID: h.bob.ID, IsTyping: true})
	require.True(t, h.g.Typing().IsTyping(h.alice.ID, h.bob.ID))

	h.tr.reset()
	h.tr.Disconnect("c1")

	assert.False(t, h.g.Typing().IsTyping(h.alice.ID, h.bob.ID))
	assert.Equal(t, 0, h.g.Typing().Len())

	env, ok := h.tr.last("c2", protocol.TypeUserStatus)
	require.True(t, ok)
	var statuses []protocol.UserStatus
	decodeData(t, env, &statuses)
	assert.Equal(t, []protocol.UserStatus{{ID: h.bob.ID, Online: true}}, statuses)
}

func TestTyping_ForwardedToRecipient(t *testing.T) {
	h := newHarness(t)

	alice := h.join(t, "c1", h.alice.ID)
	h.join(t, "c2", h.bob.ID)
	h.tr.reset()

	h.emit(t, alice, protocol.TypeTyping, protocol.TypingMsg{SenderID: h.alice.ID, ReceiverID: h.bob.ID, IsTyping: true})

	env, ok := h.tr.last("c2", protocol.TypeUserTyping)
	require.True(t, ok)
	var got protocol.UserTypingMsg
	decodeData(t, env, &got)
	assert.Equal(t, protocol.UserTypingMsg{UserID: h.alice.ID, IsTyping: true}, got)
	assert.Empty(t, h.tr.types("c1"))

	h.emit(t, alice, protocol.TypeTyping, protocol.TypingMsg{ReceiverID: h.bob.ID, IsTyping: false})
	assert.False(t, h.g.Typing().IsTyping(h.alice.ID, h.bob.ID))
	env, _ = h.tr.last("c2", protocol.TypeUserTyping)
	decodeData(t, env, &got)
	assert.False(t, got.IsTyping)
}

func TestTyping_OfflineRecipientStillTracked(t *testing.T) {
	h := newHarness(t)

	alice := h.join(t, "c1", h.alice.ID)
	h.tr.reset()

	h.emit(t, alice, protocol.TypeTyping, protocol.TypingMsg{ReceiverID: h.bob.ID, IsTyping: true})

	assert.True(t, h.g.Typing().IsTyping(h.alice.ID, h.bob.ID))
	assert.Empty(t, h.tr.types("c1"))
}

func TestTyping_ExpiresAfterTTL(t *testing.T) {
	h := newHarness(t)

	alice := h.join(t, "c1", h.alice.ID)
	h.emit(t, alice, protocol.TypeTyping, protocol.TypingMsg{ReceiverID: h.bob.ID, IsTyping: true})

	h.now = h.now.Add(3*time.Second + time.Millisecond)
	assert.False(t, h.g.Typing().IsTyping(h.alice.ID, h.bob.ID))
}

func TestSendDirect_ClearsTyping(t *testing.T) {
	h := newHarness(t)

	alice := h.join(t, "c1", h.alice.ID)
	h.join(t, "c2", h.bob.ID)
	h.emit(t, alice, protocol.TypeTyping, protocol.TypingMsg{ReceiverID: h.bob.ID, IsTyping: true})
	h.tr.reset()

	m, err := h.svc.SendDirect(context.Background(), h.alice.ID, h.bob.ID, "hi bob")
	require.NoError(t, err)

	assert.False(t, h.g.Typing().IsTyping(h.alice.ID, h.bob.ID))
	assert.Equal(t, []string{protocol.TypeReceiveMessage, protocol.TypeUserTyping}, h.tr.types("c2"))
	assert.Equal(t, []string{protocol.TypeReceiveMessage}, h.tr.types("c1"))

	env, _ := h.tr.last("c2", protocol.TypeUserTyping)
	var typing protocol.UserTypingMsg
	decodeData(t, env, &typing)
	assert.Equal(t, protocol.UserTypingMsg{UserID: h.alice.ID, IsTyping: false}, typing)

	env, _ = h.tr.last("c2", protocol.TypeReceiveMessage)
	var got store.Message
	decodeData(t, env, &got)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, "hi bob", got.Content)
}

func TestSendMessage_LiveRoutesToRecipient(t *testing.T) {
	h := newHarness(t)

	alice := h.join(t, "c1", h.alice.ID)
	h.join(t, "c2", h.bob.ID)

	m, err := h.svc.SendDirect(context.Background(), h.alice.ID, h.bob.ID, "persisted first")
	require.NoError(t, err)

	h.emit(t, alice, protocol.TypeTyping, protocol.TypingMsg{ReceiverID: h.bob.ID, IsTyping: true})
	h.tr.reset()

	h.emit(t, alice, protocol.TypeSendMessage, protocol.SendMessageMsg{
		SenderID:   h.alice.ID,
		ReceiverID: h.bob.ID,
		Message:    protocol.MessageRef{ID: m.ID},
	})

	assert.Equal(t, []string{protocol.TypeReceiveMessage, protocol.TypeUserTyping}, h.tr.types("c2"))
	assert.Empty(t, h.tr.types("c1"))
	assert.False(t, h.g.Typing().IsTyping(h.alice.ID, h.bob.ID))
}

func TestSendMessage_ForeignMessageDropped(t *testing.T) {
	h := newHarness(t)

	h.join(t, "c1", h.alice.ID)
	bob := h.join(t, "c2", h.bob.ID)

	m, err := h.svc.SendDirect(context.Background(), h.alice.ID, h.bob.ID, "from alice")
	require.NoError(t, err)
	h.tr.reset()

	// Bob cannot replay alice's message as his own.
	h.emit(t, bob, protocol.TypeSendMessage, protocol.SendMessageMsg{
		ReceiverID: h.alice.ID,
		Message:    protocol.MessageRef{ID: m.ID},
	})

	assert.Empty(t, h.tr.types("c1"))
	assert.Empty(t, h.tr.types("c2"))
}

func TestSendDirect_OfflineRecipient(t *testing.T) {
	h := newHarness(t)

	h.join(t, "c1", h.alice.ID)
	h.tr.reset()

	m, err := h.svc.SendDirect(context.Background(), h.alice.ID, h.bob.ID, "are you there?")
	require.NoError(t, err)
	assert.False(t, h.g.IsOnline(h.bob.ID))
	assert.Equal(t, []string{protocol.TypeReceiveMessage}, h.tr.types("c1"))

	history, err := h.svc.Conversation(context.Background(), h.bob.ID, h.alice.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, m.ID, history[0].ID)
	assert.Equal(t, h.alice.ID, history[0].SenderID)
	assert.Equal(t, h.bob.ID, history[0].ReceiverID)
	assert.Equal(t, "are you there?", history[0].Content)
}

func TestMarkAsRead_NotifiesSender(t *testing.T) {
	h := newHarness(t)

	h.join(t, "c1", h.alice.ID)
	bob := h.join(t, "c2", h.bob.ID)

	m, err := h.svc.SendDirect(context.Background(), h.alice.ID, h.bob.ID, "read me")
	require.NoError(t, err)
	h.tr.reset()

	h.emit(t, bob, protocol.TypeMarkAsRead, protocol.MarkAsReadMsg{MessageID: m.ID, UserID: h.bob.ID})

	env, ok := h.tr.last("c1", protocol.TypeMessageRead)
	require.True(t, ok)
	var got protocol.MessageReadMsg
	decodeData(t, env, &got)
	assert.Equal(t, protocol.MessageReadMsg{MessageID: m.ID, UserID: h.bob.ID}, got)

	stored, err := h.st.FindMessage(context.Background(), m.ID)
	require.NoError(t, err)
	assert.True(t, stored.Read)
}

func TestEditMessage_Live(t *testing.T) {
	h := newHarness(t)

	alice := h.join(t, "c1", h.alice.ID)
	h.join(t, "c2", h.bob.ID)

	m, err := h.svc.SendDirect(context.Background(), h.alice.ID, h.bob.ID, "helo")
	require.NoError(t, err)
	h.tr.reset()

	h.emit(t, alice, protocol.TypeEditMessage, protocol.EditMessageMsg{MessageID: m.ID, Content: "hello", UserID: h.alice.ID})

	assert.Equal(t, []string{protocol.TypeMessageUpdated}, h.tr.types("c1"))
	assert.Equal(t, []string{protocol.TypeMessageUpdated, protocol.TypeNewNotification}, h.tr.types("c2"))

	env, _ := h.tr.last("c2", protocol.TypeNewNotification)
	var note protocol.NotificationMsg
	decodeData(t, env, &note)
	assert.Equal(t, "alice edited a message", note.Message)
}

func TestEditAndDelete_ExpiredWindowDropped(t *testing.T) {
	h := newHarness(t)

	alice := h.join(t, "c1", h.alice.ID)
	h.join(t, "c2", h.bob.ID)

	m, err := h.svc.SendDirect(context.Background(), h.alice.ID, h.bob.ID, "original")
	require.NoError(t, err)
	h.tr.reset()

	h.now = h.now.Add(chat.EditWindow + time.Second)
	h.emit(t, alice, protocol.TypeEditMessage, protocol.EditMessageMsg{MessageID: m.ID, Content: "late"})
	h.emit(t, alice, protocol.TypeDeleteMessage, protocol.DeleteMessageMsg{MessageID: m.ID})

	assert.Empty(t, h.tr.types("c1"))
	assert.Empty(t, h.tr.types("c2"))

	stored, err := h.st.FindMessage(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", stored.Content)
	assert.False(t, stored.IsEdited)
	assert.False(t, stored.IsDeleted)

	notes, err := h.svc.Notifications(context.Background(), h.bob.ID)
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestDeleteMessage_NonSenderDropped(t *testing.T) {
	h := newHarness(t)

	h.join(t, "c1", h.alice.ID)
	bob := h.join(t, "c2", h.bob.ID)

	m, err := h.svc.SendDirect(context.Background(), h.alice.ID, h.bob.ID, "mine")
	require.NoError(t, err)
	h.tr.reset()

	h.emit(t, bob, protocol.TypeDeleteMessage, protocol.DeleteMessageMsg{MessageID: m.ID})

	assert.Empty(t, h.tr.types("c1"))
	stored, err := h.st.FindMessage(context.Background(), m.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsDeleted)
}

func TestDeleteMessage_Live(t *testing.T) {
	h := newHarness(t)

	alice := h.join(t, "c1", h.alice.ID)
	h.join(t, "c2", h.bob.ID)

	m, err := h.svc.SendDirect(context.Background(), h.alice.ID, h.bob.ID, "oops")
	require.NoError(t, err)
	h.tr.reset()

	h.emit(t, alice, protocol.TypeDeleteMessage, protocol.DeleteMessageMsg{MessageID: m.ID, UserID: h.alice.ID})

	env, ok := h.tr.last("c2", protocol.TypeMessageDeleted)
	require.True(t, ok)
	var got store.Message
	decodeData(t, env, &got)
	assert.True(t, got.IsDeleted)
	assert.Equal(t, chat.DeletedPlaceholder, got.Content)

	env, ok = h.tr.last("c2", protocol.TypeNewNotification)
	require.True(t, ok)
	var note protocol.NotificationMsg
	decodeData(t, env, &note)
	assert.Equal(t, "alice deleted a message", note.Message)
}

func TestSendNotification_Live(t *testing.T) {
	h := newHarness(t)

	alice := h.join(t, "c1", h.alice.ID)
	h.join(t, "c2", h.bob.ID)
	h.tr.reset()

	h.emit(t, alice, protocol.TypeSendNotification, protocol.SendNotificationMsg{UserID: h.bob.ID, Message: "hey"})

	env, ok := h.tr.last("c2", protocol.TypeNewNotification)
	require.True(t, ok)
	var note protocol.NotificationMsg
	decodeData(t, env, &note)
	assert.Equal(t, "hey", note.Message)

	notes, err := h.svc.Notifications(context.Background(), h.bob.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
}

func TestEventsBeforeJoinDropped(t *testing.T) {
	h := newHarness(t)

	h.join(t, "c2", h.bob.ID)
	stranger := h.connect("c1")
	h.tr.reset()

	h.emit(t, stranger, protocol.TypeTyping, protocol.TypingMsg{SenderID: h.alice.ID, ReceiverID: h.bob.ID, IsTyping: true})
	h.emit(t, stranger, protocol.TypeSendNotification, protocol.SendNotificationMsg{UserID: h.bob.ID, Message: "spam"})

	assert.Empty(t, h.tr.types("c2"))
	assert.Equal(t, 0, h.g.Typing().Len())
}

func TestTyping_ClaimedSenderMismatchDropped(t *testing.T) {
	h := newHarness(t)

	alice := h.join(t, "c1", h.alice.ID)
	h.join(t, "c2", h.bob.ID)
	h.tr.reset()

	h.emit(t, alice, protocol.TypeTyping, protocol.TypingMsg{SenderID: h.bob.ID, ReceiverID: h.bob.ID, IsTyping: true})

	assert.Empty(t, h.tr.types("c2"))
}

type denyLimiter struct{ rules []string }

func (l *denyLimiter) Allow(_ context.Context, _ string, rule ratelimit.Rule) (bool, error) {
	l.rules = append(l.rules, rule.Name)
	return false, nil
}

func TestLimiter_DropsThrottledEvents(t *testing.T) {
	lim := &denyLimiter{}
	h := newHarness(t, WithLimiter(lim))

	alice := h.join(t, "c1", h.alice.ID)
	h.join(t, "c2", h.bob.ID)
	h.tr.reset()

	h.emit(t, alice, protocol.TypeTyping, protocol.TypingMsg{ReceiverID: h.bob.ID, IsTyping: true})

	assert.Empty(t, h.tr.types("c2"))
	assert.False(t, h.g.Typing().IsTyping(h.alice.ID, h.bob.ID))
	assert.Equal(t, []string{ratelimit.RuleTyping.Name}, lim.rules)
}

type fakeLocator struct {
	mu        sync.Mutex
	server    string
	locations map[string]*presence.Location
	refreshed []string
}

func newFakeLocator(server string) *fakeLocator {
	return &fakeLocator{server: server, locations: make(map[string]*presence.Location)}
}

func (l *fakeLocator) ServerName() string { return l.server }

func (l *fakeLocator) Register(_ context.Context, userID, connID string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locations[userID] = &presence.Location{Server: l.server, ConnID: connID, LastSeen: at.Unix()}
	return nil
}

func (l *fakeLocator) Remove(_ context.Context, userID, connID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if loc, ok := l.locations[userID]; ok && loc.ConnID == connID {
		delete(l.locations, userID)
		return true, nil
	}
	return false, nil
}

func (l *fakeLocator) Locate(_ context.Context, userID string) (*presence.Location, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locations[userID], nil
}

func (l *fakeLocator) Refresh(_ context.Context, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refreshed = append(l.refreshed, userID)
	return nil
}

type forwarded struct {
	server string
	userID string
	data   []byte
}

type fakeForwarder struct{ sent []forwarded }

func (f *fakeForwarder) Forward(server, userID string, data []byte) error {
	f.sent = append(f.sent, forwarded{server, userID, data})
	return nil
}

func TestDirectory_TracksLocalPresence(t *testing.T) {
	loc := newFakeLocator("node-a")
	h := newHarness(t, WithDirectory(loc))

	h.join(t, "c1", h.alice.ID)
	got, _ := loc.Locate(context.Background(), h.alice.ID)
	require.NotNil(t, got)
	assert.Equal(t, "c1", got.ConnID)

	h.g.RefreshPresence(context.Background())
	assert.Equal(t, []string{h.alice.ID}, loc.refreshed)

	h.tr.Disconnect("c1")
	got, _ = loc.Locate(context.Background(), h.alice.ID)
	assert.Nil(t, got)
}

func TestRelay_ForwardsToHostingServer(t *testing.T) {
	loc := newFakeLocator("node-a")
	fwd := &fakeForwarder{}
	h := newHarness(t, WithDirectory(loc), WithRelay(fwd))

	// bob is connected to another instance.
	loc.locations[h.bob.ID] = &presence.Location{Server: "node-b", ConnID: "remote"}

	alice := h.join(t, "c1", h.alice.ID)
	h.emit(t, alice, protocol.TypeTyping, protocol.TypingMsg{ReceiverID: h.bob.ID, IsTyping: true})

	require.Len(t, fwd.sent, 1)
	assert.Equal(t, "node-b", fwd.sent[0].server)
	assert.Equal(t, h.bob.ID, fwd.sent[0].userID)

	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(fwd.sent[0].data, &env))
	assert.Equal(t, protocol.TypeUserTyping, env.Type)
}

func TestRelay_SkipsUnknownAndSelf(t *testing.T) {
	loc := newFakeLocator("node-a")
	fwd := &fakeForwarder{}
	h := newHarness(t, WithDirectory(loc), WithRelay(fwd))

	// A stale entry naming this instance must not loop back.
	loc.locations[h.bob.ID] = &presence.Location{Server: "node-a", ConnID: "gone"}

	alice := h.join(t, "c1", h.alice.ID)
	h.emit(t, alice, protocol.TypeTyping, protocol.TypingMsg{ReceiverID: h.bob.ID, IsTyping: true})
	h.emit(t, alice, protocol.TypeTyping, protocol.TypingMsg{ReceiverID: "nobody", IsTyping: true})

	assert.Empty(t, fwd.sent)
}

func TestDeliverLocal(t *testing.T) {
	h := newHarness(t)

	h.join(t, "c2", h.bob.ID)
	h.tr.reset()

	data, err := protocol.NewServerMessage(protocol.TypeNewNotification, protocol.NotificationMsg{Message: "relayed"})
	require.NoError(t, err)

	h.g.DeliverLocal(h.bob.ID, data)
	h.g.DeliverLocal(h.alice.ID, data)

	assert.Equal(t, []string{protocol.TypeNewNotification}, h.tr.types("c2"))
}
