// Package memstore is an in-process implementation of store.Store. It backs
// STORE_DRIVER=memory for local development and the package tests of the
// message service, gateway and HTTP layer.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/verbose/chat/internal/store"
)

// Store keeps every record in maps guarded by a single mutex.
type Store struct {
	mu            sync.RWMutex
	now           func() time.Time
	users         map[string]*store.User
	chats         map[string]*store.Chat
	messages      map[string]*store.Message
	notifications map[string]*store.Notification
	tokens        map[string]store.RefreshToken // user_id -> token
	seq           map[string]uint64             // message_id -> insertion order
	nextSeq       uint64
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for created/updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		now:           time.Now,
		users:         make(map[string]*store.User),
		chats:         make(map[string]*store.Chat),
		messages:      make(map[string]*store.Message),
		notifications: make(map[string]*store.Notification),
		tokens:        make(map[string]store.RefreshToken),
		seq:           make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.Store = (*Store)(nil)

// Close is a no-op.
func (s *Store) Close() error { return nil }

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (s *Store) CreateUser(_ context.Context, username, email string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Email == email || u.Username == username {
			return nil, store.ErrConflict
		}
	}
	u := &store.User{
		ID:        uuid.New().String(),
		Username:  username,
		Email:     email,
		CreatedAt: s.now(),
	}
	s.users[u.ID] = u
	out := *u
	return &out, nil
}

func (s *Store) FindUser(_ context.Context, id string) (*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *u
	return &out, nil
}

func (s *Store) FindUserByEmail(_ context.Context, email string) (*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Email == email {
			out := *u
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) SetUserVerified(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.Verified = true
	return nil
}

func (s *Store) ListVerifiedUsers(_ context.Context) ([]store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.User, 0, len(s.users))
	for _, u := range s.users {
		if u.Verified {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *Store) UpdateUserLastSeen(_ context.Context, id string, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.LastSeen = when
	return nil
}

// ---------------------------------------------------------------------------
// Chats and messages
// ---------------------------------------------------------------------------

func (s *Store) FindOrCreateTwoPartyChat(_ context.Context, a, b string) (*store.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *store.Chat
	for _, c := range s.chats {
		if c.HasParticipant(a) && c.HasParticipant(b) {
			if found == nil || c.CreatedAt.Before(found.CreatedAt) {
				found = c
			}
		}
	}
	if found != nil {
		return copyChat(found), nil
	}

	now := s.now()
	ids := []string{a}
	if b != a {
		ids = append(ids, b)
	}
	c := &store.Chat{
		ID:        uuid.New().String(),
		UserIDs:   ids,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.chats[c.ID] = c
	return copyChat(c), nil
}

func (s *Store) FindChat(_ context.Context, id string) (*store.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chats[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyChat(c), nil
}

func (s *Store) SetChatLastMessage(_ context.Context, chatID, messageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return store.ErrNotFound
	}
	c.LastMessageID = messageID
	c.UpdatedAt = at
	return nil
}

func (s *Store) CreateMessage(_ context.Context, m store.NewMessage) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[m.ChatID]; !ok {
		return nil, store.ErrNotFound
	}
	typ := m.Type
	if typ == "" {
		typ = store.MessageTypeText
	}
	now := s.now()
	msg := &store.Message{
		ID:         uuid.New().String(),
		ChatID:     m.ChatID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		Type:       typ,
		Status:     store.StatusSent,
		ParentID:   m.ParentID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.messages[msg.ID] = msg
	s.nextSeq++
	s.seq[msg.ID] = s.nextSeq
	out := *msg
	return &out, nil
}

func (s *Store) FindMessage(_ context.Context, id string) (*store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *m
	return &out, nil
}

func (s *Store) UpdateMessage(_ context.Context, id string, patch store.MessagePatch) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if patch.Content != nil {
		m.Content = *patch.Content
	}
	if patch.IsEdited != nil {
		m.IsEdited = *patch.IsEdited
	}
	if patch.IsDeleted != nil {
		m.IsDeleted = *patch.IsDeleted
	}
	if patch.Read != nil {
		m.Read = *patch.Read
	}
	if patch.ReadAt != nil {
		at := *patch.ReadAt
		m.ReadAt = &at
	}
	m.UpdatedAt = s.now()
	out := *m
	return &out, nil
}

func (s *Store) ListConversation(_ context.Context, a, b string) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Message
	for _, m := range s.messages {
		if (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a) {
			out = append(out, *m)
		}
	}
	s.sortMessages(out)
	return out, nil
}

func (s *Store) ListChatMessages(_ context.Context, chatID string) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Message
	for _, m := range s.messages {
		if m.ChatID == chatID {
			out = append(out, *m)
		}
	}
	s.sortMessages(out)
	return out, nil
}

// ---------------------------------------------------------------------------
// Notifications
// ---------------------------------------------------------------------------

func (s *Store) CreateNotification(_ context.Context, userID, text string) (*store.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := &store.Notification{
		ID:        uuid.New().String(),
		UserID:    userID,
		Message:   text,
		CreatedAt: s.now(),
	}
	s.notifications[n.ID] = n
	out := *n
	return &out, nil
}

func (s *Store) ListNotifications(_ context.Context, userID string) ([]store.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Notification
	for _, n := range s.notifications {
		if n.UserID == userID {
			out = append(out, *n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) MarkNotificationRead(_ context.Context, id, userID string) (*store.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok || n.UserID != userID {
		return nil, store.ErrNotFound
	}
	n.IsRead = true
	out := *n
	return &out, nil
}

func (s *Store) MarkAllNotificationsRead(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.notifications {
		if n.UserID == userID {
			n.IsRead = true
		}
	}
	return nil
}

func (s *Store) DeleteNotification(_ context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok || n.UserID != userID {
		return store.ErrNotFound
	}
	delete(s.notifications, id)
	return nil
}

// ---------------------------------------------------------------------------
// Refresh tokens
// ---------------------------------------------------------------------------

func (s *Store) SaveRefreshToken(_ context.Context, t store.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[t.UserID] = t
	return nil
}

func (s *Store) FindRefreshToken(_ context.Context, userID, token string, now time.Time) (*store.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[userID]
	if !ok || t.Token != token || !t.ExpiresAt.After(now) {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (s *Store) DeleteRefreshTokens(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tokens, userID)
	return nil
}

func copyChat(c *store.Chat) *store.Chat {
	out := *c
	out.UserIDs = append([]string(nil), c.UserIDs...)
	return &out
}

// sortMessages orders by creation time, then insertion order. Caller holds mu.
func (s *Store) sortMessages(msgs []store.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return s.seq[msgs[i].ID] < s.seq[msgs[j].ID]
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
