// Package chat implements the message service: direct messages between two
// users, edits and soft deletes within the edit window, read receipts and
// notifications. Every mutation is persisted first and then announced through
// a Notifier, which the realtime gateway implements.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/verbose/chat/internal/store"
)

// EditWindow is how long after creation a sender may edit or delete a message.
const EditWindow = 24 * time.Hour

// DeletedPlaceholder replaces the content of a soft-deleted message.
const DeletedPlaceholder = "This message was deleted"

var (
	// ErrForbidden is returned when the requester is not the message sender.
	ErrForbidden = errors.New("chat: only the sender may modify this message")

	// ErrEditWindowExpired is returned for messages older than EditWindow.
	ErrEditWindowExpired = errors.New("chat: edit window expired")

	// ErrNotParticipant is returned when the requester is not part of the
	// thread or message.
	ErrNotParticipant = errors.New("chat: not a participant")
)

// CanModify reports whether requesterID may edit or delete m at now. Only
// the sender may, and only while now - createdAt <= EditWindow.
func CanModify(m *store.Message, requesterID string, now time.Time) error {
	if m.SenderID != requesterID {
		return ErrForbidden
	}
	if now.Sub(m.CreatedAt) > EditWindow {
		return ErrEditWindowExpired
	}
	return nil
}

// Notifier delivers live events for persisted changes. Delivery is
// fire-and-forget; offline targets are skipped.
type Notifier interface {
	// MessageCreated pushes receiveMessage to both participants and clears
	// the sender's typing state towards the receiver.
	MessageCreated(m *store.Message)
	MessageUpdated(m *store.Message)
	MessageDeleted(m *store.Message)
	// MessageRead tells the original sender that readerID read m.
	MessageRead(m *store.Message, readerID string)
	// Notify pushes a newNotification to userID.
	Notify(userID, text string)
}

type nopNotifier struct{}

func (nopNotifier) MessageCreated(*store.Message)      {}
func (nopNotifier) MessageUpdated(*store.Message)      {}
func (nopNotifier) MessageDeleted(*store.Message)      {}
func (nopNotifier) MessageRead(*store.Message, string) {}
func (nopNotifier) Notify(string, string)              {}

// Service is the message service shared by the REST handlers and the
// realtime gateway.
type Service struct {
	store    store.Store
	notifier Notifier
	now      func() time.Time
	log      zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source used for the edit window and readAt.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service. Live delivery is disabled until SetNotifier
// is called.
func NewService(st store.Store, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    st,
		notifier: nopNotifier{},
		now:      time.Now,
		log:      log.With().Str("component", "chat").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetNotifier wires the live delivery layer. The gateway is constructed
// after the service, so this breaks the cycle.
func (s *Service) SetNotifier(n Notifier) {
	if n == nil {
		n = nopNotifier{}
	}
	s.notifier = n
}

// Now returns the service clock.
func (s *Service) Now() time.Time {
	return s.now()
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// SendDirect persists a text message from senderID to receiverID in their
// two-party thread, creating the thread if needed, and announces it.
func (s *Service) SendDirect(ctx context.Context, senderID, receiverID, content string) (*store.Message, error) {
	if err := ValidateMessage(content); err != nil {
		return nil, err
	}
	if _, err := s.store.FindUser(ctx, receiverID); err != nil {
		return nil, fmt.Errorf("chat: receiver: %w", err)
	}

	thread, err := s.store.FindOrCreateTwoPartyChat(ctx, senderID, receiverID)
	if err != nil {
		return nil, fmt.Errorf("chat: thread: %w", err)
	}

	m, err := s.store.CreateMessage(ctx, store.NewMessage{
		ChatID:     thread.ID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Type:       store.MessageTypeText,
	})
	if err != nil {
		return nil, fmt.Errorf("chat: create message: %w", err)
	}

	if err := s.store.SetChatLastMessage(ctx, thread.ID, m.ID, m.CreatedAt); err != nil {
		s.log.Warn().Err(err).Str("chat", thread.ID).Msg("failed to update last message")
	}

	s.notifier.MessageCreated(m)
	return m, nil
}

// EnsureThread finds or creates the two-party thread between a and b.
func (s *Service) EnsureThread(ctx context.Context, a, b string) (*store.Chat, error) {
	c, err := s.store.FindOrCreateTwoPartyChat(ctx, a, b)
	if err != nil {
		return nil, fmt.Errorf("chat: thread: %w", err)
	}
	return c, nil
}

// Message loads a single message.
func (s *Service) Message(ctx context.Context, id string) (*store.Message, error) {
	m, err := s.store.FindMessage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("chat: find message: %w", err)
	}
	return m, nil
}

// Edit replaces the content of a message on behalf of requesterID.
func (s *Service) Edit(ctx context.Context, requesterID, messageID, content string) (*store.Message, error) {
	if err := ValidateMessage(content); err != nil {
		return nil, err
	}
	m, err := s.authorize(ctx, requesterID, messageID)
	if err != nil {
		return nil, err
	}

	edited := true
	updated, err := s.store.UpdateMessage(ctx, m.ID, store.MessagePatch{Content: &content, IsEdited: &edited})
	if err != nil {
		return nil, fmt.Errorf("chat: edit message: %w", err)
	}

	s.notifier.MessageUpdated(updated)
	s.notifyCounterparty(ctx, updated, "edited a message")
	return updated, nil
}

// Delete soft-deletes a message on behalf of requesterID.
func (s *Service) Delete(ctx context.Context, requesterID, messageID string) (*store.Message, error) {
	m, err := s.authorize(ctx, requesterID, messageID)
	if err != nil {
		return nil, err
	}

	content := DeletedPlaceholder
	deleted := true
	updated, err := s.store.UpdateMessage(ctx, m.ID, store.MessagePatch{Content: &content, IsDeleted: &deleted})
	if err != nil {
		return nil, fmt.Errorf("chat: delete message: %w", err)
	}

	s.notifier.MessageDeleted(updated)
	s.notifyCounterparty(ctx, updated, "deleted a message")
	return updated, nil
}

// MarkRead records that readerID read the message. Only the receiver may
// mark a message read.
func (s *Service) MarkRead(ctx context.Context, readerID, messageID string) (*store.Message, error) {
	m, err := s.Message(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.ReceiverID != readerID {
		return nil, ErrNotParticipant
	}

	read := true
	at := s.now()
	updated, err := s.store.UpdateMessage(ctx, m.ID, store.MessagePatch{Read: &read, ReadAt: &at})
	if err != nil {
		return nil, fmt.Errorf("chat: mark read: %w", err)
	}

	s.notifier.MessageRead(updated, readerID)
	return updated, nil
}

// Conversation returns every message exchanged between userID and otherID,
// oldest first.
func (s *Service) Conversation(ctx context.Context, userID, otherID string) ([]store.Message, error) {
	msgs, err := s.store.ListConversation(ctx, userID, otherID)
	if err != nil {
		return nil, fmt.Errorf("chat: conversation: %w", err)
	}
	return msgs, nil
}

// ChatHistory returns the messages of a thread the user participates in.
func (s *Service) ChatHistory(ctx context.Context, userID, chatID string) ([]store.Message, error) {
	c, err := s.store.FindChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("chat: find chat: %w", err)
	}
	if !c.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	msgs, err := s.store.ListChatMessages(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("chat: chat history: %w", err)
	}
	return msgs, nil
}

func (s *Service) authorize(ctx context.Context, requesterID, messageID string) (*store.Message, error) {
	m, err := s.Message(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := CanModify(m, requesterID, s.now()); err != nil {
		return nil, err
	}
	return m, nil
}

// notifyCounterparty stores "<username> <action>" for the receiver and pushes
// it live. Failures are logged; the message change already happened.
func (s *Service) notifyCounterparty(ctx context.Context, m *store.Message, action string) {
	name := "Someone"
	if u, err := s.store.FindUser(ctx, m.SenderID); err == nil {
		name = u.Username
	} else {
		s.log.Warn().Err(err).Str("user", m.SenderID).Msg("sender lookup failed")
	}

	if _, err := s.SendNotification(ctx, m.ReceiverID, name+" "+action); err != nil {
		s.log.Error().Err(err).Str("message", m.ID).Msg("failed to create notification")
	}
}

// ---------------------------------------------------------------------------
// Notifications
// ---------------------------------------------------------------------------

// SendNotification persists a notification for userID and pushes it live.
func (s *Service) SendNotification(ctx context.Context, userID, text string) (*store.Notification, error) {
	n, err := s.store.CreateNotification(ctx, userID, text)
	if err != nil {
		return nil, fmt.Errorf("chat: create notification: %w", err)
	}
	s.notifier.Notify(userID, text)
	return n, nil
}

// Notifications lists userID's notifications, newest first.
func (s *Service) Notifications(ctx context.Context, userID string) ([]store.Notification, error) {
	list, err := s.store.ListNotifications(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("chat: list notifications: %w", err)
	}
	return list, nil
}

// MarkNotificationRead marks one of userID's notifications read.
func (s *Service) MarkNotificationRead(ctx context.Context, userID, id string) (*store.Notification, error) {
	n, err := s.store.MarkNotificationRead(ctx, id, userID)
	if err != nil {
		return nil, fmt.Errorf("chat: mark notification read: %w", err)
	}
	return n, nil
}

// MarkAllNotificationsRead marks every notification of userID read.
func (s *Service) MarkAllNotificationsRead(ctx context.Context, userID string) error {
	if err := s.store.MarkAllNotificationsRead(ctx, userID); err != nil {
		return fmt.Errorf("chat: mark all notifications read: %w", err)
	}
	return nil
}

// DeleteNotification removes one of userID's notifications.
func (s *Service) DeleteNotification(ctx context.Context, userID, id string) error {
	if err := s.store.DeleteNotification(ctx, id, userID); err != nil {
		return fmt.Errorf("chat: delete notification: %w", err)
	}
	return nil
}
