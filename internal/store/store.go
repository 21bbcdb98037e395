// Package store defines the durable records of the chat application and the
// persistence contracts consumed by the message service, the realtime gateway
// and the auth layer. Concrete backends live in the postgres and memstore
// subpackages.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a unique constraint would be violated.
var ErrConflict = errors.New("store: conflict")

// Message types and delivery statuses.
const (
	MessageTypeText = "TEXT"
	StatusSent      = "SENT"
)

// User is a registered account. LastSeen is zero until the first join.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Verified  bool      `json:"verified"`
	LastSeen  time.Time `json:"lastSeen"`
	CreatedAt time.Time `json:"createdAt"`
}

// Chat is a conversation thread between its participants.
type Chat struct {
	ID            string    `json:"id"`
	UserIDs       []string  `json:"userIds"`
	LastMessageID string    `json:"lastMessageId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// HasParticipant reports whether userID belongs to the thread.
func (c *Chat) HasParticipant(userID string) bool {
	for _, id := range c.UserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Message is a single persisted chat message.
type Message struct {
	ID         string     `json:"id"`
	ChatID     string     `json:"chatId"`
	SenderID   string     `json:"senderId"`
	ReceiverID string     `json:"receiverId"`
	Content    string     `json:"content"`
	Type       string     `json:"type"`
	Status     string     `json:"status"`
	Read       bool       `json:"read"`
	ReadAt     *time.Time `json:"readAt"`
	IsEdited   bool       `json:"isEdited"`
	IsDeleted  bool       `json:"isDeleted"`
	ParentID   string     `json:"parentId,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// NewMessage holds the fields supplied when a message is created.
type NewMessage struct {
	ChatID     string
	SenderID   string
	ReceiverID string
	Content    string
	Type       string
	ParentID   string
}

// MessagePatch is a partial update. Nil fields are left untouched.
type MessagePatch struct {
	Content   *string
	IsEdited  *bool
	IsDeleted *bool
	Read      *bool
	ReadAt    *time.Time
}

// Notification is a durable per-user notice.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Message   string    `json:"message"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
}

// RefreshToken is the single stored refresh token of a user.
type RefreshToken struct {
	UserID    string
	Token     string
	ExpiresAt time.Time
}

// UserStore persists accounts and presence timestamps.
type UserStore interface {
	CreateUser(ctx context.Context, username, email string) (*User, error)
	FindUser(ctx context.Context, id string) (*User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	SetUserVerified(ctx context.Context, id string) error
	ListVerifiedUsers(ctx context.Context) ([]User, error)
	UpdateUserLastSeen(ctx context.Context, id string, when time.Time) error
}

// MessageStore persists threads and messages.
type MessageStore interface {
	FindOrCreateTwoPartyChat(ctx context.Context, a, b string) (*Chat, error)
	FindChat(ctx context.Context, id string) (*Chat, error)
	SetChatLastMessage(ctx context.Context, chatID, messageID string, at time.Time) error
	CreateMessage(ctx context.Context, m NewMessage) (*Message, error)
	FindMessage(ctx context.Context, id string) (*Message, error)
	UpdateMessage(ctx context.Context, id string, patch MessagePatch) (*Message, error)
	ListConversation(ctx context.Context, a, b string) ([]Message, error)
	ListChatMessages(ctx context.Context, chatID string) ([]Message, error)
}

// NotificationStore persists notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, userID, text string) (*Notification, error)
	ListNotifications(ctx context.Context, userID string) ([]Notification, error)
	MarkNotificationRead(ctx context.Context, id, userID string) (*Notification, error)
	MarkAllNotificationsRead(ctx context.Context, userID string) error
	DeleteNotification(ctx context.Context, id, userID string) error
}

// TokenStore persists refresh tokens (one per user).
type TokenStore interface {
	SaveRefreshToken(ctx context.Context, t RefreshToken) error
	FindRefreshToken(ctx context.Context, userID, token string, now time.Time) (*RefreshToken, error)
	DeleteRefreshTokens(ctx context.Context, userID string) error
}

// Store is the full persistence surface implemented by every backend.
type Store interface {
	UserStore
	MessageStore
	NotificationStore
	TokenStore
	Close() error
}
