// Package postgres provides the PostgreSQL-backed implementation of
// store.Store on top of database/sql and lib/pq. Schema changes are applied
// with golang-migrate from the embedded migrations directory.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/verbose/chat/internal/store"
)

// uniqueViolation is the SQLSTATE raised for a unique constraint breach.
const uniqueViolation = "23505"

// Store manages chat records in PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to the database at url and verifies the connection.
func Open(ctx context.Context, url string) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: connection failed: %w", err)
	}

	return &Store{db: db}, nil
}

// New wraps an existing database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying handle for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

const userColumns = `id, username, email, verified, last_seen, created_at`

func scanUser(row interface{ Scan(...any) error }) (*store.User, error) {
	var (
		u        store.User
		lastSeen sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Verified, &lastSeen, &u.CreatedAt); err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		u.LastSeen = lastSeen.Time
	}
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, username, email string) (*store.User, error) {
	const query = `
		INSERT INTO users (id, username, email)
		VALUES ($1, $2, $3)
		RETURNING ` + userColumns

	u, err := scanUser(s.db.QueryRowContext(ctx, query, uuid.New().String(), username, email))
	if err != nil {
		return nil, fmt.Errorf("postgres: create user: %w", mapError(err))
	}
	return u, nil
}

func (s *Store) FindUser(ctx context.Context, id string) (*store.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	u, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("postgres: find user: %w", mapError(err))
	}
	return u, nil
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*store.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE email = $1`

	u, err := scanUser(s.db.QueryRowContext(ctx, query, email))
	if err != nil {
		return nil, fmt.Errorf("postgres: find user by email: %w", mapError(err))
	}
	return u, nil
}

func (s *Store) SetUserVerified(ctx context.Context, id string) error {
	return s.execOne(ctx, "set user verified", `UPDATE users SET verified = TRUE WHERE id = $1`, id)
}

func (s *Store) ListVerifiedUsers(ctx context.Context) ([]store.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE verified ORDER BY username`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list users: %w", err)
	}
	defer rows.Close()

	var out []store.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan user: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func (s *Store) UpdateUserLastSeen(ctx context.Context, id string, when time.Time) error {
	return s.execOne(ctx, "update last seen", `UPDATE users SET last_seen = $2 WHERE id = $1`, id, when)
}

// ---------------------------------------------------------------------------
// Chats
// ---------------------------------------------------------------------------

const chatSelect = `
	SELECT c.id, c.last_message_id, c.created_at, c.updated_at,
	       ARRAY(SELECT cu.user_id FROM chat_users cu WHERE cu.chat_id = c.id ORDER BY cu.user_id)
	FROM chats c`

func scanChat(row interface{ Scan(...any) error }) (*store.Chat, error) {
	var (
		c    store.Chat
		last sql.NullString
	)
	if err := row.Scan(&c.ID, &last, &c.CreatedAt, &c.UpdatedAt, pq.Array(&c.UserIDs)); err != nil {
		return nil, err
	}
	c.LastMessageID = last.String
	return &c, nil
}

// FindOrCreateTwoPartyChat returns the oldest thread containing both users,
// creating one with exactly these participants when none exists. A
// transaction-scoped advisory lock on the sorted pair serializes concurrent
// first messages between the same two users.
func (s *Store) FindOrCreateTwoPartyChat(ctx context.Context, a, b string) (*store.Chat, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	pair := []string{a, b}
	sort.Strings(pair)
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, strings.Join(pair, ":")); err != nil {
		return nil, fmt.Errorf("postgres: lock pair: %w", err)
	}

	const findQuery = chatSelect + `
		WHERE EXISTS (SELECT 1 FROM chat_users x WHERE x.chat_id = c.id AND x.user_id = $1)
		  AND EXISTS (SELECT 1 FROM chat_users y WHERE y.chat_id = c.id AND y.user_id = $2)
		ORDER BY c.created_at
		LIMIT 1`

	c, err := scanChat(tx.QueryRowContext(ctx, findQuery, a, b))
	switch {
	case err == nil:
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("postgres: commit: %w", err)
		}
		return c, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("postgres: find chat: %w", err)
	}

	chatID := uuid.New().String()
	if _, err := tx.ExecContext(ctx, `INSERT INTO chats (id) VALUES ($1)`, chatID); err != nil {
		return nil, fmt.Errorf("postgres: create chat: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_users (chat_id, user_id)
		VALUES ($1, $2), ($1, $3)
		ON CONFLICT DO NOTHING`, chatID, a, b); err != nil {
		return nil, fmt.Errorf("postgres: add chat users: %w", mapError(err))
	}

	c, err = scanChat(tx.QueryRowContext(ctx, chatSelect+` WHERE c.id = $1`, chatID))
	if err != nil {
		return nil, fmt.Errorf("postgres: reload chat: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: commit: %w", err)
	}
	return c, nil
}

func (s *Store) FindChat(ctx context.Context, id string) (*store.Chat, error) {
	c, err := scanChat(s.db.QueryRowContext(ctx, chatSelect+` WHERE c.id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("postgres: find chat: %w", mapError(err))
	}
	return c, nil
}

func (s *Store) SetChatLastMessage(ctx context.Context, chatID, messageID string, at time.Time) error {
	return s.execOne(ctx, "set last message",
		`UPDATE chats SET last_message_id = $2, updated_at = $3 WHERE id = $1`, chatID, messageID, at)
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

const messageColumns = `id, chat_id, sender_id, receiver_id, content, type, status,
	read, read_at, is_edited, is_deleted, parent_id, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*store.Message, error) {
	var (
		m      store.Message
		readAt sql.NullTime
		parent sql.NullString
	)
	err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.ReceiverID, &m.Content, &m.Type, &m.Status,
		&m.Read, &readAt, &m.IsEdited, &m.IsDeleted, &parent, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if readAt.Valid {
		t := readAt.Time
		m.ReadAt = &t
	}
	m.ParentID = parent.String
	return &m, nil
}

func (s *Store) CreateMessage(ctx context.Context, nm store.NewMessage) (*store.Message, error) {
	const query = `
		INSERT INTO messages (id, chat_id, sender_id, receiver_id, content, type, status, parent_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + messageColumns

	typ := nm.Type
	if typ == "" {
		typ = store.MessageTypeText
	}
	var parent sql.NullString
	if nm.ParentID != "" {
		parent = sql.NullString{String: nm.ParentID, Valid: true}
	}

	m, err := scanMessage(s.db.QueryRowContext(ctx, query,
		uuid.New().String(), nm.ChatID, nm.SenderID, nm.ReceiverID, nm.Content, typ, store.StatusSent, parent))
	if err != nil {
		return nil, fmt.Errorf("postgres: create message: %w", mapError(err))
	}
	return m, nil
}

func (s *Store) FindMessage(ctx context.Context, id string) (*store.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("postgres: find message: %w", mapError(err))
	}
	return m, nil
}

// UpdateMessage applies the non-nil fields of patch and returns the row.
func (s *Store) UpdateMessage(ctx context.Context, id string, patch store.MessagePatch) (*store.Message, error) {
	sets := []string{"updated_at = NOW()"}
	args := []any{id}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Content != nil {
		add("content", *patch.Content)
	}
	if patch.IsEdited != nil {
		add("is_edited", *patch.IsEdited)
	}
	if patch.IsDeleted != nil {
		add("is_deleted", *patch.IsDeleted)
	}
	if patch.Read != nil {
		add("read", *patch.Read)
	}
	if patch.ReadAt != nil {
		add("read_at", *patch.ReadAt)
	}

	query := `UPDATE messages SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 RETURNING ` + messageColumns
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("postgres: update message: %w", mapError(err))
	}
	return m, nil
}

func (s *Store) ListConversation(ctx context.Context, a, b string) ([]store.Message, error) {
	const query = `SELECT ` + messageColumns + ` FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at ASC`
	return s.listMessages(ctx, query, a, b)
}

func (s *Store) ListChatMessages(ctx context.Context, chatID string) ([]store.Message, error) {
	const query = `SELECT ` + messageColumns + ` FROM messages WHERE chat_id = $1 ORDER BY created_at ASC`
	return s.listMessages(ctx, query, chatID)
}

func (s *Store) listMessages(ctx context.Context, query string, args ...any) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Notifications
// ---------------------------------------------------------------------------

const notificationColumns = `id, user_id, message, is_read, created_at`

func scanNotification(row interface{ Scan(...any) error }) (*store.Notification, error) {
	var n store.Notification
	if err := row.Scan(&n.ID, &n.UserID, &n.Message, &n.IsRead, &n.CreatedAt); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *Store) CreateNotification(ctx context.Context, userID, text string) (*store.Notification, error) {
	const query = `
		INSERT INTO notifications (id, user_id, message)
		VALUES ($1, $2, $3)
		RETURNING ` + notificationColumns

	n, err := scanNotification(s.db.QueryRowContext(ctx, query, uuid.New().String(), userID, text))
	if err != nil {
		return nil, fmt.Errorf("postgres: create notification: %w", mapError(err))
	}
	return n, nil
}

func (s *Store) ListNotifications(ctx context.Context, userID string) ([]store.Notification, error) {
	const query = `SELECT ` + notificationColumns + ` FROM notifications
		WHERE user_id = $1 ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list notifications: %w", err)
	}
	defer rows.Close()

	var out []store.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan notification: %w", err)
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func (s *Store) MarkNotificationRead(ctx context.Context, id, userID string) (*store.Notification, error) {
	const query = `UPDATE notifications SET is_read = TRUE
		WHERE id = $1 AND user_id = $2
		RETURNING ` + notificationColumns

	n, err := scanNotification(s.db.QueryRowContext(ctx, query, id, userID))
	if err != nil {
		return nil, fmt.Errorf("postgres: mark notification read: %w", mapError(err))
	}
	return n, nil
}

func (s *Store) MarkAllNotificationsRead(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE user_id = $1 AND NOT is_read`, userID)
	if err != nil {
		return fmt.Errorf("postgres: mark all notifications read: %w", err)
	}
	return nil
}

func (s *Store) DeleteNotification(ctx context.Context, id, userID string) error {
	return s.execOne(ctx, "delete notification",
		`DELETE FROM notifications WHERE id = $1 AND user_id = $2`, id, userID)
}

// ---------------------------------------------------------------------------
// Refresh tokens
// ---------------------------------------------------------------------------

func (s *Store) SaveRefreshToken(ctx context.Context, t store.RefreshToken) error {
	const query = `
		INSERT INTO refresh_tokens (user_id, token, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at`

	if _, err := s.db.ExecContext(ctx, query, t.UserID, t.Token, t.ExpiresAt); err != nil {
		return fmt.Errorf("postgres: save refresh token: %w", mapError(err))
	}
	return nil
}

func (s *Store) FindRefreshToken(ctx context.Context, userID, token string, now time.Time) (*store.RefreshToken, error) {
	const query = `SELECT user_id, token, expires_at FROM refresh_tokens
		WHERE user_id = $1 AND token = $2 AND expires_at > $3`

	var t store.RefreshToken
	err := s.db.QueryRowContext(ctx, query, userID, token, now).Scan(&t.UserID, &t.Token, &t.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("postgres: find refresh token: %w", mapError(err))
	}
	return &t, nil
}

func (s *Store) DeleteRefreshTokens(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("postgres: delete refresh tokens: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// execOne runs a statement that must affect exactly one row.
func (s *Store) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: %s: %w", op, mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: %s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("postgres: %s: %w", op, store.ErrNotFound)
	}
	return nil
}

// mapError translates driver errors into store sentinels.
func mapError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return store.ErrConflict
	}
	return err
}
