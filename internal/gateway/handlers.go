package gateway

import (
	"context"

	"github.com/verbose/chat/internal/metrics"
	"github.com/verbose/chat/internal/protocol"
	"github.com/verbose/chat/internal/ratelimit"
	"github.com/verbose/chat/internal/ws"
)

// Live handlers never write errors back. Every rejected event is logged and
// dropped.

func (g *Gateway) handleJoin(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.JoinMsg)
	if m.UserID == "" {
		return
	}
	if conn.UserID != "" && conn.UserID != m.UserID {
		g.log.Warn().Str("conn", conn.ID).Str("auth", conn.UserID).Str("claimed", m.UserID).
			Msg("join for a different user, dropped")
		return
	}

	if !g.transport.Alive(conn.ID) {
		g.log.Debug().Str("conn", conn.ID).Msg("join on closed connection, dropped")
		return
	}

	entry, evicted := g.registry.Join(m.UserID, conn.ID)
	if evicted != "" {
		g.log.Info().Str("user", m.UserID).Str("conn", evicted).Msg("terminating superseded connection")
		g.transport.Disconnect(evicted)
	}
	// A close that ran before Join found nothing to remove.
	if g.rollbackIfClosed(conn) {
		return
	}
	metrics.OnlineUsers.Set(float64(g.registry.Len()))

	ctx, cancel := g.opContext()
	defer cancel()

	if err := g.users.UpdateUserLastSeen(ctx, m.UserID, entry.LastSeen); err != nil {
		g.log.Warn().Err(err).Str("user", m.UserID).Msg("failed to persist lastSeen")
	}

	// The connection may have closed or been superseded during the write.
	if g.rollbackIfClosed(conn) {
		return
	}
	if current, ok := g.registry.Lookup(m.UserID); !ok || current != conn.ID {
		return
	}

	if g.directory != nil {
		if err := g.directory.Register(ctx, m.UserID, conn.ID, entry.LastSeen); err != nil {
			g.log.Warn().Err(err).Str("user", m.UserID).Msg("failed to publish presence")
		}
	}

	g.broadcastStatus()
	g.log.Info().Str("user", m.UserID).Str("conn", conn.ID).Msg("user online")
}

// rollbackIfClosed removes the registry entry of conn when the transport has
// already closed it.
func (g *Gateway) rollbackIfClosed(conn *ws.Connection) bool {
	if g.transport.Alive(conn.ID) {
		return false
	}
	if userID, removed := g.registry.Leave(conn.ID); removed {
		metrics.OnlineUsers.Set(float64(g.registry.Len()))
		g.log.Info().Str("user", userID).Str("conn", conn.ID).Msg("join raced a close, entry removed")
	}
	return true
}

func (g *Gateway) handleSendMessage(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.SendMessageMsg)
	sender, ok := g.identity(conn, m.SenderID, protocol.TypeSendMessage)
	if !ok || m.ReceiverID == "" || m.Message.ID == "" {
		return
	}

	ctx, cancel := g.opContext()
	defer cancel()

	if !g.allow(ctx, sender, ratelimit.RuleMessage) {
		return
	}

	stored, err := g.chat.Message(ctx, m.Message.ID)
	if err != nil {
		g.log.Warn().Err(err).Str("user", sender).Str("message", m.Message.ID).Msg("sendMessage for unknown message")
		return
	}
	if stored.SenderID != sender || stored.ReceiverID != m.ReceiverID {
		g.log.Warn().Str("user", sender).Str("message", stored.ID).Msg("sendMessage does not match stored message")
		return
	}

	if _, err := g.chat.EnsureThread(ctx, sender, m.ReceiverID); err != nil {
		g.log.Error().Err(err).Str("user", sender).Msg("failed to ensure thread")
		return
	}

	g.deliver(m.ReceiverID, protocol.TypeReceiveMessage, stored)
	g.clearTyping(sender, m.ReceiverID)
}

func (g *Gateway) handleTyping(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.TypingMsg)
	sender, ok := g.identity(conn, m.SenderID, protocol.TypeTyping)
	if !ok || m.ReceiverID == "" {
		return
	}

	ctx, cancel := g.opContext()
	defer cancel()

	if !g.allow(ctx, sender, ratelimit.RuleTyping) {
		return
	}

	g.typing.Set(sender, m.ReceiverID, m.IsTyping)
	g.deliver(m.ReceiverID, protocol.TypeUserTyping, protocol.UserTypingMsg{
		UserID:   sender,
		IsTyping: m.IsTyping,
	})
}

func (g *Gateway) handleMarkAsRead(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.MarkAsReadMsg)
	reader, ok := g.identity(conn, m.UserID, protocol.TypeMarkAsRead)
	if !ok || m.MessageID == "" {
		return
	}

	ctx, cancel := g.opContext()
	defer cancel()

	if _, err := g.chat.MarkRead(ctx, reader, m.MessageID); err != nil {
		g.log.Warn().Err(err).Str("user", reader).Str("message", m.MessageID).Msg("markAsRead dropped")
	}
}

func (g *Gateway) handleEditMessage(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.EditMessageMsg)
	requester, ok := g.identity(conn, m.UserID, protocol.TypeEditMessage)
	if !ok || m.MessageID == "" {
		return
	}

	ctx, cancel := g.opContext()
	defer cancel()

	if _, err := g.chat.Edit(ctx, requester, m.MessageID, m.Content); err != nil {
		g.log.Warn().Err(err).Str("user", requester).Str("message", m.MessageID).Msg("editMessage dropped")
	}
}

func (g *Gateway) handleDeleteMessage(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.DeleteMessageMsg)
	requester, ok := g.identity(conn, m.UserID, protocol.TypeDeleteMessage)
	if !ok || m.MessageID == "" {
		return
	}

	ctx, cancel := g.opContext()
	defer cancel()

	if _, err := g.chat.Delete(ctx, requester, m.MessageID); err != nil {
		g.log.Warn().Err(err).Str("user", requester).Str("message", m.MessageID).Msg("deleteMessage dropped")
	}
}

func (g *Gateway) handleSendNotification(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.SendNotificationMsg)
	if _, ok := g.identity(conn, "", protocol.TypeSendNotification); !ok {
		return
	}
	if m.UserID == "" || m.Message == "" {
		return
	}

	ctx, cancel := g.opContext()
	defer cancel()

	if _, err := g.chat.SendNotification(ctx, m.UserID, m.Message); err != nil {
		g.log.Warn().Err(err).Str("user", m.UserID).Msg("sendNotification dropped")
	}
}

// identity returns the user joined on conn. Events from connections that
// have not joined, or that claim another user, are dropped.
func (g *Gateway) identity(conn *ws.Connection, claimed, event string) (string, bool) {
	userID, ok := g.registry.UserOf(conn.ID)
	if !ok {
		g.log.Debug().Str("conn", conn.ID).Str("event", event).Msg("event before join, dropped")
		return "", false
	}
	if claimed != "" && claimed != userID {
		g.log.Warn().Str("conn", conn.ID).Str("user", userID).Str("claimed", claimed).
			Str("event", event).Msg("identity mismatch, dropped")
		return "", false
	}
	return userID, true
}

func (g *Gateway) allow(ctx context.Context, userID string, rule ratelimit.Rule) bool {
	if g.limiter == nil {
		return true
	}
	ok, _ := g.limiter.Allow(ctx, userID, rule)
	if !ok {
		g.log.Debug().Str("user", userID).Str("rule", rule.Name).Msg("rate limited, dropped")
	}
	return ok
}

func (g *Gateway) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.opTimeout)
}
