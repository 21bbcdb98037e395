// Package gateway is the realtime layer. It binds live connections to users
// through the presence registry, routes inbound events to the message
// service and dispatches outbound events to whichever connection currently
// represents a user.
//
// Dispatch is at-most-once: a user with no local connection is looked up in
// the Redis directory and, when hosted by another instance, relayed over
// NATS. Anything else is dropped; the persisted record is authoritative.
package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/verbose/chat/internal/chat"
	"github.com/verbose/chat/internal/metrics"
	"github.com/verbose/chat/internal/presence"
	"github.com/verbose/chat/internal/protocol"
	"github.com/verbose/chat/internal/ratelimit"
	"github.com/verbose/chat/internal/store"
	"github.com/verbose/chat/internal/typing"
	"github.com/verbose/chat/internal/ws"
)

// DefaultOpTimeout bounds every store or Redis call made from a live handler.
const DefaultOpTimeout = 5 * time.Second

// Transport writes frames to live connections. *ws.Server implements it.
type Transport interface {
	Send(connID string, data []byte) error
	Broadcast(data []byte)
	Disconnect(connID string)
	Alive(connID string) bool
}

// Locator publishes and resolves user locations across instances.
// *presence.Directory implements it.
type Locator interface {
	ServerName() string
	Register(ctx context.Context, userID, connID string, at time.Time) error
	Remove(ctx context.Context, userID, connID string) (bool, error)
	Locate(ctx context.Context, userID string) (*presence.Location, error)
	Refresh(ctx context.Context, userID string) error
}

// Forwarder hands an encoded frame to another instance.
// *messaging.Relay implements it.
type Forwarder interface {
	Forward(server, userID string, data []byte) error
}

// Limiter throttles live events. *ratelimit.Limiter implements it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Gateway owns the presence registry and typing tracker of one server
// instance.
type Gateway struct {
	transport Transport
	chat      *chat.Service
	users     store.UserStore
	registry  *presence.Registry
	typing    *typing.Tracker
	directory Locator
	relay     Forwarder
	limiter   Limiter
	opTimeout time.Duration
	log       zerolog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRegistry replaces the default presence registry.
func WithRegistry(r *presence.Registry) Option {
	return func(g *Gateway) { g.registry = r }
}

// WithTracker replaces the default typing tracker.
func WithTracker(t *typing.Tracker) Option {
	return func(g *Gateway) { g.typing = t }
}

// WithDirectory mirrors presence into a shared directory.
func WithDirectory(l Locator) Option {
	return func(g *Gateway) { g.directory = l }
}

// WithRelay enables cross-instance delivery. It needs WithDirectory.
func WithRelay(f Forwarder) Option {
	return func(g *Gateway) { g.relay = f }
}

// WithLimiter throttles sendMessage and typing per user.
func WithLimiter(l Limiter) Option {
	return func(g *Gateway) { g.limiter = l }
}

// WithOpTimeout overrides DefaultOpTimeout.
func WithOpTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.opTimeout = d }
}

// New creates a Gateway and registers it as the notifier of svc.
func New(t Transport, svc *chat.Service, users store.UserStore, log zerolog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		transport: t,
		chat:      svc,
		users:     users,
		opTimeout: DefaultOpTimeout,
		log:       log.With().Str("component", "gateway").Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.registry == nil {
		g.registry = presence.NewRegistry(presence.WithClock(svc.Now))
	}
	if g.typing == nil {
		g.typing = typing.NewTracker(typing.WithClock(svc.Now))
	}
	svc.SetNotifier(g)
	return g
}

// Register installs the live event handlers on d.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeJoin, g.handleJoin)
	d.Register(protocol.TypeSendMessage, g.handleSendMessage)
	d.Register(protocol.TypeTyping, g.handleTyping)
	d.Register(protocol.TypeMarkAsRead, g.handleMarkAsRead)
	d.Register(protocol.TypeEditMessage, g.handleEditMessage)
	d.Register(protocol.TypeDeleteMessage, g.handleDeleteMessage)
	d.Register(protocol.TypeSendNotification, g.handleSendNotification)
}

// Registry exposes the presence registry for read-only queries.
func (g *Gateway) Registry() *presence.Registry {
	return g.registry
}

// Typing exposes the typing tracker for read-only queries.
func (g *Gateway) Typing() *typing.Tracker {
	return g.typing
}

// IsOnline reports whether userID has a live connection on this instance.
func (g *Gateway) IsOnline(userID string) bool {
	_, ok := g.registry.Lookup(userID)
	return ok
}

// Status returns when userID's live connection on this instance joined.
func (g *Gateway) Status(userID string) (time.Time, bool) {
	e, ok := g.registry.Get(userID)
	return e.LastSeen, ok
}

// HandleDisconnect is the transport close callback. Only the connection the
// registry still maps to the user takes the user offline.
func (g *Gateway) HandleDisconnect(conn *ws.Connection) {
	userID, removed := g.registry.Leave(conn.ID)
	if !removed {
		return
	}
	metrics.OnlineUsers.Set(float64(g.registry.Len()))

	ctx, cancel := context.WithTimeout(context.Background(), g.opTimeout)
	defer cancel()

	if err := g.users.UpdateUserLastSeen(ctx, userID, g.chat.Now()); err != nil {
		g.log.Warn().Err(err).Str("user", userID).Msg("failed to persist lastSeen")
	}
	if g.directory != nil {
		if _, err := g.directory.Remove(ctx, userID, conn.ID); err != nil {
			g.log.Warn().Err(err).Str("user", userID).Msg("failed to remove presence")
		}
	}
	g.typing.DropSender(userID)

	g.broadcastStatus()
	g.log.Info().Str("user", userID).Str("conn", conn.ID).Msg("user offline")
}

// RefreshPresence extends the directory TTL of every local user.
func (g *Gateway) RefreshPresence(ctx context.Context) {
	if g.directory == nil {
		return
	}
	for _, s := range g.registry.Snapshot() {
		if err := g.directory.Refresh(ctx, s.ID); err != nil {
			g.log.Warn().Err(err).Str("user", s.ID).Msg("failed to refresh presence")
		}
	}
}

// DeliverLocal writes an already encoded frame to userID's local connection.
// It is the relay inbound path and never forwards again.
func (g *Gateway) DeliverLocal(userID string, data []byte) {
	connID, ok := g.registry.Lookup(userID)
	if !ok {
		metrics.DispatchTotal.WithLabelValues(metrics.OutcomeDropped).Inc()
		return
	}
	g.send(userID, connID, data)
}

// ---------------------------------------------------------------------------
// chat.Notifier
// ---------------------------------------------------------------------------

// MessageCreated pushes a persisted message to both participants.
func (g *Gateway) MessageCreated(m *store.Message) {
	g.deliver(m.SenderID, protocol.TypeReceiveMessage, m)
	g.deliver(m.ReceiverID, protocol.TypeReceiveMessage, m)
	g.clearTyping(m.SenderID, m.ReceiverID)
}

// MessageUpdated pushes an edited message to both participants.
func (g *Gateway) MessageUpdated(m *store.Message) {
	g.deliver(m.SenderID, protocol.TypeMessageUpdated, m)
	g.deliver(m.ReceiverID, protocol.TypeMessageUpdated, m)
}

// MessageDeleted pushes a soft-deleted message to both participants.
func (g *Gateway) MessageDeleted(m *store.Message) {
	g.deliver(m.SenderID, protocol.TypeMessageDeleted, m)
	g.deliver(m.ReceiverID, protocol.TypeMessageDeleted, m)
}

// MessageRead tells the original sender that readerID read m.
func (g *Gateway) MessageRead(m *store.Message, readerID string) {
	g.deliver(m.SenderID, protocol.TypeMessageRead, protocol.MessageReadMsg{
		MessageID: m.ID,
		UserID:    readerID,
	})
}

// Notify pushes a newNotification to userID.
func (g *Gateway) Notify(userID, text string) {
	g.deliver(userID, protocol.TypeNewNotification, protocol.NotificationMsg{Message: text})
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

func (g *Gateway) deliver(userID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		g.log.Error().Err(err).Str("event", msgType).Msg("failed to encode event")
		return
	}
	g.dispatch(userID, msgType, data)
}

func (g *Gateway) dispatch(userID, msgType string, data []byte) {
	if connID, ok := g.registry.Lookup(userID); ok {
		g.send(userID, connID, data)
		return
	}

	if g.relay != nil && g.directory != nil {
		ctx, cancel := context.WithTimeout(context.Background(), g.opTimeout)
		loc, err := g.directory.Locate(ctx, userID)
		cancel()
		if err != nil {
			g.log.Warn().Err(err).Str("user", userID).Msg("presence lookup failed")
		}
		if loc != nil && loc.Server != g.directory.ServerName() {
			if err := g.relay.Forward(loc.Server, userID, data); err != nil {
				g.log.Warn().Err(err).Str("user", userID).Str("server", loc.Server).Msg("relay failed")
			} else {
				metrics.DispatchTotal.WithLabelValues(metrics.OutcomeRelayed).Inc()
				return
			}
		}
	}

	g.log.Debug().Str("user", userID).Str("event", msgType).Msg("recipient offline, dropped")
	metrics.DispatchTotal.WithLabelValues(metrics.OutcomeDropped).Inc()
}

func (g *Gateway) send(userID, connID string, data []byte) {
	if err := g.transport.Send(connID, data); err != nil {
		g.log.Debug().Err(err).Str("user", userID).Str("conn", connID).Msg("send failed")
		metrics.DispatchTotal.WithLabelValues(metrics.OutcomeDropped).Inc()
		return
	}
	metrics.DispatchTotal.WithLabelValues(metrics.OutcomeDelivered).Inc()
}

func (g *Gateway) broadcastStatus() {
	data, err := protocol.NewServerMessage(protocol.TypeUserStatus, g.registry.Snapshot())
	if err != nil {
		g.log.Error().Err(err).Msg("failed to encode userStatus")
		return
	}
	g.transport.Broadcast(data)
}

// clearTyping drops sender's typing state towards recipient and tells the
// recipient it stopped.
func (g *Gateway) clearTyping(sender, recipient string) {
	g.typing.Clear(sender, recipient)
	g.deliver(recipient, protocol.TypeUserTyping, protocol.UserTypingMsg{
		UserID:   sender,
		IsTyping: false,
	})
}
