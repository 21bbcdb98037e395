package ws

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/verbose/chat/internal/metrics"
	"github.com/verbose/chat/internal/protocol"
)

// MessageHandler handles a parsed client event. msg is the concrete struct
// returned by protocol.ParseClientMessage (e.g. protocol.JoinMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes inbound frames to handlers by event name. Ping is
// answered internally. Malformed frames and unknown events are logged and
// dropped; nothing is written back to the client.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	log      zerolog.Logger
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher(log zerolog.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      log.With().Str("component", "dispatcher").Logger(),
	}
}

// Register associates a handler with an event name, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the Server onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug().Err(err).Str("conn", conn.ID).Msg("dropping malformed frame")
		return
	}
	metrics.EventsTotal.WithLabelValues(msgType).Inc()

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug().Str("event", msgType).Str("conn", conn.ID).Msg("no handler registered")
		return
	}

	start := time.Now()
	handler(conn, msg)
	metrics.EventLatency.WithLabelValues(msgType).Observe(time.Since(start).Seconds())
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		d.log.Error().Err(err).Msg("failed to build pong")
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		d.log.Debug().Err(err).Str("conn", conn.ID).Msg("failed to send pong")
	}
}
