package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// Delivery is the relay payload: an already encoded event for one user.
type Delivery struct {
	UserID string          `json:"userId"`
	Data   json.RawMessage `json:"data"`
}

// Relay forwards events between server instances over NATS.
type Relay struct {
	client     *NATSClient
	serverName string
	log        zerolog.Logger
}

// NewRelay creates a relay for the instance serverName.
func NewRelay(client *NATSClient, serverName string, log zerolog.Logger) *Relay {
	return &Relay{
		client:     client,
		serverName: serverName,
		log:        log.With().Str("component", "relay").Logger(),
	}
}

// DeliverSubject returns the subject an instance listens on.
func DeliverSubject(serverName string) string {
	return SubjectDeliver + "." + serverName
}

// Forward publishes data for userID to the instance named server.
func (r *Relay) Forward(server, userID string, data []byte) error {
	if server == r.serverName {
		return fmt.Errorf("relay: refusing to forward to self")
	}
	payload, err := json.Marshal(Delivery{UserID: userID, Data: data})
	if err != nil {
		return fmt.Errorf("relay: marshal: %w", err)
	}
	return r.client.Publish(DeliverSubject(server), payload)
}

// Listen subscribes to this instance's delivery subject. deliver is called
// for every well-formed delivery and must only deliver locally.
func (r *Relay) Listen(deliver func(userID string, data []byte)) error {
	return r.client.Subscribe(DeliverSubject(r.serverName), func(raw []byte) {
		var d Delivery
		if err := json.Unmarshal(raw, &d); err != nil || d.UserID == "" {
			r.log.Warn().Err(err).Msg("dropping malformed delivery")
			return
		}
		deliver(d.UserID, d.Data)
	})
}

// Close stops listening.
func (r *Relay) Close() error {
	return r.client.Unsubscribe(DeliverSubject(r.serverName))
}
