package ws

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestCheckConnections_EvictsIdle(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), nil, zerolog.Nop())

	var removed []string
	srv.SetOnDisconnect(func(c *Connection) { removed = append(removed, c.ID) })

	stale, peerA := net.Pipe()
	defer peerA.Close()
	fresh, peerB := net.Pipe()
	defer peerB.Close()
	go drain(peerB)

	now := time.Now()
	cStale := &Connection{ID: "stale", Conn: stale}
	cStale.lastActive.Store(now.Add(-time.Hour).UnixNano())
	cFresh := &Connection{ID: "fresh", Conn: fresh}
	cFresh.lastActive.Store(now.UnixNano())

	srv.conns.Add(cStale)
	srv.conns.Add(cFresh)

	cfg := HeartbeatConfig{Interval: time.Second, Timeout: time.Second}
	checkConnections(srv, cfg, now)

	assert.Equal(t, []string{"stale"}, removed)
	assert.NotNil(t, srv.conns.Get("fresh"))
	assert.Nil(t, srv.conns.Get("stale"))
}

func drain(c net.Conn) {
	buf := make([]byte, 512)
	for {
		if _, err := c.Read(buf); err != nil {
			return
		}
	}
}
