// Package ws handles WebSocket connection management: upgrading HTTP
// requests, tracking open connections, polling them for readable frames and
// handing complete text frames to a dispatcher on a bounded worker pool.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/verbose/chat/internal/metrics"
)

// ErrConnNotFound is returned when sending to a connection that is gone.
var ErrConnNotFound = errors.New("ws: connection not found")

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for reading a ready frame
	WriteTimeout   time.Duration // timeout for outbound writes
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 10000,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator resolves the user behind an upgrade request. A non-nil error
// rejects the upgrade with 401.
type Authenticator func(r *http.Request) (userID string, err error)

// Server is the WebSocket server built on gobwas/ws and epoll. It implements
// http.Handler for the upgrade endpoint; the HTTP listener is owned by the
// caller.
type Server struct {
	config       ServerConfig
	log          zerolog.Logger
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(conn *Connection)              // called once when a connection is removed
	authenticate Authenticator
	done         chan struct{}
	startedAt    time.Time
	started      atomic.Bool
	stopOnce     sync.Once
}

// NewServer creates a Server. onMessage is called from a worker goroutine for
// every complete text frame received from a client.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte), log zerolog.Logger) *Server {
	return &Server{
		config:     config,
		log:        log.With().Str("component", "ws").Logger(),
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// SetAuthenticator installs the upgrade authenticator.
func (s *Server) SetAuthenticator(fn Authenticator) {
	s.authenticate = fn
}

// SetOnDisconnect registers a callback invoked exactly once per connection
// after it is removed (read error, heartbeat timeout, close frame, eviction).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// Start creates the poller and launches the event loop and heartbeat. It
// returns immediately.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()
	s.started.Store(true)

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.log.Info().
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("websocket server started")
	return nil
}

// ServeHTTP upgrades the request to a WebSocket connection and registers it
// with the connection manager and the poller.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.started.Load() {
		http.Error(w, "server not started", http.StatusServiceUnavailable)
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	var userID string
	if s.authenticate != nil {
		uid, err := s.authenticate(r)
		if err != nil {
			s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade rejected")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		userID = uid
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	c := &Connection{
		ID:        uuid.New().String(),
		UserID:    userID,
		Conn:      conn,
		CreatedAt: time.Now(),
	}
	c.Touch()

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		s.log.Error().Err(err).Str("conn", c.ID).Msg("epoll add failed")
		s.conns.Remove(c.ID)
		return
	}
	metrics.ConnectionsTotal.Inc()

	s.log.Info().
		Str("conn", c.ID).
		Str("user", userID).
		Int("total", s.conns.Count()).
		Msg("new connection")
}

// startEventLoop waits for ready connections and hands each to a worker
// goroutine bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			s.log.Error().Err(err).Msg("epoll wait failed")
			continue
		}

		for _, conn := range conns {
			conn := conn

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. Control frames are
// consumed here; text frames go to onMessage.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)
	defer s.epoll.Resume(netConn)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(s.epoll.Reader(netConn), ws.StateServerSide)
	if err != nil {
		// A timeout means the dispatch was stale; the heartbeat reaps dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
		case ws.OpPing:
			payload := make([]byte, header.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				s.RemoveConnection(c)
				return
			}
			if err := c.WritePong(payload); err != nil {
				s.log.Debug().Err(err).Str("conn", c.ID).Msg("pong failed")
			}
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 || header.OpCode != ws.OpText {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection unregisters and closes c. Concurrent removals of the same
// connection run the disconnect callback only once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	s.log.Info().
		Str("conn", c.ID).
		Str("user", c.UserID).
		Int("total", s.conns.Count()).
		Msg("connection closed")
}

// Send writes a text frame to the connection identified by connID.
func (s *Server) Send(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrConnNotFound, connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)

	// Clear so the deadline does not affect heartbeat pings.
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Broadcast writes a text frame to every open connection.
func (s *Server) Broadcast(data []byte) {
	s.conns.Broadcast(data)
}

// Disconnect forcibly closes the connection identified by connID.
func (s *Server) Disconnect(connID string) {
	if c := s.conns.Get(connID); c != nil {
		s.RemoveConnection(c)
	}
}

// Alive reports whether connID is still registered.
func (s *Server) Alive(connID string) bool {
	return s.conns.Get(connID) != nil
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	return s.conns.Count()
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Uptime returns how long the server has been running.
func (s *Server) Uptime() time.Duration {
	if !s.started.Load() {
		return 0
	}
	return time.Since(s.startedAt)
}

// Shutdown stops the event loop and heartbeat and closes every open
// connection, running the disconnect callback for each.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.log.Info().Msg("shutting down websocket server")
		close(s.done)

		for _, c := range s.conns.All() {
			if ctx.Err() != nil {
				break
			}
			s.RemoveConnection(c)
		}

		if s.epoll != nil {
			_ = s.epoll.Close()
		}
		s.log.Info().Msg("websocket server stopped")
	})
	return ctx.Err()
}
