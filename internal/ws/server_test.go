package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verbose/chat/internal/protocol"
)

type testServer struct {
	srv  *Server
	http *httptest.Server
	url  string

	mu           sync.Mutex
	disconnected []string
	received     [][]byte
}

func newTestServer(t *testing.T, auth Authenticator) *testServer {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	cfg.Heartbeat.Interval = 0

	ts := &testServer{}
	d := NewMessageDispatcher(zerolog.Nop())
	d.Register(protocol.TypeJoin, func(conn *Connection, msg interface{}) {
		ts.mu.Lock()
		ts.received = append(ts.received, []byte(msg.(protocol.JoinMsg).UserID))
		ts.mu.Unlock()
	})

	ts.srv = NewServer(cfg, d.Dispatch, zerolog.Nop())
	ts.srv.SetAuthenticator(auth)
	ts.srv.SetOnDisconnect(func(c *Connection) {
		ts.mu.Lock()
		ts.disconnected = append(ts.disconnected, c.ID)
		ts.mu.Unlock()
	})
	require.NoError(t, ts.srv.Start())

	ts.http = httptest.NewServer(ts.srv)
	ts.url = "ws" + strings.TrimPrefix(ts.http.URL, "http")
	t.Cleanup(func() {
		ts.http.Close()
		_ = ts.srv.Shutdown(context.Background())
	})
	return ts
}

func (ts *testServer) dial(t *testing.T, query string) net.Conn {
	t.Helper()
	conn, _, _, err := ws.Dial(context.Background(), ts.url+query)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (ts *testServer) waitConns(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return ts.srv.Connections().Count() == n },
		2*time.Second, 10*time.Millisecond)
}

func staticAuth(r *http.Request) (string, error) {
	if u := r.URL.Query().Get("user"); u != "" {
		return u, nil
	}
	return "", errors.New("no user")
}

func TestServer_PingPong(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, "")

	require.NoError(t, wsutil.WriteClientText(conn, []byte(`{"type":"ping"}`)))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(conn)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong","data":{}}`, string(data))
}

func TestServer_AnswersControlPing(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, "")

	require.NoError(t, wsutil.WriteClientMessage(conn, ws.OpPing, []byte("hi")))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := ws.ReadFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, ws.OpPong, frame.Header.OpCode)
	assert.Equal(t, "hi", string(frame.Payload))
}

func TestServer_DispatchesToHandler(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, "")

	require.NoError(t, wsutil.WriteClientText(conn, []byte(`{"type":"join","data":{"userId":"u1"}}`)))
	require.Eventually(t, func() bool {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		return len(ts.received) == 1 && string(ts.received[0]) == "u1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_AuthenticatorRejects(t *testing.T) {
	ts := newTestServer(t, staticAuth)

	_, _, _, err := ws.Dial(context.Background(), ts.url)
	require.Error(t, err)
	assert.Equal(t, 0, ts.srv.Connections().Count())
}

func TestServer_AuthenticatorSetsUser(t *testing.T) {
	ts := newTestServer(t, staticAuth)
	ts.dial(t, "?user=alice")
	ts.waitConns(t, 1)

	conns := ts.srv.Connections().All()
	require.Len(t, conns, 1)
	assert.Equal(t, "alice", conns[0].UserID)
}

func TestServer_SendAndBroadcast(t *testing.T) {
	ts := newTestServer(t, nil)
	a := ts.dial(t, "")
	b := ts.dial(t, "")
	ts.waitConns(t, 2)

	ts.srv.Broadcast([]byte(`{"type":"userStatus","data":[]}`))
	for _, c := range []net.Conn{a, b} {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		data, err := wsutil.ReadServerText(c)
		require.NoError(t, err)
		assert.Contains(t, string(data), "userStatus")
	}

	err := ts.srv.Send("missing", []byte("x"))
	assert.ErrorIs(t, err, ErrConnNotFound)
}

func TestServer_DisconnectRunsCallbackOnce(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.dial(t, "")
	ts.waitConns(t, 1)

	id := ts.srv.Connections().All()[0].ID
	ts.srv.Disconnect(id)
	ts.srv.Disconnect(id)

	ts.mu.Lock()
	defer ts.mu.Unlock()
	assert.Equal(t, []string{id}, ts.disconnected)
	assert.Equal(t, 0, ts.srv.Connections().Count())
}

func TestServer_ClientCloseTriggersDisconnect(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, "")
	ts.waitConns(t, 1)

	require.NoError(t, conn.Close())
	ts.waitConns(t, 0)

	ts.mu.Lock()
	defer ts.mu.Unlock()
	assert.Len(t, ts.disconnected, 1)
}
