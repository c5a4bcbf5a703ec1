package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/vikasv13579/doctor-chat-client/internal/protocol"
)

// ---------------------------------------------------------------------------
// Test server harness
// ---------------------------------------------------------------------------

// testServer is a minimal in-process chat server speaking the wire protocol:
// it upgrades connections, expects an auth frame, answers auth_ok, and then
// relays application frames to the inbound channel.
type testServer struct {
	t  *testing.T
	ln net.Listener

	rejectAuth bool

	mu    sync.Mutex
	conns []net.Conn

	inbound   chan []byte   // post-auth client frames
	connected chan net.Conn // one element per authenticated connection
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &testServer{
		t:         t,
		ln:        ln,
		inbound:   make(chan []byte, 64),
		connected: make(chan net.Conn, 8),
	}
	go s.acceptLoop()
	return s
}

func (s *testServer) URL() string {
	return "ws://" + s.ln.Addr().String()
}

func (s *testServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *testServer) handle(conn net.Conn) {
	if _, err := ws.Upgrade(conn); err != nil {
		conn.Close()
		return
	}

	// Expect the auth frame first.
	data, err := wsutil.ReadClientText(conn)
	if err != nil {
		conn.Close()
		return
	}
	var auth protocol.AuthMsg
	if err := json.Unmarshal(data, &auth); err != nil || auth.Type != protocol.TypeAuth || auth.Token == "" || s.rejectAuth {
		resp, _ := protocol.NewClientMessage(protocol.TypeError, protocol.ErrorMsg{
			Code:    protocol.CodeAuthFailed,
			Message: "bad token",
		})
		_ = wsutil.WriteServerMessage(conn, ws.OpText, resp)
		conn.Close()
		return
	}

	ok, _ := protocol.NewClientMessage(protocol.TypeAuthOK, protocol.AuthOKMsg{UserID: "u1"})
	if err := wsutil.WriteServerMessage(conn, ws.OpText, ok); err != nil {
		conn.Close()
		return
	}

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	select {
	case s.connected <- conn:
	default:
	}

	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		s.inbound <- data
	}
}

// push sends a raw server event to every authenticated connection.
func (s *testServer) push(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_ = wsutil.WriteServerMessage(conn, ws.OpText, data)
	}
}

// dropConns simulates a network failure by closing all live connections
// without a close handshake.
func (s *testServer) dropConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.conns = nil
}

func (s *testServer) Close() {
	s.ln.Close()
	s.dropConns()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type staticToken string

func (s staticToken) Token() (string, error) { return string(s), nil }

func testConfig(url string) Config {
	return Config{
		URL:              url,
		HandshakeTimeout: 2 * time.Second,
		PingInterval:     time.Hour, // keepalive not under test unless shortened
		ReconnectWait:    10 * time.Millisecond,
		MaxReconnectWait: 40 * time.Millisecond,
		MaxReconnects:    -1,
	}
}

// statusRecorder collects status transitions on a channel for assertions.
func statusRecorder(c *Conn) (<-chan Status, func()) {
	ch := make(chan Status, 32)
	cancel := c.OnStatusChange(func(s Status) {
		select {
		case ch <- s:
		default:
		}
	})
	return ch, cancel
}

func waitStatus(t *testing.T, ch <-chan Status, want Status) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %v", want)
		}
	}
}

func waitConn(t *testing.T, s *testServer) {
	t.Helper()
	select {
	case <-s.connected:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for server-side connection")
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestConnectHandshake(t *testing.T) {
	s := newTestServer(t)
	defer s.Close()

	c := New(testConfig(s.URL()), staticToken("tok"), nil)
	ch, cancel := statusRecorder(c)
	defer cancel()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	waitStatus(t, ch, StatusConnecting)
	waitStatus(t, ch, StatusConnected)
	waitConn(t, s)

	if !c.Connected() {
		t.Error("expected Connected() after handshake")
	}
	if c.UserID() != "u1" {
		t.Errorf("expected user id %q, got %q", "u1", c.UserID())
	}
}

func TestConnectWithoutTokenIsNoop(t *testing.T) {
	s := newTestServer(t)
	defer s.Close()

	c := New(testConfig(s.URL()), staticToken(""), nil)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("expected silent no-op, got error: %v", err)
	}
	if c.Status() != StatusDisconnected {
		t.Errorf("expected Disconnected, got %v", c.Status())
	}

	select {
	case <-s.connected:
		t.Fatal("transport must not dial without a token")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectWhileConnectedIsNoop(t *testing.T) {
	s := newTestServer(t)
	defer s.Close()

	c := New(testConfig(s.URL()), staticToken("tok"), nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()
	waitConn(t, s)

	// Second connect must not open a second connection.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	select {
	case <-s.connected:
		t.Fatal("second Connect must not dial again")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAuthFailure(t *testing.T) {
	s := newTestServer(t)
	defer s.Close()
	s.rejectAuth = true

	c := New(testConfig(s.URL()), staticToken("tok"), nil)
	err := c.Connect(context.Background())
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if c.Status() != StatusDisconnected {
		t.Errorf("expected Disconnected after auth failure, got %v", c.Status())
	}
}

func TestSendRejectedWhileDisconnected(t *testing.T) {
	c := New(testConfig("ws://127.0.0.1:1"), staticToken("tok"), nil)

	err := c.Send(protocol.TypeTyping, protocol.TypingMsg{RoomID: "1"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSendDeliversFrame(t *testing.T) {
	s := newTestServer(t)
	defer s.Close()

	c := New(testConfig(s.URL()), staticToken("tok"), nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()
	waitConn(t, s)

	if err := c.Send(protocol.TypeJoinRoom, protocol.JoinRoomMsg{RoomID: "42"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case data := <-s.inbound:
		var m map[string]interface{}
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if m["type"] != protocol.TypeJoinRoom {
			t.Errorf("expected type %q, got %v", protocol.TypeJoinRoom, m["type"])
		}
		if m["room_id"] != "42" {
			t.Errorf("expected room_id %q, got %v", "42", m["room_id"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestInboundEventsReachHandler(t *testing.T) {
	s := newTestServer(t)
	defer s.Close()

	events := make(chan []byte, 8)
	c := New(testConfig(s.URL()), staticToken("tok"), func(data []byte) {
		events <- data
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()
	waitConn(t, s)

	ev, _ := protocol.NewClientMessage(protocol.TypeUserTyping, protocol.UserTypingMsg{RoomID: "7"})
	s.push(ev)

	select {
	case data := <-events:
		evType, msg, err := protocol.ParseServerEvent(data)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if evType != protocol.TypeUserTyping {
			t.Fatalf("expected %q, got %q", protocol.TypeUserTyping, evType)
		}
		if msg.(protocol.UserTypingMsg).RoomID != "7" {
			t.Errorf("unexpected room id: %v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound event")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	s := newTestServer(t)
	defer s.Close()

	c := New(testConfig(s.URL()), staticToken("tok"), nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitConn(t, s)

	c.Disconnect()
	c.Disconnect() // must not panic or block
	if c.Status() != StatusDisconnected {
		t.Errorf("expected Disconnected, got %v", c.Status())
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	s := newTestServer(t)
	defer s.Close()

	c := New(testConfig(s.URL()), staticToken("tok"), nil)
	ch, cancel := statusRecorder(c)
	defer cancel()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()
	waitConn(t, s)
	waitStatus(t, ch, StatusConnected)

	// Simulate an unexpected network drop.
	s.dropConns()

	waitStatus(t, ch, StatusDisconnected)
	waitStatus(t, ch, StatusConnected)
	waitConn(t, s)

	if !c.Connected() {
		t.Fatal("expected Connected after automatic reconnect")
	}
	if err := c.Send(protocol.TypeTyping, protocol.TypingMsg{RoomID: "1"}); err != nil {
		t.Fatalf("send after reconnect: %v", err)
	}
}

func TestDeliberateDisconnectStopsReconnection(t *testing.T) {
	s := newTestServer(t)
	defer s.Close()

	c := New(testConfig(s.URL()), staticToken("tok"), nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitConn(t, s)

	c.Disconnect()

	// No new connection should appear after a deliberate disconnect.
	select {
	case <-s.connected:
		t.Fatal("transport must not reconnect after Disconnect")
	case <-time.After(200 * time.Millisecond):
	}
}
