// Package transport owns the single duplex WebSocket connection to the chat
// server. It performs the authenticated handshake, exposes a continuously
// observable connectivity status, keeps the connection alive with ping frames,
// and reconnects with exponential backoff after unexpected drops.
//
// The transport never attempts to dial without a credential: a missing token
// turns Connect into a logged no-op rather than an error, so callers can wire
// it unconditionally and let the identity provider decide.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/vikasv13579/doctor-chat-client/internal/metrics"
	"github.com/vikasv13579/doctor-chat-client/internal/protocol"
)

var (
	// ErrNotConnected is returned by Send when the transport is not connected
	// or the auth handshake has not completed.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrAuthFailed indicates the server rejected the credential. The
	// transport does not retry after this error.
	ErrAuthFailed = errors.New("transport: authentication rejected")
)

// TokenSource supplies the opaque auth token used for the handshake. An empty
// token with a nil error means no credential is currently available.
type TokenSource interface {
	Token() (string, error)
}

// EventHandler receives raw inbound frames after the handshake. It is invoked
// from the read goroutine.
type EventHandler func(data []byte)

// Config holds transport tuning parameters.
type Config struct {
	URL              string        // ws:// or wss:// endpoint
	HandshakeTimeout time.Duration // deadline for dial + auth exchange
	PingInterval     time.Duration // keepalive ping frame interval
	ReconnectWait    time.Duration // base delay between reconnect attempts
	MaxReconnectWait time.Duration // backoff ceiling
	MaxReconnects    int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:8080/ws",
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		ReconnectWait:    2 * time.Second,
		MaxReconnectWait: 30 * time.Second,
		MaxReconnects:    -1,
	}
}

// Conn manages the WebSocket connection lifecycle. At most one live network
// connection exists at a time; a generation counter invalidates the read and
// ping goroutines of superseded connections.
type Conn struct {
	cfg     Config
	tokens  TokenSource
	onEvent EventHandler

	mu           sync.Mutex
	conn         net.Conn
	status       Status
	ready        bool // auth handshake complete
	userID       protocol.ID
	gen          int
	closed       bool          // deliberate Disconnect; stops reconnection
	reconnecting bool          // backoff loop in flight
	stop         chan struct{} // closed on Disconnect to abort backoff sleeps

	listMu       sync.Mutex
	listeners    map[int]StatusListener
	nextListener int

	writeMu sync.Mutex // serializes outbound frames
}

// New creates a Conn with the given config. Zero-valued config fields are
// filled from DefaultConfig. onEvent may be nil if no inbound events are
// expected (e.g., probing tools).
func New(cfg Config, tokens TokenSource, onEvent EventHandler) *Conn {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}
	if cfg.MaxReconnectWait <= 0 {
		cfg.MaxReconnectWait = def.MaxReconnectWait
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = def.MaxReconnects
	}

	return &Conn{
		cfg:       cfg,
		tokens:    tokens,
		onEvent:   onEvent,
		status:    StatusDisconnected,
		listeners: make(map[int]StatusListener),
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Connect establishes and authenticates the connection. If no token is
// available, the call is a logged no-op. If the transport is already
// connected or connecting, Connect returns immediately without a second dial.
// The call is synchronous through the auth handshake: on nil return the
// transport is Connected and ready for sends.
func (c *Conn) Connect(ctx context.Context) error {
	token, err := c.tokens.Token()
	if err != nil {
		log.Printf("[transport] connect skipped: token unavailable: %v", err)
		return nil
	}
	if token == "" {
		log.Printf("[transport] connect skipped: no auth token")
		return nil
	}

	c.mu.Lock()
	if c.status != StatusDisconnected || c.reconnecting {
		c.mu.Unlock()
		return nil
	}
	c.closed = false
	c.stop = make(chan struct{})
	c.status = StatusConnecting
	c.gen++
	gen := c.gen
	c.mu.Unlock()
	c.notify(StatusConnecting)

	if err := c.dial(ctx, token, gen); err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.status = StatusDisconnected
		}
		c.mu.Unlock()
		c.notify(StatusDisconnected)
		return err
	}
	return nil
}

// Disconnect tears down the connection and stops any reconnection attempts.
// It is idempotent.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.closed && c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	wasUp := c.status != StatusDisconnected
	c.teardownLocked()
	c.mu.Unlock()

	if wasUp {
		metrics.ConnectionStatus.Set(0)
		c.notify(StatusDisconnected)
	}
}

// teardownLocked closes the current connection and invalidates its read and
// ping goroutines. Caller must hold c.mu.
func (c *Conn) teardownLocked() {
	c.gen++
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.ready = false
	c.status = StatusDisconnected
}

// dial performs the TCP/WebSocket dial and the auth exchange, then installs
// the connection and starts its goroutines.
func (c *Conn) dial(ctx context.Context, token string, gen int) error {
	conn, _, _, err := ws.Dial(ctx, c.cfg.URL)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", c.cfg.URL, err)
	}

	if err := c.handshake(conn, token); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("transport: connection superseded during handshake")
	}
	c.conn = conn
	c.status = StatusConnected
	c.ready = true
	c.mu.Unlock()

	metrics.ConnectionStatus.Set(1)
	go c.readLoop(conn, gen)
	go c.pingLoop(conn, gen)
	c.notify(StatusConnected)

	log.Printf("[transport] connected to %s", c.cfg.URL)
	return nil
}

// handshake sends the auth frame and waits for auth_ok. The server accepts no
// room operation before answering, so completing this before exposing the
// connection guarantees no join or send can race ahead of authentication.
func (c *Conn) handshake(conn net.Conn, token string) error {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("transport: handshake deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	data, err := protocol.NewClientMessage(protocol.TypeAuth, protocol.AuthMsg{Token: token})
	if err != nil {
		return fmt.Errorf("transport: build auth message: %w", err)
	}
	if err := wsutil.WriteClientMessage(conn, ws.OpText, data); err != nil {
		return fmt.Errorf("transport: send auth: %w", err)
	}

	for {
		frame, err := wsutil.ReadServerText(conn)
		if err != nil {
			return fmt.Errorf("transport: handshake read: %w", err)
		}

		evType, ev, err := protocol.ParseServerEvent(frame)
		if err != nil {
			log.Printf("[transport] dropping pre-auth frame: %v", err)
			continue
		}

		switch evType {
		case protocol.TypeAuthOK:
			m := ev.(protocol.AuthOKMsg)
			c.mu.Lock()
			c.userID = m.UserID
			c.mu.Unlock()
			return nil
		case protocol.TypeError:
			m := ev.(protocol.ErrorMsg)
			if m.Code == protocol.CodeAuthFailed {
				return fmt.Errorf("transport: %s: %w", m.Message, ErrAuthFailed)
			}
			return fmt.Errorf("transport: handshake rejected: %s (code=%s)", m.Message, m.Code)
		default:
			// Room events before auth_ok are out of contract; drop them.
			log.Printf("[transport] ignoring pre-auth event type=%q", evType)
		}
	}
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// Send encodes and writes a client event. It is goroutine-safe and rejects
// locally with ErrNotConnected while the transport is down or mid-handshake,
// so no payload ever hits a half-open connection.
func (c *Conn) Send(msgType string, payload interface{}) error {
	c.mu.Lock()
	conn := c.conn
	ready := c.ready && c.status == StatusConnected
	c.mu.Unlock()

	if !ready || conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return fmt.Errorf("transport: build %q message: %w", msgType, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(conn, ws.OpText, data); err != nil {
		return fmt.Errorf("transport: write %q: %w", msgType, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Read and keepalive loops
// ---------------------------------------------------------------------------

// readLoop reads frames until the connection fails or is superseded, handing
// application frames to the event handler.
func (c *Conn) readLoop(conn net.Conn, gen int) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			if !c.isCurrent(gen) {
				return // deliberate close or superseded connection
			}
			log.Printf("[transport] read error: %v", err)
			c.handleDrop(gen)
			return
		}

		if c.onEvent != nil {
			c.onEvent(data)
		}
	}
}

// pingLoop sends WebSocket protocol-level ping frames to keep intermediaries
// from idling out the connection. A failed ping write means the connection is
// dead and triggers the reconnect path.
func (c *Conn) pingLoop(conn net.Conn, gen int) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for range ticker.C {
		if !c.isCurrent(gen) {
			return
		}

		c.writeMu.Lock()
		err := wsutil.WriteClientMessage(conn, ws.OpPing, nil)
		c.writeMu.Unlock()

		if err != nil {
			if c.isCurrent(gen) {
				log.Printf("[transport] keepalive ping failed: %v", err)
				c.handleDrop(gen)
			}
			return
		}
	}
}

// isCurrent reports whether gen still identifies the live connection.
func (c *Conn) isCurrent(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && !c.closed
}

// ---------------------------------------------------------------------------
// Reconnection
// ---------------------------------------------------------------------------

// handleDrop tears down a failed connection and starts the backoff loop.
func (c *Conn) handleDrop(gen int) {
	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.reconnecting = true
	c.mu.Unlock()

	metrics.ConnectionStatus.Set(0)
	c.notify(StatusDisconnected)

	log.Printf("[transport] connection lost, reconnecting")
	go c.reconnectLoop()
}

// reconnectLoop retries the dial with exponential, jittered backoff until it
// succeeds, Disconnect is called, or MaxReconnects is exhausted. Every attempt
// redoes the full auth handshake; room membership recovery is the session
// manager's job, driven by the Connected status notification.
func (c *Conn) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	c.mu.Lock()
	stop := c.stop
	c.mu.Unlock()
	if stop == nil {
		return
	}

	wait := c.cfg.ReconnectWait
	for attempt := 1; ; attempt++ {
		if c.cfg.MaxReconnects >= 0 && attempt > c.cfg.MaxReconnects {
			log.Printf("[transport] giving up after %d reconnect attempts", c.cfg.MaxReconnects)
			return
		}

		jitter := time.Duration(rand.Int63n(int64(wait)/4 + 1))
		select {
		case <-stop:
			return
		case <-time.After(wait + jitter):
		}

		token, err := c.tokens.Token()
		if err != nil || token == "" {
			log.Printf("[transport] reconnect waiting for credentials (attempt %d)", attempt)
			wait = c.nextWait(wait)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.status = StatusConnecting
		c.gen++
		gen := c.gen
		c.mu.Unlock()
		c.notify(StatusConnecting)

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
		err = c.dial(ctx, token, gen)
		cancel()

		if err == nil {
			metrics.ReconnectsTotal.WithLabelValues("success").Inc()
			log.Printf("[transport] reconnected after %d attempt(s)", attempt)
			return
		}
		metrics.ReconnectsTotal.WithLabelValues("failure").Inc()

		c.mu.Lock()
		if c.gen == gen {
			c.status = StatusDisconnected
		}
		closed := c.closed
		c.mu.Unlock()
		c.notify(StatusDisconnected)

		if closed {
			return
		}
		if errors.Is(err, ErrAuthFailed) {
			log.Printf("[transport] reconnect aborted: %v", err)
			return
		}

		log.Printf("[transport] reconnect attempt %d failed: %v", attempt, err)
		wait = c.nextWait(wait)
	}
}

// nextWait doubles the backoff up to the configured ceiling.
func (c *Conn) nextWait(wait time.Duration) time.Duration {
	wait *= 2
	if wait > c.cfg.MaxReconnectWait {
		wait = c.cfg.MaxReconnectWait
	}
	return wait
}

// ---------------------------------------------------------------------------
// Observers and accessors
// ---------------------------------------------------------------------------

// OnStatusChange registers a listener for status transitions and returns a
// cancel function that unsubscribes it. Callers must cancel on teardown so
// listeners do not leak across reconnects.
func (c *Conn) OnStatusChange(fn StatusListener) (cancel func()) {
	c.listMu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.listMu.Unlock()

	return func() {
		c.listMu.Lock()
		delete(c.listeners, id)
		c.listMu.Unlock()
	}
}

// notify invokes all registered listeners outside any state lock.
func (c *Conn) notify(s Status) {
	c.listMu.Lock()
	fns := make([]StatusListener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listMu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// Status returns the current connectivity status.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connected reports whether the transport is connected and handshaked.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == StatusConnected && c.ready
}

// UserID returns the authenticated user's identifier from the last completed
// handshake, or the zero ID if none has completed yet.
func (c *Conn) UserID() protocol.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}
