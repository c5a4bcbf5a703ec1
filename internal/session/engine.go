// Package session tracks the active conversation and reconciles the locally
// held message timeline against inbound transport events and history fetched
// from the chat API.
//
// All mutable session state (room set, active room, timeline, join flag) lives
// on the Engine and is guarded by one mutex; every asynchronous result — an
// inbound event, a history response, a reconnect notification — is applied
// atomically with respect to the current active-room check. A history response
// that arrives after the user has switched rooms is validated against the
// current active room and generation before being applied, never applied
// blindly.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vikasv13579/doctor-chat-client/internal/history"
	"github.com/vikasv13579/doctor-chat-client/internal/metrics"
	"github.com/vikasv13579/doctor-chat-client/internal/protocol"
	"github.com/vikasv13579/doctor-chat-client/internal/router"
	"github.com/vikasv13579/doctor-chat-client/internal/typing"
)

var (
	// ErrEmptyMessage is returned when the content is empty or whitespace.
	ErrEmptyMessage = errors.New("session: message is empty")

	// ErrNoActiveRoom is returned when no conversation is selected.
	ErrNoActiveRoom = errors.New("session: no active room")

	// ErrNotConnected is returned while the transport is down.
	ErrNotConnected = errors.New("session: transport not connected")

	// ErrRoomNotReady is returned between room selection (or reconnect) and
	// the completion of the join/history cycle.
	ErrRoomNotReady = errors.New("session: room not joined yet")
)

// State is the per-session room state machine.
type State int

const (
	StateNoRoom  State = iota // no conversation selected
	StateJoining              // join issued, history fetch in flight
	StateActive               // history applied, timeline live
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateNoRoom:
		return "no_room"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Transport is the outbound half of the duplex channel the engine needs.
type Transport interface {
	Send(msgType string, payload interface{}) error
	Connected() bool
}

// HistoryAPI fetches the room list and authoritative message history, and
// creates new conversations.
type HistoryAPI interface {
	Rooms(ctx context.Context) ([]history.Room, error)
	Messages(ctx context.Context, roomID protocol.ID) ([]protocol.Message, error)
	CreateRoom(ctx context.Context) (history.Room, error)
}

// Config holds the engine's UI callbacks and typing parameters. All callbacks
// are optional and are invoked outside the engine's lock.
type Config struct {
	Typing typing.Config

	// OnMessage fires for every message appended to the active timeline,
	// including the echo of the user's own sends.
	OnMessage func(protocol.Message)

	// OnScroll is the scroll-to-bottom side effect, fired after active
	// timeline changes.
	OnScroll func()

	// OnTypingChange fires when the counterpart's typing indicator changes.
	OnTypingChange func(bool)
}

// Engine is the room session manager.
type Engine struct {
	transport Transport
	api       HistoryAPI
	tracker   *typing.Tracker
	onMessage func(protocol.Message)
	onScroll  func()

	mu       sync.Mutex
	rooms    []history.Room
	active   protocol.ID
	state    State
	timeline []protocol.Message
	pending  []protocol.Message // active-room arrivals held while Joining
	fetchGen int                // invalidates in-flight history fetches
	joined   bool
}

// NewEngine creates an Engine bound to the given transport and history API.
func NewEngine(t Transport, api HistoryAPI, cfg Config) *Engine {
	e := &Engine{
		transport: t,
		api:       api,
		onMessage: cfg.OnMessage,
		onScroll:  cfg.OnScroll,
		state:     StateNoRoom,
	}
	e.tracker = typing.NewTracker(cfg.Typing, e.emitTyping, cfg.OnTypingChange)
	return e
}

// Attach registers the engine's inbound event handlers on the router and
// returns a detach function that unregisters them, for session teardown.
func (e *Engine) Attach(r *router.Router) (detach func()) {
	r.Register(protocol.TypeReceiveMessage, func(ev interface{}) {
		if m, ok := ev.(protocol.ReceiveMessageMsg); ok {
			e.HandleMessage(m)
		}
	})
	r.Register(protocol.TypeUserTyping, func(ev interface{}) {
		if m, ok := ev.(protocol.UserTypingMsg); ok {
			e.HandleTyping(m)
		}
	})
	r.Register(protocol.TypeUserStatus, func(ev interface{}) {
		if m, ok := ev.(protocol.UserStatusMsg); ok {
			e.HandleUserStatus(m)
		}
	})

	return func() {
		r.Unregister(protocol.TypeReceiveMessage)
		r.Unregister(protocol.TypeUserTyping)
		r.Unregister(protocol.TypeUserStatus)
	}
}

// ---------------------------------------------------------------------------
// Room operations
// ---------------------------------------------------------------------------

// ListRooms fetches the room list and replaces the local room set. Unread
// counts and previews accumulated locally are preserved for rooms the server
// does not report them on. The active room is unaffected.
func (e *Engine) ListRooms(ctx context.Context) ([]history.Room, error) {
	rooms, err := e.api.Rooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: list rooms: %w", err)
	}

	e.mu.Lock()
	known := make(map[protocol.ID]history.Room, len(e.rooms))
	for _, r := range e.rooms {
		known[r.ID] = r
	}
	for i := range rooms {
		prev, ok := known[rooms[i].ID]
		if !ok {
			continue
		}
		if rooms[i].UnreadCount == 0 {
			rooms[i].UnreadCount = prev.UnreadCount
		}
		if rooms[i].LastMessage == "" {
			rooms[i].LastMessage = prev.LastMessage
		}
	}
	e.rooms = rooms
	out := e.roomsCopyLocked()
	e.mu.Unlock()

	return out, nil
}

// CreateRoom opens a new conversation via the API and adds it to the local
// room set. The caller selects it separately.
func (e *Engine) CreateRoom(ctx context.Context) (history.Room, error) {
	room, err := e.api.CreateRoom(ctx)
	if err != nil {
		return history.Room{}, fmt.Errorf("session: create room: %w", err)
	}

	e.mu.Lock()
	exists := false
	for _, r := range e.rooms {
		if r.ID == room.ID {
			exists = true
			break
		}
	}
	if !exists {
		e.rooms = append(e.rooms, room)
	}
	e.mu.Unlock()

	return room, nil
}

// SelectRoom makes the room with the given identifier the active
// conversation: it joins the room on the transport and fetches its history,
// replacing the local timeline wholesale when the fetch lands. Selecting the
// room that is already active is a no-op — identifiers are compared in
// canonical form, so "12" and 12 name the same room and never trigger a
// duplicate join/fetch cycle.
func (e *Engine) SelectRoom(ctx context.Context, roomID protocol.ID) error {
	id := protocol.NormalizeID(string(roomID))
	if id == "" {
		return fmt.Errorf("session: select room: empty room identifier")
	}

	e.mu.Lock()
	if e.active == id {
		e.mu.Unlock()
		return nil
	}
	e.active = id
	e.state = StateJoining
	e.joined = false
	e.timeline = nil
	e.pending = nil
	e.fetchGen++
	gen := e.fetchGen
	for i := range e.rooms {
		if e.rooms[i].ID == id {
			e.rooms[i].UnreadCount = 0
		}
	}
	e.mu.Unlock()

	// The previous room's indicator must not bleed into the new one.
	e.tracker.Reset()

	e.joinActive(id)
	go e.fetchHistory(ctx, id, gen)
	return nil
}

// ClearRoom deselects the active conversation.
func (e *Engine) ClearRoom() {
	e.mu.Lock()
	e.active = ""
	e.state = StateNoRoom
	e.timeline = nil
	e.pending = nil
	e.joined = false
	e.fetchGen++
	e.mu.Unlock()

	e.tracker.Reset()
}

// SendMessage emits the content to the active room. The message is not
// appended locally: the server echoes it back as a receive_message event, and
// that echo is the single source of timeline truth. Blank content, a missing
// active room, a down transport, or an incomplete join cycle all reject the
// send locally with no outbound emission and no timeline mutation.
func (e *Engine) SendMessage(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}

	e.mu.Lock()
	active := e.active
	state := e.state
	joined := e.joined
	e.mu.Unlock()

	if active == "" {
		return ErrNoActiveRoom
	}
	if !e.transport.Connected() {
		return ErrNotConnected
	}
	if state != StateActive {
		return ErrRoomNotReady
	}
	if !joined {
		// The join can fail transiently while the transport stays up; retry
		// it here instead of waiting for the next reconnect.
		e.joinActive(active)
		e.mu.Lock()
		joined = e.joined
		e.mu.Unlock()
		if !joined {
			return ErrRoomNotReady
		}
	}

	msg := protocol.SendMessageMsg{
		RoomID:      active,
		ClientMsgID: uuid.NewString(),
		Content:     content,
	}
	if err := e.transport.Send(protocol.TypeSendMessage, msg); err != nil {
		return fmt.Errorf("session: send message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	return nil
}

// NotifyLocalTyping is called on every local input change and emits a
// throttled typing event for the active room.
func (e *Engine) NotifyLocalTyping() {
	e.mu.Lock()
	active := e.active
	e.mu.Unlock()
	e.tracker.NotifyLocalTyping(active)
}

// ---------------------------------------------------------------------------
// Inbound event handlers
// ---------------------------------------------------------------------------

// HandleMessage reconciles an inbound message. A match against the active
// room appends to the timeline in arrival order and fires the scroll side
// effect; anything else is attributed to the corresponding room's unread
// counter and preview rather than silently dropped.
func (e *Engine) HandleMessage(ev protocol.ReceiveMessageMsg) {
	e.mu.Lock()
	switch {
	case e.active != "" && ev.RoomID == e.active && e.state == StateActive:
		e.timeline = append(e.timeline, ev.Message)
		msg := ev.Message
		e.mu.Unlock()

		metrics.MessagesTotal.WithLabelValues("received").Inc()
		if e.onMessage != nil {
			e.onMessage(msg)
		}
		e.scroll()

	case e.active != "" && ev.RoomID == e.active:
		// Still joining. The snapshot may have been computed before this
		// message was committed, so hold it and reconcile once the history
		// lands rather than assuming the fetch covers it.
		e.pending = append(e.pending, ev.Message)
		e.mu.Unlock()

	default:
		attributed := false
		for i := range e.rooms {
			if e.rooms[i].ID == ev.RoomID {
				e.rooms[i].UnreadCount++
				e.rooms[i].LastMessage = ev.Message.Content
				attributed = true
				break
			}
		}
		e.mu.Unlock()

		if attributed {
			metrics.MessagesTotal.WithLabelValues("received").Inc()
		} else {
			metrics.MessagesTotal.WithLabelValues("dropped").Inc()
			log.Printf("[session] message for unknown room=%s", ev.RoomID)
		}
	}
}

// HandleTyping forwards a typing event to the tracker when it is scoped to
// the active room. Typing in non-active rooms is ignored.
func (e *Engine) HandleTyping(ev protocol.UserTypingMsg) {
	e.mu.Lock()
	match := e.active != "" && ev.RoomID == e.active
	e.mu.Unlock()

	if match {
		e.tracker.HandleRemoteTyping()
	}
}

// HandleUserStatus updates the online flag of any counterpart matching the
// reported user.
func (e *Engine) HandleUserStatus(ev protocol.UserStatusMsg) {
	e.mu.Lock()
	for i := range e.rooms {
		if e.rooms[i].OtherUser != nil && e.rooms[i].OtherUser.ID == ev.UserID {
			e.rooms[i].OtherUser.IsOnline = ev.Online
		}
	}
	e.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Connectivity handlers
// ---------------------------------------------------------------------------

// HandleConnected resynchronizes room membership after a (re)connect: the
// server does not remember joins across connections, so the active room is
// re-joined and its history re-fetched to cover the disconnect gap. Sends are
// rejected until that cycle completes.
func (e *Engine) HandleConnected() {
	e.mu.Lock()
	active := e.active
	if active == "" {
		e.mu.Unlock()
		return
	}
	e.state = StateJoining
	e.joined = false
	e.fetchGen++
	gen := e.fetchGen
	e.mu.Unlock()

	log.Printf("[session] transport up, re-joining room=%s", active)
	e.joinActive(active)
	go e.fetchHistory(context.Background(), active, gen)
}

// HandleDisconnected marks the join as lost so sends are rejected until the
// reconnect cycle completes.
func (e *Engine) HandleDisconnected() {
	e.mu.Lock()
	e.joined = false
	e.mu.Unlock()
}

// Close releases the engine's timers. Call alongside the router detach on
// session teardown.
func (e *Engine) Close() {
	e.tracker.Reset()
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// joinActive emits a join for the room and records whether it was accepted by
// the transport. A failed join leaves the room un-joined; the next Connected
// notification retries it.
func (e *Engine) joinActive(id protocol.ID) {
	if !e.transport.Connected() {
		return
	}
	if err := e.transport.Send(protocol.TypeJoinRoom, protocol.JoinRoomMsg{RoomID: id}); err != nil {
		log.Printf("[session] join room=%s failed: %v", id, err)
		return
	}
	e.mu.Lock()
	if e.active == id {
		e.joined = true
	}
	e.mu.Unlock()
}

// fetchHistory retrieves the room's history and applies it if it still
// belongs to the current selection.
func (e *Engine) fetchHistory(ctx context.Context, id protocol.ID, gen int) {
	start := time.Now()
	msgs, err := e.api.Messages(ctx, id)
	metrics.HistoryFetchDuration.Observe(time.Since(start).Seconds())
	e.applyHistory(id, gen, msgs, err)
}

// applyHistory installs a fetched timeline. The (room, generation) gate makes
// a response for a superseded selection a no-op on arrival. Messages that
// arrived while the fetch was in flight are appended after the snapshot,
// de-duplicated by message ID — the snapshot may predate their commit, so they
// cannot be assumed to be in it.
func (e *Engine) applyHistory(id protocol.ID, gen int, msgs []protocol.Message, err error) {
	e.mu.Lock()
	if gen != e.fetchGen || e.active != id {
		e.mu.Unlock()
		log.Printf("[session] discarding stale history response for room=%s", id)
		return
	}
	if err != nil {
		// The UI must stay usable: activate with an empty timeline instead of
		// sticking in Joining.
		log.Printf("[session] history fetch failed for room=%s: %v", id, err)
		e.timeline = nil
	} else {
		e.timeline = msgs
	}

	seen := make(map[protocol.ID]struct{}, len(e.timeline))
	for _, m := range e.timeline {
		seen[m.ID] = struct{}{}
	}
	var landed []protocol.Message
	for _, m := range e.pending {
		if m.ID != "" {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
		}
		e.timeline = append(e.timeline, m)
		landed = append(landed, m)
	}
	e.pending = nil

	e.state = StateActive
	joined := e.joined
	n := len(e.timeline)
	e.mu.Unlock()

	// A join that failed transiently at select time gets another chance now.
	if !joined {
		e.joinActive(id)
	}

	for _, m := range landed {
		metrics.MessagesTotal.WithLabelValues("received").Inc()
		if e.onMessage != nil {
			e.onMessage(m)
		}
	}
	if n > 0 {
		e.scroll()
	}
}

func (e *Engine) emitTyping(roomID protocol.ID) error {
	if !e.transport.Connected() {
		return ErrNotConnected
	}
	return e.transport.Send(protocol.TypeTyping, protocol.TypingMsg{RoomID: roomID})
}

func (e *Engine) scroll() {
	if e.onScroll != nil {
		e.onScroll()
	}
}

func (e *Engine) roomsCopyLocked() []history.Room {
	out := make([]history.Room, len(e.rooms))
	copy(out, e.rooms)
	return out
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Rooms returns a snapshot of the room set.
func (e *Engine) Rooms() []history.Room {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.roomsCopyLocked()
}

// Timeline returns a snapshot of the active room's message timeline.
func (e *Engine) Timeline() []protocol.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]protocol.Message, len(e.timeline))
	copy(out, e.timeline)
	return out
}

// ActiveRoom returns the active room's identifier, or the zero ID if none.
func (e *Engine) ActiveRoom() protocol.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// State returns the current room state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsTyping reports whether the active room's counterpart is typing.
func (e *Engine) IsTyping() bool {
	return e.tracker.IsTyping()
}
