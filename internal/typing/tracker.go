// Package typing converts raw keystroke activity into throttled outbound
// typing emissions and converts inbound typing events into a self-expiring
// indicator flag.
//
// Room scoping is the session manager's job: it only forwards remote typing
// events for the active room, and it resets the tracker whenever the active
// room changes, so this package deals purely in time.
package typing

import (
	"log"
	"sync"
	"time"

	"github.com/vikasv13579/doctor-chat-client/internal/metrics"
	"github.com/vikasv13579/doctor-chat-client/internal/protocol"
)

// Config holds typing indicator tuning parameters.
type Config struct {
	Expiry   time.Duration // quiet interval before the remote flag clears
	Throttle time.Duration // minimum gap between outbound emissions
}

// DefaultConfig returns the standard 3s expiry and a 1.5s outbound throttle.
func DefaultConfig() Config {
	return Config{
		Expiry:   3 * time.Second,
		Throttle: 1500 * time.Millisecond,
	}
}

// EmitFunc sends a typing event for a room over the transport.
type EmitFunc func(roomID protocol.ID) error

// Tracker owns the typing indicator state for the active room. The expiry
// timer is cancellable and owned here, so it can never fire against a room
// that is no longer displayed.
type Tracker struct {
	cfg      Config
	emit     EmitFunc
	onChange func(bool) // UI signal; invoked outside the lock

	mu       sync.Mutex
	lastEmit time.Time
	timer    *time.Timer
	gen      int // invalidates expire callbacks from superseded arms
	active   bool
}

// NewTracker creates a Tracker. emit is required; onChange may be nil.
func NewTracker(cfg Config, emit EmitFunc, onChange func(bool)) *Tracker {
	def := DefaultConfig()
	if cfg.Expiry <= 0 {
		cfg.Expiry = def.Expiry
	}
	if cfg.Throttle < 0 {
		cfg.Throttle = def.Throttle
	}
	return &Tracker{
		cfg:      cfg,
		emit:     emit,
		onChange: onChange,
	}
}

// NotifyLocalTyping is called on every local input change. Emissions are
// throttled so a fast typist produces at most one event per Throttle window;
// correctness does not depend on the server seeing every keystroke.
func (t *Tracker) NotifyLocalTyping(roomID protocol.ID) {
	if roomID == "" {
		return
	}

	t.mu.Lock()
	now := time.Now()
	if t.cfg.Throttle > 0 && now.Sub(t.lastEmit) < t.cfg.Throttle {
		t.mu.Unlock()
		return
	}
	t.lastEmit = now
	t.mu.Unlock()

	if err := t.emit(roomID); err != nil {
		// Transport is down or mid-handshake; the indicator is best-effort.
		log.Printf("[typing] emit failed: %v", err)
		return
	}
	metrics.TypingEventsTotal.WithLabelValues("sent").Inc()
}

// HandleRemoteTyping records an inbound typing event for the active room and
// (re)arms the expiry timer. A renewal resets the timer rather than stacking
// a second one. Stop can lose the race against a callback already in flight,
// so each arm carries a generation and a superseded callback is a no-op.
func (t *Tracker) HandleRemoteTyping() {
	metrics.TypingEventsTotal.WithLabelValues("received").Inc()

	t.mu.Lock()
	wasActive := t.active
	t.active = true
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.cfg.Expiry, func() { t.expire(gen) })
	t.mu.Unlock()

	if !wasActive {
		t.signal(true)
	}
}

// expire clears the flag after a quiet interval, unless a renewal has re-armed
// the timer since this callback was scheduled.
func (t *Tracker) expire(gen int) {
	t.mu.Lock()
	if gen != t.gen || !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.timer = nil
	t.mu.Unlock()

	t.signal(false)
}

// Reset cancels the timer and clears the flag. Called on room switch and
// session teardown so the indicator never refers to a stale room.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	wasActive := t.active
	t.active = false
	t.mu.Unlock()

	if wasActive {
		t.signal(false)
	}
}

// IsTyping reports whether the counterpart is currently typing.
func (t *Tracker) IsTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *Tracker) signal(v bool) {
	if t.onChange != nil {
		t.onChange(v)
	}
}
