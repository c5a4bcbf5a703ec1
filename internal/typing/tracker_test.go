package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/vikasv13579/doctor-chat-client/internal/protocol"
)

// emitRecorder counts outbound emissions.
type emitRecorder struct {
	mu    sync.Mutex
	rooms []protocol.ID
	err   error
}

func (e *emitRecorder) emit(roomID protocol.ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.rooms = append(e.rooms, roomID)
	return nil
}

func (e *emitRecorder) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.rooms)
}

func TestRemoteTypingExpires(t *testing.T) {
	tr := NewTracker(Config{Expiry: 60 * time.Millisecond}, (&emitRecorder{}).emit, nil)

	tr.HandleRemoteTyping()
	if !tr.IsTyping() {
		t.Fatal("expected typing flag set immediately after event")
	}

	// Still within the quiet window.
	time.Sleep(30 * time.Millisecond)
	if !tr.IsTyping() {
		t.Fatal("expected typing flag to hold throughout the window")
	}

	// Past the window with no renewal.
	time.Sleep(60 * time.Millisecond)
	if tr.IsTyping() {
		t.Fatal("expected typing flag cleared after expiry")
	}
}

func TestRenewalResetsExpiry(t *testing.T) {
	tr := NewTracker(Config{Expiry: 60 * time.Millisecond}, (&emitRecorder{}).emit, nil)

	tr.HandleRemoteTyping()
	time.Sleep(40 * time.Millisecond)
	tr.HandleRemoteTyping() // renewal resets the timer

	// 40ms after renewal: the original window would have elapsed by now.
	time.Sleep(40 * time.Millisecond)
	if !tr.IsTyping() {
		t.Fatal("expected renewal to reset, not stack, the expiry timer")
	}

	time.Sleep(60 * time.Millisecond)
	if tr.IsTyping() {
		t.Fatal("expected typing flag cleared after renewed window elapsed")
	}
}

func TestSupersededExpireIsNoop(t *testing.T) {
	tr := NewTracker(Config{Expiry: time.Hour}, (&emitRecorder{}).emit, nil)

	tr.HandleRemoteTyping() // first arm
	tr.HandleRemoteTyping() // renewal; the first arm's callback may already be in flight

	// A first-arm callback that lost the Stop race fires after the renewal.
	// It must not clear the renewed flag or touch the new timer.
	tr.expire(1)
	if !tr.IsTyping() {
		t.Fatal("expected the renewed window to survive a superseded expiry callback")
	}

	// The current arm's callback still works.
	tr.expire(2)
	if tr.IsTyping() {
		t.Fatal("expected the current expiry callback to clear the flag")
	}
}

func TestRenewalAtExpiryBoundaryHolds(t *testing.T) {
	tr := NewTracker(Config{Expiry: 40 * time.Millisecond}, (&emitRecorder{}).emit, nil)

	// Renewals landing right at the expiry boundary race the firing callback;
	// the flag must be set immediately after every renewal regardless of who
	// wins.
	for i := 0; i < 20; i++ {
		tr.HandleRemoteTyping()
		if !tr.IsTyping() {
			t.Fatalf("iteration %d: flag cleared immediately after a renewal", i)
		}
		time.Sleep(40 * time.Millisecond)
	}
}

func TestOnChangeSignals(t *testing.T) {
	var mu sync.Mutex
	var changes []bool
	tr := NewTracker(Config{Expiry: 40 * time.Millisecond}, (&emitRecorder{}).emit, func(v bool) {
		mu.Lock()
		changes = append(changes, v)
		mu.Unlock()
	})

	tr.HandleRemoteTyping()
	tr.HandleRemoteTyping() // no duplicate "true" signal while already active
	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 || !changes[0] || changes[1] {
		t.Fatalf("expected [true false], got %v", changes)
	}
}

func TestLocalTypingThrottled(t *testing.T) {
	rec := &emitRecorder{}
	tr := NewTracker(Config{Expiry: time.Second, Throttle: 80 * time.Millisecond}, rec.emit, nil)

	// A burst of keystrokes within the throttle window -> one emission.
	for i := 0; i < 5; i++ {
		tr.NotifyLocalTyping("12")
	}
	if got := rec.count(); got != 1 {
		t.Fatalf("expected 1 emission for a burst, got %d", got)
	}

	time.Sleep(100 * time.Millisecond)
	tr.NotifyLocalTyping("12")
	if got := rec.count(); got != 2 {
		t.Fatalf("expected a second emission after the throttle window, got %d", got)
	}
}

func TestLocalTypingWithoutRoomIsNoop(t *testing.T) {
	rec := &emitRecorder{}
	tr := NewTracker(Config{}, rec.emit, nil)

	tr.NotifyLocalTyping("")
	if rec.count() != 0 {
		t.Fatal("expected no emission without a room")
	}
}

func TestResetCancelsTimer(t *testing.T) {
	var mu sync.Mutex
	var changes []bool
	tr := NewTracker(Config{Expiry: 40 * time.Millisecond}, (&emitRecorder{}).emit, func(v bool) {
		mu.Lock()
		changes = append(changes, v)
		mu.Unlock()
	})

	tr.HandleRemoteTyping()
	tr.Reset()
	if tr.IsTyping() {
		t.Fatal("expected flag cleared by Reset")
	}

	// The cancelled timer must not fire a late "false" signal.
	time.Sleep(80 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 || !changes[0] || changes[1] {
		t.Fatalf("expected exactly [true false], got %v", changes)
	}
}
