package history

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

type staticToken string

func (s staticToken) Token() (string, error) { return string(s), nil }

func TestRooms(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/rooms" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("expected bearer token header, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		// Mixed identifier types, as the backend actually sends them.
		w.Write([]byte(`[
			{"id":12,"otherUser":{"id":"7","fullName":"Dr. Okafor","isOnline":true},"lastMessage":"See you then","unreadCount":2},
			{"id":"room-x","otherUser":{"id":9,"fullName":"A. Patel"}}
		]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticToken("tok"))
	rooms, err := c.Rooms(context.Background())
	if err != nil {
		t.Fatalf("rooms: %v", err)
	}

	if len(rooms) != 2 {
		t.Fatalf("expected 2 rooms, got %d", len(rooms))
	}
	if rooms[0].ID != "12" {
		t.Errorf("expected canonical id %q, got %q", "12", rooms[0].ID)
	}
	if rooms[0].OtherUser == nil || rooms[0].OtherUser.FullName != "Dr. Okafor" {
		t.Errorf("unexpected counterpart: %+v", rooms[0].OtherUser)
	}
	if !rooms[0].OtherUser.IsOnline {
		t.Error("expected counterpart online")
	}
	if rooms[0].UnreadCount != 2 {
		t.Errorf("expected unread 2, got %d", rooms[0].UnreadCount)
	}
	if rooms[1].ID != "room-x" {
		t.Errorf("expected id %q, got %q", "room-x", rooms[1].ID)
	}
}

func TestMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/rooms/12/messages" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"id":"m1","roomId":12,"senderId":7,"content":"Hello","timestamp":"2026-08-30T10:00:00Z"},
			{"id":"m2","roomId":"12","senderId":"3","content":"Hi doctor","timestamp":"2026-08-30T10:01:00Z"}
		]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticToken("tok"))
	msgs, err := c.Messages(context.Background(), "12")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}

	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].RoomID != "12" || msgs[1].RoomID != "12" {
		t.Errorf("expected normalized room ids, got %q and %q", msgs[0].RoomID, msgs[1].RoomID)
	}
	if msgs[0].Content != "Hello" {
		t.Errorf("unexpected content %q", msgs[0].Content)
	}
	if msgs[1].SenderID != "3" {
		t.Errorf("expected sender %q, got %q", "3", msgs[1].SenderID)
	}
	if !msgs[0].Timestamp.Before(msgs[1].Timestamp) {
		t.Error("expected server-provided ordering to survive decoding")
	}
}

func TestCreateRoom(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chat/rooms" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":99}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticToken("tok"))
	room, err := c.CreateRoom(context.Background())
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if room.ID != "99" {
		t.Errorf("expected id %q, got %q", "99", room.ID)
	}
}

func TestServerErrorSurfacesAsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticToken("tok"))
	if _, err := c.Rooms(context.Background()); err == nil {
		t.Fatal("expected error on 500 response")
	}
}
