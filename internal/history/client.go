// Package history is the client for the request/response chat API: the room
// list and the authoritative message history. It is distinct from the push
// transport — history fetched here replaces the local timeline wholesale on
// room selection, covering any gap the transport cannot replay.
//
// The REST backend speaks camelCase JSON and is loose about identifier types
// (numbers and strings both occur); payloads are normalized into the
// protocol package's canonical types at the decode boundary.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vikasv13579/doctor-chat-client/internal/protocol"
)

// Participant is the counterpart user in a two-party room.
type Participant struct {
	ID       protocol.ID `json:"id"`
	FullName string      `json:"fullName"`
	IsOnline bool        `json:"isOnline"`
}

// Room is one two-party conversation as reported by the API.
type Room struct {
	ID          protocol.ID  `json:"id"`
	OtherUser   *Participant `json:"otherUser"`
	LastMessage string       `json:"lastMessage"`
	UnreadCount int          `json:"unreadCount"`
}

// apiMessage is the REST wire shape of a message; it is converted to the
// canonical protocol.Message on decode.
type apiMessage struct {
	ID        protocol.ID `json:"id"`
	RoomID    protocol.ID `json:"roomId"`
	SenderID  protocol.ID `json:"senderId"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// TokenSource supplies the bearer token for API calls.
type TokenSource interface {
	Token() (string, error)
}

// Client calls the chat history API.
type Client struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
}

// NewClient creates a history client for the given base URL (e.g.
// "https://api.example.com"). Paths are resolved under {base}/chat.
func NewClient(baseURL string, tokens TokenSource) *Client {
	return &Client{
		baseURL: baseURL,
		tokens:  tokens,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Rooms fetches the caller's room list.
func (c *Client) Rooms(ctx context.Context) ([]Room, error) {
	var rooms []Room
	if err := c.get(ctx, "/chat/rooms", &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// Messages fetches the full ordered history for a room. The result is
// authoritative: callers replace their local timeline with it.
func (c *Client) Messages(ctx context.Context, roomID protocol.ID) ([]protocol.Message, error) {
	var raw []apiMessage
	path := fmt.Sprintf("/chat/rooms/%s/messages", roomID)
	if err := c.get(ctx, path, &raw); err != nil {
		return nil, err
	}

	msgs := make([]protocol.Message, len(raw))
	for i, m := range raw {
		msgs[i] = protocol.Message{
			ID:        m.ID,
			RoomID:    m.RoomID,
			SenderID:  m.SenderID,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		}
	}
	return msgs, nil
}

// CreateRoom asks the server to create a room for a first-contact
// conversation and returns it.
func (c *Client) CreateRoom(ctx context.Context) (Room, error) {
	var room Room
	if err := c.do(ctx, http.MethodPost, "/chat/rooms", &room); err != nil {
		return Room{}, err
	}
	return room, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, out)
}

func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("history: build %s %s: %w", method, path, err)
	}

	token, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("history: %s %s: %w", method, path, err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("history: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("history: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("history: %s %s: decode response: %w", method, path, err)
	}
	return nil
}
