// Package roomsync is a Go client for the RoomSync realtime chat service.
//
// The HTTP Client covers accounts, the room directory, and paged message
// history; RoomConn owns the persistent room socket with automatic backed
// off reconnection, and Timeline keeps the merged, deduplicated message
// view those two feed.
//
// Example:
//
//	client := roomsync.NewClient(token, roomsync.WithBaseURL("https://chat.example.com"))
//
//	conn := client.Realtime(nil)
//	conn.OnMessage(func(m roomsync.Message) { fmt.Println(m.AuthorName, m.Body) })
//
//	if err := conn.Activate(ctx, 7); err != nil { ... }
//	_ = conn.Timeline().FetchPage(ctx, 7, 1, true)
//	_ = conn.SendMessage(ctx, "hello")
//	defer conn.Deactivate()
package roomsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://chat.roomsync.io"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP API client. Sub-clients group the endpoint surface;
// Realtime constructs the socket manager bound to the same credentials.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client

	Auth    *AuthClient
	Rooms   *RoomsClient
	History *HistoryClient
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTokenSource replaces the fixed token with a refreshing credential
// source (see Session).
func WithTokenSource(ts TokenSource) ClientOption {
	return func(c *Client) { c.tokens = ts }
}

// NewClient creates a client. token may be "" for the unauthenticated
// endpoints (register, login).
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		tokens:     StaticToken(token),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Auth = &AuthClient{client: c}
	c.Rooms = &RoomsClient{client: c}
	c.History = &HistoryClient{client: c}
	return c
}

// SetToken replaces the credential, e.g. after a login.
func (c *Client) SetToken(token string) {
	c.tokens = StaticToken(token)
}

// BaseURL returns the configured service base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Realtime creates the connection manager for this client's endpoint and
// credentials, feeding a fresh Timeline backed by the history endpoint.
// One instance serves one active session; Activate/Deactivate drive it.
func (c *Client) Realtime(cfg *RealtimeConfig) *RoomConn {
	return NewRoomConn(c.baseURL, c.tokens, NewTimeline(c.History), cfg)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token, err := c.tokens.Token(ctx); err == nil && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{}
		if json.Unmarshal(data, apiErr) == nil && apiErr.Message != "" {
			return nil, apiErr
		}
		return nil, &APIError{Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Auth (session collaborator surface)
// ============================================================================

// AuthClient handles accounts and sessions.
type AuthClient struct{ client *Client }

func (a *AuthClient) Register(ctx context.Context, opts *RegisterOptions) (*AuthData, error) {
	data, err := a.client.doRequest(ctx, "POST", "/auth/register", opts, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[AuthData](data)
}

func (a *AuthClient) Login(ctx context.Context, username, password string) (*AuthData, error) {
	data, err := a.client.doRequest(ctx, "POST", "/auth/login",
		map[string]string{"username": username, "password": password}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[AuthData](data)
}

func (a *AuthClient) Me(ctx context.Context) (*User, error) {
	data, err := a.client.doRequest(ctx, "GET", "/auth/me", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

// ============================================================================
// Rooms (directory collaborator surface)
// ============================================================================

// RoomsClient handles the room directory and membership.
type RoomsClient struct{ client *Client }

func (r *RoomsClient) List(ctx context.Context) ([]Room, error) {
	data, err := r.client.doRequest(ctx, "GET", "/rooms", nil, nil)
	if err != nil {
		return nil, err
	}
	rooms, err := decodeJSON[[]Room](data)
	if err != nil {
		return nil, err
	}
	return *rooms, nil
}

func (r *RoomsClient) Get(ctx context.Context, roomID int64) (*Room, error) {
	data, err := r.client.doRequest(ctx, "GET", fmt.Sprintf("/rooms/%d", roomID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Room](data)
}

func (r *RoomsClient) Create(ctx context.Context, opts *CreateRoomOptions) (*Room, error) {
	data, err := r.client.doRequest(ctx, "POST", "/rooms", opts, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Room](data)
}

func (r *RoomsClient) Join(ctx context.Context, roomID int64) error {
	_, err := r.client.doRequest(ctx, "POST", fmt.Sprintf("/rooms/%d/join", roomID), nil, nil)
	return err
}

func (r *RoomsClient) Leave(ctx context.Context, roomID int64) error {
	_, err := r.client.doRequest(ctx, "POST", fmt.Sprintf("/rooms/%d/leave", roomID), nil, nil)
	return err
}

// ============================================================================
// History
// ============================================================================

// HistoryClient fetches paged message history; it implements
// HistoryProvider for the Timeline.
type HistoryClient struct{ client *Client }

// RoomMessages returns one page of history for a room, oldest-first within
// the page. The endpoint may answer with {"messages": [...]} or a bare
// array; both are accepted, and a null messages field is an empty page.
func (h *HistoryClient) RoomMessages(ctx context.Context, roomID int64, page, limit int) ([]Message, error) {
	data, err := h.client.doRequest(ctx, "GET", fmt.Sprintf("/rooms/%d/messages", roomID), nil, map[string]string{
		"page":  fmt.Sprintf("%d", page),
		"limit": fmt.Sprintf("%d", limit),
	})
	if err != nil {
		return nil, err
	}

	if trimmed := bytes.TrimLeft(data, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '[' {
		var bare []Message
		if err := json.Unmarshal(trimmed, &bare); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history page: %w", err)
		}
		return bare, nil
	}
	var wrapped historyPage
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history page: %w", err)
	}
	return wrapped.Messages, nil
}
