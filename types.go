package roomsync

import "time"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the server.
type APIError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// ============================================================================
// Chat Data Model
// ============================================================================

// Message is a single chat message. Messages are immutable once created;
// the ID is server-assigned and unique within a room.
type Message struct {
	ID         int64     `json:"id"`
	RoomID     int64     `json:"roomId"`
	AuthorID   int64     `json:"userId"`
	AuthorName string    `json:"username"`
	Body       string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Before reports whether m precedes other in timeline order:
// CreatedAt ascending, ties broken by ID ascending.
func (m Message) Before(other Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

// Room is a named channel that scopes message visibility.
type Room struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	OwnerID     int64     `json:"ownerId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// User is a registered account.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// AuthData is the response to a successful login or registration.
type AuthData struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// ============================================================================
// Request Options
// ============================================================================

// RegisterOptions configures account registration.
type RegisterOptions struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// CreateRoomOptions configures room creation.
type CreateRoomOptions struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// historyPage tolerates both response shapes of the paged-history endpoint:
// an object wrapping a messages array, or the bare array itself.
type historyPage struct {
	Messages []Message `json:"messages"`
}
