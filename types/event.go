package types

import "time"

// AuthEventType names a user-facing auth lifecycle transition.
type AuthEventType string

const (
	EventUserRegistered AuthEventType = "user.registered"
	EventUserLoggedIn   AuthEventType = "user.logged_in"
	EventUserLoggedOut  AuthEventType = "user.logged_out"
)

// AuthEvent is published on the auth-events channel after a successful
// transition. It never carries credentials.
type AuthEvent struct {
	ID         string        `json:"id"`
	Type       AuthEventType `json:"type"`
	UserID     int           `json:"user_id"`
	Username   string        `json:"username,omitempty"`
	TgChatID   int64         `json:"tg_chat_id,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}
