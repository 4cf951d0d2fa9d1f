package types

import "time"

// MaxUsernameLength mirrors the users.username column width.
const MaxUsernameLength = 25

// User represents an account bound to a single chat identity.
type User struct {
	// ID is the unique identifier of the user.
	ID int `json:"id" db:"id"`

	// Username is the unique login name chosen at signup. It never changes.
	Username string `json:"username" db:"username"`

	// PasswordHash stores the hashed representation of the user's password.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"hashed_password"`

	// TgChatID is the messaging-platform chat the account was activated from.
	// No two users share a chat id.
	TgChatID int64 `json:"tg_chat_id" db:"tg_chat_id"`
}

// SignupPayload is the data captured when a registration code is requested
// and replayed when the code is activated.
type SignupPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// PendingRegistration is a signup waiting for its code to be activated.
type PendingRegistration struct {
	Code      string        `json:"code"`
	Payload   SignupPayload `json:"payload"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// Expired reports whether the registration can no longer be activated.
func (p PendingRegistration) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// Session is the server-side record that keeps a user's token honorable.
type Session struct {
	ID        string    `json:"id"`
	UserID    int       `json:"user_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session lifetime has elapsed.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
