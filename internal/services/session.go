package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tgchat/apiserver/internal/auth"
	"github.com/tgchat/apiserver/internal/store"
	"github.com/tgchat/apiserver/types"
)

// DefaultSessionTTL is the lifetime of a login session.
const DefaultSessionTTL = 24 * time.Hour

// SessionStore persists the single active session of each user.
type SessionStore interface {
	Put(ctx context.Context, sess types.Session) error
	// Get returns store.ErrNotFound for absent or expired sessions.
	Get(ctx context.Context, userID int) (types.Session, error)
	Delete(ctx context.Context, userID int) error
}

// SessionRegistry binds issued tokens to server-side sessions so they can be
// revoked before they expire. A user has at most one session; the latest
// Establish wins.
type SessionRegistry struct {
	store SessionStore
	codec *auth.TokenCodec
	ttl   time.Duration
}

func NewSessionRegistry(s SessionStore, codec *auth.TokenCodec, ttl time.Duration) *SessionRegistry {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionRegistry{store: s, codec: codec, ttl: ttl}
}

// TTL returns the lifetime of established sessions.
func (r *SessionRegistry) TTL() time.Duration {
	return r.ttl
}

// Establish replaces any session of userID and returns a token bound to the
// new one.
func (r *SessionRegistry) Establish(ctx context.Context, userID int) (string, types.Session, error) {
	sessionID := uuid.NewString()
	token, claims, err := r.codec.Issue(userID, sessionID, r.ttl)
	if err != nil {
		return "", types.Session{}, err
	}

	sess := types.Session{
		ID:        sessionID,
		UserID:    userID,
		IssuedAt:  claims.IssuedAt,
		ExpiresAt: claims.ExpiresAt,
	}
	if err := r.store.Put(ctx, sess); err != nil {
		return "", types.Session{}, fmt.Errorf("store session: %w", err)
	}
	return token, sess, nil
}

// Validate resolves token to its live session. It fails with ErrInvalidToken
// when the token does not parse and ErrInvalidSession when its session was
// revoked, superseded, or has expired.
func (r *SessionRegistry) Validate(ctx context.Context, token string) (types.Session, error) {
	claims, err := r.codec.Parse(token)
	if err != nil {
		return types.Session{}, err
	}

	sess, err := r.store.Get(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Session{}, ErrInvalidSession
		}
		return types.Session{}, fmt.Errorf("load session: %w", err)
	}
	if sess.ID != claims.SessionID {
		return types.Session{}, ErrInvalidSession
	}
	return sess, nil
}

// IsValid reports whether token is a live session token of userID.
func (r *SessionRegistry) IsValid(ctx context.Context, userID int, token string) bool {
	sess, err := r.Validate(ctx, token)
	return err == nil && sess.UserID == userID
}

// Revoke drops the session of userID. Revoking nothing is not an error.
func (r *SessionRegistry) Revoke(ctx context.Context, userID int) error {
	if err := r.store.Delete(ctx, userID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
