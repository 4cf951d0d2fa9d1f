package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tgchat/apiserver/internal/auth"
	"github.com/tgchat/apiserver/internal/logging"
	"github.com/tgchat/apiserver/internal/store"
	"github.com/tgchat/apiserver/types"
)

// LoginResult carries a freshly issued session token.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
}

// AuthService implements signup by registration code, login, and logout.
//
// Signup: NoPendingCode -> CodeIssued -> Activated, or the code expires.
// Session: LoggedOut -> LoggedIn -> LoggedOut via logout, a newer login, or expiry.
type AuthService struct {
	users    UserRepository
	hasher   auth.PasswordHasher
	codes    *RegistrationCodes
	sessions *SessionRegistry
	events   EventPublisher
	log      logging.Logger
}

func NewAuthService(
	users UserRepository,
	hasher auth.PasswordHasher,
	codes *RegistrationCodes,
	sessions *SessionRegistry,
	events EventPublisher,
	log logging.Logger,
) *AuthService {
	if events == nil {
		events = NopEventPublisher{}
	}
	if log == nil {
		log = logging.Nop()
	}
	return &AuthService{
		users:    users,
		hasher:   hasher,
		codes:    codes,
		sessions: sessions,
		events:   events,
		log:      log,
	}
}

// CodeTTL is the lifetime of issued registration codes.
func (s *AuthService) CodeTTL() time.Duration {
	return s.codes.TTL()
}

// SessionTTL is the lifetime of login sessions.
func (s *AuthService) SessionTTL() time.Duration {
	return s.sessions.TTL()
}

// Login verifies credentials and starts a session, superseding any earlier
// session of the same user.
func (s *AuthService) Login(ctx context.Context, username, password string) (LoginResult, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return LoginResult{}, ErrNoSuchUser
		}
		return LoginResult{}, fmt.Errorf("load user: %w", err)
	}

	if !s.hasher.Verify(password, user.PasswordHash) {
		s.log.Info(ctx, "login rejected", "user_id", user.ID)
		return LoginResult{}, ErrWrongPassword
	}

	token, sess, err := s.sessions.Establish(ctx, user.ID)
	if err != nil {
		return LoginResult{}, err
	}

	s.log.Info(ctx, "user logged in", "user_id", user.ID)
	s.events.Publish(ctx, types.AuthEvent{
		Type:       types.EventUserLoggedIn,
		UserID:     user.ID,
		Username:   user.Username,
		OccurredAt: sess.IssuedAt,
	})
	return LoginResult{Token: token, ExpiresAt: sess.ExpiresAt}, nil
}

// GenerateRegistrationCode parks payload behind a new single-use code. It
// fails with ErrUserAlreadyExists when the username is taken.
func (s *AuthService) GenerateRegistrationCode(ctx context.Context, payload types.SignupPayload) (types.PendingRegistration, error) {
	taken, err := s.users.ExistsByUsername(ctx, payload.Username)
	if err != nil {
		return types.PendingRegistration{}, fmt.Errorf("check username: %w", err)
	}
	if taken {
		return types.PendingRegistration{}, ErrUserAlreadyExists
	}

	reg, err := s.codes.Generate(ctx, payload)
	if err != nil {
		return types.PendingRegistration{}, err
	}
	s.log.Info(ctx, "registration code issued", "username", payload.Username, "expires_at", reg.ExpiresAt)
	return reg, nil
}

// ActivateCode redeems code and creates the user bound to chatID. A code can
// be redeemed once; later attempts fail with ErrInvalidCode. A username or
// chat id claimed in the meantime fails with ErrUserAlreadyExists.
func (s *AuthService) ActivateCode(ctx context.Context, code string, chatID int64) (types.User, error) {
	payload, err := s.codes.Consume(ctx, code)
	if err != nil {
		return types.User{}, err
	}

	hashed, err := s.hasher.Hash(payload.Password)
	if err != nil {
		return types.User{}, err
	}

	user, err := s.users.Create(ctx, types.User{
		Username:     payload.Username,
		PasswordHash: hashed,
		TgChatID:     chatID,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			s.log.Warn(ctx, "activation lost uniqueness race", "username", payload.Username, "tg_chat_id", chatID)
			return types.User{}, ErrUserAlreadyExists
		}
		return types.User{}, fmt.Errorf("create user: %w", err)
	}

	s.log.Info(ctx, "user registered", "user_id", user.ID, "tg_chat_id", chatID)
	s.events.Publish(ctx, types.AuthEvent{
		Type:     types.EventUserRegistered,
		UserID:   user.ID,
		Username: user.Username,
		TgChatID: user.TgChatID,
	})
	return user, nil
}

// IsChatIDBound reports whether some user was activated from chatID.
func (s *AuthService) IsChatIDBound(ctx context.Context, chatID int64) (bool, error) {
	return s.users.ExistsByChatID(ctx, chatID)
}

// Authenticate resolves a token to the user id of its live session. It fails
// with ErrInvalidToken or ErrInvalidSession.
func (s *AuthService) Authenticate(ctx context.Context, token string) (int, error) {
	sess, err := s.sessions.Validate(ctx, token)
	if err != nil {
		return 0, err
	}
	return sess.UserID, nil
}

// Logout ends the session of userID. It succeeds whether or not a session
// exists.
func (s *AuthService) Logout(ctx context.Context, userID int) error {
	if err := s.sessions.Revoke(ctx, userID); err != nil {
		return err
	}
	s.log.Info(ctx, "user logged out", "user_id", userID)
	s.events.Publish(ctx, types.AuthEvent{
		Type:   types.EventUserLoggedOut,
		UserID: userID,
	})
	return nil
}
