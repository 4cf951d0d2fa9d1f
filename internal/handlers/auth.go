package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tgchat/apiserver/internal/logging"
	"github.com/tgchat/apiserver/internal/services"
	"github.com/tgchat/apiserver/internal/store"
	"github.com/tgchat/apiserver/types"
)

const (
	accessTokenCookie = "access_token"
	maxPasswordBytes  = 72
)

// Shared by unknown-user and wrong-password responses.
const badCredentialsMessage = "incorrect username or password"

// AuthHandler serves signup by registration code, login, and logout.
type AuthHandler struct {
	auth          *services.AuthService
	users         *services.UserService
	validate      *requestValidator
	secureCookies bool
	log           logging.Logger
}

// NewAuthHandler constructs an AuthHandler with the provided dependencies.
func NewAuthHandler(auth *services.AuthService, users *services.UserService, secureCookies bool, log logging.Logger) *AuthHandler {
	if log == nil {
		log = logging.Nop()
	}
	return &AuthHandler{
		auth:          auth,
		users:         users,
		validate:      newRequestValidator(),
		secureCookies: secureCookies,
		log:           log,
	}
}

// AuthRouter registers auth routes on the given router.
func AuthRouter(r chi.Router, handler *AuthHandler) {
	r.Post("/login", handler.Login)
	r.Post("/generate_registration_code", handler.GenerateRegistrationCode)
	r.Post("/activate_registration_code", handler.ActivateRegistrationCode)
	r.Get("/check_if_tg_is_binded", handler.CheckChatIDBound)
	r.With(handler.RequireAuth).Post("/logout", handler.Logout)
	r.With(handler.RequireAuth).Get("/me", handler.Me)
}

// RequireAuth admits requests carrying a live session token in the
// Authorization header or the access_token cookie and injects the user id
// into the context.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := requestToken(r)
		if err != nil {
			writeUnauthorized(w)
			return
		}

		userID, err := h.auth.Authenticate(r.Context(), token)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), contextSubjectKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Login verifies credentials, starts a session, and returns its token in the
// body and as a cookie.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := decodeForm(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := h.validateCredentials(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	http.SetCookie(w, h.sessionCookie(res.Token, int(h.auth.SessionTTL().Seconds())))
	writeJSON(w, http.StatusOK, LoginResponse{AccessToken: res.Token, TokenType: "Bearer"})
}

// GenerateRegistrationCode parks signup data behind a short-lived code that
// the user redeems from the chat bot.
func (h *AuthHandler) GenerateRegistrationCode(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := decodeForm(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := h.validateCredentials(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reg, err := h.auth.GenerateRegistrationCode(r.Context(), types.SignupPayload{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, RegistrationCodeResponse{
		Code:      reg.Code,
		MaxAgeSec: int(h.auth.CodeTTL().Seconds()),
	})
}

// ActivateRegistrationCode redeems a code and binds the new user to the chat
// that presented it.
func (h *AuthHandler) ActivateRegistrationCode(w http.ResponseWriter, r *http.Request) {
	chatID, err := parseChatID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	if _, err := h.auth.ActivateCode(r.Context(), code, chatID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, MessageResponse{Message: "Successfully signed up a new user"})
}

// CheckChatIDBound answers 409 when the chat already backs an account and 200
// otherwise.
func (h *AuthHandler) CheckChatIDBound(w http.ResponseWriter, r *http.Request) {
	chatID, err := parseChatID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	bound, err := h.auth.IsChatIDBound(r.Context(), chatID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if bound {
		w.WriteHeader(http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Logout revokes the caller's session and clears the cookie.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	if err := h.auth.Logout(r.Context(), userID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	http.SetCookie(w, h.sessionCookie("", -1))
	w.WriteHeader(http.StatusOK)
}

// Me returns the current authenticated user.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	user, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeUnauthorized(w)
			return
		}
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) validateCredentials(req *CredentialsRequest) error {
	req.Username = strings.TrimSpace(req.Username)
	if err := h.validate.Validate(req); err != nil {
		return err
	}
	// bcrypt reads at most 72 bytes; the max tag counts runes.
	if len(req.Password) > maxPasswordBytes {
		return errors.New("password must be at most 72 bytes")
	}
	return nil
}

func (h *AuthHandler) sessionCookie(value string, maxAge int) *http.Cookie {
	cookie := &http.Cookie{
		Name:     accessTokenCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	}
	if maxAge < 0 {
		cookie.Expires = time.Unix(0, 0)
	}
	return cookie
}

// writeServiceError maps service error kinds to statuses. Anything unknown
// is logged and reported as 500 without detail.
func (h *AuthHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, services.ErrNoSuchUser):
		writeAuthError(w, http.StatusNotFound, badCredentialsMessage)
	case errors.Is(err, services.ErrWrongPassword):
		writeAuthError(w, http.StatusUnauthorized, badCredentialsMessage)
	case errors.Is(err, services.ErrUserAlreadyExists):
		writeAuthError(w, http.StatusBadRequest, "user already exists")
	case errors.Is(err, services.ErrInvalidCode):
		writeAuthError(w, http.StatusBadRequest, "invalid registration code")
	case errors.Is(err, services.ErrInvalidToken), errors.Is(err, services.ErrInvalidSession):
		writeUnauthorized(w)
	default:
		h.log.Error(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeAuthError answers an auth failure with a Bearer challenge.
func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, status, message)
}

func writeUnauthorized(w http.ResponseWriter) {
	writeAuthError(w, http.StatusUnauthorized, "unauthorized")
}

func parseChatID(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("tg_chat_id"))
	if raw == "" {
		return 0, errors.New("tg_chat_id is required")
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.New("tg_chat_id must be an integer")
	}
	return chatID, nil
}

// requestToken prefers the Authorization header and falls back to the
// session cookie.
func requestToken(r *http.Request) (string, error) {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		return bearerToken(header)
	}
	cookie, err := r.Cookie(accessTokenCookie)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		return "", errors.New("missing authorization")
	}
	return strings.TrimSpace(cookie.Value), nil
}

func bearerToken(header string) (string, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("invalid authorization")
	}
	return token, nil
}

// CredentialsRequest is the body of login and code generation.
type CredentialsRequest struct {
	Username string `json:"username" validate:"required,max=25"`
	Password string `json:"password" validate:"required,max=72"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type RegistrationCodeResponse struct {
	Code      string `json:"code"`
	MaxAgeSec int    `json:"max_age_sec"`
}

type MessageResponse struct {
	Message string `json:"message"`
}
