package services

import (
	"errors"

	"github.com/tgchat/apiserver/internal/auth"
)

// Auth error kinds. Callers match them with errors.Is; every kind is
// recoverable by the client.
var (
	ErrNoSuchUser        = errors.New("no such user")
	ErrWrongPassword     = errors.New("wrong password")
	ErrUserAlreadyExists = errors.New("user already exists")
	ErrInvalidCode       = errors.New("invalid registration code")
	ErrInvalidToken      = auth.ErrInvalidToken
	ErrInvalidSession    = errors.New("invalid session")
)
