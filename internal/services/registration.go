package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tgchat/apiserver/internal/store"
	"github.com/tgchat/apiserver/types"
)

const (
	// DefaultCodeTTL is how long a registration code stays redeemable.
	DefaultCodeTTL = 10 * time.Minute

	codeLength   = 8
	codeAttempts = 5
)

// 32 symbols without 0/O and 1/I, so each random byte maps without bias.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeStore persists pending registrations keyed by code.
type CodeStore interface {
	// Put fails with store.ErrConflict when a live entry holds the code.
	Put(ctx context.Context, reg types.PendingRegistration) error
	// Take removes and returns the entry; absent or expired is store.ErrNotFound.
	Take(ctx context.Context, code string) (types.PendingRegistration, error)
}

// RegistrationCodes issues and redeems single-use signup codes.
type RegistrationCodes struct {
	store  CodeStore
	ttl    time.Duration
	now    func() time.Time
	random io.Reader
}

// NewRegistrationCodes builds a code issuer. Zero ttl, nil now, or nil random
// fall back to DefaultCodeTTL, time.Now, and crypto/rand.
func NewRegistrationCodes(s CodeStore, ttl time.Duration, now func() time.Time, random io.Reader) *RegistrationCodes {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	if now == nil {
		now = time.Now
	}
	if random == nil {
		random = rand.Reader
	}
	return &RegistrationCodes{store: s, ttl: ttl, now: now, random: random}
}

// TTL returns the lifetime of issued codes.
func (c *RegistrationCodes) TTL() time.Duration {
	return c.ttl
}

// Generate stores payload under a fresh code and returns the pending entry.
func (c *RegistrationCodes) Generate(ctx context.Context, payload types.SignupPayload) (types.PendingRegistration, error) {
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := c.newCode()
		if err != nil {
			return types.PendingRegistration{}, err
		}

		now := c.now()
		reg := types.PendingRegistration{
			Code:      code,
			Payload:   payload,
			CreatedAt: now,
			ExpiresAt: now.Add(c.ttl),
		}
		err = c.store.Put(ctx, reg)
		if err == nil {
			return reg, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return types.PendingRegistration{}, fmt.Errorf("store registration code: %w", err)
		}
	}
	return types.PendingRegistration{}, errors.New("registration code space exhausted")
}

// Consume redeems code exactly once. Codes match case-insensitively.
// Unknown, consumed, and expired codes all fail with ErrInvalidCode.
func (c *RegistrationCodes) Consume(ctx context.Context, code string) (types.SignupPayload, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return types.SignupPayload{}, ErrInvalidCode
	}
	reg, err := c.store.Take(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.SignupPayload{}, ErrInvalidCode
		}
		return types.SignupPayload{}, fmt.Errorf("take registration code: %w", err)
	}
	return reg.Payload, nil
}

func (c *RegistrationCodes) newCode() (string, error) {
	var buf [codeLength]byte
	if _, err := io.ReadFull(c.random, buf[:]); err != nil {
		return "", fmt.Errorf("generate registration code: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf[:]), nil
}
