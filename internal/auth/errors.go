package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound           = errors.New("user not found")
	ErrSessionNotFound    = errors.New("session not found")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid token")
	ErrSessionExpired     = errors.New("session expired")
	ErrBanned             = errors.New("user is banned")
	ErrLastAdmin          = errors.New("at least one admin required")
	ErrSelfAction         = errors.New("cannot perform this action on your own account")
	ErrEmailTaken         = errors.New("email already in use")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrInvalidRole        = errors.New("invalid role")
)

// BannedError reports an active ban with its reason and expiry.
type BannedError struct {
	Reason  string
	Expires *time.Time
}

func (e *BannedError) Error() string {
	msg := ErrBanned.Error()
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	if e.Expires != nil {
		msg = fmt.Sprintf("%s (until %s)", msg, e.Expires.UTC().Format(time.RFC3339))
	}
	return msg
}

func (e *BannedError) Is(target error) bool { return target == ErrBanned }
