// Package account defines the account directory boundary.
//
// The core treats the directory as a lookup+persist service: it verifies
// credentials at login and persists new registrations. Users are never
// deleted by the core.
package account

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidCredentials indicates a failed credential check.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrAlreadyExists indicates a registration for a taken username.
var ErrAlreadyExists = errors.New("username already exists")

// User is an authenticated identity.
type User struct {
	ID          string
	Username    string
	DisplayName string
	CreatedAt   time.Time
}

// Directory verifies and registers user identities.
type Directory interface {
	Verify(ctx context.Context, username, password string) (User, error)
	Register(ctx context.Context, username, password, displayName string) (User, error)
}
