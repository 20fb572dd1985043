// Package session maps live connections to authenticated identities.
//
// A user has at most one live session; a connection authenticates at most
// once. Sessions are destroyed on disconnect, logout, or heartbeat silence,
// and destruction releases the session's room membership through a hook so
// the room manager stays consistent without a package cycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/louisbranch/gamehall/internal/account"
	apperrors "github.com/louisbranch/gamehall/internal/errors"
	"github.com/louisbranch/gamehall/internal/platform/id"
	"github.com/louisbranch/gamehall/internal/protocol"
)

// Messenger is the write side of a client connection.
type Messenger interface {
	WriteMessage(protocol.Message) error
	Close() error
}

// Session binds a connection to an authenticated user and, optionally, a
// current room.
type Session struct {
	ID          string
	UserID      string
	Username    string
	DisplayName string

	conn Messenger

	mu       sync.Mutex
	roomID   string
	lastSeen time.Time
}

// Send writes a server-initiated message on the session's connection.
func (s *Session) Send(msg protocol.Message) error {
	return s.conn.WriteMessage(msg)
}

// RoomID returns the session's current room, or "" when not in a room.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// SetRoom records the session's current room; "" clears it.
func (s *Session) SetRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID = roomID
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = now
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeen)
}

// Registry owns all live sessions.
type Registry struct {
	directory account.Directory
	allowlist map[string]bool

	mu     sync.Mutex
	byConn map[Messenger]*Session
	byUser map[string]*Session

	clock       func() time.Time
	idGenerator func() (string, error)
	onTerminate func(*Session)
}

// NewRegistry creates a session registry backed by the given directory.
// allowedUsers, when non-empty, restricts logins to the listed usernames.
func NewRegistry(directory account.Directory, allowedUsers []string) (*Registry, error) {
	if directory == nil {
		return nil, fmt.Errorf("account directory is required")
	}
	var allowlist map[string]bool
	if len(allowedUsers) > 0 {
		allowlist = make(map[string]bool, len(allowedUsers))
		for _, name := range allowedUsers {
			allowlist[name] = true
		}
	}
	return &Registry{
		directory:   directory,
		allowlist:   allowlist,
		byConn:      make(map[Messenger]*Session),
		byUser:      make(map[string]*Session),
		clock:       time.Now,
		idGenerator: id.NewID,
	}, nil
}

// OnTerminate installs the cleanup hook run before a session is unmapped.
func (r *Registry) OnTerminate(hook func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTerminate = hook
}

// Authenticate verifies credentials and binds conn to a new session.
//
// A second LOGIN on an authenticated connection and a second live session
// for the same user are both rejected without touching existing state.
func (r *Registry) Authenticate(ctx context.Context, conn Messenger, username, password string) (*Session, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection is required")
	}

	r.mu.Lock()
	if _, ok := r.byConn[conn]; ok {
		r.mu.Unlock()
		return nil, apperrors.New(apperrors.CodeAuthAlreadyAuthenticated, "connection is already authenticated")
	}
	if r.allowlist != nil && !r.allowlist[username] {
		r.mu.Unlock()
		return nil, apperrors.New(apperrors.CodeAuthNotAllowed, fmt.Sprintf("user %q is not allowed on this server", username))
	}
	r.mu.Unlock()

	// Credential verification happens outside the registry lock; the
	// directory may be slow and must not stall other connections.
	user, err := r.directory.Verify(ctx, username, password)
	if err != nil {
		if errors.Is(err, account.ErrInvalidCredentials) {
			return nil, apperrors.New(apperrors.CodeAuthInvalidCredentials, "invalid username or password")
		}
		return nil, fmt.Errorf("verify credentials: %w", err)
	}

	sessionID, err := r.idGenerator()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	session := &Session{
		ID:          sessionID,
		UserID:      user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		conn:        conn,
		lastSeen:    r.clock(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byConn[conn]; ok {
		return nil, apperrors.New(apperrors.CodeAuthAlreadyAuthenticated, "connection is already authenticated")
	}
	if _, ok := r.byUser[user.ID]; ok {
		return nil, apperrors.New(apperrors.CodeAuthSessionActive, fmt.Sprintf("user %q already has a live session", user.Username))
	}
	r.byConn[conn] = session
	r.byUser[user.ID] = session
	return session, nil
}

// Lookup returns the session bound to conn, if any.
func (r *Registry) Lookup(conn Messenger) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.byConn[conn]
	return session, ok
}

// LookupUser returns the live session of a user id, if any.
func (r *Registry) LookupUser(userID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.byUser[userID]
	return session, ok
}

// Touch records connection activity for heartbeat accounting.
func (r *Registry) Touch(conn Messenger) {
	r.mu.Lock()
	session, ok := r.byConn[conn]
	r.mu.Unlock()
	if ok {
		session.touch(r.clock())
	}
}

// Terminate destroys the session bound to conn. Idempotent: terminating an
// unknown or already-terminated connection is a no-op.
func (r *Registry) Terminate(conn Messenger) {
	r.mu.Lock()
	session, ok := r.byConn[conn]
	if ok {
		delete(r.byConn, conn)
		delete(r.byUser, session.UserID)
	}
	hook := r.onTerminate
	r.mu.Unlock()

	if ok && hook != nil {
		hook(session)
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn)
}

// ExpireIdle terminates sessions silent for longer than window and returns
// how many were dropped. Expired connections are closed so their read loops
// unblock and run normal disconnect cleanup.
func (r *Registry) ExpireIdle(window time.Duration) int {
	now := r.clock()

	r.mu.Lock()
	var expired []Messenger
	for conn, session := range r.byConn {
		if session.idleSince(now) > window {
			expired = append(expired, conn)
		}
	}
	r.mu.Unlock()

	for _, conn := range expired {
		_ = conn.Close()
		r.Terminate(conn)
	}
	return len(expired)
}
