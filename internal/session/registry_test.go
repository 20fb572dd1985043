package session

import (
	"context"
	"testing"
	"time"

	"github.com/louisbranch/gamehall/internal/account"
	apperrors "github.com/louisbranch/gamehall/internal/errors"
	"github.com/louisbranch/gamehall/internal/protocol"
)

type fakeDirectory struct {
	users map[string]string // username -> password
}

func (d *fakeDirectory) Verify(_ context.Context, username, password string) (account.User, error) {
	stored, ok := d.users[username]
	if !ok || stored != password {
		return account.User{}, account.ErrInvalidCredentials
	}
	return account.User{ID: "user-" + username, Username: username, DisplayName: username}, nil
}

func (d *fakeDirectory) Register(_ context.Context, username, password, _ string) (account.User, error) {
	if _, ok := d.users[username]; ok {
		return account.User{}, account.ErrAlreadyExists
	}
	d.users[username] = password
	return account.User{ID: "user-" + username, Username: username, DisplayName: username}, nil
}

type fakeConn struct {
	sent   []protocol.Message
	closed bool
}

func (c *fakeConn) WriteMessage(msg protocol.Message) error {
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func newTestRegistry(t *testing.T, allowed []string) *Registry {
	t.Helper()
	registry, err := NewRegistry(&fakeDirectory{users: map[string]string{
		"nina":  "pw1",
		"jason": "pw2",
	}}, allowed)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return registry
}

func TestAuthenticateBindsConnectionOnce(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, nil)
	conn := &fakeConn{}

	session, err := registry.Authenticate(context.Background(), conn, "nina", "pw1")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if session.UserID != "user-nina" {
		t.Fatalf("user id = %q, want user-nina", session.UserID)
	}

	if _, err := registry.Authenticate(context.Background(), conn, "jason", "pw2"); !apperrors.HasCode(err, apperrors.CodeAuthAlreadyAuthenticated) {
		t.Fatalf("expected AUTH_ALREADY_AUTHENTICATED, got %v", err)
	}
}

func TestAuthenticateRejectsSecondSessionForSameUser(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, nil)
	if _, err := registry.Authenticate(context.Background(), &fakeConn{}, "nina", "pw1"); err != nil {
		t.Fatalf("first login: %v", err)
	}
	_, err := registry.Authenticate(context.Background(), &fakeConn{}, "nina", "pw1")
	if !apperrors.HasCode(err, apperrors.CodeAuthSessionActive) {
		t.Fatalf("expected AUTH_SESSION_ACTIVE, got %v", err)
	}
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, nil)
	_, err := registry.Authenticate(context.Background(), &fakeConn{}, "nina", "wrong")
	if !apperrors.HasCode(err, apperrors.CodeAuthInvalidCredentials) {
		t.Fatalf("expected AUTH_INVALID_CREDENTIALS, got %v", err)
	}
	if registry.Count() != 0 {
		t.Fatalf("expected no sessions, got %d", registry.Count())
	}
}

func TestAuthenticateEnforcesAllowlist(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, []string{"jason"})
	_, err := registry.Authenticate(context.Background(), &fakeConn{}, "nina", "pw1")
	if !apperrors.HasCode(err, apperrors.CodeAuthNotAllowed) {
		t.Fatalf("expected AUTH_NOT_ALLOWED, got %v", err)
	}
	if _, err := registry.Authenticate(context.Background(), &fakeConn{}, "jason", "pw2"); err != nil {
		t.Fatalf("allowlisted login: %v", err)
	}
}

func TestTerminateIsIdempotentAndRunsHook(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, nil)
	conn := &fakeConn{}
	session, err := registry.Authenticate(context.Background(), conn, "nina", "pw1")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	session.SetRoom("room-1")

	var hookCalls int
	registry.OnTerminate(func(terminated *Session) {
		hookCalls++
		if terminated.ID != session.ID {
			t.Errorf("hook got session %q, want %q", terminated.ID, session.ID)
		}
	})

	registry.Terminate(conn)
	registry.Terminate(conn)
	if hookCalls != 1 {
		t.Fatalf("hook ran %d times, want 1", hookCalls)
	}
	if registry.Count() != 0 {
		t.Fatalf("expected no sessions after terminate, got %d", registry.Count())
	}

	// The user can log in again after termination.
	if _, err := registry.Authenticate(context.Background(), &fakeConn{}, "nina", "pw1"); err != nil {
		t.Fatalf("relogin after terminate: %v", err)
	}
}

func TestExpireIdleDropsSilentSessions(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, nil)
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	registry.clock = func() time.Time { return now }

	quiet := &fakeConn{}
	noisy := &fakeConn{}
	if _, err := registry.Authenticate(context.Background(), quiet, "nina", "pw1"); err != nil {
		t.Fatalf("login quiet: %v", err)
	}
	if _, err := registry.Authenticate(context.Background(), noisy, "jason", "pw2"); err != nil {
		t.Fatalf("login noisy: %v", err)
	}

	now = now.Add(45 * time.Second)
	registry.Touch(noisy)
	now = now.Add(30 * time.Second)

	if dropped := registry.ExpireIdle(time.Minute); dropped != 1 {
		t.Fatalf("dropped %d sessions, want 1", dropped)
	}
	if !quiet.closed {
		t.Fatal("expected quiet connection to be closed")
	}
	if noisy.closed {
		t.Fatal("noisy connection should stay open")
	}
	if registry.Count() != 1 {
		t.Fatalf("expected 1 live session, got %d", registry.Count())
	}
}
