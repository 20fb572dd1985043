// Package sqlite provides a SQLite-backed account directory.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/gamehall/internal/account"
	"github.com/louisbranch/gamehall/internal/account/sqlite/migrations"
	"github.com/louisbranch/gamehall/internal/platform/id"
	sqlitemigrate "github.com/louisbranch/gamehall/internal/platform/storage/sqlitemigrate"
	"golang.org/x/crypto/bcrypt"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists user identities in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite account store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Register creates a new user with a bcrypt-hashed password.
func (s *Store) Register(ctx context.Context, username, password, displayName string) (account.User, error) {
	if err := ctx.Err(); err != nil {
		return account.User{}, err
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return account.User{}, fmt.Errorf("username is required")
	}
	if password == "" {
		return account.User{}, fmt.Errorf("password is required")
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = username
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return account.User{}, fmt.Errorf("hash password: %w", err)
	}
	userID, err := id.NewID()
	if err != nil {
		return account.User{}, fmt.Errorf("generate user id: %w", err)
	}
	createdAt := time.Now().UTC()

	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO users (id, username, display_name, password_hash, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		userID,
		username,
		displayName,
		string(hash),
		createdAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return account.User{}, account.ErrAlreadyExists
		}
		return account.User{}, fmt.Errorf("insert user: %w", err)
	}

	return account.User{
		ID:          userID,
		Username:    username,
		DisplayName: displayName,
		CreatedAt:   createdAt,
	}, nil
}

// Verify checks the password for username and returns the stored identity.
func (s *Store) Verify(ctx context.Context, username, password string) (account.User, error) {
	if err := ctx.Err(); err != nil {
		return account.User{}, err
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return account.User{}, account.ErrInvalidCredentials
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, username, display_name, password_hash, created_at
		 FROM users WHERE username = ?`,
		username,
	)

	var user account.User
	var hash string
	var createdAt int64
	if err := row.Scan(&user.ID, &user.Username, &user.DisplayName, &hash, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return account.User{}, account.ErrInvalidCredentials
		}
		return account.User{}, fmt.Errorf("select user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return account.User{}, account.ErrInvalidCredentials
	}
	user.CreatedAt = time.UnixMilli(createdAt).UTC()
	return user, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
