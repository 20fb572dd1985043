// Package sqlite provides the SQLite-backed package version index.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/gamehall/internal/packages"
	"github.com/louisbranch/gamehall/internal/packages/sqlite/migrations"
	sqlitemigrate "github.com/louisbranch/gamehall/internal/platform/storage/sqlitemigrate"
	_ "modernc.org/sqlite"
)

// Store persists the package index in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite package index and applies embedded migrations.
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

// Commit assigns and records the next version of name atomically.
//
// Version assignment and the insert happen in one statement so concurrent
// uploads of the same name can never observe or reuse the same version.
func (s *Store) Commit(ctx context.Context, name string, size int64, checksum string, uploadedAt time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var version int64
	row := s.sqlDB.QueryRowContext(ctx,
		`INSERT INTO packages (name, version, size, checksum, uploaded_at)
		 VALUES (?, (SELECT COALESCE(MAX(version), 0) + 1 FROM packages WHERE name = ?), ?, ?, ?)
		 RETURNING version`,
		name, name, size, checksum, uploadedAt.UnixMilli())
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("insert version: %w", err)
	}
	return version, nil
}

// Delete removes one committed version. Used only to roll back a commit
// whose blob never made it to disk.
func (s *Store) Delete(ctx context.Context, name string, version int64) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM packages WHERE name = ? AND version = ?`, name, version)
	if err != nil {
		return fmt.Errorf("delete version: %w", err)
	}
	return nil
}

// Get returns one exact version of name.
func (s *Store) Get(ctx context.Context, name string, version int64) (packages.Info, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT name, version, size, checksum, uploaded_at
		 FROM packages WHERE name = ? AND version = ?`, name, version)
	return scanInfo(row)
}

// Latest returns the highest committed version of name.
func (s *Store) Latest(ctx context.Context, name string) (packages.Info, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT name, version, size, checksum, uploaded_at
		 FROM packages WHERE name = ? ORDER BY version DESC LIMIT 1`, name)
	return scanInfo(row)
}

// List returns the latest version of every package, ordered by name.
func (s *Store) List(ctx context.Context) ([]packages.Info, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT name, MAX(version), size, checksum, uploaded_at
		 FROM packages GROUP BY name ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query packages: %w", err)
	}
	defer rows.Close()
	return collectInfos(rows)
}

// ListVersions returns every version of name, oldest first.
func (s *Store) ListVersions(ctx context.Context, name string) ([]packages.Info, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT name, version, size, checksum, uploaded_at
		 FROM packages WHERE name = ? ORDER BY version`, name)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()
	infos, err := collectInfos(rows)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, packages.ErrNotFound
	}
	return infos, nil
}

func scanInfo(row *sql.Row) (packages.Info, error) {
	var info packages.Info
	var uploadedAt int64
	if err := row.Scan(&info.Name, &info.Version, &info.Size, &info.Checksum, &uploadedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return packages.Info{}, packages.ErrNotFound
		}
		return packages.Info{}, fmt.Errorf("scan package: %w", err)
	}
	info.UploadedAt = time.UnixMilli(uploadedAt).UTC()
	return info, nil
}

func collectInfos(rows *sql.Rows) ([]packages.Info, error) {
	var infos []packages.Info
	for rows.Next() {
		var info packages.Info
		var uploadedAt int64
		if err := rows.Scan(&info.Name, &info.Version, &info.Size, &info.Checksum, &uploadedAt); err != nil {
			return nil, fmt.Errorf("scan package row: %w", err)
		}
		info.UploadedAt = time.UnixMilli(uploadedAt).UTC()
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate package rows: %w", err)
	}
	return infos, nil
}
