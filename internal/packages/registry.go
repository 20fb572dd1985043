// Package packages stores, lists, and serves versioned game packages.
//
// A package version is immutable once committed: a re-upload of the same
// name creates a new version rather than mutating bytes in place, so readers
// mid-download never observe a torn package. Blobs live one file per version
// under the blob directory; the name→versions index is the only structure
// updated atomically.
package packages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/louisbranch/gamehall/internal/errors"
)

// ErrNotFound indicates a missing package name or version.
var ErrNotFound = errors.New("package not found")

// Info describes one committed package version.
type Info struct {
	Name       string
	Version    int64
	Size       int64
	Checksum   string
	UploadedAt time.Time
}

// Index persists the name→versions catalog.
//
// Commit assigns the next version for a name and records it in one atomic
// step. Committed rows are never updated; Delete exists only so an upload
// can roll back a version whose blob could not be placed, keeping the index
// from advertising bytes that are not on disk.
type Index interface {
	Commit(ctx context.Context, name string, size int64, checksum string, uploadedAt time.Time) (int64, error)
	Delete(ctx context.Context, name string, version int64) error
	Get(ctx context.Context, name string, version int64) (Info, error)
	Latest(ctx context.Context, name string) (Info, error)
	List(ctx context.Context) ([]Info, error)
	ListVersions(ctx context.Context, name string) ([]Info, error)
}

// Registry exposes the upload/list/fetch operations over an Index and a
// blob directory.
type Registry struct {
	dir   string
	index Index
	clock func() time.Time
}

// NewRegistry creates a package registry rooted at dir.
func NewRegistry(dir string, index Index) (*Registry, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("blob directory is required")
	}
	if index == nil {
		return nil, fmt.Errorf("package index is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &Registry{dir: dir, index: index, clock: time.Now}, nil
}

// Checksum returns the hex sha-256 digest clients must supply on upload.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Upload validates and commits a new version of name.
//
// The supplied checksum is verified against the computed digest before
// anything is committed; on mismatch the partial blob is discarded and all
// prior versions stay intact.
func (r *Registry) Upload(ctx context.Context, name string, payload []byte, checksum string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, "/\\") {
		return 0, fmt.Errorf("invalid package name %q", name)
	}

	tmp, err := os.CreateTemp(r.dir, "upload-*")
	if err != nil {
		return 0, fmt.Errorf("create temp blob: %w", err)
	}
	tmpPath := tmp.Name()
	hasher := sha256.New()
	_, writeErr := tmp.Write(payload)
	if writeErr == nil {
		_, writeErr = hasher.Write(payload)
	}
	if closeErr := tmp.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("write blob: %w", writeErr)
	}

	computed := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(computed, strings.TrimSpace(checksum)) {
		_ = os.Remove(tmpPath)
		return 0, apperrors.New(apperrors.CodePackageChecksumMismatch,
			fmt.Sprintf("checksum mismatch for package %q", name))
	}

	if err := os.MkdirAll(filepath.Join(r.dir, name), 0o755); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("create package directory: %w", err)
	}

	version, err := r.index.Commit(ctx, name, int64(len(payload)), computed, r.clock().UTC())
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("commit version: %w", err)
	}
	if err := os.Rename(tmpPath, r.blobPath(name, version)); err != nil {
		// Roll the row back so a later latest-fetch never resolves to a
		// version with no bytes behind it.
		if delErr := r.index.Delete(ctx, name, version); delErr != nil {
			err = fmt.Errorf("%w (index rollback: %v)", err, delErr)
		}
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("place blob: %w", err)
	}
	return version, nil
}

// List returns the latest version of every stored package.
func (r *Registry) List(ctx context.Context) ([]Info, error) {
	infos, err := r.index.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	return infos, nil
}

// ListVersions returns every committed version of name, oldest first.
func (r *Registry) ListVersions(ctx context.Context, name string) ([]Info, error) {
	infos, err := r.index.ListVersions(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperrors.New(apperrors.CodePackageNotFound,
				fmt.Sprintf("package %q not found", name))
		}
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return infos, nil
}

// Fetch returns the metadata and bytes of one version; zero means latest.
func (r *Registry) Fetch(ctx context.Context, name string, version int64) (Info, []byte, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, nil, err
	}
	var info Info
	var err error
	if version == 0 {
		info, err = r.index.Latest(ctx, name)
	} else {
		info, err = r.index.Get(ctx, name, version)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Info{}, nil, apperrors.New(apperrors.CodePackageNotFound,
				fmt.Sprintf("package %q not found", name))
		}
		return Info{}, nil, fmt.Errorf("look up package: %w", err)
	}

	payload, err := os.ReadFile(r.blobPath(info.Name, info.Version))
	if err != nil {
		return Info{}, nil, fmt.Errorf("read blob: %w", err)
	}
	return info, payload, nil
}

func (r *Registry) blobPath(name string, version int64) string {
	return filepath.Join(r.dir, name, fmt.Sprintf("%d.bin", version))
}
