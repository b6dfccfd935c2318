package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Common errors
var (
	ErrFileNotFound       = errors.New("file not found")
	ErrStorageKeyExists   = errors.New("storage key already exists")
	ErrShareLinkNotFound  = errors.New("share link not found")
	ErrShareIDExists      = errors.New("share id already exists")
	ErrUnsupportedBackend = errors.New("unsupported metadata backend")
)

// Store persists files, grants and share links. Implementations must make
// UpsertGrants atomic per (file, user) and must never overwrite an existing
// file or share link on create.
type Store interface {
	// ==================== Files ====================

	// CreateFile inserts a new file. Returns ErrStorageKeyExists if the
	// storage key is already referenced by another file.
	CreateFile(ctx context.Context, file *File) error

	// GetFile returns a file with its grants. Returns ErrFileNotFound if absent.
	GetFile(ctx context.Context, fileID string) (*File, error)

	// ListAccessibleFiles returns files owned by userID or granted to userID
	// with a grant valid at now, newest upload first.
	ListAccessibleFiles(ctx context.Context, userID string, now time.Time) ([]*File, error)

	// UpsertGrants inserts or replaces the grant of every listed user on the
	// file in one atomic step. Returns ErrFileNotFound if the file is absent.
	UpsertGrants(ctx context.Context, fileID string, grants []Grant) error

	// ==================== Share links ====================

	// CreateShareLink inserts a new link. Returns ErrShareIDExists on collision.
	CreateShareLink(ctx context.Context, link *ShareLink) error

	// GetShareLink returns a link regardless of state.
	GetShareLink(ctx context.Context, shareID string) (*ShareLink, error)

	// GetActiveShareLink returns the link only if it is active and expires
	// after now; otherwise ErrShareLinkNotFound.
	GetActiveShareLink(ctx context.Context, shareID string, now time.Time) (*ShareLink, error)

	// ListShareLinks returns all links for a file, newest first.
	ListShareLinks(ctx context.Context, fileID string) ([]*ShareLink, error)

	// SetShareLinkActive flips the activation flag of a link.
	SetShareLinkActive(ctx context.Context, shareID string, active bool) error

	Close() error
}

// Options selects and configures a Store backend
type Options struct {
	Backend string // sqlite, badger, pebble
	DataDir string
	Logger  *logrus.Logger
}

// NewStore opens the configured metadata backend under DataDir
func NewStore(opts Options) (Store, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	switch opts.Backend {
	case "sqlite", "":
		return NewSQLiteStoreAt(opts.DataDir, opts.Logger)
	case "badger":
		kv, err := OpenBadgerKV(BadgerOptions{DataDir: opts.DataDir, Logger: opts.Logger})
		if err != nil {
			return nil, err
		}
		return NewKVStore(kv, opts.Logger), nil
	case "pebble":
		kv, err := OpenPebbleKV(PebbleOptions{DataDir: opts.DataDir, Logger: opts.Logger})
		if err != nil {
			return nil, err
		}
		return NewKVStore(kv, opts.Logger), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, opts.Backend)
	}
}
