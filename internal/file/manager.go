package file

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sharebox/sharebox/internal/apperr"
	"github.com/sharebox/sharebox/internal/metadata"
	"github.com/sirupsen/logrus"
)

// Manager owns File entities: their identity, ownership and per-user grants
type Manager struct {
	store  metadata.Store
	logger *logrus.Logger
	now    func() time.Time
}

// NewManager creates a file manager over the record store
func NewManager(store metadata.Store, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock replaces the time source used for timestamps and expiry checks
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// CreateFile persists a new File owned by ownerID
func (m *Manager) CreateFile(ctx context.Context, ownerID, storageKey, name, fileType string, size int64) (*metadata.File, error) {
	if ownerID == "" {
		return nil, apperr.InvalidArgument("owner is required")
	}
	if storageKey == "" {
		return nil, apperr.InvalidArgument("storage key is required")
	}

	file := &metadata.File{
		ID:         uuid.New().String(),
		OwnerID:    ownerID,
		StorageKey: storageKey,
		FileName:   name,
		FileType:   fileType,
		FileSize:   size,
		UploadedAt: m.now().UTC(),
	}

	if err := m.store.CreateFile(ctx, file); err != nil {
		if errors.Is(err, metadata.ErrStorageKeyExists) {
			return nil, apperr.Wrap(apperr.CodeConflict, "A file with this storage key already exists", err)
		}
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"file_id":     file.ID,
		"owner_id":    ownerID,
		"storage_key": storageKey,
		"size":        size,
	}).Info("File created")

	return file, nil
}

// GetFile returns the File with its grants
func (m *Manager) GetFile(ctx context.Context, fileID string) (*metadata.File, error) {
	if fileID == "" {
		return nil, apperr.NotFound("File not found")
	}

	file, err := m.store.GetFile(ctx, fileID)
	if errors.Is(err, metadata.ErrFileNotFound) {
		return nil, apperr.Wrap(apperr.CodeNotFound, "File not found", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return file, nil
}

// ListAccessible returns every file userID owns or holds a live grant on,
// newest first. Grant expiry is evaluated now, so lapsed grants drop out
// without being deleted.
func (m *Manager) ListAccessible(ctx context.Context, userID string) ([]*metadata.File, error) {
	if userID == "" {
		return nil, apperr.InvalidArgument("user is required")
	}

	files, err := m.store.ListAccessibleFiles(ctx, userID, m.now())
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	return files, nil
}

// AddGrants inserts or replaces the grant of each target user. Only the
// owner may grant; the owner's own id and duplicates are ignored.
func (m *Manager) AddGrants(ctx context.Context, fileID, requestingUserID string, targetUserIDs []string, expiresAt *time.Time) error {
	file, err := m.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	if !file.IsOwner(requestingUserID) {
		return apperr.ErrNotOwner
	}

	targets := normalizeTargets(targetUserIDs)
	if len(targets) == 0 {
		return apperr.InvalidArgument("at least one user is required")
	}

	grantedAt := m.now().UTC()
	var expiry *time.Time
	if expiresAt != nil {
		e := expiresAt.UTC()
		expiry = &e
	}

	grants := make([]metadata.Grant, 0, len(targets))
	for _, userID := range targets {
		if userID == file.OwnerID {
			continue
		}
		grants = append(grants, metadata.Grant{
			UserID:    userID,
			ExpiresAt: expiry,
			GrantedAt: grantedAt,
		})
	}
	if len(grants) == 0 {
		return nil
	}

	if err := m.store.UpsertGrants(ctx, fileID, grants); err != nil {
		if errors.Is(err, metadata.ErrFileNotFound) {
			return apperr.Wrap(apperr.CodeNotFound, "File not found", err)
		}
		return fmt.Errorf("failed to upsert grants: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"file_id":    fileID,
		"owner_id":   requestingUserID,
		"grantees":   len(grants),
		"expires_at": expiry,
	}).Info("File grants updated")

	return nil
}

func normalizeTargets(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
