package share

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sharebox/sharebox/internal/apperr"
	"github.com/sharebox/sharebox/internal/metadata"
	"github.com/sirupsen/logrus"
)

// tokenBytes is the entropy of a share id; it is hex encoded to 64 characters
const tokenBytes = 32

// maxTTLHours keeps now+ttl inside time.Duration range
const maxTTLHours = float64(math.MaxInt64 / int64(time.Hour))

// FileLookup resolves the file a link points at
type FileLookup interface {
	GetFile(ctx context.Context, fileID string) (*metadata.File, error)
}

// Manager owns ShareLink entities
type Manager struct {
	store    metadata.Store
	files    FileLookup
	logger   *logrus.Logger
	now      func() time.Time
	newToken func() (string, error)
}

// NewManager creates a share-link manager
func NewManager(store metadata.Store, files FileLookup, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		store:    store,
		files:    files,
		logger:   logger,
		now:      time.Now,
		newToken: generateShareToken,
	}
}

// SetClock replaces the time source used for issuance and expiry checks
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// CreateLink issues a new link to fileID valid for ttlHours. A share id
// collision is retried once with a fresh token, then reported as Conflict.
func (m *Manager) CreateLink(ctx context.Context, fileID, requestingUserID string, ttlHours float64) (*metadata.ShareLink, error) {
	if math.IsNaN(ttlHours) || ttlHours <= 0 || ttlHours > maxTTLHours {
		return nil, apperr.InvalidArgument("expiresInHours must be a positive number")
	}

	file, err := m.files.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !file.IsOwner(requestingUserID) {
		return nil, apperr.ErrNotOwner
	}

	now := m.now().UTC()
	link := &metadata.ShareLink{
		FileID:    file.ID,
		CreatedBy: requestingUserID,
		ExpiresAt: now.Add(time.Duration(ttlHours * float64(time.Hour))),
		IsActive:  true,
		CreatedAt: now,
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		token, err := m.newToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate share token: %w", err)
		}
		link.ShareID = token

		err = m.store.CreateShareLink(ctx, link)
		if err == nil {
			m.logger.WithFields(logrus.Fields{
				"file_id":    file.ID,
				"created_by": requestingUserID,
				"expires_at": link.ExpiresAt,
			}).Info("Share link created")
			return link, nil
		}
		if !errors.Is(err, metadata.ErrShareIDExists) {
			return nil, fmt.Errorf("failed to create share link: %w", err)
		}

		lastErr = err
		m.logger.WithFields(logrus.Fields{
			"file_id": file.ID,
			"attempt": attempt + 1,
		}).Warn("Share id collision")
	}

	return nil, apperr.Wrap(apperr.CodeConflict, "Could not allocate a unique share id", lastErr)
}

// ResolveActiveLink returns the link only if it exists, is active and has
// not expired. The clock is read here and the store filters on it in the
// same lookup.
func (m *Manager) ResolveActiveLink(ctx context.Context, shareID string) (*metadata.ShareLink, error) {
	if shareID == "" {
		return nil, apperr.ErrExpiredOrInvalid
	}

	link, err := m.store.GetActiveShareLink(ctx, shareID, m.now())
	if errors.Is(err, metadata.ErrShareLinkNotFound) {
		return nil, apperr.Wrap(apperr.CodeExpiredOrInvalid, apperr.ErrExpiredOrInvalid.Message, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve share link: %w", err)
	}
	return link, nil
}

// Deactivate revokes a link early. Only the owner of the linked file may do so.
func (m *Manager) Deactivate(ctx context.Context, shareID, requestingUserID string) error {
	link, err := m.store.GetShareLink(ctx, shareID)
	if errors.Is(err, metadata.ErrShareLinkNotFound) {
		return apperr.Wrap(apperr.CodeNotFound, "Share link not found", err)
	}
	if err != nil {
		return fmt.Errorf("failed to get share link: %w", err)
	}

	file, err := m.files.GetFile(ctx, link.FileID)
	if err != nil {
		return err
	}
	if !file.IsOwner(requestingUserID) {
		return apperr.ErrNotOwner
	}

	if err := m.store.SetShareLinkActive(ctx, shareID, false); err != nil {
		return fmt.Errorf("failed to deactivate share link: %w", err)
	}

	m.logger.WithField("file_id", link.FileID).Info("Share link deactivated")
	return nil
}

// ListLinks returns the links issued for a file, newest first. Owner only.
func (m *Manager) ListLinks(ctx context.Context, fileID, requestingUserID string) ([]*metadata.ShareLink, error) {
	file, err := m.files.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !file.IsOwner(requestingUserID) {
		return nil, apperr.ErrNotOwner
	}

	links, err := m.store.ListShareLinks(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to list share links: %w", err)
	}
	return links, nil
}

func generateShareToken() (string, error) {
	bytes := make([]byte, tokenBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
