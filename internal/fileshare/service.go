package fileshare

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sharebox/sharebox/internal/access"
	"github.com/sharebox/sharebox/internal/apperr"
	"github.com/sharebox/sharebox/internal/file"
	"github.com/sharebox/sharebox/internal/grant"
	"github.com/sharebox/sharebox/internal/metadata"
	"github.com/sharebox/sharebox/internal/metrics"
	"github.com/sharebox/sharebox/internal/storage"
	"github.com/sirupsen/logrus"
)

// DefaultMaxFileSize is the upload limit when none is configured
const DefaultMaxFileSize = 10 * 1024 * 1024

// UserDirectory resolves user ids to display names for file listings
type UserDirectory interface {
	DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error)
}

// Options configures a Service
type Options struct {
	MaxFileSize int64
	FrontendURL string
}

// FileEntry is a file as seen by one user
type FileEntry struct {
	ID         string    `json:"id"`
	FileName   string    `json:"fileName"`
	FileType   string    `json:"fileType"`
	FileSize   int64     `json:"fileSize"`
	UploadedAt time.Time `json:"uploadedAt"`
	OwnerID    string    `json:"ownerId"`
	OwnerName  string    `json:"ownerName,omitempty"`
	IsOwner    bool      `json:"isOwner"`
}

// Service is the upward surface of the sharing core. Handlers call only this.
type Service struct {
	objects storage.ObjectStore
	files   *file.Manager
	issuer  *grant.Issuer
	engine  *access.Engine
	users   UserDirectory
	metrics *metrics.Manager
	logger  *logrus.Logger
	opts    Options
}

// NewService wires the boundary service. users and m may be nil.
func NewService(objects storage.ObjectStore, files *file.Manager, issuer *grant.Issuer, engine *access.Engine,
	users UserDirectory, m *metrics.Manager, logger *logrus.Logger, opts Options) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	opts.FrontendURL = strings.TrimSuffix(opts.FrontendURL, "/")

	return &Service{
		objects: objects,
		files:   files,
		issuer:  issuer,
		engine:  engine,
		users:   users,
		metrics: m,
		logger:  logger,
		opts:    opts,
	}
}

// MaxFileSize returns the effective upload limit in bytes
func (s *Service) MaxFileSize() int64 {
	return s.opts.MaxFileSize
}

// Upload stores the object first and then records the file. An object whose
// record cannot be created is left in place and reported as orphaned.
func (s *Service) Upload(ctx context.Context, ownerID string, data io.Reader, name, contentType string, size int64) (*metadata.File, error) {
	if ownerID == "" {
		return nil, apperr.InvalidArgument("owner id is required")
	}
	if size > s.opts.MaxFileSize {
		s.metrics.RecordUpload(false, size)
		return nil, apperr.InvalidArgument(fmt.Sprintf("file exceeds the %d byte limit", s.opts.MaxFileSize))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	storageKey := uuid.New().String() + "-" + storage.SanitizeName(name)
	if err := s.objects.Put(ctx, storageKey, data, contentType); err != nil {
		s.metrics.RecordUpload(false, size)
		return nil, err
	}

	f, err := s.files.CreateFile(ctx, ownerID, storageKey, name, contentType, size)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"orphaned_key": storageKey,
			"owner_id":     ownerID,
			"error":        err,
		}).Error("Object stored but file record creation failed")
		s.metrics.RecordOrphanedObject()
		s.metrics.RecordUpload(false, size)
		return nil, err
	}

	s.metrics.RecordUpload(true, size)
	s.logger.WithFields(logrus.Fields{
		"file_id":     f.ID,
		"owner_id":    ownerID,
		"storage_key": storageKey,
		"size":        size,
	}).Info("File uploaded")
	return f, nil
}

// ListFiles returns every file userID can currently read, newest first
func (s *Service) ListFiles(ctx context.Context, userID string) ([]FileEntry, error) {
	files, err := s.files.ListAccessible(ctx, userID)
	if err != nil {
		return nil, err
	}

	names := s.ownerNames(ctx, files)
	entries := make([]FileEntry, 0, len(files))
	for _, f := range files {
		entries = append(entries, FileEntry{
			ID:         f.ID,
			FileName:   f.FileName,
			FileType:   f.FileType,
			FileSize:   f.FileSize,
			UploadedAt: f.UploadedAt,
			OwnerID:    f.OwnerID,
			OwnerName:  names[f.OwnerID],
			IsOwner:    f.IsOwner(userID),
		})
	}
	return entries, nil
}

// ownerNames is best effort; a listing never fails because names are missing.
func (s *Service) ownerNames(ctx context.Context, files []*metadata.File) map[string]string {
	if s.users == nil || len(files) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(files))
	ids := make([]string, 0, len(files))
	for _, f := range files {
		if _, ok := seen[f.OwnerID]; !ok {
			seen[f.OwnerID] = struct{}{}
			ids = append(ids, f.OwnerID)
		}
	}

	names, err := s.users.DisplayNames(ctx, ids)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to resolve owner names")
		return nil
	}
	return names
}

// ShareWithUsers grants targets access to the caller's file
func (s *Service) ShareWithUsers(ctx context.Context, fileID, ownerID string, targets []string, expiresAt *time.Time) error {
	return s.issuer.ShareWithUsers(ctx, fileID, ownerID, targets, expiresAt)
}

// CreateShareLink issues a link for the caller's file and returns its share id
func (s *Service) CreateShareLink(ctx context.Context, fileID, ownerID string, ttlHours float64) (string, error) {
	link, err := s.issuer.CreateShareLink(ctx, fileID, ownerID, ttlHours)
	if err != nil {
		return "", err
	}
	return link.ShareID, nil
}

// ShareURL is the frontend address a share id is handed out as
func (s *Service) ShareURL(shareID string) string {
	return s.opts.FrontendURL + "/view-file/" + shareID
}

// ResolveSharedViewURL mints a retrieval URL for an anonymous share link holder
func (s *Service) ResolveSharedViewURL(ctx context.Context, shareID string) (string, error) {
	authz, err := access.ForShareLink(shareID)
	if err != nil {
		return "", apperr.ErrExpiredOrInvalid
	}
	return s.engine.Resolve(ctx, authz, "")
}

// ResolveViewURL mints a retrieval URL for an authenticated user
func (s *Service) ResolveViewURL(ctx context.Context, fileID, userID string) (string, error) {
	authz, err := access.ForUser(userID)
	if err != nil {
		return "", err
	}
	return s.engine.Resolve(ctx, authz, fileID)
}
