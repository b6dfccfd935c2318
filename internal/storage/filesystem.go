package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sharebox/sharebox/internal/apperr"
	"github.com/sharebox/sharebox/internal/presigned"
	"github.com/sirupsen/logrus"
)

// ObjectRoutePrefix is where the HTTP server mounts filesystem downloads
const ObjectRoutePrefix = "/objects"

// FilesystemOptions configures a FilesystemStore
type FilesystemOptions struct {
	Root          string
	Bucket        string
	PublicURL     string // base of the signed download URLs
	SigningKeyID  string
	SigningSecret string
	Logger        *logrus.Logger
	Now           func() time.Time // tests only
}

// FilesystemStore keeps objects under Root/Bucket and signs download URLs
// that the server's /objects route verifies.
type FilesystemStore struct {
	rootPath  string
	bucket    string
	publicURL string
	keyID     string
	secret    string
	logger    *logrus.Logger
	now       func() time.Time
}

// NewFilesystemStore creates the bucket directory if needed
func NewFilesystemStore(opts FilesystemOptions) (*FilesystemStore, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if opts.SigningSecret == "" {
		return nil, fmt.Errorf("signing secret is required")
	}
	if opts.Bucket == "" {
		opts.Bucket = "files"
	}
	if opts.SigningKeyID == "" {
		opts.SigningKeyID = "sharebox"
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	bucketPath := filepath.Join(opts.Root, opts.Bucket)
	if err := os.MkdirAll(bucketPath, 0755); err != nil {
		return nil, apperr.Store("failed to create root directory", err)
	}

	return &FilesystemStore{
		rootPath:  opts.Root,
		bucket:    opts.Bucket,
		publicURL: opts.PublicURL,
		keyID:     opts.SigningKeyID,
		secret:    opts.SigningSecret,
		logger:    opts.Logger,
		now:       opts.Now,
	}, nil
}

// Bucket returns the bucket name used in download URLs
func (fs *FilesystemStore) Bucket() string {
	return fs.bucket
}

// Put writes data to a temp file and renames it into place
func (fs *FilesystemStore) Put(ctx context.Context, key string, data io.Reader, contentType string) error {
	if err := validateKey(key); err != nil {
		return apperr.Store("failed to store object", err)
	}

	fullPath := fs.getFullPath(key)
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return apperr.Store("failed to create directory", err)
	}

	tempFile, err := os.CreateTemp(dir, ".tmp_")
	if err != nil {
		return apperr.Store("failed to create temporary file", err)
	}
	defer os.Remove(tempFile.Name())
	defer tempFile.Close()

	hasher := md5.New()
	size, err := io.Copy(io.MultiWriter(tempFile, hasher), data)
	if err != nil {
		return apperr.Store("failed to write data", err)
	}
	if err := tempFile.Close(); err != nil {
		return apperr.Store("failed to flush data", err)
	}

	info := ObjectInfo{
		Key:          key,
		Size:         size,
		ContentType:  contentType,
		ETag:         hex.EncodeToString(hasher.Sum(nil)),
		LastModified: fs.now().Unix(),
	}
	if err := fs.saveMetadata(key, info); err != nil {
		return err
	}

	if err := os.Rename(tempFile.Name(), fullPath); err != nil {
		return apperr.Store("failed to move file to final location", err)
	}

	fs.logger.WithFields(logrus.Fields{
		"key":  key,
		"size": size,
	}).Debug("Object stored on filesystem")
	return nil
}

// SignedGetURL signs a download URL for the /objects route
func (fs *FilesystemStore) SignedGetURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := validateKey(key); err != nil {
		return "", apperr.Store("failed to sign URL", err)
	}

	signed, err := presigned.GenerateURL(presigned.URLParams{
		Endpoint:        fs.publicURL,
		Prefix:          ObjectRoutePrefix,
		Bucket:          fs.bucket,
		Key:             key,
		AccessKeyID:     fs.keyID,
		SecretAccessKey: fs.secret,
		ExpiresIn:       int64(ttl / time.Second),
		SignedAt:        fs.now(),
	})
	if err != nil {
		return "", apperr.Store("failed to sign URL", err)
	}
	return signed, nil
}

// Open validates a signed download request and opens the object it names.
// bucket and key come from the request route.
func (fs *FilesystemStore) Open(r *http.Request, bucket, key string) (io.ReadCloser, *ObjectInfo, error) {
	if bucket != fs.bucket {
		return nil, nil, ErrObjectNotFound
	}
	if err := validateKey(key); err != nil {
		return nil, nil, err
	}
	if err := presigned.Validate(r, fs.keyID, fs.secret, fs.now()); err != nil {
		return nil, nil, err
	}

	file, err := os.Open(fs.getFullPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, nil, apperr.Store("failed to open file", err)
	}

	info, err := fs.loadMetadata(key)
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	return file, info, nil
}

// Close is a no-op for the filesystem backend
func (fs *FilesystemStore) Close() error {
	return nil
}

func (fs *FilesystemStore) getFullPath(key string) string {
	return filepath.Join(fs.rootPath, fs.bucket, filepath.FromSlash(key))
}

func (fs *FilesystemStore) getMetadataPath(key string) string {
	return fs.getFullPath(key) + ".metadata"
}

func (fs *FilesystemStore) saveMetadata(key string, info ObjectInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return apperr.Store("failed to marshal metadata", err)
	}
	if err := os.WriteFile(fs.getMetadataPath(key), data, 0644); err != nil {
		return apperr.Store("failed to write metadata file", err)
	}
	return nil
}

// loadMetadata reads the sidecar, falling back to file stats when it is missing
func (fs *FilesystemStore) loadMetadata(key string) (*ObjectInfo, error) {
	data, err := os.ReadFile(fs.getMetadataPath(key))
	if errors.Is(err, os.ErrNotExist) {
		stat, statErr := os.Stat(fs.getFullPath(key))
		if statErr != nil {
			return nil, apperr.Store("failed to stat file", statErr)
		}
		return &ObjectInfo{
			Key:          key,
			Size:         stat.Size(),
			ContentType:  "application/octet-stream",
			LastModified: stat.ModTime().Unix(),
		}, nil
	}
	if err != nil {
		return nil, apperr.Store("failed to read metadata file", err)
	}

	var info ObjectInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, apperr.Store("failed to parse metadata", err)
	}
	return &info, nil
}

var _ ObjectStore = (*FilesystemStore)(nil)
