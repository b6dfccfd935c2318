package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// KVStore implements Store on top of any RawKV engine (BadgerDB or Pebble).
//
// Key layout:
//
//	file:<fileID>                 -> File (without grants)
//	filekey:<storageKey>          -> fileID
//	owner:<ownerID>:<fileID>      -> ""
//	grant:<fileID>:<userID>       -> Grant
//	grantee:<userID>:<fileID>     -> ""
//	link:<shareID>                -> ShareLink
//	filelink:<fileID>:<shareID>   -> ""
//
// Every grant lives under its own key, so an upsert for one user can never
// clobber a concurrent upsert for another.
type KVStore struct {
	kv     RawKV
	logger *logrus.Logger
	// createMu serializes check-then-insert sequences for uniqueness
	createMu sync.Mutex
}

// NewKVStore creates a Store over the given engine
func NewKVStore(kv RawKV, logger *logrus.Logger) *KVStore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &KVStore{kv: kv, logger: logger}
}

// ==================== Key Naming Scheme ====================

// Ids are escaped before they are joined with ':' so that a prefix scan for
// one id never matches another id that extends it.
var (
	keyPartEscaper   = strings.NewReplacer("%", "%25", ":", "%3A")
	keyPartUnescaper = strings.NewReplacer("%3A", ":", "%25", "%")
)

func esc(id string) string {
	return keyPartEscaper.Replace(id)
}

func unesc(part string) string {
	return keyPartUnescaper.Replace(part)
}

func fileKey(fileID string) string {
	return "file:" + esc(fileID)
}

func storageKeyIndex(storageKey string) string {
	return "filekey:" + esc(storageKey)
}

func ownerIndex(ownerID, fileID string) string {
	return ownerPrefix(ownerID) + esc(fileID)
}

func ownerPrefix(ownerID string) string {
	return fmt.Sprintf("owner:%s:", esc(ownerID))
}

func grantKey(fileID, userID string) string {
	return grantPrefix(fileID) + esc(userID)
}

func grantPrefix(fileID string) string {
	return fmt.Sprintf("grant:%s:", esc(fileID))
}

func granteeIndex(userID, fileID string) string {
	return granteePrefix(userID) + esc(fileID)
}

func granteePrefix(userID string) string {
	return fmt.Sprintf("grantee:%s:", esc(userID))
}

func linkKey(shareID string) string {
	return "link:" + esc(shareID)
}

func fileLinkIndex(fileID, shareID string) string {
	return fileLinkPrefix(fileID) + esc(shareID)
}

func fileLinkPrefix(fileID string) string {
	return fmt.Sprintf("filelink:%s:", esc(fileID))
}

// ==================== Files ====================

// CreateFile stores a file and its indexes in one batch
func (s *KVStore) CreateFile(ctx context.Context, file *File) error {
	record := *file
	record.Grants = nil
	data, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("failed to marshal file: %w", err)
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	if _, err := s.kv.GetRaw(ctx, storageKeyIndex(file.StorageKey)); err == nil {
		return ErrStorageKeyExists
	} else if err != ErrKeyNotFound {
		return err
	}
	if _, err := s.kv.GetRaw(ctx, fileKey(file.ID)); err == nil {
		return fmt.Errorf("file id %s already exists", file.ID)
	} else if err != ErrKeyNotFound {
		return err
	}

	sets := map[string][]byte{
		fileKey(file.ID):                  data,
		storageKeyIndex(file.StorageKey):  []byte(file.ID),
		ownerIndex(file.OwnerID, file.ID): {},
	}
	if err := s.kv.RawBatch(ctx, sets, nil); err != nil {
		return fmt.Errorf("failed to store file: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"file_id":     file.ID,
		"storage_key": file.StorageKey,
	}).Debug("File created in KV metadata store")
	return nil
}

// GetFile loads a file and its grants
func (s *KVStore) GetFile(ctx context.Context, fileID string) (*File, error) {
	data, err := s.kv.GetRaw(ctx, fileKey(fileID))
	if err == ErrKeyNotFound {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, err
	}

	var file File
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal file: %w", err)
	}

	var scanErr error
	err = s.kv.RawScan(ctx, grantPrefix(fileID), func(key string, val []byte) bool {
		var g Grant
		if scanErr = json.Unmarshal(val, &g); scanErr != nil {
			return false
		}
		file.Grants = append(file.Grants, g)
		return true
	})
	if err != nil {
		return nil, err
	}
	if scanErr != nil {
		return nil, fmt.Errorf("failed to unmarshal grant: %w", scanErr)
	}
	return &file, nil
}

// ListAccessibleFiles merges the owner and grantee indexes
func (s *KVStore) ListAccessibleFiles(ctx context.Context, userID string, now time.Time) ([]*File, error) {
	ids := make(map[string]struct{})

	err := s.kv.RawScan(ctx, ownerPrefix(userID), func(key string, _ []byte) bool {
		ids[unesc(strings.TrimPrefix(key, ownerPrefix(userID)))] = struct{}{}
		return true
	})
	if err != nil {
		return nil, err
	}

	var granted []string
	err = s.kv.RawScan(ctx, granteePrefix(userID), func(key string, _ []byte) bool {
		granted = append(granted, unesc(strings.TrimPrefix(key, granteePrefix(userID))))
		return true
	})
	if err != nil {
		return nil, err
	}

	for _, fileID := range granted {
		if _, ok := ids[fileID]; ok {
			continue
		}
		data, err := s.kv.GetRaw(ctx, grantKey(fileID, userID))
		if err == ErrKeyNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		var g Grant
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, fmt.Errorf("failed to unmarshal grant: %w", err)
		}
		if g.IsValidAt(now) {
			ids[fileID] = struct{}{}
		}
	}

	files := make([]*File, 0, len(ids))
	for fileID := range ids {
		file, err := s.GetFile(ctx, fileID)
		if err == ErrFileNotFound {
			s.logger.WithField("file_id", fileID).Warn("Dangling file index entry")
			continue
		}
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].UploadedAt.Equal(files[j].UploadedAt) {
			return files[i].ID < files[j].ID
		}
		return files[i].UploadedAt.After(files[j].UploadedAt)
	})
	return files, nil
}

// UpsertGrants writes every grant and its index in one atomic batch
func (s *KVStore) UpsertGrants(ctx context.Context, fileID string, grants []Grant) error {
	if _, err := s.kv.GetRaw(ctx, fileKey(fileID)); err == ErrKeyNotFound {
		return ErrFileNotFound
	} else if err != nil {
		return err
	}

	sets := make(map[string][]byte, len(grants)*2)
	for _, g := range grants {
		data, err := json.Marshal(g)
		if err != nil {
			return fmt.Errorf("failed to marshal grant: %w", err)
		}
		sets[grantKey(fileID, g.UserID)] = data
		sets[granteeIndex(g.UserID, fileID)] = []byte{}
	}

	if err := s.kv.RawBatch(ctx, sets, nil); err != nil {
		return fmt.Errorf("failed to upsert grants: %w", err)
	}
	return nil
}

// ==================== Share links ====================

// CreateShareLink stores a link unless its id is taken
func (s *KVStore) CreateShareLink(ctx context.Context, link *ShareLink) error {
	data, err := json.Marshal(link)
	if err != nil {
		return fmt.Errorf("failed to marshal share link: %w", err)
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	if _, err := s.kv.GetRaw(ctx, linkKey(link.ShareID)); err == nil {
		return ErrShareIDExists
	} else if err != ErrKeyNotFound {
		return err
	}

	sets := map[string][]byte{
		linkKey(link.ShareID):                    data,
		fileLinkIndex(link.FileID, link.ShareID): {},
	}
	return s.kv.RawBatch(ctx, sets, nil)
}

// GetShareLink loads a link regardless of state
func (s *KVStore) GetShareLink(ctx context.Context, shareID string) (*ShareLink, error) {
	data, err := s.kv.GetRaw(ctx, linkKey(shareID))
	if err == ErrKeyNotFound {
		return nil, ErrShareLinkNotFound
	}
	if err != nil {
		return nil, err
	}

	var link ShareLink
	if err := json.Unmarshal(data, &link); err != nil {
		return nil, fmt.Errorf("failed to unmarshal share link: %w", err)
	}
	return &link, nil
}

// GetActiveShareLink loads a link and filters it against now in the same call
func (s *KVStore) GetActiveShareLink(ctx context.Context, shareID string, now time.Time) (*ShareLink, error) {
	link, err := s.GetShareLink(ctx, shareID)
	if err != nil {
		return nil, err
	}
	if !link.IsUsableAt(now) {
		return nil, ErrShareLinkNotFound
	}
	return link, nil
}

// ListShareLinks lists a file's links, newest first
func (s *KVStore) ListShareLinks(ctx context.Context, fileID string) ([]*ShareLink, error) {
	var shareIDs []string
	err := s.kv.RawScan(ctx, fileLinkPrefix(fileID), func(key string, _ []byte) bool {
		shareIDs = append(shareIDs, unesc(strings.TrimPrefix(key, fileLinkPrefix(fileID))))
		return true
	})
	if err != nil {
		return nil, err
	}

	links := make([]*ShareLink, 0, len(shareIDs))
	for _, shareID := range shareIDs {
		link, err := s.GetShareLink(ctx, shareID)
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}

	sort.Slice(links, func(i, j int) bool {
		return links[i].CreatedAt.After(links[j].CreatedAt)
	})
	return links, nil
}

// SetShareLinkActive rewrites the link with the new activation flag
func (s *KVStore) SetShareLinkActive(ctx context.Context, shareID string, active bool) error {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	link, err := s.GetShareLink(ctx, shareID)
	if err != nil {
		return err
	}
	link.IsActive = active

	data, err := json.Marshal(link)
	if err != nil {
		return fmt.Errorf("failed to marshal share link: %w", err)
	}
	return s.kv.RawBatch(ctx, map[string][]byte{linkKey(shareID): data}, nil)
}

// Close closes the underlying engine
func (s *KVStore) Close() error {
	return s.kv.Close()
}

var _ Store = (*KVStore)(nil)
