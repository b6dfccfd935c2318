package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite. Grants are normalized into a
// file_grants table keyed by (file_id, user_id).
type SQLiteStore struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewSQLiteStoreAt opens (or creates) the metadata database under dataDir
func NewSQLiteStoreAt(dataDir string, logger *logrus.Logger) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataDir, "db", "sharebox.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	store, err := NewSQLiteStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.WithField("db_path", dbPath).Info("SQLite metadata store initialized")
	return store, nil
}

// NewSQLiteStore creates a new SQLite store on an already opened database
func NewSQLiteStore(db *sql.DB, logger *logrus.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	store := &SQLiteStore{db: db, logger: logger}
	if err := store.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize metadata schema: %w", err)
	}
	return store, nil
}

// initialize creates the files, file_grants and share_links tables
func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		storage_key TEXT NOT NULL UNIQUE,
		file_name TEXT NOT NULL,
		file_type TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		uploaded_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_files_owner ON files(owner_id);
	CREATE INDEX IF NOT EXISTS idx_files_uploaded_at ON files(uploaded_at DESC);

	CREATE TABLE IF NOT EXISTS file_grants (
		file_id TEXT NOT NULL REFERENCES files(id),
		user_id TEXT NOT NULL,
		expires_at INTEGER,
		granted_at INTEGER NOT NULL,
		PRIMARY KEY (file_id, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_file_grants_user ON file_grants(user_id);

	CREATE TABLE IF NOT EXISTS share_links (
		share_id TEXT PRIMARY KEY,
		file_id TEXT NOT NULL REFERENCES files(id),
		created_by TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_share_links_file ON share_links(file_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateFile inserts a new file row
func (s *SQLiteStore) CreateFile(ctx context.Context, file *File) error {
	query := `
		INSERT INTO files (id, owner_id, storage_key, file_name, file_type, file_size, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		file.ID,
		file.OwnerID,
		file.StorageKey,
		file.FileName,
		file.FileType,
		file.FileSize,
		file.UploadedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) && strings.Contains(err.Error(), "storage_key") {
			return ErrStorageKeyExists
		}
		return fmt.Errorf("failed to insert file: %w", err)
	}
	return nil
}

// GetFile retrieves a file and its grants by ID
func (s *SQLiteStore) GetFile(ctx context.Context, fileID string) (*File, error) {
	query := `
		SELECT id, owner_id, storage_key, file_name, file_type, file_size, uploaded_at
		FROM files
		WHERE id = ?
	`

	file, err := s.scanFile(s.db.QueryRowContext(ctx, query, fileID))
	if err != nil {
		return nil, err
	}

	if file.Grants, err = s.loadGrants(ctx, file.ID); err != nil {
		return nil, err
	}
	return file, nil
}

// ListAccessibleFiles lists owned files and files with a grant valid at now
func (s *SQLiteStore) ListAccessibleFiles(ctx context.Context, userID string, now time.Time) ([]*File, error) {
	query := `
		SELECT f.id, f.owner_id, f.storage_key, f.file_name, f.file_type, f.file_size, f.uploaded_at
		FROM files f
		WHERE f.owner_id = ?
		OR EXISTS (
			SELECT 1 FROM file_grants g
			WHERE g.file_id = f.id AND g.user_id = ?
			AND (g.expires_at IS NULL OR g.expires_at > ?)
		)
		ORDER BY f.uploaded_at DESC, f.id
	`

	rows, err := s.db.QueryContext(ctx, query, userID, userID, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	var files []*File
	for rows.Next() {
		file, err := s.scanFile(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, file := range files {
		if file.Grants, err = s.loadGrants(ctx, file.ID); err != nil {
			return nil, err
		}
	}
	return files, nil
}

// UpsertGrants inserts or replaces grants in a single transaction
func (s *SQLiteStore) UpsertGrants(ctx context.Context, fileID string, grants []Grant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM files WHERE id = ?`, fileID).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrFileNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check file: %w", err)
	}

	query := `
		INSERT INTO file_grants (file_id, user_id, expires_at, granted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(file_id, user_id) DO UPDATE SET
			expires_at = excluded.expires_at,
			granted_at = excluded.granted_at
	`
	for _, g := range grants {
		if _, err := tx.ExecContext(ctx, query, fileID, g.UserID, nullableMillis(g.ExpiresAt), g.GrantedAt.UnixMilli()); err != nil {
			return fmt.Errorf("failed to upsert grant for %s: %w", g.UserID, err)
		}
	}

	return tx.Commit()
}

// CreateShareLink inserts a new share link
func (s *SQLiteStore) CreateShareLink(ctx context.Context, link *ShareLink) error {
	query := `
		INSERT INTO share_links (share_id, file_id, created_by, expires_at, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		link.ShareID,
		link.FileID,
		link.CreatedBy,
		link.ExpiresAt.UnixMilli(),
		link.IsActive,
		link.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrShareIDExists
		}
		return fmt.Errorf("failed to insert share link: %w", err)
	}
	return nil
}

// GetShareLink retrieves a share link by its token
func (s *SQLiteStore) GetShareLink(ctx context.Context, shareID string) (*ShareLink, error) {
	query := `
		SELECT share_id, file_id, created_by, expires_at, is_active, created_at
		FROM share_links
		WHERE share_id = ?
	`
	return s.scanShareLink(s.db.QueryRowContext(ctx, query, shareID))
}

// GetActiveShareLink retrieves a share link only if active and unexpired at now
func (s *SQLiteStore) GetActiveShareLink(ctx context.Context, shareID string, now time.Time) (*ShareLink, error) {
	query := `
		SELECT share_id, file_id, created_by, expires_at, is_active, created_at
		FROM share_links
		WHERE share_id = ?
		AND is_active = 1
		AND expires_at > ?
	`
	return s.scanShareLink(s.db.QueryRowContext(ctx, query, shareID, now.UnixMilli()))
}

// ListShareLinks lists all share links of a file
func (s *SQLiteStore) ListShareLinks(ctx context.Context, fileID string) ([]*ShareLink, error) {
	query := `
		SELECT share_id, file_id, created_by, expires_at, is_active, created_at
		FROM share_links
		WHERE file_id = ?
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []*ShareLink
	for rows.Next() {
		link, err := s.scanShareLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// SetShareLinkActive updates the activation flag of a share link
func (s *SQLiteStore) SetShareLinkActive(ctx context.Context, shareID string, active bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE share_links SET is_active = ? WHERE share_id = ?`, active, shareID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrShareLinkNotFound
	}
	return nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) loadGrants(ctx context.Context, fileID string) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, expires_at, granted_at
		FROM file_grants
		WHERE file_id = ?
		ORDER BY user_id
	`, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load grants: %w", err)
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		var g Grant
		var expiresAt sql.NullInt64
		var grantedAt int64
		if err := rows.Scan(&g.UserID, &expiresAt, &grantedAt); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		g.GrantedAt = time.UnixMilli(grantedAt).UTC()
		if expiresAt.Valid {
			expiry := time.UnixMilli(expiresAt.Int64).UTC()
			g.ExpiresAt = &expiry
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLiteStore) scanFile(scanner rowScanner) (*File, error) {
	var file File
	var uploadedAt int64

	err := scanner.Scan(
		&file.ID,
		&file.OwnerID,
		&file.StorageKey,
		&file.FileName,
		&file.FileType,
		&file.FileSize,
		&uploadedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to scan file: %w", err)
	}

	file.UploadedAt = time.UnixMilli(uploadedAt).UTC()
	return &file, nil
}

func (s *SQLiteStore) scanShareLink(scanner rowScanner) (*ShareLink, error) {
	var link ShareLink
	var expiresAt, createdAt int64

	err := scanner.Scan(
		&link.ShareID,
		&link.FileID,
		&link.CreatedBy,
		&expiresAt,
		&link.IsActive,
		&createdAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrShareLinkNotFound
		}
		return nil, fmt.Errorf("failed to scan share link: %w", err)
	}

	link.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	link.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &link, nil
}

func nullableMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ Store = (*SQLiteStore)(nil)
