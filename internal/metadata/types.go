package metadata

import "time"

// File represents an uploaded file and the users it has been shared with
type File struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	StorageKey string    `json:"storage_key"`
	FileName   string    `json:"file_name"`
	FileType   string    `json:"file_type"`
	FileSize   int64     `json:"file_size"`
	UploadedAt time.Time `json:"uploaded_at"`

	// Grants never contains the owner; ownership is checked separately.
	Grants []Grant `json:"grants,omitempty"`
}

// Grant authorizes one user to read one file, optionally until ExpiresAt
type Grant struct {
	UserID    string     `json:"user_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"` // nil = permanent
	GrantedAt time.Time  `json:"granted_at"`
}

// ShareLink is a bearer credential granting read access to exactly one file
type ShareLink struct {
	ShareID   string    `json:"share_id"`
	FileID    string    `json:"file_id"`
	CreatedBy string    `json:"created_by"`
	ExpiresAt time.Time `json:"expires_at"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// IsValidAt reports whether the grant is still in force at now
func (g Grant) IsValidAt(now time.Time) bool {
	return g.ExpiresAt == nil || g.ExpiresAt.After(now)
}

// IsOwner reports whether userID owns the file
func (f *File) IsOwner(userID string) bool {
	return userID != "" && f.OwnerID == userID
}

// FindGrant returns the grant held by userID, if any
func (f *File) FindGrant(userID string) (Grant, bool) {
	for _, g := range f.Grants {
		if g.UserID == userID {
			return g, true
		}
	}
	return Grant{}, false
}

// IsUsableAt reports whether the link is active and unexpired at now
func (l *ShareLink) IsUsableAt(now time.Time) bool {
	return l.IsActive && l.ExpiresAt.After(now)
}
