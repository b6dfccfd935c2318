package storage

import (
	"errors"
	"regexp"
	"strings"
)

// Common storage errors
var (
	ErrObjectNotFound = errors.New("the specified object does not exist")
	ErrInvalidKey     = errors.New("the specified object key is invalid")
)

// ObjectInfo is what a stored object's sidecar records
type ObjectInfo struct {
	Key          string `json:"key"`
	Size         int64  `json:"size"`
	ContentType  string `json:"content_type"`
	ETag         string `json:"etag"`
	LastModified int64  `json:"last_modified"`
}

var (
	unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)
	dotRuns        = regexp.MustCompile(`\.{2,}`)
)

// SanitizeName reduces an uploaded file name to characters that are safe in
// an object key on every backend
func SanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = unsafeKeyChars.ReplaceAllString(name, "_")
	name = dotRuns.ReplaceAllString(name, ".")
	name = strings.Trim(name, ".")
	if name == "" {
		return "file"
	}
	return name
}

// validateKey rejects keys that could escape the bucket. Dots inside a
// segment are fine; only a whole ".." segment is a traversal.
func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return ErrInvalidKey
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "." || segment == ".." {
			return ErrInvalidKey
		}
	}
	return nil
}
