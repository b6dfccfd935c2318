package access

import "github.com/sharebox/sharebox/internal/apperr"

// AuthorizationContext identifies who is asking for a file: either an
// authenticated user or the holder of a share link, never both.
type AuthorizationContext struct {
	userID  string
	shareID string
}

// NewAuthorizationContext builds a context from exactly one of userID and shareID
func NewAuthorizationContext(userID, shareID string) (AuthorizationContext, error) {
	switch {
	case userID != "" && shareID != "":
		return AuthorizationContext{}, apperr.InvalidArgument("a request cannot carry both a user and a share link")
	case userID == "" && shareID == "":
		return AuthorizationContext{}, apperr.InvalidArgument("a request must carry a user or a share link")
	}
	return AuthorizationContext{userID: userID, shareID: shareID}, nil
}

// ForUser builds a context for an authenticated user
func ForUser(userID string) (AuthorizationContext, error) {
	if userID == "" {
		return AuthorizationContext{}, apperr.InvalidArgument("user is required")
	}
	return AuthorizationContext{userID: userID}, nil
}

// ForShareLink builds a context for an anonymous link holder
func ForShareLink(shareID string) (AuthorizationContext, error) {
	if shareID == "" {
		return AuthorizationContext{}, apperr.InvalidArgument("share link is required")
	}
	return AuthorizationContext{shareID: shareID}, nil
}

// UserID returns the authenticated user, empty for link holders
func (c AuthorizationContext) UserID() string {
	return c.userID
}

// ShareID returns the presented share id, empty for authenticated users
func (c AuthorizationContext) ShareID() string {
	return c.shareID
}

// IsAnonymous reports whether the request is a share-link request
func (c AuthorizationContext) IsAnonymous() bool {
	return c.shareID != ""
}
