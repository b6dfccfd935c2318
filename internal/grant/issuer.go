package grant

import (
	"context"
	"strings"
	"time"

	"github.com/sharebox/sharebox/internal/metadata"
	"github.com/sharebox/sharebox/internal/metrics"
	"github.com/sirupsen/logrus"
)

// GrantWriter applies per-user grants after checking ownership
type GrantWriter interface {
	AddGrants(ctx context.Context, fileID, requestingUserID string, targetUserIDs []string, expiresAt *time.Time) error
}

// LinkIssuer creates share links after checking ownership
type LinkIssuer interface {
	CreateLink(ctx context.Context, fileID, requestingUserID string, ttlHours float64) (*metadata.ShareLink, error)
}

// Issuer hands out access to a file on behalf of its owner. The ownership
// checks live in the registries it delegates to.
type Issuer struct {
	files   GrantWriter
	links   LinkIssuer
	metrics *metrics.Manager
	logger  *logrus.Logger
}

// NewIssuer creates a grant issuer. metrics may be nil.
func NewIssuer(files GrantWriter, links LinkIssuer, m *metrics.Manager, logger *logrus.Logger) *Issuer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Issuer{
		files:   files,
		links:   links,
		metrics: m,
		logger:  logger,
	}
}

// ShareWithUsers grants each target read access until expiresAt, or
// permanently when expiresAt is nil. An expiry in the past is stored as
// given, which ends any earlier grant for those users.
func (i *Issuer) ShareWithUsers(ctx context.Context, fileID, ownerID string, targetUserIDs []string, expiresAt *time.Time) error {
	if err := i.files.AddGrants(ctx, fileID, ownerID, targetUserIDs, expiresAt); err != nil {
		i.logger.WithFields(logrus.Fields{
			"file_id":  fileID,
			"owner_id": ownerID,
			"error":    err,
		}).Warn("Share with users rejected")
		return err
	}

	i.metrics.RecordGrantIssued(metrics.GrantKindUser, countTargets(targetUserIDs, ownerID))
	return nil
}

// CreateShareLink issues a public link to fileID valid for ttlHours
func (i *Issuer) CreateShareLink(ctx context.Context, fileID, ownerID string, ttlHours float64) (*metadata.ShareLink, error) {
	link, err := i.links.CreateLink(ctx, fileID, ownerID, ttlHours)
	if err != nil {
		i.logger.WithFields(logrus.Fields{
			"file_id":   fileID,
			"owner_id":  ownerID,
			"ttl_hours": ttlHours,
			"error":     err,
		}).Warn("Share link creation rejected")
		return nil, err
	}

	i.metrics.RecordGrantIssued(metrics.GrantKindLink, 1)
	return link, nil
}

func countTargets(ids []string, ownerID string) int {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" && id != ownerID {
			seen[id] = struct{}{}
		}
	}
	return len(seen)
}
