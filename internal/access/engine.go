package access

import (
	"context"
	"errors"
	"time"

	"github.com/sharebox/sharebox/internal/apperr"
	"github.com/sharebox/sharebox/internal/metadata"
	"github.com/sharebox/sharebox/internal/metrics"
	"github.com/sirupsen/logrus"
)

// SignedURLTTL is the lifetime of every minted retrieval URL. It is always
// shorter than any grant or link it was minted under.
const SignedURLTTL = 900 * time.Second

// FileLookup resolves files with their grants
type FileLookup interface {
	GetFile(ctx context.Context, fileID string) (*metadata.File, error)
}

// LinkResolver returns a share link only while it is usable
type LinkResolver interface {
	ResolveActiveLink(ctx context.Context, shareID string) (*metadata.ShareLink, error)
}

// URLSigner mints short-lived retrieval URLs for stored objects
type URLSigner interface {
	SignedGetURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Engine decides whether a requester may retrieve a file and, if so, mints
// a fresh signed URL. It keeps no state between requests and never retries.
type Engine struct {
	files   FileLookup
	links   LinkResolver
	signer  URLSigner
	metrics *metrics.Manager
	logger  *logrus.Logger
	now     func() time.Time
}

// NewEngine creates an access decision engine. metrics may be nil.
func NewEngine(files FileLookup, links LinkResolver, signer URLSigner, m *metrics.Manager, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		files:   files,
		links:   links,
		signer:  signer,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock replaces the time source used for grant expiry checks
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Resolve dispatches to exactly one decision path. For a share-link context
// fileID may be empty; if set it must name the linked file.
func (e *Engine) Resolve(ctx context.Context, authz AuthorizationContext, fileID string) (string, error) {
	switch {
	case authz.userID != "" && authz.shareID == "":
		return e.ResolveForUser(ctx, fileID, authz.userID)
	case authz.shareID != "" && authz.userID == "":
		return e.resolveLink(ctx, authz.shareID, fileID)
	default:
		return "", apperr.InvalidArgument("invalid authorization context")
	}
}

// ResolveForUser decides access for an authenticated user. The owner is
// always allowed; anyone else needs a grant that has not expired now.
// Denials carry the specific reason since the caller is identified.
func (e *Engine) ResolveForUser(ctx context.Context, fileID, userID string) (string, error) {
	if userID == "" {
		return "", apperr.InvalidArgument("user is required")
	}

	file, err := e.files.GetFile(ctx, fileID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			e.deny(metrics.PathUser, "not_found", logrus.Fields{"file_id": fileID, "user_id": userID})
		} else {
			e.metrics.RecordAccessDecision(metrics.PathUser, metrics.OutcomeError, "lookup_failed")
		}
		return "", err
	}

	var reason string
	if file.IsOwner(userID) {
		reason = "owner"
	} else {
		grant, ok := file.FindGrant(userID)
		switch {
		case !ok:
			e.deny(metrics.PathUser, "no_grant", logrus.Fields{"file_id": fileID, "user_id": userID})
			return "", apperr.ErrForbidden
		case !grant.IsValidAt(e.now()):
			e.deny(metrics.PathUser, "grant_expired", logrus.Fields{"file_id": fileID, "user_id": userID})
			return "", apperr.ErrForbidden
		}
		reason = "grant"
	}

	return e.mint(ctx, metrics.PathUser, reason, file)
}

// ResolveForLink decides access for an anonymous share-link holder. The
// link is the sole credential: once it resolves, access is allowed without
// any ownership or grant check. Every denial is the same ExpiredOrInvalid
// error; the specific reason is only logged and counted.
func (e *Engine) ResolveForLink(ctx context.Context, shareID string) (string, error) {
	return e.resolveLink(ctx, shareID, "")
}

func (e *Engine) resolveLink(ctx context.Context, shareID, expectFileID string) (string, error) {
	link, err := e.links.ResolveActiveLink(ctx, shareID)
	if err != nil {
		reason := "invalid_link"
		if !errors.Is(err, apperr.ErrExpiredOrInvalid) {
			reason = "lookup_failed"
			e.logger.WithError(err).Error("Share link lookup failed")
		}
		e.deny(metrics.PathLink, reason, logrus.Fields{})
		return "", apperr.ErrExpiredOrInvalid
	}

	if expectFileID != "" && expectFileID != link.FileID {
		e.deny(metrics.PathLink, "file_mismatch", logrus.Fields{"file_id": expectFileID})
		return "", apperr.ErrExpiredOrInvalid
	}

	file, err := e.files.GetFile(ctx, link.FileID)
	if err != nil {
		reason := "file_missing"
		if !errors.Is(err, apperr.ErrNotFound) {
			reason = "lookup_failed"
			e.logger.WithError(err).Error("Linked file lookup failed")
		}
		e.deny(metrics.PathLink, reason, logrus.Fields{"file_id": link.FileID})
		return "", apperr.ErrExpiredOrInvalid
	}

	return e.mint(ctx, metrics.PathLink, "active_link", file)
}

// mint requests a fresh URL for an allowed file. Nothing is cached.
func (e *Engine) mint(ctx context.Context, path, reason string, file *metadata.File) (string, error) {
	url, err := e.signer.SignedGetURL(ctx, file.StorageKey, SignedURLTTL)
	if err != nil {
		e.metrics.RecordAccessDecision(path, metrics.OutcomeError, "sign_failed")
		e.logger.WithFields(logrus.Fields{
			"path":    path,
			"file_id": file.ID,
			"error":   err,
		}).Error("Failed to mint signed URL")

		if apperr.CodeOf(err) != apperr.CodeStore {
			err = apperr.Store("failed to sign URL", err)
		}
		return "", err
	}

	e.metrics.RecordAccessDecision(path, metrics.OutcomeAllow, reason)
	e.logger.WithFields(logrus.Fields{
		"path":    path,
		"file_id": file.ID,
		"reason":  reason,
	}).Debug("Access allowed")
	return url, nil
}

func (e *Engine) deny(path, reason string, fields logrus.Fields) {
	e.metrics.RecordAccessDecision(path, metrics.OutcomeDeny, reason)
	fields["path"] = path
	fields["reason"] = reason
	e.logger.WithFields(fields).Info("Access denied")
}
