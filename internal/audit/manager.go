package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Manager records login audit events. A nil store disables auditing.
type Manager struct {
	store  Store
	logger *logrus.Logger
	now    func() time.Time
}

// NewManager creates a new audit manager
func NewManager(store Store, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock replaces the time source
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Record stores one attempt. Failures are logged, never returned, so a
// broken audit log cannot block a login.
func (m *Manager) Record(ctx context.Context, email, action, status string) {
	if m == nil || m.store == nil {
		return
	}
	if email == "" || action == "" || status == "" {
		m.logger.Warn("Login event missing required fields")
		return
	}

	event := &LoginEvent{
		Email:     email,
		Action:    action,
		Status:    status,
		Timestamp: m.now().UTC(),
	}
	if err := m.store.LogEvent(ctx, event); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"email":  email,
			"action": action,
			"status": status,
		}).Error("Failed to log login event")
		return
	}

	m.logger.WithFields(logrus.Fields{
		"email":  email,
		"action": action,
		"status": status,
	}).Debug("Login event logged")
}

// GetEvents retrieves events with filters, newest first
func (m *Manager) GetEvents(ctx context.Context, filters *Filters) ([]*LoginEvent, int, error) {
	if m == nil || m.store == nil {
		return nil, 0, nil
	}
	if filters == nil {
		filters = &Filters{}
	}

	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 {
		filters.PageSize = 50
	}
	if filters.PageSize > 100 {
		filters.PageSize = 100
	}

	events, total, err := m.store.GetEvents(ctx, filters)
	if err != nil {
		m.logger.WithError(err).Error("Failed to retrieve login events")
		return nil, 0, err
	}
	return events, total, nil
}

// PurgeEvents deletes events older than the given number of days
func (m *Manager) PurgeEvents(ctx context.Context, olderThanDays int) (int, error) {
	if m == nil || m.store == nil || olderThanDays <= 0 {
		return 0, nil
	}

	count, err := m.store.PurgeEvents(ctx, m.now().AddDate(0, 0, -olderThanDays))
	if err != nil {
		m.logger.WithError(err).WithField("retention_days", olderThanDays).Error("Failed to purge old login events")
		return 0, err
	}

	m.logger.WithFields(logrus.Fields{
		"deleted_count":  count,
		"retention_days": olderThanDays,
	}).Info("Purged old login events")
	return count, nil
}

// StartRetentionJob purges old events once a day until ctx is done
func (m *Manager) StartRetentionJob(ctx context.Context, retentionDays int) {
	if m == nil || m.store == nil || retentionDays <= 0 {
		return
	}

	m.logger.WithField("retention_days", retentionDays).Info("Starting login audit retention job")

	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		m.PurgeEvents(ctx, retentionDays) //nolint:errcheck
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.PurgeEvents(ctx, retentionDays) //nolint:errcheck
			}
		}
	}()
}

// Close closes the underlying store
func (m *Manager) Close() error {
	if m == nil || m.store == nil {
		return nil
	}
	return m.store.Close()
}
