package audit

import (
	"context"
	"time"
)

// Actions
const (
	ActionLogin    = "LOGIN"
	ActionRegister = "REGISTER"
)

// Status
const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
)

// LoginEvent is one recorded register or login attempt
type LoginEvent struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Action    string    `json:"action"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Filters for querying events
type Filters struct {
	Email    string    // Filter by email
	Action   string    // Filter by action
	Status   string    // Filter by status
	Since    time.Time // Inclusive lower bound, zero = unbounded
	Page     int       // Page number (1-based)
	PageSize int       // Results per page
}

// Store defines the interface for login audit storage
type Store interface {
	// LogEvent records an event
	LogEvent(ctx context.Context, event *LoginEvent) error

	// GetEvents returns matching events newest first, plus the total match count
	GetEvents(ctx context.Context, filters *Filters) ([]*LoginEvent, int, error)

	// PurgeEvents deletes events recorded before cutoff
	PurgeEvents(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}
