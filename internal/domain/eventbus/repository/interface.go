package repository

import (
	"context"
	"time"
)

// AuditRepository persists lifecycle events so switch history survives
// restarts.
type AuditRepository interface {
	Store(ctx context.Context, event Event) error

	// FindRecent returns the newest events, most recent first.
	FindRecent(ctx context.Context, limit int) ([]Event, error)

	// FindByAccountID returns every event touching one account, oldest first.
	FindByAccountID(ctx context.Context, accountID string) ([]Event, error)

	// DeleteBefore prunes events older than the cutoff.
	DeleteBefore(ctx context.Context, cutoff time.Time) error

	// Stats counts stored events per type.
	Stats(ctx context.Context) (map[string]int64, error)
}

// Event is a persisted lifecycle event.
type Event struct {
	ID        string
	EventType string
	AccountID string
	Data      interface{}
	CreatedAt time.Time
}
