package store

import "context"

// Store persists run history. Implementations must be safe for concurrent use.
type Store interface {
	// Runs
	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Events (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
