package audit

import (
	"context"
	"errors"
	"time"

	"github.com/connectica/enrichd/internal/domain/entity"
)

var (
	// ErrNotFound is returned when an entry ID does not exist.
	ErrNotFound = errors.New("audit entry not found")
	// ErrAlreadyCompleted is returned when a completion is attempted on an
	// entry that already reached a terminal status.
	ErrAlreadyCompleted = errors.New("audit entry already completed")
)

// Completion carries the terminal result reported by a runner.
type Completion struct {
	ExecutionTimeMS int64
	ColumnsAffected []string
	MetadataPatch   map[string]string
	ErrorMessage    string
}

// Store persists audit entries. The implementation owns transactional
// guarantees; the interface only promises pending -> terminal exactly once.
type Store interface {
	// CreateAttempt records a new pending entry with StartedAt = now.
	CreateAttempt(ctx context.Context, ref entity.Ref, serviceName, operationType string, metadata map[string]string) (*Entry, error)

	// CompleteSuccess transitions a pending entry to success. The metadata
	// patch merges into the existing map, adding or replacing keys only.
	CompleteSuccess(ctx context.Context, entryID int64, result Completion) error

	// CompleteFailure transitions a pending entry to failed.
	CompleteFailure(ctx context.Context, entryID int64, result Completion) error

	// CompleteRateLimited transitions a pending entry to rate_limited. Rows
	// in this state count against vendor quota and drive the cooldown rule.
	CompleteRateLimited(ctx context.Context, entryID int64, result Completion) error

	// Get fetches a single entry.
	Get(ctx context.Context, entryID int64) (*Entry, error)

	// LatestEntry returns the most recent entry for (entity, service), or
	// nil when none exists.
	LatestEntry(ctx context.Context, ref entity.Ref, serviceName string) (*Entry, error)

	// LatestEntries batch-resolves LatestEntry for many entities at once.
	LatestEntries(ctx context.Context, refs []entity.Ref, serviceName string) (map[entity.Ref]*Entry, error)

	// RecentSuccess reports whether (entity, service) has a success entry
	// completed within the given window.
	RecentSuccess(ctx context.Context, ref entity.Ref, serviceName string, within time.Duration) (bool, error)

	// CountByStatusSince counts entries for a service in the given statuses
	// whose completed_at falls after the cutoff. Backs quota derivation.
	CountByStatusSince(ctx context.Context, serviceName string, statuses []Status, since time.Time) (int64, error)

	// LastRateLimitedAt returns the completion time of the most recent
	// rate_limited entry for a service, or nil when none exists.
	LastRateLimitedAt(ctx context.Context, serviceName string) (*time.Time, error)

	// CountCompleted counts success entries for a service, optionally
	// restricted to one entity kind.
	CountCompleted(ctx context.Context, serviceName string, kind entity.Kind) (int64, error)

	// CleanupOldLogs deletes terminal entries older than the cutoff and
	// returns how many were removed.
	CleanupOldLogs(ctx context.Context, olderThan time.Time) (int64, error)
}
