package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/connectica/enrichd/internal/domain/audit"
	"github.com/connectica/enrichd/internal/domain/entity"
	"github.com/connectica/enrichd/internal/telemetry"
)

// Runner begins external work for one entity. Run should hand the work to
// the vendor/worker and return quickly; the eventual outcome arrives through
// the Report* callbacks, not the return value.
type Runner interface {
	Run(ctx context.Context, entry *audit.Entry) error
}

// StatsInvalidator drops cached stats snapshots so operators see queue
// growth in near-real-time.
type StatsInvalidator interface {
	InvalidateStats(serviceName string)
}

// Result reports what a dispatch call actually started.
type Result struct {
	QueuedEntityIDs []int64
	EntryIDs        []int64
	FailedCount     int
}

// Dispatcher creates the pending audit trail for admitted work and hands
// each entity to its service runner.
type Dispatcher struct {
	store       audit.Store
	logger      *zap.Logger
	invalidator StatsInvalidator

	mu       sync.RWMutex
	runners  map[string]Runner
	breakers map[string]*gobreaker.CircuitBreaker
	limiter  *rate.Limiter
}

func NewDispatcher(store audit.Store, logger *zap.Logger, ratePerSecond int) *Dispatcher {
	if ratePerSecond <= 0 {
		ratePerSecond = 20
	}
	return &Dispatcher{
		store:    store,
		logger:   logger.Named("dispatch"),
		runners:  make(map[string]Runner),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		limiter:  rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond),
	}
}

// SetInvalidator wires the stats cache invalidation hook. Optional.
func (d *Dispatcher) SetInvalidator(inv StatsInvalidator) {
	d.invalidator = inv
}

// Register binds a runner to a service name. A breaker guards each runner
// so a misbehaving vendor integration stops receiving hand-offs quickly.
func (d *Dispatcher) Register(serviceName string, runner Runner) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runners[serviceName] = runner
	d.breakers[serviceName] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "runner-" + serviceName,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && counts.TotalFailures >= 5
		},
	})
}

func (d *Dispatcher) runner(serviceName string) (Runner, *gobreaker.CircuitBreaker, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.runners[serviceName]
	if !ok {
		return nil, nil, false
	}
	return r, d.breakers[serviceName], true
}

// Dispatch creates a pending entry per entity and forwards it to the
// registered runner. Launch failures are persisted as failed entries, never
// raised: once the pending row exists, the audit trail is the record.
func (d *Dispatcher) Dispatch(ctx context.Context, serviceName, operationType string, refs []entity.Ref) (Result, error) {
	runner, breaker, ok := d.runner(serviceName)
	if !ok {
		return Result{}, fmt.Errorf("no runner registered for service %s", serviceName)
	}

	var result Result
	for _, ref := range refs {
		entry, err := d.store.CreateAttempt(ctx, ref, serviceName, operationType, nil)
		if err != nil {
			// No pending row was written; this failure is the caller's.
			return result, fmt.Errorf("create attempt for %s: %w", ref, err)
		}
		result.EntryIDs = append(result.EntryIDs, entry.ID)

		if err := d.limiter.Wait(ctx); err != nil {
			d.recordLaunchFailure(ctx, entry, err)
			result.FailedCount++
			continue
		}

		_, err = breaker.Execute(func() (any, error) {
			return nil, runner.Run(ctx, entry)
		})
		if err != nil {
			d.recordLaunchFailure(ctx, entry, err)
			result.FailedCount++
			continue
		}

		result.QueuedEntityIDs = append(result.QueuedEntityIDs, ref.ID)
		telemetry.DispatchedEntities.WithLabelValues(serviceName).Inc()
	}

	d.logger.Info("batch_dispatched",
		zap.String("service", serviceName),
		zap.Int("queued", len(result.QueuedEntityIDs)),
		zap.Int("failed", result.FailedCount),
	)

	if d.invalidator != nil {
		d.invalidator.InvalidateStats(serviceName)
	}
	return result, nil
}

func (d *Dispatcher) recordLaunchFailure(ctx context.Context, entry *audit.Entry, cause error) {
	err := d.store.CompleteFailure(ctx, entry.ID, audit.Completion{
		ErrorMessage: cause.Error(),
	})
	if err != nil {
		d.logger.Error("launch_failure_record_failed",
			zap.Error(err),
			zap.Int64("entry_id", entry.ID),
		)
	}
	telemetry.Completions.WithLabelValues(entry.ServiceName, string(audit.StatusFailed)).Inc()
}

// ReportStarted is an optional runner callback for symmetry; the entry is
// already pending, so it only logs.
func (d *Dispatcher) ReportStarted(ctx context.Context, entryID int64) error {
	entry, err := d.store.Get(ctx, entryID)
	if err != nil {
		return err
	}
	d.logger.Debug("runner_started",
		zap.Int64("entry_id", entry.ID),
		zap.String("service", entry.ServiceName),
	)
	return nil
}

// ReportSuccess transitions the entry to success.
func (d *Dispatcher) ReportSuccess(ctx context.Context, entryID int64, executionTimeMS int64, columnsAffected []string, metadata map[string]string) error {
	err := d.store.CompleteSuccess(ctx, entryID, audit.Completion{
		ExecutionTimeMS: executionTimeMS,
		ColumnsAffected: columnsAffected,
		MetadataPatch:   metadata,
	})
	if err != nil {
		return err
	}
	d.afterCompletion(ctx, entryID, audit.StatusSuccess)
	return nil
}

// ReportFailure transitions the entry to failed.
func (d *Dispatcher) ReportFailure(ctx context.Context, entryID int64, errorMessage string, metadata map[string]string) error {
	err := d.store.CompleteFailure(ctx, entryID, audit.Completion{
		ErrorMessage:  errorMessage,
		MetadataPatch: metadata,
	})
	if err != nil {
		return err
	}
	d.afterCompletion(ctx, entryID, audit.StatusFailed)
	return nil
}

// ReportRateLimited transitions the entry to rate_limited, which feeds both
// quota accounting and the admission cooldown rule.
func (d *Dispatcher) ReportRateLimited(ctx context.Context, entryID int64, errorMessage string, metadata map[string]string) error {
	err := d.store.CompleteRateLimited(ctx, entryID, audit.Completion{
		ErrorMessage:  errorMessage,
		MetadataPatch: metadata,
	})
	if err != nil {
		return err
	}
	d.afterCompletion(ctx, entryID, audit.StatusRateLimited)
	return nil
}

func (d *Dispatcher) afterCompletion(ctx context.Context, entryID int64, status audit.Status) {
	entry, err := d.store.Get(ctx, entryID)
	if err != nil {
		d.logger.Warn("completion_lookup_failed", zap.Error(err), zap.Int64("entry_id", entryID))
		return
	}
	telemetry.Completions.WithLabelValues(entry.ServiceName, string(status)).Inc()
	if d.invalidator != nil {
		d.invalidator.InvalidateStats(entry.ServiceName)
	}
}
