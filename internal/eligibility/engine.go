package eligibility

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/connectica/enrichd/internal/domain/audit"
	"github.com/connectica/enrichd/internal/domain/entity"
	"github.com/connectica/enrichd/internal/domain/serviceconfig"
)

// DefaultDebounceWindow is the grace period during which an in-flight
// pending attempt suppresses re-queueing.
const DefaultDebounceWindow = 10 * time.Minute

// Engine computes which entities are stale for a service right now.
type Engine struct {
	registry       *serviceconfig.Registry
	store          audit.Store
	logger         *zap.Logger
	debounceWindow time.Duration
}

func NewEngine(registry *serviceconfig.Registry, store audit.Store, logger *zap.Logger) *Engine {
	return &Engine{
		registry:       registry,
		store:          store,
		logger:         logger.Named("eligibility.engine"),
		debounceWindow: DefaultDebounceWindow,
	}
}

// WithDebounceWindow overrides the default in-flight grace period.
func (e *Engine) WithDebounceWindow(window time.Duration) *Engine {
	if window > 0 {
		e.debounceWindow = window
	}
	return e
}

// Eligible returns the refs from candidates that should be (re)processed by
// the service now. Unknown or inactive services yield an empty set; the
// engine fails closed rather than open.
//
// Ordering is deterministic: sort key descending, then entity ID ascending.
func (e *Engine) Eligible(ctx context.Context, serviceName string, candidates []entity.Candidate) ([]entity.Ref, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	descriptor, err := e.registry.Lookup(serviceName)
	if err != nil {
		if errors.Is(err, serviceconfig.ErrUnknownService) {
			return nil, nil
		}
		return nil, err
	}
	if !descriptor.Active {
		return nil, nil
	}

	remaining := candidates
	if len(descriptor.DependsOn) > 0 {
		remaining, err = e.filterByDependencies(ctx, descriptor, remaining)
		if err != nil {
			return nil, err
		}
		if len(remaining) == 0 {
			return nil, nil
		}
	}

	refs := make([]entity.Ref, 0, len(remaining))
	for _, c := range remaining {
		refs = append(refs, c.Ref)
	}

	latest, err := e.store.LatestEntries(ctx, refs, serviceName)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	eligible := make([]entity.Candidate, 0, len(remaining))
	for _, c := range remaining {
		if e.isStale(descriptor, latest[c.Ref], now) {
			eligible = append(eligible, c)
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].SortKey != eligible[j].SortKey {
			return eligible[i].SortKey > eligible[j].SortKey
		}
		if eligible[i].Ref.Kind != eligible[j].Ref.Kind {
			return eligible[i].Ref.Kind < eligible[j].Ref.Kind
		}
		return eligible[i].Ref.ID < eligible[j].Ref.ID
	})

	out := make([]entity.Ref, 0, len(eligible))
	for _, c := range eligible {
		out = append(out, c.Ref)
	}
	return out, nil
}

// isStale applies the per-entity staleness rules against the most recent
// audit entry, or nil when the entity has never been attempted.
func (e *Engine) isStale(d serviceconfig.Descriptor, last *audit.Entry, now time.Time) bool {
	if last == nil {
		return true
	}

	switch last.Status {
	case audit.StatusSuccess:
		if last.CompletedAt == nil {
			return true
		}
		return now.Sub(*last.CompletedAt) >= d.RefreshInterval
	case audit.StatusPending:
		// A fresh pending entry is in flight; an old one is presumed
		// abandoned and not trusted.
		return now.Sub(last.StartedAt) >= e.debounceWindow
	case audit.StatusFailed, audit.StatusRateLimited:
		if d.FailureBackoff <= 0 {
			return true
		}
		if last.CompletedAt == nil {
			return true
		}
		return now.Sub(*last.CompletedAt) >= d.FailureBackoff
	default:
		e.logger.Warn("unknown_audit_status",
			zap.String("service", d.ServiceName),
			zap.String("status", string(last.Status)),
		)
		return false
	}
}

// filterByDependencies drops candidates lacking a recent success for every
// dependency service, judged against each dependency's own refresh interval.
func (e *Engine) filterByDependencies(ctx context.Context, d serviceconfig.Descriptor, candidates []entity.Candidate) ([]entity.Candidate, error) {
	refs := make([]entity.Ref, 0, len(candidates))
	for _, c := range candidates {
		refs = append(refs, c.Ref)
	}

	satisfied := make(map[entity.Ref]int, len(refs))
	now := time.Now().UTC()

	for _, dep := range d.DependsOn {
		depDescriptor, err := e.registry.Lookup(dep)
		if err != nil {
			// A dependency without configuration can never be satisfied.
			return nil, nil
		}

		latest, err := e.store.LatestEntries(ctx, refs, dep)
		if err != nil {
			return nil, err
		}

		for ref, last := range latest {
			if last == nil || last.Status != audit.StatusSuccess || last.CompletedAt == nil {
				continue
			}
			if now.Sub(*last.CompletedAt) < depDescriptor.RefreshInterval {
				satisfied[ref]++
			}
		}
	}

	out := make([]entity.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if satisfied[c.Ref] == len(d.DependsOn) {
			out = append(out, c)
		}
	}
	return out, nil
}
