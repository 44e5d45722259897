package stats

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/connectica/enrichd/internal/domain/audit"
	"github.com/connectica/enrichd/internal/domain/entity"
	"github.com/connectica/enrichd/internal/eligibility"
	"github.com/connectica/enrichd/pkg/cache"
)

// Snapshot is the read-side view of one service's progress.
type Snapshot struct {
	ServiceName          string  `json:"service_name"`
	NeedingCount         int     `json:"needing_count"`
	QueueDepth           int64   `json:"queue_depth"`
	CompletedCount       int64   `json:"completed_count"`
	CompletionPercentage float64 `json:"completion_percentage"`
}

// DepthProvider reports undelivered jobs for a service's backing queue.
// Services without a sequential queue report zero.
type DepthProvider interface {
	QueueDepth(ctx context.Context, serviceName string) (int64, error)
}

// Aggregator derives operational stats from the audit store and queue
// state. Read-only; it mutates nothing.
type Aggregator struct {
	engine     *eligibility.Engine
	store      audit.Store
	candidates entity.Source
	depths     DepthProvider
	snapshots  *cache.Cache
	logger     *zap.Logger
}

func NewAggregator(
	engine *eligibility.Engine,
	store audit.Store,
	candidates entity.Source,
	depths DepthProvider,
	cacheTTL time.Duration,
	logger *zap.Logger,
) *Aggregator {
	return &Aggregator{
		engine:     engine,
		store:      store,
		candidates: candidates,
		depths:     depths,
		snapshots:  cache.New(256, cacheTTL),
		logger:     logger.Named("stats.aggregator"),
	}
}

// Get computes (or serves a cached) snapshot for a service and kind filter.
func (a *Aggregator) Get(ctx context.Context, serviceName string, kind entity.Kind) (Snapshot, error) {
	key := cacheKey(serviceName, kind)
	if cached, ok := a.snapshots.Get(key); ok {
		if snap, ok := cached.(Snapshot); ok {
			return snap, nil
		}
	}

	snap, err := a.compute(ctx, serviceName, kind)
	if err != nil {
		return Snapshot{}, err
	}
	a.snapshots.Set(key, snap)
	return snap, nil
}

// InvalidateStats drops cached snapshots. Called by the dispatcher whenever
// new work is admitted so dashboards see queue growth immediately.
func (a *Aggregator) InvalidateStats(serviceName string) {
	a.snapshots.InvalidateAll()
}

func (a *Aggregator) compute(ctx context.Context, serviceName string, kind entity.Kind) (Snapshot, error) {
	population, err := a.candidates.Candidates(ctx, serviceName, kind)
	if err != nil {
		return Snapshot{}, fmt.Errorf("resolve candidates: %w", err)
	}

	eligible, err := a.engine.Eligible(ctx, serviceName, population)
	if err != nil {
		return Snapshot{}, fmt.Errorf("compute eligible set: %w", err)
	}

	var depth int64
	if a.depths != nil {
		depth, err = a.depths.QueueDepth(ctx, serviceName)
		if err != nil {
			a.logger.Warn("queue_depth_failed", zap.Error(err), zap.String("service", serviceName))
			depth = 0
		}
	}

	completed, err := a.store.CountCompleted(ctx, serviceName, kind)
	if err != nil {
		return Snapshot{}, fmt.Errorf("count completed: %w", err)
	}

	return Snapshot{
		ServiceName:          serviceName,
		NeedingCount:         len(eligible),
		QueueDepth:           depth,
		CompletedCount:       completed,
		CompletionPercentage: completionPercentage(completed, int64(len(population))),
	}, nil
}

// completionPercentage clamps to [0,100] and keeps one decimal below 1% so
// small populations never show a misleading flat zero.
func completionPercentage(completed, population int64) float64 {
	if population <= 0 {
		return 0
	}
	pct := float64(completed) / float64(population) * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if pct < 1 {
		return math.Round(pct*10) / 10
	}
	return math.Round(pct)
}

func cacheKey(serviceName string, kind entity.Kind) string {
	return serviceName + ":" + string(kind)
}
