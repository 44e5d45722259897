package seqqueue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/connectica/enrichd/internal/telemetry"
)

// Reaper periodically releases expired locks across a set of queues so a
// crashed worker never wedges a vendor queue.
type Reaper struct {
	queues   []*Queue
	logger   *zap.Logger
	interval time.Duration
}

func NewReaper(queues []*Queue, interval time.Duration, logger *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		queues:   queues,
		logger:   logger.Named("seqqueue.reaper"),
		interval: interval,
	}
}

func (r *Reaper) Run(ctx context.Context) {
	r.sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	for _, q := range r.queues {
		reaped, err := q.Reap(ctx)
		if err != nil {
			r.logger.Error("reap_failed", zap.Error(err), zap.String("queue", q.name))
			continue
		}
		if reaped {
			telemetry.ReapedJobs.WithLabelValues(q.name).Inc()
			r.logger.Info("stuck_job_reaped", zap.String("queue", q.name))
		}

		if depth, err := q.Depth(ctx); err == nil {
			telemetry.QueueDepth.WithLabelValues(q.name).Set(float64(depth))
		}
	}
}
