package seqqueue

import (
	"context"
	"fmt"
	"strconv"

	"github.com/connectica/enrichd/internal/domain/audit"
)

// QueueRunner adapts a sequential queue into a dispatch runner: dispatched
// entities are enqueued instead of launched directly, so the vendor sees at
// most one in-flight job regardless of batch size.
type QueueRunner struct {
	queue *Queue
}

func NewQueueRunner(queue *Queue) *QueueRunner {
	return &QueueRunner{queue: queue}
}

// Run enqueues a job for the entry's entity. The audit entry ID rides along
// in the job options so the launcher can correlate the eventual outcome.
func (r *QueueRunner) Run(ctx context.Context, entry *audit.Entry) error {
	_, err := r.queue.Enqueue(ctx, Job{
		EntityID:    entry.Entity.ID,
		ServiceType: entry.ServiceName,
		Options: map[string]string{
			"audit_entry_id": strconv.FormatInt(entry.ID, 10),
			"entity_type":    string(entry.Entity.Kind),
		},
	})
	if err != nil {
		return fmt.Errorf("enqueue %s job: %w", entry.ServiceName, err)
	}
	return nil
}
