package seqqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultMaxJobDuration bounds how long a running job may hold the queue
// before the reaper treats it as abandoned. Vendor automation sessions run
// long, so the default is generous.
const DefaultMaxJobDuration = 30 * time.Minute

var (
	// ErrInvalidToken is returned when Complete is called with a token that
	// does not match the current job.
	ErrInvalidToken = errors.New("lock token does not match current job")
)

// Job is a queued unit of vendor work.
type Job struct {
	JobID       string            `json:"job_id"`
	EntityID    int64             `json:"entity_id"`
	ServiceType string            `json:"service_type"`
	Options     map[string]string `json:"options,omitempty"`
	EnqueuedAt  int64             `json:"enqueued_at"`
}

// CurrentJob is the single in-flight job plus its lock bookkeeping.
type CurrentJob struct {
	Job
	LockToken  string `json:"lock_token"`
	StartedAt  int64  `json:"started_at"`
	LockExpiry int64  `json:"lock_expiry"`
}

// Status is a point-in-time queue snapshot for dashboards.
type Status struct {
	QueueLength  int64       `json:"queue_length"`
	IsProcessing bool        `json:"is_processing"`
	Current      *CurrentJob `json:"current_job,omitempty"`
}

// Launcher hands a promoted job to its runner. Implementations must be
// non-blocking or fast; the vendor call itself happens elsewhere.
type Launcher interface {
	Launch(ctx context.Context, job Job) error
}

// promoteScript atomically promotes the queue head to current when no job
// is running. Two racing promoters can never both succeed: the EXISTS check
// and the SET happen inside one script execution.
var promoteScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return false
end
local raw = redis.call('LPOP', KEYS[1])
if not raw then
  return false
end
local job = cjson.decode(raw)
job['lock_token'] = ARGV[1]
job['started_at'] = tonumber(ARGV[2])
job['lock_expiry'] = tonumber(ARGV[3])
local current = cjson.encode(job)
redis.call('SET', KEYS[2], current, 'PX', tonumber(ARGV[4]))
return current
`)

// completeScript clears current only when the token matches.
var completeScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 0
end
local job = cjson.decode(raw)
if job['lock_token'] ~= ARGV[1] then
  return -1
end
redis.call('DEL', KEYS[1])
return 1
`)

// reapScript clears current only when its lock has expired.
var reapScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return false
end
local job = cjson.decode(raw)
if tonumber(job['lock_expiry']) > tonumber(ARGV[1]) then
  return false
end
redis.call('DEL', KEYS[1])
return raw
`)

// Queue serializes jobs against a vendor that tolerates only one in-flight
// automation session. State lives in Redis so every process observes a
// single logical queue.
type Queue struct {
	client         *redis.Client
	name           string
	launcher       Launcher
	logger         *zap.Logger
	maxJobDuration time.Duration
}

func NewQueue(client *redis.Client, name string, launcher Launcher, logger *zap.Logger) *Queue {
	return &Queue{
		client:         client,
		name:           name,
		launcher:       launcher,
		logger:         logger.Named("seqqueue." + name),
		maxJobDuration: DefaultMaxJobDuration,
	}
}

// WithMaxJobDuration overrides the lock expiry horizon.
func (q *Queue) WithMaxJobDuration(d time.Duration) *Queue {
	if d > 0 {
		q.maxJobDuration = d
	}
	return q
}

func (q *Queue) jobsKey() string    { return fmt.Sprintf("seq:%s:jobs", q.name) }
func (q *Queue) currentKey() string { return fmt.Sprintf("seq:%s:current", q.name) }

// Enqueue appends a job and promotes it immediately when the queue is idle.
// Returns the assigned job ID.
func (q *Queue) Enqueue(ctx context.Context, job Job) (string, error) {
	if job.JobID == "" {
		job.JobID = ulid.Make().String()
	}
	if job.EnqueuedAt == 0 {
		job.EnqueuedAt = time.Now().UTC().UnixMilli()
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, q.jobsKey(), raw).Err(); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	q.logger.Info("job_enqueued",
		zap.String("job_id", job.JobID),
		zap.Int64("entity_id", job.EntityID),
		zap.String("service_type", job.ServiceType),
	)

	if _, err := q.promote(ctx); err != nil {
		return job.JobID, err
	}
	return job.JobID, nil
}

// Complete releases the current job after validating its lock token, then
// promotes the next queued job if present. Returns whether a next job was
// started.
func (q *Queue) Complete(ctx context.Context, lockToken string) (bool, error) {
	res, err := completeScript.Run(ctx, q.client, []string{q.currentKey()}, lockToken).Int()
	if err != nil {
		return false, fmt.Errorf("complete current job: %w", err)
	}
	if res == -1 {
		return false, ErrInvalidToken
	}
	// res == 0 means the lock already expired or was reaped; promotion is
	// still worth attempting.

	next, err := q.promote(ctx)
	if err != nil {
		return false, err
	}
	return next != nil, nil
}

// Reap forcibly releases a current job whose lock expired, then promotes
// the next job. Callable on a schedule; prevents a crashed worker from
// wedging the queue forever.
func (q *Queue) Reap(ctx context.Context) (bool, error) {
	now := time.Now().UTC().UnixMilli()
	raw, err := reapScript.Run(ctx, q.client, []string{q.currentKey()}, now).Text()
	reaped := false
	switch {
	case err == redis.Nil:
		// nothing expired
	case err != nil:
		return false, fmt.Errorf("reap current job: %w", err)
	default:
		reaped = true
		var stuck CurrentJob
		if jsonErr := json.Unmarshal([]byte(raw), &stuck); jsonErr == nil {
			q.logger.Warn("job_reaped",
				zap.String("job_id", stuck.JobID),
				zap.Int64("entity_id", stuck.EntityID),
			)
		}
	}

	if _, err := q.promote(ctx); err != nil {
		return reaped, err
	}
	return reaped, nil
}

// promote attempts to move the queue head into current. Returns the
// promoted job, or nil when a job is already running or the queue is empty.
func (q *Queue) promote(ctx context.Context) (*CurrentJob, error) {
	token := ulid.Make().String()
	now := time.Now().UTC()
	expiry := now.Add(q.maxJobDuration)

	raw, err := promoteScript.Run(ctx, q.client,
		[]string{q.jobsKey(), q.currentKey()},
		token,
		now.UnixMilli(),
		expiry.UnixMilli(),
		q.maxJobDuration.Milliseconds(),
	).Text()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("promote next job: %w", err)
	}

	var current CurrentJob
	if err := json.Unmarshal([]byte(raw), &current); err != nil {
		return nil, fmt.Errorf("decode promoted job: %w", err)
	}

	q.logger.Info("job_promoted",
		zap.String("job_id", current.JobID),
		zap.Int64("entity_id", current.EntityID),
	)

	if q.launcher != nil {
		if err := q.launcher.Launch(ctx, current.Job); err != nil {
			// Release the lock so the queue is not wedged by a job that
			// never started.
			q.logger.Error("job_launch_failed",
				zap.Error(err),
				zap.String("job_id", current.JobID),
			)
			if releaseErr := q.ForceRelease(ctx); releaseErr != nil {
				return nil, releaseErr
			}
			return nil, err
		}
	}

	return &current, nil
}

// PositionOf returns 0 when the entity's job is currently running, a
// 1-based FIFO position when queued, and -1 when absent.
func (q *Queue) PositionOf(ctx context.Context, entityID int64) (int, error) {
	current, err := q.Current(ctx)
	if err != nil {
		return -1, err
	}
	if current != nil && current.EntityID == entityID {
		return 0, nil
	}

	jobs, _, err := q.contents(ctx)
	if err != nil {
		return -1, err
	}
	for i, job := range jobs {
		if job.EntityID == entityID {
			return i + 1, nil
		}
	}
	return -1, nil
}

// Current returns the in-flight job, or nil when the queue is idle.
func (q *Queue) Current(ctx context.Context) (*CurrentJob, error) {
	raw, err := q.client.Get(ctx, q.currentKey()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var current CurrentJob
	if err := json.Unmarshal([]byte(raw), &current); err != nil {
		return nil, fmt.Errorf("decode current job: %w", err)
	}
	return &current, nil
}

// Depth returns the count of queued (not yet promoted) jobs.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.jobsKey()).Result()
}

// QueueStatus reports queue length, processing flag, and the current job.
func (q *Queue) QueueStatus(ctx context.Context) (Status, error) {
	depth, err := q.Depth(ctx)
	if err != nil {
		return Status{}, err
	}
	current, err := q.Current(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		QueueLength:  depth,
		IsProcessing: current != nil,
		Current:      current,
	}, nil
}

// Contents lists queued jobs in FIFO order, for admin inspection.
func (q *Queue) Contents(ctx context.Context) ([]Job, error) {
	jobs, _, err := q.contents(ctx)
	return jobs, err
}

func (q *Queue) contents(ctx context.Context) ([]Job, []string, error) {
	raws, err := q.client.LRange(ctx, q.jobsKey(), 0, -1).Result()
	if err != nil {
		return nil, nil, err
	}
	jobs := make([]Job, 0, len(raws))
	kept := make([]string, 0, len(raws))
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.logger.Error("queue_entry_corrupt", zap.Error(err))
			continue
		}
		jobs = append(jobs, job)
		kept = append(kept, raw)
	}
	return jobs, kept, nil
}

// Remove deletes a specific queued job by ID. Running jobs are not
// removable; use ForceRelease for emergencies.
func (q *Queue) Remove(ctx context.Context, jobID string) (bool, error) {
	jobs, raws, err := q.contents(ctx)
	if err != nil {
		return false, err
	}
	for i, job := range jobs {
		if job.JobID == jobID {
			if err := q.client.LRem(ctx, q.jobsKey(), 1, raws[i]).Err(); err != nil {
				return false, err
			}
			q.logger.Info("job_removed", zap.String("job_id", jobID))
			return true, nil
		}
	}
	return false, nil
}

// Clear drops the whole queue and any current job. Emergency use.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.client.Del(ctx, q.jobsKey(), q.currentKey()).Err(); err != nil {
		return err
	}
	q.logger.Warn("queue_cleared")
	return nil
}

// ForceRelease drops the current job without promoting. Emergency use.
func (q *Queue) ForceRelease(ctx context.Context) error {
	if err := q.client.Del(ctx, q.currentKey()).Err(); err != nil {
		return err
	}
	q.logger.Warn("lock_force_released")
	return nil
}
