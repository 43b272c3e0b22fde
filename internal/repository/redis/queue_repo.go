package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PiEnTran30/XSonic-sub000/internal/domain/entity"
)

const (
	jobKeyPrefix         = "job:"
	laneKeyPrefix        = "queue:"
	idempotencyKeyPrefix = "idempotency:"
	reconcileListKey     = "billing:reconcile"

	gpuWorkerStatusKey     = "gpu:worker:status"
	gpuWorkerLastUpdateKey = "gpu:worker:last_update"
)

// QueueRepo is the only component that touches the Redis keyspace holding
// jobs, lanes, idempotency markers and the GPU worker flag. All coordination
// relies on Redis primitives being atomic; the repo adds no locking.
type QueueRepo struct {
	Client *redis.Client
}

func NewQueueRepo(client *redis.Client) *QueueRepo {
	return &QueueRepo{Client: client}
}

func jobKey(jobID string) string {
	return jobKeyPrefix + jobID
}

func laneKey(lane entity.Lane) string {
	return laneKeyPrefix + string(lane)
}

// SaveJob serializes the job under job:{id} with the given TTL, overwriting
// any previous version.
func (r *QueueRepo) SaveJob(ctx context.Context, job *entity.Job, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.JobID, err)
	}
	if err := r.Client.Set(ctx, jobKey(job.JobID), data, ttl).Err(); err != nil {
		return fmt.Errorf("save job %s: %w", job.JobID, err)
	}
	return nil
}

// GetJob returns the stored job, or (nil, nil) if it expired or never existed.
func (r *QueueRepo) GetJob(ctx context.Context, jobID string) (*entity.Job, error) {
	raw, err := r.Client.Get(ctx, jobKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	var job entity.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

// UpdateJob rewrites the job blob, keeping whatever TTL the key already has.
func (r *QueueRepo) UpdateJob(ctx context.Context, job *entity.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.JobID, err)
	}
	if err := r.Client.Set(ctx, jobKey(job.JobID), data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("update job %s: %w", job.JobID, err)
	}
	return nil
}

// JobTTL returns the remaining lifetime of a job key. A negative duration
// means the key is gone or has no expiry.
func (r *QueueRepo) JobTTL(ctx context.Context, jobID string) (time.Duration, error) {
	ttl, err := r.Client.TTL(ctx, jobKey(jobID)).Result()
	if err != nil {
		return 0, fmt.Errorf("ttl job %s: %w", jobID, err)
	}
	return ttl, nil
}

// PushLane appends a job id to the tail of a lane list. FIFO order within a
// lane follows from RPUSH here and LPOP in PopLane.
func (r *QueueRepo) PushLane(ctx context.Context, lane entity.Lane, jobID string) error {
	if err := r.Client.RPush(ctx, laneKey(lane), jobID).Err(); err != nil {
		return fmt.Errorf("push %s lane: %w", lane, err)
	}
	return nil
}

// PopLane removes and returns the oldest job id in a lane, or "" if empty.
func (r *QueueRepo) PopLane(ctx context.Context, lane entity.Lane) (string, error) {
	jobID, err := r.Client.LPop(ctx, laneKey(lane)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pop %s lane: %w", lane, err)
	}
	return jobID, nil
}

// LaneDepth returns the number of job ids waiting in a lane.
func (r *QueueRepo) LaneDepth(ctx context.Context, lane entity.Lane) (int64, error) {
	depth, err := r.Client.LLen(ctx, laneKey(lane)).Result()
	if err != nil {
		return 0, fmt.Errorf("depth %s lane: %w", lane, err)
	}
	return depth, nil
}

// ReserveIdempotency atomically maps key -> jobID unless a live marker
// already exists. It returns the job id now owning the key and whether this
// call created the mapping. SET NX closes the check-then-set race between
// concurrent producers sharing a key.
func (r *QueueRepo) ReserveIdempotency(ctx context.Context, key, jobID string, ttl time.Duration) (string, bool, error) {
	redisKey := idempotencyKeyPrefix + key
	created, err := r.Client.SetNX(ctx, redisKey, jobID, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("reserve idempotency %s: %w", key, err)
	}
	if created {
		return jobID, true, nil
	}
	existing, err := r.Client.Get(ctx, redisKey).Result()
	if errors.Is(err, redis.Nil) {
		// Marker expired between SETNX and GET. Treat as a fresh reserve.
		return r.ReserveIdempotency(ctx, key, jobID, ttl)
	}
	if err != nil {
		return "", false, fmt.Errorf("read idempotency %s: %w", key, err)
	}
	return existing, false, nil
}

// LookupIdempotency returns the job id mapped to key, or "" if no live marker.
func (r *QueueRepo) LookupIdempotency(ctx context.Context, key string) (string, error) {
	jobID, err := r.Client.Get(ctx, idempotencyKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup idempotency %s: %w", key, err)
	}
	return jobID, nil
}

// SetGpuWorkerStatus writes the singleton worker flag and refreshes its
// last-update timestamp. The pair is written in a pipeline so readers never
// see a status without a matching timestamp.
func (r *QueueRepo) SetGpuWorkerStatus(ctx context.Context, status entity.GpuWorkerStatus) error {
	now := time.Now()
	pipe := r.Client.Pipeline()
	pipe.Set(ctx, gpuWorkerStatusKey, string(status), 0)
	pipe.Set(ctx, gpuWorkerLastUpdateKey, now.Unix(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set gpu worker status: %w", err)
	}
	return nil
}

// GetGpuWorkerStatus returns the current flag, defaulting to stopped when
// the key has never been written.
func (r *QueueRepo) GetGpuWorkerStatus(ctx context.Context) (entity.GpuWorkerStatus, error) {
	raw, err := r.Client.Get(ctx, gpuWorkerStatusKey).Result()
	if errors.Is(err, redis.Nil) {
		return entity.GpuWorkerStopped, nil
	}
	if err != nil {
		return "", fmt.Errorf("get gpu worker status: %w", err)
	}
	return entity.GpuWorkerStatus(raw), nil
}

// GetGpuWorkerLastUpdate returns the timestamp of the last flag write, or
// the zero time when the flag has never been written.
func (r *QueueRepo) GetGpuWorkerLastUpdate(ctx context.Context) (time.Time, error) {
	unix, err := r.Client.Get(ctx, gpuWorkerLastUpdateKey).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get gpu worker last update: %w", err)
	}
	return time.Unix(unix, 0), nil
}

// PushBillingReconcile records a job whose credit deduction failed so an
// out-of-band reconciliation task can pick it up later.
func (r *QueueRepo) PushBillingReconcile(ctx context.Context, jobID string) error {
	if err := r.Client.RPush(ctx, reconcileListKey, jobID).Err(); err != nil {
		return fmt.Errorf("push billing reconcile %s: %w", jobID, err)
	}
	return nil
}
