package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/PiEnTran30/XSonic-sub000/internal/domain/entity"
	"github.com/PiEnTran30/XSonic-sub000/internal/metrics"
	"github.com/PiEnTran30/XSonic-sub000/pkg/utils"
)

const (
	// Jobs outlive any reasonable processing window, then expire on their own.
	DefaultJobTTL = 7 * 24 * time.Hour
	// Idempotency markers guard against duplicate submissions for a day.
	DefaultIdempotencyTTL = 24 * time.Hour
)

type QueueStore interface {
	SaveJob(ctx context.Context, job *entity.Job, ttl time.Duration) error
	GetJob(ctx context.Context, jobID string) (*entity.Job, error)
	UpdateJob(ctx context.Context, job *entity.Job) error
	PushLane(ctx context.Context, lane entity.Lane, jobID string) error
	PopLane(ctx context.Context, lane entity.Lane) (string, error)
	LaneDepth(ctx context.Context, lane entity.Lane) (int64, error)
	ReserveIdempotency(ctx context.Context, key, jobID string, ttl time.Duration) (string, bool, error)
	LookupIdempotency(ctx context.Context, key string) (string, error)
	SetGpuWorkerStatus(ctx context.Context, status entity.GpuWorkerStatus) error
	GetGpuWorkerStatus(ctx context.Context) (entity.GpuWorkerStatus, error)
	GetGpuWorkerLastUpdate(ctx context.Context) (time.Time, error)
	PushBillingReconcile(ctx context.Context, jobID string) error
}

type Publisher interface {
	Publish(ctx context.Context, body json.RawMessage) error
}

type Billing interface {
	DeductCredits(ctx context.Context, userID string, amount float64, description, referenceType, referenceID string) error
}

// QueueUseCase is the queue adapter: the only path by which job state is
// created, read or transitioned. It adds no locking of its own; correctness
// under concurrent producers and workers rests on the store's atomic
// primitives.
type QueueUseCase struct {
	Store     QueueStore
	Publisher Publisher
	Billing   Billing

	JobTTL         time.Duration
	IdempotencyTTL time.Duration

	// PublishRetryBase is the first backoff step for event publishing.
	PublishRetryBase time.Duration
}

func NewQueueUseCase(store QueueStore, pub Publisher, billing Billing) *QueueUseCase {
	return &QueueUseCase{
		Store:            store,
		Publisher:        pub,
		Billing:          billing,
		JobTTL:           DefaultJobTTL,
		IdempotencyTTL:   DefaultIdempotencyTTL,
		PublishRetryBase: 500 * time.Millisecond,
	}
}

// EnqueueRequest carries the producer-supplied fields of a new job.
// Lifecycle timestamps and status are filled in here.
type EnqueueRequest struct {
	IdempotencyKey string              `json:"idempotency_key" binding:"required"`
	UserID         string              `json:"user_id" binding:"required"`
	ToolType       string              `json:"tool_type" binding:"required"`
	Requirements   entity.Requirements `json:"requirements"`
	Priority       int                 `json:"priority"`
	MaxRetries     int                 `json:"max_retries"`
	InputFileURL   string              `json:"input_file_url"`
	InputMetadata  map[string]string   `json:"input_metadata"`
	Parameters     map[string]any      `json:"parameters"`
	CostEstimate   float64             `json:"cost_estimate"`
}

// EnqueueJob creates and enqueues a job, unless a live idempotency marker
// already maps the key to an earlier job, in which case that job is returned
// and created is false. The marker is reserved atomically, so two concurrent
// producers sharing a key end up with exactly one job between them.
func (u *QueueUseCase) EnqueueJob(ctx context.Context, req EnqueueRequest) (*entity.Job, bool, error) {
	jobID := uuid.New().String()

	ownerID, created, err := u.Store.ReserveIdempotency(ctx, req.IdempotencyKey, jobID, u.IdempotencyTTL)
	if err != nil {
		return nil, false, err
	}
	if !created {
		existing, err := u.Store.GetJob(ctx, ownerID)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
		// Marker outlived its job. Fall through and enqueue under the new id;
		// the stale marker keeps pointing at the expired job until it lapses.
		log.Printf("idempotency key %s maps to expired job %s, enqueueing anyway", req.IdempotencyKey, ownerID)
	}

	now := time.Now()
	status := entity.StatusPending
	if req.Requirements.RequiresGPU {
		status = entity.StatusPendingGPU
	}

	job := &entity.Job{
		JobID:          jobID,
		IdempotencyKey: req.IdempotencyKey,
		UserID:         req.UserID,
		ToolType:       req.ToolType,
		Requirements:   req.Requirements,
		Priority:       req.Priority,
		Status:         status,
		MaxRetries:     req.MaxRetries,
		InputFileURL:   req.InputFileURL,
		InputMetadata:  req.InputMetadata,
		Parameters:     req.Parameters,
		CostEstimate:   req.CostEstimate,
		CreatedAt:      now,
		UpdatedAt:      now,
		TTLDeleteAt:    now.Add(u.JobTTL),
	}

	if err := u.Store.SaveJob(ctx, job, u.JobTTL); err != nil {
		return nil, false, err
	}

	lane := job.Requirements.Lane()
	if err := u.Store.PushLane(ctx, lane, job.JobID); err != nil {
		return nil, false, err
	}
	metrics.JobsEnqueuedTotal.WithLabelValues(string(lane)).Inc()

	u.notifyJobCreated(ctx, job)

	return job, true, nil
}

// notifyJobCreated publishes the job.created event. Delivery is
// fire-and-forget: a handful of retries, then a log line. The enqueue has
// already durably succeeded and must not be failed by the bus.
func (u *QueueUseCase) notifyJobCreated(ctx context.Context, job *entity.Job) {
	msg, err := utils.ToRawMessage(entity.JobCreatedMessage{
		JobID:       job.JobID,
		ToolType:    job.ToolType,
		RequiresGPU: job.Requirements.RequiresGPU,
	})
	if err != nil {
		log.Printf("failed to build job.created event for %s: %v", job.JobID, err)
		return
	}
	if err := u.publishWithRetry(ctx, msg); err != nil {
		log.Printf("failed to publish job.created event for %s: %v", job.JobID, err)
	}
}

func (u *QueueUseCase) publishWithRetry(ctx context.Context, msg json.RawMessage) error {
	var (
		baseDelay   = u.PublishRetryBase
		maxDelay    = 10 * time.Second
		maxAttempts = 5
	)

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := u.Publisher.Publish(ctx, msg); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == maxAttempts {
			break
		}

		backoff := baseDelay << (attempt - 1)
		if backoff > maxDelay {
			backoff = maxDelay
		}

		select {
		case <-time.After(backoff):

		case <-ctx.Done():
			return errors.New("publish canceled by context")
		}
	}

	return lastErr
}

// GetJob returns the job, or (nil, nil) once its TTL has expired.
func (u *QueueUseCase) GetJob(ctx context.Context, jobID string) (*entity.Job, error) {
	return u.Store.GetJob(ctx, jobID)
}

// UpdateJobStatus applies a worker-reported transition. Unknown job ids are
// a silent no-op: a late update for an expired job is normal, not an error.
// started_at is set exactly once, on the first transition into processing;
// completed_at is set on the terminal transitions.
func (u *QueueUseCase) UpdateJobStatus(ctx context.Context, jobID string, status entity.JobStatus, progress *int, message, workerID string) error {
	job, err := u.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}

	now := time.Now()
	job.Status = status
	job.UpdatedAt = now
	if progress != nil {
		job.Progress = *progress
	}
	if message != "" {
		job.ProgressMessage = message
	}
	if workerID != "" {
		job.WorkerID = workerID
	}
	if status == entity.StatusFailed {
		job.ErrorMessage = message
	}

	if status == entity.StatusProcessing && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if status.IsTerminal() && job.CompletedAt == nil {
		job.CompletedAt = &now
	}

	if err := u.Store.UpdateJob(ctx, job); err != nil {
		return err
	}

	if status == entity.StatusCompleted {
		u.deductCredits(ctx, job)
	}

	return nil
}

// deductCredits charges the billing collaborator once a job completes. A
// failed deduction never rolls the job back: the id is parked on the
// reconciliation list and the completion stands.
func (u *QueueUseCase) deductCredits(ctx context.Context, job *entity.Job) {
	if u.Billing == nil {
		return
	}
	amount := job.CostActual
	if amount == 0 {
		amount = job.CostEstimate
	}
	desc := fmt.Sprintf("%s job %s", job.ToolType, job.JobID)
	if err := u.Billing.DeductCredits(ctx, job.UserID, amount, desc, "job", job.JobID); err != nil {
		log.Printf("credit deduction failed for completed job %s: %v", job.JobID, err)
		metrics.BillingReconcileTotal.Inc()
		if rerr := u.Store.PushBillingReconcile(ctx, job.JobID); rerr != nil {
			log.Printf("failed to park job %s for billing reconciliation: %v", job.JobID, rerr)
		}
	}
}

// DequeueJob pops the oldest id in a lane and resolves it to a full record.
// Ids whose job expired while waiting are skipped; (nil, nil) means the lane
// is empty.
func (u *QueueUseCase) DequeueJob(ctx context.Context, lane entity.Lane) (*entity.Job, error) {
	for {
		jobID, err := u.Store.PopLane(ctx, lane)
		if err != nil {
			return nil, err
		}
		if jobID == "" {
			return nil, nil
		}
		job, err := u.Store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job == nil {
			log.Printf("dropping expired job %s from %s lane", jobID, lane)
			continue
		}
		metrics.JobsDequeuedTotal.WithLabelValues(string(lane)).Inc()
		return job, nil
	}
}

func (u *QueueUseCase) GetQueueDepth(ctx context.Context, lane entity.Lane) (int64, error) {
	return u.Store.LaneDepth(ctx, lane)
}

// HasGpuJobs is the fleet controller's primary scale-up signal.
func (u *QueueUseCase) HasGpuJobs(ctx context.Context) (bool, error) {
	depth, err := u.Store.LaneDepth(ctx, entity.LaneGPU)
	if err != nil {
		return false, err
	}
	return depth > 0, nil
}

// DrainGpuLaneToCPU moves every waiting GPU job onto the CPU lane, flipping
// its requirements and leaving identity and payload untouched. Used when GPU
// provisioning fails and the CPU fallback is enabled.
func (u *QueueUseCase) DrainGpuLaneToCPU(ctx context.Context) (int, error) {
	moved := 0
	for {
		jobID, err := u.Store.PopLane(ctx, entity.LaneGPU)
		if err != nil {
			return moved, err
		}
		if jobID == "" {
			return moved, nil
		}

		job, err := u.Store.GetJob(ctx, jobID)
		if err != nil {
			return moved, err
		}
		if job == nil {
			continue
		}

		job.Requirements.RequiresGPU = false
		job.Requirements.RequiresCPU = true
		job.Status = entity.StatusPending
		job.UpdatedAt = time.Now()

		if err := u.Store.UpdateJob(ctx, job); err != nil {
			return moved, err
		}
		if err := u.Store.PushLane(ctx, entity.LaneCPU, job.JobID); err != nil {
			return moved, err
		}
		metrics.JobsFallbackTotal.Inc()
		moved++
	}
}

func (u *QueueUseCase) SetGpuWorkerStatus(ctx context.Context, status entity.GpuWorkerStatus) error {
	metrics.SetGpuWorkerState(string(status))
	return u.Store.SetGpuWorkerStatus(ctx, status)
}

func (u *QueueUseCase) GetGpuWorkerStatus(ctx context.Context) (entity.GpuWorkerStatus, error) {
	return u.Store.GetGpuWorkerStatus(ctx)
}

func (u *QueueUseCase) GetGpuWorkerLastUpdate(ctx context.Context) (time.Time, error) {
	return u.Store.GetGpuWorkerLastUpdate(ctx)
}
