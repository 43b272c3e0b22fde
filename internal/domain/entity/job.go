package entity

import "time"

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusPendingGPU JobStatus = "pending-gpu"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further status transitions are expected.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Lane string

const (
	LaneCPU Lane = "cpu"
	LaneGPU Lane = "gpu"
)

// Requirements describes the resources a job needs. Timeout and duration
// fields are advisory metadata for the worker, not enforced here.
type Requirements struct {
	RequiresGPU              bool `json:"requires_gpu"`
	RequiresCPU              bool `json:"requires_cpu"`
	EstimatedDurationSeconds int  `json:"estimated_duration_seconds"`
	MemoryMB                 int  `json:"memory_mb"`
	TimeoutSeconds           int  `json:"timeout_seconds"`
}

// Lane returns the queue lane the job belongs to at enqueue time.
func (r Requirements) Lane() Lane {
	if r.RequiresGPU {
		return LaneGPU
	}
	return LaneCPU
}

type Job struct {
	JobID          string `json:"job_id"`
	IdempotencyKey string `json:"idempotency_key"`
	UserID         string `json:"user_id"`

	ToolType     string       `json:"tool_type"`
	Requirements Requirements `json:"requirements"`
	Priority     int          `json:"priority"`

	Status          JobStatus `json:"status"`
	Progress        int       `json:"progress"`
	ProgressMessage string    `json:"progress_message,omitempty"`
	WorkerID        string    `json:"worker_id,omitempty"`
	RetryCount      int       `json:"retry_count"`
	MaxRetries      int       `json:"max_retries"`
	ErrorMessage    string    `json:"error_message,omitempty"`

	InputFileURL  string            `json:"input_file_url"`
	InputMetadata map[string]string `json:"input_metadata,omitempty"`
	Parameters    map[string]any    `json:"parameters,omitempty"`
	OutputFiles   []string          `json:"output_files,omitempty"`
	CostEstimate  float64           `json:"cost_estimate"`
	CostActual    float64           `json:"cost_actual"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	TTLDeleteAt time.Time  `json:"ttl_delete_at"`
}

// JobCreatedMessage is the payload published on the event bus when a job
// is enqueued. Subscribers must be idempotent on JobID.
type JobCreatedMessage struct {
	JobID       string `json:"jobId"`
	ToolType    string `json:"toolType"`
	RequiresGPU bool   `json:"requiresGpu"`
}
