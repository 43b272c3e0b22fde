package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PiEnTran30/XSonic-sub000/internal/domain/entity"
	"github.com/PiEnTran30/XSonic-sub000/internal/domain/usecase"
)

type JobUseCase interface {
	EnqueueJob(ctx context.Context, req usecase.EnqueueRequest) (*entity.Job, bool, error)
	GetJob(ctx context.Context, jobID string) (*entity.Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status entity.JobStatus, progress *int, message, workerID string) error
	DequeueJob(ctx context.Context, lane entity.Lane) (*entity.Job, error)
	GetQueueDepth(ctx context.Context, lane entity.Lane) (int64, error)
	GetGpuWorkerStatus(ctx context.Context) (entity.GpuWorkerStatus, error)
	GetGpuWorkerLastUpdate(ctx context.Context) (time.Time, error)
}

type JobHandler struct {
	UseCase JobUseCase
}

func NewJobHandler(u JobUseCase) *JobHandler {
	return &JobHandler{UseCase: u}
}

func (h *JobHandler) Register(r gin.IRouter) {
	r.POST("/jobs", h.CreateJob)
	r.GET("/jobs/:job_id", h.GetJob)
	r.PATCH("/jobs/:job_id/status", h.UpdateStatus)
	r.POST("/queues/:lane/dequeue", h.Dequeue)
	r.GET("/queues/:lane/depth", h.Depth)
	r.GET("/gpu/worker", h.GpuWorker)
}

func parseLane(c *gin.Context) (entity.Lane, bool) {
	switch lane := entity.Lane(c.Param("lane")); lane {
	case entity.LaneCPU, entity.LaneGPU:
		return lane, true
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown lane"})
		return "", false
	}
}

func (h *JobHandler) CreateJob(c *gin.Context) {
	var req usecase.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, created, err := h.UseCase.EnqueueJob(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id":    job.JobID,
		"status":    job.Status,
		"duplicate": !created,
	})
}

func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.UseCase.GetJob(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

type updateStatusRequest struct {
	Status   entity.JobStatus `json:"status" binding:"required"`
	Progress *int             `json:"progress"`
	Message  string           `json:"message"`
	WorkerID string           `json:"worker_id"`
}

// UpdateStatus is the worker callback. An unknown job id still answers 200:
// the job expired and the late update is deliberately a no-op.
func (h *JobHandler) UpdateStatus(c *gin.Context) {
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.UseCase.UpdateJobStatus(c.Request.Context(), c.Param("job_id"), req.Status, req.Progress, req.Message, req.WorkerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": c.Param("job_id"), "status": req.Status})
}

func (h *JobHandler) Dequeue(c *gin.Context) {
	lane, ok := parseLane(c)
	if !ok {
		return
	}

	job, err := h.UseCase.DequeueJob(c.Request.Context(), lane)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if job == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *JobHandler) Depth(c *gin.Context) {
	lane, ok := parseLane(c)
	if !ok {
		return
	}

	depth, err := h.UseCase.GetQueueDepth(c.Request.Context(), lane)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"lane": lane, "depth": depth})
}

func (h *JobHandler) GpuWorker(c *gin.Context) {
	status, err := h.UseCase.GetGpuWorkerStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	lastUpdate, err := h.UseCase.GetGpuWorkerLastUpdate(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "last_update": lastUpdate})
}
