package usecase

import (
	"context"
	"log"
	"time"

	"github.com/PiEnTran30/XSonic-sub000/internal/domain/entity"
	"github.com/PiEnTran30/XSonic-sub000/internal/metrics"
)

type GpuProvider interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Healthy(ctx context.Context) bool
}

// FleetQueue is the slice of the queue adapter the controller needs.
type FleetQueue interface {
	HasGpuJobs(ctx context.Context) (bool, error)
	GetQueueDepth(ctx context.Context, lane entity.Lane) (int64, error)
	DrainGpuLaneToCPU(ctx context.Context) (int, error)
	SetGpuWorkerStatus(ctx context.Context, status entity.GpuWorkerStatus) error
	GetGpuWorkerStatus(ctx context.Context) (entity.GpuWorkerStatus, error)
	GetGpuWorkerLastUpdate(ctx context.Context) (time.Time, error)
}

type FleetConfig struct {
	TickInterval       time.Duration // how often the control loop runs
	HealthPollInterval time.Duration // spacing of readiness probes after start
	MaxStartWait       time.Duration // how long a start may take before giving up
	Cooldown           time.Duration // minimum dwell in a state before flipping again
	IdleTimeout        time.Duration // empty-lane duration before the worker is stopped
	AllowCPUFallback   bool
}

func DefaultFleetConfig() FleetConfig {
	return FleetConfig{
		TickInterval:       30 * time.Second,
		HealthPollInterval: 5 * time.Second,
		MaxStartWait:       300 * time.Second,
		Cooldown:           5 * time.Minute,
		IdleTimeout:        10 * time.Minute,
		AllowCPUFallback:   true,
	}
}

// FleetController keeps the rented GPU worker running only while the GPU
// lane has work. GPU rental is billed per wall-clock minute and cold starts
// take tens of seconds, so the idle window amortizes start cost across
// bursts instead of flapping per job.
//
// Run exactly one controller per deployment: the worker-status flag has no
// distributed lock, only single-writer discipline.
type FleetController struct {
	Queue    FleetQueue
	Provider GpuProvider
	Config   FleetConfig
}

func NewFleetController(queue FleetQueue, provider GpuProvider, cfg FleetConfig) *FleetController {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.HealthPollInterval <= 0 {
		cfg.HealthPollInterval = 5 * time.Second
	}
	if cfg.MaxStartWait <= 0 {
		cfg.MaxStartWait = 300 * time.Second
	}
	return &FleetController{Queue: queue, Provider: provider, Config: cfg}
}

// Run executes one cycle immediately, then ticks until the context ends.
func (c *FleetController) Run(ctx context.Context) {
	c.tick(ctx)

	ticker := time.NewTicker(c.Config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("fleet controller shutting down")
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick shields the loop: whatever a cycle does, the next tick still runs.
func (c *FleetController) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("fleet controller cycle panicked: %v", r)
		}
	}()

	if err := c.RunCycle(ctx); err != nil {
		log.Printf("fleet controller cycle failed: %v", err)
	}
}

// RunCycle inspects queue pressure and the worker flag and performs at most
// one lifecycle transition.
func (c *FleetController) RunCycle(ctx context.Context) error {
	c.refreshDepthGauges(ctx)

	hasJobs, err := c.Queue.HasGpuJobs(ctx)
	if err != nil {
		return err
	}
	status, err := c.Queue.GetGpuWorkerStatus(ctx)
	if err != nil {
		return err
	}
	lastUpdate, err := c.Queue.GetGpuWorkerLastUpdate(ctx)
	if err != nil {
		return err
	}

	switch {
	case hasJobs && (status == entity.GpuWorkerStopped || status == ""):
		if !lastUpdate.IsZero() && time.Since(lastUpdate) < c.Config.Cooldown {
			log.Printf("gpu jobs waiting but worker stopped %s ago, honoring cooldown", time.Since(lastUpdate).Round(time.Second))
			return nil
		}
		return c.startWorker(ctx)

	case hasJobs && status == entity.GpuWorkerRunning:
		// Work keeps arriving: touch the flag so the idle clock does not
		// count time the worker spent busy.
		return c.Queue.SetGpuWorkerStatus(ctx, entity.GpuWorkerRunning)

	case !hasJobs && status == entity.GpuWorkerRunning:
		idle := time.Since(lastUpdate)
		if idle >= c.Config.IdleTimeout && idle >= c.Config.Cooldown {
			return c.stopWorker(ctx, idle)
		}
		return nil

	case status == entity.GpuWorkerStarting || status == entity.GpuWorkerStopping:
		// Transition in flight, either from a previous cycle that was cut
		// short or from another replica. Leave it alone.
		log.Printf("gpu worker is %s, skipping cycle", status)
		return nil
	}

	return nil
}

func (c *FleetController) startWorker(ctx context.Context) error {
	log.Println("gpu lane has work, starting gpu worker")
	metrics.GpuStartsTotal.Inc()

	if err := c.Queue.SetGpuWorkerStatus(ctx, entity.GpuWorkerStarting); err != nil {
		return err
	}

	if err := c.Provider.Start(ctx); err != nil {
		log.Printf("gpu worker start call failed: %v", err)
		return c.handleStartFailure(ctx)
	}

	deadline := time.Now().Add(c.Config.MaxStartWait)
	for {
		if c.Provider.Healthy(ctx) {
			if err := c.Queue.SetGpuWorkerStatus(ctx, entity.GpuWorkerRunning); err != nil {
				return err
			}
			log.Println("gpu worker is healthy and running")
			return nil
		}
		if !time.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.Config.HealthPollInterval):
		}
	}

	log.Printf("gpu worker never became healthy within %s", c.Config.MaxStartWait)
	return c.handleStartFailure(ctx)
}

// handleStartFailure parks the worker back in stopped and, when enabled,
// reroutes the waiting GPU jobs onto the CPU lane so they are not stuck
// behind a provider outage.
func (c *FleetController) handleStartFailure(ctx context.Context) error {
	metrics.GpuStartFailuresTotal.Inc()

	if err := c.Queue.SetGpuWorkerStatus(ctx, entity.GpuWorkerStopped); err != nil {
		return err
	}

	if !c.Config.AllowCPUFallback {
		log.Println("cpu fallback disabled, gpu jobs stay parked until the next start attempt")
		return nil
	}

	moved, err := c.Queue.DrainGpuLaneToCPU(ctx)
	if err != nil {
		log.Printf("cpu fallback drain stopped after %d jobs: %v", moved, err)
		return err
	}
	log.Printf("rerouted %d gpu jobs to the cpu lane", moved)
	return nil
}

// stopWorker issues a fire-and-forget stop. The flag is forced to stopped
// even if the stop call fails: an orphaned rental the provider will reap is
// better than a control loop stuck in stopping.
func (c *FleetController) stopWorker(ctx context.Context, idle time.Duration) error {
	log.Printf("gpu lane idle for %s, stopping gpu worker", idle.Round(time.Second))
	metrics.GpuStopsTotal.Inc()

	if err := c.Queue.SetGpuWorkerStatus(ctx, entity.GpuWorkerStopping); err != nil {
		return err
	}

	if err := c.Provider.Stop(ctx); err != nil {
		log.Printf("gpu worker stop call failed: %v", err)
	}

	return c.Queue.SetGpuWorkerStatus(ctx, entity.GpuWorkerStopped)
}

func (c *FleetController) refreshDepthGauges(ctx context.Context) {
	for _, lane := range []entity.Lane{entity.LaneCPU, entity.LaneGPU} {
		depth, err := c.Queue.GetQueueDepth(ctx, lane)
		if err != nil {
			continue
		}
		metrics.QueueDepth.WithLabelValues(string(lane)).Set(float64(depth))
	}
}
