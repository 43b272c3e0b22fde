package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PiEnTran30/XSonic-sub000/internal/domain/entity"
)

func testFleetConfig() FleetConfig {
	return FleetConfig{
		TickInterval:       time.Second,
		HealthPollInterval: time.Millisecond,
		MaxStartWait:       20 * time.Millisecond,
		Cooldown:           5 * time.Minute,
		IdleTimeout:        10 * time.Minute,
		AllowCPUFallback:   true,
	}
}

func newFleetFixture(cfg FleetConfig) (*FleetController, *QueueUseCase, *fakeStore, *fakeProvider) {
	uc, store, _, _ := newTestUseCase()
	provider := &fakeProvider{}
	return NewFleetController(uc, provider, cfg), uc, store, provider
}

func TestCycleStartsWorkerWhenGpuJobsWait(t *testing.T) {
	ctrl, uc, _, provider := newFleetFixture(testFleetConfig())
	provider.healthy = true
	ctx := context.Background()

	_, _, err := uc.EnqueueJob(ctx, enqueueReq("k1", true))
	require.NoError(t, err)

	require.NoError(t, ctrl.RunCycle(ctx))

	status, err := uc.GetGpuWorkerStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, entity.GpuWorkerRunning, status)
	assert.Equal(t, 1, provider.startCalls)
}

func TestCycleDoesNothingWhenIdleAndStopped(t *testing.T) {
	ctrl, uc, _, provider := newFleetFixture(testFleetConfig())
	ctx := context.Background()

	require.NoError(t, ctrl.RunCycle(ctx))

	status, err := uc.GetGpuWorkerStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, entity.GpuWorkerStopped, status)
	assert.Zero(t, provider.startCalls)
	assert.Zero(t, provider.stopCalls)
}

func TestStartCallFailureFallsBackToCPU(t *testing.T) {
	ctrl, uc, store, provider := newFleetFixture(testFleetConfig())
	provider.startErr = errors.New("provider returned 502")
	ctx := context.Background()

	j1, _, err := uc.EnqueueJob(ctx, enqueueReq("k1", true))
	require.NoError(t, err)

	require.NoError(t, ctrl.RunCycle(ctx))

	status, err := uc.GetGpuWorkerStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, entity.GpuWorkerStopped, status)

	// The GPU job is now retrievable from the CPU lane with its
	// requirements flipped and everything else intact.
	got, err := uc.DequeueJob(ctx, entity.LaneCPU)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, j1.JobID, got.JobID)
	assert.False(t, got.Requirements.RequiresGPU)
	assert.True(t, got.Requirements.RequiresCPU)
	assert.Empty(t, store.laneIDs(entity.LaneGPU))
}

func TestHealthTimeoutFallsBackToCPU(t *testing.T) {
	ctrl, uc, store, provider := newFleetFixture(testFleetConfig())
	provider.healthy = false // never becomes ready
	ctx := context.Background()

	_, _, err := uc.EnqueueJob(ctx, enqueueReq("k1", true))
	require.NoError(t, err)

	require.NoError(t, ctrl.RunCycle(ctx))

	status, err := uc.GetGpuWorkerStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, entity.GpuWorkerStopped, status)
	assert.Greater(t, provider.healthCalls, 1)
	assert.Len(t, store.laneIDs(entity.LaneCPU), 1)
}

func TestStartFailureWithFallbackDisabledParksJobs(t *testing.T) {
	cfg := testFleetConfig()
	cfg.AllowCPUFallback = false
	ctrl, uc, store, provider := newFleetFixture(cfg)
	provider.startErr = errors.New("no capacity")
	ctx := context.Background()

	_, _, err := uc.EnqueueJob(ctx, enqueueReq("k1", true))
	require.NoError(t, err)

	require.NoError(t, ctrl.RunCycle(ctx))

	status, err := uc.GetGpuWorkerStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, entity.GpuWorkerStopped, status)
	assert.Len(t, store.laneIDs(entity.LaneGPU), 1, "jobs stay parked for the next tick")
	assert.Empty(t, store.laneIDs(entity.LaneCPU))
}

func TestWorkerEventuallyHealthy(t *testing.T) {
	cfg := testFleetConfig()
	cfg.MaxStartWait = time.Second
	ctrl, uc, _, provider := newFleetFixture(cfg)
	provider.healthy = true
	provider.healthyAfter = 3
	ctx := context.Background()

	_, _, err := uc.EnqueueJob(ctx, enqueueReq("k1", true))
	require.NoError(t, err)

	require.NoError(t, ctrl.RunCycle(ctx))

	status, err := uc.GetGpuWorkerStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, entity.GpuWorkerRunning, status)
	assert.Equal(t, 4, provider.healthCalls)
}

func TestIdleWorkerIsStoppedAfterIdleWindow(t *testing.T) {
	ctrl, uc, store, provider := newFleetFixture(testFleetConfig())
	ctx := context.Background()

	require.NoError(t, uc.SetGpuWorkerStatus(ctx, entity.GpuWorkerRunning))
	store.setLastUpdate(time.Now().Add(-11 * time.Minute))

	require.NoError(t, ctrl.RunCycle(ctx))

	status, err := uc.GetGpuWorkerStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, entity.GpuWorkerStopped, status)
	assert.Equal(t, 1, provider.stopCalls)
}

func TestRunningWorkerKeptWithinIdleWindow(t *testing.T) {
	ctrl, uc, store, provider := newFleetFixture(testFleetConfig())
	ctx := context.Background()

	require.NoError(t, uc.SetGpuWorkerStatus(ctx, entity.GpuWorkerRunning))
	store.setLastUpdate(time.Now().Add(-3 * time.Minute))

	require.NoError(t, ctrl.RunCycle(ctx))

	status, err := uc.GetGpuWorkerStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, entity.GpuWorkerRunning, status)
	assert.Zero(t, provider.stopCalls)
}

func TestStopFailureStillMarksStopped(t *testing.T) {
	ctrl, uc, store, provider := newFleetFixture(testFleetConfig())
	provider.stopErr = errors.New("provider timeout")
	ctx := context.Background()

	require.NoError(t, uc.SetGpuWorkerStatus(ctx, entity.GpuWorkerRunning))
	store.setLastUpdate(time.Now().Add(-time.Hour))

	require.NoError(t, ctrl.RunCycle(ctx))

	status, err := uc.GetGpuWorkerStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, entity.GpuWorkerStopped, status, "stop is fire-and-forget; the loop must not stick in stopping")
}

func TestCooldownBlocksImmediateRestart(t *testing.T) {
	ctrl, uc, store, provider := newFleetFixture(testFleetConfig())
	provider.healthy = true
	ctx := context.Background()

	_, _, err := uc.EnqueueJob(ctx, enqueueReq("k1", true))
	require.NoError(t, err)

	// Worker stopped moments ago.
	require.NoError(t, uc.SetGpuWorkerStatus(ctx, entity.GpuWorkerStopped))
	store.setLastUpdate(time.Now().Add(-time.Minute))

	require.NoError(t, ctrl.RunCycle(ctx))
	assert.Zero(t, provider.startCalls)

	// Once the dwell has passed, the next tick starts it.
	store.setLastUpdate(time.Now().Add(-6 * time.Minute))
	require.NoError(t, ctrl.RunCycle(ctx))
	assert.Equal(t, 1, provider.startCalls)
}

func TestBusyWorkerTouchesIdleClock(t *testing.T) {
	ctrl, uc, store, _ := newFleetFixture(testFleetConfig())
	ctx := context.Background()

	_, _, err := uc.EnqueueJob(ctx, enqueueReq("k1", true))
	require.NoError(t, err)

	require.NoError(t, uc.SetGpuWorkerStatus(ctx, entity.GpuWorkerRunning))
	stale := time.Now().Add(-time.Hour)
	store.setLastUpdate(stale)

	require.NoError(t, ctrl.RunCycle(ctx))

	lastUpdate, err := uc.GetGpuWorkerLastUpdate(ctx)
	require.NoError(t, err)
	assert.True(t, lastUpdate.After(stale), "pending gpu work must reset the idle clock")
}

func TestInFlightTransitionIsLeftAlone(t *testing.T) {
	ctrl, uc, _, provider := newFleetFixture(testFleetConfig())
	ctx := context.Background()

	_, _, err := uc.EnqueueJob(ctx, enqueueReq("k1", true))
	require.NoError(t, err)
	require.NoError(t, uc.SetGpuWorkerStatus(ctx, entity.GpuWorkerStarting))

	require.NoError(t, ctrl.RunCycle(ctx))

	status, err := uc.GetGpuWorkerStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, entity.GpuWorkerStarting, status)
	assert.Zero(t, provider.startCalls)
}
