package entity

type GpuWorkerStatus string

const (
	GpuWorkerStopped  GpuWorkerStatus = "stopped"
	GpuWorkerStarting GpuWorkerStatus = "starting"
	GpuWorkerRunning  GpuWorkerStatus = "running"
	GpuWorkerStopping GpuWorkerStatus = "stopping"
)
