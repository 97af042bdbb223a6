package configuration

import (
	"time"

	"github.com/armadaproject/hither/internal/hither/job"
)

type HitherConfiguration struct {
	// Root of the content store. Temporary outputs and container staging directories live below it.
	StorageDir   string `validate:"required"`
	PollInterval time.Duration
	MetricsPort  uint16
	// Keeps temporary directories around for inspection.
	Debug     bool
	Cache     CacheConfiguration
	Parallel  ParallelConfiguration
	Batch     BatchConfiguration
	Container ContainerConfiguration
	Signals   SignalConfiguration
}

type CacheConfiguration struct {
	// Named connection settings that jobs refer to with job.CacheConfig.Preset.
	Presets map[string]job.CacheConfig `validate:"dive"`
	// Applied to every job when set, e.g., {preset: local}.
	Default *job.CacheConfig
}

type ParallelConfiguration struct {
	NumWorkers int `validate:"min=1"`
}

type BatchConfiguration struct {
	WorkingDir             string
	WorkersPerBatch        int `validate:"min=1"`
	CoresPerJob            int `validate:"min=1"`
	UseSlurm               bool
	TimeLimit              time.Duration
	MaxSimultaneousBatches int `validate:"min=0"`
	SrunOpts               []string
	IdleGrace              time.Duration
	HaltWait               time.Duration
}

type ContainerConfiguration struct {
	UseSingularity bool
	PullImages     bool
}

// SignalConfiguration sets the waits of the escalation used to stop supervised processes.
type SignalConfiguration struct {
	Wait      time.Duration
	FinalWait time.Duration
}
