package hither

import (
	"context"
	"os"

	"github.com/pkg/errors"

	"github.com/armadaproject/hither/internal/common/hithererrors"
	"github.com/armadaproject/hither/internal/common/shellscript"
	"github.com/armadaproject/hither/internal/common/util"
	"github.com/armadaproject/hither/internal/hither/batch"
	"github.com/armadaproject/hither/internal/hither/cache"
	"github.com/armadaproject/hither/internal/hither/configuration"
	"github.com/armadaproject/hither/internal/hither/container"
	"github.com/armadaproject/hither/internal/hither/contentstore"
	"github.com/armadaproject/hither/internal/hither/handler"
	"github.com/armadaproject/hither/internal/hither/job"
	"github.com/armadaproject/hither/internal/hither/parallel"
	"github.com/armadaproject/hither/internal/hither/runner"
	"github.com/armadaproject/hither/internal/hither/scheduler"
)

const (
	HandlerInline   = "inline"
	HandlerParallel = "parallel"
	HandlerBatch    = "batch"
)

// App holds the components shared by every hither command.
type App struct {
	Config   *configuration.HitherConfiguration
	Registry *job.Registry
	Store    *contentstore.LocalStore
	Cache    *cache.ResultCache
	Runner   *runner.Runner
	// Passed on to the hither processes handlers start, e.g., the configuration flags.
	ChildArgs []string
}

func NewApp(config *configuration.HitherConfiguration, registry *job.Registry) (*App, error) {
	store, err := contentstore.NewLocalStore(config.StorageDir)
	if err != nil {
		return nil, err
	}
	containers := container.NewRunner(container.Config{
		StorageDir:     store.Dir(),
		UseSingularity: config.Container.UseSingularity,
		PullImages:     config.Container.PullImages,
		KeepTempDirs:   config.Debug,
		Ladder:         ladder(config.Signals),
	})
	return &App{
		Config:   config,
		Registry: registry,
		Store:    store,
		Cache:    cache.NewResultCache(store, config.Cache.Presets),
		Runner:   runner.New(registry, containers),
	}, nil
}

func ladder(config configuration.SignalConfiguration) []shellscript.SignalStep {
	if config.Wait <= 0 || config.FinalWait <= 0 {
		return shellscript.DefaultLadder
	}
	return shellscript.NewLadder(config.Wait, config.FinalWait)
}

// NewScheduler returns a scheduler using the configured default cache.
func (a *App) NewScheduler() *scheduler.Scheduler {
	return scheduler.New(a.Runner, a.Store, a.Cache, scheduler.Options{
		PollInterval: a.Config.PollInterval,
		Defaults:     job.Config{Cache: a.Config.Cache.Default},
	})
}

// NewHandler builds a job handler of the given kind from the configuration.
func (a *App) NewHandler(ctx context.Context, kind string) (job.Handler, error) {
	switch kind {
	case HandlerInline:
		return handler.NewInline(ctx, a.Runner), nil
	case HandlerParallel:
		h, err := parallel.NewHandler(a.Config.Parallel.NumWorkers, parallel.NewProcessLauncher(parallel.ProcessOptions{
			Args: append([]string{"run-job"}, a.ChildArgs...),
		}))
		if err != nil {
			return nil, err
		}
		return h, nil
	case HandlerBatch:
		executable, err := os.Executable()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		workingDir := a.Config.Batch.WorkingDir
		if workingDir == "" {
			if workingDir, err = os.Getwd(); err != nil {
				return nil, errors.WithStack(err)
			}
		}
		h, err := batch.NewHandler(workingDir, batch.Config{
			WorkersPerBatch:        a.Config.Batch.WorkersPerBatch,
			CoresPerJob:            a.Config.Batch.CoresPerJob,
			UseSlurm:               a.Config.Batch.UseSlurm,
			TimeLimit:              a.Config.Batch.TimeLimit,
			MaxSimultaneousBatches: a.Config.Batch.MaxSimultaneousBatches,
			SrunOpts:               a.Config.Batch.SrunOpts,
			IdleGrace:              a.Config.Batch.IdleGrace,
			HaltWait:               a.Config.Batch.HaltWait,
			SetJobRetryDelay:       batch.DefaultConfig().SetJobRetryDelay,
			WorkerCommand:          append([]string{executable, "batch-worker"}, a.ChildArgs...),
			Env:                    []string{configuration.StorageDirEnvVar + "=" + a.Store.Dir()},
		})
		if err != nil {
			return nil, err
		}
		return h, nil
	default:
		return nil, &hithererrors.ErrConfiguration{Name: "handler", Value: kind, Message: "expected inline, parallel or batch"}
	}
}

func (a *App) Close() {
	util.CloseResource("result cache", a.Cache)
}
