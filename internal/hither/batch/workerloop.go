package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/armadaproject/hither/internal/common/filelock"
	"github.com/armadaproject/hither/internal/common/util"
	"github.com/armadaproject/hither/internal/hither/job"
	"github.com/armadaproject/hither/internal/hither/runner"
)

const maxLoopErrors = 5

type WorkerLoopConfig struct {
	WorkingDir   string
	NumWorkers   int
	PollInterval time.Duration
	// Pause after a failed read of a coordination file.
	ErrorDelay time.Duration
}

// AddWorkerLoopFlags registers the flags of the worker task command on fs.
func AddWorkerLoopFlags(fs *pflag.FlagSet) *WorkerLoopConfig {
	config := &WorkerLoopConfig{}
	fs.StringVar(&config.WorkingDir, "working-dir", "", "Batch directory shared with the handler")
	fs.IntVar(&config.NumWorkers, "num-workers", 1, "Number of worker slots in the batch")
	fs.DurationVar(&config.PollInterval, "poll-interval", 200*time.Millisecond, "How often to look for a new job")
	fs.DurationVar(&config.ErrorDelay, "error-delay", 3*time.Second, "Pause after a failed read of a coordination file")
	return config
}

// RunWorkerLoop is the body of a worker task. It claims a slot of the batch in config.WorkingDir and
// executes the jobs written to it until running.txt is removed. If the loop fails, the error is written
// to the slot's error sentinel for the handler to report.
func RunWorkerLoop(ctx context.Context, r *runner.Runner, config WorkerLoopConfig) error {
	if err := filelock.WriteText(filepath.Join(config.WorkingDir, slurmStartedFile), "slurm is running."); err != nil {
		return err
	}
	time.Sleep(time.Duration(rand.Int63n(int64(100 * time.Millisecond))))
	slot := -1
	for i := 0; i < config.NumWorkers; i++ {
		claimed, err := filelock.CreateIfAbsent(filepath.Join(config.WorkingDir, fmt.Sprintf("worker_%d%s", i, claimedSuffix)), "claimed")
		if err != nil {
			return err
		}
		if claimed {
			slot = i
			break
		}
	}
	if slot < 0 {
		return errors.Errorf("unable to claim a worker slot in %s", config.WorkingDir)
	}
	basePath := filepath.Join(config.WorkingDir, fmt.Sprintf("worker_%d", slot))
	log.Infof("Claimed worker slot %d in %s", slot, config.WorkingDir)

	err := serveSlot(ctx, r, config, basePath)
	if err != nil {
		resultPath := basePath + resultSuffix
		if writeErr := filelock.WriteText(resultPath+errorSuffix, fmt.Sprintf("%+v\n", err)); writeErr != nil {
			log.WithError(writeErr).Error("Unable to report worker error")
		}
	}
	return err
}

func serveSlot(ctx context.Context, r *runner.Runner, config WorkerLoopConfig, basePath string) error {
	runningPath := filepath.Join(config.WorkingDir, runningFile)
	jobPath := basePath + jobSuffix
	resultPath := basePath + resultSuffix
	numErrors := 0
	recordError := func(err error, what string) error {
		numErrors++
		log.WithError(err).Warnf("Unexpected problem %s in worker, trying to continue", what)
		if numErrors >= maxLoopErrors {
			return errors.Wrapf(err, "problem %s in worker: too many errors", what)
		}
		time.Sleep(config.ErrorDelay)
		return nil
	}

	for {
		running, err := filelock.Exists(runningPath)
		if err != nil {
			if !util.FileExists(config.WorkingDir) {
				log.Info("Working directory does not exist, stopping worker")
				return nil
			}
			if err := recordError(err, "checking for running file"); err != nil {
				return err
			}
		} else if !running {
			log.Info("Stopping worker")
			return nil
		}

		rj, err := readPendingJob(jobPath, resultPath)
		if err != nil {
			if err := recordError(err, "loading job file"); err != nil {
				return err
			}
		}
		if rj != nil {
			result, err := r.ExecuteByName(ctx, rj)
			if err != nil {
				return err
			}
			if err := filelock.WriteJSONFile(resultPath, result); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			log.Info("Worker interrupted")
			return nil
		case <-time.After(config.PollInterval):
		}
	}
}

// readPendingJob returns the job in jobPath if it has no result yet. The result is checked first: the
// handler retires the job file before the result file.
func readPendingJob(jobPath string, resultPath string) (*job.RunnableJob, error) {
	var rj *job.RunnableJob
	err := filelock.WithLock(filelock.LockPath(jobPath), filelock.Shared, func() error {
		if util.FileExists(resultPath) {
			return nil
		}
		if !util.FileExists(jobPath) {
			return nil
		}
		data, err := os.ReadFile(jobPath)
		if err != nil {
			return errors.WithStack(err)
		}
		rj = &job.RunnableJob{}
		return errors.Wrapf(json.Unmarshal(data, rj), "decoding %s", jobPath)
	})
	if err != nil {
		return nil, err
	}
	return rj, nil
}
