package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/hither/internal/common/filelock"
	"github.com/armadaproject/hither/internal/common/hithererrors"
	"github.com/armadaproject/hither/internal/common/util"
	"github.com/armadaproject/hither/internal/hither/job"
	"github.com/armadaproject/hither/internal/hither/metrics"
)

const (
	jobSuffix      = "_job.json"
	resultSuffix   = "_result.json"
	claimedSuffix  = "_claimed.txt"
	errorSuffix    = ".error"
	completeSuffix = ".complete"

	setJobAttempts = 3
)

// Worker is the handler's view of one slot of a batch.
type Worker struct {
	basePath   string
	retryDelay time.Duration

	job        *job.Job
	finishedAt time.Time
	hasStarted bool
}

func NewWorker(basePath string, retryDelay time.Duration) *Worker {
	return &Worker{basePath: basePath, retryDelay: retryDelay}
}

func (w *Worker) jobPath() string {
	return w.basePath + jobSuffix
}

func (w *Worker) resultPath() string {
	return w.basePath + resultSuffix
}

func (w *Worker) HasJob() bool {
	return w.job != nil
}

func (w *Worker) EverHadJob() bool {
	return w.job != nil || !w.finishedAt.IsZero()
}

// ElapsedSinceLastJob is zero while the worker has a job.
func (w *Worker) ElapsedSinceLastJob() time.Duration {
	if w.job != nil || w.finishedAt.IsZero() {
		return 0
	}
	return time.Since(w.finishedAt)
}

// HasStarted reports whether a worker task has claimed this slot.
func (w *Worker) HasStarted() bool {
	if !w.hasStarted && util.FileExists(w.basePath+claimedSuffix) {
		w.hasStarted = true
	}
	return w.hasStarted
}

// SetJob hands j to the worker task by writing its job file.
func (w *Worker) SetJob(j *job.Job) error {
	rj, err := j.Runnable()
	if err != nil {
		return err
	}
	w.job = j
	j.Status = job.StatusRunning
	return retry.Do(
		func() error {
			return filelock.WriteJSONFile(w.jobPath(), rj)
		},
		retry.Attempts(setJobAttempts),
		retry.Delay(w.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("Problem writing job file (try number %d)", n+1)
		}),
	)
}

// Iterate applies the result written by the worker task, if there is one. An error sentinel written by
// the task is returned as an ErrFramework.
func (w *Worker) Iterate() error {
	if w.job == nil {
		return nil
	}
	result, err := w.takeResult()
	if err != nil {
		return err
	}
	if result == nil {
		diagnostics, failed, err := filelock.ReadText(w.resultPath() + errorSuffix)
		if err != nil || !failed {
			return err
		}
		return &hithererrors.ErrFramework{
			Component:   "batch",
			Message:     fmt.Sprintf("unexpected error processing job %s in batch", w.job.Label),
			Diagnostics: diagnostics,
		}
	}
	w.job.SetResult(result)
	metrics.RecordJobCompleted(metrics.HandlerBatch, string(w.job.Status))
	w.job = nil
	w.finishedAt = time.Now()
	return nil
}

// takeResult decodes the result file and retires both coordination files of the slot by renaming them
// to .complete. Both renames are writes and happen under exclusive locks.
func (w *Worker) takeResult() (*job.Result, error) {
	jobPath := w.jobPath()
	resultPath := w.resultPath()
	var result *job.Result
	err := filelock.WithLock(filelock.LockPath(resultPath), filelock.Exclusive, func() error {
		if !util.FileExists(resultPath) {
			return nil
		}
		data, err := os.ReadFile(resultPath)
		if err != nil {
			return errors.WithStack(err)
		}
		decoded := &job.Result{}
		if err := json.Unmarshal(data, decoded); err != nil {
			return errors.Wrapf(err, "decoding %s", resultPath)
		}
		err = filelock.WithLock(filelock.LockPath(jobPath), filelock.Exclusive, func() error {
			return errors.WithStack(os.Rename(jobPath, jobPath+completeSuffix))
		})
		if err != nil {
			return err
		}
		if err := os.Rename(resultPath, resultPath+completeSuffix); err != nil {
			return errors.WithStack(err)
		}
		result = decoded
		return nil
	})
	return result, err
}
