package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/armadaproject/hither/internal/common/hithererrors"
	"github.com/armadaproject/hither/internal/common/util"
	"github.com/armadaproject/hither/internal/hither/job"
)

type Config struct {
	WorkersPerBatch int
	CoresPerJob     int
	UseSlurm        bool
	// Zero means no limit.
	TimeLimit time.Duration
	// Zero means no limit.
	MaxSimultaneousBatches int
	SrunOpts               []string
	// How long a batch that has had jobs stays up without work.
	IdleGrace time.Duration
	// How long halting waits for the tasks to exit on their own, twice, before signalling them.
	HaltWait         time.Duration
	SetJobRetryDelay time.Duration
	// Command that runs the worker loop. Defaults to `<this executable> batch-worker`.
	WorkerCommand []string
	// Added to the environment of the worker tasks.
	Env []string
}

// DefaultJobTimeout is assumed for placement of jobs declared without a timeout.
const DefaultJobTimeout = 1200 * time.Second

func placementTimeout(j *job.Job) time.Duration {
	if j.Timeout > 0 {
		return j.Timeout
	}
	return DefaultJobTimeout
}

func DefaultConfig() Config {
	return Config{
		WorkersPerBatch:  14,
		CoresPerJob:      2,
		UseSlurm:         true,
		IdleGrace:        30 * time.Second,
		HaltWait:         5 * time.Second,
		SetJobRetryDelay: 3 * time.Second,
	}
}

// Handler distributes jobs over batches of worker tasks.
type Handler struct {
	dir         string
	config      Config
	batches     []*Batch
	lastBatchId int
	unassigned  []*job.Job
	halted      bool
}

// NewHandler creates the handler directory under workingDir, creating workingDir if needed.
func NewHandler(workingDir string, config Config) (*Handler, error) {
	if config.WorkersPerBatch < 1 {
		return nil, &hithererrors.ErrConfiguration{Name: "workersPerBatch", Value: config.WorkersPerBatch, Message: "at least one worker is required"}
	}
	if config.CoresPerJob < 1 {
		config.CoresPerJob = 1
	}
	if config.WorkerCommand == nil {
		executable, err := os.Executable()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		config.WorkerCommand = []string{executable, "batch-worker"}
	}
	if err := os.MkdirAll(workingDir, 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	dir := filepath.Join(workingDir, "tmp_batch_job_handler_"+util.NewShortId(8))
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	return &Handler{dir: dir, config: config}, nil
}

func (h *Handler) Dir() string {
	return h.dir
}

// HandleJob queues j. A job whose timeout exceeds the batch time limit could never be placed and is rejected,
// as is every job handed to a halted handler.
func (h *Handler) HandleJob(j *job.Job) error {
	if h.halted {
		return &hithererrors.ErrConfiguration{Name: "handler", Value: h.dir, Message: "batch handler has been halted"}
	}
	if _, err := j.Runnable(); err != nil {
		return err
	}
	if h.config.TimeLimit > 0 && placementTimeout(j) > h.config.TimeLimit {
		return &hithererrors.ErrConfiguration{
			Name:    "timeout",
			Value:   placementTimeout(j),
			Message: fmt.Sprintf("job timeout exceeds the time limit of a batch (%s)", h.config.TimeLimit),
		}
	}
	h.unassigned = append(h.unassigned, j)
	return nil
}

func (h *Handler) Iterate() error {
	if h.halted {
		return nil
	}
	for _, b := range h.batches {
		if b.Status() != StatusFinished {
			if err := b.Iterate(); err != nil {
				return err
			}
		}
	}
	var stillUnassigned []*job.Job
	for _, j := range h.unassigned {
		assigned, err := h.assign(j)
		if err != nil {
			return err
		}
		if !assigned {
			stillUnassigned = append(stillUnassigned, j)
		}
	}
	h.unassigned = stillUnassigned
	return nil
}

// assign places j in a running batch with room. Otherwise it may start a new batch, into which j is
// placed on a later iteration.
func (h *Handler) assign(j *job.Job) (bool, error) {
	for _, b := range h.batches {
		if b.CanAddJob(j) {
			return true, b.AddJob(j)
		}
	}
	live := 0
	for _, b := range h.batches {
		switch b.Status() {
		case StatusPending, StatusWaiting:
			return false, nil
		case StatusRunning:
			live++
		}
	}
	if h.config.MaxSimultaneousBatches > 0 && live >= h.config.MaxSimultaneousBatches {
		return false, nil
	}
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return false, errors.WithStack(err)
	}
	h.lastBatchId++
	b, err := NewBatch(
		filepath.Join(h.dir, fmt.Sprintf("batch_%d_%s", h.lastBatchId, util.NewShortId(8))),
		fmt.Sprintf("batch %d", h.lastBatchId),
		h.config,
	)
	if err != nil {
		return false, err
	}
	h.batches = append(h.batches, b)
	return false, b.Start()
}

func (h *Handler) IsFinished() bool {
	if h.halted {
		return true
	}
	if len(h.unassigned) > 0 {
		return false
	}
	for _, b := range h.batches {
		if b.Status() == StatusRunning && b.HasJob() {
			return false
		}
	}
	return true
}

// Halt stops every batch that has not finished.
func (h *Handler) Halt() error {
	var g errgroup.Group
	for _, b := range h.batches {
		if b.Status() != StatusFinished {
			b := b
			g.Go(b.Halt)
		}
	}
	h.halted = true
	return g.Wait()
}

// Cleanup halts every batch and removes the handler directory. The handler can then take new jobs,
// which start new batches.
func (h *Handler) Cleanup() error {
	err := h.Halt()
	if rmErr := util.RemoveAllWithRetries(h.dir, 10, time.Second); rmErr != nil {
		log.WithError(rmErr).Warnf("Unable to remove %s", h.dir)
		if err == nil {
			err = rmErr
		}
	}
	h.batches = nil
	h.unassigned = nil
	h.halted = false
	return err
}
