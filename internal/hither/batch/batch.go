package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/hither/internal/common/filelock"
	"github.com/armadaproject/hither/internal/common/util"
	"github.com/armadaproject/hither/internal/hither/job"
	"github.com/armadaproject/hither/internal/hither/metrics"
)

const (
	runningFile      = "running.txt"
	slurmStartedFile = "slurm_started.txt"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusWaiting  Status = "waiting"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
)

// Batch is one srun allocation (or set of local processes) and the worker slots it serves.
type Batch struct {
	dir     string
	label   string
	config  Config
	status  Status
	workers []*Worker
	process *taskProcess

	startedAt time.Time
	hadAJob   bool
}

func NewBatch(dir string, label string, config Config) (*Batch, error) {
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	b := &Batch{
		dir:     dir,
		label:   label,
		config:  config,
		status:  StatusPending,
		process: &taskProcess{dir: dir, config: config},
	}
	for i := 0; i < config.WorkersPerBatch; i++ {
		b.workers = append(b.workers, NewWorker(filepath.Join(dir, fmt.Sprintf("worker_%d", i)), config.SetJobRetryDelay))
	}
	return b, nil
}

func (b *Batch) Status() Status {
	return b.status
}

func (b *Batch) ElapsedSinceStarted() time.Duration {
	if b.startedAt.IsZero() {
		return 0
	}
	return time.Since(b.startedAt)
}

// Start creates running.txt and launches the worker tasks. The batch is running once a task reports in.
func (b *Batch) Start() error {
	if b.status != StatusPending {
		return errors.Errorf("cannot start %s: it is %s", b.label, b.status)
	}
	if err := filelock.WriteText(filepath.Join(b.dir, runningFile), "batch."); err != nil {
		return err
	}
	if err := b.process.start(); err != nil {
		return err
	}
	b.status = StatusWaiting
	metrics.AddLiveBatches(1)
	return nil
}

func (b *Batch) Iterate() error {
	switch b.status {
	case StatusWaiting:
		if err := b.iterateWorkers(); err != nil {
			return err
		}
		started, err := filelock.Exists(filepath.Join(b.dir, slurmStartedFile))
		if err != nil {
			return err
		}
		if started {
			b.status = StatusRunning
			b.startedAt = time.Now()
			log.Infof("Started %s", b.label)
		}
	case StatusRunning:
		if err := b.iterateWorkers(); err != nil {
			return err
		}
		if b.hadAJob && b.isIdle() {
			log.Infof("Halting %s: idle for %s", b.label, b.config.IdleGrace)
			return b.Halt()
		}
	}
	return nil
}

func (b *Batch) iterateWorkers() error {
	for _, w := range b.workers {
		if err := w.Iterate(); err != nil {
			return err
		}
	}
	return nil
}

func (b *Batch) isIdle() bool {
	for _, w := range b.workers {
		if w.HasJob() {
			return false
		}
		if w.EverHadJob() && w.ElapsedSinceLastJob() <= b.config.IdleGrace {
			return false
		}
	}
	return true
}

// CanAddJob reports whether j fits: the batch is running, has a vacant slot and has enough of its
// time limit left for the job's timeout.
func (b *Batch) CanAddJob(j *job.Job) bool {
	if b.status != StatusRunning {
		return false
	}
	if b.config.TimeLimit > 0 && placementTimeout(j)+b.ElapsedSinceStarted() > b.config.TimeLimit {
		return false
	}
	return b.vacancy() != nil
}

func (b *Batch) vacancy() *Worker {
	for _, w := range b.workers {
		if !w.HasJob() {
			return w
		}
	}
	return nil
}

func (b *Batch) HasJob() bool {
	for _, w := range b.workers {
		if w.HasJob() {
			return true
		}
	}
	return false
}

func (b *Batch) numBusy() int {
	n := 0
	for _, w := range b.workers {
		if w.HasJob() {
			n++
		}
	}
	return n
}

func (b *Batch) numStarted() int {
	n := 0
	for _, w := range b.workers {
		if w.HasStarted() {
			n++
		}
	}
	return n
}

func (b *Batch) AddJob(j *job.Job) error {
	if b.status != StatusRunning {
		return errors.Errorf("cannot add job to %s: it is %s", b.label, b.status)
	}
	w := b.vacancy()
	if w == nil {
		return errors.Errorf("cannot add job to %s: no vacancies", b.label)
	}
	log.Infof("Adding job to %s (%d/%d, %d workers started): [%s]", b.label, b.numBusy()+1, len(b.workers), b.numStarted(), j.Label)
	b.hadAJob = true
	return w.SetJob(j)
}

// Halt removes running.txt, gives the tasks time to notice and then stops the ones still running.
func (b *Batch) Halt() error {
	if b.status == StatusFinished {
		return nil
	}
	var err error
	running := filepath.Join(b.dir, runningFile)
	if util.FileExists(running) {
		err = filelock.Remove(running)
	}
	if b.status != StatusPending {
		metrics.AddLiveBatches(-1)
	}
	b.status = StatusFinished
	if !b.process.wait(b.config.HaltWait) {
		log.Infof("Waiting for tasks of %s to end", b.label)
		b.process.wait(b.config.HaltWait)
	}
	b.process.halt()
	return err
}
