// Package parallel runs jobs in child processes of the current binary, at most a fixed number at a time.
//
// Each child is started as `hither run-job` with a duplex pipe on file descriptors 3 (from the parent)
// and 4 (to the parent). The parent writes the runnable job, the child writes back the result and
// then waits for the parent to acknowledge it before exiting.
package parallel

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/hither/internal/common/hithererrors"
	"github.com/armadaproject/hither/internal/hither/job"
	"github.com/armadaproject/hither/internal/hither/metrics"
)

type entryStatus string

const (
	entryPending  entryStatus = "pending"
	entryRunning  entryStatus = "running"
	entryFinished entryStatus = "finished"
)

type entry struct {
	job    *job.Job
	status entryStatus
	child  Child
}

// Handler keeps at most numWorkers children running. Jobs start in the order they were handed over.
type Handler struct {
	numWorkers int
	launch     Launcher
	entries    []*entry
}

func NewHandler(numWorkers int, launch Launcher) (*Handler, error) {
	if numWorkers < 1 {
		return nil, &hithererrors.ErrConfiguration{Name: "numWorkers", Value: numWorkers, Message: "at least one worker is required"}
	}
	return &Handler{numWorkers: numWorkers, launch: launch}, nil
}

// HandleJob queues j. The child process is started by a later Iterate.
func (h *Handler) HandleJob(j *job.Job) error {
	if _, err := j.Runnable(); err != nil {
		return err
	}
	h.entries = append(h.entries, &entry{job: j, status: entryPending})
	return nil
}

func (h *Handler) Iterate() error {
	for _, e := range h.entries {
		if e.status != entryRunning {
			continue
		}
		select {
		case msg := <-e.child.Results():
			if err := h.complete(e, msg); err != nil {
				return err
			}
		default:
		}
	}
	for h.numRunning() < h.numWorkers {
		e := h.nextPending()
		if e == nil {
			break
		}
		rj, err := e.job.Runnable()
		if err != nil {
			return err
		}
		child, err := h.launch(rj)
		if err != nil {
			return &hithererrors.ErrFramework{Component: "parallel", Message: errors.Wrapf(err, "starting process for %s", e.job.Label).Error()}
		}
		e.child = child
		e.status = entryRunning
		e.job.Status = job.StatusRunning
		metrics.AddRunningProcesses(1)
	}
	return nil
}

func (h *Handler) complete(e *entry, msg Message) error {
	e.status = entryFinished
	metrics.AddRunningProcesses(-1)
	if msg.Err != nil {
		_ = e.child.Wait()
		return &hithererrors.ErrFramework{
			Component:   "parallel",
			Message:     errors.Wrapf(msg.Err, "no result from process running %s", e.job.Label).Error(),
			Diagnostics: e.child.Diagnostics(),
		}
	}
	e.job.SetResult(msg.Result)
	if err := e.child.Ack(); err != nil {
		log.WithError(err).Warnf("Unable to acknowledge result of %s", e.job.Label)
	}
	if err := e.child.Wait(); err != nil {
		log.WithError(err).Warnf("Process running %s did not exit cleanly", e.job.Label)
	}
	metrics.RecordJobCompleted(metrics.HandlerParallel, string(e.job.Status))
	return nil
}

func (h *Handler) numRunning() int {
	n := 0
	for _, e := range h.entries {
		if e.status == entryRunning {
			n++
		}
	}
	return n
}

func (h *Handler) nextPending() *entry {
	for _, e := range h.entries {
		if e.status == entryPending {
			return e
		}
	}
	return nil
}

// Cleanup kills any children still running and forgets every entry, so the handler can serve another queue.
func (h *Handler) Cleanup() error {
	for _, e := range h.entries {
		if e.status == entryRunning {
			log.Warnf("Killing process running %s", e.job.Label)
			e.child.Kill()
			e.status = entryFinished
			metrics.AddRunningProcesses(-1)
		}
	}
	h.entries = nil
	return nil
}

func (h *Handler) IsFinished() bool {
	for _, e := range h.entries {
		if e.status != entryFinished {
			return false
		}
	}
	return true
}
