// Package handler contains the inline job handler.
package handler

import (
	"context"

	"github.com/armadaproject/hither/internal/hither/job"
	"github.com/armadaproject/hither/internal/hither/metrics"
	"github.com/armadaproject/hither/internal/hither/runner"
)

// Inline runs each job to completion inside HandleJob.
type Inline struct {
	ctx    context.Context
	runner *runner.Runner
}

func NewInline(ctx context.Context, runner *runner.Runner) *Inline {
	return &Inline{ctx: ctx, runner: runner}
}

func (h *Inline) HandleJob(j *job.Job) error {
	return Run(h.ctx, h.runner, j, metrics.HandlerInline)
}

func (h *Inline) Iterate() error {
	return nil
}

func (h *Inline) Cleanup() error {
	return nil
}

func (h *Inline) IsFinished() bool {
	return true
}

// Run executes a prepared job in the current process and applies the result to it.
func Run(ctx context.Context, r *runner.Runner, j *job.Job, handlerName string) error {
	rj, err := j.Runnable()
	if err != nil {
		return err
	}
	j.Status = job.StatusRunning
	result, err := r.Execute(ctx, rj, j.Template.Func)
	if err != nil {
		return err
	}
	j.SetResult(result)
	metrics.RecordJobCompleted(handlerName, string(j.Status))
	return nil
}
