// Package runner executes prepared jobs in the current process or, for jobs bound to a container,
// through a container executor. Every execution path in hither ends up here.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"

	"github.com/armadaproject/hither/internal/common/consolecapture"
	"github.com/armadaproject/hither/internal/common/hithererrors"
	"github.com/armadaproject/hither/internal/hither/job"
)

// ContainerOutcome is what a container run reports back.
type ContainerOutcome struct {
	Retval      interface{}
	RuntimeInfo *job.RuntimeInfo
}

type ContainerExecutor interface {
	// Run executes rj inside its container, writing what the host side observes to console.
	// An error means the run produced no structured result.
	Run(ctx context.Context, rj *job.RunnableJob, console io.Writer) (*ContainerOutcome, error)
	// Prepare makes image available locally, e.g., by pulling it.
	Prepare(image string) error
}

type Runner struct {
	registry   *job.Registry
	containers ContainerExecutor
	echo       io.Writer
}

// New returns a Runner. containers may be nil, in which case jobs bound to a container fail to run.
func New(registry *job.Registry, containers ContainerExecutor) *Runner {
	return &Runner{registry: registry, containers: containers, echo: os.Stdout}
}

// WithEcho sets where captured console output is copied while a job runs. Nil silences it.
func (r *Runner) WithEcho(echo io.Writer) *Runner {
	r.echo = echo
	return r
}

func (r *Runner) Registry() *job.Registry {
	return r.registry
}

// PrepareContainer makes image available before jobs using it are dispatched.
func (r *Runner) PrepareContainer(image string) error {
	if image == "" {
		return nil
	}
	if r.containers == nil {
		return &hithererrors.ErrConfiguration{Name: "container", Value: image, Message: "no container runtime is configured"}
	}
	return r.containers.Prepare(image)
}

// ExecuteByName looks the job's function up in the registry and executes it.
func (r *Runner) ExecuteByName(ctx context.Context, rj *job.RunnableJob) (*job.Result, error) {
	t, err := r.registry.Get(rj.Name)
	if err != nil {
		return nil, err
	}
	return r.Execute(ctx, rj, t.Func)
}

// Execute runs rj and returns its result. Failures of the function itself are recorded in the result;
// an error is returned only when the job could not be run at all.
func (r *Runner) Execute(ctx context.Context, rj *job.RunnableJob, fn job.Func) (*job.Result, error) {
	var retval interface{}
	var info *job.RuntimeInfo
	if rj.Container == "" {
		retval, info = RunFunc(ctx, rj.Label, fn, rj.ResolvedKwargs, rj.Timeout(), r.echo)
	} else {
		if r.containers == nil {
			return nil, &hithererrors.ErrConfiguration{Name: "container", Value: rj.Container, Message: "no container runtime is configured"}
		}
		capture := consolecapture.Start(rj.Label, r.echo)
		capture.Println(fmt.Sprintf("===== Hither: running %s in container: %s", rj.Label, rj.Container))
		console := capture.Writer()
		outcome, err := r.containers.Run(ctx, rj, console)
		consolecapture.Flush(console)
		capture.Stop()
		if err != nil {
			return nil, err
		}
		retval = outcome.Retval
		info = outcome.RuntimeInfo
		info.ContainerRuntimeInfo = &job.RuntimeInfo{
			StartTime:  capture.StartTime(),
			EndTime:    capture.EndTime(),
			Status:     info.Status,
			ConsoleOut: capture.Output(),
		}
	}
	return newResult(rj, retval, info), nil
}

func newResult(rj *job.RunnableJob, retval interface{}, info *job.RuntimeInfo) *job.Result {
	result := &job.Result{Outputs: map[string]*job.File{}}
	if rj.Result != nil {
		*result = *rj.Result
	}
	result.Retval = retval
	result.RuntimeInfo = info
	result.Status = info.Status
	result.Success = info.Status == job.RunFinished
	return result
}

// RunFunc calls fn inside a console capture scope and waits for it to return. A non-zero timeout becomes
// the deadline of the function's context; fn is never abandoned.
// The return value is normalised through JSON, so it is the same whether or not it crossed a process boundary.
func RunFunc(ctx context.Context, label string, fn job.Func, kwargs map[string]interface{}, timeout time.Duration, echo io.Writer) (interface{}, *job.RuntimeInfo) {
	capture := consolecapture.Start(label, echo)
	stdout := capture.Writer()
	stderr := capture.Writer()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		retval interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: errors.Errorf("panic: %v\n%s", p, debug.Stack())}
			}
		}()
		kw := make(job.Kwargs, len(kwargs))
		for k, v := range kwargs {
			kw[k] = v
		}
		retval, err := fn(&job.Context{Context: ctx, Label: label, Stdout: stdout, Stderr: stderr}, kw)
		done <- outcome{retval: retval, err: err}
	}()

	o := <-done
	retval := o.retval
	status := job.RunFinished
	errorMessage := ""
	if o.err == nil {
		var err error
		if retval, err = normalize(o.retval); err != nil {
			o.err = errors.Wrap(err, "return value is not JSON serializable")
			retval = nil
		}
	}
	if o.err != nil {
		status = job.RunError
		errorMessage = o.err.Error()
		fmt.Fprintf(stderr, "%+v\n", o.err)
		if errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == context.DeadlineExceeded {
			status = job.RunTimedOut
		}
	}
	consolecapture.Flush(stdout)
	consolecapture.Flush(stderr)
	capture.Stop()
	return retval, &job.RuntimeInfo{
		StartTime:    capture.StartTime(),
		EndTime:      capture.EndTime(),
		Status:       status,
		ErrorMessage: errorMessage,
		ConsoleOut:   capture.Output(),
	}
}

func normalize(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	err = json.Unmarshal(data, &out)
	return out, err
}
