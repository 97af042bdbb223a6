// Package hithererrors contains the error types returned by the scheduler and the job handlers.
//
// Configuration and framework errors abort a run. Upstream and execution failures are recorded on the
// job they belong to and only surface when the job is declared with exception_on_fail.
//
// If several errors occur in one operation (e.g., cleaning up several handlers), that operation
// returns a multierror.Error from github.com/hashicorp/go-multierror wrapping the individual errors.
package hithererrors

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// ErrConfiguration is returned synchronously for invalid declarations: missing required inputs,
// outputs or parameters, an unusable handler or a nested job queue.
type ErrConfiguration struct {
	Name    string      // Name of the offending field or argument, e.g., "output_file"
	Value   interface{} // The invalid value, if any
	Message string      // An optional message explaining the problem
}

func (err *ErrConfiguration) Error() string {
	s := "invalid configuration"
	if err.Name != "" {
		s = fmt.Sprintf("invalid configuration for %q", err.Name)
	}
	if err.Value != nil {
		s = fmt.Sprintf("%s (value %v)", s, err.Value)
	}
	if err.Message != "" {
		s = fmt.Sprintf("%s; %s", s, err.Message)
	}
	return s
}

// ErrUpstreamFailure is recorded on a job whose input is an output of a job that failed.
// The job is never executed.
type ErrUpstreamFailure struct {
	Job   string // Label of the job that was not run
	Input string // Name of the input that failed
}

func (err *ErrUpstreamFailure) Error() string {
	return fmt.Sprintf("job %s not run: input %q was produced by a failed job", err.Job, err.Input)
}

// ErrExecutionFailure is recorded when a job ran and failed: the function returned an error, the
// container exited with an error status or the job exceeded its timeout.
type ErrExecutionFailure struct {
	Job     string
	Status  string // "error" or "timed_out"
	Message string
	Console string // Captured console output of the failed run
}

func (err *ErrExecutionFailure) Error() string {
	s := fmt.Sprintf("job %s failed with status %s", err.Job, err.Status)
	if err.Message != "" {
		s = fmt.Sprintf("%s: %s", s, err.Message)
	}
	return s
}

// ErrFramework signals that the machinery itself broke: a child process crashed, a batch worker
// wrote an error sentinel, a container exited without writing its result or a lock could not be taken.
type ErrFramework struct {
	Component   string // e.g., "parallel", "batch", "container"
	Message     string
	Diagnostics string // Captured output that helps explain the failure
}

func (err *ErrFramework) Error() string {
	s := fmt.Sprintf("%s: %s", err.Component, err.Message)
	if err.Diagnostics != "" {
		s = fmt.Sprintf("%s\n%s", s, err.Diagnostics)
	}
	return s
}

// ErrWaitTimeout is returned by Wait when the timeout elapses before all jobs are done.
// Nothing is cleaned up; the jobs stay live and Wait may be called again.
type ErrWaitTimeout struct {
	Timeout time.Duration
	Pending int
	Queued  int
}

func (err *ErrWaitTimeout) Error() string {
	return fmt.Sprintf("timed out after %s waiting for jobs (%d pending, %d queued)", err.Timeout, err.Pending, err.Queued)
}

// ErrNotFound is returned whenever some resource, e.g., a content-store reference or a registered
// function, isn't found. Type and Message are optional.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// IsFatal reports whether err must abort a run, i.e., whether it is a configuration or framework error.
// Uses errors.As to look through the chain of errors.
func IsFatal(err error) bool {
	{
		var e *ErrConfiguration
		if errors.As(err, &e) {
			return true
		}
	}
	{
		var e *ErrFramework
		if errors.As(err, &e) {
			return true
		}
	}
	return false
}

func IsNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}
