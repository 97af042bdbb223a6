// Package container runs jobs inside docker or singularity containers.
//
// The host stages a directory holding the hither executable, the function's local modules, a job.json
// request and a run.sh entry script, mounts it at /run_in_container and runs
// `hither run-in-container`, which executes the registered function and writes a single result.json.
package container

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/hither/internal/common/hithererrors"
	"github.com/armadaproject/hither/internal/common/shellscript"
	"github.com/armadaproject/hither/internal/common/util"
	"github.com/armadaproject/hither/internal/hither/job"
	"github.com/armadaproject/hither/internal/hither/runner"
)

const pollInterval = 100 * time.Millisecond

type Config struct {
	// Binary staged into the container. Defaults to the running executable.
	Executable string
	// Content store root, mounted into the container.
	StorageDir     string
	UseSingularity bool
	PullImages     bool
	KeepTempDirs   bool
	// Escalation used to stop a container that exceeds its timeout.
	Ladder []shellscript.SignalStep
}

type Runner struct {
	config Config

	mu       sync.Mutex
	prepared map[string]bool
}

func NewRunner(config Config) *Runner {
	return &Runner{config: config, prepared: map[string]bool{}}
}

// Run stages rj, runs it in its container and collects the result. Exceeding the job's timeout yields
// a timed_out outcome; a container that exits without writing its result is an ErrFramework.
func (r *Runner) Run(ctx context.Context, rj *job.RunnableJob, console io.Writer) (*runner.ContainerOutcome, error) {
	if r.config.StorageDir == "" {
		return nil, &hithererrors.ErrConfiguration{Name: "storageDir", Message: "a content store directory is required to run in a container"}
	}
	executable := r.config.Executable
	if executable == "" {
		var err error
		if executable, err = os.Executable(); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	dir, cleanup, err := util.TemporaryDirectory(r.config.StorageDir, "tmp_hither_run_in_container_"+rj.Name+"_", r.config.KeepTempDirs)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	staged, err := stage(dir, executable, rj)
	if err != nil {
		return nil, err
	}
	containerName := "hither_" + util.NewShortId(12)
	opts := shellscript.Options{Output: console, Label: rj.Label, Ladder: r.config.Ladder}
	if !r.config.UseSingularity {
		opts.DockerContainerName = containerName
	}
	ss, err := shellscript.New(staged.outerScript(rj.Container, containerName, r.config.StorageDir, rj.GPU, r.config.UseSingularity), opts)
	if err != nil {
		return nil, err
	}
	start := time.Now().UTC()
	if err := ss.Start(); err != nil {
		return nil, err
	}

	exitCode, stopReason := r.wait(ctx, ss, rj.Timeout())
	if stopReason != nil {
		status := job.RunError
		if stopReason == context.DeadlineExceeded {
			status = job.RunTimedOut
		}
		log.Warnf("Stopped container for %s: %s", rj.Label, stopReason)
		return &runner.ContainerOutcome{RuntimeInfo: &job.RuntimeInfo{
			StartTime:    start,
			EndTime:      time.Now().UTC(),
			Status:       status,
			ErrorMessage: stopReason.Error(),
		}}, nil
	}

	response, err := readResponse(filepath.Join(dir, responseFile))
	if err != nil {
		return nil, &hithererrors.ErrFramework{
			Component: "container",
			Message:   errors.Wrapf(err, "exit code %d running %s in container %s", exitCode, rj.Label, rj.Container).Error(),
		}
	}
	info := response.RuntimeInfo
	if info == nil {
		info = &job.RuntimeInfo{StartTime: start, EndTime: time.Now().UTC()}
	}
	info.Status = response.Status
	if response.Status == job.RunFinished {
		if err := staged.copyOutputs(); err != nil {
			info.Status = job.RunError
			info.ErrorMessage = err.Error()
			return &runner.ContainerOutcome{RuntimeInfo: info}, nil
		}
	}
	return &runner.ContainerOutcome{Retval: response.Retval, RuntimeInfo: info}, nil
}

// wait returns the exit code of ss, or the reason it had to be stopped.
func (r *Runner) wait(ctx context.Context, ss *shellscript.ShellScript, timeout time.Duration) (int, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		if code, finished := ss.Wait(pollInterval); finished {
			return code, nil
		}
		select {
		case <-deadline:
			ss.Stop()
			return 0, context.DeadlineExceeded
		case <-ctx.Done():
			ss.Stop()
			return 0, ctx.Err()
		default:
		}
	}
}

func readResponse(path string) (*Response, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "container did not write a result")
	}
	var response Response
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, errors.Wrap(err, "decoding container result")
	}
	return &response, nil
}
