// Package shellscript runs embedded bash scripts as supervised child processes.
package shellscript

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/hither/internal/common/util"
)

type Options struct {
	// Where to write the script. A temporary directory is used when empty.
	ScriptPath    string
	KeepTempFiles bool
	Verbose       bool
	Label         string
	// When set, signals are relayed to this docker container with `docker kill -s` instead of the local process.
	DockerContainerName string
	// Receives the combined stdout and stderr of the script. Inherits the parent's streams when nil.
	Output io.Writer
	Env    []string
	// Escalation used by Stop. DefaultLadder when nil.
	Ladder []SignalStep
}

type ShellScript struct {
	script       string
	opts         Options
	cmd          *exec.Cmd
	startTime    time.Time
	dirsToRemove []string

	mu      sync.Mutex
	done    chan struct{}
	waitErr error
}

// New dedents script: blank leading lines are dropped and the indentation of the first line is removed
// from every line. A line indented less than the first one is an error.
func New(script string, opts Options) (*ShellScript, error) {
	dedented, err := dedent(script)
	if err != nil {
		return nil, err
	}
	if opts.Ladder == nil {
		opts.Ladder = DefaultLadder
	}
	return &ShellScript{script: dedented, opts: opts}, nil
}

func dedent(script string) (string, error) {
	lines := strings.Split(strings.ReplaceAll(script, "\r\n", "\n"), "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	if len(lines) == 0 {
		return "", nil
	}
	indent := indentation(lines[0])
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			lines[i] = ""
			continue
		}
		if indentation(line) < indent {
			return "", errors.Errorf("problem in script: first line must not be indented relative to others:\n%s", script)
		}
		lines[i] = line[indent:]
	}
	return strings.Join(lines, "\n"), nil
}

func indentation(line string) int {
	return len(line) - len(strings.TrimLeft(line, " \t"))
}

func (s *ShellScript) Substitute(old string, new interface{}) {
	s.script = strings.ReplaceAll(s.script, old, fmt.Sprintf("%v", new))
}

func (s *ShellScript) Script() string {
	return s.script
}

// Write writes the script to path, or to the configured ScriptPath when path is empty, and makes it executable.
func (s *ShellScript) Write(path string) error {
	if path == "" {
		path = s.opts.ScriptPath
	}
	if path == "" {
		return errors.New("cannot write script: no path specified")
	}
	if err := os.WriteFile(path, []byte(s.script), 0o744); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Chmod(path, 0o744))
}

func (s *ShellScript) Start() error {
	path := s.opts.ScriptPath
	if path == "" {
		dir, err := os.MkdirTemp("", "tmp_shellscript_")
		if err != nil {
			return errors.WithStack(err)
		}
		s.dirsToRemove = append(s.dirsToRemove, dir)
		path = filepath.Join(dir, "script.sh")
	}
	if err := s.Write(path); err != nil {
		return err
	}
	if s.opts.Verbose {
		log.Infof("Running shell script %s %s", s.opts.Label, path)
	}
	cmd := exec.Command(path)
	if s.opts.Output != nil {
		cmd.Stdout = s.opts.Output
		cmd.Stderr = s.opts.Output
	} else {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}
	if s.opts.Env != nil {
		cmd.Env = append(os.Environ(), s.opts.Env...)
	}
	s.startTime = time.Now()
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "starting script %s", path)
	}
	s.cmd = cmd
	s.done = make(chan struct{})
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.waitErr = err
		s.mu.Unlock()
		close(s.done)
		s.cleanup()
	}()
	return nil
}

// Wait blocks until the script exits or timeout elapses (forever when timeout <= 0).
// It returns the exit code and whether the script finished.
func (s *ShellScript) Wait(timeout time.Duration) (int, bool) {
	if s.done == nil {
		return 0, false
	}
	if timeout <= 0 {
		<-s.done
		return s.exitCode(), true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.done:
		return s.exitCode(), true
	case <-timer.C:
		return 0, false
	}
}

// Stop walks the signal ladder until the script exits. Interrupts received meanwhile are ignored.
func (s *ShellScript) Stop() {
	_ = util.WithoutInterrupts(func() error {
		if !s.IsRunning() {
			return nil
		}
		for _, step := range s.opts.Ladder {
			s.sendSignal(step.Signal)
			if _, finished := s.Wait(step.Wait); finished {
				return nil
			}
		}
		log.Warnf("Unable to stop shell script %s", s.opts.Label)
		return nil
	})
}

func (s *ShellScript) Kill() {
	if !s.IsRunning() {
		return
	}
	s.sendSignal(syscall.SIGKILL)
	if _, finished := s.Wait(time.Second); !finished {
		log.Warnf("Unable to kill shell script %s", s.opts.Label)
	}
}

// StopWithSignal sends sig once and reports whether the script exited within timeout.
func (s *ShellScript) StopWithSignal(sig syscall.Signal, timeout time.Duration) bool {
	if !s.IsRunning() {
		return true
	}
	s.sendSignal(sig)
	_, finished := s.Wait(timeout)
	return finished
}

func (s *ShellScript) sendSignal(sig syscall.Signal) {
	if s.opts.DockerContainerName == "" {
		if err := s.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.WithError(err).Warnf("Failed to send %s to %s", sig, s.opts.Label)
		}
		return
	}
	name := signalName(sig)
	if name == "" {
		log.Errorf("Unable to determine signal string for signal %d", sig)
		return
	}
	log.Infof("docker kill %s -s %s", s.opts.DockerContainerName, name)
	if err := exec.Command("docker", "kill", s.opts.DockerContainerName, "-s", name).Run(); err != nil {
		log.WithError(err).Warnf("Failed to relay %s to container %s", name, s.opts.DockerContainerName)
	}
}

func (s *ShellScript) IsRunning() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *ShellScript) IsFinished() bool {
	return s.done != nil && !s.IsRunning()
}

// ReturnCode returns the exit code of a finished script. A script killed by a signal reports minus the signal number.
func (s *ShellScript) ReturnCode() (int, error) {
	if !s.IsFinished() {
		return 0, errors.New("cannot get return code before process is finished")
	}
	return s.exitCode(), nil
}

func (s *ShellScript) exitCode() int {
	state := s.cmd.ProcessState
	if state == nil {
		return -1
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return -int(status.Signal())
	}
	return state.ExitCode()
}

// ElapsedTimeSinceStart returns zero before Start.
func (s *ShellScript) ElapsedTimeSinceStart() time.Duration {
	if s.startTime.IsZero() {
		return 0
	}
	return time.Since(s.startTime)
}

func (s *ShellScript) ScriptPath() string {
	return s.opts.ScriptPath
}

func (s *ShellScript) cleanup() {
	if s.opts.KeepTempFiles {
		return
	}
	for _, dir := range s.dirsToRemove {
		if err := util.RemoveAllWithRetries(dir, 5, time.Second); err != nil {
			log.WithError(err).Warn("Problem in cleanup of shell script")
		}
	}
}
