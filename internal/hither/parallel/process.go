package parallel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/hither/internal/hither/job"
)

const ackMessage = "ok"

// Message is what a child reports: its result, or why no result could be read.
type Message struct {
	Result *job.Result
	Err    error
}

// Child is a started child process as seen by the handler.
type Child interface {
	// Results delivers exactly one message.
	Results() <-chan Message
	Ack() error
	Wait() error
	Kill()
	// Diagnostics returns what the child wrote to stderr.
	Diagnostics() string
}

type Launcher func(rj *job.RunnableJob) (Child, error)

type ProcessOptions struct {
	// Defaults to the running executable.
	Executable string
	// Defaults to run-job.
	Args []string
	// Added to the environment of the parent.
	Env []string
}

// NewProcessLauncher starts children as separate processes.
func NewProcessLauncher(opts ProcessOptions) Launcher {
	return func(rj *job.RunnableJob) (Child, error) {
		return startProcess(opts, rj)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type process struct {
	cmd       *exec.Cmd
	toChild   *os.File
	fromChild *os.File
	results   chan Message
	stderr    *syncBuffer
	waitOnce  sync.Once
	waitErr   error
}

func startProcess(opts ProcessOptions, rj *job.RunnableJob) (*process, error) {
	executable := opts.Executable
	if executable == "" {
		var err error
		if executable, err = os.Executable(); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	args := opts.Args
	if args == nil {
		args = []string{"run-job"}
	}
	childIn, toChild, err := os.Pipe()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	fromChild, childOut, err := os.Pipe()
	if err != nil {
		_ = childIn.Close()
		_ = toChild.Close()
		return nil, errors.WithStack(err)
	}
	p := &process{
		toChild:   toChild,
		fromChild: fromChild,
		results:   make(chan Message, 1),
		stderr:    &syncBuffer{},
	}
	p.cmd = exec.Command(executable, args...)
	p.cmd.Env = append(os.Environ(), opts.Env...)
	p.cmd.ExtraFiles = []*os.File{childIn, childOut}
	p.cmd.Stdout = os.Stdout
	p.cmd.Stderr = io.MultiWriter(os.Stderr, p.stderr)
	err = p.cmd.Start()
	_ = childIn.Close()
	_ = childOut.Close()
	if err != nil {
		_ = toChild.Close()
		_ = fromChild.Close()
		return nil, errors.WithStack(err)
	}
	go p.exchange(rj)
	return p, nil
}

func (p *process) exchange(rj *job.RunnableJob) {
	if err := json.NewEncoder(p.toChild).Encode(rj); err != nil {
		p.results <- Message{Err: errors.Wrap(err, "sending job to child")}
		return
	}
	var result job.Result
	if err := json.NewDecoder(p.fromChild).Decode(&result); err != nil {
		p.results <- Message{Err: errors.Wrap(err, "reading result from child")}
		return
	}
	p.results <- Message{Result: &result}
}

func (p *process) Results() <-chan Message {
	return p.results
}

func (p *process) Ack() error {
	_, err := fmt.Fprintln(p.toChild, ackMessage)
	return errors.WithStack(err)
}

func (p *process) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		_ = p.toChild.Close()
		_ = p.fromChild.Close()
	})
	return p.waitErr
}

func (p *process) Kill() {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.WithError(err).Warn("Unable to kill child process")
	}
	_ = p.Wait()
}

func (p *process) Diagnostics() string {
	return p.stderr.String()
}
