package job

import (
	"time"

	"github.com/armadaproject/hither/internal/common/consolecapture"
)

const (
	RunFinished = "finished"
	RunError    = "error"
	RunTimedOut = "timed_out"
)

type RuntimeInfo struct {
	StartTime    time.Time             `json:"start_time"`
	EndTime      time.Time             `json:"end_time"`
	Status       string                `json:"status"`
	ErrorMessage string                `json:"error_message,omitempty"`
	ConsoleOut   consolecapture.Output `json:"console_out"`
	// Set when the job ran in a container: what the host side printed while supervising it.
	ContainerRuntimeInfo *RuntimeInfo `json:"container_runtime_info,omitempty"`
}

// Result is the outcome of a job. This is also its wire form when it moves between processes.
type Result struct {
	Version     string           `json:"version"`
	Container   string           `json:"container"`
	HashObject  HashObject       `json:"hash_object"`
	RuntimeInfo *RuntimeInfo     `json:"runtime_info"`
	Retval      interface{}      `json:"retval"`
	Success     bool             `json:"success"`
	Status      string           `json:"status"`
	OutputNames []string         `json:"_output_names"`
	Outputs     map[string]*File `json:"outputs"`
}

func (r *Result) Output(name string) *File {
	return r.Outputs[name]
}

// ConsoleText returns the captured console output, or the empty string if the job never ran.
func (r *Result) ConsoleText() string {
	if r.RuntimeInfo == nil {
		return ""
	}
	return r.RuntimeInfo.ConsoleOut.Text()
}
