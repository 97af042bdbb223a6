package job

import (
	"time"
)

// RunnableJob is everything a process needs to execute a prepared job. It is the form in which a job
// is handed to a pool child, a batch worker or a container.
type RunnableJob struct {
	Id                   string                 `json:"id"`
	Name                 string                 `json:"name"`
	Version              string                 `json:"version"`
	Label                string                 `json:"label"`
	Container            string                 `json:"container"`
	GPU                  bool                   `json:"gpu"`
	TimeoutSeconds       float64                `json:"timeout_seconds"`
	ExceptionOnFail      bool                   `json:"exception_on_fail"`
	ResolvedKwargs       map[string]interface{} `json:"resolved_kwargs"`
	InputFileKeys        []string               `json:"input_file_keys"`
	InputFileExtensions  map[string]string      `json:"input_file_extensions"`
	OutputFileKeys       []string               `json:"output_file_keys"`
	OutputFileExtensions map[string]string      `json:"output_file_extensions"`
	LocalModules         []string               `json:"local_modules"`
	Result               *Result                `json:"result"`
}

// Timeout returns zero when the job has no timeout.
func (r *RunnableJob) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds * float64(time.Second))
}
