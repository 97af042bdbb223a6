package job

// Handler runs jobs handed to it by the scheduler. The scheduler calls Iterate once per tick on every
// handler with live jobs, and Cleanup once on every handler it used when the queue drains or fails.
// A handler reports progress by calling SetResult on the job.
type Handler interface {
	// HandleJob takes ownership of a prepared job. It must not block on the job's execution,
	// except for handlers that run jobs inline.
	HandleJob(j *Job) error
	Iterate() error
	Cleanup() error
	IsFinished() bool
}
