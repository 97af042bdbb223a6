// Package scheduler declares jobs and drives them to completion.
//
// Jobs declared inside a JobQueue scope are only queued. Wait then runs a cooperative loop: each tick
// it moves ready jobs out of the pending list (failing those with a failed input, adopting cached
// results, or handing the rest to their handler), retires the queued jobs whose handler reported a
// result, and calls Iterate once on every handler in use. Jobs declared outside a queue scope run
// immediately in the calling goroutine.
package scheduler

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/hither/internal/common/hithererrors"
	"github.com/armadaproject/hither/internal/common/logging"
	"github.com/armadaproject/hither/internal/common/util"
	"github.com/armadaproject/hither/internal/hither/cache"
	"github.com/armadaproject/hither/internal/hither/contentstore"
	"github.com/armadaproject/hither/internal/hither/handler"
	"github.com/armadaproject/hither/internal/hither/job"
	"github.com/armadaproject/hither/internal/hither/metrics"
	"github.com/armadaproject/hither/internal/hither/runner"
)

const DefaultPollInterval = 20 * time.Millisecond

type Options struct {
	PollInterval time.Duration
	// Policy applied to every job, below any WithConfig scope.
	Defaults job.Config
}

type Scheduler struct {
	runner       *runner.Runner
	store        contentstore.Store
	cache        *cache.ResultCache
	pollInterval time.Duration

	configStack []job.Config
	inQueue     bool
	pending     []*job.Job
	queued      []*job.Job
	// Every handler a job was bound to since the last cleanup, in order of first use.
	handlers []job.Handler
}

// New returns a scheduler. resultCache may be nil, in which case nothing is cached even for jobs
// declared with a cache configuration.
func New(r *runner.Runner, store contentstore.Store, resultCache *cache.ResultCache, opts Options) *Scheduler {
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Scheduler{
		runner:       r,
		store:        store,
		cache:        resultCache,
		pollInterval: pollInterval,
		configStack:  []job.Config{opts.Defaults},
	}
}

// WithConfig applies cfg on top of the current policy to every job declared while fn runs.
func (s *Scheduler) WithConfig(cfg job.Config, fn func() error) error {
	s.configStack = append(s.configStack, cfg)
	defer func() {
		s.configStack = s.configStack[:len(s.configStack)-1]
	}()
	return fn()
}

func (s *Scheduler) currentConfig() job.Config {
	var cfg job.Config
	for _, c := range s.configStack {
		cfg = cfg.Merge(c)
	}
	return cfg
}

// Run declares a job of t. Inside a JobQueue scope the job is queued and returned straight away.
// Otherwise it runs to completion before Run returns; its inputs must then exist already and it must
// not be bound to a handler that runs jobs asynchronously.
func (s *Scheduler) Run(ctx context.Context, t *job.Template, kwargs map[string]interface{}) (*job.Job, error) {
	j, err := job.Declare(t, kwargs, s.currentConfig(), s.scratchDir())
	if err != nil {
		return nil, err
	}
	metrics.RecordJobDeclared()
	if s.inQueue {
		s.pending = append(s.pending, j)
		return j, nil
	}
	if err := s.runNow(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *Scheduler) scratchDir() string {
	if s.store == nil {
		return ""
	}
	return s.store.Dir()
}

func (s *Scheduler) runNow(ctx context.Context, j *job.Job) error {
	if !j.IsReady() {
		return &hithererrors.ErrConfiguration{Name: j.Label, Message: "cannot run a job whose input files do not exist yet outside a job queue"}
	}
	if j.Handler != nil {
		if _, ok := j.Handler.(*handler.Inline); !ok {
			return &hithererrors.ErrConfiguration{Name: j.Label, Message: "a job bound to a job handler can only run inside a job queue"}
		}
	}
	done, err := s.prepare(ctx, j)
	if err != nil || done {
		return err
	}
	j.Status = job.StatusQueued
	if err := handler.Run(ctx, s.runner, j, metrics.HandlerInline); err != nil {
		return err
	}
	return s.retire(ctx, j)
}

// JobQueue runs fn with job declarations queued, then waits for every queued job. Queue scopes do
// not nest.
func (s *Scheduler) JobQueue(ctx context.Context, fn func() error) error {
	if s.inQueue {
		return &hithererrors.ErrConfiguration{Name: "job_queue", Message: "job queues cannot be nested"}
	}
	s.inQueue = true
	defer func() {
		s.inQueue = false
	}()
	if err := fn(); err != nil {
		s.cleanup()
		return err
	}
	return s.Wait(ctx, 0)
}

// Wait runs the scheduling loop until every pending and queued job is done, then cleans up every
// handler used. If timeout (when positive) elapses first, Wait returns an ErrWaitTimeout and leaves
// the jobs running. Any other error cleans up before it is returned.
func (s *Scheduler) Wait(ctx context.Context, timeout time.Duration) error {
	start := time.Now()
	for {
		tickStart := time.Now()
		progressed, err := s.tick(ctx)
		metrics.ObserveTick(time.Since(tickStart).Seconds())
		if err != nil {
			logging.WithStacktrace(log.NewEntry(log.StandardLogger()), err).Error("Error in job queue, cleaning up")
			s.cleanup()
			return err
		}
		if len(s.pending) == 0 && len(s.queued) == 0 {
			return s.cleanup()
		}
		if !progressed && len(s.queued) == 0 && s.handlersFinished() {
			err := &hithererrors.ErrConfiguration{
				Name:    s.pending[0].Label,
				Message: "input files of pending jobs can never become available",
			}
			s.cleanup()
			return err
		}
		if timeout > 0 && time.Since(start) > timeout {
			return &hithererrors.ErrWaitTimeout{Timeout: timeout, Pending: len(s.pending), Queued: len(s.queued)}
		}
		select {
		case <-ctx.Done():
			s.cleanup()
			return ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

// tick reports whether any job left the pending or queued list.
func (s *Scheduler) tick(ctx context.Context) (bool, error) {
	progressed := false
	var stillPending []*job.Job
	for i, j := range s.pending {
		moved, err := s.processPending(ctx, j)
		if err != nil {
			s.pending = append(stillPending, s.pending[i:]...)
			return progressed, err
		}
		if moved {
			progressed = true
		} else {
			stillPending = append(stillPending, j)
		}
	}
	s.pending = stillPending

	var stillQueued []*job.Job
	for i, j := range s.queued {
		if j.Status == job.StatusQueued || j.Status == job.StatusRunning {
			stillQueued = append(stillQueued, j)
			continue
		}
		if err := s.retire(ctx, j); err != nil {
			s.queued = append(stillQueued, s.queued[i+1:]...)
			return progressed, err
		}
		progressed = true
	}
	s.queued = stillQueued

	for _, h := range s.handlers {
		if err := h.Iterate(); err != nil {
			return progressed, err
		}
	}
	return progressed, nil
}

// processPending returns true if j is no longer pending.
func (s *Scheduler) processPending(ctx context.Context, j *job.Job) (bool, error) {
	if input, failed := j.FailedInput(); failed {
		log.Warnf("===== Hither: not running %s: input %s was not produced", j.Label, input)
		j.FailDueToUpstream(input)
		metrics.RecordJobCompleted(metrics.UpstreamFailure, string(j.Status))
		return true, nil
	}
	if !j.IsReady() {
		return false, nil
	}
	done, err := s.prepare(ctx, j)
	if err != nil || done {
		return true, err
	}
	j.Status = job.StatusQueued
	s.queued = append(s.queued, j)
	if j.Handler == nil {
		return true, handler.Run(ctx, s.runner, j, metrics.HandlerInline)
	}
	s.useHandler(j.Handler)
	return true, j.Handler.HandleJob(j)
}

// prepare resolves the inputs of j and consults the cache. It returns true if a cached result was
// adopted, in which case j is done.
func (s *Scheduler) prepare(ctx context.Context, j *job.Job) (bool, error) {
	if err := j.Prepare(s.store); err != nil {
		return false, err
	}
	if s.cache != nil {
		cached, err := s.cache.Lookup(ctx, j)
		if err != nil {
			return false, err
		}
		if cached != nil {
			if err := j.AdoptCachedResult(cached); err != nil {
				return false, err
			}
			if err := j.FinalizeOutputs(s.store); err != nil {
				return false, err
			}
			replayConsole(j)
			return true, nil
		}
	}
	if err := s.runner.PrepareContainer(j.Container); err != nil {
		return false, err
	}
	return false, nil
}

// retire stores the result of a finished job in the cache and makes its outputs available to the
// jobs that consume them.
func (s *Scheduler) retire(ctx context.Context, j *job.Job) error {
	if err := j.FinalizeOutputs(s.store); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.Store(ctx, j); err != nil {
			return err
		}
	}
	if j.Status == job.StatusError {
		log.Warnf("===== Hither: %s failed", j.Label)
	}
	return nil
}

func replayConsole(j *job.Job) {
	result, _ := j.Result()
	if result == nil || result.RuntimeInfo == nil {
		return
	}
	for _, line := range result.RuntimeInfo.ConsoleOut.Lines {
		log.WithField("job", j.Label).Info(line.Text)
	}
}

func (s *Scheduler) useHandler(h job.Handler) {
	for _, existing := range s.handlers {
		if existing == h {
			return
		}
	}
	s.handlers = append(s.handlers, h)
}

func (s *Scheduler) handlersFinished() bool {
	for _, h := range s.handlers {
		if !h.IsFinished() {
			return false
		}
	}
	return true
}

// cleanup calls Cleanup on every handler used and forgets them. Interrupts are ignored meanwhile.
func (s *Scheduler) cleanup() error {
	var result *multierror.Error
	_ = util.WithoutInterrupts(func() error {
		for _, h := range s.handlers {
			if err := h.Cleanup(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		return nil
	})
	s.handlers = nil
	s.pending = nil
	s.queued = nil
	return result.ErrorOrNil()
}
