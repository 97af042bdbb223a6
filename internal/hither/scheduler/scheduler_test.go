package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/hither/internal/common/hithererrors"
	"github.com/armadaproject/hither/internal/common/pointer"
	"github.com/armadaproject/hither/internal/hither/cache"
	"github.com/armadaproject/hither/internal/hither/contentstore"
	"github.com/armadaproject/hither/internal/hither/handler"
	"github.com/armadaproject/hither/internal/hither/job"
	"github.com/armadaproject/hither/internal/hither/metrics"
	"github.com/armadaproject/hither/internal/hither/runner"
)

var squareCalls int32

var squareTemplate = job.NewTemplate("square", "1", func(ctx *job.Context, kwargs job.Kwargs) (interface{}, error) {
	atomic.AddInt32(&squareCalls, 1)
	x, err := kwargs.Float64("x")
	if err != nil {
		return nil, err
	}
	ctx.Printf("squaring %v\n", x)
	return x * x, nil
}).Parameter("x")

var writeTextTemplate = job.NewTemplate("write_text", "1", func(ctx *job.Context, kwargs job.Kwargs) (interface{}, error) {
	if kwargs.Bool("fail") {
		return nil, errors.New("refusing to write")
	}
	return nil, os.WriteFile(kwargs.String("outfile"), []byte(kwargs.String("text")), 0o644)
}).Output("outfile").Parameter("text").OptionalParameter("fail", false)

var countLinesTemplate = job.NewTemplate("count_lines", "1", func(ctx *job.Context, kwargs job.Kwargs) (interface{}, error) {
	data, err := os.ReadFile(kwargs.String("infile"))
	if err != nil {
		return nil, err
	}
	return strings.Count(string(data), "\n"), nil
}).Input("infile")

func newScheduler(t *testing.T, withCache bool) *Scheduler {
	store, err := contentstore.NewLocalStore(filepath.Join(t.TempDir(), "storage"))
	require.NoError(t, err)
	var resultCache *cache.ResultCache
	if withCache {
		resultCache = cache.NewResultCache(store, nil)
	}
	r := runner.New(job.NewRegistry(), nil).WithEcho(nil)
	return New(r, store, resultCache, Options{PollInterval: time.Millisecond})
}

func result(t *testing.T, j *job.Job) *job.Result {
	r, err := j.Result()
	require.NoError(t, err)
	return r
}

type fakeHandler struct {
	jobs       []*job.Job
	complete   bool
	iterateErr error
	cleanups   int
}

func (h *fakeHandler) HandleJob(j *job.Job) error {
	h.jobs = append(h.jobs, j)
	return nil
}

func (h *fakeHandler) Iterate() error {
	if h.iterateErr != nil {
		return h.iterateErr
	}
	if !h.complete {
		return nil
	}
	for _, j := range h.jobs {
		j.SetResult(&job.Result{Retval: "handled", Success: true, Status: job.RunFinished})
	}
	h.jobs = nil
	return nil
}

func (h *fakeHandler) Cleanup() error {
	h.cleanups++
	return nil
}

func (h *fakeHandler) IsFinished() bool {
	return len(h.jobs) == 0
}

func TestRun_OutsideQueue(t *testing.T) {
	s := newScheduler(t, false)
	j, err := s.Run(context.Background(), squareTemplate, map[string]interface{}{"x": 4})
	require.NoError(t, err)
	assert.Equal(t, job.StatusFinished, j.Status)
	assert.Equal(t, 16.0, result(t, j).Retval)
	assert.Contains(t, result(t, j).ConsoleText(), "squaring 4")
}

func TestRun_CacheHit(t *testing.T) {
	s := newScheduler(t, true)
	ctx := context.Background()
	before := atomic.LoadInt32(&squareCalls)

	err := s.WithConfig(job.Config{Cache: &job.CacheConfig{Backend: cache.BackendMemory}}, func() error {
		for i := 0; i < 2; i++ {
			j, err := s.Run(ctx, squareTemplate, map[string]interface{}{"x": 4})
			require.NoError(t, err)
			assert.Equal(t, 16.0, result(t, j).Retval)
			assert.Contains(t, result(t, j).ConsoleText(), "squaring 4")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&squareCalls)-before)

	err = s.WithConfig(job.Config{Cache: &job.CacheConfig{Backend: cache.BackendMemory}, ForceRun: pointer.Pointer(true)}, func() error {
		_, err := s.Run(ctx, squareTemplate, map[string]interface{}{"x": 4})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&squareCalls)-before)
}

func TestRun_RequiresReadyInputs(t *testing.T) {
	s := newScheduler(t, false)
	_, err := s.Run(context.Background(), countLinesTemplate, map[string]interface{}{"infile": &job.File{Path: "not_yet_written.txt"}})
	assert.True(t, hithererrors.IsFatal(err))
}

func TestRun_RejectsAsyncHandler(t *testing.T) {
	s := newScheduler(t, false)
	err := s.WithConfig(job.Config{Handler: &fakeHandler{}}, func() error {
		_, err := s.Run(context.Background(), squareTemplate, map[string]interface{}{"x": 1})
		return err
	})
	assert.True(t, hithererrors.IsFatal(err))
}

func TestRun_ExplicitInlineHandler(t *testing.T) {
	s := newScheduler(t, false)
	inline := handler.NewInline(context.Background(), s.runner)
	err := s.WithConfig(job.Config{Handler: inline}, func() error {
		j, err := s.Run(context.Background(), squareTemplate, map[string]interface{}{"x": 3})
		require.NoError(t, err)
		assert.Equal(t, 9.0, result(t, j).Retval)
		return nil
	})
	require.NoError(t, err)
}

func TestJobQueue_Dependencies(t *testing.T) {
	s := newScheduler(t, false)
	var written, counted *job.Job
	err := s.JobQueue(context.Background(), func() error {
		var err error
		outfile := job.NewTemporaryFile()
		written, err = s.Run(context.Background(), writeTextTemplate, map[string]interface{}{"outfile": outfile, "text": "a\nb\n"})
		require.NoError(t, err)
		counted, err = s.Run(context.Background(), countLinesTemplate, map[string]interface{}{"infile": written.Output("outfile")})
		require.NoError(t, err)
		assert.Equal(t, job.StatusPending, written.Status)
		assert.False(t, counted.IsReady())
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, job.StatusFinished, written.Status)
	assert.Equal(t, 2.0, result(t, counted).Retval)
	out := written.Output("outfile")
	assert.True(t, out.Exists)
	assert.False(t, out.IsTemporary)
	assert.True(t, strings.HasPrefix(out.Path, s.store.Dir()))
}

// completedJobs reads the jobs completed counter for one handler label and status.
func completedJobs(t *testing.T, handlerLabel string, status job.Status) float64 {
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != metrics.MetricPrefix+"jobs_completed_total" {
			continue
		}
		for _, m := range family.GetMetric() {
			labels := map[string]string{}
			for _, pair := range m.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}
			if labels["handler"] == handlerLabel && labels["status"] == string(status) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestJobQueue_FailurePropagation(t *testing.T) {
	s := newScheduler(t, false)
	upstreamBefore := completedJobs(t, metrics.UpstreamFailure, job.StatusError)
	inlineBefore := completedJobs(t, metrics.HandlerInline, job.StatusError)
	var written, counted *job.Job
	err := s.JobQueue(context.Background(), func() error {
		var err error
		written, err = s.Run(context.Background(), writeTextTemplate, map[string]interface{}{"outfile": job.NewTemporaryFile(), "text": "a", "fail": true})
		require.NoError(t, err)
		counted, err = s.Run(context.Background(), countLinesTemplate, map[string]interface{}{"infile": written.Output("outfile")})
		require.NoError(t, err)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, job.StatusError, written.Status)
	_, err = written.Result()
	var execution *hithererrors.ErrExecutionFailure
	assert.True(t, errors.As(err, &execution))
	assert.True(t, written.Output("outfile").Failed)

	assert.Equal(t, job.StatusError, counted.Status)
	_, err = counted.Result()
	var upstream *hithererrors.ErrUpstreamFailure
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, "infile", upstream.Input)

	assert.Equal(t, upstreamBefore+1, completedJobs(t, metrics.UpstreamFailure, job.StatusError))
	assert.Equal(t, inlineBefore+1, completedJobs(t, metrics.HandlerInline, job.StatusError))
}

func TestJobQueue_FailureWithoutException(t *testing.T) {
	s := newScheduler(t, false)
	var written *job.Job
	err := s.WithConfig(job.Config{ExceptionOnFail: pointer.Pointer(false)}, func() error {
		return s.JobQueue(context.Background(), func() error {
			var err error
			written, err = s.Run(context.Background(), writeTextTemplate, map[string]interface{}{"outfile": job.NewTemporaryFile(), "text": "a", "fail": true})
			return err
		})
	})
	require.NoError(t, err)
	r, err := written.Result()
	require.NoError(t, err)
	assert.False(t, r.Success)
}

func TestJobQueue_CannotNest(t *testing.T) {
	s := newScheduler(t, false)
	err := s.JobQueue(context.Background(), func() error {
		return s.JobQueue(context.Background(), func() error { return nil })
	})
	assert.True(t, hithererrors.IsFatal(err))
}

func TestJobQueue_Handler(t *testing.T) {
	s := newScheduler(t, false)
	h := &fakeHandler{complete: true}
	var jobs []*job.Job
	err := s.WithConfig(job.Config{Handler: h}, func() error {
		return s.JobQueue(context.Background(), func() error {
			for i := 0; i < 3; i++ {
				j, err := s.Run(context.Background(), squareTemplate, map[string]interface{}{"x": i})
				require.NoError(t, err)
				jobs = append(jobs, j)
			}
			return nil
		})
	})
	require.NoError(t, err)
	for _, j := range jobs {
		assert.Equal(t, "handled", result(t, j).Retval)
	}
	assert.Equal(t, 1, h.cleanups)
}

func TestWait_TimeoutLeavesJobsLive(t *testing.T) {
	s := newScheduler(t, false)
	h := &fakeHandler{}
	var j *job.Job
	err := s.WithConfig(job.Config{Handler: h}, func() error {
		return s.JobQueue(context.Background(), func() error {
			var err error
			j, err = s.Run(context.Background(), squareTemplate, map[string]interface{}{"x": 2})
			require.NoError(t, err)

			err = s.Wait(context.Background(), 20*time.Millisecond)
			var timeout *hithererrors.ErrWaitTimeout
			require.True(t, errors.As(err, &timeout))
			assert.Equal(t, 1, timeout.Queued)
			assert.Equal(t, 0, h.cleanups)
			assert.Equal(t, job.StatusQueued, j.Status)

			h.complete = true
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, job.StatusFinished, j.Status)
	assert.Equal(t, 1, h.cleanups)
}

func TestWait_HandlerErrorCleansUp(t *testing.T) {
	s := newScheduler(t, false)
	h := &fakeHandler{iterateErr: &hithererrors.ErrFramework{Component: "fake", Message: "broken"}}
	err := s.WithConfig(job.Config{Handler: h}, func() error {
		return s.JobQueue(context.Background(), func() error {
			_, err := s.Run(context.Background(), squareTemplate, map[string]interface{}{"x": 2})
			return err
		})
	})
	assert.True(t, hithererrors.IsFatal(err))
	assert.Equal(t, 1, h.cleanups)
}

func TestWait_ContextCancelled(t *testing.T) {
	s := newScheduler(t, false)
	h := &fakeHandler{}
	ctx, cancel := context.WithCancel(context.Background())
	err := s.WithConfig(job.Config{Handler: h}, func() error {
		return s.JobQueue(ctx, func() error {
			_, err := s.Run(ctx, squareTemplate, map[string]interface{}{"x": 2})
			cancel()
			return err
		})
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, h.cleanups)
}

func TestWithConfig(t *testing.T) {
	s := newScheduler(t, false)
	ctx := context.Background()
	err := s.WithConfig(job.Config{Timeout: pointer.Pointer(time.Minute), ExceptionOnFail: pointer.Pointer(false)}, func() error {
		return s.WithConfig(job.Config{Timeout: pointer.Pointer(2 * time.Minute)}, func() error {
			j, err := s.Run(ctx, squareTemplate, map[string]interface{}{"x": 1})
			require.NoError(t, err)
			assert.Equal(t, 2*time.Minute, j.Timeout)
			assert.False(t, j.ExceptionOnFail)
			return nil
		})
	})
	require.NoError(t, err)

	j, err := s.Run(ctx, squareTemplate, map[string]interface{}{"x": 1})
	require.NoError(t, err)
	assert.Zero(t, j.Timeout)
	assert.True(t, j.ExceptionOnFail)
}
