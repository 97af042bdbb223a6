package runner

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/hither/internal/common/consolecapture"
	"github.com/armadaproject/hither/internal/common/hithererrors"
	"github.com/armadaproject/hither/internal/hither/job"
)

func square(ctx *job.Context, kwargs job.Kwargs) (interface{}, error) {
	x, err := kwargs.Float64("x")
	if err != nil {
		return nil, err
	}
	ctx.Printf("squaring %v\n", x)
	return x * x, nil
}

func runnable(name string, kwargs map[string]interface{}) *job.RunnableJob {
	return &job.RunnableJob{
		Name:           name,
		Label:          name,
		ResolvedKwargs: kwargs,
		Result:         &job.Result{Version: "1", OutputNames: []string{}, Outputs: map[string]*job.File{}},
	}
}

func TestRunFunc(t *testing.T) {
	tests := map[string]struct {
		fn             job.Func
		timeout        time.Duration
		expectedStatus string
		expectedRetval interface{}
		expectedText   string
	}{
		"success": {
			fn:             square,
			expectedStatus: job.RunFinished,
			expectedRetval: 16.0,
			expectedText:   "squaring 4\n",
		},
		"error": {
			fn: func(ctx *job.Context, kwargs job.Kwargs) (interface{}, error) {
				return nil, errors.New("bad input")
			},
			expectedStatus: job.RunError,
		},
		"panic": {
			fn: func(ctx *job.Context, kwargs job.Kwargs) (interface{}, error) {
				panic("boom")
			},
			expectedStatus: job.RunError,
		},
		"timeout honoured": {
			fn: func(ctx *job.Context, kwargs job.Kwargs) (interface{}, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			timeout:        50 * time.Millisecond,
			expectedStatus: job.RunTimedOut,
		},
		"timeout ignored": {
			fn: func(ctx *job.Context, kwargs job.Kwargs) (interface{}, error) {
				time.Sleep(200 * time.Millisecond)
				return 1, nil
			},
			timeout:        50 * time.Millisecond,
			expectedStatus: job.RunFinished,
			expectedRetval: 1.0,
		},
		"unserializable return value": {
			fn: func(ctx *job.Context, kwargs job.Kwargs) (interface{}, error) {
				return make(chan int), nil
			},
			expectedStatus: job.RunError,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			retval, info := RunFunc(context.Background(), "square", tc.fn, map[string]interface{}{"x": 4}, tc.timeout, nil)
			assert.Equal(t, tc.expectedStatus, info.Status)
			assert.Equal(t, tc.expectedRetval, retval)
			assert.Equal(t, "square", info.ConsoleOut.Label)
			assert.False(t, info.EndTime.Before(info.StartTime))
			if tc.expectedText != "" {
				assert.Equal(t, tc.expectedText, info.ConsoleOut.Text())
			}
			if tc.expectedStatus != job.RunFinished {
				assert.NotEmpty(t, info.ErrorMessage)
				assert.NotEmpty(t, info.ConsoleOut.Lines)
			}
		})
	}
}

func TestExecuteByName(t *testing.T) {
	registry := job.NewRegistry().MustRegister(job.NewTemplate("square", "1", square))
	r := New(registry, nil).WithEcho(nil)

	result, err := r.ExecuteByName(context.Background(), runnable("square", map[string]interface{}{"x": 3.0}))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, job.RunFinished, result.Status)
	assert.Equal(t, 9.0, result.Retval)
	assert.Equal(t, "1", result.Version)

	_, err = r.ExecuteByName(context.Background(), runnable("missing", nil))
	assert.True(t, hithererrors.IsNotFound(err))
}

type fakeContainers struct {
	outcome  *ContainerOutcome
	err      error
	seen     *job.RunnableJob
	prepared []string
}

func (f *fakeContainers) Prepare(image string) error {
	f.prepared = append(f.prepared, image)
	return nil
}

func (f *fakeContainers) Run(ctx context.Context, rj *job.RunnableJob, console io.Writer) (*ContainerOutcome, error) {
	f.seen = rj
	_, _ = console.Write([]byte("pulling image\nstopping container"))
	return f.outcome, f.err
}

func TestExecute_InContainer(t *testing.T) {
	now := time.Now().UTC()
	containers := &fakeContainers{outcome: &ContainerOutcome{
		Retval: 25.0,
		RuntimeInfo: &job.RuntimeInfo{
			StartTime:  now,
			EndTime:    now,
			Status:     job.RunFinished,
			ConsoleOut: consolecapture.Output{Label: "square", Lines: []consolecapture.Line{{Timestamp: now, Text: "squaring 5"}}},
		},
	}}
	r := New(job.NewRegistry(), containers).WithEcho(nil)
	rj := runnable("square", map[string]interface{}{"x": 5.0})
	rj.Container = "docker://example/square:1"

	result, err := r.Execute(context.Background(), rj, square)
	require.NoError(t, err)
	assert.Same(t, rj, containers.seen)
	assert.True(t, result.Success)
	assert.Equal(t, 25.0, result.Retval)
	require.NotNil(t, result.RuntimeInfo.ContainerRuntimeInfo)
	assert.Contains(t, result.RuntimeInfo.ContainerRuntimeInfo.ConsoleOut.Text(), "pulling image")
	assert.Contains(t, result.RuntimeInfo.ContainerRuntimeInfo.ConsoleOut.Text(), "running square in container")
	assert.Contains(t, result.RuntimeInfo.ContainerRuntimeInfo.ConsoleOut.Text(), "stopping container")

	containers.err = &hithererrors.ErrFramework{Component: "container", Message: "no result"}
	_, err = r.Execute(context.Background(), rj, square)
	assert.True(t, hithererrors.IsFatal(err))

	_, err = New(job.NewRegistry(), nil).Execute(context.Background(), rj, square)
	assert.True(t, hithererrors.IsFatal(err))
}

func TestPrepareContainer(t *testing.T) {
	containers := &fakeContainers{}
	r := New(job.NewRegistry(), containers)
	require.NoError(t, r.PrepareContainer(""))
	require.NoError(t, r.PrepareContainer("docker://example/square:1"))
	assert.Equal(t, []string{"docker://example/square:1"}, containers.prepared)

	assert.True(t, hithererrors.IsFatal(New(job.NewRegistry(), nil).PrepareContainer("docker://example/square:1")))
}
