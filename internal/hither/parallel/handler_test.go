package parallel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/hither/internal/common/hithererrors"
	"github.com/armadaproject/hither/internal/hither/contentstore"
	"github.com/armadaproject/hither/internal/hither/job"
	"github.com/armadaproject/hither/internal/hither/runner"
)

const childEnvVar = "HITHER_TEST_PARALLEL_CHILD"

var squareTemplate = job.NewTemplate("square", "1", func(ctx *job.Context, kwargs job.Kwargs) (interface{}, error) {
	x, err := kwargs.Float64("x")
	if err != nil {
		return nil, err
	}
	ctx.Printf("squaring %v\n", x)
	return x * x, nil
}).Parameter("x")

var crashTemplate = job.NewTemplate("crash", "1", func(ctx *job.Context, kwargs job.Kwargs) (interface{}, error) {
	fmt.Fprintln(os.Stderr, "child is going down")
	os.Exit(3)
	return nil, nil
})

var testRegistry = job.NewRegistry().MustRegister(squareTemplate, crashTemplate)

func TestMain(m *testing.M) {
	if os.Getenv(childEnvVar) == "1" {
		if err := RunChild(context.Background(), runner.New(testRegistry, nil).WithEcho(nil)); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func testLauncher() Launcher {
	return NewProcessLauncher(ProcessOptions{Executable: os.Args[0], Args: []string{}, Env: []string{childEnvVar + "=1"}})
}

func declare(t *testing.T, tmpl *job.Template, kwargs map[string]interface{}) *job.Job {
	store, err := contentstore.NewLocalStore(filepath.Join(t.TempDir(), "storage"))
	require.NoError(t, err)
	j, err := job.Declare(tmpl, kwargs, job.Config{}, store.Dir())
	require.NoError(t, err)
	require.NoError(t, j.Prepare(store))
	return j
}

func iterateUntilFinished(t *testing.T, h *Handler) error {
	deadline := time.Now().Add(30 * time.Second)
	for !h.IsFinished() {
		if err := h.Iterate(); err != nil {
			return err
		}
		require.True(t, time.Now().Before(deadline), "handler did not finish in time")
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

func TestHandler_Processes(t *testing.T) {
	h, err := NewHandler(2, testLauncher())
	require.NoError(t, err)
	var jobs []*job.Job
	for i := 1; i <= 3; i++ {
		j := declare(t, squareTemplate, map[string]interface{}{"x": i})
		require.NoError(t, h.HandleJob(j))
		jobs = append(jobs, j)
	}
	assert.False(t, h.IsFinished())

	require.NoError(t, iterateUntilFinished(t, h))
	for i, j := range jobs {
		result, err := j.Result()
		require.NoError(t, err)
		assert.Equal(t, float64((i+1)*(i+1)), result.Retval)
		assert.Contains(t, result.ConsoleText(), "squaring")
	}
	require.NoError(t, h.Cleanup())
}

func TestHandler_ChildCrashIsFrameworkError(t *testing.T) {
	h, err := NewHandler(1, testLauncher())
	require.NoError(t, err)
	require.NoError(t, h.HandleJob(declare(t, crashTemplate, nil)))

	err = iterateUntilFinished(t, h)
	require.Error(t, err)
	var framework *hithererrors.ErrFramework
	require.True(t, errors.As(err, &framework))
	assert.Contains(t, framework.Diagnostics, "child is going down")
}

type fakeChild struct {
	results chan Message
	acked   bool
	killed  bool
}

func (c *fakeChild) Results() <-chan Message {
	return c.results
}

func (c *fakeChild) Ack() error {
	c.acked = true
	return nil
}

func (c *fakeChild) Wait() error {
	return nil
}

func (c *fakeChild) Kill() {
	c.killed = true
}

func (c *fakeChild) Diagnostics() string {
	return ""
}

func TestHandler_AtMostNRunning(t *testing.T) {
	var started []*fakeChild
	launch := func(rj *job.RunnableJob) (Child, error) {
		c := &fakeChild{results: make(chan Message, 1)}
		started = append(started, c)
		return c, nil
	}
	h, err := NewHandler(2, launch)
	require.NoError(t, err)
	var jobs []*job.Job
	for i := 0; i < 5; i++ {
		j := declare(t, squareTemplate, map[string]interface{}{"x": i})
		require.NoError(t, h.HandleJob(j))
		jobs = append(jobs, j)
	}

	require.NoError(t, h.Iterate())
	assert.Len(t, started, 2)
	assert.Equal(t, 2, h.numRunning())
	assert.Equal(t, job.StatusRunning, jobs[0].Status)
	assert.Equal(t, job.StatusRunning, jobs[1].Status)
	assert.Equal(t, job.StatusPending, jobs[2].Status)

	require.NoError(t, h.Iterate())
	assert.Len(t, started, 2)

	started[1].results <- Message{Result: &job.Result{Success: true, Status: job.RunFinished, Retval: 1.0}}
	require.NoError(t, h.Iterate())
	assert.True(t, started[1].acked)
	assert.Equal(t, job.StatusFinished, jobs[1].Status)
	assert.Len(t, started, 3)
	assert.Equal(t, 2, h.numRunning())
	assert.Equal(t, job.StatusRunning, jobs[2].Status)

	require.NoError(t, h.Cleanup())
	assert.True(t, started[0].killed)
	assert.True(t, started[2].killed)
	assert.Equal(t, 0, h.numRunning())
}

func TestNewHandler_RequiresWorkers(t *testing.T) {
	_, err := NewHandler(0, nil)
	assert.True(t, hithererrors.IsFatal(err))
}

func TestServeChild(t *testing.T) {
	toChildR, toChildW := io.Pipe()
	fromChildR, fromChildW := io.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- ServeChild(context.Background(), runner.New(testRegistry, nil).WithEcho(nil), toChildR, fromChildW)
	}()
	go func() {
		rj := &job.RunnableJob{Name: "square", Label: "square", ResolvedKwargs: map[string]interface{}{"x": 5.0}, Result: &job.Result{}}
		_ = json.NewEncoder(toChildW).Encode(rj)
	}()

	var result job.Result
	require.NoError(t, json.NewDecoder(fromChildR).Decode(&result))
	assert.Equal(t, 25.0, result.Retval)
	assert.True(t, result.Success)

	select {
	case <-done:
		t.Fatal("child returned before the result was acknowledged")
	case <-time.After(50 * time.Millisecond):
	}
	_, err := fmt.Fprintln(toChildW, ackMessage)
	require.NoError(t, err)
	require.NoError(t, <-done)
}
