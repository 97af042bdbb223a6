package container

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/armadaproject/hither/internal/hither/job"
	"github.com/armadaproject/hither/internal/hither/runner"
)

// RunEntry is the entry point inside the container. It runs the function named in the request and writes
// exactly one response. Failures of the function are reported in the response; an error is returned only
// if no response could be written, which the host treats as a framework failure.
func RunEntry(ctx context.Context, registry *job.Registry, requestPath string, responsePath string) error {
	data, err := os.ReadFile(requestPath)
	if err != nil {
		return errors.WithStack(err)
	}
	var request Request
	if err := json.Unmarshal(data, &request); err != nil {
		return errors.Wrapf(err, "decoding %s", requestPath)
	}
	t, err := registry.Get(request.Name)
	if err != nil {
		return err
	}
	timeout := time.Duration(request.TimeoutSeconds * float64(time.Second))
	retval, info := runner.RunFunc(ctx, request.Label, t.Func, request.Kwargs, timeout, os.Stdout)
	response := Response{Retval: retval, Status: info.Status, RuntimeInfo: info}
	out, err := json.Marshal(response)
	if err != nil {
		return errors.Wrap(err, "encoding container result")
	}
	return errors.WithStack(os.WriteFile(responsePath, out, 0o644))
}
