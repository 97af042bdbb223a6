package parallel

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/armadaproject/hither/internal/hither/job"
	"github.com/armadaproject/hither/internal/hither/runner"
)

// RunChild is the body of `hither run-job`. It serves one job over file descriptors 3 and 4.
func RunChild(ctx context.Context, r *runner.Runner) error {
	in := os.NewFile(3, "hither-from-parent")
	out := os.NewFile(4, "hither-to-parent")
	if in == nil || out == nil {
		return errors.New("run-job must be started by the parallel handler")
	}
	defer in.Close()
	defer out.Close()
	return ServeChild(ctx, r, in, out)
}

// ServeChild reads one runnable job from in, executes it, writes the result to out and returns once
// the parent has acknowledged it.
func ServeChild(ctx context.Context, r *runner.Runner, in io.Reader, out io.Writer) error {
	dec := json.NewDecoder(in)
	var rj job.RunnableJob
	if err := dec.Decode(&rj); err != nil {
		return errors.Wrap(err, "reading job from parent")
	}
	result, err := r.ExecuteByName(ctx, &rj)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(out).Encode(result); err != nil {
		return errors.Wrap(err, "writing result to parent")
	}
	reader := bufio.NewReader(io.MultiReader(dec.Buffered(), in))
	for {
		line, err := reader.ReadString('\n')
		if msg := strings.TrimSpace(line); msg != "" {
			if msg != ackMessage {
				return errors.Errorf("unexpected message from parent: %q", msg)
			}
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "waiting for parent to acknowledge result")
		}
	}
}
