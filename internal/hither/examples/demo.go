package examples

import (
	"context"

	"github.com/armadaproject/hither/internal/hither/job"
	"github.com/armadaproject/hither/internal/hither/scheduler"
)

type DemoJobs struct {
	Squares []*job.Job
	Sum     *job.Job
	Written *job.Job
	Counted *job.Job
}

// RunDemo squares 0..n-1 and counts the lines of a file written by another job, all in one job queue.
// The sum of the squares is computed in a second queue from their results.
func RunDemo(ctx context.Context, s *scheduler.Scheduler, n int) (*DemoJobs, error) {
	demo := &DemoJobs{}
	err := s.JobQueue(ctx, func() error {
		for i := 0; i < n; i++ {
			j, err := s.Run(ctx, Square, map[string]interface{}{"x": i})
			if err != nil {
				return err
			}
			demo.Squares = append(demo.Squares, j)
		}
		lines := make([]interface{}, n)
		for i := range lines {
			lines[i] = i
		}
		var err error
		demo.Written, err = s.Run(ctx, WriteText, map[string]interface{}{"text": lines, "outfile": job.NewTemporaryFile()})
		if err != nil {
			return err
		}
		demo.Counted, err = s.Run(ctx, CountLines, map[string]interface{}{"infile": demo.Written.Output("outfile")})
		return err
	})
	if err != nil {
		return nil, err
	}

	sum := 0.0
	for _, j := range demo.Squares {
		result, err := j.Result()
		if err != nil {
			return demo, err
		}
		x, _ := result.Retval.(float64)
		sum += x
	}
	err = s.JobQueue(ctx, func() error {
		var err error
		demo.Sum, err = s.Run(ctx, Add, map[string]interface{}{"a": sum, "b": 0})
		return err
	})
	return demo, err
}
